package sntp

import "time"

// UpdateListener receives the corrected time after every successful query.
type UpdateListener interface {
	SetNow(now time.Time, stratum uint8)
}
