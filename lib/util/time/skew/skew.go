package skew

import (
	"errors"
	"time"

	"github.com/samber/oops"
)

var (
	// ErrZeroTime is returned for a timestamp that was never set.
	ErrZeroTime = errors.New("clock skew: timestamp is zero")
	// ErrTooOld is returned for a timestamp further in the past than allowed.
	ErrTooOld = errors.New("clock skew: timestamp too far in the past")
	// ErrTooNew is returned for a timestamp further in the future than allowed.
	ErrTooNew = errors.New("clock skew: timestamp too far in the future")
)

// Check reports whether ts lies within [now-maxPast, now+maxFuture].
// The returned error wraps one of the sentinel errors and carries the
// observed skew in its context.
func Check(ts, now time.Time, maxPast, maxFuture time.Duration) error {
	if ts.IsZero() {
		return ErrZeroTime
	}
	d := now.Sub(ts)
	switch {
	case d > maxPast:
		return oops.
			With("skew", d, "max", maxPast).
			Wrap(ErrTooOld)
	case -d > maxFuture:
		return oops.
			With("skew", -d, "max", maxFuture).
			Wrap(ErrTooNew)
	}
	return nil
}

// Symmetric is Check with the same bound on both sides.
func Symmetric(ts, now time.Time, max time.Duration) error {
	return Check(ts, now, max, max)
}

// Offset returns how far ts is ahead of now. Negative values are behind.
func Offset(ts, now time.Time) time.Duration {
	return ts.Sub(now)
}
