package sntp

import (
	"errors"
	"time"

	"github.com/beevik/ntp"
	"github.com/samber/oops"
)

const (
	maxRTT            = 2 * time.Second
	maxClockOffset    = 10 * time.Second
	maxRootDispersion = 1 * time.Second
	maxRootDelay      = 1 * time.Second
)

var ErrInvalidResponse = errors.New("sntp: invalid response")

// validateResponse rejects answers from unsynchronized or distant servers.
func validateResponse(r *ntp.Response) error {
	switch {
	case r == nil:
		return ErrInvalidResponse
	case r.Leap == ntp.LeapNotInSync:
		return oops.With("reason", "leap_not_in_sync").Wrap(ErrInvalidResponse)
	case r.Stratum == 0 || r.Stratum > 15:
		return oops.With("reason", "stratum", "stratum", r.Stratum).Wrap(ErrInvalidResponse)
	case r.RTT < 0 || r.RTT > maxRTT:
		return oops.With("reason", "rtt", "rtt", r.RTT).Wrap(ErrInvalidResponse)
	case absDuration(r.ClockOffset) > maxClockOffset:
		return oops.With("reason", "offset", "offset", r.ClockOffset).Wrap(ErrInvalidResponse)
	case r.Time.IsZero():
		return oops.With("reason", "zero_time").Wrap(ErrInvalidResponse)
	case r.RootDispersion > maxRootDispersion:
		return oops.With("reason", "root_dispersion", "dispersion", r.RootDispersion).Wrap(ErrInvalidResponse)
	case r.RootDelay > maxRootDelay:
		return oops.With("reason", "root_delay", "delay", r.RootDelay).Wrap(ErrInvalidResponse)
	}
	return nil
}
