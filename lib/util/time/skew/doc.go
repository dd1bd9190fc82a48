// Package skew checks timestamps carried in build records against the
// local clock.
//
// Build requests carry the creator's request time rounded to the hour or
// minute. A record is accepted only when that time falls inside a window
// that may be wider in the past than in the future:
//
//	if err := skew.Check(rec.RequestTime, now, maxAge, maxFuture); err != nil {
//	    // drop the request
//	}
package skew
