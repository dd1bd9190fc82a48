// Package sntp keeps an NTP corrected router clock.
//
// A Timestamper queries a few servers from its configured list, checks
// that the answers agree, and pushes the median offset to its listeners.
// Clock is the usual listener: it is what the tunnel subsystem reads
// for every expiration and request time.
//
//	clock := sntp.NewClock()
//	ts := sntp.NewTimestamper(cfg.Clock, &sntp.DefaultNTPClient{})
//	ts.AddListener(clock)
//	ts.Start()
//	defer ts.Stop()
//
// With no servers configured the Timestamper never queries and Clock
// reads the system time.
package sntp
