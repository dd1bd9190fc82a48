package sntp

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/glycerine/idem"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/config"
)

// NTPClient is the query half of beevik/ntp, swapped out in tests.
type NTPClient interface {
	QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error)
}

type DefaultNTPClient struct{}

func (c *DefaultNTPClient) QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error) {
	return ntp.QueryWithOptions(host, options)
}

const (
	defaultConcurring   = 3
	maxConsecutiveFails = 10
	maxVariance         = 10 * time.Second
	wellSyncedDelta     = 500 * time.Millisecond
	failRetry           = 30 * time.Second
	failBackoff         = 30 * time.Minute
)

var ErrNoServers = errors.New("sntp: no servers configured")

// Timestamper periodically queries NTP servers and publishes the agreed
// offset to its listeners.
type Timestamper struct {
	servers    []string
	interval   time.Duration
	timeout    time.Duration
	concurring int
	client     NTPClient

	mu               sync.Mutex
	listeners        []UpdateListener
	offset           time.Duration
	wellSynced       bool
	consecutiveFails int
	halt             *idem.Halter

	initOnce sync.Once
	initCh   chan struct{}
}

func NewTimestamper(cfg config.ClockDefaults, client NTPClient) *Timestamper {
	if client == nil {
		client = &DefaultNTPClient{}
	}
	concurring := defaultConcurring
	if len(cfg.NTPServers) < concurring {
		concurring = len(cfg.NTPServers)
	}
	return &Timestamper{
		servers:    append([]string(nil), cfg.NTPServers...),
		interval:   cfg.QueryInterval,
		timeout:    cfg.QueryTimeout,
		concurring: concurring,
		client:     client,
		initCh:     make(chan struct{}),
	}
}

func (ts *Timestamper) AddListener(l UpdateListener) {
	ts.mu.Lock()
	ts.listeners = append(ts.listeners, l)
	ts.mu.Unlock()
}

// Enabled reports whether any servers are configured.
func (ts *Timestamper) Enabled() bool {
	return len(ts.servers) > 0
}

// Start runs the query loop. Without servers it only marks the
// Timestamper initialized.
func (ts *Timestamper) Start() {
	if !ts.Enabled() {
		ts.markInitialized()
		return
	}
	ts.mu.Lock()
	if ts.halt != nil {
		ts.mu.Unlock()
		return
	}
	h := idem.NewHalter()
	ts.halt = h
	ts.mu.Unlock()

	go ts.run(h)
}

func (ts *Timestamper) Stop() {
	ts.mu.Lock()
	h := ts.halt
	ts.halt = nil
	ts.mu.Unlock()
	if h == nil {
		return
	}
	h.ReqStop.Close()
	<-h.Done.Chan
}

func (ts *Timestamper) run(h *idem.Halter) {
	defer h.Done.Close()
	for {
		ok := ts.Query()
		select {
		case <-time.After(ts.nextDelay(ok)):
		case <-h.ReqStop.Chan:
			return
		}
	}
}

// WaitForInitialization blocks until the first query cycle finished or ctx is done.
func (ts *Timestamper) WaitForInitialization(ctx context.Context) error {
	select {
	case <-ts.initCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ts *Timestamper) markInitialized() {
	ts.initOnce.Do(func() { close(ts.initCh) })
}

func (ts *Timestamper) Offset() time.Duration {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.offset
}

func (ts *Timestamper) WellSynced() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.wellSynced
}

// Query runs one cycle against concurring servers and stamps the median
// offset when they agree. It reports whether the cycle succeeded.
func (ts *Timestamper) Query() bool {
	defer ts.markInitialized()
	if !ts.Enabled() {
		return false
	}
	deltas := make([]time.Duration, 0, ts.concurring)
	for len(deltas) < ts.concurring {
		delta, err := ts.queryAny()
		if err != nil {
			log.WithFields(logger.Fields{
				"at":     "(Timestamper) Query",
				"reason": "no_answer",
			}).WithError(err).Debug("ntp query cycle failed")
			return false
		}
		if len(deltas) > 0 && absDuration(delta-deltas[0]) > maxVariance {
			log.WithFields(logger.Fields{
				"at":       "(Timestamper) Query",
				"reason":   "servers_disagree",
				"first":    deltas[0],
				"delta":    delta,
				"variance": maxVariance,
			}).Warn("ntp servers disagree")
			return false
		}
		if len(deltas) == 0 && absDuration(delta) > maxVariance {
			log.WithFields(logger.Fields{
				"at":     "(Timestamper) Query",
				"reason": "offset_too_large",
				"delta":  delta,
			}).Warn("ntp offset rejected")
			return false
		}
		deltas = append(deltas, delta)
	}
	ts.stamp(median(deltas))
	return true
}

// queryAny asks random servers until one gives a valid answer, trying at
// most once per configured server.
func (ts *Timestamper) queryAny() (time.Duration, error) {
	var last error
	for attempt := 0; attempt < len(ts.servers); attempt++ {
		server := ts.servers[rand.Intn(len(ts.servers))]
		resp, err := ts.client.QueryWithOptions(server, ntp.QueryOptions{Timeout: ts.timeout})
		if err != nil {
			last = oops.With("server", server).Wrap(err)
			continue
		}
		if err := validateResponse(resp); err != nil {
			last = oops.With("server", server).Wrap(err)
			continue
		}
		return resp.ClockOffset, nil
	}
	if last == nil {
		last = ErrNoServers
	}
	return 0, last
}

func (ts *Timestamper) stamp(offset time.Duration) {
	now := time.Now().Add(offset).Round(time.Second)

	ts.mu.Lock()
	ts.offset = offset
	ts.wellSynced = absDuration(offset) < wellSyncedDelta
	ts.consecutiveFails = 0
	listeners := append([]UpdateListener(nil), ts.listeners...)
	ts.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":     "(Timestamper) stamp",
		"offset": offset,
	}).Debug("clock offset updated")
	for _, l := range listeners {
		l.SetNow(now, 0)
	}
}

// nextDelay backs off after failures and stretches the interval once the
// clock is well synced.
func (ts *Timestamper) nextDelay(ok bool) time.Duration {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if !ok {
		ts.consecutiveFails++
		if ts.consecutiveFails >= maxConsecutiveFails {
			return failBackoff
		}
		return failRetry
	}
	d := ts.interval
	if d > 1 {
		d += time.Duration(rand.Int63n(int64(d / 2)))
	}
	if ts.wellSynced {
		d *= 3
	}
	return d
}

func median(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
