package tunnel

import (
	"sync"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"
	"github.com/glycerine/idem"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/config"
)

// ThrottleVerdict is the outcome of a per-peer throttle check.
type ThrottleVerdict int

const (
	ThrottleAccept ThrottleVerdict = iota
	ThrottleReject
	ThrottleDrop
)

func (v ThrottleVerdict) String() string {
	switch v {
	case ThrottleReject:
		return "reject"
	case ThrottleDrop:
		return "drop"
	default:
		return "accept"
	}
}

// Throttler counts events per peer and limits each peer to a share of the
// current participating total. Counts are cleared every reset period.
// The same type backs both the request throttle and the participating
// throttle; only the parameters differ.
type Throttler struct {
	name   string
	params config.ThrottleParams
	total  func() int

	mu     sync.Mutex
	counts map[common.Hash]int

	halt *idem.Halter
}

// NewThrottler returns a throttler whose limit scales with total().
func NewThrottler(name string, params config.ThrottleParams, total func() int) *Throttler {
	if total == nil {
		total = func() int { return 0 }
	}
	return &Throttler{
		name:   name,
		params: params,
		total:  total,
		counts: make(map[common.Hash]int),
	}
}

// Limit is the per-peer allowance for the current participating total.
func (t *Throttler) Limit() int {
	limit := t.total() * t.params.Percent / 100
	return clamp(limit, t.params.Min, t.params.Max)
}

// ShouldThrottle counts one more event for peer and judges it. Counts above
// the limit reject; counts above nine eighths of the limit drop.
func (t *Throttler) ShouldThrottle(peer common.Hash) ThrottleVerdict {
	limit := t.Limit()

	t.mu.Lock()
	t.counts[peer]++
	count := t.counts[peer]
	t.mu.Unlock()

	if count <= limit {
		return ThrottleAccept
	}
	verdict := ThrottleReject
	if count > limit*9/8 {
		verdict = ThrottleDrop
	}
	log.WithFields(logger.Fields{
		"at":       "(Throttler) ShouldThrottle",
		"throttle": t.name,
		"peer":     truncateHash(peer),
		"count":    count,
		"limit":    limit,
		"verdict":  verdict.String(),
	}).Debug("peer throttled")
	return verdict
}

// Count returns the events counted for peer in this period.
func (t *Throttler) Count(peer common.Hash) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[peer]
}

// Reset clears all counts.
func (t *Throttler) Reset() {
	t.mu.Lock()
	t.counts = make(map[common.Hash]int)
	t.mu.Unlock()
}

// Start clears the counts every reset period until Stop. It may be called
// again after Stop.
func (t *Throttler) Start() {
	t.mu.Lock()
	if t.halt != nil {
		t.mu.Unlock()
		return
	}
	h := idem.NewHalter()
	t.halt = h
	t.mu.Unlock()

	go func() {
		defer h.Done.Close()
		ticker := time.NewTicker(t.params.ResetPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Reset()
			case <-h.ReqStop.Chan:
				return
			}
		}
	}()
}

// Stop ends the reset loop started by Start.
func (t *Throttler) Stop() {
	t.mu.Lock()
	h := t.halt
	t.halt = nil
	t.mu.Unlock()
	if h == nil {
		return
	}
	h.ReqStop.Close()
	<-h.Done.Chan
}
