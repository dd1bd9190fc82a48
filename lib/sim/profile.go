package sim

import (
	"time"

	common "github.com/go-i2p/common/data"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

// profile counts build outcomes for one peer.
type profile struct {
	joined, rejected, timedOut int
	failedPct                  int
	pushed                     uint64

	lastReply    time.Time
	lastRejected bool
}

func (p *profile) score() int {
	if p == nil {
		return 0
	}
	return 2*p.joined - p.rejected - 3*p.timedOut - p.failedPct/25
}

// profileLocked returns the profile for peer. r.mu must be held.
func (r *Router) profileLocked(peer common.Hash) *profile {
	p, ok := r.profiles[peer]
	if !ok {
		p = &profile{}
		r.profiles[peer] = p
	}
	return p
}

func (r *Router) TunnelJoined(peer common.Hash, _ time.Duration) {
	r.mu.Lock()
	p := r.profileLocked(peer)
	p.joined++
	p.lastReply, p.lastRejected = r.now(), false
	r.mu.Unlock()
}

func (r *Router) TunnelRejected(peer common.Hash, _ time.Duration, _ tunnel.BuildStatus) {
	r.mu.Lock()
	p := r.profileLocked(peer)
	p.rejected++
	p.lastReply, p.lastRejected = r.now(), true
	r.mu.Unlock()
}

func (r *Router) TunnelTimedOut(peer common.Hash) {
	r.mu.Lock()
	r.profileLocked(peer).timedOut++
	r.mu.Unlock()
}

func (r *Router) TunnelFailed(peer common.Hash, pct int) {
	r.mu.Lock()
	r.profileLocked(peer).failedPct += pct
	r.mu.Unlock()
}

func (r *Router) TunnelLifetimePushed(peer common.Hash, _ time.Duration, bytes uint64) {
	r.mu.Lock()
	r.profileLocked(peer).pushed += bytes
	r.mu.Unlock()
}
