package tunnel

import (
	"sync"
	"sync/atomic"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/crypto/tunnel"
	"github.com/go-i2p/logger"
	"github.com/glycerine/idem"
	"github.com/samber/oops"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/config"
)

// ParticipatingHop is a tunnel we relay for someone else.
type ParticipatingHop struct {
	Config *HopConfig
	layer  tunnel.TunnelEncryptor
}

// Layer returns the AES layer built from the hop's keys.
func (p *ParticipatingHop) Layer() tunnel.TunnelEncryptor { return p.layer }

// ParticipatingRegistry tracks the tunnels we joined as a hop and decides
// whether our load allows another one.
type ParticipatingRegistry struct {
	mu   sync.RWMutex
	hops map[TunnelID]*ParticipatingHop

	maxParticipants int
	limitsEnabled   bool

	rejectCountTotal uint64

	halt *idem.Halter
}

// NewParticipatingRegistry returns an empty registry using the limits in cfg.
func NewParticipatingRegistry(cfg config.AdmissionDefaults) *ParticipatingRegistry {
	maxParticipants := cfg.MaxParticipatingTunnels
	if maxParticipants <= 0 {
		maxParticipants = 2000
		log.WithField("default_max", maxParticipants).Info("MaxParticipatingTunnels was zero, using default")
	}
	return &ParticipatingRegistry{
		hops:            make(map[TunnelID]*ParticipatingHop),
		maxParticipants: maxParticipants,
		limitsEnabled:   cfg.LimitsEnabled,
		halt:            idem.NewHalter(),
	}
}

// Join registers hop under its receive tunnel id.
func (r *ParticipatingRegistry) Join(hop *HopConfig) error {
	if hop == nil {
		return oops.Errorf("cannot join nil hop")
	}
	layer, err := tunnel.NewAESEncryptor(tunnel.TunnelKey(hop.LayerKey), tunnel.TunnelKey(hop.IVKey))
	if err != nil {
		return oops.Errorf("failed to create layer for tunnel %d: %w", hop.ReceiveTunnel, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hops[hop.ReceiveTunnel]; exists {
		return oops.Errorf("tunnel %d already registered", hop.ReceiveTunnel)
	}
	r.hops[hop.ReceiveTunnel] = &ParticipatingHop{Config: hop, layer: layer}

	log.WithFields(logger.Fields{
		"at":        "(ParticipatingRegistry) Join",
		"phase":     "tunnel_build",
		"tunnel_id": hop.ReceiveTunnel,
		"role":      hop.Role.String(),
		"next":      truncateHash(hop.SendTo),
		"count":     len(r.hops),
	}).Debug("joined participating tunnel")
	return nil
}

// Remove drops the tunnel with the given receive id.
func (r *ParticipatingRegistry) Remove(id TunnelID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hops[id]; !ok {
		return false
	}
	delete(r.hops, id)
	return true
}

// Get returns the participating hop for id.
func (r *ParticipatingRegistry) Get(id TunnelID) (*ParticipatingHop, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.hops[id]
	return p, ok
}

// Has reports whether id is already in use by a participating tunnel.
func (r *ParticipatingRegistry) Has(id TunnelID) bool {
	_, ok := r.Get(id)
	return ok
}

// Count is the number of participating tunnels.
func (r *ParticipatingRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hops)
}

// CountWithPeer counts participating tunnels whose next hop is peer.
func (r *ParticipatingRegistry) CountWithPeer(peer common.Hash) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.hops {
		if p.Config.SendTo == peer {
			n++
		}
	}
	return n
}

// RejectCount returns the number of requests refused for load.
func (r *ParticipatingRegistry) RejectCount() uint64 {
	return atomic.LoadUint64(&r.rejectCountTotal)
}

// MaxParticipants is the hard limit.
func (r *ParticipatingRegistry) MaxParticipants() int { return r.maxParticipants }

func (r *ParticipatingRegistry) softLimit() int { return r.maxParticipants / 2 }

// AcceptTunnelRequest is the admission signal for a new participating
// tunnel. Below half the hard limit everything is accepted. Above it the
// reject probability climbs from 50% to 90%, and from 90% to 100% over the
// last hundred slots. At the hard limit every request is rejected.
func (r *ParticipatingRegistry) AcceptTunnelRequest() BuildStatus {
	if !r.limitsEnabled {
		return BuildReplyCodeAccepted
	}
	count := r.Count()

	if count >= r.maxParticipants {
		atomic.AddUint64(&r.rejectCountTotal, 1)
		log.WithFields(logger.Fields{
			"at":                "(ParticipatingRegistry) AcceptTunnelRequest",
			"phase":             "tunnel_build",
			"reason":            "hard_limit_reached",
			"participant_count": count,
			"max_participants":  r.maxParticipants,
		}).Debug("rejecting tunnel build: hard limit reached")
		return BuildReplyCodeBandwidth
	}

	soft := r.softLimit()
	if count < soft {
		return BuildReplyCodeAccepted
	}
	p := r.rejectProbability(count, soft)
	if rand.Float64() < p {
		atomic.AddUint64(&r.rejectCountTotal, 1)
		log.WithFields(logger.Fields{
			"at":                 "(ParticipatingRegistry) AcceptTunnelRequest",
			"phase":              "tunnel_build",
			"reason":             "soft_limit_probabilistic_reject",
			"participant_count":  count,
			"reject_probability": p,
		}).Debug("rejecting tunnel build: soft limit")
		return BuildReplyCodeTransientOverload
	}
	return BuildReplyCodeAccepted
}

func (r *ParticipatingRegistry) rejectProbability(count, soft int) float64 {
	critical := r.maxParticipants - 100
	if critical < soft {
		critical = soft
	}
	if count >= critical {
		span := float64(r.maxParticipants - critical)
		if span <= 0 {
			return 0.95
		}
		return 0.90 + 0.10*float64(count-critical)/span
	}
	span := float64(critical - soft)
	if span <= 0 {
		return 0.50
	}
	return 0.50 + 0.40*float64(count-soft)/span
}

// ExpireBefore removes hops expired at now and returns how many went.
func (r *ParticipatingRegistry) ExpireBefore(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, p := range r.hops {
		if p.Config.Expired(now) {
			delete(r.hops, id)
			n++
		}
	}
	if n > 0 {
		log.WithFields(logger.Fields{
			"at":        "(ParticipatingRegistry) ExpireBefore",
			"removed":   n,
			"remaining": len(r.hops),
		}).Debug("expired participating tunnels")
	}
	return n
}

// Start runs the expiry sweep every interval until Stop.
func (r *ParticipatingRegistry) Start(interval time.Duration) {
	go func() {
		defer r.halt.Done.Close()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				r.ExpireBefore(now)
			case <-r.halt.ReqStop.Chan:
				return
			}
		}
	}()
}

func (r *ParticipatingRegistry) Stop() {
	r.halt.ReqStop.Close()
}
