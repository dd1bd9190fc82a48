package pool

import (
	"bytes"
	"sort"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

// selectionPeriod is how long SelectTunnel keeps returning the same tunnel.
const selectionPeriod = 500 * time.Millisecond

func currentPeriod(now time.Time) int64 {
	ms := now.UnixMilli()
	return ms - ms%selectionPeriod.Milliseconds()
}

// SelectTunnel picks a random unexpired tunnel, preferring the one picked
// earlier in the same half second. Pools that disallow zero hop prefer real
// tunnels, and outbound pools avoid tunnels whose first hop is backlogged.
// An empty pool that allows zero hop builds a fallback and retries once.
func (p *TunnelPool) SelectTunnel() *tunnel.TunnelConfig {
	return p.selectTunnel(true)
}

func (p *TunnelPool) selectTunnel(retry bool) *tunnel.TunnelConfig {
	now := p.rc.now()
	period := currentPeriod(now)

	p.mu.Lock()
	avoidZeroHop := !p.settings.AllowZeroHop
	inbound := p.settings.Inbound
	if p.lastSelectionPeriod == period && p.lastSelected != nil &&
		p.lastSelected.Expiration().UnixMilli() > period && p.containsLocked(p.lastSelected) {
		t := p.lastSelected
		p.mu.Unlock()
		return t
	}
	p.lastSelectionPeriod = period
	p.lastSelected = nil

	if len(p.tunnels) > 0 {
		shuffle(p.tunnels)
		var backlogged *tunnel.TunnelConfig
		if avoidZeroHop {
			for _, t := range p.tunnels {
				if t.IsZeroHop() || !t.Expiration().After(now) {
					continue
				}
				if inbound || !p.rc.Transport.IsBacklogged(t.Peer(1)) {
					p.lastSelected = t
					p.mu.Unlock()
					return t
				}
				backlogged = t
			}
			if backlogged != nil {
				p.mu.Unlock()
				log.WithFields(logger.Fields{
					"at":   "(TunnelPool) SelectTunnel",
					"pool": p.String(),
				}).Warn("all tunnels are backlogged")
				return backlogged
			}
		}
		for _, t := range p.tunnels {
			if !t.Expiration().After(now) {
				continue
			}
			if inbound || t.IsZeroHop() || !p.rc.Transport.IsBacklogged(t.Peer(1)) {
				p.lastSelected = t
				p.mu.Unlock()
				return t
			}
			backlogged = t
		}
		if backlogged != nil {
			p.mu.Unlock()
			return backlogged
		}
	}
	p.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":   "(TunnelPool) SelectTunnel",
		"pool": p.String(),
	}).Warn("no unexpired tunnels to select from")
	if !avoidZeroHop && p.IsAlive() {
		p.BuildFallback()
	}
	if retry {
		return p.selectTunnel(false)
	}
	return nil
}

// SelectTunnelClosestTo returns the unexpired tunnel whose far end is
// XOR-closest to target, real tunnels first when zero hop is disallowed.
// Backlog is not considered.
func (p *TunnelPool) SelectTunnelClosestTo(target common.Hash) *tunnel.TunnelConfig {
	now := p.rc.now()
	p.mu.Lock()
	avoidZeroHop := !p.settings.AllowZeroHop
	sortByDistance(p.tunnels, target, avoidZeroHop)
	var rv *tunnel.TunnelConfig
	for _, t := range p.tunnels {
		if t.Expiration().After(now) {
			rv = t
			break
		}
	}
	p.mu.Unlock()
	if rv == nil {
		log.WithFields(logger.Fields{
			"at":   "(TunnelPool) SelectTunnelClosestTo",
			"pool": p.String(),
		}).Warn("no tunnels to select from")
	}
	return rv
}

func sortByDistance(tunnels []*tunnel.TunnelConfig, target common.Hash, avoidZeroHop bool) {
	sort.SliceStable(tunnels, func(i, j int) bool {
		l, r := tunnels[i], tunnels[j]
		if avoidZeroHop && l.IsZeroHop() != r.IsZeroHop() {
			return !l.IsZeroHop()
		}
		ld, rd := xor(l.FarEnd(), target), xor(r.FarEnd(), target)
		if c := bytes.Compare(ld[:], rd[:]); c != 0 {
			return c < 0
		}
		return l.Expiration().After(r.Expiration())
	})
}

func xor(a, b common.Hash) (d common.Hash) {
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// GetTunnel finds the tunnel whose gateway hop uses gatewayID: the receive
// id for inbound pools, the send id for outbound ones.
func (p *TunnelPool) GetTunnel(gatewayID tunnel.TunnelID) *tunnel.TunnelConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tunnels {
		gw := t.Gateway()
		if p.settings.Inbound && gw.ReceiveTunnel == gatewayID {
			return t
		}
		if !p.settings.Inbound && gw.SendTunnel == gatewayID {
			return t
		}
	}
	return nil
}

func (p *TunnelPool) containsLocked(cfg *tunnel.TunnelConfig) bool {
	for _, t := range p.tunnels {
		if t == cfg {
			return true
		}
	}
	return false
}

func shuffle(tunnels []*tunnel.TunnelConfig) {
	for i := len(tunnels) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		tunnels[i], tunnels[j] = tunnels[j], tunnels[i]
	}
}
