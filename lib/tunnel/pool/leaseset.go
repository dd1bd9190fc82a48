package pool

import (
	"sort"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

// buildLeasesLocked returns the leases of an inbound client pool, latest
// expiring first. Expired tunnels are skipped and only the latest zero-hop
// tunnel is kept. It returns nil when nothing can be published.
func (p *TunnelPool) buildLeasesLocked() []Lease {
	if !p.alive || len(p.tunnels) == 0 {
		return nil
	}
	wanted := p.settings.Quantity
	if wanted > tunnel.MaxLeases {
		wanted = tunnel.MaxLeases
	}
	now := p.rc.now()

	leases := make([]Lease, 0, len(p.tunnels))
	zeroHop := -1
	for _, t := range p.tunnels {
		if !t.Expiration().After(now) {
			continue
		}
		gw := t.Gateway()
		l := Lease{Gateway: gw.Peer, TunnelID: gw.ReceiveTunnel, End: gw.Expiration}
		if t.IsZeroHop() {
			if zeroHop >= 0 {
				if leases[zeroHop].End.After(l.End) {
					continue
				}
				leases[zeroHop] = l
				continue
			}
			zeroHop = len(leases)
		}
		leases = append(leases, l)
	}
	if len(leases) == 0 {
		return nil
	}
	sort.SliceStable(leases, func(i, j int) bool { return leases[i].End.After(leases[j].End) })
	if len(leases) < wanted {
		log.WithFields(logger.Fields{
			"at":     "(TunnelPool) buildLeasesLocked",
			"leases": len(leases),
			"wanted": wanted,
		}).Warn("not enough leases")
	} else {
		leases = leases[:wanted]
	}
	p.lastLeases = leases
	return leases
}

// refreshLeaseSet republishes the leases of an inbound client pool to its
// destination and every alias.
func (p *TunnelPool) refreshLeaseSet() {
	p.mu.Lock()
	if !p.isClientInbound() || p.settings.Destination == nil {
		p.mu.Unlock()
		return
	}
	leases := p.buildLeasesLocked()
	targets := p.leaseTargetsLocked()
	p.mu.Unlock()
	if leases == nil {
		return
	}
	log.WithFields(logger.Fields{
		"at":      "(TunnelPool) refreshLeaseSet",
		"leases":  len(leases),
		"aliases": len(targets) - 1,
	}).Debug("refreshing leases")
	p.publish(targets, leases)
}

// leaseTargetsLocked lists the destination of the pool followed by its aliases.
func (p *TunnelPool) leaseTargetsLocked() []common.Hash {
	if p.settings.Destination == nil {
		return nil
	}
	targets := make([]common.Hash, 0, 1+len(p.settings.Aliases))
	targets = append(targets, *p.settings.Destination)
	return append(targets, p.settings.Aliases...)
}

// publish hands the same leases to every target.
func (p *TunnelPool) publish(targets []common.Hash, leases []Lease) {
	if len(leases) == 0 {
		return
	}
	for _, dest := range targets {
		p.rc.LeaseSets.RequestLeaseSet(dest, leases)
	}
}

// Leases returns the leases last published.
func (p *TunnelPool) Leases() []Lease {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Lease(nil), p.lastLeases...)
}
