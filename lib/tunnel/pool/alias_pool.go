package pool

import (
	"sync"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

// AliasedPool serves a destination that shares the tunnels of another
// destination's pool. It never builds; its leases are published by the base
// pool under both names.
type AliasedPool struct {
	rc   *RouterContext
	base *TunnelPool

	mu       sync.Mutex
	settings tunnel.PoolSettings
	alive    bool
}

func newAliasedPool(rc *RouterContext, settings tunnel.PoolSettings, base *TunnelPool) *AliasedPool {
	return &AliasedPool{rc: rc, base: base, settings: settings}
}

// Base returns the pool whose tunnels are shared.
func (a *AliasedPool) Base() *TunnelPool { return a.base }

func (a *AliasedPool) Settings() tunnel.PoolSettings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

// IsAlive requires the base pool to be alive as well.
func (a *AliasedPool) IsAlive() bool {
	a.mu.Lock()
	alive := a.alive
	dest := a.settings.Destination
	a.mu.Unlock()
	if !alive || !a.base.IsAlive() {
		return false
	}
	return dest == nil || a.rc.LeaseSets.IsLocal(*dest)
}

func (a *AliasedPool) SelectTunnel() *tunnel.TunnelConfig { return a.base.SelectTunnel() }

func (a *AliasedPool) SelectTunnelClosestTo(target common.Hash) *tunnel.TunnelConfig {
	return a.base.SelectTunnelClosestTo(target)
}

func (a *AliasedPool) GetTunnel(gatewayID tunnel.TunnelID) *tunnel.TunnelConfig {
	return a.base.GetTunnel(gatewayID)
}

func (a *AliasedPool) ListTunnels() []*tunnel.TunnelConfig { return a.base.ListTunnels() }

// ListPending is always empty.
func (a *AliasedPool) ListPending() []*tunnel.TunnelConfig { return nil }

func (a *AliasedPool) TunnelCount() int { return a.base.TunnelCount() }

// Startup registers the alias with the base pool and republishes its leases.
func (a *AliasedPool) Startup() {
	a.mu.Lock()
	a.alive = true
	dest := a.settings.Destination
	inbound := a.settings.Inbound
	a.mu.Unlock()
	if dest != nil {
		a.base.addAlias(*dest)
	}
	log.WithFields(logger.Fields{
		"at":   "(AliasedPool) Startup",
		"pool": a.String(),
		"base": a.base.String(),
	}).Info("aliased pool started")
	if inbound {
		a.base.refreshLeaseSet()
	}
}

func (a *AliasedPool) Shutdown() {
	a.mu.Lock()
	a.alive = false
	a.mu.Unlock()
}

func (a *AliasedPool) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return poolName(&a.settings) + " (alias)"
}
