package pool

import (
	"sync"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/i2np"
	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

const (
	// minTunnelsForExclusion is the tunnel count below which no peer is
	// considered overused.
	minTunnelsForExclusion = 4
	// exclusionUptime is the uptime before overused peers are excluded.
	exclusionUptime = 10 * time.Minute
)

// poolPair is the inbound and outbound pool of one destination.
type poolPair struct {
	inbound, outbound Pool
}

func (pp *poolPair) get(inbound bool) Pool {
	if inbound {
		return pp.inbound
	}
	return pp.outbound
}

// opposite returns the pool a build of the given direction pairs with.
func (pp *poolPair) opposite(inbound bool) Pool {
	return pp.get(!inbound)
}

// Manager owns every tunnel pool of the router together with the executor
// that builds for them and the handler answering other routers' requests.
type Manager struct {
	rc      *RouterContext
	stats   *BuildStats
	exec    *BuildExecutor
	handler *BuildHandler

	exploratorySelector *tunnel.PeerSelector
	clientSelector      *tunnel.PeerSelector

	mu          sync.RWMutex
	exploratory *poolPair
	clients     map[common.Hash]*poolPair
	started     bool
}

// NewManager wires a manager to its router. Nothing runs until Startup.
func NewManager(rc *RouterContext) (*Manager, error) {
	if rc == nil {
		return nil, oops.Errorf("router context is required")
	}
	if err := rc.validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		rc:      rc,
		clients: make(map[common.Hash]*poolPair),
	}
	m.stats = NewBuildStats(rc.Config.Tunnel.TunnelLifetime, rc.now)
	m.exec = newBuildExecutor(rc, m, m.stats)
	handler, err := newBuildHandler(rc, m.exec, m.stats)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to create build handler")
	}
	m.handler = handler

	selectorConfig := func(kind tunnel.SelectorKind) tunnel.SelectorConfig {
		return tunnel.SelectorConfig{
			Kind:         kind,
			LocalHash:    rc.LocalHash,
			Peers:        rc.Peers,
			Directory:    rc.NetDB,
			Connectivity: rc.Connectivity,
			Failures:     m.stats,
			Exclusions:   m,
			Rejections:   rc.Rejections,
			Availability: m,
		}
	}
	if m.exploratorySelector, err = tunnel.NewPeerSelector(selectorConfig(tunnel.SelectorExploratory)); err != nil {
		return nil, err
	}
	if m.clientSelector, err = tunnel.NewPeerSelector(selectorConfig(tunnel.SelectorClient)); err != nil {
		return nil, err
	}

	m.exploratory = &poolPair{
		inbound:  newTunnelPool(rc, m, tunnel.NewExploratorySettings(rc.Config.Tunnel, true), m.exploratorySelector),
		outbound: newTunnelPool(rc, m, tunnel.NewExploratorySettings(rc.Config.Tunnel, false), m.exploratorySelector),
	}
	return m, nil
}

// Startup starts the exploratory pools, the executor and the handler.
func (m *Manager) Startup() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	ex := m.exploratory
	m.mu.Unlock()

	ex.inbound.Startup()
	ex.outbound.Startup()
	m.exec.Start()
	m.handler.Start()
	log.WithFields(logger.Fields{
		"at":    "(Manager) Startup",
		"local": short(m.rc.LocalHash),
	}).Info("tunnel manager started")
}

// Shutdown stops building and answering, and closes every pool.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	pools := m.listPoolsLocked()
	m.mu.Unlock()

	m.handler.Stop()
	m.exec.Stop()
	for _, p := range pools {
		if tp, ok := p.(*TunnelPool); ok {
			tp.close()
		} else {
			p.Shutdown()
		}
	}
	log.WithFields(logger.Fields{
		"at":    "(Manager) Shutdown",
		"pools": len(pools),
	}).Info("tunnel manager stopped")
}

// Restart drops the client pools and starts over with fresh exploratory pools.
func (m *Manager) Restart() {
	m.Shutdown()
	m.mu.Lock()
	m.clients = make(map[common.Hash]*poolPair)
	m.exploratory = &poolPair{
		inbound:  newTunnelPool(m.rc, m, tunnel.NewExploratorySettings(m.rc.Config.Tunnel, true), m.exploratorySelector),
		outbound: newTunnelPool(m.rc, m, tunnel.NewExploratorySettings(m.rc.Config.Tunnel, false), m.exploratorySelector),
	}
	m.mu.Unlock()
	m.Startup()
}

func (m *Manager) exploratoryPair() *poolPair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exploratory
}

func (m *Manager) clientPair(dest common.Hash) *poolPair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[dest]
}

// BuildTunnels starts the pools of a client destination. Settings with
// AliasOf set share the pools of that destination instead. Calling it again
// for a known destination updates the settings and restarts stopped pools.
func (m *Manager) BuildTunnels(dest common.Hash, inbound, outbound tunnel.PoolSettings) error {
	inbound.Inbound, outbound.Inbound = true, false
	inbound.Exploratory, outbound.Exploratory = false, false
	d := dest
	inbound.Destination, outbound.Destination = &d, &d

	if inbound.AliasOf != nil || outbound.AliasOf != nil {
		return m.buildAliased(dest, inbound, outbound)
	}

	m.mu.Lock()
	pair, exists := m.clients[dest]
	if !exists {
		pair = &poolPair{
			inbound:  newTunnelPool(m.rc, m, inbound, m.clientSelector),
			outbound: newTunnelPool(m.rc, m, outbound, m.clientSelector),
		}
		m.clients[dest] = pair
	}
	m.mu.Unlock()

	for _, s := range []tunnel.PoolSettings{inbound, outbound} {
		p := pair.get(s.Inbound)
		if exists {
			if tp, ok := p.(*TunnelPool); ok {
				tp.SetSettings(s)
			}
		}
		if !p.IsAlive() {
			p.Startup()
		}
	}
	log.WithFields(logger.Fields{
		"at":       "(Manager) BuildTunnels",
		"dest":     short(dest),
		"existing": exists,
	}).Debug("client pools ready")
	return nil
}

func (m *Manager) buildAliased(dest common.Hash, inbound, outbound tunnel.PoolSettings) error {
	aliasOf := inbound.AliasOf
	if aliasOf == nil {
		aliasOf = outbound.AliasOf
	}
	base := m.clientPair(*aliasOf)
	if base == nil {
		return oops.Errorf("alias %s: no pools for %s", short(dest), short(*aliasOf))
	}
	baseIn, okIn := base.inbound.(*TunnelPool)
	baseOut, okOut := base.outbound.(*TunnelPool)
	if !okIn || !okOut {
		return oops.Errorf("alias %s: %s is itself an alias", short(dest), short(*aliasOf))
	}
	pair := &poolPair{
		inbound:  newAliasedPool(m.rc, inbound, baseIn),
		outbound: newAliasedPool(m.rc, outbound, baseOut),
	}
	m.mu.Lock()
	if old, ok := m.clients[dest]; ok {
		m.mu.Unlock()
		old.inbound.Shutdown()
		old.outbound.Shutdown()
		m.mu.Lock()
	}
	m.clients[dest] = pair
	m.mu.Unlock()
	pair.inbound.Startup()
	pair.outbound.Startup()
	return nil
}

// RemoveTunnels stops the pools of dest. The pools are forgotten once their
// last tunnel is gone.
func (m *Manager) RemoveTunnels(dest common.Hash) {
	pair := m.clientPair(dest)
	if pair == nil {
		return
	}
	pair.inbound.Shutdown()
	pair.outbound.Shutdown()
	if holdsTunnels(pair.inbound) || holdsTunnels(pair.outbound) {
		return
	}
	m.mu.Lock()
	if m.clients[dest] == pair {
		delete(m.clients, dest)
	}
	m.mu.Unlock()
	log.WithFields(logger.Fields{
		"at":   "(Manager) RemoveTunnels",
		"dest": short(dest),
	}).Debug("client pools removed")
}

// holdsTunnels reports whether p owns tunnels that are still alive. An
// aliased pool owns none.
func holdsTunnels(p Pool) bool {
	if _, alias := p.(*AliasedPool); alias {
		return false
	}
	return p.TunnelCount() > 0
}

func (m *Manager) poolFor(dest *common.Hash, inbound bool) Pool {
	if dest != nil {
		if pair := m.clientPair(*dest); pair != nil {
			return pair.get(inbound)
		}
		log.WithFields(logger.Fields{
			"at":      "(Manager) poolFor",
			"dest":    short(*dest),
			"inbound": inbound,
		}).Debug("no client pool, using exploratory")
	}
	return m.exploratoryPair().get(inbound)
}

func (m *Manager) selectFrom(dest *common.Hash, inbound bool) *tunnel.TunnelConfig {
	if t := m.poolFor(dest, inbound).SelectTunnel(); t != nil || dest == nil {
		return t
	}
	return m.exploratoryPair().get(inbound).SelectTunnel()
}

// SelectInbound picks an inbound tunnel of dest, or an exploratory one when
// dest is nil or has none.
func (m *Manager) SelectInbound(dest *common.Hash) *tunnel.TunnelConfig {
	return m.selectFrom(dest, true)
}

// SelectOutbound picks an outbound tunnel of dest, or an exploratory one when
// dest is nil or has none.
func (m *Manager) SelectOutbound(dest *common.Hash) *tunnel.TunnelConfig {
	return m.selectFrom(dest, false)
}

// SelectInboundClosestTo picks the inbound tunnel of dest whose gateway is
// closest to target.
func (m *Manager) SelectInboundClosestTo(dest *common.Hash, target common.Hash) *tunnel.TunnelConfig {
	return m.poolFor(dest, true).SelectTunnelClosestTo(target)
}

// SelectOutboundClosestTo picks the outbound tunnel of dest whose endpoint is
// closest to target.
func (m *Manager) SelectOutboundClosestTo(dest *common.Hash, target common.Hash) *tunnel.TunnelConfig {
	return m.poolFor(dest, false).SelectTunnelClosestTo(target)
}

// GetTunnel finds one of our tunnels by its gateway id in any pool.
func (m *Manager) GetTunnel(gatewayID tunnel.TunnelID) *tunnel.TunnelConfig {
	for _, p := range m.ListPools() {
		if _, alias := p.(*AliasedPool); alias {
			continue
		}
		if t := p.GetTunnel(gatewayID); t != nil {
			return t
		}
	}
	return nil
}

// FreeTunnelCount is the number of exploratory inbound tunnels.
func (m *Manager) FreeTunnelCount() int { return m.exploratoryPair().inbound.TunnelCount() }

// OutboundTunnelCount is the number of exploratory outbound tunnels.
func (m *Manager) OutboundTunnelCount() int { return m.exploratoryPair().outbound.TunnelCount() }

// ListPools returns the exploratory pools followed by every client pool.
func (m *Manager) ListPools() []Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPoolsLocked()
}

func (m *Manager) listPoolsLocked() []Pool {
	pools := []Pool{m.exploratory.inbound, m.exploratory.outbound}
	for _, pair := range m.clients {
		pools = append(pools, pair.inbound, pair.outbound)
	}
	return pools
}

// buildablePools returns the pools that build their own tunnels.
func (m *Manager) buildablePools() []*TunnelPool {
	var out []*TunnelPool
	for _, p := range m.ListPools() {
		if tp, ok := p.(*TunnelPool); ok {
			out = append(out, tp)
		}
	}
	return out
}

// PeersInTooManyTunnels returns peers present in more than the configured
// share of our tunnels, counting builds in flight. It stays empty with few
// tunnels or shortly after startup.
func (m *Manager) PeersInTooManyTunnels() map[common.Hash]struct{} {
	out := make(map[common.Hash]struct{})
	if m.rc.Status.Uptime() < exclusionUptime {
		return out
	}
	counts := m.exec.attemptPeers()
	total := 0
	for _, p := range m.buildablePools() {
		for _, t := range p.ListTunnels() {
			if t.IsZeroHop() {
				continue
			}
			total++
			for i := 0; i < t.Length(); i++ {
				if !t.IsLocalHop(i) {
					counts[t.Peer(i)]++
				}
			}
		}
	}
	if total < minTunnelsForExclusion {
		return out
	}
	pct := m.rc.Config.Tunnel.MaxPeerTunnelPercent
	for peer, n := range counts {
		if (n+1)*100/(total+1) > pct {
			out[peer] = struct{}{}
		}
	}
	return out
}

// HasPairedTunnel reports whether a build for settings has a tunnel to go through.
func (m *Manager) HasPairedTunnel(settings *tunnel.PoolSettings) bool {
	return m.pairedTunnel(settings) != nil
}

// HandleBuildMessage takes a build message another router sent to us.
func (m *Manager) HandleBuildMessage(in *Incoming) { m.handler.HandleMessage(in) }

// HandleBuildReply takes a build reply that came out of one of our inbound tunnels.
func (m *Manager) HandleBuildReply(msgID uint32, msg *i2np.BuildMessage) {
	m.handler.HandleReply(msgID, msg)
}

// Stats returns the build statistics shared by all pools.
func (m *Manager) Stats() *BuildStats { return m.stats }

// InFlight is the number of builds waiting for a reply.
func (m *Manager) InFlight() int { return m.exec.InFlight() }
