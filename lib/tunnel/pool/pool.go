package pool

import (
	"sync"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/glycerine/idem"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

// Pool is a set of tunnels callers can pick from. Aliased pools implement
// it by borrowing another pool's tunnels.
type Pool interface {
	Settings() tunnel.PoolSettings
	IsAlive() bool
	SelectTunnel() *tunnel.TunnelConfig
	SelectTunnelClosestTo(target common.Hash) *tunnel.TunnelConfig
	GetTunnel(gatewayID tunnel.TunnelID) *tunnel.TunnelConfig
	ListTunnels() []*tunnel.TunnelConfig
	ListPending() []*tunnel.TunnelConfig
	TunnelCount() int
	Startup()
	Shutdown()
}

// Pool loop limits.
const (
	maxExpireSkew = 90 * time.Second
	resultBuffer  = 64
)

// TunnelPool keeps the tunnels of one direction for one destination, or the
// exploratory tunnels. It owns the tunnel list, the builds in progress and
// the timed tasks of every tunnel.
type TunnelPool struct {
	rc       *RouterContext
	mgr      *Manager
	selector *tunnel.PeerSelector

	mu                  sync.Mutex
	settings            tunnel.PoolSettings
	tunnels             []*tunnel.TunnelConfig
	inProgress          []*tunnel.TunnelConfig
	lastSelected        *tunnel.TunnelConfig
	lastSelectionPeriod int64
	expireSkew          time.Duration
	started             time.Time
	alive               bool
	lastLeases          []Lease
	lifetimeProcessed   uint64

	ratio   buildRatio
	queue   *DelayQueue
	results chan BuildResult

	loopMu  sync.Mutex
	halt    *idem.Halter
	running bool
}

func newTunnelPool(rc *RouterContext, mgr *Manager, settings tunnel.PoolSettings, selector *tunnel.PeerSelector) *TunnelPool {
	return &TunnelPool{
		rc:       rc,
		mgr:      mgr,
		selector: selector,
		settings: settings,
		ratio:    buildRatio{window: rc.Config.Tunnel.TunnelLifetime},
		queue:    NewDelayQueue(),
		results:  make(chan BuildResult, resultBuffer),
	}
}

// Startup makes the pool alive and asks the executor to fill it. It may be
// called again after Shutdown when a client reconnects.
func (p *TunnelPool) Startup() {
	p.mu.Lock()
	p.inProgress = nil
	p.alive = true
	p.started = p.rc.now()
	p.expireSkew = time.Duration(rand.Int63n(int64(maxExpireSkew)))
	var leases []Lease
	if p.isClientInbound() {
		leases = p.buildLeasesLocked()
	}
	targets := p.leaseTargetsLocked()
	p.mu.Unlock()
	p.ratio.reset()

	p.startLoop()
	log.WithFields(logger.Fields{
		"at":   "(TunnelPool) Startup",
		"pool": p.String(),
	}).Info("tunnel pool started")

	p.mgr.exec.Repoll()
	p.publish(targets, leases)
}

// Shutdown stops building. Existing tunnels stay until they expire.
func (p *TunnelPool) Shutdown() {
	p.mu.Lock()
	p.alive = false
	p.lastSelectionPeriod = 0
	p.lastSelected = nil
	p.inProgress = nil
	remaining := len(p.tunnels)
	p.mu.Unlock()
	log.WithFields(logger.Fields{
		"at":        "(TunnelPool) Shutdown",
		"pool":      p.String(),
		"remaining": remaining,
	}).Info("tunnel pool shut down")
	if remaining == 0 {
		p.stopLoop()
	}
}

// close stops the task loop at once and deregisters whatever is still waiting.
func (p *TunnelPool) close() {
	p.mu.Lock()
	p.alive = false
	p.mu.Unlock()
	p.stopLoop()
}

// IsAlive reports whether the pool is running and its client is still connected.
func (p *TunnelPool) IsAlive() bool {
	p.mu.Lock()
	alive := p.alive
	dest := p.settings.Destination
	exploratory := p.settings.Exploratory
	p.mu.Unlock()
	if !alive {
		return false
	}
	return exploratory || dest == nil || p.rc.LeaseSets.IsLocal(*dest)
}

// Settings returns a copy of the pool settings.
func (p *TunnelPool) Settings() tunnel.PoolSettings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// SetSettings replaces the tunable settings. Client pools keep their aliases.
func (p *TunnelPool) SetSettings(s tunnel.PoolSettings) {
	p.mu.Lock()
	if !p.settings.Exploratory && !s.Exploratory && len(s.Aliases) == 0 {
		s.Aliases = p.settings.Aliases
	}
	p.settings.Merge(s)
	p.mu.Unlock()
	p.mgr.exec.Repoll()
}

func (p *TunnelPool) addAlias(dest common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.settings.Aliases {
		if a == dest {
			return
		}
	}
	p.settings.Aliases = append(p.settings.Aliases, dest)
}

func (p *TunnelPool) isClientInbound() bool {
	return p.settings.Inbound && !p.settings.Exploratory
}

func (p *TunnelPool) lifetime(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.started)
}

// TunnelCount is the number of built tunnels, expired or not.
func (p *TunnelPool) TunnelCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tunnels)
}

// ListTunnels returns a copy of the built tunnels.
func (p *TunnelPool) ListTunnels() []*tunnel.TunnelConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*tunnel.TunnelConfig(nil), p.tunnels...)
}

// ListPending returns a copy of the builds in progress.
func (p *TunnelPool) ListPending() []*tunnel.TunnelConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*tunnel.TunnelConfig(nil), p.inProgress...)
}

// LifetimeProcessed is the traffic carried by tunnels already removed.
func (p *TunnelPool) LifetimeProcessed() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lifetimeProcessed
}

// BuildComplete drops cfg from the builds in progress.
func (p *TunnelPool) BuildComplete(cfg *tunnel.TunnelConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.inProgress {
		if c == cfg {
			p.inProgress = append(p.inProgress[:i], p.inProgress[i+1:]...)
			return
		}
	}
}

// AddTunnel puts a built tunnel into the pool and schedules its rebuild and
// expiry.
func (p *TunnelPool) AddTunnel(cfg *tunnel.TunnelConfig) {
	p.mu.Lock()
	p.tunnels = append(p.tunnels, cfg)
	var leases []Lease
	if p.isClientInbound() {
		leases = p.buildLeasesLocked()
	}
	targets := p.leaseTargetsLocked()
	lead := p.rebuildLeadLocked()
	inbound := p.isClientInbound()
	p.mu.Unlock()

	exp := cfg.Expiration()
	p.queue.Schedule(exp.Add(-lead), taskRebuild, cfg)
	if inbound {
		p.queue.Schedule(exp, taskLeaseRefresh, cfg)
	}
	p.queue.Schedule(exp.Add(p.rc.Config.Tunnel.ExpireGrace), taskExpire, cfg)

	log.WithFields(logger.Fields{
		"at":         "(TunnelPool) AddTunnel",
		"phase":      "tunnel_build",
		"pool":       p.String(),
		"tunnel":     cfg.String(),
		"tunnel_id":  cfg.ID(),
		"expiration": exp,
	}).Debug("tunnel added to pool")

	p.publish(targets, leases)
}

func (p *TunnelPool) rebuildLeadLocked() time.Duration {
	if p.settings.Exploratory || p.settings.TotalQuantity() <= 1 {
		return p.rc.Config.Tunnel.ExploratoryRebuildLead
	}
	return p.rc.Config.Tunnel.RebuildLead
}

// removeLocked takes cfg out of the tunnel list and reports whether it was there.
func (p *TunnelPool) removeLocked(cfg *tunnel.TunnelConfig) bool {
	for i, t := range p.tunnels {
		if t == cfg {
			p.tunnels = append(p.tunnels[:i], p.tunnels[i+1:]...)
			if p.lastSelected == cfg {
				p.lastSelected = nil
				p.lastSelectionPeriod = 0
			}
			p.lifetimeProcessed += cfg.ProcessedBytes()
			return true
		}
	}
	return false
}

// RemoveTunnel takes an expired tunnel out of the pool, credits its peers and
// republishes the leases.
func (p *TunnelPool) RemoveTunnel(cfg *tunnel.TunnelConfig) {
	p.mu.Lock()
	if !p.removeLocked(cfg) {
		p.mu.Unlock()
		return
	}
	var leases []Lease
	clientInbound := p.isClientInbound()
	if clientInbound {
		leases = p.buildLeasesLocked()
	}
	remaining := len(p.tunnels)
	dest := p.settings.Destination
	targets := p.leaseTargetsLocked()
	allowZeroHop := p.settings.AllowZeroHop
	p.mu.Unlock()

	p.queue.Cancel(cfg.ID())
	p.mgr.exec.Repoll()

	processed := cfg.ProcessedBytes()
	for _, peer := range cfg.Peers() {
		p.rc.Profiles.TunnelLifetimePushed(peer, p.rc.Config.Tunnel.TunnelLifetime, processed)
	}

	alive := p.IsAlive()
	if alive && clientInbound && dest != nil {
		if len(leases) > 0 {
			p.publish(targets, leases)
		} else {
			log.WithFields(logger.Fields{
				"at":        "(TunnelPool) RemoveTunnel",
				"pool":      p.String(),
				"remaining": remaining,
				"reason":    "no_leases",
			}).Warn("unable to build leases on removal")
			if allowZeroHop {
				p.BuildFallback()
			}
		}
	}

	if remaining == 0 && !alive {
		p.stopLoop()
		if dest != nil {
			p.mgr.RemoveTunnels(*dest)
		}
	}
}

// TunnelFailed removes cfg and blames its remote peers, the inbound gateway
// twice as hard as the others.
func (p *TunnelPool) TunnelFailed(cfg *tunnel.TunnelConfig) {
	if !p.fail(cfg) {
		return
	}
	n := cfg.Length()
	if n < 2 {
		return
	}
	start, end := 0, n
	if cfg.IsInbound() {
		end--
	} else {
		start++
	}
	for i := start; i < end; i++ {
		pct := 100 / (n - 1)
		if cfg.IsInbound() && n > 2 {
			if i == start {
				pct *= 2
			} else {
				pct /= 2
			}
		}
		log.WithFields(logger.Fields{
			"at":   "(TunnelPool) TunnelFailed",
			"pool": p.String(),
			"peer": short(cfg.Peer(i)),
			"pct":  pct,
		}).Warn("blaming peer for tunnel failure")
		p.rc.Profiles.TunnelFailed(cfg.Peer(i), pct)
	}
}

// TunnelFailedBlame removes cfg and blames only peer.
func (p *TunnelPool) TunnelFailedBlame(cfg *tunnel.TunnelConfig, peer common.Hash) {
	if !p.fail(cfg) {
		return
	}
	p.rc.Profiles.TunnelFailed(peer, 100)
}

func (p *TunnelPool) fail(cfg *tunnel.TunnelConfig) bool {
	p.mu.Lock()
	if !p.removeLocked(cfg) {
		p.mu.Unlock()
		return false
	}
	var leases []Lease
	if p.isClientInbound() {
		leases = p.buildLeasesLocked()
	}
	targets := p.leaseTargetsLocked()
	p.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":     "(TunnelPool) fail",
		"pool":   p.String(),
		"tunnel": cfg.String(),
	}).Warn("tunnel failed")

	p.queue.Cancel(cfg.ID())
	p.rc.Dispatcher.Remove(cfg)
	p.mgr.exec.Repoll()
	p.publish(targets, leases)
	return true
}

// Deliver hands a build result to the pool. It never blocks; when the pool
// loop is busy or stopped the result is handled on the caller's goroutine.
func (p *TunnelPool) Deliver(r BuildResult) {
	p.loopMu.Lock()
	running := p.running
	p.loopMu.Unlock()
	if running {
		select {
		case p.results <- r:
			return
		default:
		}
	}
	p.handleResult(r)
}

func (p *TunnelPool) handleResult(r BuildResult) {
	switch res := r.(type) {
	case Built:
		p.AddTunnel(res.Tunnel)
	case Failed:
		log.WithFields(logger.Fields{
			"at":     "(TunnelPool) handleResult",
			"phase":  "tunnel_build",
			"pool":   p.String(),
			"tunnel": res.Tunnel.String(),
			"reason": res.Reason.String(),
		}).Debug("tunnel build failed")
	}
}

// runDue runs every task due at now.
func (p *TunnelPool) runDue(now time.Time) {
	for _, t := range p.queue.PopDue(now) {
		switch t.kind {
		case taskRebuild:
			log.WithFields(logger.Fields{
				"at":        "(TunnelPool) runDue",
				"pool":      p.String(),
				"tunnel_id": t.id,
			}).Debug("requesting replacement tunnel")
			p.mgr.exec.Repoll()
		case taskLeaseRefresh:
			p.refreshLeaseSet()
		case taskExpire:
			p.RemoveTunnel(t.cfg)
			p.queue.Schedule(now.Add(p.rc.Config.Tunnel.DeregisterDelay), taskDeregister, t.cfg)
		case taskDeregister:
			p.rc.Dispatcher.Remove(t.cfg)
		}
	}
}

func (p *TunnelPool) startLoop() {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()
	if p.running {
		return
	}
	p.halt = idem.NewHalter()
	p.running = true
	go p.run(p.halt)
}

func (p *TunnelPool) stopLoop() {
	p.loopMu.Lock()
	if !p.running {
		p.loopMu.Unlock()
		return
	}
	p.running = false
	h := p.halt
	p.loopMu.Unlock()
	h.ReqStop.Close()
}

func (p *TunnelPool) run(h *idem.Halter) {
	defer h.Done.Close()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		wait := time.Hour
		if next, ok := p.queue.Next(); ok {
			wait = next.Sub(p.rc.now())
			if wait < 0 {
				wait = 0
			}
		}
		timer.Reset(wait)

		select {
		case r := <-p.results:
			p.handleResult(r)
		case <-p.queue.Wake():
		case <-timer.C:
			p.runDue(p.rc.now())
		case <-h.ReqStop.Chan:
			p.flush()
			return
		}
	}
}

// flush settles what the stopped loop leaves behind: queued results and
// tunnels still registered with the dispatch layer.
func (p *TunnelPool) flush() {
	for {
		select {
		case r := <-p.results:
			p.handleResult(r)
			continue
		default:
		}
		break
	}
	for _, t := range p.queue.Drain() {
		if t.kind == taskDeregister {
			p.rc.Dispatcher.Remove(t.cfg)
		}
	}
}

func (p *TunnelPool) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return poolName(&p.settings)
}

func poolName(s *tunnel.PoolSettings) string {
	dir := "outbound"
	if s.Inbound {
		dir = "inbound"
	}
	if s.Exploratory {
		return dir + " exploratory pool"
	}
	name := s.Nickname
	if name == "" && s.Destination != nil {
		name = short(*s.Destination)
	}
	return dir + " client pool for " + name
}
