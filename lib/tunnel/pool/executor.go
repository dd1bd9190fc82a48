package pool

import (
	"errors"
	"sort"
	"sync"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/glycerine/idem"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/i2np"
	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

const (
	// fastBuild is the build time below which a completed build does not wake the loop.
	fastBuild = 250 * time.Millisecond
	// noPairedBackoff delays a pool's next attempt after it had no paired tunnel.
	noPairedBackoff = 5 * time.Second
	// noTunnelsWait is the base wait when there are no exploratory tunnels to build through.
	noTunnelsWait = time.Second
	// expireMargin is how long before the request timeout an attempt expires.
	expireMargin = 500 * time.Millisecond
)

// buildAttempt is one request on the wire waiting for its reply.
type buildAttempt struct {
	cfg  *tunnel.TunnelConfig
	pool *TunnelPool
	sent time.Time
}

type claimResult int

const (
	claimUnknown claimResult = iota
	claimFound
	claimLate
)

// BuildExecutor decides how many builds may run at once, starts them and
// owns the table of builds waiting for a reply.
type BuildExecutor struct {
	rc        *RouterContext
	mgr       *Manager
	stats     *BuildStats
	requestor *BuildRequestor

	mu         sync.Mutex
	building   map[uint32]*buildAttempt
	recently   map[uint32]*buildAttempt
	retryAfter map[*TunnelPool]time.Time

	repoll chan struct{}

	loopMu  sync.Mutex
	halt    *idem.Halter
	running bool
}

func newBuildExecutor(rc *RouterContext, mgr *Manager, stats *BuildStats) *BuildExecutor {
	return &BuildExecutor{
		rc:         rc,
		mgr:        mgr,
		stats:      stats,
		requestor:  &BuildRequestor{rc: rc, mgr: mgr},
		building:   make(map[uint32]*buildAttempt),
		recently:   make(map[uint32]*buildAttempt),
		retryAfter: make(map[*TunnelPool]time.Time),
		repoll:     make(chan struct{}, 1),
	}
}

// Start runs the build loop until Stop.
func (e *BuildExecutor) Start() {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.running {
		return
	}
	e.halt = idem.NewHalter()
	e.running = true
	go e.run(e.halt)
}

// Stop ends the build loop and forgets every attempt.
func (e *BuildExecutor) Stop() {
	e.loopMu.Lock()
	if !e.running {
		e.loopMu.Unlock()
		return
	}
	e.running = false
	h := e.halt
	e.loopMu.Unlock()
	h.ReqStop.Close()
	<-h.Done.Chan
	e.restart()
}

func (e *BuildExecutor) restart() {
	e.mu.Lock()
	e.building = make(map[uint32]*buildAttempt)
	e.recently = make(map[uint32]*buildAttempt)
	e.retryAfter = make(map[*TunnelPool]time.Time)
	e.mu.Unlock()
}

// Repoll wakes the loop for another pass.
func (e *BuildExecutor) Repoll() {
	select {
	case e.repoll <- struct{}{}:
	default:
	}
}

// InFlight is the number of builds waiting for a reply.
func (e *BuildExecutor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.building)
}

func (e *BuildExecutor) run(h *idem.Halter) {
	defer h.Done.Close()
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C
	for {
		wait := e.safePass()
		timer.Reset(wait)
		select {
		case <-e.repoll:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		case <-h.ReqStop.Chan:
			return
		}
	}
}

// safePass runs one pass and survives a panic inside it.
func (e *BuildExecutor) safePass() (wait time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{
				"at":    "(BuildExecutor) safePass",
				"phase": "tunnel_build",
				"panic": r,
			}).Error("tunnel build pass failed")
			wait = e.rc.Config.Executor.LoopTime
		}
	}()
	return e.pass()
}

// pass starts the builds the pools want within the concurrency budget and
// returns how long to wait before the next pass.
func (e *BuildExecutor) pass() time.Duration {
	loop := e.rc.Config.Executor.LoopTime
	now := e.rc.now()

	var wanted []*TunnelPool
	for _, p := range e.mgr.buildablePools() {
		if !p.IsAlive() || e.backingOff(p, now) {
			continue
		}
		for n := p.CountHowManyToBuild(); n > 0; n-- {
			wanted = append(wanted, p)
		}
	}

	allowed := e.allowed(now)
	wanted, allowed = e.buildZeroHopPools(wanted, allowed)

	if e.mgr.FreeTunnelCount() <= 0 || e.mgr.OutboundTunnelCount() <= 0 {
		if e.mgr.FreeTunnelCount() <= 0 {
			e.mgr.SelectInbound(nil)
		}
		if e.mgr.OutboundTunnelCount() <= 0 {
			e.mgr.SelectOutbound(nil)
		}
		log.WithFields(logger.Fields{
			"at":      "(BuildExecutor) pass",
			"phase":   "tunnel_build",
			"allowed": allowed,
			"wanted":  len(wanted),
			"reason":  "no_exploratory_tunnels",
		}).Debug("no tunnel to build with")
		return noTunnelsWait + time.Duration(rand.Int63n(int64(noTunnelsWait)))
	}

	if allowed > 0 && len(wanted) > 0 {
		orderForBuild(wanted, rand.Intn(4) != 0)
		if maxSends := e.rc.Config.Executor.MaxSendsPerPass; allowed > maxSends {
			allowed = maxSends
		}
		for i := 0; i < allowed && len(wanted) > 0; i++ {
			p := wanted[0]
			wanted = wanted[1:]
			cfg, err := p.ConfigureNewTunnel(false)
			if err != nil {
				log.WithFields(logger.Fields{
					"at":     "(BuildExecutor) pass",
					"phase":  "tunnel_build",
					"pool":   p.String(),
					"reason": err.Error(),
				}).Debug("failed to configure tunnel")
				if errors.Is(err, tunnel.ErrNoPairedTunnel) {
					e.backoff(p, now)
				}
				i--
				continue
			}
			if cfg.IsZeroHop() && !p.NeedFallback() {
				p.BuildComplete(cfg)
				i--
				continue
			}
			e.buildTunnel(p, cfg)
		}
	}
	return loop/2 + time.Duration(rand.Int63n(int64(loop)))
}

// allowed returns how many more builds may start now. It also expires the
// attempts that went unanswered.
func (e *BuildExecutor) allowed(now time.Time) int {
	cfg := e.rc.Config.Executor
	allowed := e.rc.Status.OutboundKBps() / cfg.BandwidthQuantumKBps
	if avg, ok := e.stats.MedianRequestTime(); ok && avg > 1 {
		slowMs := float64(cfg.SlowBuildTime) / float64(time.Millisecond)
		if throttle := int(slowMs * float64(cfg.MaxConcurrentBuilds) / avg); throttle < allowed {
			allowed = throttle
			log.WithFields(logger.Fields{
				"at":          "(BuildExecutor) allowed",
				"allowed":     allowed,
				"median_ms":   avg,
				"slow_ms":     slowMs,
				"max_allowed": cfg.MaxConcurrentBuilds,
			}).Debug("throttling concurrent builds")
		}
	}
	if allowed < cfg.MinConcurrentBuilds {
		allowed = cfg.MinConcurrentBuilds
	} else if allowed > cfg.MaxConcurrentBuilds {
		allowed = cfg.MaxConcurrentBuilds
	}

	e.expire(now)
	e.mu.Lock()
	concurrent := len(e.building)
	e.mu.Unlock()
	allowed -= concurrent

	if lag := e.rc.Status.JobLag(); lag > cfg.MaxJobLag && e.rc.Status.Uptime() > cfg.JobLagUptime {
		log.WithFields(logger.Fields{
			"at":         "(BuildExecutor) allowed",
			"lag":        lag,
			"concurrent": concurrent,
			"reason":     "job_lag",
		}).Warn("too lagged to build")
		return 0
	}
	return allowed
}

// expire moves attempts unanswered for the request timeout less
// expireMargin into the recent table and drops recent ones past the grace
// period.
func (e *BuildExecutor) expire(now time.Time) {
	timeout := e.rc.Config.Executor.RequestTimeout
	grace := e.rc.Config.Executor.GracePeriod
	cutoff := timeout - expireMargin
	if cutoff <= 0 {
		cutoff = timeout
	}

	var expired []*buildAttempt
	e.mu.Lock()
	for id, a := range e.recently {
		if !now.Before(a.sent.Add(timeout + grace)) {
			delete(e.recently, id)
		}
	}
	for id, a := range e.building {
		if !now.Before(a.sent.Add(cutoff)) {
			delete(e.building, id)
			e.recently[id] = a
			expired = append(expired, a)
		}
	}
	e.mu.Unlock()

	for _, a := range expired {
		cfg := a.cfg
		log.WithFields(logger.Fields{
			"at":       "(BuildExecutor) expire",
			"phase":    "tunnel_build",
			"tunnel":   cfg.String(),
			"reply_id": cfg.ReplyMessageID,
			"reason":   "timeout",
		}).Info("timed out waiting for build reply")
		for i := 0; i < cfg.Length(); i++ {
			if peer := cfg.Peer(i); peer != e.rc.LocalHash {
				e.rc.Profiles.TunnelTimedOut(peer)
			}
		}
		a.pool.BuildComplete(cfg)
		e.stats.Record(cfg.Destination() == nil, OutcomeExpire)
		a.pool.Deliver(Failed{Tunnel: cfg, Reason: FailTimeout})
	}
}

// buildZeroHopPools builds inline for pools configured with no hops and
// returns the pools still wanting builds.
func (e *BuildExecutor) buildZeroHopPools(wanted []*TunnelPool, allowed int) ([]*TunnelPool, int) {
	rest := wanted[:0]
	for _, p := range wanted {
		if p.Settings().Length != 0 {
			rest = append(rest, p)
			continue
		}
		cfg, err := p.ConfigureNewTunnel(false)
		if err != nil {
			continue
		}
		e.buildTunnel(p, cfg)
		if !cfg.IsZeroHop() {
			allowed--
		}
	}
	return rest, allowed
}

// orderForBuild shuffles the wanted pools and puts exploratory pools first,
// then, when preferEmpty, pools with no tunnels.
func orderForBuild(wanted []*TunnelPool, preferEmpty bool) {
	shufflePools(wanted)
	type key struct {
		exploratory bool
		empty       bool
	}
	keys := make(map[*TunnelPool]key, len(wanted))
	for _, p := range wanted {
		if _, ok := keys[p]; !ok {
			keys[p] = key{exploratory: p.Settings().Exploratory, empty: p.TunnelCount() == 0}
		}
	}
	sort.SliceStable(wanted, func(i, j int) bool {
		l, r := keys[wanted[i]], keys[wanted[j]]
		if l.exploratory != r.exploratory {
			return l.exploratory
		}
		if preferEmpty && l.empty != r.empty {
			return l.empty
		}
		return false
	})
}

func shufflePools(pools []*TunnelPool) {
	for i := len(pools) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		pools[i], pools[j] = pools[j], pools[i]
	}
}

func (e *BuildExecutor) backingOff(p *TunnelPool, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.retryAfter[p]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(e.retryAfter, p)
	return false
}

func (e *BuildExecutor) backoff(p *TunnelPool, now time.Time) {
	e.mu.Lock()
	e.retryAfter[p] = now.Add(noPairedBackoff)
	e.mu.Unlock()
}

// buildTunnel sends the request for cfg, or completes it inline when it is
// a zero-hop tunnel.
func (e *BuildExecutor) buildTunnel(p *TunnelPool, cfg *tunnel.TunnelConfig) {
	if cfg.IsZeroHop() {
		e.BuildZeroHop(p, cfg)
		return
	}
	start := time.Now()
	now := e.rc.now()

	e.mu.Lock()
	for {
		id := randomMessageID()
		if _, dup := e.building[id]; dup {
			continue
		}
		if _, dup := e.recently[id]; dup {
			continue
		}
		cfg.ReplyMessageID = id
		e.building[id] = &buildAttempt{cfg: cfg, pool: p, sent: now}
		break
	}
	e.mu.Unlock()

	settings := p.Settings()
	id := cfg.ReplyMessageID
	err := e.requestor.Request(cfg, &settings, func(err error) { e.firstHopFailed(id, err) })
	if err != nil {
		e.mu.Lock()
		delete(e.building, id)
		e.mu.Unlock()
		p.BuildComplete(cfg)
		reason := FailConfigure
		if errors.Is(err, tunnel.ErrNoPairedTunnel) {
			reason = FailNoPairedTunnel
			e.backoff(p, now)
		}
		log.WithFields(logger.Fields{
			"at":     "(BuildExecutor) buildTunnel",
			"phase":  "tunnel_build",
			"pool":   p.String(),
			"reason": err.Error(),
		}).Debug("build request not sent")
		p.Deliver(Failed{Tunnel: cfg, Reason: reason})
		return
	}
	e.stats.AddRequestTime(time.Since(start))
}

// BuildZeroHop completes a tunnel of us alone without any messages.
func (e *BuildExecutor) BuildZeroHop(p *TunnelPool, cfg *tunnel.TunnelConfig) {
	if err := assignTunnelIDs(cfg, e.rc.Dispatcher); err != nil {
		p.BuildComplete(cfg)
		p.Deliver(Failed{Tunnel: cfg, Reason: FailConfigure})
		return
	}
	e.BuildComplete(p, cfg, 0)
	if err := e.join(cfg); err != nil {
		p.Deliver(Failed{Tunnel: cfg, Reason: FailDispatch})
		return
	}
	p.Deliver(Built{Tunnel: cfg})
}

// BuildComplete takes cfg out of the pool's builds in progress and wakes the
// loop unless the build finished suspiciously fast.
func (e *BuildExecutor) BuildComplete(p *TunnelPool, cfg *tunnel.TunnelConfig, took time.Duration) {
	p.BuildComplete(cfg)
	if took > fastBuild {
		e.Repoll()
	}
}

func (e *BuildExecutor) join(cfg *tunnel.TunnelConfig) error {
	var err error
	if cfg.IsInbound() {
		err = e.rc.Dispatcher.JoinInbound(cfg)
	} else {
		err = e.rc.Dispatcher.JoinOutbound(cfg)
	}
	if err != nil {
		log.WithFields(logger.Fields{
			"at":     "(BuildExecutor) join",
			"tunnel": cfg.String(),
		}).WithError(err).Warn("failed to register built tunnel")
	}
	return err
}

// firstHopFailed runs when an outbound request never reached its first hop.
func (e *BuildExecutor) firstHopFailed(id uint32, err error) {
	e.mu.Lock()
	a, ok := e.building[id]
	delete(e.building, id)
	e.mu.Unlock()
	if !ok {
		return
	}
	cfg := a.cfg
	log.WithFields(logger.Fields{
		"at":       "(BuildExecutor) firstHopFailed",
		"phase":    "tunnel_build",
		"tunnel":   cfg.String(),
		"reply_id": id,
	}).WithError(err).Debug("build request not delivered")
	if !cfg.IsInbound() && cfg.Length() > 1 {
		e.rc.Profiles.TunnelTimedOut(cfg.Peer(1))
	}
	e.BuildComplete(a.pool, cfg, e.rc.now().Sub(a.sent))
	e.stats.Record(cfg.Destination() == nil, OutcomeExpire)
	a.pool.Deliver(Failed{Tunnel: cfg, Reason: FailSendFailed})
}

// claim takes the attempt waiting on reply id out of the table. With
// inboundOnly set, outbound attempts are left alone.
func (e *BuildExecutor) claim(id uint32, inboundOnly bool) (*buildAttempt, claimResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.building[id]; ok && (!inboundOnly || a.cfg.IsInbound()) {
		delete(e.building, id)
		return a, claimFound
	}
	if a, ok := e.recently[id]; ok && (!inboundOnly || a.cfg.IsInbound()) {
		delete(e.recently, id)
		return a, claimLate
	}
	return nil, claimUnknown
}

// handleReply decodes the reply to a, credits every hop and delivers the result.
func (e *BuildExecutor) handleReply(a *buildAttempt, msg *i2np.BuildMessage) {
	cfg := a.cfg
	rtt := e.rc.now().Sub(a.sent)
	exploratory := cfg.Destination() == nil

	statuses, err := i2np.DecryptReply(msg, cfg)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":       "(BuildExecutor) handleReply",
			"phase":    "tunnel_build",
			"tunnel":   cfg.String(),
			"reply_id": cfg.ReplyMessageID,
		}).WithError(err).Warn("failed to decrypt build reply")
		e.BuildComplete(a.pool, cfg, rtt)
		e.stats.Record(exploratory, OutcomeReject)
		a.pool.Deliver(Failed{Tunnel: cfg, Reason: FailDecode})
		return
	}

	allAgree := true
	for i, st := range statuses {
		if cfg.IsLocalHop(i) {
			continue
		}
		peer := cfg.Peer(i)
		if st.Accepted() {
			e.rc.Profiles.TunnelJoined(peer, rtt)
			continue
		}
		allAgree = false
		e.rc.Profiles.TunnelRejected(peer, rtt, st)
		log.WithFields(logger.Fields{
			"at":     "(BuildExecutor) handleReply",
			"phase":  "tunnel_build",
			"hop":    i,
			"peer":   short(peer),
			"status": st.String(),
		}).Debug("hop rejected tunnel")
	}

	e.BuildComplete(a.pool, cfg, rtt)
	if !allAgree {
		e.stats.Record(exploratory, OutcomeReject)
		a.pool.Deliver(Failed{Tunnel: cfg, Reason: FailRejected, Statuses: statuses})
		return
	}
	if err := e.join(cfg); err != nil {
		a.pool.Deliver(Failed{Tunnel: cfg, Reason: FailDispatch, Statuses: statuses})
		return
	}
	e.stats.Record(exploratory, OutcomeSuccess)
	log.WithFields(logger.Fields{
		"at":     "(BuildExecutor) handleReply",
		"phase":  "tunnel_build",
		"tunnel": cfg.String(),
		"rtt":    rtt,
	}).Debug("tunnel built")
	a.pool.Deliver(Built{Tunnel: cfg, Duration: rtt})
}

// attemptPeers lists the remote peers of every attempt in flight.
func (e *BuildExecutor) attemptPeers() map[common.Hash]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[common.Hash]int)
	for _, a := range e.building {
		for i := 0; i < a.cfg.Length(); i++ {
			if !a.cfg.IsLocalHop(i) {
				out[a.cfg.Peer(i)]++
			}
		}
	}
	return out
}
