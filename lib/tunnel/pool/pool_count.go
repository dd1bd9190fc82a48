package pool

import (
	"errors"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

const (
	// panicFactor is the most builds started for one tunnel about to expire.
	panicFactor = 4

	buildTriesQuantityOverride = 12
	buildTriesLengthOverride1  = 10
	buildTriesLengthOverride2  = 18

	// startupTime is how long after router start exploratory pools keep one extra tunnel.
	startupTime = 30 * time.Minute
	// floodfillUptime is how long a floodfill runs before its exploratory pools grow.
	floodfillUptime = 5 * time.Minute
	// reuseWindow is how close to expiry a tunnel must be for its peers to be reused.
	reuseWindow = 3 * time.Minute
	// shortLivedPool is the age below which a pool never builds past its quantity.
	shortLivedPool = time.Minute
)

// ErrNoBuildToken is returned when every build token of a pool is held by a
// build in progress.
var ErrNoBuildToken = errors.New("no build token available")

// adjustedTotalQuantity is quantity plus backup, adjusted for exploratory
// pools: more on floodfills and during startup, one less when builds fail badly.
func (p *TunnelPool) adjustedTotalQuantity() int {
	s := p.Settings()
	rv := s.TotalQuantity()
	if !s.Exploratory {
		return rv
	}
	uptime := p.rc.Status.Uptime()
	if p.rc.Status.Floodfill() && uptime > floodfillUptime {
		rv += 2
	}
	if rv > 1 {
		ok, rej, exp := p.mgr.stats.Counts(true)
		if tot := ok + rej + exp; tot >= buildTriesQuantityOverride {
			if 1000*ok/tot <= 1000/buildTriesQuantityOverride {
				rv--
			}
		}
	}
	if uptime < startupTime {
		rv++
	}
	return rv
}

// setLengthOverride shortens exploratory tunnels while builds keep failing
// and clears the override otherwise.
func (p *TunnelPool) setLengthOverride() {
	p.mu.Lock()
	exploratory := p.settings.Exploratory
	length := p.settings.Length
	p.mu.Unlock()
	if !exploratory {
		return
	}
	override := -1
	if length > 1 {
		ok, rej, exp := p.mgr.stats.Counts(true)
		if tot := ok + rej + exp; tot >= buildTriesLengthOverride1 {
			succ := 1000 * ok / tot
			if succ <= 1000/buildTriesLengthOverride1 {
				if length > 2 && succ <= 1000/buildTriesLengthOverride2 {
					override = length - 2
				} else {
					override = length - 1
				}
			}
		}
	}
	p.mu.Lock()
	p.settings.SetLengthOverride(override)
	p.mu.Unlock()
}

// CountHowManyToBuild returns how many builds the pool wants started now.
// When the pool has a build ratio history it spreads builds over the time
// left before each tunnel expires; otherwise it counts tunnels in fixed
// expiry buckets. The count never exceeds the build tokens left, so builds
// in progress stay within quantity plus backup.
func (p *TunnelPool) CountHowManyToBuild() int {
	if !p.IsAlive() {
		return 0
	}
	wanted := p.adjustedTotalQuantity()
	now := p.rc.now()
	lifetime := p.rc.Config.Tunnel.TunnelLifetime

	var avg time.Duration
	if wanted > 0 && p.lifetime(now) >= lifetime {
		avg = time.Duration(float64(lifetime) * p.ratio.average(now) / float64(wanted))
	}
	if avg > 0 && avg < lifetime/3 {
		rv, inProgress := p.countAdaptive(wanted, avg, now)
		p.ratio.add(now, float64(rv+inProgress))
		return withinTokens(rv, wanted, inProgress)
	}
	rv, inProgress := p.countConservative(wanted, now)
	busy := 0.0
	if rv > 0 || inProgress > 0 {
		busy = 1
	}
	p.ratio.add(now, busy)
	return withinTokens(rv, wanted, inProgress)
}

// withinTokens clamps a build count to the tokens not held by builds in progress.
func withinTokens(rv, tokens, inProgress int) int {
	if free := tokens - inProgress; rv > free {
		rv = free
	}
	if rv < 0 {
		return 0
	}
	return rv
}

func (p *TunnelPool) countAdaptive(wanted int, avg time.Duration, now time.Time) (int, int) {
	p.mu.Lock()
	allowZeroHop := p.settings.AllowZeroHop
	exploratory := p.settings.Exploratory
	avg += time.Minute
	if exploratory {
		avg += time.Minute
	}
	var expireTimes []time.Duration
	expireLater, fallback := 0, 0
	for _, t := range p.tunnels {
		toExpire := t.Expiration().Sub(now)
		if allowZeroHop || !t.IsZeroHop() {
			if toExpire > 0 && toExpire < avg {
				expireTimes = append(expireTimes, toExpire)
			} else {
				expireLater++
			}
		} else if toExpire > avg {
			fallback++
		}
	}
	inProgress := len(p.inProgress)
	p.mu.Unlock()

	expireSoon := len(expireTimes)
	remaining := wanted - expireLater - inProgress
	if allowZeroHop {
		remaining -= fallback
	}
	rv := 0
	if remaining > 0 {
		if remaining > expireSoon {
			rv = panicFactor * (remaining - expireSoon)
			remaining = expireSoon
		}
		half := avg / 2
		for i := 0; i < remaining; i++ {
			latest, idx := time.Duration(0), 0
			for j, t := range expireTimes {
				if t > latest {
					latest, idx = t, j
				}
			}
			expireTimes[idx] = 0
			if latest > half {
				rv++
			} else {
				rv += 2 + (panicFactor-2)*int((half-latest)/half)
			}
		}
	}
	if rv > 0 {
		log.WithFields(logger.Fields{
			"at":           "(TunnelPool) countAdaptive",
			"pool":         p.String(),
			"count":        rv,
			"avg":          avg,
			"expire_soon":  expireSoon,
			"expire_later": expireLater,
			"wanted":       wanted,
			"in_progress":  inProgress,
			"fallback":     fallback,
		}).Debug("tunnels to build")
	}
	return rv, inProgress
}

// expiryBuckets counts usable tunnels by how soon they expire.
type expiryBuckets struct {
	in30, in90, in150, in210, in270, later int
	fallback                              int
}

func (p *TunnelPool) countConservative(wanted int, now time.Time) (int, int) {
	p.mu.Lock()
	allowZeroHop := p.settings.AllowZeroHop
	expireAfter := now.Add(p.expireSkew)
	var b expiryBuckets
	for _, t := range p.tunnels {
		if allowZeroHop || !t.IsZeroHop() {
			switch toExpire := t.Expiration().Sub(expireAfter); {
			case toExpire <= 0:
			case toExpire <= 30*time.Second:
				b.in30++
			case toExpire <= 90*time.Second:
				b.in90++
			case toExpire <= 150*time.Second:
				b.in150++
			case toExpire <= 210*time.Second:
				b.in210++
			case toExpire <= 270*time.Second:
				b.in270++
			default:
				b.later++
			}
		} else if t.Expiration().After(expireAfter) {
			b.fallback++
		}
	}
	inProgress := len(p.inProgress)
	for _, c := range p.inProgress {
		if c.IsZeroHop() {
			b.fallback++
		}
	}
	age := now.Sub(p.started)
	p.mu.Unlock()

	rv := countFromBuckets(b, allowZeroHop, wanted, inProgress, age, rand.Intn(2) == 0)
	if rv > 0 {
		log.WithFields(logger.Fields{
			"at":          "(TunnelPool) countConservative",
			"pool":        p.String(),
			"count":       rv,
			"30s":         b.in30,
			"90s":         b.in90,
			"150s":        b.in150,
			"210s":        b.in210,
			"270s":        b.in270,
			"later":       b.later,
			"wanted":      wanted,
			"in_progress": inProgress,
			"fallback":    b.fallback,
		}).Debug("tunnels to build")
	}
	return rv, inProgress
}

// countFromBuckets replaces tunnels expiring soon, more aggressively the
// sooner they go. Only the buckets needed to cover the wanted count
// contribute.
func countFromBuckets(b expiryBuckets, allowZeroHop bool, std, inProgress int, age time.Duration, coin bool) int {
	remaining := std - b.later
	if allowZeroHop {
		remaining -= b.fallback
	}
	if remaining < 0 {
		remaining = 0
	}
	take := func(n int) {
		remaining -= n
		if remaining < 0 {
			remaining = 0
		}
	}

	rv := 0
	if b.in270 > 0 && coin {
		rv = 1
	}
	take(b.in270)
	for _, step := range []struct{ count, weight int }{
		{b.in210, 1}, {b.in150, 2}, {b.in90, 4}, {b.in30, 6},
	} {
		if remaining <= 0 {
			break
		}
		take(step.count)
		rv += step.weight * step.count
	}
	rv += 6 * remaining
	rv -= inProgress + b.later

	if allowZeroHop && rv > std {
		rv = std
	}
	if rv+inProgress+b.later+b.fallback > 4*std {
		rv = 4*std - inProgress - b.later - b.fallback
	}
	if age < shortLivedPool && rv+inProgress+b.fallback >= std {
		rv = std - inProgress - b.fallback
	}
	if rv < 0 {
		return 0
	}
	return rv
}

// ConfigureNewTunnel prepares the hops of the next build and records it as
// in progress, taking one build token. Client pools sometimes reuse the
// peers of a tunnel that is about to expire. forceZeroHop builds a tunnel of
// us alone. It returns ErrNoBuildToken when every token is taken.
func (p *TunnelPool) ConfigureNewTunnel(forceZeroHop bool) (*tunnel.TunnelConfig, error) {
	now := p.rc.now()
	tokens := p.adjustedTotalQuantity()
	if len(p.ListPending()) >= tokens {
		return nil, ErrNoBuildToken
	}
	var peers []common.Hash
	if forceZeroHop {
		peers = []common.Hash{p.rc.LocalHash}
	} else {
		s := p.Settings()
		length := s.LengthOverride()
		if length < 0 {
			length = s.Length
		}
		if length > 0 && !s.Exploratory && rand.Intn(2) == 0 {
			peers = p.reusablePeers(length+1, now)
		}
		if peers == nil {
			p.setLengthOverride()
			s = p.Settings()
			var err error
			if peers, err = p.selector.SelectPeers(&s); err != nil {
				return nil, err
			}
		}
		if len(peers) == 0 {
			return nil, oops.Errorf("%s: no peers for new tunnel", p.String())
		}
	}

	lifetime := p.rc.Config.Tunnel.TunnelLifetime
	hops := make([]*tunnel.HopConfig, len(peers))
	for i, peer := range peers {
		h, err := tunnel.NewHopConfig(peer, now, lifetime)
		if err != nil {
			return nil, err
		}
		// peers come endpoint first, hops are gateway first
		hops[len(peers)-1-i] = h
	}

	p.mu.Lock()
	dir := tunnel.Outbound
	if p.settings.Inbound {
		dir = tunnel.Inbound
	}
	var dest *common.Hash
	if p.settings.Destination != nil {
		d := *p.settings.Destination
		dest = &d
	}
	if len(p.inProgress) >= tokens {
		p.mu.Unlock()
		return nil, ErrNoBuildToken
	}
	cfg := tunnel.NewTunnelConfig(hops, dir, dest)
	p.inProgress = append(p.inProgress, cfg)
	p.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":     "(TunnelPool) ConfigureNewTunnel",
		"phase":  "tunnel_build",
		"pool":   p.String(),
		"tunnel": cfg.String(),
	}).Debug("configured new tunnel")
	return cfg, nil
}

// reusablePeers returns, endpoint first, the peers of a tunnel of at least
// length hops that expires soon and was not reused before.
func (p *TunnelPool) reusablePeers(length int, now time.Time) []common.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tunnels {
		if t.Length() >= length && t.Expiration().Before(now.Add(reuseWindow)) && !t.Reused() {
			t.SetReused()
			gw := t.Peers()
			peers := make([]common.Hash, len(gw))
			for i := range gw {
				peers[i] = gw[len(gw)-1-i]
			}
			return peers
		}
	}
	return nil
}

// NeedFallback reports whether another zero-hop tunnel would be useful.
func (p *TunnelPool) NeedFallback() bool {
	needed := p.adjustedTotalQuantity()
	p.mu.Lock()
	defer p.mu.Unlock()
	fallbacks := 0
	for _, t := range p.tunnels {
		if t.IsZeroHop() {
			fallbacks++
			if fallbacks >= needed {
				return false
			}
		}
	}
	return true
}

// BuildFallback builds a zero-hop tunnel inline when the pool is empty and
// allows zero hop. It reports whether one was built.
func (p *TunnelPool) BuildFallback() bool {
	p.mu.Lock()
	usable := len(p.tunnels)
	allowZeroHop := p.settings.AllowZeroHop
	p.mu.Unlock()
	if usable > 0 || !allowZeroHop {
		return false
	}
	log.WithFields(logger.Fields{
		"at":   "(TunnelPool) BuildFallback",
		"pool": p.String(),
	}).Info("building fallback tunnel")
	cfg, err := p.ConfigureNewTunnel(true)
	if err != nil {
		log.WithError(err).Warn("failed to configure fallback tunnel")
		return false
	}
	p.mgr.exec.BuildZeroHop(p, cfg)
	return true
}
