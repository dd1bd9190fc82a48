package tunnel

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"sort"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var (
	// ErrNoPeers is returned when fewer usable peers exist than the shortest
	// acceptable tunnel needs.
	ErrNoPeers = errors.New("not enough peers for tunnel")
	// ErrNoPairedTunnel is returned when no tunnel exists to carry the build
	// and zero-hop tunnels are not allowed.
	ErrNoPairedTunnel = errors.New("no paired tunnel available")
	// ErrNoSuitablePeer is returned when no candidate satisfies a hop's constraints.
	ErrNoSuitablePeer = errors.New("no suitable peer for hop")
)

// SelectorConfig wires a PeerSelector to the router's view of the network.
// Peers is required; the rest are optional.
type SelectorConfig struct {
	Kind         SelectorKind
	LocalHash    common.Hash
	Peers        PeerSource
	Directory    PeerDirectory
	Connectivity Connectivity
	Failures     FailureStats
	Exclusions   ExclusionSource
	Rejections   RejectionSource
	Availability TunnelAvailability
}

// PeerSelector picks the hops of a new tunnel.
type PeerSelector struct {
	cfg SelectorConfig
}

// NewPeerSelector returns a selector for the given policy.
func NewPeerSelector(cfg SelectorConfig) (*PeerSelector, error) {
	if cfg.Peers == nil {
		return nil, oops.Errorf("peer source is required")
	}
	return &PeerSelector{cfg: cfg}, nil
}

// Kind returns the selection policy.
func (s *PeerSelector) Kind() SelectorKind { return s.cfg.Kind }

// SelectPeers returns the tunnel's routers ordered endpoint first, including
// us: first for inbound tunnels, last for outbound ones. A single element
// result is a zero-hop tunnel.
func (s *PeerSelector) SelectPeers(settings *PoolSettings) ([]common.Hash, error) {
	length, minLength := s.tunnelLength(settings)
	if length == 0 {
		if settings.AllowZeroHop {
			return []common.Hash{s.cfg.LocalHash}, nil
		}
		length = 1
		minLength = 1
	}

	if s.cfg.Availability != nil && !s.cfg.Availability.HasPairedTunnel(settings) {
		if settings.AllowZeroHop {
			log.WithFields(logger.Fields{
				"at":        "(PeerSelector) SelectPeers",
				"direction": direction(settings),
				"reason":    "no_paired_tunnel",
			}).Debug("falling back to zero-hop tunnel")
			return []common.Hash{s.cfg.LocalHash}, nil
		}
		return nil, ErrNoPairedTunnel
	}

	candidates := s.candidates(settings, length)
	if len(candidates) < length {
		length = len(candidates)
	}
	if length < minLength || length == 0 {
		if length == 0 && minLength == 0 && settings.AllowZeroHop {
			return []common.Hash{s.cfg.LocalHash}, nil
		}
		log.WithFields(logger.Fields{
			"at":         "(PeerSelector) SelectPeers",
			"kind":       s.cfg.Kind.String(),
			"available":  len(candidates),
			"min_length": minLength,
		}).Warn("insufficient peers for tunnel")
		return nil, oops.Wrapf(ErrNoPeers, "have %d, need %d", len(candidates), minLength)
	}

	var hops []common.Hash
	var err error
	switch {
	case s.explicit(settings):
		hops = pickExplicit(candidates, length)
	case s.cfg.Kind == SelectorClient:
		hops, err = s.fillClient(settings, candidates, length)
	default:
		hops, err = s.fill(settings, candidates, length, nil)
	}
	if err != nil {
		return nil, err
	}

	if settings.Inbound {
		return append([]common.Hash{s.cfg.LocalHash}, hops...), nil
	}
	return append(hops, s.cfg.LocalHash), nil
}

// tunnelLength applies the override and variance and returns the length to
// try together with the shortest acceptable one.
func (s *PeerSelector) tunnelLength(settings *PoolSettings) (int, int) {
	base := settings.Length
	if o := settings.LengthOverride(); o >= 0 {
		base = o
	}
	length := base
	minLength := base
	if v := settings.LengthVariance; v > 0 {
		length += rand.Intn(v + 1)
	} else if v < 0 {
		skew := 1 - v
		off := rand.Intn(skew)
		if rand.Intn(2) == 0 {
			length += off
		} else {
			length -= off
		}
		minLength = base + v
	}
	length = clamp(length, 0, MaxTunnelLength)
	minLength = clamp(minLength, 0, length)
	return length, minLength
}

// explicit reports whether settings pin the peers. Only client pools honor
// explicit peers.
func (s *PeerSelector) explicit(settings *PoolSettings) bool {
	return s.cfg.Kind == SelectorClient && len(settings.ExplicitPeers) > 0
}

// pickExplicit shuffles the explicit peers and keeps length of them.
func pickExplicit(candidates []common.Hash, length int) []common.Hash {
	hops := make([]common.Hash, 0, length)
	for _, i := range shuffled(len(candidates)) {
		if len(hops) == length {
			break
		}
		hops = append(hops, candidates[i])
	}
	return hops
}

// candidates returns usable peers from the right tier, topped up from lower
// tiers when the preferred one is short.
func (s *PeerSelector) candidates(settings *PoolSettings, length int) []common.Hash {
	exclude := map[common.Hash]struct{}{s.cfg.LocalHash: {}}
	if s.explicit(settings) {
		return s.usable(settings.ExplicitPeers, exclude)
	}
	if s.cfg.Exclusions != nil {
		for h := range s.cfg.Exclusions.PeersInTooManyTunnels() {
			exclude[h] = struct{}{}
		}
	}

	var tiers []PeerTier
	switch {
	case s.cfg.Kind == SelectorExploratory && s.shouldPickHighCap():
		tiers = []PeerTier{TierHighCapacity, TierNotFailing}
	case s.cfg.Kind == SelectorExploratory:
		tiers = []PeerTier{TierFast, TierHighCapacity, TierNotFailing}
	default:
		tiers = []PeerTier{TierFast, TierHighCapacity}
	}

	var out []common.Hash
	for _, tier := range tiers {
		found := s.usable(s.cfg.Peers.TierPeers(tier), exclude)
		out = append(out, found...)
		for _, h := range found {
			exclude[h] = struct{}{}
		}
		if len(out) >= length {
			break
		}
	}
	return out
}

func (s *PeerSelector) usable(peers []common.Hash, exclude map[common.Hash]struct{}) []common.Hash {
	out := make([]common.Hash, 0, len(peers))
	seen := make(map[common.Hash]struct{}, len(peers))
	for _, h := range peers {
		if _, skip := exclude[h]; skip {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		if s.cfg.Rejections != nil && s.cfg.Rejections.IsRejecting(h) {
			continue
		}
		if s.cfg.Directory != nil {
			if _, ok := s.cfg.Directory.LookupLocal(h); !ok {
				continue
			}
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// shouldPickHighCap compares exploratory and client failure rates. When
// exploratory builds fail much more often, the high capacity tier is used
// with a probability proportional to the difference.
func (s *PeerSelector) shouldPickHighCap() bool {
	if s.cfg.Failures == nil {
		return false
	}
	e := int(s.cfg.Failures.ExploratoryFailRate() * 100)
	c := int(s.cfg.Failures.ClientFailRate() * 100)
	if e <= c || e <= 25 || c >= 100 {
		return false
	}
	pct := 100 * (e - c) / (100 - c)
	return pct >= rand.Intn(100)
}

// fill assigns peers to positions ordered endpoint first. pools optionally
// gives a preferred candidate list per position.
func (s *PeerSelector) fill(settings *PoolSettings, candidates []common.Hash, length int, pools [][]common.Hash) ([]common.Hash, error) {
	far, closest := 0, length-1
	if settings.Inbound {
		far, closest = length-1, 0
	}
	order := []int{far}
	if closest != far {
		order = append(order, closest)
	}
	for i := 0; i < length; i++ {
		if i != far && i != closest {
			order = append(order, i)
		}
	}

	subnets := newSubnetFilter(s.cfg.Directory, settings.IPRestriction)
	chosen := make(map[common.Hash]struct{}, length)
	hops := make([]common.Hash, length)
	for _, pos := range order {
		filters := []PeerFilter{
			NewFuncFilter("unused", func(h common.Hash) bool { _, used := chosen[h]; return !used }),
			subnets,
		}
		if pos == far {
			filters = append(filters, NewFuncFilter("far-end", func(h common.Hash) bool { return s.allowAsFarEnd(h, settings.Inbound) }))
		}
		if pos == closest {
			filters = append(filters, NewFuncFilter("closest", s.allowAsClosest))
		}
		filter := NewCompositeFilter("hop", filters...)

		var picked common.Hash
		ok := false
		if pools != nil {
			picked, ok = pickOne(pools[pos], filter)
		}
		if !ok {
			picked, ok = pickOne(candidates, filter)
		}
		if !ok {
			log.WithFields(logger.Fields{
				"at":       "(PeerSelector) fill",
				"position": pos,
				"length":   length,
				"inbound":  settings.Inbound,
			}).Debug("no candidate satisfies hop constraints")
			return nil, oops.Wrapf(ErrNoSuitablePeer, "position %d of %d", pos, length)
		}
		hops[pos] = picked
		chosen[picked] = struct{}{}
		subnets.add(picked)
	}
	return hops, nil
}

// fillClient splits fast peers into four stable slices keyed by the pool's
// random key so each peer keeps the same position across rebuilds. The far
// end comes from slice 3, the hop next to us from slice 0 and the middle
// hops from slices 1 and 2.
func (s *PeerSelector) fillClient(settings *PoolSettings, candidates []common.Hash, length int) ([]common.Hash, error) {
	var slices [4][]common.Hash
	for _, h := range candidates {
		k := sliceOf(h, settings.RandomKey)
		slices[k] = append(slices[k], h)
	}

	far, closest := 0, length-1
	if settings.Inbound {
		far, closest = length-1, 0
	}
	pools := make([][]common.Hash, length)
	middle := 0
	for i := 0; i < length; i++ {
		switch i {
		case far:
			pools[i] = slices[3]
		case closest:
			pools[i] = slices[0]
		default:
			pools[i] = slices[1+middle%2]
			middle++
		}
	}

	hops, err := s.fill(settings, candidates, length, pools)
	if err != nil {
		return nil, err
	}
	if length > 3 {
		orderByKey(hops[1:length-1], settings.RandomKey)
	}
	return hops, nil
}

func (s *PeerSelector) allowAsFarEnd(h common.Hash, inbound bool) bool {
	if s.cfg.Directory == nil {
		return true
	}
	info, ok := s.cfg.Directory.LookupLocal(h)
	if !ok {
		return false
	}
	if inbound {
		return info.Reachable
	}
	if info.Reachable {
		return true
	}
	for _, a := range info.Addresses {
		if a.Unmap().Is4() {
			return true
		}
	}
	return false
}

func (s *PeerSelector) allowAsClosest(h common.Hash) bool {
	c := s.cfg.Connectivity
	if c == nil || !c.Constrained() {
		return true
	}
	return c.IsConnected(h) || c.CanConnect(h)
}

// pickOne returns a random accepted peer from cands.
func pickOne(cands []common.Hash, filter PeerFilter) (common.Hash, bool) {
	if len(cands) == 0 {
		return common.Hash{}, false
	}
	perm := shuffled(len(cands))
	for _, i := range perm {
		if filter.Accept(cands[i]) {
			return cands[i], true
		}
	}
	return common.Hash{}, false
}

// shuffled returns a random permutation of 0..n-1.
func shuffled(n int) []int {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		p[i], p[j] = p[j], p[i]
	}
	return p
}

func keyedHash(h, key common.Hash) [32]byte {
	var buf [64]byte
	copy(buf[:32], h[:])
	copy(buf[32:], key[:])
	return sha256.Sum256(buf[:])
}

func sliceOf(h, key common.Hash) int {
	d := keyedHash(h, key)
	return int(d[0] & 3)
}

// orderByKey sorts peers by XOR distance between their keyed hash and key.
func orderByKey(peers []common.Hash, key common.Hash) {
	dist := func(h common.Hash) [32]byte {
		d := keyedHash(h, key)
		for i := range d {
			d[i] ^= key[i]
		}
		return d
	}
	sort.SliceStable(peers, func(i, j int) bool {
		a, b := dist(peers[i]), dist(peers[j])
		return bytes.Compare(a[:], b[:]) < 0
	})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func direction(s *PoolSettings) string {
	if s.Inbound {
		return Inbound.String()
	}
	return Outbound.String()
}
