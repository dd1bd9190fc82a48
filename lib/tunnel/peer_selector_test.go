package tunnel

import (
	"errors"
	"net/netip"
	"testing"

	common "github.com/go-i2p/common/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHash(i int) common.Hash {
	var h common.Hash
	h[0] = byte(i)
	h[1] = byte(i >> 8)
	h[31] = 0xA5
	return h
}

// fakeNetwork is a small view of the network for selector tests. Every peer
// gets its own /16 unless placed otherwise.
type fakeNetwork struct {
	tiers       map[PeerTier][]common.Hash
	infos       map[common.Hash]PeerInfo
	constrained bool
	connected   map[common.Hash]bool
	crowded     map[common.Hash]struct{}
	rejecting   map[common.Hash]bool
	paired      bool
}

func newFakeNetwork(n int) *fakeNetwork {
	f := &fakeNetwork{
		tiers:     make(map[PeerTier][]common.Hash),
		infos:     make(map[common.Hash]PeerInfo),
		connected: make(map[common.Hash]bool),
		crowded:   make(map[common.Hash]struct{}),
		rejecting: make(map[common.Hash]bool),
		paired:    true,
	}
	for i := 1; i <= n; i++ {
		h := testHash(i)
		f.infos[h] = PeerInfo{
			Hash:      h,
			Addresses: []netip.Addr{netip.AddrFrom4([4]byte{10, byte(i), 0, 1})},
			Reachable: true,
		}
		f.tiers[TierFast] = append(f.tiers[TierFast], h)
		f.tiers[TierHighCapacity] = append(f.tiers[TierHighCapacity], h)
		f.tiers[TierNotFailing] = append(f.tiers[TierNotFailing], h)
	}
	return f
}

func (f *fakeNetwork) TierPeers(tier PeerTier) []common.Hash { return f.tiers[tier] }

func (f *fakeNetwork) LookupLocal(peer common.Hash) (PeerInfo, bool) {
	info, ok := f.infos[peer]
	return info, ok
}

func (f *fakeNetwork) IsConnected(peer common.Hash) bool { return f.connected[peer] }
func (f *fakeNetwork) CanConnect(peer common.Hash) bool  { return f.connected[peer] }
func (f *fakeNetwork) Constrained() bool                 { return f.constrained }

func (f *fakeNetwork) PeersInTooManyTunnels() map[common.Hash]struct{} { return f.crowded }
func (f *fakeNetwork) IsRejecting(peer common.Hash) bool              { return f.rejecting[peer] }
func (f *fakeNetwork) HasPairedTunnel(*PoolSettings) bool             { return f.paired }

var selectorLocal = testHash(0xFFF)

func newTestSelector(t *testing.T, kind SelectorKind, net *fakeNetwork) *PeerSelector {
	t.Helper()
	s, err := NewPeerSelector(SelectorConfig{
		Kind:         kind,
		LocalHash:    selectorLocal,
		Peers:        net,
		Directory:    net,
		Connectivity: net,
		Exclusions:   net,
		Rejections:   net,
		Availability: net,
	})
	require.NoError(t, err)
	return s
}

func assertDistinct(t *testing.T, peers []common.Hash) {
	t.Helper()
	seen := make(map[common.Hash]bool)
	for _, p := range peers {
		assert.False(t, seen[p], "peer %x selected twice", p[:4])
		seen[p] = true
	}
}

func TestNewPeerSelectorRequiresPeerSource(t *testing.T) {
	_, err := NewPeerSelector(SelectorConfig{})
	assert.Error(t, err)
}

func TestSelectPeersOutboundPutsLocalLast(t *testing.T) {
	net := newFakeNetwork(10)
	s := newTestSelector(t, SelectorExploratory, net)

	peers, err := s.SelectPeers(&PoolSettings{Exploratory: true, Length: 2})
	require.NoError(t, err)
	require.Len(t, peers, 3)
	assert.Equal(t, selectorLocal, peers[2])
	assert.NotContains(t, peers[:2], selectorLocal)
	assertDistinct(t, peers)
}

func TestSelectPeersInboundPutsLocalFirst(t *testing.T) {
	net := newFakeNetwork(10)
	s := newTestSelector(t, SelectorClient, net)

	peers, err := s.SelectPeers(&PoolSettings{Inbound: true, Length: 3})
	require.NoError(t, err)
	require.Len(t, peers, 4)
	assert.Equal(t, selectorLocal, peers[0])
	assertDistinct(t, peers)
}

func TestSelectPeersZeroLength(t *testing.T) {
	net := newFakeNetwork(10)
	s := newTestSelector(t, SelectorExploratory, net)

	peers, err := s.SelectPeers(&PoolSettings{Length: 0, AllowZeroHop: true})
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{selectorLocal}, peers)

	// Without zero-hop permission a one hop tunnel is built instead.
	peers, err = s.SelectPeers(&PoolSettings{Length: 0})
	require.NoError(t, err)
	assert.Len(t, peers, 2)
}

func TestSelectPeersNotEnoughPeers(t *testing.T) {
	net := newFakeNetwork(2)
	s := newTestSelector(t, SelectorClient, net)

	_, err := s.SelectPeers(&PoolSettings{Length: 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoPeers))
}

func TestSelectPeersNegativeVarianceShortensWhenShort(t *testing.T) {
	net := newFakeNetwork(2)
	s := newTestSelector(t, SelectorClient, net)

	// Length 3 with variance -1 accepts a two hop tunnel.
	for i := 0; i < 20; i++ {
		peers, err := s.SelectPeers(&PoolSettings{Length: 3, LengthVariance: -1})
		require.NoError(t, err)
		assert.Len(t, peers, 3)
	}
}

func TestSelectPeersPositiveVariance(t *testing.T) {
	net := newFakeNetwork(20)
	s := newTestSelector(t, SelectorExploratory, net)

	for i := 0; i < 50; i++ {
		peers, err := s.SelectPeers(&PoolSettings{Length: 2, LengthVariance: 2})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(peers), 3)
		assert.LessOrEqual(t, len(peers), 5)
	}
}

func TestSelectPeersLengthOverride(t *testing.T) {
	net := newFakeNetwork(20)
	s := newTestSelector(t, SelectorExploratory, net)

	settings := &PoolSettings{Length: 3}
	settings.SetLengthOverride(1)
	peers, err := s.SelectPeers(settings)
	require.NoError(t, err)
	assert.Len(t, peers, 2)
}

func TestSelectPeersClampsToMaxLength(t *testing.T) {
	net := newFakeNetwork(20)
	s := newTestSelector(t, SelectorExploratory, net)

	peers, err := s.SelectPeers(&PoolSettings{Length: 12})
	require.NoError(t, err)
	assert.Len(t, peers, MaxTunnelLength+1)
}

func TestSelectPeersHonorsExclusions(t *testing.T) {
	net := newFakeNetwork(6)
	net.crowded[testHash(1)] = struct{}{}
	net.crowded[testHash(2)] = struct{}{}
	net.rejecting[testHash(3)] = true
	s := newTestSelector(t, SelectorExploratory, net)

	for i := 0; i < 20; i++ {
		peers, err := s.SelectPeers(&PoolSettings{Length: 3})
		require.NoError(t, err)
		for _, excluded := range []common.Hash{testHash(1), testHash(2), testHash(3)} {
			assert.NotContains(t, peers, excluded)
		}
	}

	_, err := s.SelectPeers(&PoolSettings{Length: 4})
	assert.True(t, errors.Is(err, ErrNoPeers))
}

func TestSelectPeersSubnetRestriction(t *testing.T) {
	net := newFakeNetwork(4)
	for h, info := range net.infos {
		info.Addresses = []netip.Addr{netip.AddrFrom4([4]byte{10, 1, h[0], 1})}
		net.infos[h] = info
	}
	s := newTestSelector(t, SelectorExploratory, net)

	_, err := s.SelectPeers(&PoolSettings{Length: 2, IPRestriction: 2})
	assert.True(t, errors.Is(err, ErrNoSuitablePeer))

	peers, err := s.SelectPeers(&PoolSettings{Length: 2, IPRestriction: 3})
	require.NoError(t, err)
	assert.Len(t, peers, 3)
}

func TestSelectPeersInboundGatewayMustBeReachable(t *testing.T) {
	net := newFakeNetwork(8)
	for h, info := range net.infos {
		info.Reachable = h == testHash(5)
		net.infos[h] = info
	}
	s := newTestSelector(t, SelectorExploratory, net)

	for i := 0; i < 20; i++ {
		peers, err := s.SelectPeers(&PoolSettings{Inbound: true, Length: 2})
		require.NoError(t, err)
		assert.Equal(t, testHash(5), peers[len(peers)-1])
	}
}

func TestSelectPeersConstrainedClosestHop(t *testing.T) {
	net := newFakeNetwork(8)
	net.constrained = true
	net.connected[testHash(7)] = true
	s := newTestSelector(t, SelectorExploratory, net)

	for i := 0; i < 20; i++ {
		peers, err := s.SelectPeers(&PoolSettings{Length: 3})
		require.NoError(t, err)
		// outbound: the hop before us (index length-1) talks to us directly
		assert.Equal(t, testHash(7), peers[2])
	}
}

func TestSelectPeersNoPairedTunnel(t *testing.T) {
	net := newFakeNetwork(8)
	net.paired = false
	s := newTestSelector(t, SelectorClient, net)

	_, err := s.SelectPeers(&PoolSettings{Length: 2})
	assert.ErrorIs(t, err, ErrNoPairedTunnel)

	peers, err := s.SelectPeers(&PoolSettings{Length: 2, AllowZeroHop: true})
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{selectorLocal}, peers)
}

func TestSelectPeersExplicitPeers(t *testing.T) {
	net := newFakeNetwork(10)
	s := newTestSelector(t, SelectorClient, net)
	explicit := []common.Hash{testHash(2), testHash(4), testHash(6)}

	peers, err := s.SelectPeers(&PoolSettings{Length: 2, ExplicitPeers: explicit})
	require.NoError(t, err)
	require.Len(t, peers, 3)
	for _, p := range peers[:2] {
		assert.Contains(t, explicit, p)
	}
}

func TestSelectPeersExplicitPeersTrimmedToLength(t *testing.T) {
	net := newFakeNetwork(10)
	s := newTestSelector(t, SelectorClient, net)
	explicit := []common.Hash{testHash(2), testHash(4), testHash(6), testHash(8), testHash(10)}

	orders := make(map[common.Hash]bool)
	for i := 0; i < 40; i++ {
		peers, err := s.SelectPeers(&PoolSettings{Length: 2, Inbound: true, ExplicitPeers: explicit})
		require.NoError(t, err)
		require.Len(t, peers, 3)
		assert.Equal(t, selectorLocal, peers[0], "inbound endpoint is local")
		for _, p := range peers[1:] {
			assert.Contains(t, explicit, p)
		}
		assertDistinct(t, peers)
		orders[peers[1]] = true
	}
	assert.Greater(t, len(orders), 1, "explicit peers are shuffled")
}

func TestSelectPeersExploratoryIgnoresExplicitPeers(t *testing.T) {
	net := newFakeNetwork(10)
	s := newTestSelector(t, SelectorExploratory, net)
	explicit := []common.Hash{testHash(2)}

	peers, err := s.SelectPeers(&PoolSettings{Length: 3, ExplicitPeers: explicit})
	require.NoError(t, err)
	require.Len(t, peers, 4, "one explicit peer cannot fill three hops")
	assert.Equal(t, selectorLocal, peers[3])
	assertDistinct(t, peers)
}

func TestSelectPeersClientSlicesAreStable(t *testing.T) {
	net := newFakeNetwork(64)
	s := newTestSelector(t, SelectorClient, net)
	settings := &PoolSettings{Length: 3, RandomKey: testHash(99)}

	for i := 0; i < 20; i++ {
		peers, err := s.SelectPeers(settings)
		require.NoError(t, err)
		require.Len(t, peers, 4)
		assert.Equal(t, 3, sliceOf(peers[0], settings.RandomKey), "far end comes from slice 3")
		assert.Equal(t, 0, sliceOf(peers[2], settings.RandomKey), "closest hop comes from slice 0")
	}
}

func TestOrderByKeyIsDeterministic(t *testing.T) {
	key := testHash(42)
	a := []common.Hash{testHash(1), testHash(2), testHash(3), testHash(4)}
	b := []common.Hash{testHash(4), testHash(3), testHash(2), testHash(1)}
	orderByKey(a, key)
	orderByKey(b, key)
	assert.Equal(t, a, b)
}

type fixedFailures struct{ exploratory, client float64 }

func (f fixedFailures) ExploratoryFailRate() float64 { return f.exploratory }
func (f fixedFailures) ClientFailRate() float64      { return f.client }

func TestShouldPickHighCap(t *testing.T) {
	net := newFakeNetwork(1)
	s, err := NewPeerSelector(SelectorConfig{Kind: SelectorExploratory, Peers: net, Failures: fixedFailures{0.2, 0.1}})
	require.NoError(t, err)
	assert.False(t, s.shouldPickHighCap(), "below 25% exploratory failure")

	s.cfg.Failures = fixedFailures{0.5, 0.6}
	assert.False(t, s.shouldPickHighCap(), "client failing more")

	s.cfg.Failures = fixedFailures{1.0, 0.0}
	assert.True(t, s.shouldPickHighCap(), "every exploratory build failing")
}
