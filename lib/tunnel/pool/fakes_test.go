package pool

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/config"
	"github.com/go-i2p/go-i2p-tunnelbuild/lib/i2np"
	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

func testHash(i int) common.Hash {
	var h common.Hash
	h[0] = byte(i)
	h[1] = byte(i >> 8)
	h[31] = 0x5A
	return h
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeRouter implements every collaborator of RouterContext.
type fakeRouter struct {
	mu sync.Mutex

	peers []common.Hash
	infos map[common.Hash]tunnel.PeerInfo
	privs map[common.Hash][32]byte

	participating map[tunnel.TunnelID]*tunnel.HopConfig
	joinedIn      []*tunnel.TunnelConfig
	joinedOut     []*tunnel.TunnelConfig
	removed       []*tunnel.TunnelConfig

	sent       []Envelope
	connected  map[common.Hash]bool
	nearLimit  bool
	backlogged map[common.Hash]bool

	joined    map[common.Hash]int
	rejected  map[common.Hash]int
	timedOut  map[common.Hash]int
	failedPct map[common.Hash]int
	pushed    map[common.Hash]int

	admission tunnel.BuildStatus

	published map[common.Hash][]Lease
	local     map[common.Hash]bool

	outKBps, shareKBps int
	lag, uptime        time.Duration
	floodfill, topBW   bool
}

func newFakeRouter(npeers int) *fakeRouter {
	f := &fakeRouter{
		infos:         make(map[common.Hash]tunnel.PeerInfo),
		privs:         make(map[common.Hash][32]byte),
		participating: make(map[tunnel.TunnelID]*tunnel.HopConfig),
		connected:     make(map[common.Hash]bool),
		backlogged:    make(map[common.Hash]bool),
		joined:        make(map[common.Hash]int),
		rejected:      make(map[common.Hash]int),
		timedOut:      make(map[common.Hash]int),
		failedPct:     make(map[common.Hash]int),
		pushed:        make(map[common.Hash]int),
		published:     make(map[common.Hash][]Lease),
		local:         make(map[common.Hash]bool),
		outKBps:       512,
		shareKBps:     512,
		uptime:        time.Hour,
	}
	for i := 1; i <= npeers; i++ {
		h := testHash(i)
		priv, pub, _ := i2np.GenerateStaticKey()
		f.privs[h] = priv
		f.peers = append(f.peers, h)
		f.infos[h] = tunnel.PeerInfo{
			Hash:          h,
			EncryptionKey: pub,
			Addresses:     []netip.Addr{netip.AddrFrom4([4]byte{10, byte(i), 0, 1})},
			Reachable:     true,
			ShortRecords:  true,
		}
		f.connected[h] = true
	}
	return f
}

func (f *fakeRouter) TierPeers(tunnel.PeerTier) []common.Hash { return f.peers }

func (f *fakeRouter) LookupLocal(peer common.Hash) (tunnel.PeerInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[peer]
	return info, ok
}

func (f *fakeRouter) LookupAsync(ctx context.Context, peer common.Hash) (tunnel.PeerInfo, error) {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if info, ok := f.LookupLocal(peer); ok {
			return info, nil
		}
		select {
		case <-ctx.Done():
			return tunnel.PeerInfo{}, errors.New("not found")
		case <-tick.C:
		}
	}
}

func (f *fakeRouter) JoinInboundGateway(hop *tunnel.HopConfig) error   { return f.JoinParticipant(hop) }
func (f *fakeRouter) JoinOutboundEndpoint(hop *tunnel.HopConfig) error { return f.JoinParticipant(hop) }

func (f *fakeRouter) JoinParticipant(hop *tunnel.HopConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.participating[hop.ReceiveTunnel]; ok {
		return errors.New("duplicate tunnel id")
	}
	f.participating[hop.ReceiveTunnel] = hop
	return nil
}

func (f *fakeRouter) JoinInbound(cfg *tunnel.TunnelConfig) error {
	f.mu.Lock()
	f.joinedIn = append(f.joinedIn, cfg)
	f.mu.Unlock()
	return nil
}

func (f *fakeRouter) JoinOutbound(cfg *tunnel.TunnelConfig) error {
	f.mu.Lock()
	f.joinedOut = append(f.joinedOut, cfg)
	f.mu.Unlock()
	return nil
}

func (f *fakeRouter) Remove(cfg *tunnel.TunnelConfig) {
	f.mu.Lock()
	f.removed = append(f.removed, cfg)
	f.mu.Unlock()
}

func (f *fakeRouter) HasParticipatingTunnel(id tunnel.TunnelID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.participating[id]
	return ok
}

func (f *fakeRouter) ParticipatingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.participating)
}

func (f *fakeRouter) Send(env Envelope, onFailure func(error)) {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
}

func (f *fakeRouter) Sent() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Envelope(nil), f.sent...)
}

func (f *fakeRouter) IsConnected(peer common.Hash) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[peer]
}

func (f *fakeRouter) CanConnect(peer common.Hash) bool { return true }
func (f *fakeRouter) Constrained() bool                { return false }

func (f *fakeRouter) NearConnectionLimit() bool { return f.nearLimit }

func (f *fakeRouter) IsBacklogged(peer common.Hash) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backlogged[peer]
}

func (f *fakeRouter) TunnelJoined(peer common.Hash, _ time.Duration) {
	f.mu.Lock()
	f.joined[peer]++
	f.mu.Unlock()
}

func (f *fakeRouter) TunnelRejected(peer common.Hash, _ time.Duration, _ tunnel.BuildStatus) {
	f.mu.Lock()
	f.rejected[peer]++
	f.mu.Unlock()
}

func (f *fakeRouter) TunnelTimedOut(peer common.Hash) {
	f.mu.Lock()
	f.timedOut[peer]++
	f.mu.Unlock()
}

func (f *fakeRouter) TunnelFailed(peer common.Hash, pct int) {
	f.mu.Lock()
	f.failedPct[peer] += pct
	f.mu.Unlock()
}

func (f *fakeRouter) TunnelLifetimePushed(peer common.Hash, _ time.Duration, _ uint64) {
	f.mu.Lock()
	f.pushed[peer]++
	f.mu.Unlock()
}

func (f *fakeRouter) AcceptTunnelRequest() tunnel.BuildStatus { return f.admission }

func (f *fakeRouter) RequestLeaseSet(dest common.Hash, leases []Lease) {
	f.mu.Lock()
	f.published[dest] = leases
	f.mu.Unlock()
}

func (f *fakeRouter) Published(dest common.Hash) []Lease {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[dest]
}

func (f *fakeRouter) IsLocal(dest common.Hash) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.local[dest]
	return !ok || v
}

func (f *fakeRouter) OutboundKBps() int           { return f.outKBps }
func (f *fakeRouter) ShareKBps() int              { return f.shareKBps }
func (f *fakeRouter) JobLag() time.Duration       { return f.lag }
func (f *fakeRouter) Uptime() time.Duration       { return f.uptime }
func (f *fakeRouter) Floodfill() bool             { return f.floodfill }
func (f *fakeRouter) HighestBandwidthClass() bool { return f.topBW }

var testLocal = testHash(0xFFF)

// newTestContext wires a fake router with npeers known peers.
func newTestContext(t *testing.T, npeers int) (*RouterContext, *fakeRouter, *fakeClock) {
	t.Helper()
	f := newFakeRouter(npeers)
	clock := newFakeClock()
	priv, _, err := i2np.GenerateStaticKey()
	require.NoError(t, err)
	rc := &RouterContext{
		LocalHash:    testLocal,
		PrivateKey:   priv,
		Config:       config.Defaults(),
		NetDB:        f,
		Dispatcher:   f,
		Transport:    f,
		Profiles:     f,
		Admission:    f,
		LeaseSets:    f,
		Clock:        clock,
		Status:       f,
		Peers:        f,
		Connectivity: f,
	}
	return rc, f, clock
}

func newTestManager(t *testing.T, npeers int) (*Manager, *fakeRouter, *fakeClock) {
	t.Helper()
	rc, f, clock := newTestContext(t, npeers)
	m, err := NewManager(rc)
	require.NoError(t, err)
	return m, f, clock
}

// newIdlePool returns an alive pool whose task loop is not running, so
// results and tasks are handled on the test goroutine.
func newIdlePool(m *Manager, settings tunnel.PoolSettings) *TunnelPool {
	sel := m.clientSelector
	if settings.Exploratory {
		sel = m.exploratorySelector
	}
	p := newTunnelPool(m.rc, m, settings, sel)
	p.alive = true
	p.started = m.rc.now()
	return p
}

// makeTunnel builds a config through peers, gateway first, that expires after lifetime.
func makeTunnel(t *testing.T, rc *RouterContext, dir tunnel.Direction, dest *common.Hash, lifetime time.Duration, peers ...common.Hash) *tunnel.TunnelConfig {
	t.Helper()
	now := rc.now()
	hops := make([]*tunnel.HopConfig, len(peers))
	for i, p := range peers {
		h, err := tunnel.NewHopConfig(p, now, lifetime)
		require.NoError(t, err)
		id, err := tunnel.NewTunnelID()
		require.NoError(t, err)
		h.ReceiveTunnel = id
		hops[i] = h
	}
	for i := 0; i < len(hops)-1; i++ {
		hops[i].SendTo = hops[i+1].Peer
		hops[i].SendTunnel = hops[i+1].ReceiveTunnel
	}
	return tunnel.NewTunnelConfig(hops, dir, dest)
}
