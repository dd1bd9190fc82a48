package pool

import (
	"testing"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/i2np"
	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

// givePairedTunnels puts one real tunnel in each exploratory pool.
func givePairedTunnels(t *testing.T, m *Manager) (in, out *tunnel.TunnelConfig) {
	t.Helper()
	in = makeTunnel(t, m.rc, tunnel.Inbound, nil, 10*time.Minute, testHash(7), testLocal)
	out = makeTunnel(t, m.rc, tunnel.Outbound, nil, 10*time.Minute, testLocal, testHash(8))
	m.exploratory.inbound.(*TunnelPool).tunnels = []*tunnel.TunnelConfig{in}
	m.exploratory.outbound.(*TunnelPool).tunnels = []*tunnel.TunnelConfig{out}
	return in, out
}

// passHop lets peer open its record in msg and answer with status.
func passHop(t *testing.T, f *fakeRouter, peer common.Hash, msg *i2np.BuildMessage, status tunnel.BuildStatus) *i2np.DecryptedRequest {
	t.Helper()
	proc, err := i2np.NewBuildRequestProcessor(peer, f.privs[peer], 1024, 10*time.Minute, 5*time.Minute)
	require.NoError(t, err)
	req, err := proc.Decrypt(msg)
	require.NoError(t, err)
	require.NoError(t, proc.Respond(msg, req, status))
	return req
}

func startOutboundBuild(t *testing.T, m *Manager, f *fakeRouter) (*TunnelPool, *tunnel.TunnelConfig, *i2np.BuildMessage) {
	t.Helper()
	p := newIdlePool(m, tunnel.NewExploratorySettings(m.rc.Config.Tunnel, false))
	cfg := makeTunnel(t, m.rc, tunnel.Outbound, nil, 10*time.Minute, testLocal, testHash(1), testHash(2))
	p.inProgress = append(p.inProgress, cfg)
	m.exec.buildTunnel(p, cfg)
	require.Equal(t, 1, m.exec.InFlight())

	sent := f.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, testHash(1), sent[0].ToPeer, "outbound requests go straight to the first hop")
	assert.Nil(t, sent[0].Through)
	return p, cfg, sent[0].Message
}

func TestOutboundBuildAccepted(t *testing.T) {
	m, f, _ := newTestManager(t, 8)
	pairedIn, _ := givePairedTunnels(t, m)
	p, cfg, msg := startOutboundBuild(t, m, f)

	assert.Equal(t, pairedIn.Gateway().Peer, cfg.Endpoint().SendTo, "the endpoint replies into the paired tunnel")
	assert.Equal(t, pairedIn.GatewayTunnelID(), cfg.Endpoint().SendTunnel)

	first := passHop(t, f, testHash(1), msg, tunnel.BuildReplyCodeAccepted)
	last := passHop(t, f, testHash(2), msg, tunnel.BuildReplyCodeAccepted)
	assert.Equal(t, tunnel.RoleParticipant, first.Record.Role())
	assert.Equal(t, tunnel.RoleOutboundEndpoint, last.Record.Role())
	assert.Equal(t, cfg.ReplyMessageID, last.Record.SendMessageID)

	m.HandleBuildReply(cfg.ReplyMessageID, msg.AsReply())

	assert.Zero(t, m.InFlight())
	assert.Equal(t, 1, p.TunnelCount())
	assert.Empty(t, p.ListPending())
	assert.Equal(t, []*tunnel.TunnelConfig{cfg}, f.joinedOut)
	assert.Equal(t, 1, f.joined[testHash(1)])
	assert.Equal(t, 1, f.joined[testHash(2)])
	ok, _, _ := m.stats.Counts(true)
	assert.Equal(t, 1, ok)
}

func TestOutboundBuildRejected(t *testing.T) {
	m, f, _ := newTestManager(t, 8)
	givePairedTunnels(t, m)
	p, cfg, msg := startOutboundBuild(t, m, f)

	passHop(t, f, testHash(1), msg, tunnel.BuildReplyCodeAccepted)
	passHop(t, f, testHash(2), msg, tunnel.BuildReplyCodeBandwidth)
	m.HandleBuildReply(cfg.ReplyMessageID, msg.AsReply())

	assert.Zero(t, p.TunnelCount())
	assert.Empty(t, f.joinedOut)
	assert.Equal(t, 1, f.joined[testHash(1)])
	assert.Equal(t, 1, f.rejected[testHash(2)])
	_, rej, _ := m.stats.Counts(true)
	assert.Equal(t, 1, rej)
}

func TestReplyForUnknownOrLateBuild(t *testing.T) {
	m, f, clock := newTestManager(t, 8)
	givePairedTunnels(t, m)
	p, cfg, msg := startOutboundBuild(t, m, f)

	m.HandleBuildReply(cfg.ReplyMessageID+1, msg.AsReply())
	wasted, _ := m.stats.LateReplies()
	assert.Equal(t, uint64(1), wasted)

	clock.Advance(m.rc.Config.Executor.RequestTimeout)
	m.exec.allowed(clock.Now())
	assert.Zero(t, m.InFlight())
	assert.Equal(t, 1, f.timedOut[testHash(1)])
	assert.Equal(t, 1, f.timedOut[testHash(2)])
	assert.Zero(t, f.timedOut[testLocal])
	assert.Empty(t, p.ListPending())
	_, _, exp := m.stats.Counts(true)
	assert.Equal(t, 1, exp)

	passHop(t, f, testHash(1), msg, tunnel.BuildReplyCodeAccepted)
	passHop(t, f, testHash(2), msg, tunnel.BuildReplyCodeAccepted)
	m.HandleBuildReply(cfg.ReplyMessageID, msg.AsReply())
	_, slow := m.stats.LateReplies()
	assert.Equal(t, uint64(1), slow, "a reply after the timeout is counted but not used")
	assert.Zero(t, p.TunnelCount())

	clock.Advance(m.rc.Config.Executor.GracePeriod)
	m.exec.allowed(clock.Now())
	_, res := m.exec.claim(cfg.ReplyMessageID, false)
	assert.Equal(t, claimUnknown, res)
}

func TestTamperedReplyFailsBuild(t *testing.T) {
	m, f, _ := newTestManager(t, 8)
	givePairedTunnels(t, m)
	p, cfg, msg := startOutboundBuild(t, m, f)

	passHop(t, f, testHash(1), msg, tunnel.BuildReplyCodeAccepted)
	passHop(t, f, testHash(2), msg, tunnel.BuildReplyCodeAccepted)
	for slot, hop := range cfg.RecordOrder {
		if hop == 1 {
			msg.Records[slot][10] ^= 0xFF
		}
	}
	m.HandleBuildReply(cfg.ReplyMessageID, msg.AsReply())

	assert.Zero(t, p.TunnelCount())
	assert.Empty(t, f.joinedOut)
	assert.Zero(t, f.joined[testHash(1)])
}

func TestInboundBuildGoesThroughPairedTunnel(t *testing.T) {
	m, f, _ := newTestManager(t, 8)
	_, pairedOut := givePairedTunnels(t, m)
	p := newIdlePool(m, tunnel.NewExploratorySettings(m.rc.Config.Tunnel, true))
	cfg := makeTunnel(t, m.rc, tunnel.Inbound, nil, 10*time.Minute, testHash(1), testHash(2), testLocal)
	p.inProgress = append(p.inProgress, cfg)
	m.exec.buildTunnel(p, cfg)

	sent := f.Sent()
	require.Len(t, sent, 1)
	assert.Same(t, pairedOut, sent[0].Through)
	assert.Equal(t, testHash(1), sent[0].ToPeer)
	msg := sent[0].Message

	gw := passHop(t, f, testHash(1), msg, tunnel.BuildReplyCodeAccepted)
	assert.True(t, gw.Record.IsInboundGateway())
	assert.Equal(t, testHash(2), gw.Record.NextIdent)
	mid := passHop(t, f, testHash(2), msg, tunnel.BuildReplyCodeAccepted)
	assert.Equal(t, testLocal, mid.Record.NextIdent)
	assert.Equal(t, cfg.ReplyMessageID, mid.Record.SendMessageID)

	m.HandleBuildMessage(&Incoming{MessageID: mid.Record.SendMessageID, Message: msg, From: testHash(2)})
	assert.Equal(t, 1, p.TunnelCount())
	assert.Equal(t, []*tunnel.TunnelConfig{cfg}, f.joinedIn)
}

func TestRequestWithoutPairedTunnel(t *testing.T) {
	m, f, _ := newTestManager(t, 8)
	dest := testHash(0x100)
	p := newIdlePool(m, tunnel.NewClientSettings(m.rc.Config.Tunnel, dest, false))
	cfg := makeTunnel(t, m.rc, tunnel.Outbound, &dest, 10*time.Minute, testLocal, testHash(1))
	p.inProgress = append(p.inProgress, cfg)

	m.exec.buildTunnel(p, cfg)
	assert.Empty(t, f.Sent())
	assert.Zero(t, m.InFlight())
	assert.Empty(t, p.ListPending())
	assert.True(t, m.exec.backingOff(p, m.rc.now()))
}

func TestPairedTunnelPrefersRealTunnels(t *testing.T) {
	m, _, _ := newTestManager(t, 8)
	zero := makeTunnel(t, m.rc, tunnel.Inbound, nil, 10*time.Minute, testLocal)
	m.exploratory.inbound.(*TunnelPool).tunnels = []*tunnel.TunnelConfig{zero}

	s := tunnel.NewClientSettings(m.rc.Config.Tunnel, testHash(0x100), false)
	assert.Same(t, zero, m.pairedTunnel(&s), "zero hop is the last resort")

	twoHop := makeTunnel(t, m.rc, tunnel.Inbound, nil, 10*time.Minute, testHash(3), testLocal)
	m.exploratory.inbound.(*TunnelPool).tunnels = append(m.exploratory.inbound.(*TunnelPool).tunnels, twoHop)
	for i := 0; i < 10; i++ {
		assert.Same(t, twoHop, m.pairedTunnel(&s))
	}
}

func TestAllowedBuilds(t *testing.T) {
	m, f, _ := newTestManager(t, 8)
	cfg := m.rc.Config.Executor

	f.outKBps = 512
	assert.Equal(t, cfg.MaxConcurrentBuilds, m.exec.allowed(m.rc.now()))

	f.outKBps = 0
	assert.Equal(t, cfg.MinConcurrentBuilds, m.exec.allowed(m.rc.now()))

	f.outKBps = 512
	for i := 0; i < 5; i++ {
		m.stats.AddRequestTime(150 * time.Millisecond)
	}
	assert.Equal(t, 6, m.exec.allowed(m.rc.now()), "slow requests shrink the budget")

	f.lag = 3 * time.Second
	assert.Zero(t, m.exec.allowed(m.rc.now()))
	f.uptime = time.Minute
	assert.Equal(t, 6, m.exec.allowed(m.rc.now()), "lag is ignored right after startup")
}

func TestClaimInboundOnly(t *testing.T) {
	m, _, _ := newTestManager(t, 8)
	p := newIdlePool(m, tunnel.NewExploratorySettings(m.rc.Config.Tunnel, false))
	cfg := makeTunnel(t, m.rc, tunnel.Outbound, nil, 10*time.Minute, testLocal, testHash(1))
	cfg.ReplyMessageID = 42
	m.exec.building[42] = &buildAttempt{cfg: cfg, pool: p, sent: m.rc.now()}

	_, res := m.exec.claim(42, true)
	assert.Equal(t, claimUnknown, res, "outbound replies never arrive as requests")
	a, res := m.exec.claim(42, false)
	assert.Equal(t, claimFound, res)
	assert.Same(t, cfg, a.cfg)
	_, res = m.exec.claim(42, false)
	assert.Equal(t, claimUnknown, res)
}

func TestOrderForBuildPutsExploratoryFirst(t *testing.T) {
	m, _, _ := newTestManager(t, 8)
	client := newIdlePool(m, tunnel.NewClientSettings(m.rc.Config.Tunnel, testHash(0x100), true))
	ex := newIdlePool(m, tunnel.NewExploratorySettings(m.rc.Config.Tunnel, true))
	wanted := []*TunnelPool{client, client, ex, client, ex}
	orderForBuild(wanted, true)
	assert.Same(t, ex, wanted[0])
	assert.Same(t, ex, wanted[1])
	assert.Same(t, client, wanted[4])
}

func TestFirstHopFailure(t *testing.T) {
	m, f, _ := newTestManager(t, 8)
	givePairedTunnels(t, m)
	p, cfg, _ := startOutboundBuild(t, m, f)

	m.exec.firstHopFailed(cfg.ReplyMessageID, assert.AnError)
	assert.Zero(t, m.InFlight())
	assert.Equal(t, 1, f.timedOut[testHash(1)])
	assert.Empty(t, p.ListPending())
	m.exec.firstHopFailed(cfg.ReplyMessageID, assert.AnError)
	assert.Equal(t, 1, f.timedOut[testHash(1)], "only the first report counts")
}

// wakePools marks pools alive without starting their task loops.
func wakePools(m *Manager, pools ...*TunnelPool) {
	now := m.rc.now()
	for _, p := range pools {
		p.mu.Lock()
		p.alive = true
		p.started = now
		p.mu.Unlock()
	}
}

// outboundAttempt returns an outbound attempt in flight and the request sent
// for it, matched by the receive tunnel id its first hop finds in the record.
func outboundAttempt(t *testing.T, m *Manager, f *fakeRouter) (*buildAttempt, *i2np.BuildMessage) {
	t.Helper()
	m.exec.mu.Lock()
	var attempts []*buildAttempt
	for _, a := range m.exec.building {
		if !a.cfg.IsInbound() && a.cfg.Length() > 1 {
			attempts = append(attempts, a)
		}
	}
	m.exec.mu.Unlock()

	for _, a := range attempts {
		first := a.cfg.Peer(1)
		for _, env := range f.Sent() {
			if env.ToPeer != first {
				continue
			}
			proc, err := i2np.NewBuildRequestProcessor(first, f.privs[first], 1024, 10*time.Minute, 5*time.Minute)
			require.NoError(t, err)
			if req, err := proc.Decrypt(env.Message); err == nil && req.Record.ReceiveTunnel == a.cfg.Hop(1).ReceiveTunnel {
				return a, env.Message
			}
		}
	}
	t.Fatal("no outbound attempt in flight")
	return nil, nil
}

func TestPassCapsSendsPerPass(t *testing.T) {
	m, f, _ := newTestManager(t, 8)
	givePairedTunnels(t, m)
	in := m.exploratory.inbound.(*TunnelPool)
	out := m.exploratory.outbound.(*TunnelPool)
	wakePools(m, in, out)
	maxSends := m.rc.Config.Executor.MaxSendsPerPass

	m.exec.pass()
	assert.Len(t, f.Sent(), maxSends)
	assert.Equal(t, maxSends, m.InFlight())

	m.exec.pass()
	assert.Len(t, f.Sent(), 2*maxSends)

	tokens := in.Settings().TotalQuantity() + out.Settings().TotalQuantity()
	m.exec.pass()
	assert.Len(t, f.Sent(), tokens, "no sends once every build token is taken")
	assert.Equal(t, tokens, m.InFlight())
	assert.Len(t, in.ListPending(), in.Settings().TotalQuantity())
	assert.Len(t, out.ListPending(), out.Settings().TotalQuantity())
}

func TestPassStaysWithinBudget(t *testing.T) {
	m, f, clock := newTestManager(t, 8)
	givePairedTunnels(t, m)
	out := m.exploratory.outbound.(*TunnelPool)
	out.settings.Quantity = 6
	wakePools(m, out)
	f.outKBps = 0
	budget := m.rc.Config.Executor.MinConcurrentBuilds

	m.exec.pass()
	assert.Equal(t, budget, m.InFlight())
	m.exec.pass()
	assert.Equal(t, budget, m.InFlight(), "a full budget starts nothing")
	assert.Len(t, f.Sent(), budget)

	clock.Advance(m.rc.Config.Executor.RequestTimeout)
	m.exec.pass()
	assert.Equal(t, budget, m.InFlight(), "expired attempts make room for new ones")
	assert.Len(t, f.Sent(), 2*budget)
	_, _, exp := m.stats.Counts(true)
	assert.Equal(t, budget, exp)
}

func TestPassUsesSlotsFreedByReplies(t *testing.T) {
	m, f, _ := newTestManager(t, 8)
	givePairedTunnels(t, m)
	out := m.exploratory.outbound.(*TunnelPool)
	out.settings.Quantity = 4
	wakePools(m, out)
	f.outKBps = 0
	budget := m.rc.Config.Executor.MinConcurrentBuilds

	m.exec.pass()
	require.Equal(t, budget, m.InFlight())

	a, msg := outboundAttempt(t, m, f)
	for i := 1; i < a.cfg.Length(); i++ {
		passHop(t, f, a.cfg.Peer(i), msg, tunnel.BuildReplyCodeAccepted)
	}
	m.HandleBuildReply(a.cfg.ReplyMessageID, msg.AsReply())
	assert.Equal(t, budget-1, m.InFlight())
	assert.Equal(t, 2, out.TunnelCount())

	m.exec.pass()
	assert.Equal(t, budget, m.InFlight(), "the answered slot is reused by the next pass")
	assert.Len(t, f.Sent(), budget+1)
}

func TestPassBuildsZeroHopInline(t *testing.T) {
	m, f, _ := newTestManager(t, 8)
	givePairedTunnels(t, m)
	out := m.exploratory.outbound.(*TunnelPool)
	out.settings.Length = 0
	wakePools(m, out)

	m.exec.pass()
	assert.Empty(t, f.Sent(), "zero-hop tunnels need no messages")
	assert.Zero(t, m.InFlight())
	assert.Len(t, f.joinedOut, out.Settings().TotalQuantity())
	assert.Empty(t, out.ListPending())
	for _, cfg := range f.joinedOut {
		assert.True(t, cfg.IsZeroHop())
	}
}

func TestExpireLeavesMargin(t *testing.T) {
	m, f, clock := newTestManager(t, 8)
	givePairedTunnels(t, m)
	startOutboundBuild(t, m, f)
	cutoff := m.rc.Config.Executor.RequestTimeout - expireMargin

	clock.Advance(cutoff - time.Millisecond)
	m.exec.expire(clock.Now())
	assert.Equal(t, 1, m.InFlight())

	clock.Advance(time.Millisecond)
	m.exec.expire(clock.Now())
	assert.Zero(t, m.InFlight(), "expired before the request itself runs out")
}

// panickyStatus fails the bandwidth query.
type panickyStatus struct {
	*fakeRouter
}

func (panickyStatus) OutboundKBps() int { panic("bandwidth unavailable") }

func TestSafePassRecovers(t *testing.T) {
	m, f, _ := newTestManager(t, 8)
	m.rc.Status = panickyStatus{f}

	assert.Panics(t, func() { m.exec.pass() })
	var wait time.Duration
	assert.NotPanics(t, func() { wait = m.exec.safePass() })
	assert.Equal(t, m.rc.Config.Executor.LoopTime, wait)
}
