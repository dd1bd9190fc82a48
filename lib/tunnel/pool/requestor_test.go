package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/i2np"
	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

func TestChainHopsOutboundRepliesIntoPairedTunnel(t *testing.T) {
	m, _, _ := newTestManager(t, 4)
	paired := makeTunnel(t, m.rc, tunnel.Inbound, nil, 10*time.Minute, testHash(3), testLocal)
	cfg := makeTunnel(t, m.rc, tunnel.Outbound, nil, 10*time.Minute, testLocal, testHash(1), testHash(2))
	require.NoError(t, assignTunnelIDs(cfg, m.rc.Dispatcher))
	chainHops(cfg, paired)

	assert.Equal(t, testHash(1), cfg.Hop(0).SendTo)
	assert.Equal(t, cfg.Hop(1).ReceiveTunnel, cfg.Hop(0).SendTunnel)
	assert.Equal(t, cfg.Hop(2).ReceiveTunnel, cfg.Hop(1).SendTunnel)
	assert.Equal(t, testHash(3), cfg.Endpoint().SendTo)
	assert.Equal(t, paired.GatewayTunnelID(), cfg.Endpoint().SendTunnel)
}

func TestChainHopsInboundEndsWithUs(t *testing.T) {
	m, _, _ := newTestManager(t, 4)
	cfg := makeTunnel(t, m.rc, tunnel.Inbound, nil, 10*time.Minute, testHash(1), testHash(2), testLocal)
	require.NoError(t, assignTunnelIDs(cfg, m.rc.Dispatcher))
	chainHops(cfg, nil)

	assert.Equal(t, testLocal, cfg.Hop(1).SendTo)
	assert.Equal(t, cfg.ID(), cfg.Hop(1).SendTunnel)
}

func TestAssignTunnelIDsAvoidsParticipatingIDs(t *testing.T) {
	m, f, _ := newTestManager(t, 4)
	for i := 0; i < 20; i++ {
		cfg := makeTunnel(t, m.rc, tunnel.Outbound, nil, 10*time.Minute, testLocal, testHash(1))
		require.NoError(t, assignTunnelIDs(cfg, f))
		assert.False(t, f.HasParticipatingTunnel(cfg.ID()))
		assert.NotZero(t, cfg.Hop(1).ReceiveTunnel)
		f.participating[cfg.ID()] = cfg.Hop(0)
	}
}

func TestRandomMessageIDNonZero(t *testing.T) {
	seen := make(map[uint32]bool)
	for i := 0; i < 100; i++ {
		id := randomMessageID()
		assert.NotZero(t, id)
		seen[id] = true
	}
	assert.Greater(t, len(seen), 90)
}

func TestCreateBuildMessageSlots(t *testing.T) {
	m, f, _ := newTestManager(t, 8)
	peers := []int{1, 2, 3, 4, 5}
	hops := []tunnel.PeerInfo{{}}
	cfg := makeTunnel(t, m.rc, tunnel.Outbound, nil, 10*time.Minute, testLocal, testHash(1), testHash(2), testHash(3), testHash(4), testHash(5))
	for _, i := range peers {
		hops = append(hops, f.infos[testHash(i)])
	}

	msg, err := createBuildMessage(cfg, i2np.GenerationLong, hops, m.rc.now())
	require.NoError(t, err)
	assert.Len(t, msg.Records, i2np.MaxBuildRecords)
	assert.Equal(t, i2np.GenerationLong, msg.Generation())
	require.Len(t, cfg.RecordOrder, i2np.MaxBuildRecords)

	used := make(map[int]bool)
	for _, hop := range cfg.RecordOrder {
		assert.False(t, used[hop], "each hop appears once")
		used[hop] = true
	}
	for i := 1; i < cfg.Length(); i++ {
		assert.NotZero(t, cfg.Hop(i).AEADReplyKey, "hop %d got reply keys", i)
	}
}

func TestRequestPicksGeneration(t *testing.T) {
	m, f, _ := newTestManager(t, 4)
	givePairedTunnels(t, m)
	s := tunnel.NewExploratorySettings(m.rc.Config.Tunnel, false)

	cfg := makeTunnel(t, m.rc, tunnel.Outbound, nil, 10*time.Minute, testLocal, testHash(1), testHash(2))
	cfg.ReplyMessageID = 1
	require.NoError(t, m.exec.requestor.Request(cfg, &s, nil))
	assert.True(t, cfg.ShortRecords)
	assert.Equal(t, i2np.GenerationShort, f.Sent()[0].Message.Generation())

	info := f.infos[testHash(2)]
	info.ShortRecords = false
	f.infos[testHash(2)] = info
	cfg = makeTunnel(t, m.rc, tunnel.Outbound, nil, 10*time.Minute, testLocal, testHash(1), testHash(2))
	cfg.ReplyMessageID = 2
	require.NoError(t, m.exec.requestor.Request(cfg, &s, nil))
	assert.False(t, cfg.ShortRecords, "one old hop forces long records")
	assert.Equal(t, i2np.GenerationLong, f.Sent()[1].Message.Generation())
}

func TestRequestUnknownHop(t *testing.T) {
	m, f, _ := newTestManager(t, 4)
	givePairedTunnels(t, m)
	s := tunnel.NewExploratorySettings(m.rc.Config.Tunnel, false)
	cfg := makeTunnel(t, m.rc, tunnel.Outbound, nil, 10*time.Minute, testLocal, testHash(1), testHash(0x77))

	err := m.exec.requestor.Request(cfg, &s, nil)
	assert.ErrorIs(t, err, ErrNoPeerInfo)
	assert.Empty(t, f.Sent())
}

func TestRequestTimeouts(t *testing.T) {
	m, f, _ := newTestManager(t, 4)
	givePairedTunnels(t, m)
	now := m.rc.now()

	out := tunnel.NewExploratorySettings(m.rc.Config.Tunnel, false)
	cfg := makeTunnel(t, m.rc, tunnel.Outbound, nil, 10*time.Minute, testLocal, testHash(1))
	require.NoError(t, m.exec.requestor.Request(cfg, &out, nil))

	in := tunnel.NewExploratorySettings(m.rc.Config.Tunnel, true)
	cfg = makeTunnel(t, m.rc, tunnel.Inbound, nil, 10*time.Minute, testHash(1), testLocal)
	require.NoError(t, m.exec.requestor.Request(cfg, &in, nil))

	sent := f.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, now.Add(m.rc.Config.Executor.FirstHopTimeout), sent[0].Expiration)
	assert.Equal(t, now.Add(m.rc.Config.Executor.RequestTimeout), sent[1].Expiration)
}
