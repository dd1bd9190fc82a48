package i2np

import (
	"testing"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/crypto/rand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

type testRouter struct {
	hash common.Hash
	priv [32]byte
	pub  [32]byte
	proc *BuildRequestProcessor
}

func newTestRouter(t *testing.T) *testRouter {
	t.Helper()
	r := &testRouter{}
	_, err := rand.Read(r.hash[:])
	require.NoError(t, err)
	r.priv, r.pub, err = GenerateStaticKey()
	require.NoError(t, err)
	r.proc, err = NewBuildRequestProcessor(r.hash, r.priv, 1024, 10*time.Minute, 5*time.Minute)
	require.NoError(t, err)
	return r
}

// newTestTunnel builds a config through remote routers with us at the right end.
func newTestTunnel(t *testing.T, dir tunnel.Direction, local *testRouter, remotes []*testRouter) *tunnel.TunnelConfig {
	t.Helper()
	routers := append([]*testRouter{local}, remotes...)
	if dir == tunnel.Inbound {
		routers = append(append([]*testRouter{}, remotes...), local)
	}
	now := time.Now()
	hops := make([]*tunnel.HopConfig, len(routers))
	for i, r := range routers {
		h, err := tunnel.NewHopConfig(r.hash, now, 10*time.Minute)
		require.NoError(t, err)
		h.ReceiveTunnel, err = tunnel.NewTunnelID()
		require.NoError(t, err)
		hops[i] = h
	}
	for i := 0; i < len(hops)-1; i++ {
		hops[i].SendTunnel = hops[i+1].ReceiveTunnel
		hops[i].SendTo = hops[i+1].Peer
	}
	if dir == tunnel.Outbound {
		last := hops[len(hops)-1]
		last.SendTunnel = 4242
		_, err := rand.Read(last.SendTo[:])
		require.NoError(t, err)
	}
	cfg := tunnel.NewTunnelConfig(hops, dir, nil)
	cfg.ReplyMessageID = 777
	return cfg
}

func routerKeys(cfg *tunnel.TunnelConfig, routers map[common.Hash]*testRouter) func(int) [32]byte {
	return func(hop int) [32]byte {
		if hop >= cfg.Length() {
			return [32]byte{}
		}
		if r, ok := routers[cfg.Peer(hop)]; ok {
			return r.pub
		}
		return [32]byte{}
	}
}

// buildAndProcess creates the request, passes it through every processing
// hop with the given statuses and returns the decoded reply statuses.
func buildAndProcess(t *testing.T, gen RecordGeneration, dir tunnel.Direction, hopCount int, statuses map[int]tunnel.BuildStatus) ([]tunnel.BuildStatus, error) {
	t.Helper()
	local := newTestRouter(t)
	remotes := make([]*testRouter, hopCount)
	byHash := map[common.Hash]*testRouter{local.hash: local}
	for i := range remotes {
		remotes[i] = newTestRouter(t)
		byHash[remotes[i].hash] = remotes[i]
	}
	cfg := newTestTunnel(t, dir, local, remotes)
	msg := createTestMessage(t, gen, cfg, byHash)

	first, last := processingRange(cfg)
	for hop := first; hop <= last; hop++ {
		r := byHash[cfg.Peer(hop)]
		req, err := r.proc.Decrypt(msg)
		require.NoError(t, err, "hop %d", hop)
		assert.Equal(t, cfg.Hop(hop).ReceiveTunnel, req.Record.ReceiveTunnel)
		assert.Equal(t, cfg.Hop(hop).SendTunnel, req.Record.NextTunnel)
		assert.Equal(t, cfg.Hop(hop).SendTo, req.Record.NextIdent)
		require.NoError(t, r.proc.Respond(msg, req, statuses[hop]))
	}
	return DecryptReply(msg.AsReply(), cfg)
}

func createTestMessage(t *testing.T, gen RecordGeneration, cfg *tunnel.TunnelConfig, byHash map[common.Hash]*testRouter) *BuildMessage {
	t.Helper()
	count := RecordCountFor(cfg.Length())
	msg, err := NewBuildMessage(gen, count)
	require.NoError(t, err)
	cfg.RecordOrder = make([]int, count)
	for i := range cfg.RecordOrder {
		cfg.RecordOrder[i] = (i + 2) % count
	}
	key := routerKeys(cfg, byHash)
	for slot, hop := range cfg.RecordOrder {
		require.NoError(t, CreateRecord(msg, slot, cfg, hop, key(hop), time.Now()))
	}
	require.NoError(t, LayeredEncrypt(msg, cfg))
	return msg
}

func TestBuildMessage_AllAccept(t *testing.T) {
	for _, gen := range []RecordGeneration{GenerationLong, GenerationShort} {
		for _, dir := range []tunnel.Direction{tunnel.Outbound, tunnel.Inbound} {
			t.Run(gen.String()+"/"+dir.String(), func(t *testing.T) {
				got, err := buildAndProcess(t, gen, dir, 3, nil)
				require.NoError(t, err)
				require.Len(t, got, 4)
				for i, s := range got {
					assert.True(t, s.Accepted(), "hop %d: %s", i, s)
				}
			})
		}
	}
}

func TestBuildMessage_RejectionsReported(t *testing.T) {
	got, err := buildAndProcess(t, GenerationShort, tunnel.Outbound, 3, map[int]tunnel.BuildStatus{
		2: tunnel.BuildReplyCodeBandwidth,
	})
	require.NoError(t, err)
	assert.Equal(t, tunnel.BuildReplyCodeAccepted, got[0])
	assert.Equal(t, tunnel.BuildReplyCodeAccepted, got[1])
	assert.Equal(t, tunnel.BuildReplyCodeBandwidth, got[2])
	assert.Equal(t, tunnel.BuildReplyCodeAccepted, got[3])

	got, err = buildAndProcess(t, GenerationLong, tunnel.Inbound, 2, map[int]tunnel.BuildStatus{
		0: tunnel.BuildReplyCodeTransientOverload,
	})
	require.NoError(t, err)
	assert.Equal(t, tunnel.BuildReplyCodeTransientOverload, got[0])
	assert.True(t, got[1].Accepted())
	assert.True(t, got[2].Accepted())
}

func TestBuildMessage_LongestTunnelUsesEightRecords(t *testing.T) {
	got, err := buildAndProcess(t, GenerationShort, tunnel.Outbound, tunnel.MaxTunnelLength, nil)
	require.NoError(t, err)
	assert.Len(t, got, tunnel.MaxTunnelLength+1)
}

func TestDecryptReply_TamperedSlotFailsWholeReply(t *testing.T) {
	local := newTestRouter(t)
	remotes := []*testRouter{newTestRouter(t), newTestRouter(t)}
	byHash := map[common.Hash]*testRouter{local.hash: local}
	for _, r := range remotes {
		byHash[r.hash] = r
	}
	cfg := newTestTunnel(t, tunnel.Outbound, local, remotes)
	msg := createTestMessage(t, GenerationLong, cfg, byHash)
	for hop := 1; hop < cfg.Length(); hop++ {
		r := byHash[cfg.Peer(hop)]
		req, err := r.proc.Decrypt(msg)
		require.NoError(t, err)
		require.NoError(t, r.proc.Respond(msg, req, tunnel.BuildReplyCodeAccepted))
	}

	tampered := msg.Clone()
	for slot, hop := range cfg.RecordOrder {
		if hop == 1 {
			tampered.Records[slot][100] ^= 0xff
		}
	}
	_, err := DecryptReply(tampered, cfg)
	assert.ErrorIs(t, err, ERR_REPLY_INTEGRITY)

	blank := msg.Clone()
	for slot, hop := range cfg.RecordOrder {
		if hop == 0 {
			blank.Records[slot][0] ^= 0x01
		}
	}
	_, err = DecryptReply(blank, cfg)
	assert.ErrorIs(t, err, ERR_REPLY_INTEGRITY)

	_, err = DecryptReply(msg, cfg)
	assert.NoError(t, err)
}

func TestProcessor_RejectsReplayAndForeignMessages(t *testing.T) {
	local := newTestRouter(t)
	hop := newTestRouter(t)
	byHash := map[common.Hash]*testRouter{local.hash: local, hop.hash: hop}
	cfg := newTestTunnel(t, tunnel.Outbound, local, []*testRouter{hop})
	msg := createTestMessage(t, GenerationShort, cfg, byHash)

	replay := msg.Clone()
	_, err := hop.proc.Decrypt(msg)
	require.NoError(t, err)
	_, err = hop.proc.Decrypt(replay)
	assert.ErrorIs(t, err, ERR_DUPLICATE_RECORD)

	stranger := newTestRouter(t)
	_, err = stranger.proc.Decrypt(msg.Clone())
	assert.ErrorIs(t, err, ERR_NO_RECORD_FOR_US)
}

func TestProcessor_WrongKeyFailsDecrypt(t *testing.T) {
	local := newTestRouter(t)
	hop := newTestRouter(t)
	byHash := map[common.Hash]*testRouter{local.hash: local, hop.hash: hop}
	cfg := newTestTunnel(t, tunnel.Outbound, local, []*testRouter{hop})
	msg := createTestMessage(t, GenerationLong, cfg, byHash)

	imposter, err := NewBuildRequestProcessor(hop.hash, local.priv, 16, time.Minute, time.Minute)
	require.NoError(t, err)
	_, err = imposter.Decrypt(msg)
	assert.ErrorIs(t, err, ERR_RECORD_DECRYPT)
}

func TestRecordFlagsAndMessageIDs(t *testing.T) {
	local := newTestRouter(t)
	a, b := newTestRouter(t), newTestRouter(t)
	byHash := map[common.Hash]*testRouter{local.hash: local, a.hash: a, b.hash: b}

	cfg := newTestTunnel(t, tunnel.Inbound, local, []*testRouter{a, b})
	msg := createTestMessage(t, GenerationShort, cfg, byHash)
	req, err := a.proc.Decrypt(msg)
	require.NoError(t, err)
	assert.True(t, req.Record.IsInboundGateway())
	assert.Equal(t, tunnel.RoleInboundGateway, req.Record.Role())
	require.NoError(t, a.proc.Respond(msg, req, tunnel.BuildReplyCodeAccepted))
	req, err = b.proc.Decrypt(msg)
	require.NoError(t, err)
	assert.Equal(t, tunnel.RoleParticipant, req.Record.Role())
	assert.Equal(t, cfg.ReplyMessageID, req.Record.SendMessageID)

	cfg = newTestTunnel(t, tunnel.Outbound, local, []*testRouter{a, b})
	msg = createTestMessage(t, GenerationLong, cfg, byHash)
	req, err = a.proc.Decrypt(msg)
	require.NoError(t, err)
	require.NoError(t, a.proc.Respond(msg, req, tunnel.BuildReplyCodeAccepted))
	req, err = b.proc.Decrypt(msg)
	require.NoError(t, err)
	assert.True(t, req.Record.IsOutboundEndpoint())
	assert.Equal(t, cfg.ReplyMessageID, req.Record.SendMessageID)
	assert.Equal(t, tunnel.TunnelID(4242), req.Record.NextTunnel)
}

func TestParseBuildMessage(t *testing.T) {
	t.Run("variable keeps count byte", func(t *testing.T) {
		m, err := NewBuildMessage(GenerationShort, 4)
		require.NoError(t, err)
		assert.Equal(t, I2NP_MESSAGE_TYPE_SHORT_TUNNEL_BUILD, m.Type)
		body := m.Bytes()
		assert.Len(t, body, 1+4*ShortBuildRecordSize)
		parsed, err := ParseBuildMessage(m.Type, body)
		require.NoError(t, err)
		assert.Len(t, parsed.Records, 4)
	})

	t.Run("fixed has no count byte", func(t *testing.T) {
		m, err := NewBuildMessage(GenerationLong, MaxBuildRecords)
		require.NoError(t, err)
		assert.Equal(t, I2NP_MESSAGE_TYPE_TUNNEL_BUILD, m.Type)
		body := m.Bytes()
		assert.Len(t, body, MaxBuildRecords*StandardBuildRecordSize)
		_, err = ParseBuildMessage(m.Type, body)
		require.NoError(t, err)
	})

	t.Run("truncated body", func(t *testing.T) {
		m, err := NewBuildMessage(GenerationLong, 5)
		require.NoError(t, err)
		assert.Equal(t, I2NP_MESSAGE_TYPE_VARIABLE_TUNNEL_BUILD, m.Type)
		body := m.Bytes()
		_, err = ParseBuildMessage(m.Type, body[:len(body)-1])
		assert.ErrorIs(t, err, ERR_BUILD_MESSAGE_INVALID)
	})

	t.Run("reply types", func(t *testing.T) {
		m, err := NewBuildMessage(GenerationShort, 4)
		require.NoError(t, err)
		r := m.AsReply()
		assert.True(t, r.IsReply())
		assert.Equal(t, I2NP_MESSAGE_TYPE_SHORT_TUNNEL_BUILD_REPLY, r.Type)
		assert.Equal(t, GenerationShort, r.Generation())
	})
}

func TestRecordCountFor(t *testing.T) {
	assert.Equal(t, 4, RecordCountFor(1))
	assert.Equal(t, 4, RecordCountFor(4))
	assert.Equal(t, 5, RecordCountFor(5))
	assert.Equal(t, 8, RecordCountFor(6))
	assert.Equal(t, 8, RecordCountFor(8))
}
