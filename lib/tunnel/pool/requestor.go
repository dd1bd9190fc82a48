package pool

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/i2np"
	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

// ErrNoPeerInfo is returned when a hop's router descriptor is not known locally.
var ErrNoPeerInfo = errors.New("no router info for hop")

// BuildRequestor assembles build requests and hands them to the transport.
type BuildRequestor struct {
	rc  *RouterContext
	mgr *Manager
}

// Request wires the hops of cfg, builds the message and sends it: straight
// to the first hop for outbound tunnels, through a paired outbound tunnel
// for inbound ones. cfg.ReplyMessageID must already be set. onSendFailure
// runs if the message never reaches the first hop.
func (r *BuildRequestor) Request(cfg *tunnel.TunnelConfig, settings *tunnel.PoolSettings, onSendFailure func(error)) error {
	paired := r.mgr.pairedTunnel(settings)
	if paired == nil {
		log.WithFields(logger.Fields{
			"at":        "(BuildRequestor) Request",
			"phase":     "tunnel_build",
			"direction": cfg.Direction().String(),
			"reason":    "no_paired_tunnel",
		}).Debug("cannot send build request")
		return tunnel.ErrNoPairedTunnel
	}
	if err := assignTunnelIDs(cfg, r.rc.Dispatcher); err != nil {
		return err
	}
	chainHops(cfg, paired)

	infos := make([]tunnel.PeerInfo, cfg.Length())
	allShort := true
	for i := 0; i < cfg.Length(); i++ {
		if cfg.IsLocalHop(i) {
			continue
		}
		info, ok := r.rc.NetDB.LookupLocal(cfg.Peer(i))
		if !ok {
			return oops.Wrapf(ErrNoPeerInfo, "hop %d %s", i, short(cfg.Peer(i)))
		}
		infos[i] = info
		allShort = allShort && info.ShortRecords
	}
	gen := i2np.GenerationLong
	if allShort {
		gen = i2np.GenerationShort
	}
	cfg.ShortRecords = allShort

	now := r.rc.now()
	msg, err := createBuildMessage(cfg, gen, infos, now)
	if err != nil {
		return err
	}

	env := Envelope{
		MessageID: randomMessageID(),
		Message:   msg,
	}
	if cfg.IsInbound() {
		env.Through = paired
		env.ToPeer = cfg.Peer(0)
		env.Expiration = now.Add(r.rc.Config.Executor.RequestTimeout)
	} else {
		env.ToPeer = cfg.Peer(1)
		env.Expiration = now.Add(r.rc.Config.Executor.FirstHopTimeout)
	}
	log.WithFields(logger.Fields{
		"at":         "(BuildRequestor) Request",
		"phase":      "tunnel_build",
		"tunnel":     cfg.String(),
		"reply_id":   cfg.ReplyMessageID,
		"paired":     paired.String(),
		"generation": gen.String(),
		"records":    len(msg.Records),
	}).Debug("sending build request")
	r.rc.Transport.Send(env, onSendFailure)
	return nil
}

// createBuildMessage fills a message for cfg with records in random slot
// order and pre-decrypts them for the hops in front.
func createBuildMessage(cfg *tunnel.TunnelConfig, gen i2np.RecordGeneration, infos []tunnel.PeerInfo, now time.Time) (*i2np.BuildMessage, error) {
	count := i2np.RecordCountFor(cfg.Length())
	msg, err := i2np.NewBuildMessage(gen, count)
	if err != nil {
		return nil, err
	}
	order := make([]int, count)
	for i := range order {
		order[i] = i
	}
	for i := count - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		order[i], order[j] = order[j], order[i]
	}
	cfg.RecordOrder = order
	for slot, hop := range order {
		var key [32]byte
		if hop < len(infos) {
			key = infos[hop].EncryptionKey
		}
		if err := i2np.CreateRecord(msg, slot, cfg, hop, key, now); err != nil {
			return nil, err
		}
	}
	if err := i2np.LayeredEncrypt(msg, cfg); err != nil {
		return nil, err
	}
	return msg, nil
}

// assignTunnelIDs gives every hop a fresh receive id. Our own id must not
// collide with a tunnel we participate in.
func assignTunnelIDs(cfg *tunnel.TunnelConfig, d Dispatcher) error {
	for i := 0; i < cfg.Length(); i++ {
		for {
			id, err := tunnel.NewTunnelID()
			if err != nil {
				return err
			}
			if cfg.IsLocalHop(i) && d.HasParticipatingTunnel(id) {
				continue
			}
			cfg.Hop(i).ReceiveTunnel = id
			break
		}
	}
	return nil
}

// chainHops points each hop at the next one. The outbound endpoint sends
// the reply into the paired inbound tunnel.
func chainHops(cfg *tunnel.TunnelConfig, paired *tunnel.TunnelConfig) {
	n := cfg.Length()
	for i := 0; i < n-1; i++ {
		cfg.Hop(i).SendTo = cfg.Peer(i + 1)
		cfg.Hop(i).SendTunnel = cfg.Hop(i + 1).ReceiveTunnel
	}
	if !cfg.IsInbound() && paired != nil {
		end := cfg.Endpoint()
		end.SendTo = paired.Gateway().Peer
		end.SendTunnel = paired.GatewayTunnelID()
	}
}

// randomMessageID returns a non-zero message id.
func randomMessageID() uint32 {
	var b [4]byte
	for {
		_, _ = rand.Read(b[:])
		if id := binary.BigEndian.Uint32(b[:]); id != 0 {
			return id
		}
	}
}

// pairedTunnel picks the tunnel that carries a build for settings: an
// inbound tunnel for the reply of an outbound build, an outbound tunnel to
// deliver an inbound build. Client pools use their own opposite pool before
// the exploratory one. Zero-hop tunnels are used only when the pool allows
// them or nothing else exists.
func (m *Manager) pairedTunnel(settings *tunnel.PoolSettings) *tunnel.TunnelConfig {
	var candidates []Pool
	if settings.Destination != nil && !settings.Exploratory {
		if pair := m.clientPair(*settings.Destination); pair != nil {
			candidates = append(candidates, pair.opposite(settings.Inbound))
		}
	}
	if ex := m.exploratoryPair(); ex != nil {
		candidates = append(candidates, ex.opposite(settings.Inbound))
	}

	var fallback *tunnel.TunnelConfig
	for _, p := range candidates {
		if p == nil {
			continue
		}
		t := p.SelectTunnel()
		if t == nil {
			continue
		}
		if !t.IsZeroHop() || settings.AllowZeroHop {
			return t
		}
		if nz := firstNonZeroHop(p.ListTunnels(), m.rc.now()); nz != nil {
			return nz
		}
		if fallback == nil {
			fallback = t
		}
	}
	return fallback
}

func firstNonZeroHop(tunnels []*tunnel.TunnelConfig, now time.Time) *tunnel.TunnelConfig {
	for _, t := range tunnels {
		if !t.IsZeroHop() && t.Expiration().After(now) {
			return t
		}
	}
	return nil
}
