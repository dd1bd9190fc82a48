package sim

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/i2np"
	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel/pool"
)

var (
	ErrUnreachable = errors.New("sim: peer unreachable")
	ErrExpired     = errors.New("sim: message expired in transit")
	ErrNotFound    = errors.New("sim: peer not in netdb")
)

// rejectMemory is how long a refusal keeps a peer out of selection.
const rejectMemory = 30 * time.Second

// Router is one simulated router. It implements every collaborator its
// pool.Manager is wired to.
type Router struct {
	net      *Network
	info     tunnel.PeerInfo
	registry *tunnel.ParticipatingRegistry
	mgr      *pool.Manager

	offline  atomic.Bool
	started  atomic.Int64
	stopOnce sync.Once

	mu       sync.Mutex
	inbound  map[tunnel.TunnelID]*tunnel.TunnelConfig
	outbound map[tunnel.TunnelID]*tunnel.TunnelConfig
	profiles map[common.Hash]*profile
	leases   map[common.Hash][]pool.Lease
	locals   map[common.Hash]struct{}
}

func newRouter(n *Network, info tunnel.PeerInfo, priv [32]byte) (*Router, error) {
	r := &Router{
		net:      n,
		info:     info,
		registry: tunnel.NewParticipatingRegistry(n.cfg.Admission),
		inbound:  make(map[tunnel.TunnelID]*tunnel.TunnelConfig),
		outbound: make(map[tunnel.TunnelID]*tunnel.TunnelConfig),
		profiles: make(map[common.Hash]*profile),
		leases:   make(map[common.Hash][]pool.Lease),
		locals:   make(map[common.Hash]struct{}),
	}
	mgr, err := pool.NewManager(&pool.RouterContext{
		LocalHash:    info.Hash,
		PrivateKey:   priv,
		Config:       n.cfg,
		NetDB:        r,
		Dispatcher:   r,
		Transport:    r,
		Profiles:     r,
		Admission:    r.registry,
		LeaseSets:    r,
		Clock:        n.clock,
		Status:       r,
		Peers:        r,
		Connectivity: r,
		Rejections:   r,
	})
	if err != nil {
		return nil, oops.Errorf("failed to create tunnel manager: %w", err)
	}
	r.mgr = mgr
	return r, nil
}

func (r *Router) Hash() common.Hash      { return r.info.Hash }
func (r *Router) Info() tunnel.PeerInfo  { return r.info }
func (r *Router) Manager() *pool.Manager { return r.mgr }
func (r *Router) Offline() bool          { return r.offline.Load() }
func (r *Router) String() string         { return short(r.info.Hash) }
func (r *Router) now() time.Time         { return r.net.clock.Now() }

// SetOffline makes the router unreachable without stopping it.
func (r *Router) SetOffline(off bool) { r.offline.Store(off) }

// Registry is the set of tunnels this router relays for others.
func (r *Router) Registry() *tunnel.ParticipatingRegistry { return r.registry }

// Start runs the participating expiry sweep and the tunnel manager.
func (r *Router) Start() {
	r.started.Store(r.now().UnixNano())
	r.registry.Start(r.net.cfg.Admission.SweepInterval)
	r.mgr.Startup()
}

func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		r.mgr.Shutdown()
		r.registry.Stop()
	})
}

// AddClient registers a local destination and starts its pools.
func (r *Router) AddClient(dest common.Hash) error {
	r.mu.Lock()
	r.locals[dest] = struct{}{}
	r.mu.Unlock()
	cfg := r.net.cfg.Tunnel
	return r.mgr.BuildTunnels(dest,
		tunnel.NewClientSettings(cfg, dest, true),
		tunnel.NewClientSettings(cfg, dest, false))
}

// RemoveClient disconnects dest and tears down its pools.
func (r *Router) RemoveClient(dest common.Hash) {
	r.mu.Lock()
	delete(r.locals, dest)
	delete(r.leases, dest)
	r.mu.Unlock()
	r.mgr.RemoveTunnels(dest)
}

// Leases returns what dest last published.
func (r *Router) Leases(dest common.Hash) []pool.Lease {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pool.Lease(nil), r.leases[dest]...)
}

// OwnTunnels returns how many tunnels we built and registered.
func (r *Router) OwnTunnels() (inbound, outbound int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inbound), len(r.outbound)
}

// NetDB

func (r *Router) LookupLocal(peer common.Hash) (tunnel.PeerInfo, bool) {
	return r.net.lookup(peer)
}

func (r *Router) LookupAsync(ctx context.Context, peer common.Hash) (tunnel.PeerInfo, error) {
	select {
	case <-time.After(r.net.latency * 2):
	case <-ctx.Done():
		return tunnel.PeerInfo{}, ctx.Err()
	}
	if info, ok := r.net.lookup(peer); ok {
		return info, nil
	}
	return tunnel.PeerInfo{}, ErrNotFound
}

// Dispatcher

func (r *Router) JoinInboundGateway(hop *tunnel.HopConfig) error   { return r.registry.Join(hop) }
func (r *Router) JoinOutboundEndpoint(hop *tunnel.HopConfig) error { return r.registry.Join(hop) }
func (r *Router) JoinParticipant(hop *tunnel.HopConfig) error      { return r.registry.Join(hop) }

func (r *Router) JoinInbound(cfg *tunnel.TunnelConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.inbound[cfg.ID()]; dup {
		return oops.Errorf("inbound tunnel %d already registered", cfg.ID())
	}
	r.inbound[cfg.ID()] = cfg
	return nil
}

func (r *Router) JoinOutbound(cfg *tunnel.TunnelConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.outbound[cfg.ID()]; dup {
		return oops.Errorf("outbound tunnel %d already registered", cfg.ID())
	}
	r.outbound[cfg.ID()] = cfg
	return nil
}

func (r *Router) Remove(cfg *tunnel.TunnelConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.outbound
	if cfg.IsInbound() {
		m = r.inbound
	}
	if m[cfg.ID()] == cfg {
		delete(m, cfg.ID())
	}
}

func (r *Router) HasParticipatingTunnel(id tunnel.TunnelID) bool { return r.registry.Has(id) }
func (r *Router) ParticipatingCount() int                        { return r.registry.Count() }

// Transport

// Send delivers env. A message sent through one of our outbound tunnels
// leaves from its endpoint and is lost when any hop dropped the tunnel.
func (r *Router) Send(env pool.Envelope, onFailure func(error)) {
	msg := env.Message.Clone()
	from := r.info.Hash
	if env.Through != nil {
		end, ok := r.walkOutbound(env.Through)
		if !ok {
			log.WithFields(logger.Fields{
				"at":     "(Router) Send",
				"router": r.String(),
				"tunnel": env.Through.String(),
				"reason": "broken_tunnel",
			}).Debug("message lost in outbound tunnel")
			return
		}
		from = end
	}
	r.net.send(from, env.ToPeer, env.ToTunnel, env.MessageID, msg, env.Expiration, onFailure)
}

// walkOutbound checks every remote hop of cfg still relays it and returns
// the endpoint.
func (r *Router) walkOutbound(cfg *tunnel.TunnelConfig) (common.Hash, bool) {
	for i := 1; i < cfg.Length(); i++ {
		hop := cfg.Hop(i)
		peer, ok := r.net.online(hop.Peer)
		if !ok || !peer.registry.Has(hop.ReceiveTunnel) {
			return common.Hash{}, false
		}
	}
	return cfg.Endpoint().Peer, true
}

// receiveInTunnel handles a message arriving on tunnel id: ours ends here,
// participating ones are passed to the next hop.
func (r *Router) receiveInTunnel(id tunnel.TunnelID, msgID uint32, msg *i2np.BuildMessage, exp time.Time) {
	r.mu.Lock()
	_, own := r.inbound[id]
	r.mu.Unlock()
	if own {
		r.mgr.HandleBuildReply(msgID, msg)
		return
	}
	hop, ok := r.registry.Get(id)
	if !ok {
		log.WithFields(logger.Fields{
			"at":        "(Router) receiveInTunnel",
			"router":    r.String(),
			"tunnel_id": id,
			"reason":    "unknown_tunnel",
		}).Debug("dropping tunnel message")
		return
	}
	r.net.send(r.info.Hash, hop.Config.SendTo, hop.Config.SendTunnel, msgID, msg, exp, nil)
}

func (r *Router) IsConnected(peer common.Hash) bool {
	_, ok := r.net.online(peer)
	return ok
}

func (r *Router) CanConnect(peer common.Hash) bool   { return r.IsConnected(peer) }
func (r *Router) Constrained() bool                  { return false }
func (r *Router) NearConnectionLimit() bool          { return false }
func (r *Router) IsBacklogged(peer common.Hash) bool { return false }

// LeaseSetPublisher

func (r *Router) RequestLeaseSet(dest common.Hash, leases []pool.Lease) {
	r.mu.Lock()
	r.leases[dest] = leases
	r.mu.Unlock()
}

func (r *Router) IsLocal(dest common.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.locals[dest]
	return ok
}

// RouterStatus

func (r *Router) OutboundKBps() int           { return r.net.cfg.Sim.BandwidthKBps }
func (r *Router) ShareKBps() int              { return r.net.cfg.Sim.BandwidthKBps }
func (r *Router) JobLag() time.Duration       { return 0 }
func (r *Router) Floodfill() bool             { return false }
func (r *Router) HighestBandwidthClass() bool { return false }

func (r *Router) Uptime() time.Duration {
	started := r.started.Load()
	if started == 0 {
		return 0
	}
	return r.now().Sub(time.Unix(0, started))
}

// PeerSource

// TierPeers ranks the other routers by how well they served our builds.
func (r *Router) TierPeers(tier tunnel.PeerTier) []common.Hash {
	all := r.net.peersExcept(r.info.Hash)
	if tier == tunnel.TierNotFailing {
		return all
	}
	r.mu.Lock()
	scores := make(map[common.Hash]int, len(all))
	capable := make([]common.Hash, 0, len(all))
	for _, h := range all {
		s := r.profiles[h].score()
		if s >= 0 {
			scores[h] = s
			capable = append(capable, h)
		}
	}
	r.mu.Unlock()
	if tier == tunnel.TierHighCapacity {
		return capable
	}
	sort.SliceStable(capable, func(i, j int) bool { return scores[capable[i]] > scores[capable[j]] })
	n := len(all) / 2
	if n < 4 {
		n = 4
	}
	if n < len(capable) {
		capable = capable[:n]
	}
	return capable
}

// IsRejecting reports a peer that refused us recently.
func (r *Router) IsRejecting(peer common.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.profiles[peer]
	return p != nil && p.lastRejected && r.now().Sub(p.lastReply) < rejectMemory
}

// Summary is a snapshot of one router's tunnel state.
type Summary struct {
	Router        string `yaml:"router"`
	ShortRecords  bool   `yaml:"short_records"`
	Participating int    `yaml:"participating"`
	Inbound       int    `yaml:"inbound"`
	Outbound      int    `yaml:"outbound"`
	Succeeded     int    `yaml:"succeeded"`
	Rejected      int    `yaml:"rejected"`
	Expired       int    `yaml:"expired"`
	InFlight      int    `yaml:"in_flight"`
	Wasted        uint64 `yaml:"wasted_replies"`
}

func (r *Router) Summary() Summary {
	in, out := r.OwnTunnels()
	stats := r.mgr.Stats()
	es, er, ee := stats.Counts(true)
	cs, cr, ce := stats.Counts(false)
	wasted, _ := stats.LateReplies()
	return Summary{
		Router:        r.String(),
		ShortRecords:  r.info.ShortRecords,
		Participating: r.registry.Count(),
		Inbound:       in,
		Outbound:      out,
		Succeeded:     es + cs,
		Rejected:      er + cr,
		Expired:       ee + ce,
		InFlight:      r.mgr.InFlight(),
		Wasted:        wasted,
	}
}
