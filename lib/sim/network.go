package sim

import (
	"crypto/sha256"
	"net/netip"
	"sort"
	"sync"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/glycerine/idem"
	"github.com/samber/oops"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/config"
	"github.com/go-i2p/go-i2p-tunnelbuild/lib/i2np"
	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel/pool"
)

// Network owns the simulated routers and carries messages between them.
type Network struct {
	cfg     config.TunnelBuildDefaults
	clock   pool.Clock
	latency time.Duration

	mu      sync.RWMutex
	routers map[common.Hash]*Router
	order   []common.Hash

	halt     *idem.Halter
	inFlight sync.WaitGroup
	started  bool
}

// NewNetwork returns an empty network. Every router reads time from clock.
func NewNetwork(cfg config.TunnelBuildDefaults, clock pool.Clock) *Network {
	return &Network{
		cfg:     cfg,
		clock:   clock,
		latency: cfg.Sim.Latency,
		routers: make(map[common.Hash]*Router),
		halt:    idem.NewHalter(),
	}
}

// Populate adds cfg.Sim.Routers routers. LongRecordPercent of them only
// understand long build records.
func (n *Network) Populate() error {
	for i := 0; i < n.cfg.Sim.Routers; i++ {
		long := rand.Intn(100) < n.cfg.Sim.LongRecordPercent
		if _, err := n.AddRouter(!long); err != nil {
			return err
		}
	}
	return nil
}

// AddRouter creates a router with a fresh static key and registers it.
func (n *Network) AddRouter(shortRecords bool) (*Router, error) {
	priv, pub, err := i2np.GenerateStaticKey()
	if err != nil {
		return nil, oops.Errorf("failed to generate router key: %w", err)
	}
	hash := common.Hash(sha256.Sum256(pub[:]))

	n.mu.Lock()
	idx := len(n.order) + 1
	info := tunnel.PeerInfo{
		Hash:           hash,
		EncryptionKey:  pub,
		Addresses:      []netip.Addr{netip.AddrFrom4([4]byte{10, byte(idx), byte(idx >> 8), 1})},
		Reachable:      true,
		ShortRecords:   shortRecords,
		BandwidthClass: 'O',
	}
	r, err := newRouter(n, info, priv)
	if err != nil {
		n.mu.Unlock()
		return nil, err
	}
	n.routers[hash] = r
	n.order = append(n.order, hash)
	started := n.started
	n.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":     "(Network) AddRouter",
		"router": short(hash),
		"short":  shortRecords,
	}).Debug("router added")
	if started {
		r.Start()
	}
	return r, nil
}

// Routers returns the routers in the order they were added.
func (n *Network) Routers() []*Router {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Router, 0, len(n.order))
	for _, h := range n.order {
		out = append(out, n.routers[h])
	}
	return out
}

func (n *Network) Router(h common.Hash) (*Router, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	r, ok := n.routers[h]
	return r, ok
}

// online returns the router for h when it exists and is reachable.
func (n *Network) online(h common.Hash) (*Router, bool) {
	r, ok := n.Router(h)
	if !ok || r.Offline() {
		return nil, false
	}
	return r, true
}

// lookup is the shared directory every router's netdb reads.
func (n *Network) lookup(h common.Hash) (tunnel.PeerInfo, bool) {
	r, ok := n.Router(h)
	if !ok {
		return tunnel.PeerInfo{}, false
	}
	return r.info, true
}

// peersExcept returns every known router but self, sorted for stable output.
func (n *Network) peersExcept(self common.Hash) []common.Hash {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]common.Hash, 0, len(n.order))
	for _, h := range n.order {
		if h != self {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i][:]) < string(out[j][:]) })
	return out
}

// Start brings up every router's tunnel manager.
func (n *Network) Start() {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return
	}
	n.started = true
	n.mu.Unlock()
	for _, r := range n.Routers() {
		r.Start()
	}
}

// Stop shuts every router down and waits for messages in flight.
func (n *Network) Stop() {
	n.mu.Lock()
	if n.halt.ReqStop.IsClosed() {
		n.mu.Unlock()
		return
	}
	n.halt.ReqStop.Close()
	n.mu.Unlock()

	for _, r := range n.Routers() {
		r.Stop()
	}
	n.inFlight.Wait()
	n.halt.Done.Close()
}

// deliver runs fn after the link latency unless the network stopped.
func (n *Network) deliver(fn func()) bool {
	n.mu.RLock()
	if n.halt.ReqStop.IsClosed() {
		n.mu.RUnlock()
		return false
	}
	n.inFlight.Add(1)
	n.mu.RUnlock()

	time.AfterFunc(n.latency, func() {
		defer n.inFlight.Done()
		if n.halt.ReqStop.IsClosed() {
			return
		}
		fn()
	})
	return true
}

// send carries msg from one router to another. A non-zero toTunnel hands
// it to the tunnel with that receive id at the target.
func (n *Network) send(from, to common.Hash, toTunnel tunnel.TunnelID, msgID uint32, msg *i2np.BuildMessage, exp time.Time, onFailure func(error)) {
	fail := func(err error) {
		if onFailure != nil {
			n.deliver(func() { onFailure(err) })
		}
	}
	target, ok := n.online(to)
	if !ok {
		log.WithFields(logger.Fields{
			"at":     "(Network) send",
			"from":   short(from),
			"to":     short(to),
			"reason": "unreachable",
		}).Debug("message not delivered")
		fail(oops.With("peer", short(to)).Wrap(ErrUnreachable))
		return
	}
	n.deliver(func() {
		if !exp.IsZero() && n.clock.Now().After(exp) {
			fail(ErrExpired)
			return
		}
		if target.Offline() {
			fail(ErrUnreachable)
			return
		}
		if toTunnel != 0 {
			target.receiveInTunnel(toTunnel, msgID, msg, exp)
			return
		}
		target.mgr.HandleBuildMessage(&pool.Incoming{
			MessageID: msgID,
			Message:   msg,
			From:      from,
			Received:  n.clock.Now(),
		})
	})
}

// Close implements io.Closer.
func (n *Network) Close() error {
	n.Stop()
	return nil
}
