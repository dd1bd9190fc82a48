package tunnel

import (
	"sync"
	"time"

	common "github.com/go-i2p/common/data"
)

// TunnelConfig describes a tunnel we created, hop 0 being the gateway.
// For an outbound tunnel hop 0 is us; for an inbound tunnel the last hop is us.
type TunnelConfig struct {
	hops        []*HopConfig
	direction   Direction
	destination *common.Hash

	// ReplyMessageID correlates the build reply with this attempt.
	ReplyMessageID uint32
	// RecordOrder maps each build message slot to a hop index. Values at or
	// beyond Length are filler slots.
	RecordOrder []int
	// BlankHash is the SHA-256 of our own slot as it left us.
	BlankHash [32]byte
	// ShortRecords is set when every hop accepted the short record format.
	ShortRecords bool

	mu         sync.Mutex
	expiration time.Time
	reused     bool
}

// NewTunnelConfig returns a config for the given hops, gateway first.
func NewTunnelConfig(hops []*HopConfig, direction Direction, destination *common.Hash) *TunnelConfig {
	cfg := &TunnelConfig{
		hops:        hops,
		direction:   direction,
		destination: destination,
	}
	for i, h := range hops {
		h.Role = RoleParticipant
		if i == 0 && direction == Inbound && len(hops) > 1 {
			h.Role = RoleInboundGateway
		}
		if i == len(hops)-1 && direction == Outbound && len(hops) > 1 {
			h.Role = RoleOutboundEndpoint
		}
		if cfg.expiration.IsZero() || h.Expiration.Before(cfg.expiration) {
			cfg.expiration = h.Expiration
		}
	}
	return cfg
}

// Length is the number of hops including us.
func (c *TunnelConfig) Length() int { return len(c.hops) }

// Hop returns hop i.
func (c *TunnelConfig) Hop(i int) *HopConfig { return c.hops[i] }

// Peer returns the router hash of hop i.
func (c *TunnelConfig) Peer(i int) common.Hash { return c.hops[i].Peer }

// Role returns the part hop i plays.
func (c *TunnelConfig) Role(i int) HopRole { return c.hops[i].Role }

// Gateway is the first hop, where messages enter the tunnel.
func (c *TunnelConfig) Gateway() *HopConfig { return c.hops[0] }

// Endpoint is the last hop, where messages leave the tunnel.
func (c *TunnelConfig) Endpoint() *HopConfig { return c.hops[len(c.hops)-1] }

func (c *TunnelConfig) Direction() Direction { return c.direction }

func (c *TunnelConfig) IsInbound() bool { return c.direction == Inbound }

// Destination is the client this tunnel serves, nil for exploratory tunnels.
func (c *TunnelConfig) Destination() *common.Hash { return c.destination }

// IsZeroHop reports whether the tunnel consists of us only.
func (c *TunnelConfig) IsZeroHop() bool { return len(c.hops) <= 1 }

// LocalHop is the index of our own hop.
func (c *TunnelConfig) LocalHop() int {
	if c.direction == Inbound {
		return len(c.hops) - 1
	}
	return 0
}

// IsLocalHop reports whether hop i is us.
func (c *TunnelConfig) IsLocalHop(i int) bool { return i == c.LocalHop() }

// FarEnd is the remote hop furthest from us: the gateway of an inbound
// tunnel or the endpoint of an outbound one.
func (c *TunnelConfig) FarEnd() common.Hash {
	if c.direction == Inbound {
		return c.hops[0].Peer
	}
	return c.hops[len(c.hops)-1].Peer
}

// ID is the tunnel id under which the local end knows this tunnel.
func (c *TunnelConfig) ID() TunnelID {
	return c.hops[c.LocalHop()].ReceiveTunnel
}

// GatewayTunnelID is the id messages must carry to enter the tunnel.
func (c *TunnelConfig) GatewayTunnelID() TunnelID {
	return c.hops[0].ReceiveTunnel
}

// Expiration is the earliest hop expiration unless overridden.
func (c *TunnelConfig) Expiration() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiration
}

func (c *TunnelConfig) SetExpiration(t time.Time) {
	c.mu.Lock()
	c.expiration = t
	c.mu.Unlock()
}

// Reused reports whether this tunnel's peers were already copied into a newer build.
func (c *TunnelConfig) Reused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reused
}

func (c *TunnelConfig) SetReused() {
	c.mu.Lock()
	c.reused = true
	c.mu.Unlock()
}

// Peers returns the hop peers gateway first.
func (c *TunnelConfig) Peers() []common.Hash {
	out := make([]common.Hash, len(c.hops))
	for i, h := range c.hops {
		out[i] = h.Peer
	}
	return out
}

// ProcessedBytes is the traffic carried by our own hop.
func (c *TunnelConfig) ProcessedBytes() uint64 {
	return c.hops[c.LocalHop()].ProcessedBytes()
}

func (c *TunnelConfig) String() string {
	s := c.direction.String() + " ["
	for i, h := range c.hops {
		if i > 0 {
			s += " -> "
		}
		s += truncateHash(h.Peer)
	}
	return s + "]"
}
