package pool

import (
	"context"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/samber/oops"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/config"
	"github.com/go-i2p/go-i2p-tunnelbuild/lib/i2np"
	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

// Lease is one inbound tunnel entry point published for a destination.
type Lease struct {
	Gateway  common.Hash
	TunnelID tunnel.TunnelID
	End      time.Time
}

// NetDB resolves router descriptors.
type NetDB interface {
	LookupLocal(peer common.Hash) (tunnel.PeerInfo, bool)
	// LookupAsync asks the network for peer and blocks until found, failed or ctx is done.
	LookupAsync(ctx context.Context, peer common.Hash) (tunnel.PeerInfo, error)
}

// Dispatcher is the tunnel data layer. Build code only registers and
// unregisters tunnels with it.
type Dispatcher interface {
	JoinInboundGateway(hop *tunnel.HopConfig) error
	JoinOutboundEndpoint(hop *tunnel.HopConfig) error
	JoinParticipant(hop *tunnel.HopConfig) error
	JoinInbound(cfg *tunnel.TunnelConfig) error
	JoinOutbound(cfg *tunnel.TunnelConfig) error
	Remove(cfg *tunnel.TunnelConfig)
	HasParticipatingTunnel(id tunnel.TunnelID) bool
	ParticipatingCount() int
}

// Envelope is an outgoing build message. With Through set the message
// leaves through that outbound tunnel, otherwise it goes straight to ToPeer.
// A non-zero ToTunnel delivers it into that tunnel at ToPeer.
type Envelope struct {
	MessageID  uint32
	Message    *i2np.BuildMessage
	Expiration time.Time
	Through    *tunnel.TunnelConfig
	ToPeer     common.Hash
	ToTunnel   tunnel.TunnelID
}

// Transport sends messages and reports on connections.
type Transport interface {
	// Send queues env. onFailure, if not nil, runs when delivery to the first
	// hop fails or misses env.Expiration.
	Send(env Envelope, onFailure func(error))
	IsConnected(peer common.Hash) bool
	NearConnectionLimit() bool
	IsBacklogged(peer common.Hash) bool
}

// ProfileSink receives per-peer build outcomes.
type ProfileSink interface {
	TunnelJoined(peer common.Hash, responseTime time.Duration)
	TunnelRejected(peer common.Hash, responseTime time.Duration, status tunnel.BuildStatus)
	TunnelTimedOut(peer common.Hash)
	TunnelFailed(peer common.Hash, pct int)
	TunnelLifetimePushed(peer common.Hash, lifetime time.Duration, bytes uint64)
}

// AdmissionControl decides whether our load allows another participating tunnel.
type AdmissionControl interface {
	AcceptTunnelRequest() tunnel.BuildStatus
}

// LeaseSetPublisher is the client side consuming our inbound tunnels.
type LeaseSetPublisher interface {
	RequestLeaseSet(dest common.Hash, leases []Lease)
	// IsLocal reports whether dest is still connected to this router.
	IsLocal(dest common.Hash) bool
}

// Clock is the router's notion of network time.
type Clock interface {
	Now() time.Time
}

// RouterStatus exposes the router state build decisions depend on.
type RouterStatus interface {
	OutboundKBps() int
	ShareKBps() int
	JobLag() time.Duration
	Uptime() time.Duration
	Floodfill() bool
	// HighestBandwidthClass is set when we advertise the top bandwidth class.
	HighestBandwidthClass() bool
}

// RouterContext collects everything the build subsystem needs from its router.
type RouterContext struct {
	LocalHash  common.Hash
	PrivateKey [32]byte
	Config     config.TunnelBuildDefaults

	NetDB        NetDB
	Dispatcher   Dispatcher
	Transport    Transport
	Profiles     ProfileSink
	Admission    AdmissionControl
	LeaseSets    LeaseSetPublisher
	Clock        Clock
	Status       RouterStatus
	Peers        tunnel.PeerSource
	Connectivity tunnel.Connectivity
	// Rejections is optional.
	Rejections tunnel.RejectionSource
}

func (c *RouterContext) validate() error {
	switch {
	case c.NetDB == nil:
		return oops.Errorf("router context: netdb is required")
	case c.Dispatcher == nil:
		return oops.Errorf("router context: dispatcher is required")
	case c.Transport == nil:
		return oops.Errorf("router context: transport is required")
	case c.Profiles == nil:
		return oops.Errorf("router context: profile sink is required")
	case c.Admission == nil:
		return oops.Errorf("router context: admission control is required")
	case c.LeaseSets == nil:
		return oops.Errorf("router context: lease set publisher is required")
	case c.Clock == nil:
		return oops.Errorf("router context: clock is required")
	case c.Status == nil:
		return oops.Errorf("router context: router status is required")
	case c.Peers == nil:
		return oops.Errorf("router context: peer source is required")
	}
	return nil
}

func (c *RouterContext) now() time.Time { return c.Clock.Now() }
