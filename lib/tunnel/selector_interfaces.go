package tunnel

import (
	"net/netip"

	common "github.com/go-i2p/common/data"
)

// PeerInfo is the part of a router descriptor peer selection and record
// encryption need.
type PeerInfo struct {
	Hash common.Hash
	// EncryptionKey is the router's static X25519 key.
	EncryptionKey [32]byte
	Addresses     []netip.Addr
	// Reachable is set when the router publishes an address others can dial.
	Reachable bool
	// ShortRecords is set when the router understands short build records.
	ShortRecords   bool
	BandwidthClass byte
	Floodfill      bool
}

// PeerSource hands out the current members of a profile tier.
type PeerSource interface {
	TierPeers(tier PeerTier) []common.Hash
}

// PeerDirectory resolves peer descriptors already known locally.
type PeerDirectory interface {
	LookupLocal(peer common.Hash) (PeerInfo, bool)
}

// Connectivity answers transport questions for the closest hop.
type Connectivity interface {
	// IsConnected reports an established session with peer.
	IsConnected(peer common.Hash) bool
	// CanConnect reports whether we could open a session to peer.
	CanConnect(peer common.Hash) bool
	// Constrained is true when we are firewalled, hidden or limited to one
	// address family, so the closest hop must be reachable from us.
	Constrained() bool
}

// FailureStats reports recent build failure ratios, between 0 and 1.
type FailureStats interface {
	ExploratoryFailRate() float64
	ClientFailRate() float64
}

// ExclusionSource names peers that should not be picked right now.
type ExclusionSource interface {
	PeersInTooManyTunnels() map[common.Hash]struct{}
}

// RejectionSource reports peers that refused our recent build requests.
type RejectionSource interface {
	IsRejecting(peer common.Hash) bool
}

// TunnelAvailability tells whether a paired tunnel exists to carry a build.
type TunnelAvailability interface {
	HasPairedTunnel(settings *PoolSettings) bool
}
