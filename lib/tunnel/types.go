package tunnel

import (
	"encoding/binary"

	"github.com/go-i2p/crypto/rand"
	"github.com/samber/oops"
)

// TunnelID is the 4-byte identifier a hop uses to recognise messages for a tunnel.
// Zero is reserved and never assigned.
type TunnelID uint32

// NewTunnelID returns a random non-zero tunnel id.
func NewTunnelID() (TunnelID, error) {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, oops.Errorf("failed to generate tunnel id: %w", err)
		}
		if id := TunnelID(binary.BigEndian.Uint32(buf[:])); id != 0 {
			return id, nil
		}
	}
}

// Direction tells whether a tunnel carries traffic towards us or away from us.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// HopRole is the part a single hop plays in a tunnel.
type HopRole int

const (
	RoleParticipant HopRole = iota
	RoleInboundGateway
	RoleOutboundEndpoint
)

func (r HopRole) String() string {
	switch r {
	case RoleInboundGateway:
		return "inbound-gateway"
	case RoleOutboundEndpoint:
		return "outbound-endpoint"
	default:
		return "participant"
	}
}

// SelectorKind chooses the peer selection policy used by a pool.
type SelectorKind int

const (
	SelectorClient SelectorKind = iota
	SelectorExploratory
)

func (k SelectorKind) String() string {
	if k == SelectorExploratory {
		return "exploratory"
	}
	return "client"
}

// PeerTier is a profile-ranked subset of known peers.
type PeerTier int

const (
	TierFast PeerTier = iota
	TierHighCapacity
	TierNotFailing
)

func (t PeerTier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierHighCapacity:
		return "high-capacity"
	default:
		return "not-failing"
	}
}
