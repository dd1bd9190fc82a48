package tunnel

import (
	"sync/atomic"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/common/session_key"
	"github.com/go-i2p/crypto/rand"
	"github.com/samber/oops"
)

// HopConfig holds everything one hop needs to know about its part of a tunnel.
// The creator keeps one per hop; a participant keeps exactly one.
type HopConfig struct {
	Peer common.Hash

	ReceiveTunnel TunnelID
	SendTunnel    TunnelID
	SendTo        common.Hash

	LayerKey session_key.SessionKey
	IVKey    session_key.SessionKey

	// ReplyKey and ReplyIV wrap this hop's slot in AES-CBC for long records.
	ReplyKey session_key.SessionKey
	ReplyIV  [16]byte

	// AEADReplyKey and ReplyAD come out of the record handshake and seal the
	// hop's reply. Short records also derive their slot layer from AEADReplyKey.
	AEADReplyKey session_key.SessionKey
	ReplyAD      [32]byte

	Role       HopRole
	Creation   time.Time
	Expiration time.Time

	processed atomic.Uint64
}

// NewHopConfig returns a hop for peer with fresh layer and reply keys.
func NewHopConfig(peer common.Hash, now time.Time, lifetime time.Duration) (*HopConfig, error) {
	h := &HopConfig{
		Peer:       peer,
		Creation:   now,
		Expiration: now.Add(lifetime),
	}
	for _, b := range [][]byte{h.LayerKey[:], h.IVKey[:], h.ReplyKey[:], h.ReplyIV[:]} {
		if _, err := rand.Read(b); err != nil {
			return nil, oops.Errorf("failed to generate hop keys: %w", err)
		}
	}
	return h, nil
}

// AddProcessed records n bytes carried by this hop.
func (h *HopConfig) AddProcessed(n int) {
	if n > 0 {
		h.processed.Add(uint64(n))
	}
}

// ProcessedBytes returns the bytes carried so far.
func (h *HopConfig) ProcessedBytes() uint64 {
	return h.processed.Load()
}

// Expired reports whether the hop is past its expiration at now.
func (h *HopConfig) Expired(now time.Time) bool {
	return !now.Before(h.Expiration)
}
