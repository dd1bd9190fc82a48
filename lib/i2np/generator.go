package i2np

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

// maxRequestTimeSkew blurs the request time so records from one build do not
// share an exact timestamp.
const maxRequestTimeSkew = 2048 * time.Millisecond

// CreateRecord fills slot of msg with the record for hop of cfg. Hops the
// message never visits (our own hop and unused slots) get random bytes; our
// own slot's hash is kept in cfg.BlankHash to check the reply against.
// peerKey is the hop's static encryption key and is ignored for blank slots.
func CreateRecord(msg *BuildMessage, slot int, cfg *tunnel.TunnelConfig, hop int, peerKey [32]byte, now time.Time) error {
	gen := msg.Generation()
	if slot < 0 || slot >= len(msg.Records) {
		return oops.Errorf("slot %d out of range", slot)
	}
	if hop >= cfg.Length() || cfg.IsLocalHop(hop) {
		if _, err := rand.Read(msg.Records[slot]); err != nil {
			return oops.Errorf("failed to fill blank record: %w", err)
		}
		if hop < cfg.Length() {
			cfg.BlankHash = sha256.Sum256(msg.Records[slot])
		}
		return nil
	}

	h := cfg.Hop(hop)
	rec := &BuildRequestRecord{
		ReceiveTunnel: h.ReceiveTunnel,
		NextTunnel:    h.SendTunnel,
		NextIdent:     h.SendTo,
		LayerKey:      h.LayerKey,
		IVKey:         h.IVKey,
		ReplyKey:      h.ReplyKey,
		ReplyIV:       h.ReplyIV,
		RequestTime:   now.Add(-time.Duration(rand.Int63n(int64(maxRequestTimeSkew)))),
		Expiration:    DefaultExpirationSeconds * time.Second,
	}
	switch {
	case cfg.IsInbound() && hop == 0:
		rec.Flag = FlagInboundGateway
	case !cfg.IsInbound() && hop == cfg.Length()-1:
		rec.Flag = FlagOutboundEndpoint
	}
	if (!cfg.IsInbound() && hop == cfg.Length()-1) || (cfg.IsInbound() && hop == cfg.Length()-2) {
		// The hop that hands the message back to us tags it for correlation.
		rec.SendMessageID = cfg.ReplyMessageID
	} else {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return oops.Errorf("failed to generate message id: %w", err)
		}
		rec.SendMessageID = binary.BigEndian.Uint32(buf[:])
	}

	enc, keys, err := EncryptRecord(gen, rec, h.Peer, peerKey)
	if err != nil {
		return oops.Errorf("failed to encrypt record for hop %d: %w", hop, err)
	}
	copy(msg.Records[slot], enc)

	h.AEADReplyKey = keys.AEADKey
	h.ReplyAD = keys.AD
	h.ReplyKey = keys.SlotKey
	h.ReplyIV = keys.SlotIV
	h.LayerKey = keys.LayerKey
	h.IVKey = keys.IVKey
	return nil
}

// processingRange returns the first and last hop that process the message.
// Hop 0 of an outbound tunnel and the last hop of an inbound one are us.
func processingRange(cfg *tunnel.TunnelConfig) (first, last int) {
	if cfg.IsInbound() {
		return 0, cfg.Length() - 2
	}
	return 1, cfg.Length() - 1
}

// LayeredEncrypt pre-decrypts each hop's slot with the layers of every hop
// the message visits before it, so that the hop sees its record in the clear
// after those hops have added their layers.
func LayeredEncrypt(msg *BuildMessage, cfg *tunnel.TunnelConfig) error {
	gen := msg.Generation()
	first, _ := processingRange(cfg)
	for slot, hop := range cfg.RecordOrder {
		if hop >= cfg.Length() || cfg.IsLocalHop(hop) {
			continue
		}
		for j := hop - 1; j >= first; j-- {
			prev := cfg.Hop(j)
			if err := decryptSlot(gen, msg.Records[slot], prev.ReplyKey, prev.ReplyIV, slot); err != nil {
				return err
			}
		}
	}
	log.WithFields(logger.Fields{
		"at":         "i2np.LayeredEncrypt",
		"generation": gen.String(),
		"records":    len(msg.Records),
		"length":     cfg.Length(),
	}).Debug("layered build records")
	return nil
}
