package i2np

import (
	"crypto/sha256"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

// DecryptReply unwinds the layers on every slot of a returned build message
// and returns one status per hop of cfg. Our own hop reports accepted. Any
// reply that fails its integrity check fails the whole reply, because the
// other slots can no longer be trusted either.
func DecryptReply(msg *BuildMessage, cfg *tunnel.TunnelConfig) ([]tunnel.BuildStatus, error) {
	gen := msg.Generation()
	if len(msg.Records) != len(cfg.RecordOrder) {
		return nil, oops.Wrapf(ERR_REPLY_INTEGRITY, "reply has %d records, sent %d", len(msg.Records), len(cfg.RecordOrder))
	}
	first, last := processingRange(cfg)
	statuses := make([]tunnel.BuildStatus, cfg.Length())

	for slot, hop := range cfg.RecordOrder {
		if hop >= cfg.Length() {
			continue
		}
		rec := append([]byte(nil), msg.Records[slot]...)
		if len(rec) != gen.RecordSize() {
			return nil, oops.Wrapf(ERR_REPLY_INTEGRITY, "slot %d has %d bytes", slot, len(rec))
		}

		if cfg.IsLocalHop(hop) {
			for j := last; j >= first; j-- {
				if err := decryptSlot(gen, rec, cfg.Hop(j).ReplyKey, cfg.Hop(j).ReplyIV, slot); err != nil {
					return nil, err
				}
			}
			if sha256.Sum256(rec) != cfg.BlankHash {
				log.WithFields(logger.Fields{
					"at":   "i2np.DecryptReply",
					"slot": slot,
				}).Warn("own build record was altered in transit")
				return nil, oops.Wrapf(ERR_REPLY_INTEGRITY, "own slot %d altered", slot)
			}
			statuses[hop] = tunnel.BuildReplyCodeAccepted
			continue
		}

		for j := last; j > hop; j-- {
			if err := decryptSlot(gen, rec, cfg.Hop(j).ReplyKey, cfg.Hop(j).ReplyIV, slot); err != nil {
				return nil, err
			}
		}
		h := cfg.Hop(hop)
		status, _, err := OpenReply(gen, h.AEADReplyKey, h.ReplyAD, slot, rec)
		if err != nil {
			log.WithFields(logger.Fields{
				"at":   "i2np.DecryptReply",
				"slot": slot,
				"hop":  hop,
			}).Warn("build reply record failed verification")
			return nil, oops.Wrapf(ERR_REPLY_INTEGRITY, "hop %d", hop)
		}
		statuses[hop] = status
	}
	return statuses, nil
}
