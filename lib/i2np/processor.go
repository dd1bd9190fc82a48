package i2np

import (
	"bytes"
	"errors"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

// DecryptedRequest is a record addressed to us, opened.
type DecryptedRequest struct {
	Record     *BuildRequestRecord
	Keys       ReplyKeys
	Slot       int
	Generation RecordGeneration
}

// BuildRequestProcessor opens the records addressed to this router and
// writes replies. Each record generation has its own replay filter.
type BuildRequestProcessor struct {
	localHash common.Hash
	priv      [32]byte
	pub       [32]byte

	longFilter  *ReplayFilter
	shortFilter *ReplayFilter
}

// NewBuildRequestProcessor returns a processor for the router with the given
// identity hash and static encryption key.
func NewBuildRequestProcessor(localHash common.Hash, priv [32]byte, capacity int, longPeriod, shortPeriod time.Duration) (*BuildRequestProcessor, error) {
	pub, err := PublicKeyFor(priv)
	if err != nil {
		return nil, err
	}
	return &BuildRequestProcessor{
		localHash:   localHash,
		priv:        priv,
		pub:         pub,
		longFilter:  NewReplayFilter(capacity, longPeriod),
		shortFilter: NewReplayFilter(capacity, shortPeriod),
	}, nil
}

// Decrypt finds and opens our record. It fails with ERR_NO_RECORD_FOR_US,
// ERR_RECORD_DECRYPT or ERR_DUPLICATE_RECORD.
func (p *BuildRequestProcessor) Decrypt(msg *BuildMessage) (*DecryptedRequest, error) {
	gen := msg.Generation()
	slot := -1
	for i, r := range msg.Records {
		if len(r) >= TruncatedHashLen && bytes.Equal(r[:TruncatedHashLen], p.localHash[:TruncatedHashLen]) {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, ERR_NO_RECORD_FOR_US
	}

	rec, keys, err := DecryptRecord(gen, msg.Records[slot], p.priv, p.pub)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":         "(BuildRequestProcessor) Decrypt",
			"slot":       slot,
			"generation": gen.String(),
		}).WithError(err).Debug("failed to decrypt build record")
		if errors.Is(err, ERR_RECORD_DECRYPT) {
			return nil, err
		}
		return nil, oops.Wrapf(ERR_RECORD_DECRYPT, "%v", err)
	}

	filter := p.longFilter
	if gen == GenerationShort {
		filter = p.shortFilter
	}
	if filter.CheckAndAdd(keys.AEADKey) {
		log.WithFields(logger.Fields{
			"at":         "(BuildRequestProcessor) Decrypt",
			"generation": gen.String(),
			"reason":     "replay_or_filter_full",
		}).Warn("dropping duplicate build record")
		return nil, ERR_DUPLICATE_RECORD
	}

	return &DecryptedRequest{Record: rec, Keys: keys, Slot: slot, Generation: gen}, nil
}

// Respond writes our reply into our slot and adds our layer to every other slot.
func (p *BuildRequestProcessor) Respond(msg *BuildMessage, req *DecryptedRequest, status tunnel.BuildStatus) error {
	reply, err := SealReply(req.Generation, req.Keys, req.Slot, status, nil)
	if err != nil {
		return err
	}
	for i := range msg.Records {
		if i == req.Slot {
			continue
		}
		if err := encryptSlot(req.Generation, msg.Records[i], req.Keys.SlotKey, req.Keys.SlotIV, i); err != nil {
			return err
		}
	}
	msg.Records[req.Slot] = reply
	return nil
}
