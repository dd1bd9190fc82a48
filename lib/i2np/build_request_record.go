package i2np

import (
	"encoding/binary"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/common/session_key"
	"github.com/go-i2p/crypto/rand"
	"github.com/samber/oops"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

/*
Long (ECIES) build request record, 464 bytes of cleartext:

	bytes     0-3: tunnel ID to receive messages as, nonzero
	bytes     4-7: next tunnel ID, nonzero
	bytes    8-39: next router identity hash
	bytes   40-71: AES-256 tunnel layer key
	bytes  72-103: AES-256 tunnel IV key
	bytes 104-135: AES-256 tunnel build reply key
	bytes 136-151: AES-256 tunnel build reply IV
	byte      152: flags
	bytes 153-155: more flags, unused, zero
	bytes 156-159: request time in minutes since the epoch
	bytes 160-163: request expiration in seconds since creation
	bytes 164-167: next message ID
	bytes   168-x: tunnel build options (Mapping)
	bytes   x-463: random padding

Short build request record, 154 bytes of cleartext. Keys are derived from
the handshake instead of being carried:

	bytes     0-3: tunnel ID to receive messages as, nonzero
	bytes     4-7: next tunnel ID, nonzero
	bytes    8-39: next router identity hash
	byte       40: flags
	bytes   41-42: more flags, unused, zero
	byte       43: layer encryption type
	bytes   44-47: request time in minutes since the epoch
	bytes   48-51: request expiration in seconds since creation
	bytes   52-55: next message ID
	bytes    56-x: tunnel build options (Mapping)
	bytes   x-153: random padding
*/

const (
	longOptionsOffset  = 168
	shortOptionsOffset = 56
)

// BuildRequestRecord is the cleartext a creator addresses to one hop.
type BuildRequestRecord struct {
	ReceiveTunnel tunnel.TunnelID
	NextTunnel    tunnel.TunnelID
	NextIdent     common.Hash

	// Long records only.
	LayerKey session_key.SessionKey
	IVKey    session_key.SessionKey
	ReplyKey session_key.SessionKey
	ReplyIV  [16]byte

	Flag            byte
	LayerEncryption byte
	RequestTime     time.Time
	Expiration      time.Duration
	SendMessageID   uint32
	Options         map[string]string
}

// IsInboundGateway reports whether the hop is asked to be an inbound gateway.
func (r *BuildRequestRecord) IsInboundGateway() bool { return r.Flag&FlagInboundGateway != 0 }

// IsOutboundEndpoint reports whether the hop is asked to be an outbound endpoint.
func (r *BuildRequestRecord) IsOutboundEndpoint() bool { return r.Flag&FlagOutboundEndpoint != 0 }

// Role maps the flags to a hop role.
func (r *BuildRequestRecord) Role() tunnel.HopRole {
	switch {
	case r.IsInboundGateway():
		return tunnel.RoleInboundGateway
	case r.IsOutboundEndpoint():
		return tunnel.RoleOutboundEndpoint
	default:
		return tunnel.RoleParticipant
	}
}

// MarshalLong encodes the 464-byte long cleartext.
func (r *BuildRequestRecord) MarshalLong() ([]byte, error) {
	b := make([]byte, StandardBuildRecordCleartextLen)
	binary.BigEndian.PutUint32(b[0:4], uint32(r.ReceiveTunnel))
	binary.BigEndian.PutUint32(b[4:8], uint32(r.NextTunnel))
	copy(b[8:40], r.NextIdent[:])
	copy(b[40:72], r.LayerKey[:])
	copy(b[72:104], r.IVKey[:])
	copy(b[104:136], r.ReplyKey[:])
	copy(b[136:152], r.ReplyIV[:])
	b[152] = r.Flag
	binary.BigEndian.PutUint32(b[156:160], minutesSinceEpoch(r.RequestTime))
	binary.BigEndian.PutUint32(b[160:164], uint32(r.Expiration/time.Second))
	binary.BigEndian.PutUint32(b[164:168], r.SendMessageID)
	if err := writeOptionsAndPadding(b, longOptionsOffset, r.Options); err != nil {
		return nil, err
	}
	return b, nil
}

// MarshalShort encodes the 154-byte short cleartext.
func (r *BuildRequestRecord) MarshalShort() ([]byte, error) {
	b := make([]byte, ShortBuildRecordCleartextLen)
	binary.BigEndian.PutUint32(b[0:4], uint32(r.ReceiveTunnel))
	binary.BigEndian.PutUint32(b[4:8], uint32(r.NextTunnel))
	copy(b[8:40], r.NextIdent[:])
	b[40] = r.Flag
	b[43] = r.LayerEncryption
	binary.BigEndian.PutUint32(b[44:48], minutesSinceEpoch(r.RequestTime))
	binary.BigEndian.PutUint32(b[48:52], uint32(r.Expiration/time.Second))
	binary.BigEndian.PutUint32(b[52:56], r.SendMessageID)
	if err := writeOptionsAndPadding(b, shortOptionsOffset, r.Options); err != nil {
		return nil, err
	}
	return b, nil
}

// ParseLongRecord decodes a long cleartext record.
func ParseLongRecord(b []byte) (*BuildRequestRecord, error) {
	if len(b) < StandardBuildRecordCleartextLen {
		return nil, ERR_BUILD_REQUEST_RECORD_NOT_ENOUGH_DATA
	}
	r := &BuildRequestRecord{
		ReceiveTunnel: tunnel.TunnelID(binary.BigEndian.Uint32(b[0:4])),
		NextTunnel:    tunnel.TunnelID(binary.BigEndian.Uint32(b[4:8])),
		Flag:          b[152],
		RequestTime:   timeFromMinutes(binary.BigEndian.Uint32(b[156:160])),
		Expiration:    time.Duration(binary.BigEndian.Uint32(b[160:164])) * time.Second,
		SendMessageID: binary.BigEndian.Uint32(b[164:168]),
	}
	copy(r.NextIdent[:], b[8:40])
	copy(r.LayerKey[:], b[40:72])
	copy(r.IVKey[:], b[72:104])
	copy(r.ReplyKey[:], b[104:136])
	copy(r.ReplyIV[:], b[136:152])
	opts, _, err := decodeOptions(b[longOptionsOffset:StandardBuildRecordCleartextLen])
	if err != nil {
		return nil, err
	}
	r.Options = opts
	return r, r.validate()
}

// ParseShortRecord decodes a short cleartext record.
func ParseShortRecord(b []byte) (*BuildRequestRecord, error) {
	if len(b) < ShortBuildRecordCleartextLen {
		return nil, ERR_BUILD_REQUEST_RECORD_NOT_ENOUGH_DATA
	}
	r := &BuildRequestRecord{
		ReceiveTunnel:   tunnel.TunnelID(binary.BigEndian.Uint32(b[0:4])),
		NextTunnel:      tunnel.TunnelID(binary.BigEndian.Uint32(b[4:8])),
		Flag:            b[40],
		LayerEncryption: b[43],
		RequestTime:     timeFromMinutes(binary.BigEndian.Uint32(b[44:48])),
		Expiration:      time.Duration(binary.BigEndian.Uint32(b[48:52])) * time.Second,
		SendMessageID:   binary.BigEndian.Uint32(b[52:56]),
	}
	copy(r.NextIdent[:], b[8:40])
	opts, _, err := decodeOptions(b[shortOptionsOffset:ShortBuildRecordCleartextLen])
	if err != nil {
		return nil, err
	}
	r.Options = opts
	return r, r.validate()
}

func (r *BuildRequestRecord) validate() error {
	if r.ReceiveTunnel == 0 {
		return oops.Errorf("build record has zero receive tunnel id")
	}
	if r.IsInboundGateway() && r.IsOutboundEndpoint() {
		return oops.Errorf("build record flags both gateway and endpoint")
	}
	return nil
}

func writeOptionsAndPadding(b []byte, offset int, opts map[string]string) error {
	enc, err := encodeOptions(opts)
	if err != nil {
		return err
	}
	if offset+len(enc) > len(b) {
		return oops.Errorf("record options too large: %d bytes", len(enc))
	}
	copy(b[offset:], enc)
	if _, err := rand.Read(b[offset+len(enc):]); err != nil {
		return oops.Errorf("failed to pad build record: %w", err)
	}
	return nil
}

func minutesSinceEpoch(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	return uint32(t.Unix() / 60)
}

func timeFromMinutes(m uint32) time.Time {
	return time.Unix(int64(m)*60, 0)
}
