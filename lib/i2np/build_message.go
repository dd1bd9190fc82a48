package i2np

import (
	"github.com/samber/oops"
)

// BuildMessage is a tunnel build request or reply: an ordered list of
// encrypted records of one generation.
type BuildMessage struct {
	Type    int
	Records [][]byte
}

// RecordCountFor returns the slot count for a tunnel of length hops,
// counting us.
func RecordCountFor(length int) int {
	switch {
	case length <= 4:
		return 4
	case length == 5:
		return 5
	default:
		return MaxBuildRecords
	}
}

// NewBuildMessage returns a request of the given generation with count empty slots.
func NewBuildMessage(gen RecordGeneration, count int) (*BuildMessage, error) {
	if count < 1 || count > MaxBuildRecords {
		return nil, oops.Errorf("invalid record count %d", count)
	}
	typ := I2NP_MESSAGE_TYPE_VARIABLE_TUNNEL_BUILD
	switch {
	case gen == GenerationShort:
		typ = I2NP_MESSAGE_TYPE_SHORT_TUNNEL_BUILD
	case count == MaxBuildRecords:
		typ = I2NP_MESSAGE_TYPE_TUNNEL_BUILD
	}
	m := &BuildMessage{Type: typ, Records: make([][]byte, count)}
	for i := range m.Records {
		m.Records[i] = make([]byte, gen.RecordSize())
	}
	return m, nil
}

// IsReply reports whether the message type is one of the reply types.
func (m *BuildMessage) IsReply() bool {
	switch m.Type {
	case I2NP_MESSAGE_TYPE_TUNNEL_BUILD_REPLY,
		I2NP_MESSAGE_TYPE_VARIABLE_TUNNEL_BUILD_REPLY,
		I2NP_MESSAGE_TYPE_SHORT_TUNNEL_BUILD_REPLY:
		return true
	}
	return false
}

// Generation returns the record format implied by the message type.
func (m *BuildMessage) Generation() RecordGeneration {
	switch m.Type {
	case I2NP_MESSAGE_TYPE_SHORT_TUNNEL_BUILD, I2NP_MESSAGE_TYPE_SHORT_TUNNEL_BUILD_REPLY:
		return GenerationShort
	}
	return GenerationLong
}

// ReplyType is the message type an outbound endpoint uses to return this request.
func (m *BuildMessage) ReplyType() int {
	switch m.Type {
	case I2NP_MESSAGE_TYPE_TUNNEL_BUILD:
		return I2NP_MESSAGE_TYPE_TUNNEL_BUILD_REPLY
	case I2NP_MESSAGE_TYPE_SHORT_TUNNEL_BUILD:
		return I2NP_MESSAGE_TYPE_SHORT_TUNNEL_BUILD_REPLY
	default:
		return I2NP_MESSAGE_TYPE_VARIABLE_TUNNEL_BUILD_REPLY
	}
}

// AsReply returns a copy of m carrying the reply type.
func (m *BuildMessage) AsReply() *BuildMessage {
	c := m.Clone()
	c.Type = m.ReplyType()
	return c
}

// Clone deep-copies the message.
func (m *BuildMessage) Clone() *BuildMessage {
	c := &BuildMessage{Type: m.Type, Records: make([][]byte, len(m.Records))}
	for i, r := range m.Records {
		c.Records[i] = append([]byte(nil), r...)
	}
	return c
}

// Bytes encodes the message body. Fixed-size TunnelBuild messages carry no
// count byte.
func (m *BuildMessage) Bytes() []byte {
	size := m.Generation().RecordSize()
	fixed := m.Type == I2NP_MESSAGE_TYPE_TUNNEL_BUILD || m.Type == I2NP_MESSAGE_TYPE_TUNNEL_BUILD_REPLY
	out := make([]byte, 0, 1+len(m.Records)*size)
	if !fixed {
		out = append(out, byte(len(m.Records)))
	}
	for _, r := range m.Records {
		out = append(out, r...)
	}
	return out
}

// ParseBuildMessage decodes a build message body of the given type.
func ParseBuildMessage(typ int, body []byte) (*BuildMessage, error) {
	m := &BuildMessage{Type: typ}
	size := m.Generation().RecordSize()
	count := MaxBuildRecords
	switch typ {
	case I2NP_MESSAGE_TYPE_TUNNEL_BUILD, I2NP_MESSAGE_TYPE_TUNNEL_BUILD_REPLY:
	case I2NP_MESSAGE_TYPE_VARIABLE_TUNNEL_BUILD, I2NP_MESSAGE_TYPE_VARIABLE_TUNNEL_BUILD_REPLY,
		I2NP_MESSAGE_TYPE_SHORT_TUNNEL_BUILD, I2NP_MESSAGE_TYPE_SHORT_TUNNEL_BUILD_REPLY:
		if len(body) < 1 {
			return nil, ERR_BUILD_MESSAGE_INVALID
		}
		count = int(body[0])
		body = body[1:]
	default:
		return nil, oops.Errorf("message type %d is not a build message", typ)
	}
	if count < 1 || count > MaxBuildRecords || len(body) != count*size {
		return nil, oops.Wrapf(ERR_BUILD_MESSAGE_INVALID, "%d records in %d bytes", count, len(body))
	}
	m.Records = make([][]byte, count)
	for i := range m.Records {
		m.Records[i] = append([]byte(nil), body[i*size:(i+1)*size]...)
	}
	return m, nil
}
