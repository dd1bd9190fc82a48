package i2np

import (
	"errors"
)

// I2NP build message types.
const (
	I2NP_MESSAGE_TYPE_TUNNEL_BUILD                = 21
	I2NP_MESSAGE_TYPE_TUNNEL_BUILD_REPLY          = 22
	I2NP_MESSAGE_TYPE_VARIABLE_TUNNEL_BUILD       = 23
	I2NP_MESSAGE_TYPE_VARIABLE_TUNNEL_BUILD_REPLY = 24
	I2NP_MESSAGE_TYPE_SHORT_TUNNEL_BUILD          = 25
	I2NP_MESSAGE_TYPE_SHORT_TUNNEL_BUILD_REPLY    = 26
)

// These use errors.New (not oops.Errorf) so callers can match them with errors.Is().
var (
	ERR_BUILD_REQUEST_RECORD_NOT_ENOUGH_DATA  = errors.New("not enough i2np build request record data")
	ERR_BUILD_RESPONSE_RECORD_NOT_ENOUGH_DATA = errors.New("not enough i2np build response record data")
	ERR_BUILD_MESSAGE_INVALID                 = errors.New("malformed tunnel build message")
	ERR_NO_RECORD_FOR_US                      = errors.New("no build record addressed to us")
	ERR_RECORD_DECRYPT                        = errors.New("build record decryption failed")
	ERR_DUPLICATE_RECORD                      = errors.New("duplicate build record")
	ERR_REPLY_INTEGRITY                       = errors.New("build reply failed verification")
)

// Build record sizes.
// Long records are 528 bytes on the wire: toPeer(16) + ephemeral key(32) +
// 464 bytes of ciphertext + MAC(16). Short records are 218 bytes with 154
// bytes of ciphertext.
const (
	StandardBuildRecordSize         = 528
	ShortBuildRecordSize            = 218
	StandardBuildRecordCleartextLen = 464
	ShortBuildRecordCleartextLen    = 154
	StandardReplyCleartextLen       = 512
	ShortReplyCleartextLen          = 202
	ShortRecordHeaderSize           = 64
	TruncatedHashLen                = 16
	EphemeralKeyLen                 = 32
	MACLen                          = 16

	// MaxBuildRecords is the record count of a fixed-size TunnelBuild message
	// and the upper bound for the variable formats.
	MaxBuildRecords = 8

	// DefaultExpirationSeconds is the requested tunnel lifetime written into records.
	DefaultExpirationSeconds = 600
)

// Record flag bits.
const (
	FlagInboundGateway   byte = 0x80
	FlagOutboundEndpoint byte = 0x40
)
