package tunnel

import "fmt"

// BuildStatus is the one-byte reply a hop writes into its build record.
// Higher values express a more severe rejection.
type BuildStatus int

const (
	BuildReplyCodeAccepted            BuildStatus = 0
	BuildReplyCodeProbabilisticReject BuildStatus = 10
	BuildReplyCodeTransientOverload   BuildStatus = 20
	BuildReplyCodeBandwidth           BuildStatus = 30
	BuildReplyCodeCritical            BuildStatus = 50

	// BuildReplyCodeDecodeFailure is never sent on the wire. It marks a reply
	// record that could not be decrypted or verified.
	BuildReplyCodeDecodeFailure BuildStatus = -1
)

// Accepted reports whether the hop agreed to join.
func (s BuildStatus) Accepted() bool {
	return s == BuildReplyCodeAccepted
}

func (s BuildStatus) String() string {
	switch s {
	case BuildReplyCodeAccepted:
		return "accepted"
	case BuildReplyCodeProbabilisticReject:
		return "probabilistic-reject"
	case BuildReplyCodeTransientOverload:
		return "transient-overload"
	case BuildReplyCodeBandwidth:
		return "bandwidth"
	case BuildReplyCodeCritical:
		return "critical"
	case BuildReplyCodeDecodeFailure:
		return "decode-failure"
	default:
		return fmt.Sprintf("status-%d", int(s))
	}
}

// Byte returns the wire encoding. Decode failures encode as critical.
func (s BuildStatus) Byte() byte {
	if s < 0 || s > 255 {
		return byte(BuildReplyCodeCritical)
	}
	return byte(s)
}
