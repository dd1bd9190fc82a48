package pool

import (
	"time"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

// FailureReason says why a build attempt produced no tunnel.
type FailureReason int

const (
	// FailRejected means at least one hop declined.
	FailRejected FailureReason = iota
	// FailTimeout means no reply arrived within the request timeout.
	FailTimeout
	// FailDecode means the reply could not be decrypted or verified.
	FailDecode
	// FailSendFailed means the request never reached the first hop.
	FailSendFailed
	// FailNoPairedTunnel means no tunnel existed to carry the request or reply.
	FailNoPairedTunnel
	// FailDispatch means the built tunnel could not be registered locally.
	FailDispatch
	// FailConfigure means the request could not be assembled.
	FailConfigure
)

func (r FailureReason) String() string {
	switch r {
	case FailRejected:
		return "rejected"
	case FailTimeout:
		return "timeout"
	case FailDecode:
		return "decode"
	case FailSendFailed:
		return "send-failed"
	case FailNoPairedTunnel:
		return "no-paired-tunnel"
	case FailDispatch:
		return "dispatch"
	case FailConfigure:
		return "configure"
	default:
		return "unknown"
	}
}

// BuildResult is the outcome of one build attempt: Built or Failed.
type BuildResult interface {
	Config() *tunnel.TunnelConfig
	isBuildResult()
}

// Built carries a tunnel every hop agreed to.
type Built struct {
	Tunnel   *tunnel.TunnelConfig
	Duration time.Duration
}

func (b Built) Config() *tunnel.TunnelConfig { return b.Tunnel }
func (Built) isBuildResult()                 {}

// Failed carries an attempt that produced no tunnel. Statuses holds one
// reply code per hop when a reply was decoded.
type Failed struct {
	Tunnel   *tunnel.TunnelConfig
	Reason   FailureReason
	Statuses []tunnel.BuildStatus
}

func (f Failed) Config() *tunnel.TunnelConfig { return f.Tunnel }
func (Failed) isBuildResult()                 {}
