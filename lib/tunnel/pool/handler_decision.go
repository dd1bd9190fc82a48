package pool

import (
	"math"
	"time"

	common "github.com/go-i2p/common/data"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/i2np"
	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
)

// requestFacts is what the accept decision looks at.
type requestFacts struct {
	// age is how long the request has been with us.
	age               time.Duration
	requestedDuration time.Duration
	idInUse           bool
	from              common.Hash
	next              common.Hash
	nextConnected     bool
	// endpoint is set when next is the reply gateway rather than a tunnel hop.
	endpoint bool
}

type decision struct {
	status tunnel.BuildStatus
	drop   bool
	reason string
}

func (h *BuildHandler) gatherFacts(in *Incoming, req *i2np.DecryptedRequest, now time.Time) requestFacts {
	rec := req.Record
	return requestFacts{
		age:               now.Sub(in.Received),
		requestedDuration: rec.Expiration,
		idInUse:           h.rc.Dispatcher.HasParticipatingTunnel(rec.ReceiveTunnel),
		from:              in.From,
		next:              rec.NextIdent,
		nextConnected:     rec.NextIdent == h.rc.LocalHash || h.rc.Transport.IsConnected(rec.NextIdent),
		endpoint:          rec.IsOutboundEndpoint(),
	}
}

// decide runs the accept checks in order and stops at the first that fails.
func (h *BuildHandler) decide(f requestFacts) decision {
	timeout := h.rc.Config.Executor.RequestTimeout

	if ceiling := h.rc.Config.Handler.MaxRequestedDuration; ceiling > 0 && f.requestedDuration > ceiling {
		return decision{drop: true, reason: "duration_too_long"}
	}
	if f.idInUse {
		return decision{status: tunnel.BuildReplyCodeProbabilisticReject, reason: "id_in_use"}
	}
	if f.age > timeout {
		return decision{status: tunnel.BuildReplyCodeTransientOverload, reason: "queued_too_long"}
	}
	if st := h.rc.Admission.AcceptTunnelRequest(); st != tunnel.BuildReplyCodeAccepted {
		return decision{status: st, reason: "admission"}
	}
	if f.age > 0 {
		p := math.Pow(float64(f.age)/float64(3*timeout), 16)
		if h.rnd() < p {
			return decision{status: tunnel.BuildReplyCodeProbabilisticReject, reason: "slow_processing"}
		}
	}
	if h.rc.Transport.NearConnectionLimit() && !f.nextConnected && !h.rc.Status.HighestBandwidthClass() {
		return decision{status: tunnel.BuildReplyCodeBandwidth, reason: "connection_limit"}
	}
	for _, peer := range []common.Hash{f.from, f.next} {
		if isZeroHash(peer) || peer == h.rc.LocalHash {
			continue
		}
		switch h.participatingThrottle.ShouldThrottle(peer) {
		case tunnel.ThrottleReject:
			return decision{status: tunnel.BuildReplyCodeBandwidth, reason: "peer_throttled"}
		case tunnel.ThrottleDrop:
			return decision{drop: true, reason: "peer_throttled"}
		}
	}
	return decision{status: tunnel.BuildReplyCodeAccepted}
}
