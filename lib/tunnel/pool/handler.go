package pool

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	tdigest "github.com/caio/go-tdigest"
	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/glycerine/idem"
	"golang.org/x/time/rate"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/i2np"
	"github.com/go-i2p/go-i2p-tunnelbuild/lib/tunnel"
	"github.com/go-i2p/go-i2p-tunnelbuild/lib/util/time/skew"
)

// Incoming is a build message that arrived from another router.
type Incoming struct {
	MessageID uint32
	Message   *i2np.BuildMessage
	// From is the router that sent it, zero when it came out of a tunnel.
	From     common.Hash
	Received time.Time
}

// BuildHandler answers build requests addressed to us and routes replies to
// the executor.
type BuildHandler struct {
	rc        *RouterContext
	exec      *BuildExecutor
	stats     *BuildStats
	processor *i2np.BuildRequestProcessor

	requestThrottle       *tunnel.Throttler
	participatingThrottle *tunnel.Throttler
	lookups               *rate.Limiter

	mu          sync.Mutex
	queue       []*Incoming
	handleTimes *tdigest.TDigest
	wake        chan struct{}

	loopMu  sync.Mutex
	halt    *idem.Halter
	running bool

	rnd func() float64
}

func newBuildHandler(rc *RouterContext, exec *BuildExecutor, stats *BuildStats) (*BuildHandler, error) {
	replay := rc.Config.Replay
	processor, err := i2np.NewBuildRequestProcessor(rc.LocalHash, rc.PrivateKey, replay.Capacity, replay.LongPeriod, replay.ShortPeriod)
	if err != nil {
		return nil, err
	}
	td, err := tdigest.New(tdigest.Compression(100))
	if err != nil {
		return nil, err
	}
	h := &BuildHandler{
		rc:          rc,
		exec:        exec,
		stats:       stats,
		processor:   processor,
		lookups:     rate.NewLimiter(rate.Limit(rc.Config.Handler.LookupsPerSecond), rc.Config.Handler.LookupBurst),
		handleTimes: td,
		wake:        make(chan struct{}, 1),
		rnd:         rand.Float64,
	}
	total := func() int { return rc.Dispatcher.ParticipatingCount() }
	h.requestThrottle = tunnel.NewThrottler("request", rc.Config.Throttle.Request, total)
	h.participatingThrottle = tunnel.NewThrottler("participating", rc.Config.Throttle.Participating, total)
	return h, nil
}

// Start runs the throttles and the request loop.
func (h *BuildHandler) Start() {
	h.loopMu.Lock()
	defer h.loopMu.Unlock()
	if h.running {
		return
	}
	h.requestThrottle.Start()
	h.participatingThrottle.Start()
	h.halt = idem.NewHalter()
	h.running = true
	go h.run(h.halt)
}

// Stop ends the request loop and drops whatever is queued.
func (h *BuildHandler) Stop() {
	h.loopMu.Lock()
	if !h.running {
		h.loopMu.Unlock()
		return
	}
	h.running = false
	halt := h.halt
	h.loopMu.Unlock()
	halt.ReqStop.Close()
	<-halt.Done.Chan
	h.requestThrottle.Stop()
	h.participatingThrottle.Stop()
	h.mu.Lock()
	h.queue = nil
	h.mu.Unlock()
}

// HandleMessage takes a build message delivered to us directly. It is
// either the reply to one of our inbound builds or a request for us to
// join a tunnel.
func (h *BuildHandler) HandleMessage(in *Incoming) {
	if in == nil || in.Message == nil {
		return
	}
	if in.Received.IsZero() {
		in.Received = h.rc.now()
	}
	switch a, res := h.exec.claim(in.MessageID, true); res {
	case claimFound:
		h.exec.handleReply(a, in.Message)
		return
	case claimLate:
		h.stats.addSlow()
		log.WithFields(logger.Fields{
			"at":         "(BuildHandler) HandleMessage",
			"phase":      "tunnel_build",
			"message_id": in.MessageID,
			"reason":     "late_reply",
		}).Debug("dropping late build reply")
		return
	}
	if in.Message.IsReply() {
		h.HandleReply(in.MessageID, in.Message)
		return
	}

	if !isZeroHash(in.From) {
		if v := h.requestThrottle.ShouldThrottle(in.From); v != tunnel.ThrottleAccept {
			log.WithFields(logger.Fields{
				"at":      "(BuildHandler) HandleMessage",
				"phase":   "tunnel_build",
				"from":    short(in.From),
				"verdict": v.String(),
				"reason":  "request_throttle",
			}).Debug("dropping build request")
			return
		}
	}
	if h.enqueue(in) {
		h.signal()
	}
}

// HandleReply routes a reply message for one of our outbound builds.
func (h *BuildHandler) HandleReply(msgID uint32, msg *i2np.BuildMessage) {
	switch a, res := h.exec.claim(msgID, false); res {
	case claimFound:
		h.exec.handleReply(a, msg)
	case claimLate:
		h.stats.addSlow()
		log.WithFields(logger.Fields{
			"at":         "(BuildHandler) HandleReply",
			"message_id": msgID,
			"reason":     "late_reply",
		}).Debug("dropping late build reply")
	default:
		h.stats.addWasted()
		log.WithFields(logger.Fields{
			"at":         "(BuildHandler) HandleReply",
			"message_id": msgID,
			"reason":     "unknown_reply",
		}).Debug("dropping unexpected build reply")
	}
}

// queueLimit scales with share bandwidth.
func (h *BuildHandler) queueLimit() int {
	cfg := h.rc.Config.Handler
	n := h.rc.Status.ShareKBps() / 8
	if n < cfg.MinQueue {
		return cfg.MinQueue
	}
	if n > cfg.MaxQueue {
		return cfg.MaxQueue
	}
	return n
}

// enqueue adds in to the request queue. Stale entries go first, then the
// oldest when the queue is full. A request that would likely wait past the
// timeout is dropped early at random.
func (h *BuildHandler) enqueue(in *Incoming) bool {
	timeout := h.rc.Config.Executor.RequestTimeout
	limit := h.queueLimit()

	h.mu.Lock()
	defer h.mu.Unlock()
	fresh := h.queue[:0]
	for _, q := range h.queue {
		if in.Received.Sub(q.Received) < timeout {
			fresh = append(fresh, q)
		}
	}
	for i := len(fresh); i < len(h.queue); i++ {
		h.queue[i] = nil
	}
	h.queue = fresh

	if median := h.handleTimes.Quantile(0.5); h.handleTimes.Count() > 0 && median > 0 {
		delay := float64(len(h.queue)) * median
		ratio := delay / float64(timeout.Milliseconds())
		if ratio > 0 && h.rnd() < ratio*ratio {
			log.WithFields(logger.Fields{
				"at":       "(BuildHandler) enqueue",
				"queued":   len(h.queue),
				"delay_ms": delay,
				"reason":   "overloaded",
			}).Debug("dropping build request early")
			return false
		}
	}
	if len(h.queue) >= limit {
		log.WithFields(logger.Fields{
			"at":     "(BuildHandler) enqueue",
			"queued": len(h.queue),
			"limit":  limit,
			"reason": "queue_full",
		}).Debug("dropping oldest build request")
		copy(h.queue, h.queue[1:])
		h.queue = h.queue[:len(h.queue)-1]
	}
	h.queue = append(h.queue, in)
	return true
}

// next pops the most recent request.
func (h *BuildHandler) next() *Incoming {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.queue)
	if n == 0 {
		return nil
	}
	in := h.queue[n-1]
	h.queue[n-1] = nil
	h.queue = h.queue[:n-1]
	return in
}

// Queued is the number of requests waiting.
func (h *BuildHandler) Queued() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

func (h *BuildHandler) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *BuildHandler) run(halt *idem.Halter) {
	defer halt.Done.Close()
	for {
		select {
		case <-h.wake:
		case <-halt.ReqStop.Chan:
			return
		}
		for {
			handled := 0
			for handled < h.rc.Config.Handler.MaxHandleAtOnce {
				in := h.next()
				if in == nil {
					break
				}
				h.handleRequest(in)
				handled++
			}
			if handled == 0 {
				break
			}
			select {
			case <-halt.ReqStop.Chan:
				return
			default:
			}
		}
	}
}

// handleRequest opens our record, runs the hard checks and resolves the
// next hop before deciding.
func (h *BuildHandler) handleRequest(in *Incoming) {
	start := time.Now()
	now := h.rc.now()
	cfg := h.rc.Config.Handler
	if now.Sub(in.Received) >= h.rc.Config.Executor.RequestTimeout {
		log.WithFields(logger.Fields{
			"at":     "(BuildHandler) handleRequest",
			"from":   short(in.From),
			"reason": "queued_too_long",
		}).Debug("dropping build request")
		return
	}

	req, err := h.processor.Decrypt(in.Message)
	if err != nil {
		fields := logger.Fields{
			"at":   "(BuildHandler) handleRequest",
			"from": short(in.From),
		}
		if errors.Is(err, i2np.ERR_DUPLICATE_RECORD) {
			log.WithFields(fields).Warn("dropping replayed build request")
		} else {
			log.WithFields(fields).WithError(err).Debug("dropping undecryptable build request")
		}
		return
	}
	rec := req.Record

	if err := skew.Check(rec.RequestTime, now, cfg.MaxRequestAge, cfg.MaxRequestFuture); err != nil {
		log.WithFields(logger.Fields{
			"at":     "(BuildHandler) handleRequest",
			"from":   short(in.From),
			"reason": "bad_request_time",
		}).WithError(err).Warn("dropping build request")
		return
	}

	next := rec.NextIdent
	if (!isZeroHash(in.From) && next == in.From) || (next == h.rc.LocalHash && !rec.IsOutboundEndpoint()) {
		log.WithFields(logger.Fields{
			"at":     "(BuildHandler) handleRequest",
			"from":   short(in.From),
			"next":   short(next),
			"reason": "loop",
		}).Warn("dropping looping build request")
		return
	}

	if next == h.rc.LocalHash {
		h.respond(in, req, now)
		h.recordHandleTime(time.Since(start))
		return
	}
	if _, ok := h.rc.NetDB.LookupLocal(next); ok {
		h.respond(in, req, now)
		h.recordHandleTime(time.Since(start))
		return
	}
	if !h.lookups.Allow() {
		log.WithFields(logger.Fields{
			"at":     "(BuildHandler) handleRequest",
			"next":   short(next),
			"reason": "lookup_budget",
		}).Debug("dropping build request with unknown next hop")
		return
	}
	go h.lookupThenRespond(in, req)
}

func (h *BuildHandler) lookupThenRespond(in *Incoming, req *i2np.DecryptedRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), h.rc.Config.Handler.NextHopLookupTimeout)
	defer cancel()
	next := req.Record.NextIdent
	if _, err := h.rc.NetDB.LookupAsync(ctx, next); err != nil {
		log.WithFields(logger.Fields{
			"at":     "(BuildHandler) lookupThenRespond",
			"next":   short(next),
			"reason": "lookup_failed",
		}).WithError(err).Debug("dropping build request with unknown next hop")
		return
	}
	h.respond(in, req, h.rc.now())
}

func (h *BuildHandler) recordHandleTime(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	if math.IsNaN(ms) || ms < 0 {
		return
	}
	h.mu.Lock()
	_ = h.handleTimes.Add(ms)
	h.mu.Unlock()
}

// respond decides, joins when accepted, writes our reply and forwards the
// message to the next hop.
func (h *BuildHandler) respond(in *Incoming, req *i2np.DecryptedRequest, now time.Time) {
	rec := req.Record
	f := h.gatherFacts(in, req, now)
	d := h.decide(f)

	if d.status != tunnel.BuildReplyCodeAccepted && !d.drop &&
		h.rc.Transport.NearConnectionLimit() && !f.nextConnected {
		d = decision{drop: true, reason: "congested"}
	}
	if d.drop {
		log.WithFields(logger.Fields{
			"at":     "(BuildHandler) respond",
			"phase":  "tunnel_build",
			"from":   short(in.From),
			"next":   short(rec.NextIdent),
			"reason": d.reason,
		}).Debug("dropping build request")
		return
	}

	if d.status == tunnel.BuildReplyCodeAccepted {
		if err := h.join(rec, req.Keys, now); err != nil {
			log.WithFields(logger.Fields{
				"at":        "(BuildHandler) respond",
				"tunnel_id": rec.ReceiveTunnel,
			}).WithError(err).Warn("failed to join tunnel")
			d.status = tunnel.BuildReplyCodeProbabilisticReject
		}
	}

	if err := h.processor.Respond(in.Message, req, d.status); err != nil {
		log.WithFields(logger.Fields{
			"at": "(BuildHandler) respond",
		}).WithError(err).Warn("failed to write build reply")
		return
	}
	log.WithFields(logger.Fields{
		"at":        "(BuildHandler) respond",
		"phase":     "tunnel_build",
		"tunnel_id": rec.ReceiveTunnel,
		"role":      rec.Role().String(),
		"status":    d.status.String(),
		"reason":    d.reason,
	}).Debug("answered build request")

	env := Envelope{
		MessageID:  rec.SendMessageID,
		Message:    in.Message,
		Expiration: now.Add(h.rc.Config.Handler.ForwardExpiration),
		ToPeer:     rec.NextIdent,
	}
	if rec.IsOutboundEndpoint() {
		env.Message = in.Message.AsReply()
		env.ToTunnel = rec.NextTunnel
	}
	h.rc.Transport.Send(env, nil)
}

// join registers the hop we agreed to be.
func (h *BuildHandler) join(rec *i2np.BuildRequestRecord, keys i2np.ReplyKeys, now time.Time) error {
	hop := &tunnel.HopConfig{
		Peer:          h.rc.LocalHash,
		ReceiveTunnel: rec.ReceiveTunnel,
		SendTunnel:    rec.NextTunnel,
		SendTo:        rec.NextIdent,
		LayerKey:      keys.LayerKey,
		IVKey:         keys.IVKey,
		Role:          rec.Role(),
		Creation:      now,
		Expiration:    now.Add(h.rc.Config.Handler.ParticipatingLifetime),
	}
	switch hop.Role {
	case tunnel.RoleInboundGateway:
		return h.rc.Dispatcher.JoinInboundGateway(hop)
	case tunnel.RoleOutboundEndpoint:
		return h.rc.Dispatcher.JoinOutboundEndpoint(hop)
	default:
		return h.rc.Dispatcher.JoinParticipant(hop)
	}
}
