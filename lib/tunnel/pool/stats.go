package pool

import (
	"sync"
	"time"

	tdigest "github.com/caio/go-tdigest"
)

// Outcome classifies a finished build for the success ratios.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeReject
	OutcomeExpire
)

// outcomeWindow keeps the event times of one outcome inside a sliding window.
type outcomeWindow struct {
	times []time.Time
}

func (w *outcomeWindow) add(t time.Time) { w.times = append(w.times, t) }

func (w *outcomeWindow) count(since time.Time) int {
	i := 0
	for i < len(w.times) && w.times[i].Before(since) {
		i++
	}
	w.times = w.times[i:]
	return len(w.times)
}

type outcomeSet struct {
	success, reject, expire outcomeWindow
}

// BuildStats aggregates build outcomes and timings across pools.
// It implements tunnel.FailureStats for the exploratory selector.
type BuildStats struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time

	exploratory outcomeSet
	client      outcomeSet

	requestTimes *tdigest.TDigest
	requestCount uint64

	wastedReplies uint64
	slowReplies   uint64
}

// NewBuildStats returns stats whose success ratios cover the last window.
func NewBuildStats(window time.Duration, now func() time.Time) *BuildStats {
	if now == nil {
		now = time.Now
	}
	td, err := tdigest.New(tdigest.Compression(100))
	if err != nil {
		log.WithError(err).Error("failed to create build time digest")
	}
	return &BuildStats{window: window, now: now, requestTimes: td}
}

func (s *BuildStats) set(exploratory bool) *outcomeSet {
	if exploratory {
		return &s.exploratory
	}
	return &s.client
}

// Record counts one finished build.
func (s *BuildStats) Record(exploratory bool, o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	set := s.set(exploratory)
	switch o {
	case OutcomeSuccess:
		set.success.add(now)
	case OutcomeReject:
		set.reject.add(now)
	default:
		set.expire.add(now)
	}
}

// Counts returns successes, rejections and expirations inside the window.
func (s *BuildStats) Counts(exploratory bool) (success, reject, expire int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	since := s.now().Add(-s.window)
	set := s.set(exploratory)
	return set.success.count(since), set.reject.count(since), set.expire.count(since)
}

func (s *BuildStats) failRate(exploratory bool) float64 {
	ok, rej, exp := s.Counts(exploratory)
	total := ok + rej + exp
	if total == 0 {
		return 0
	}
	return float64(rej+exp) / float64(total)
}

func (s *BuildStats) ExploratoryFailRate() float64 { return s.failRate(true) }
func (s *BuildStats) ClientFailRate() float64      { return s.failRate(false) }

// AddRequestTime records how long assembling and sending one request took.
func (s *BuildStats) AddRequestTime(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requestTimes == nil {
		return
	}
	if err := s.requestTimes.Add(float64(d) / float64(time.Millisecond)); err == nil {
		s.requestCount++
	}
}

// MedianRequestTime returns the median request time in milliseconds.
func (s *BuildStats) MedianRequestTime() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requestTimes == nil || s.requestCount == 0 {
		return 0, false
	}
	return s.requestTimes.Quantile(0.5), true
}

func (s *BuildStats) addWasted() {
	s.mu.Lock()
	s.wastedReplies++
	s.mu.Unlock()
}

func (s *BuildStats) addSlow() {
	s.mu.Lock()
	s.slowReplies++
	s.mu.Unlock()
}

// LateReplies returns replies nobody waited for and replies that arrived
// after their attempt timed out.
func (s *BuildStats) LateReplies() (wasted, slow uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wastedReplies, s.slowReplies
}

// buildRatio averages how busy a pool's builder was over a window. Each
// count records either the builds wanted plus in flight or a plain busy flag.
type buildRatio struct {
	mu      sync.Mutex
	window  time.Duration
	samples []ratioSample
}

type ratioSample struct {
	at    time.Time
	value float64
}

func (r *buildRatio) add(at time.Time, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, ratioSample{at: at, value: v})
}

// average returns the mean sample inside the window ending at now.
func (r *buildRatio) average(now time.Time) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	since := now.Add(-r.window)
	i := 0
	for i < len(r.samples) && r.samples[i].at.Before(since) {
		i++
	}
	r.samples = r.samples[i:]
	if len(r.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range r.samples {
		sum += s.value
	}
	return sum / float64(len(r.samples))
}

func (r *buildRatio) reset() {
	r.mu.Lock()
	r.samples = nil
	r.mu.Unlock()
}
