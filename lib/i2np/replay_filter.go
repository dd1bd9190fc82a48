package i2np

import (
	"runtime/debug"
	"sync"
	"time"
)

// ReplayFilter remembers record reply keys for at least one period and at
// most two. It keeps two generations and swaps them when the period ends.
// A full generation refuses new keys until the next rotation, so a flood of
// fresh records can never push a remembered key out early.
type ReplayFilter struct {
	mu         sync.Mutex
	current    map[[32]byte]struct{}
	previous   map[[32]byte]struct{}
	capacity   int
	period     time.Duration
	lastRotate time.Time
	now        func() time.Time
}

// NewReplayFilter returns a filter holding up to capacity keys per generation.
func NewReplayFilter(capacity int, period time.Duration) *ReplayFilter {
	if capacity <= 0 {
		capacity = ReplayCapacityForMemory()
	}
	f := &ReplayFilter{
		current:  make(map[[32]byte]struct{}),
		previous: make(map[[32]byte]struct{}),
		capacity: capacity,
		period:   period,
		now:      time.Now,
	}
	f.lastRotate = f.now()
	return f
}

// CheckAndAdd returns true if key must be refused: it was already seen, or
// the filter is full. Otherwise it records key and returns false.
func (f *ReplayFilter) CheckAndAdd(key [32]byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	if now.Sub(f.lastRotate) >= f.period {
		f.previous = f.current
		f.current = make(map[[32]byte]struct{}, len(f.previous))
		f.lastRotate = now
	}
	if _, ok := f.current[key]; ok {
		return true
	}
	if _, ok := f.previous[key]; ok {
		return true
	}
	if len(f.current) >= f.capacity {
		return true
	}
	f.current[key] = struct{}{}
	return false
}

// Len returns the number of keys remembered.
func (f *ReplayFilter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.current) + len(f.previous)
}

// ReplayCapacityForMemory scales the per-generation capacity with the
// process memory limit: 32 entries per MiB, between 4096 and 256k. Without
// a limit 1 GiB is assumed.
func ReplayCapacityForMemory() int {
	limit := debug.SetMemoryLimit(-1)
	mib := int64(1024)
	if limit > 0 && limit < 1<<50 {
		mib = limit >> 20
	}
	c := mib * 32
	if c < 4096 {
		c = 4096
	}
	if c > 256*1024 {
		c = 256 * 1024
	}
	return int(c)
}
