package circuit

import (
	"context"
	"sync"
	"time"
)

// Status is the breaker state reported back to callers after a hit attempt.
// CountInWindow includes the current hit when it was admitted.
type Status struct {
	WindowSec     int
	MaxPerWindow  int
	CountInWindow int
	Tripped       bool
}

// Breaker bounds the rate of confirmed live actions per key over a rolling
// window. A tripped hit is not counted, so capacity frees up as old hits
// age out.
type Breaker interface {
	Hit(ctx context.Context, key string) (Status, error)
	Peek(ctx context.Context, key string) (Status, error)
}

// MemoryBreaker is the single-process implementation: per-key hit timestamps
// pruned on every call.
type MemoryBreaker struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	hits   map[string][]time.Time
	now    func() time.Time
}

func NewMemory(window time.Duration, max int) *MemoryBreaker {
	if window <= 0 {
		window = 60 * time.Second
	}
	if max <= 0 {
		max = 2
	}
	return &MemoryBreaker{
		window: window,
		max:    max,
		hits:   map[string][]time.Time{},
		now:    time.Now,
	}
}

func (b *MemoryBreaker) Hit(ctx context.Context, key string) (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	live := b.pruneLocked(key, now)
	st := Status{WindowSec: int(b.window / time.Second), MaxPerWindow: b.max}
	if len(live) >= b.max {
		st.CountInWindow = len(live)
		st.Tripped = true
		return st, nil
	}
	live = append(live, now)
	b.hits[key] = live
	st.CountInWindow = len(live)
	return st, nil
}

func (b *MemoryBreaker) Peek(ctx context.Context, key string) (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	live := b.pruneLocked(key, b.now())
	return Status{
		WindowSec:     int(b.window / time.Second),
		MaxPerWindow:  b.max,
		CountInWindow: len(live),
		Tripped:       len(live) >= b.max,
	}, nil
}

func (b *MemoryBreaker) pruneLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-b.window)
	prev := b.hits[key]
	live := prev[:0]
	for _, ts := range prev {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}
	if len(live) == 0 {
		delete(b.hits, key)
		return nil
	}
	b.hits[key] = live
	return live
}
