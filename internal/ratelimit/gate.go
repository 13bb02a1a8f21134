package ratelimit

import (
	"sync"
	"time"

	"github.com/cortexhub/cortex/internal/metrics"
)

// StreamGate bounds the number of concurrently open streaming responses
// per subject. It is in-process state: streams live and die on the
// gateway instance that opened them.
type StreamGate struct {
	mu       sync.Mutex
	open     map[string]int
	maxPerID int
	avgDur   time.Duration
	met      *metrics.Metrics
	nowFn    func() time.Time
}

func NewStreamGate(maxPerID int, met *metrics.Metrics) *StreamGate {
	return &StreamGate{
		open:     make(map[string]int),
		maxPerID: maxPerID,
		avgDur:   10 * time.Second,
		met:      met,
		nowFn:    time.Now,
	}
}

// Acquire reserves a stream slot for the subject. On success it returns a
// release func that must be called exactly once when the stream ends,
// however it ends. On exhaustion it returns ok=false and a retry hint
// derived from the observed average stream duration.
func (g *StreamGate) Acquire(subject string) (release func(), retryAfter time.Duration, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.maxPerID > 0 && g.open[subject] >= g.maxPerID {
		return nil, g.avgDur / 2, false
	}
	g.open[subject]++
	g.met.StreamsOpen.Inc()

	start := g.nowFn()
	var once sync.Once
	return func() {
		once.Do(func() { g.release(subject, g.nowFn().Sub(start)) })
	}, 0, true
}

func (g *StreamGate) release(subject string, dur time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.open[subject] <= 1 {
		delete(g.open, subject)
	} else {
		g.open[subject]--
	}
	g.met.StreamsOpen.Dec()

	// Exponential moving average of stream durations, used for 429 hints.
	g.avgDur = (g.avgDur*7 + dur) / 8
}

// Open reports the number of streams currently held by the subject.
func (g *StreamGate) Open(subject string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open[subject]
}
