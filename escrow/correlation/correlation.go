// Package correlation generates caller-side identifiers for chains that
// derive record addresses from trade and purchase ids.
package correlation

import (
	"math/rand/v2"
	"sync"
	"time"
)

// SuffixBits is the width of the random suffix appended to the millisecond
// timestamp. Millisecond timestamps fit in 41 bits until 2039, so ids stay
// within 53 bits and survive a round trip through JSON numbers.
const SuffixBits = 12

const suffixMask = 1<<SuffixBits - 1

// Generator produces ids of the form (unix millis << SuffixBits) | random.
// Ids from one generator are strictly increasing.
type Generator struct {
	mu   sync.Mutex
	now  func() time.Time
	rand func() uint64
	last uint64
}

// Option customises a Generator.
type Option func(*Generator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// WithRandom overrides the suffix source.
func WithRandom(fn func() uint64) Option {
	return func(g *Generator) {
		if fn != nil {
			g.rand = fn
		}
	}
}

// New constructs a Generator.
func New(opts ...Option) *Generator {
	g := &Generator{now: time.Now, rand: rand.Uint64}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Next returns a fresh id. When the clock has not moved past the previous id
// the previous id plus one is returned instead.
func (g *Generator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := uint64(g.now().UnixMilli())
	id := ms<<SuffixBits | (g.rand() & suffixMask)
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return id
}

// Timestamp recovers the millisecond timestamp component of id.
func Timestamp(id uint64) time.Time {
	return time.UnixMilli(int64(id >> SuffixBits))
}
