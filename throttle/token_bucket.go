// Package throttle limits how fast hits leave the dispatcher.
package throttle

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultCapacity = 60
	DefaultFillRate = 0.5
)

// TokenBucket is a lazily refilled token bucket. It never blocks or queues
// callers; Consume only answers whether the tokens are available right now.
type TokenBucket struct {
	clock clockwork.Clock

	mut      sync.Mutex
	capacity float64
	tokens   float64
	fillRate float64
	refilled time.Time
}

// NewTokenBucket returns a full bucket holding capacity tokens that refills
// at fillRate tokens per second.
func NewTokenBucket(capacity, fillRate float64, clock clockwork.Clock) (*TokenBucket, error) {
	if capacity < 0 || math.IsNaN(capacity) || math.IsInf(capacity, 0) {
		return nil, fmt.Errorf("invalid token bucket capacity %v", capacity)
	}
	if fillRate < 0 || math.IsNaN(fillRate) || math.IsInf(fillRate, 0) {
		return nil, fmt.Errorf("invalid token bucket fill rate %v", fillRate)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenBucket{
		clock:    clock,
		capacity: capacity,
		tokens:   capacity,
		fillRate: fillRate,
		refilled: clock.Now(),
	}, nil
}

// Consume takes n tokens if at least n are available and reports whether it
// did. A refused call takes nothing.
func (b *TokenBucket) Consume(n float64) bool {
	b.mut.Lock()
	defer b.mut.Unlock()

	b.refill()
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

func (b *TokenBucket) ConsumeOne() bool {
	return b.Consume(1)
}

// Tokens returns the number of tokens currently available.
func (b *TokenBucket) Tokens() float64 {
	b.mut.Lock()
	defer b.mut.Unlock()

	b.refill()
	return b.tokens
}

// refill must be called with mut held.
func (b *TokenBucket) refill() {
	now := b.clock.Now()
	elapsed := now.Sub(b.refilled).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.fillRate)
	}
	b.refilled = now
}
