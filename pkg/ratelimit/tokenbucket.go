// Package ratelimit implements two independent token buckets: a
// tokens-per-minute bucket and a requests-per-minute bucket. Both refill
// linearly over a 60-second window.
package ratelimit

import (
	"sync"
	"time"

	"github.com/autoqa/controlplane/pkg/apperrors"
	"github.com/autoqa/controlplane/pkg/clock"
)

// Bucket is a single linearly-refilling token bucket bounded to capacity
// points per 60-second window.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // points per second
	last       time.Time
	clk        clock.Clock
}

// NewBucket creates a Bucket with the given per-minute capacity, starting
// full.
func NewBucket(perMinute float64, clk clock.Clock) *Bucket {
	if clk == nil {
		clk = clock.System{}
	}
	return &Bucket{
		capacity:   perMinute,
		tokens:     perMinute,
		refillRate: perMinute / 60.0,
		last:       clk.Now(),
		clk:        clk,
	}
}

func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// Consume attempts to remove n points. On success it returns true. On
// failure it returns false and the duration until n points will be
// available.
func (b *Bucket) Consume(n float64) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	b.refillLocked(now)

	if b.tokens >= n {
		b.tokens -= n
		return true, 0
	}

	deficit := n - b.tokens
	if b.refillRate <= 0 {
		return false, time.Hour
	}
	wait := time.Duration(deficit/b.refillRate*float64(time.Second)) + time.Millisecond
	return false, wait
}

// Remaining reports the current point balance (for status reporting).
func (b *Bucket) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.clk.Now())
	return b.tokens
}

// TokenBucket pairs the tokens-per-minute and requests-per-minute buckets
// that gate every ProviderPool.Generate call.
type TokenBucket struct {
	tokens   *Bucket
	requests *Bucket
}

// Config enumerates every recognized TokenBucket option, per the Design
// Notes' "single configuration record, every option enumerated" rule.
type Config struct {
	TokensPerMinute   float64
	RequestsPerMinute float64
}

// New creates a TokenBucket from cfg.
func New(cfg Config, clk clock.Clock) *TokenBucket {
	return &TokenBucket{
		tokens:   NewBucket(cfg.TokensPerMinute, clk),
		requests: NewBucket(cfg.RequestsPerMinute, clk),
	}
}

// ConsumeRequest consumes n requests (normally 1) from the requests bucket.
func (t *TokenBucket) ConsumeRequest(n int) error {
	ok, wait := t.requests.Consume(float64(n))
	if !ok {
		return apperrors.NewRateLimited(wait)
	}
	return nil
}

// ConsumeTokens consumes n points from the tokens bucket.
func (t *TokenBucket) ConsumeTokens(n int) error {
	ok, wait := t.tokens.Consume(float64(n))
	if !ok {
		return apperrors.NewRateLimited(wait)
	}
	return nil
}

// EstimateTokens implements the estimation formula
// ceil(promptLength/4) + maxTokens.
func EstimateTokens(promptLength, maxTokens int) int {
	estimate := (promptLength + 3) / 4
	return estimate + maxTokens
}

// Status reports the current balance of both buckets.
type Status struct {
	TokensRemaining   float64
	RequestsRemaining float64
}

// Status returns the current bucket balances.
func (t *TokenBucket) Status() Status {
	return Status{
		TokensRemaining:   t.tokens.Remaining(),
		RequestsRemaining: t.requests.Remaining(),
	}
}
