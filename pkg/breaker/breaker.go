// Package breaker implements a Closed/Open/HalfOpen circuit breaker,
// wrapping github.com/sony/gobreaker (adopted from the
// jordigilh-kubernaut pack member, whose go.mod requires it directly for
// exactly this purpose) rather than hand-rolling the state machine.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/autoqa/controlplane/pkg/apperrors"
)

// Config enumerates every recognized CircuitBreaker option.
type Config struct {
	Name             string
	FailureThreshold uint32        // consecutive failures before tripping to Open
	ResetTimeout     time.Duration // time in Open before a probe is allowed (HalfOpen)
	MonitoringPeriod time.Duration // window over which closed-state counts are cleared
}

// Breaker wraps a single gobreaker.CircuitBreaker with the domain's error
// taxonomy and state-change logging.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
	log  *slog.Logger
}

// New creates a Breaker from cfg. Calls are logged via logger on every
// opened/closed transition.
func New(cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{name: cfg.Name, log: logger}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1, // a single probe call is allowed in HalfOpen
		Interval:    cfg.MonitoringPeriod,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				logger.Warn("circuit breaker opened", "breaker", name, "from", from.String())
			case gobreaker.StateClosed:
				logger.Info("circuit breaker closed", "breaker", name, "from", from.String())
			case gobreaker.StateHalfOpen:
				logger.Info("circuit breaker half-open probe", "breaker", name)
			}
		},
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Execute runs fn through the breaker. When the breaker is open (or the
// half-open probe slot is occupied), it fails fast with a CircuitOpen
// apperrors.Error without invoking fn.
//
// Cancellation: Execute wraps fn synchronously with respect to ctx — fn is
// expected to honor ctx itself; Execute does not spawn a goroutine, so a
// cancelled ctx surfaces through fn's own return value.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.NewCircuitOpen(b.name)
	}
	return err
}

// State reports the breaker's current state as a domain string
// ("closed" | "open" | "half-open").
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Counts exposes the breaker's current failure/success counters, used by
// ProviderPool.Status to report per-provider failureCount.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}
