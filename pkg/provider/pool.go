package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/autoqa/controlplane/pkg/apperrors"
	"github.com/autoqa/controlplane/pkg/breaker"
)

// entry pairs a registered Provider with its own CircuitBreaker — breaker
// state is never shared across providers.
type entry struct {
	provider Provider
	breaker  *breaker.Breaker
}

// PoolConfig enumerates every recognized ProviderPool option.
type PoolConfig struct {
	DefaultProvider  string
	FallbackProvider string
	Breaker          breaker.Config // applied per-provider (Name is overridden per entry)
	// FallbackBackoff is the base of the single, randomized pacing wait
	// before a fallback attempt after any non-RateLimited error (D.3).
	FallbackBackoff time.Duration
}

// Pool maintains one Provider per registered name, each wrapped in its own
// CircuitBreaker.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*entry
	cfg     PoolConfig
	log     *slog.Logger
}

// NewPool creates an empty ProviderPool.
func NewPool(cfg PoolConfig, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FallbackBackoff <= 0 {
		cfg.FallbackBackoff = 250 * time.Millisecond
	}
	return &Pool{entries: make(map[string]*entry), cfg: cfg, log: logger}
}

// Register adds a Provider to the pool, wrapping it in its own breaker.
func (p *Pool) Register(prov Provider) {
	bcfg := p.cfg.Breaker
	bcfg.Name = prov.Name()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[prov.Name()] = &entry{provider: prov, breaker: breaker.New(bcfg, p.log)}
}

func (p *Pool) get(name string) (*entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[name]
	return e, ok
}

// Generate tries the configured default provider; on any error other than
// RateLimited it tries the configured fallback once. A RateLimited
// error is returned immediately without fallback, since a fallback call
// would still draw from the same user-facing token budget.
func (p *Pool) Generate(ctx context.Context, prompt string, options Options) (GenerationResult, error) {
	result, err := p.callNamed(ctx, p.cfg.DefaultProvider, prompt, options)
	if err == nil {
		return result, nil
	}
	if apperrors.Is(err, apperrors.RateLimited) {
		return GenerationResult{}, err
	}
	if p.cfg.FallbackProvider == "" || p.cfg.FallbackProvider == p.cfg.DefaultProvider {
		return GenerationResult{}, err
	}

	p.log.Warn("provider generate failed, trying fallback",
		"default", p.cfg.DefaultProvider, "fallback", p.cfg.FallbackProvider, "error", err)

	if waitErr := p.pace(ctx); waitErr != nil {
		return GenerationResult{}, waitErr
	}

	fbResult, fbErr := p.callNamed(ctx, p.cfg.FallbackProvider, prompt, options)
	if fbErr != nil {
		return GenerationResult{}, fbErr
	}
	return fbResult, nil
}

// pace waits a single bounded backoff interval before the fallback attempt,
// honoring ctx cancellation (D.3).
func (p *Pool) pace(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.FallbackBackoff
	wait := bo.NextBackOff()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Pool) callNamed(ctx context.Context, name string, prompt string, options Options) (GenerationResult, error) {
	e, ok := p.get(name)
	if !ok {
		return GenerationResult{}, apperrors.New(apperrors.ProviderErrorFatal, fmt.Sprintf("provider %q not registered", name))
	}

	var result GenerationResult
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		r, genErr := e.provider.Generate(ctx, prompt, options)
		if genErr != nil {
			return genErr
		}
		result = r
		return nil
	})
	if err != nil {
		return GenerationResult{}, err
	}
	return result, nil
}

// Validate runs the named provider's Validate, defaulting to the pool's
// default provider when name is empty.
func (p *Pool) Validate(ctx context.Context, name, code string) (ValidationResult, error) {
	if name == "" {
		name = p.cfg.DefaultProvider
	}
	e, ok := p.get(name)
	if !ok {
		return ValidationResult{}, apperrors.New(apperrors.ProviderErrorFatal, fmt.Sprintf("provider %q not registered", name))
	}

	var result ValidationResult
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		r, valErr := e.provider.Validate(ctx, code)
		if valErr != nil {
			return valErr
		}
		result = r
		return nil
	})
	return result, err
}

// ProviderStatus is one entry of GetProviderStatus.
type ProviderStatus struct {
	Available    bool
	CircuitState string
	FailureCount uint32
}

// Status returns the per-provider status map exposed via
// GetProviderStatus.
func (p *Pool) Status() map[string]ProviderStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]ProviderStatus, len(p.entries))
	for name, e := range p.entries {
		state := e.breaker.State()
		out[name] = ProviderStatus{
			Available:    state != "open",
			CircuitState: state,
			FailureCount: e.breaker.Counts().ConsecutiveFailures,
		}
	}
	return out
}
