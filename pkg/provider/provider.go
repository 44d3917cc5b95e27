// Package provider defines the Provider abstraction consumed by the
// control plane and the ProviderPool that wraps each registered
// provider with its own CircuitBreaker.
package provider

import "context"

// Options configures a generation request.
type Options struct {
	MaxTokens   int
	Temperature float64
	Model       string
	Timeout     int // seconds
}

// GenerationResult is the outcome of Provider.Generate.
type GenerationResult struct {
	Code        string
	Explanation string
	Confidence  float64
	TokensUsed  int
	Model       string
	Provider    string
}

// ValidationResult is the outcome of Provider.Validate.
type ValidationResult struct {
	IsValid     bool
	Errors      []string
	Warnings    []string
	Suggestions []string
}

// Provider is the external code-generation/validation collaborator. Implementations talk to a real LLM HTTP API; that transport is
// explicitly out of scope for this repository.
type Provider interface {
	// Name returns the provider's registered identifier.
	Name() string

	// Generate produces code from prompt per options.
	Generate(ctx context.Context, prompt string, options Options) (GenerationResult, error)

	// Validate checks generated code for correctness.
	Validate(ctx context.Context, code string) (ValidationResult, error)
}
