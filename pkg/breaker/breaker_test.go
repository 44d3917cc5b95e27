package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/autoqa/controlplane/pkg/apperrors"
)

// TestBreaker_OpensAfterThreshold mirrors scenario S4: a breaker with
// threshold=5, resetTimeout=100ms. Six failing calls: the first five
// surface the underlying error, the sixth fails fast with CircuitOpen.
func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(Config{
		Name:             "test-provider",
		FailureThreshold: 5,
		ResetTimeout:     100 * time.Millisecond,
		MonitoringPeriod: time.Minute,
	}, nil)

	boom := errors.New("boom")
	calls := 0
	failing := func(ctx context.Context) error {
		calls++
		return boom
	}

	for i := 0; i < 5; i++ {
		err := b.Execute(context.Background(), failing)
		if !errors.Is(err, boom) {
			t.Fatalf("call %d: expected underlying error, got %v", i+1, err)
		}
	}

	err := b.Execute(context.Background(), failing)
	if apperrors.KindOf(err) != apperrors.CircuitOpen {
		t.Fatalf("call 6: expected CircuitOpen, got %v", err)
	}
	if calls != 5 {
		t.Fatalf("underlying callable should not be invoked on the 6th call, invoked %d times", calls)
	}

	if b.State() != "open" {
		t.Fatalf("expected state open, got %s", b.State())
	}
}

// TestBreaker_RecoversAfterResetTimeout mirrors scenario S4's second half:
// after resetTimeout elapses, a successful probe call closes the breaker.
func TestBreaker_RecoversAfterResetTimeout(t *testing.T) {
	b := New(Config{
		Name:             "test-provider",
		FailureThreshold: 2,
		ResetTimeout:     50 * time.Millisecond,
		MonitoringPeriod: time.Minute,
	}, nil)

	boom := errors.New("boom")
	_ = b.Execute(context.Background(), func(ctx context.Context) error { return boom })
	_ = b.Execute(context.Background(), func(ctx context.Context) error { return boom })

	if b.State() != "open" {
		t.Fatalf("expected open after 2 consecutive failures, got %s", b.State())
	}

	time.Sleep(60 * time.Millisecond)

	if err := b.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("probe call should succeed: %v", err)
	}
	if b.State() != "closed" {
		t.Fatalf("expected closed after successful probe, got %s", b.State())
	}

	if err := b.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("subsequent call should succeed: %v", err)
	}
}
