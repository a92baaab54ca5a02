package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

var errProvider = errors.New("provider unavailable")

func testConfig() Config {
	return Config{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          50 * time.Millisecond,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := New("brave", testConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, func() error { return errProvider }); !errors.Is(err, errProvider) {
			t.Fatalf("execute %d: unexpected error %v", i, err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	if err := cb.Execute(ctx, func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen while tripped, got %v", err)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := New("exa", testConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errProvider })
	}
	if cb.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(60 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state after timeout = %v, want half-open", cb.State())
	}

	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, func() error { return nil }); err != nil {
			t.Fatalf("probe %d failed: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state after successful probes = %v, want closed", cb.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := New("serpapi", testConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errProvider })
	}
	time.Sleep(60 * time.Millisecond)

	_ = cb.Execute(ctx, func() error { return errProvider })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", cb.State())
	}
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	cb := New("wikipedia", testConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errProvider })
	_ = cb.Execute(ctx, func() error { return errProvider })
	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, func() error { return errProvider })
	_ = cb.Execute(ctx, func() error { return errProvider })

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after interleaved success", cb.State())
	}
}
