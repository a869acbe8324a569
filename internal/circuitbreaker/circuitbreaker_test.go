package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errDown = errors.New("dependency down")

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New("test", cfg)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(ctx context.Context) error { return errDown }
func ok(ctx context.Context) error   { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, Cooldown: 30 * time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if b.State() != Closed {
			t.Fatalf("state before failure %d = %s, want closed", i, b.State())
		}
		if err := b.Do(ctx, fail); !errors.Is(err, errDown) {
			t.Fatalf("Do() error = %v", err)
		}
	}
	if b.State() != Open {
		t.Fatalf("state after threshold = %s, want open", b.State())
	}

	// Open: the wrapped call is not invoked.
	called := false
	err := b.Do(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("Do() while open error = %v, want ErrOpen", err)
	}
	if called {
		t.Error("wrapped call invoked while open")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, Cooldown: 30 * time.Second})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, ok)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)

	// Non-consecutive failures never reach the threshold.
	if b.State() != Closed {
		t.Fatalf("state = %s, want closed", b.State())
	}
}

func TestBreakerHalfOpenProbeCloses(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 2, Cooldown: 30 * time.Second, ProbeSuccesses: 2})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	if b.State() != Open {
		t.Fatalf("state = %s, want open", b.State())
	}

	*now = now.Add(31 * time.Second)
	if b.State() != HalfOpen {
		t.Fatalf("state after cooldown = %s, want half-open", b.State())
	}

	if err := b.Do(ctx, ok); err != nil {
		t.Fatalf("probe error = %v", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("state after one probe = %s, want half-open", b.State())
	}
	if err := b.Do(ctx, ok); err != nil {
		t.Fatalf("second probe error = %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("state after probes = %s, want closed", b.State())
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 2, Cooldown: 30 * time.Second, ProbeSuccesses: 2})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	*now = now.Add(31 * time.Second)

	if err := b.Do(ctx, fail); !errors.Is(err, errDown) {
		t.Fatalf("probe error = %v", err)
	}
	if b.State() != Open {
		t.Fatalf("state after failed probe = %s, want open", b.State())
	}

	// The new cooldown starts from the reopen.
	if err := b.Do(ctx, ok); !errors.Is(err, ErrOpen) {
		t.Fatalf("Do() inside second cooldown error = %v, want ErrOpen", err)
	}
}

func TestBreakerIgnoresContextCancellation(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, Cooldown: 30 * time.Second})

	// A cancelled ctx surfaced by the call does not count as a dependency
	// failure.
	err := b.Do(context.Background(), func(ctx context.Context) error {
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("state = %s, want closed", b.State())
	}

	// A ctx cancelled before admission short-circuits without calling fn.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err = b.Do(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() with cancelled ctx error = %v", err)
	}
	if called {
		t.Error("wrapped call invoked with cancelled ctx")
	}
}

func TestBreakerReset(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, Cooldown: time.Hour})
	_ = b.Do(context.Background(), fail)
	if b.State() != Open {
		t.Fatalf("state = %s, want open", b.State())
	}

	b.Reset()
	if b.State() != Closed {
		t.Fatalf("state after reset = %s, want closed", b.State())
	}
	if err := b.Do(context.Background(), ok); err != nil {
		t.Fatalf("Do() after reset error = %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	b := New("defaults", Config{})
	if b.cfg.FailureThreshold != 5 || b.cfg.Cooldown != 30*time.Second || b.cfg.ProbeSuccesses != 2 {
		t.Errorf("defaults = %+v", b.cfg)
	}
	if b.Name() != "defaults" {
		t.Errorf("Name() = %q", b.Name())
	}
}
