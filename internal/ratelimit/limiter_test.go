package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestFirstAttemptAllowed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New(DefaultConfig(), clock)

	d := l.Attempt("op-1")
	if !d.Allowed {
		t.Fatalf("expected first attempt to be allowed, got %v", d.Err)
	}
	if d.Record.AttemptsInWindow != 1 {
		t.Fatalf("expected 1 attempt in window, got %d", d.Record.AttemptsInWindow)
	}
	if !d.Record.WindowStart.Equal(clock.Now()) {
		t.Fatalf("expected window to start now")
	}
}

func TestCooldownBetweenAttempts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New(DefaultConfig(), clock)

	if !l.CanAttempt("op-1") {
		t.Fatal("expected first attempt to be allowed")
	}
	clock.Advance(30 * time.Second)
	d := l.Attempt("op-1")
	if d.Allowed || !errors.Is(d.Err, ErrCooldown) {
		t.Fatalf("expected cooldown rejection, got allowed=%v err=%v", d.Allowed, d.Err)
	}
	if d.RetryAfter != 30*time.Second {
		t.Fatalf("expected retry after 30s, got %s", d.RetryAfter)
	}
	if d.Record.AttemptsInWindow != 1 {
		t.Fatalf("rejected attempt must not be counted, got %d", d.Record.AttemptsInWindow)
	}

	clock.Advance(31 * time.Second)
	if !l.CanAttempt("op-1") {
		t.Fatal("expected attempt after cooldown to be allowed")
	}
}

func TestCooldownIsPerOperator(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New(DefaultConfig(), clock)

	if !l.CanAttempt("op-1") {
		t.Fatal("expected op-1 to be allowed")
	}
	if !l.CanAttempt("op-2") {
		t.Fatal("expected op-2 to be unaffected by op-1")
	}
}

func TestWindowExhaustionAndReset(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New(DefaultConfig(), clock)
	start := clock.Now()

	for i := 0; i < 10; i++ {
		if !l.CanAttempt("op-1") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
		clock.Advance(61 * time.Second)
	}

	d := l.Attempt("op-1")
	if d.Allowed || !errors.Is(d.Err, ErrWindowExhausted) {
		t.Fatalf("expected 11th attempt to be rejected, got allowed=%v err=%v", d.Allowed, d.Err)
	}
	if d.Record.AttemptsInWindow != 10 {
		t.Fatalf("expected 10 attempts recorded, got %d", d.Record.AttemptsInWindow)
	}

	clock.Advance(start.Add(time.Hour + time.Second).Sub(clock.Now()))
	d = l.Attempt("op-1")
	if !d.Allowed {
		t.Fatalf("expected attempt after window to be allowed, got %v", d.Err)
	}
	if d.Record.AttemptsInWindow != 1 {
		t.Fatalf("expected counter reset to 1, got %d", d.Record.AttemptsInWindow)
	}
	if !d.Record.WindowStart.Equal(clock.Now()) {
		t.Fatal("expected window start to move to now")
	}
}

func TestWindowAppliesAcrossTenantsForSameOperator(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New(Config{Window: time.Hour, MaxAttempts: 2, Cooldown: time.Second}, clock)

	// The limiter has no notion of tenant: the operator is the only key.
	for i := 0; i < 2; i++ {
		if !l.CanAttempt("op-1") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
		clock.Advance(2 * time.Second)
	}
	if l.CanAttempt("op-1") {
		t.Fatal("expected third attempt to be rejected")
	}
}

func TestEmptyOperatorRejected(t *testing.T) {
	l := New(DefaultConfig(), clockwork.NewFakeClock())
	d := l.Attempt("  ")
	if d.Allowed || !errors.Is(d.Err, ErrNoOperator) {
		t.Fatalf("expected ErrNoOperator, got allowed=%v err=%v", d.Allowed, d.Err)
	}
	if l.Len() != 0 {
		t.Fatalf("expected no records, got %d", l.Len())
	}
}

func TestPrune(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New(DefaultConfig(), clock)
	l.CanAttempt("op-1")
	clock.Advance(90 * time.Minute)
	l.CanAttempt("op-2")

	if n := l.Prune(); n != 0 {
		t.Fatalf("expected nothing pruned yet, got %d", n)
	}
	clock.Advance(31 * time.Minute)
	if n := l.Prune(); n != 1 {
		t.Fatalf("expected op-1 pruned, got %d", n)
	}
	if _, ok := l.Record("op-1"); ok {
		t.Fatal("expected op-1 record to be gone")
	}
	if _, ok := l.Record("op-2"); !ok {
		t.Fatal("expected op-2 record to remain")
	}
}
