package authz

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingGate struct {
	calls int
	err   error
	allow bool
}

func (g *countingGate) Can(context.Context, string, string, string) (bool, error) {
	g.calls++
	return g.allow, g.err
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	next := &countingGate{err: errors.New("connection refused")}
	cb := WithCircuitBreaker(next, 2, time.Minute, loggerForTests())

	for i := 0; i < 2; i++ {
		if _, err := cb.Can(context.Background(), "ops", "transition:ready", "o-1"); err == nil {
			t.Fatalf("attempt %d: expected remote error", i+1)
		}
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open breaker, got %s", cb.State())
	}

	allowed, err := cb.Can(context.Background(), "ops", "transition:ready", "o-1")
	if allowed || !errors.Is(err, ErrCircuitOpen) || !errors.Is(err, ErrGateUnavailable) {
		t.Fatalf("expected fast deny, got allowed=%v err=%v", allowed, err)
	}
	if next.calls != 2 {
		t.Fatalf("open breaker must not call the gate, calls=%d", next.calls)
	}
}

func TestCircuitBreaker_DenyIsNotAFailure(t *testing.T) {
	next := &countingGate{allow: false}
	cb := WithCircuitBreaker(next, 1, time.Minute, loggerForTests())

	for i := 0; i < 3; i++ {
		allowed, err := cb.Can(context.Background(), "guest", "transition:ready", "o-1")
		if allowed || err != nil {
			t.Fatalf("expected plain deny, got allowed=%v err=%v", allowed, err)
		}
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("deny decisions must keep the breaker closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	next := &countingGate{err: errors.New("boom")}
	cb := WithCircuitBreaker(next, 1, 10*time.Second, loggerForTests())
	cb.now = func() time.Time { return now }

	_, _ = cb.Can(context.Background(), "ops", "transition:ready", "o-1")
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	// пробная проверка снова падает: цепь размыкается заново
	now = now.Add(11 * time.Second)
	if _, err := cb.Can(context.Background(), "ops", "transition:ready", "o-1"); errors.Is(err, ErrCircuitOpen) {
		t.Fatal("probe should reach the gate after reset timeout")
	}
	if cb.State() != CircuitOpen || next.calls != 2 {
		t.Fatalf("failed probe must reopen: state=%s calls=%d", cb.State(), next.calls)
	}

	now = now.Add(11 * time.Second)
	next.err = nil
	next.allow = true
	allowed, err := cb.Can(context.Background(), "ops", "transition:ready", "o-1")
	if !allowed || err != nil {
		t.Fatalf("expected successful probe, got allowed=%v err=%v", allowed, err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("successful probe must close the breaker, got %s", cb.State())
	}
}

func TestCircuitBreaker_SingleProbeInHalfOpen(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	cb := WithCircuitBreaker(GateFunc(func(ctx context.Context, _, _, _ string) (bool, error) {
		close(entered)
		<-release
		return true, nil
	}), 1, 0, loggerForTests())
	cb.state = CircuitOpen

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cb.Can(context.Background(), "ops", "transition:ready", "o-1")
	}()
	<-entered

	if _, err := cb.Can(context.Background(), "ops", "transition:ready", "o-2"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("concurrent check during probe must be rejected, got %v", err)
	}
	close(release)
	<-done
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed after probe, got %s", cb.State())
	}
}
