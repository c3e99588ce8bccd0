package board

import (
	"testing"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

func TestClassify_PendingThresholds(t *testing.T) {
	thresholds := DefaultThresholds()
	entered := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		after     time.Duration
		tier      Tier
		remaining time.Duration
	}{
		{0, TierNormal, 30 * time.Minute},
		{9 * time.Minute, TierNormal, 21 * time.Minute},
		{10 * time.Minute, TierWarn, 20 * time.Minute},
		{11 * time.Minute, TierWarn, 19 * time.Minute},
		{21 * time.Minute, TierDanger, 9 * time.Minute},
		{30 * time.Minute, TierDanger, 0},
		{31 * time.Minute, TierOverdue, 0},
		{3 * time.Hour, TierOverdue, 0},
	}

	for _, tc := range cases {
		elapsed := Elapsed(entered.Add(tc.after), entered)
		tier, remaining := Classify(domain.OrderStatusPending, elapsed, thresholds)
		if tier != tc.tier {
			t.Errorf("T+%s: expected tier %s, got %s", tc.after, tc.tier, tier)
		}
		if remaining != tc.remaining {
			t.Errorf("T+%s: expected remaining %s, got %s", tc.after, tc.remaining, remaining)
		}
	}
}

func TestClassify_StatusSpecificThresholds(t *testing.T) {
	thresholds := DefaultThresholds()

	if tier, _ := Classify(domain.OrderStatusReady, 15*time.Minute, thresholds); tier != TierNormal {
		t.Fatalf("ready order at 15m should be normal, got %s", tier)
	}
	if tier, _ := Classify(domain.OrderStatusPending, 15*time.Minute, thresholds); tier != TierWarn {
		t.Fatalf("pending order at 15m should be warn, got %s", tier)
	}
}

func TestClassify_TerminalIsAlwaysNormal(t *testing.T) {
	for _, status := range []domain.OrderStatus{domain.OrderStatusDelivered, domain.OrderStatusCancelled} {
		tier, remaining := Classify(status, 10*time.Hour, DefaultThresholds())
		if tier != TierNormal || remaining != 0 {
			t.Fatalf("%s: expected normal/0, got %s/%s", status, tier, remaining)
		}
	}
}

func TestElapsed_ClampsServerClockAhead(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	if got := Elapsed(now, now.Add(2*time.Second)); got != 0 {
		t.Fatalf("expected 0 for future enteredStatusAt, got %s", got)
	}
}

func TestThresholdsValidate(t *testing.T) {
	for status, limits := range DefaultThresholds() {
		if err := limits.Validate(); err != nil {
			t.Fatalf("default thresholds for %s invalid: %v", status, err)
		}
	}

	bad := Thresholds{Warn: 20 * time.Minute, Danger: 10 * time.Minute, Budget: 30 * time.Minute}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for warn > danger")
	}
	if err := (Thresholds{}).Validate(); err == nil {
		t.Fatal("expected error for zero thresholds")
	}
}

func TestBackoff(t *testing.T) {
	interval := 5 * time.Second
	max := 30 * time.Second

	cases := map[int]time.Duration{
		0: 0,
		1: 5 * time.Second,
		2: 10 * time.Second,
		3: 20 * time.Second,
		4: 30 * time.Second,
		9: 30 * time.Second,
	}
	for failures, want := range cases {
		if got := backoff(interval, max, failures); got != want {
			t.Errorf("failures=%d: expected %s, got %s", failures, want, got)
		}
	}
}
