package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

func sampleOrder(t *testing.T, id string, at time.Time) domain.Order {
	t.Helper()

	order, err := domain.NewOrder(id, []byte(`{"items":[{"sku":"ramen","qty":2}]}`), at)
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	return order
}

func TestOrderRegistry_PostgresCreateGetList(t *testing.T) {
	store := migratedStore(t)
	registry := NewOrderRegistry(store)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	first := sampleOrder(t, "order-1", now.Add(-2*time.Minute))
	second := sampleOrder(t, "order-2", now.Add(-time.Minute))

	if _, err := registry.Create(ctx, first); err != nil {
		t.Fatalf("create first: %v", err)
	}
	if _, err := registry.Create(ctx, second); err != nil {
		t.Fatalf("create second: %v", err)
	}
	if _, err := registry.Create(ctx, first); !errors.Is(err, domain.ErrOrderAlreadyExists) {
		t.Fatalf("expected ErrOrderAlreadyExists, got %v", err)
	}

	got, err := registry.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if got.Status != domain.OrderStatusPending || got.Version != domain.InitialOrderVersion {
		t.Fatalf("unexpected stored order: %+v", got)
	}
	if !got.EnteredStatusAt.Equal(first.EnteredStatusAt) {
		t.Fatalf("entered_status_at mismatch: got=%s want=%s", got.EnteredStatusAt, first.EnteredStatusAt)
	}

	listed, err := registry.List(ctx, domain.OrderFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list with limit: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != first.ID {
		t.Fatalf("expected oldest order first, got %+v", listed)
	}

	if _, err := registry.Get(ctx, "missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderRegistry_PostgresCompareAndSwap(t *testing.T) {
	store := migratedStore(t)
	registry := NewOrderRegistry(store)
	ctx := context.Background()

	order := sampleOrder(t, "order-cas", time.Now().UTC().Add(-time.Minute))
	if _, err := registry.Create(ctx, order); err != nil {
		t.Fatalf("create: %v", err)
	}

	at := time.Now().UTC().Truncate(time.Microsecond)
	updated, err := registry.CompareAndSwap(ctx, order.ID,
		domain.Expectation{Status: domain.OrderStatusPending, Version: 1},
		domain.OrderStatusConfirmed, at)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if updated.Status != domain.OrderStatusConfirmed || updated.Version != 2 || !updated.EnteredStatusAt.Equal(at) {
		t.Fatalf("unexpected cas result: %+v", updated)
	}

	_, err = registry.CompareAndSwap(ctx, order.ID,
		domain.Expectation{Status: domain.OrderStatusPending, Version: 1},
		domain.OrderStatusCancelled, time.Now())
	current, ok := domain.ConflictState(err)
	if !ok || current.Version != 2 || current.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected conflict with live state, got err=%v state=%+v", err, current)
	}

	if _, err := registry.CompareAndSwap(ctx, "missing",
		domain.Expectation{Status: domain.OrderStatusPending, Version: 1},
		domain.OrderStatusConfirmed, time.Now()); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderRegistry_PostgresConcurrentCompareAndSwap(t *testing.T) {
	store := migratedStore(t)
	registry := NewOrderRegistry(store)
	ctx := context.Background()

	order := sampleOrder(t, "order-race", time.Now().UTC())
	if _, err := registry.Create(ctx, order); err != nil {
		t.Fatalf("create: %v", err)
	}

	targets := []domain.OrderStatus{domain.OrderStatusConfirmed, domain.OrderStatusCancelled, domain.OrderStatusConfirmed, domain.OrderStatusCancelled}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, target := range targets {
		wg.Add(1)
		go func(target domain.OrderStatus) {
			defer wg.Done()
			_, err := registry.CompareAndSwap(ctx, order.ID,
				domain.Expectation{Status: domain.OrderStatusPending, Version: 1}, target, time.Now())
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !domain.IsVersionConflict(err) {
				t.Errorf("unexpected cas error: %v", err)
			}
		}(target)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestOrderRegistry_PostgresListBoardFilter(t *testing.T) {
	store := migratedStore(t)
	registry := NewOrderRegistry(store)
	ctx := context.Background()
	now := time.Now().UTC()

	active := sampleOrder(t, "active", now.Add(-10*time.Minute))
	oldDone := sampleOrder(t, "old-done", now.Add(-3*time.Hour))
	freshDone := sampleOrder(t, "fresh-done", now.Add(-time.Minute))
	oldDone.Status = domain.OrderStatusDelivered
	freshDone.Status = domain.OrderStatusCancelled

	for _, o := range []domain.Order{active, oldDone, freshDone} {
		if _, err := registry.Create(ctx, o); err != nil {
			t.Fatalf("create %s: %v", o.ID, err)
		}
	}

	board, err := registry.List(ctx, domain.OrderFilter{TerminalSince: now.Add(-15 * time.Minute)})
	if err != nil {
		t.Fatalf("list board: %v", err)
	}
	if len(board) != 2 || board[0].ID != "active" || board[1].ID != "fresh-done" {
		t.Fatalf("unexpected board snapshot: %+v", board)
	}

	cancelled, err := registry.List(ctx, domain.OrderFilter{Statuses: []domain.OrderStatus{domain.OrderStatusCancelled}})
	if err != nil {
		t.Fatalf("list cancelled: %v", err)
	}
	if len(cancelled) != 1 || cancelled[0].ID != "fresh-done" {
		t.Fatalf("unexpected cancelled list: %+v", cancelled)
	}
}
