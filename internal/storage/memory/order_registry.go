package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// orderRegistryInMemory — in-memory реестр заказов с compare-and-swap под мьютексом.
type orderRegistryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Order
}

// NewOrderRegistry возвращает in-memory реестр для локальной разработки и тестов.
func NewOrderRegistry() domain.OrderRegistry {
	return &orderRegistryInMemory{
		items: make(map[string]domain.Order),
	}
}

// Create сохраняет новый заказ, если ID ещё не занят.
func (r *orderRegistryInMemory) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	if order.ID == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.ID]; exists {
		return domain.Order{}, domain.ErrOrderAlreadyExists
	}
	// Храним копию, чтобы вызывающий код не мог мутировать payload.
	r.items[order.ID] = order.Clone()
	return order.Clone(), nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRegistryInMemory) Get(ctx context.Context, id string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

// List возвращает заказы под фильтр по возрастанию EnteredStatusAt.
func (r *orderRegistryInMemory) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	result := make([]domain.Order, 0, len(r.items))
	for _, order := range r.items {
		if filter.Match(order) {
			result = append(result, order.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].EnteredStatusAt.Equal(result[j].EnteredStatusAt) {
			return result[i].EnteredStatusAt.Before(result[j].EnteredStatusAt)
		}
		return result[i].ID < result[j].ID
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}

	return result, nil
}

// CompareAndSwap применяет переход, только если (статус, версия) совпали с ожиданием.
func (r *orderRegistryInMemory) CompareAndSwap(
	ctx context.Context,
	id string,
	expected domain.Expectation,
	target domain.OrderStatus,
	at time.Time,
) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if !expected.Matches(current) {
		return domain.Order{}, domain.NewConflictError(current)
	}

	current.Status = target
	current.Version++
	current.EnteredStatusAt = at.UTC()
	r.items[id] = current
	return current.Clone(), nil
}

var _ domain.OrderRegistry = (*orderRegistryInMemory)(nil)
