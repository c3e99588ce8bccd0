package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// orderHistory — журнал одного заказа со своим мьютексом.
type orderHistory struct {
	mu      sync.Mutex
	head    domain.HistoryHead
	records []domain.StatusTransition
}

// historyLogInMemory сериализует добавления внутри заказа, не блокируя другие заказы.
type historyLogInMemory struct {
	mu     sync.RWMutex
	orders map[string]*orderHistory
}

// NewHistoryLog создаёт in-memory реализацию HistoryLog.
func NewHistoryLog() domain.HistoryLog {
	return &historyLogInMemory{orders: make(map[string]*orderHistory)}
}

func (l *historyLogInMemory) forOrder(orderID string) *orderHistory {
	l.mu.RLock()
	h, ok := l.orders[orderID]
	l.mu.RUnlock()
	if ok {
		return h
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok = l.orders[orderID]; !ok {
		h = &orderHistory{}
		l.orders[orderID] = h
	}
	return h
}

// Append запечатывает запись относительно головы журнала заказа и сохраняет её.
func (l *historyLogInMemory) Append(ctx context.Context, record domain.StatusTransition, opts ...domain.AppendOption) (domain.StatusTransition, error) {
	if err := ctx.Err(); err != nil {
		return domain.StatusTransition{}, err
	}
	if record.OrderID == "" {
		return domain.StatusTransition{}, domain.ErrOrderIDRequired
	}

	h := l.forOrder(record.OrderID)
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.head.Admit(record, opts...); err != nil {
		return domain.StatusTransition{}, err
	}
	sealed := record.Seal(h.head)
	h.records = append(h.records, sealed)
	h.head = h.head.Advance(sealed)
	return sealed, nil
}

// Query возвращает копию записей заказа в порядке Position.
func (l *historyLogInMemory) Query(ctx context.Context, orderID string) ([]domain.StatusTransition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	h, ok := l.orders[orderID]
	l.mu.RUnlock()
	if !ok {
		return []domain.StatusTransition{}, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	result := make([]domain.StatusTransition, len(h.records))
	copy(result, h.records)
	return result, nil
}

var _ domain.HistoryLog = (*historyLogInMemory)(nil)
