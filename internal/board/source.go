package board

import (
	"context"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/workflow"
)

// SnapshotSource отдаёт текущий снимок заказов для доски.
// Опрос можно заменить подпиской, не трогая координатор.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context) ([]domain.Order, error)
}

// Transitioner отправляет запрос перехода и возвращает новое авторитетное состояние.
type Transitioner interface {
	Transition(ctx context.Context, req workflow.TransitionRequest) (domain.Order, error)
}

// OrderLister — источник заказов по фильтру: движок или HTTP-клиент.
type OrderLister interface {
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
}

type pollingSource struct {
	lister         OrderLister
	terminalWindow time.Duration
	now            func() time.Time
}

// NewPollingSource опрашивает все нетерминальные заказы и терминальные,
// вошедшие в статус не раньше terminalWindow назад.
func NewPollingSource(lister OrderLister, terminalWindow time.Duration) SnapshotSource {
	return &pollingSource{
		lister:         lister,
		terminalWindow: terminalWindow,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (s *pollingSource) FetchSnapshot(ctx context.Context) ([]domain.Order, error) {
	return s.lister.ListOrders(ctx, domain.OrderFilter{
		TerminalSince: s.now().Add(-s.terminalWindow),
	})
}

// TransitionerFunc адаптирует функцию к Transitioner.
type TransitionerFunc func(ctx context.Context, req workflow.TransitionRequest) (domain.Order, error)

func (f TransitionerFunc) Transition(ctx context.Context, req workflow.TransitionRequest) (domain.Order, error) {
	return f(ctx, req)
}

// EngineTransitioner подключает координатор к движку в том же процессе.
func EngineTransitioner(engine *workflow.Engine) Transitioner {
	return TransitionerFunc(func(ctx context.Context, req workflow.TransitionRequest) (domain.Order, error) {
		res, err := engine.RequestTransition(ctx, req)
		if err != nil {
			return domain.Order{}, err
		}
		return res.Order, nil
	})
}
