package domain

import (
	"context"
	"time"
)

// OrderRegistry — авторитетный источник статуса, версии и enteredStatusAt.
// CompareAndSwap — единственный путь изменения статуса.
type OrderRegistry interface {
	// Create регистрирует новый заказ; ErrOrderAlreadyExists при повторном ID.
	Create(ctx context.Context, order Order) (Order, error)
	// Get возвращает заказ или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// List возвращает заказы, подходящие под фильтр, по возрастанию EnteredStatusAt.
	List(ctx context.Context, filter OrderFilter) ([]Order, error)
	// CompareAndSwap переводит заказ в target, если живые (статус, версия) совпадают с expected.
	// Версия растёт ровно на единицу. При расхождении возвращается *ConflictError,
	// при отсутствии заказа — ErrOrderNotFound.
	CompareAndSwap(ctx context.Context, id string, expected Expectation, target OrderStatus, at time.Time) (Order, error)
}

// HistoryLog — журнал попыток перехода только на добавление.
// Добавления в рамках одного заказа сериализуются, разных заказов — независимы.
type HistoryLog interface {
	// Append запечатывает запись (позиция, номер, хэш) и сохраняет её.
	// Применённые переходы принимаются только по порядку версий, см. HistoryHead.Admit.
	Append(ctx context.Context, record StatusTransition, opts ...AppendOption) (StatusTransition, error)
	// Query возвращает все записи заказа в порядке Position.
	Query(ctx context.Context, orderID string) ([]StatusTransition, error)
}

// AuthorizationGate — внешнее решение «да/нет» по действию актора над заказом.
type AuthorizationGate interface {
	Can(ctx context.Context, actor, action, orderID string) (bool, error)
}

// TransitionAction формирует имя действия для шлюза авторизации.
func TransitionAction(target OrderStatus) string {
	return "transition:" + string(target)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// ReceiptStore хранит квитанции команд по Idempotency-Key.
type ReceiptStore interface {
	// Reserve занимает ключ pending-квитанцией. Живая квитанция возвращается вместе
	// с ErrReceiptExists или ErrReceiptMismatch; просроченная перезаписывается.
	Reserve(ctx context.Context, receipt CommandReceipt) (CommandReceipt, error)
	Lookup(ctx context.Context, key string) (CommandReceipt, error)
	// Complete сохраняет окончательный ответ.
	Complete(ctx context.Context, key string, statusCode int, response []byte) error
	// Release снимает pending-квитанцию, чтобы повтор выполнил команду заново.
	Release(ctx context.Context, key string) error
	// Purge удаляет до limit квитанций с ExpiresAt <= before; limit<=0 снимает ограничение.
	Purge(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
