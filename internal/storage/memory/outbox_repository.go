package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

type deliveryState int

const (
	statePending deliveryState = iota
	stateSent
	stateFailed
)

type queuedEvent struct {
	msg        domain.OutboxMessage
	state      deliveryState
	enqueuedAt time.Time
}

// outboxQueue хранит события в порядке постановки; порядок не зависит от разрешения часов.
type outboxQueue struct {
	mu     sync.Mutex
	events []*queuedEvent
	byID   map[string]*queuedEvent
	now    func() time.Time
}

// NewOutboxRepository создаёт in-memory outbox.
func NewOutboxRepository() domain.OutboxRepository {
	return &outboxQueue{
		byID: make(map[string]*queuedEvent),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (q *outboxQueue) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return domain.OutboxMessage{}, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Payload = append([]byte(nil), msg.Payload...)

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byID[msg.ID]; ok {
		return domain.OutboxMessage{}, fmt.Errorf("outbox event %s is already enqueued", msg.ID)
	}
	ev := &queuedEvent{msg: msg, enqueuedAt: q.now()}
	q.events = append(q.events, ev)
	q.byID[msg.ID] = ev
	return msg, nil
}

// PullPending возвращает до limit pending-событий в порядке постановки.
func (q *outboxQueue) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var out []domain.OutboxMessage
	for _, ev := range q.events {
		if ev.state != statePending {
			continue
		}
		msg := ev.msg
		msg.Payload = append([]byte(nil), ev.msg.Payload...)
		out = append(out, msg)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *outboxQueue) Stats(ctx context.Context) (domain.OutboxStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.OutboxStats{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var stats domain.OutboxStats
	for _, ev := range q.events {
		if ev.state != statePending {
			continue
		}
		if stats.PendingCount == 0 {
			stats.OldestPendingAt = ev.enqueuedAt
		}
		stats.PendingCount++
	}
	return stats, nil
}

func (q *outboxQueue) MarkSent(ctx context.Context, id string) error {
	return q.finish(ctx, id, stateSent)
}

func (q *outboxQueue) MarkFailed(ctx context.Context, id string) error {
	return q.finish(ctx, id, stateFailed)
}

// finish переводит pending-событие в конечное состояние. Завершённые события
// вычищаются из головы очереди.
func (q *outboxQueue) finish(ctx context.Context, id string, state deliveryState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ev, ok := q.byID[id]
	if !ok || ev.state != statePending {
		return fmt.Errorf("%w: event %s is not pending", domain.ErrOutboxPublish, id)
	}
	ev.state = state

	head := 0
	for head < len(q.events) && q.events[head].state != statePending {
		delete(q.byID, q.events[head].msg.ID)
		head++
	}
	if head > 0 {
		q.events = append(q.events[:0], q.events[head:]...)
	}
	return nil
}

var _ domain.OutboxRepository = (*outboxQueue)(nil)
