package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

const defaultOutboxBatch = 100

// outboxTable читает события в порядке seq: BIGSERIAL задаёт порядок постановки
// даже при одинаковом enqueued_at.
type outboxTable struct {
	db *sql.DB
}

// NewOutboxRepository создаёт outbox поверх таблицы transition_outbox.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxTable{db: store.DB()}
}

func (t *outboxTable) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO transition_outbox (id, aggregate_type, aggregate_id, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload)
	switch {
	case isUniqueViolation(err):
		return domain.OutboxMessage{}, fmt.Errorf("outbox event %s is already enqueued", msg.ID)
	case err != nil:
		return domain.OutboxMessage{}, classify(fmt.Errorf("enqueue outbox event %s: %w", msg.ID, err))
	}
	return msg, nil
}

func (t *outboxTable) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = defaultOutboxBatch
	}
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload
		FROM transition_outbox
		WHERE state = 'pending'
		ORDER BY seq
		LIMIT $1`, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("pull pending outbox events: %w", err))
	}
	defer rows.Close()

	var out []domain.OutboxMessage
	for rows.Next() {
		var msg domain.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Payload); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("read outbox events: %w", err))
	}
	return out, nil
}

func (t *outboxTable) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	err := t.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(enqueued_at)
		FROM transition_outbox
		WHERE state = 'pending'`).Scan(&stats.PendingCount, &oldest)
	if err != nil {
		return domain.OutboxStats{}, classify(fmt.Errorf("outbox backlog: %w", err))
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (t *outboxTable) MarkSent(ctx context.Context, id string) error {
	return t.finish(ctx, id, "sent")
}

func (t *outboxTable) MarkFailed(ctx context.Context, id string) error {
	return t.finish(ctx, id, "failed")
}

// finish завершает только pending-событие; повторная отметка возвращает domain.ErrOutboxPublish.
func (t *outboxTable) finish(ctx context.Context, id, state string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := t.db.ExecContext(ctx, `
		UPDATE transition_outbox
		SET state = $2, finished_at = NOW()
		WHERE id = $1 AND state = 'pending'`, id, state)
	if err != nil {
		return classify(fmt.Errorf("mark outbox event %s %s: %w", id, state, err))
	}
	return expectOneRow(res, fmt.Errorf("%w: event %s is not pending", domain.ErrOutboxPublish, id))
}

var _ domain.OutboxRepository = (*outboxTable)(nil)
