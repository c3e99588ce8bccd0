package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

type historyLog struct {
	store *Store
}

// NewHistoryLog создаёт PostgreSQL-реализацию HistoryLog.
// Голова журнала заказа хранится в status_history_heads и блокируется через FOR UPDATE,
// поэтому добавления по одному заказу сериализуются, а по разным идут параллельно.
func NewHistoryLog(store *Store) domain.HistoryLog {
	return &historyLog{store: store}
}

func (l *historyLog) Append(ctx context.Context, record domain.StatusTransition, opts ...domain.AppendOption) (domain.StatusTransition, error) {
	if record.OrderID == "" {
		return domain.StatusTransition{}, domain.ErrOrderIDRequired
	}

	var sealed domain.StatusTransition
	err := l.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO status_history_heads (order_id, position, sequence_no, version, hash)
			VALUES ($1, 0, 0, 0, '')
			ON CONFLICT (order_id) DO NOTHING
		`, record.OrderID); err != nil {
			return classify(fmt.Errorf("ensure history head: %w", err))
		}

		var head domain.HistoryHead
		if err := tx.QueryRowContext(ctx, `
			SELECT position, sequence_no, version, hash
			FROM status_history_heads
			WHERE order_id = $1
			FOR UPDATE
		`, record.OrderID).Scan(&head.Position, &head.SequenceNo, &head.Version, &head.Hash); err != nil {
			return classify(fmt.Errorf("lock history head: %w", err))
		}
		if err := head.Admit(record, opts...); err != nil {
			return err
		}

		sealed = record.Seal(head)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO status_transitions (
				order_id, position, sequence_no, from_status, to_status, actor, reason, outcome,
				expected_version, result_version, occurred_at, prev_hash, hash
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`,
			sealed.OrderID, sealed.Position, sealed.SequenceNo, string(sealed.From), string(sealed.To),
			sealed.Actor, sealed.Reason, string(sealed.Outcome), sealed.ExpectedVersion, sealed.ResultVersion,
			sealed.Timestamp, sealed.PrevHash, sealed.Hash,
		); err != nil {
			return classify(fmt.Errorf("insert status transition: %w", err))
		}

		next := head.Advance(sealed)
		if _, err := tx.ExecContext(ctx, `
			UPDATE status_history_heads
			SET position = $2, sequence_no = $3, version = $4, hash = $5
			WHERE order_id = $1
		`, record.OrderID, next.Position, next.SequenceNo, next.Version, next.Hash); err != nil {
			return classify(fmt.Errorf("advance history head: %w", err))
		}
		return nil
	})
	if err != nil {
		return domain.StatusTransition{}, err
	}
	return sealed, nil
}

func (l *historyLog) Query(ctx context.Context, orderID string) ([]domain.StatusTransition, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := l.store.DB().QueryContext(ctx, `
		SELECT order_id, position, sequence_no, from_status, to_status, actor, reason, outcome,
		       expected_version, result_version, occurred_at, prev_hash, hash
		FROM status_transitions
		WHERE order_id = $1
		ORDER BY position ASC
	`, orderID)
	if err != nil {
		return nil, classify(fmt.Errorf("query status history: %w", err))
	}
	defer rows.Close()

	records := make([]domain.StatusTransition, 0)
	for rows.Next() {
		var (
			rec              domain.StatusTransition
			from, to, result string
		)
		if err := rows.Scan(
			&rec.OrderID, &rec.Position, &rec.SequenceNo, &from, &to, &rec.Actor, &rec.Reason, &result,
			&rec.ExpectedVersion, &rec.ResultVersion, &rec.Timestamp, &rec.PrevHash, &rec.Hash,
		); err != nil {
			return nil, fmt.Errorf("scan status transition: %w", err)
		}
		rec.From = domain.OrderStatus(from)
		rec.To = domain.OrderStatus(to)
		rec.Outcome = domain.TransitionOutcome(result)
		rec.Timestamp = rec.Timestamp.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, classify(err)
		}
		return nil, fmt.Errorf("iterate status history: %w", err)
	}
	return records, nil
}

var _ domain.HistoryLog = (*historyLog)(nil)
