package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

const defaultReceiptTTL = 24 * time.Hour

type receiptStore struct {
	store *Store
}

// NewReceiptStore создаёт PostgreSQL-реализацию ReceiptStore поверх таблицы command_receipts.
func NewReceiptStore(store *Store) domain.ReceiptStore {
	return &receiptStore{store: store}
}

// Reserve вставляет pending-квитанцию одним запросом. Просроченная строка
// перезаписывается в том же INSERT, живая остаётся и возвращается вызывающему.
func (s *receiptStore) Reserve(ctx context.Context, receipt domain.CommandReceipt) (domain.CommandReceipt, error) {
	receipt.Key = strings.TrimSpace(receipt.Key)
	if receipt.Key == "" {
		return domain.CommandReceipt{}, domain.ErrReceiptKeyRequired
	}
	if strings.TrimSpace(receipt.Fingerprint) == "" {
		return domain.CommandReceipt{}, domain.ErrReceiptFingerprintRequired
	}

	now := time.Now().UTC()
	if receipt.ExpiresAt.IsZero() {
		receipt.ExpiresAt = now.Add(defaultReceiptTTL)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err := s.store.db.QueryRowContext(ctx, `
		INSERT INTO command_receipts (key, fingerprint, order_id, state, expires_at, created_at)
		VALUES ($1, $2, $3, 'pending', $4, $5)
		ON CONFLICT (key) DO UPDATE
		SET fingerprint  = EXCLUDED.fingerprint,
		    order_id     = EXCLUDED.order_id,
		    state        = 'pending',
		    status_code  = NULL,
		    response     = NULL,
		    expires_at   = EXCLUDED.expires_at,
		    created_at   = EXCLUDED.created_at,
		    completed_at = NULL
		WHERE command_receipts.expires_at <= EXCLUDED.created_at
		RETURNING created_at
	`, receipt.Key, receipt.Fingerprint, receipt.OrderID, receipt.ExpiresAt, now).Scan(&receipt.CreatedAt)
	switch {
	case err == nil:
		receipt.State = domain.ReceiptPending
		receipt.StatusCode = 0
		receipt.Response = nil
		receipt.CompletedAt = time.Time{}
		return receipt, nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return domain.CommandReceipt{}, classify(fmt.Errorf("reserve receipt: %w", err))
	}

	existing, err := s.Lookup(ctx, receipt.Key)
	if err != nil {
		return domain.CommandReceipt{}, err
	}
	if existing.Fingerprint != receipt.Fingerprint {
		return existing, domain.ErrReceiptMismatch
	}
	return existing, domain.ErrReceiptExists
}

func (s *receiptStore) Lookup(ctx context.Context, key string) (domain.CommandReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		r           domain.CommandReceipt
		state       string
		statusCode  sql.NullInt32
		completedAt sql.NullTime
	)
	err := s.store.db.QueryRowContext(ctx, `
		SELECT key, fingerprint, order_id, state, status_code, response, expires_at, created_at, completed_at
		FROM command_receipts
		WHERE key = $1
	`, strings.TrimSpace(key)).Scan(
		&r.Key, &r.Fingerprint, &r.OrderID, &state, &statusCode, &r.Response,
		&r.ExpiresAt, &r.CreatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CommandReceipt{}, domain.ErrReceiptNotFound
	}
	if err != nil {
		return domain.CommandReceipt{}, classify(fmt.Errorf("lookup receipt: %w", err))
	}

	r.State = domain.ReceiptState(state)
	if !r.State.Valid() {
		return domain.CommandReceipt{}, fmt.Errorf("receipt %s has unknown state %q", r.Key, state)
	}
	r.StatusCode = int(statusCode.Int32)
	if completedAt.Valid {
		r.CompletedAt = completedAt.Time
	}
	return r, nil
}

func (s *receiptStore) Complete(ctx context.Context, key string, statusCode int, response []byte) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.store.db.ExecContext(ctx, `
		UPDATE command_receipts
		SET state = 'completed', status_code = $2, response = $3, completed_at = $4
		WHERE key = $1
	`, strings.TrimSpace(key), statusCode, response, time.Now().UTC())
	if err != nil {
		return classify(fmt.Errorf("complete receipt: %w", err))
	}
	return expectOneRow(res, domain.ErrReceiptNotFound)
}

func (s *receiptStore) Release(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.store.db.ExecContext(ctx,
		`DELETE FROM command_receipts WHERE key = $1 AND state = 'pending'`, strings.TrimSpace(key))
	if err != nil {
		return classify(fmt.Errorf("release receipt: %w", err))
	}
	return expectOneRow(res, domain.ErrReceiptNotFound)
}

func (s *receiptStore) Purge(ctx context.Context, before time.Time, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// LIMIT NULL в PostgreSQL означает отсутствие ограничения.
	var batch sql.NullInt64
	if limit > 0 {
		batch = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	res, err := s.store.db.ExecContext(ctx, `
		DELETE FROM command_receipts
		WHERE key IN (
			SELECT key FROM command_receipts
			WHERE expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
		)
	`, before, batch)
	if err != nil {
		return 0, classify(fmt.Errorf("purge receipts: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge receipts: %w", err)
	}
	return int(n), nil
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

var _ domain.ReceiptStore = (*receiptStore)(nil)
