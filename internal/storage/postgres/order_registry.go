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

type orderRegistry struct {
	db *sql.DB
}

// NewOrderRegistry создаёт PostgreSQL-реализацию OrderRegistry.
func NewOrderRegistry(store *Store) domain.OrderRegistry {
	return &orderRegistry{db: store.DB()}
}

const orderColumns = `id, status, version, entered_status_at, payload, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order   domain.Order
		status  string
		payload []byte
	)
	if err := row.Scan(&order.ID, &status, &order.Version, &order.EnteredStatusAt, &payload, &order.CreatedAt); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.Payload = payload
	order.EnteredStatusAt = order.EnteredStatusAt.UTC()
	order.CreatedAt = order.CreatedAt.UTC()
	return order, nil
}

func (r *orderRegistry) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	payload := []byte(order.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	created, err := scanOrder(r.db.QueryRowContext(ctx, `
		INSERT INTO orders (
			id, status, version, entered_status_at, payload, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$6)
		RETURNING `+orderColumns,
		order.ID, string(order.Status), order.Version, order.EnteredStatusAt.UTC(), payload, order.CreatedAt.UTC(),
	))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Order{}, domain.ErrOrderAlreadyExists
		}
		return domain.Order{}, classify(fmt.Errorf("insert order: %w", err))
	}
	return created, nil
}

func (r *orderRegistry) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, classify(fmt.Errorf("select order: %w", err))
	}
	return order, nil
}

func (r *orderRegistry) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if !filter.TerminalSince.IsZero() {
		args = append(args, filter.TerminalSince.UTC())
		where = append(where, fmt.Sprintf(
			"(status NOT IN ('delivered','cancelled') OR entered_status_at >= $%d)", len(args)))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY entered_status_at ASC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list orders: %w", err))
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate order rows: %w", err))
	}
	return orders, nil
}

// CompareAndSwap выполняет условный UPDATE; при нуле затронутых строк читает
// живое состояние, чтобы отличить отсутствие заказа от конфликта.
func (r *orderRegistry) CompareAndSwap(ctx context.Context, id string, expected domain.Expectation, target domain.OrderStatus, at time.Time) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	updated, err := scanOrder(r.db.QueryRowContext(ctx, `
		UPDATE orders
		SET status = $1,
		    version = version + 1,
		    entered_status_at = $2,
		    updated_at = NOW()
		WHERE id = $3
		  AND status = $4
		  AND version = $5
		RETURNING `+orderColumns,
		string(target), at.UTC(), id, string(expected.Status), expected.Version,
	))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, classify(fmt.Errorf("compare and swap order: %w", err))
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return domain.Order{}, domain.NewConflictError(current)
}

var _ domain.OrderRegistry = (*orderRegistry)(nil)
