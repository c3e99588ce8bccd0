package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// DefaultTimeout ограничивает ожидание ответа шлюза авторизации.
const DefaultTimeout = 2 * time.Second

// ErrGateUnavailable — шлюз не ответил вовремя или вернул ошибку.
var ErrGateUnavailable = errors.New("authorization gate unavailable")

type guardedGate struct {
	next    domain.AuthorizationGate
	timeout time.Duration
	logger  *log.Entry
}

// WithTimeout оборачивает шлюз таймаутом. Любая ошибка или превышение времени
// превращается в ErrGateUnavailable; решения «разрешить» в этом случае нет.
func WithTimeout(next domain.AuthorizationGate, timeout time.Duration, logger *log.Entry) domain.AuthorizationGate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.WithField("component", "authz")
	}
	return &guardedGate{next: next, timeout: timeout, logger: logger}
}

func (g *guardedGate) Can(ctx context.Context, actor, action, orderID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type decision struct {
		allowed bool
		err     error
	}
	done := make(chan decision, 1)
	go func() {
		allowed, err := g.next.Can(ctx, actor, action, orderID)
		done <- decision{allowed: allowed, err: err}
	}()

	select {
	case d := <-done:
		if d.err != nil {
			g.logger.WithError(d.err).WithFields(log.Fields{
				"actor":    actor,
				"action":   action,
				"order_id": orderID,
			}).Warn("authorization check failed")
			return false, fmt.Errorf("%w: %w", ErrGateUnavailable, d.err)
		}
		return d.allowed, nil
	case <-ctx.Done():
		g.logger.WithFields(log.Fields{
			"actor":   actor,
			"action":  action,
			"timeout": g.timeout,
		}).Warn("authorization check timed out")
		return false, fmt.Errorf("%w: %w", ErrGateUnavailable, ctx.Err())
	}
}

// GateFunc адаптирует функцию к domain.AuthorizationGate.
type GateFunc func(ctx context.Context, actor, action, orderID string) (bool, error)

func (f GateFunc) Can(ctx context.Context, actor, action, orderID string) (bool, error) {
	return f(ctx, actor, action, orderID)
}
