package authz

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// ErrCircuitOpen — удалённый шлюз недавно отказывал подряд, запрос не отправлялся.
var ErrCircuitOpen = fmt.Errorf("%w: circuit breaker is open", ErrGateUnavailable)

// CircuitState — состояние предохранителя.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker размыкается после maxFailures ошибок подряд и через resetTimeout
// пропускает одну пробную проверку. Отказ «запрещено» ошибкой не считается.
type CircuitBreaker struct {
	next         domain.AuthorizationGate
	maxFailures  int
	resetTimeout time.Duration
	logger       *log.Entry
	now          func() time.Time

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	state       CircuitState
	probing     bool
}

// WithCircuitBreaker оборачивает шлюз предохранителем. Пока цепь разомкнута,
// Can сразу возвращает ErrCircuitOpen, и переход отклоняется как неавторизованный.
func WithCircuitBreaker(next domain.AuthorizationGate, maxFailures int, resetTimeout time.Duration, logger *log.Entry) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	if logger == nil {
		logger = log.WithField("component", "authz-breaker")
	}
	return &CircuitBreaker{
		next:         next,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		logger:       logger,
		now:          time.Now,
	}
}

// State возвращает текущее состояние.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Can(ctx context.Context, actor, action, orderID string) (bool, error) {
	if err := cb.acquire(); err != nil {
		return false, err
	}
	allowed, err := cb.next.Can(ctx, actor, action, orderID)
	cb.release(err)
	return allowed, err
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
		cb.probing = true
		cb.logger.Info("authorization circuit half-open")
	case CircuitHalfOpen:
		// пока идёт пробная проверка, остальные отклоняются
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) release(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false

	if err != nil {
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			if cb.state != CircuitOpen {
				cb.logger.WithError(err).WithField("failures", cb.failures).Warn("authorization circuit opened")
			}
			cb.state = CircuitOpen
		}
		return
	}

	if cb.state == CircuitHalfOpen {
		cb.logger.Info("authorization circuit closed")
	}
	cb.state = CircuitClosed
	cb.failures = 0
}

var _ domain.AuthorizationGate = (*CircuitBreaker)(nil)
