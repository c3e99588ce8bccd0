// Package board строит операционную доску заказов: опрос реестра, корзины по статусам,
// уровни срочности и оптимистичные переходы с откатом.
package board

import (
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// Tier — уровень срочности карточки.
type Tier string

const (
	TierNormal  Tier = "normal"
	TierWarn    Tier = "warn"
	TierDanger  Tier = "danger"
	TierOverdue Tier = "overdue"
)

// Tiers перечисляет уровни в порядке роста срочности.
func Tiers() []Tier {
	return []Tier{TierNormal, TierWarn, TierDanger, TierOverdue}
}

// Thresholds — пороги ожидания в статусе.
// Budget — целевое время, после которого заказ считается просроченным.
type Thresholds struct {
	Warn   time.Duration
	Danger time.Duration
	Budget time.Duration
}

// Validate проверяет порядок порогов.
func (t Thresholds) Validate() error {
	if t.Warn <= 0 || t.Danger <= 0 || t.Budget <= 0 {
		return fmt.Errorf("thresholds must be positive: warn=%s danger=%s budget=%s", t.Warn, t.Danger, t.Budget)
	}
	if t.Warn > t.Danger || t.Danger > t.Budget {
		return fmt.Errorf("thresholds must satisfy warn <= danger <= budget: warn=%s danger=%s budget=%s", t.Warn, t.Danger, t.Budget)
	}
	return nil
}

// DefaultThresholds возвращает пороги для нетерминальных статусов.
func DefaultThresholds() map[domain.OrderStatus]Thresholds {
	return map[domain.OrderStatus]Thresholds{
		domain.OrderStatusPending:    {Warn: 10 * time.Minute, Danger: 20 * time.Minute, Budget: 30 * time.Minute},
		domain.OrderStatusConfirmed:  {Warn: 10 * time.Minute, Danger: 20 * time.Minute, Budget: 30 * time.Minute},
		domain.OrderStatusPreparing:  {Warn: 15 * time.Minute, Danger: 25 * time.Minute, Budget: 40 * time.Minute},
		domain.OrderStatusReady:      {Warn: 30 * time.Minute, Danger: 45 * time.Minute, Budget: time.Hour},
		domain.OrderStatusDelivering: {Warn: 30 * time.Minute, Danger: 50 * time.Minute, Budget: 75 * time.Minute},
	}
}

// Elapsed считает время в статусе от серверного enteredStatusAt.
// Если часы сервера впереди, результат обрезается до нуля.
func Elapsed(now, enteredStatusAt time.Time) time.Duration {
	elapsed := now.Sub(enteredStatusAt)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Classify возвращает уровень срочности и оставшееся до бюджета время (не меньше нуля).
// Терминальные статусы и статусы без порогов всегда normal.
func Classify(status domain.OrderStatus, elapsed time.Duration, thresholds map[domain.OrderStatus]Thresholds) (Tier, time.Duration) {
	if domain.IsTerminal(status) {
		return TierNormal, 0
	}
	limits, ok := thresholds[status]
	if !ok {
		return TierNormal, 0
	}

	remaining := limits.Budget - elapsed
	if remaining < 0 {
		remaining = 0
	}

	switch {
	case elapsed > limits.Budget:
		return TierOverdue, 0
	case elapsed >= limits.Danger:
		return TierDanger, remaining
	case elapsed >= limits.Warn:
		return TierWarn, remaining
	default:
		return TierNormal, remaining
	}
}
