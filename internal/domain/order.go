package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// InitialOrderVersion — версия только что созданного заказа.
const InitialOrderVersion int64 = 1

// Order — авторитетное состояние заказа в реестре.
// Payload (позиции, ссылка на клиента) ядром не интерпретируется.
type Order struct {
	ID              string
	Status          OrderStatus
	Version         int64
	EnteredStatusAt time.Time
	Payload         json.RawMessage
	CreatedAt       time.Time
}

// Expectation — пара (статус, версия), против которой выполняется compare-and-swap.
type Expectation struct {
	Status  OrderStatus
	Version int64
}

// Matches сообщает, совпадает ли живое состояние заказа с ожиданием клиента.
func (e Expectation) Matches(order Order) bool {
	return order.Status == e.Status && order.Version == e.Version
}

// OrderFilter ограничивает выборку снимка для доски.
type OrderFilter struct {
	// Statuses — пустой срез означает «любой статус».
	Statuses []OrderStatus
	// TerminalSince — если задано, терминальные заказы попадают в выборку,
	// только если вошли в терминальный статус не раньше этого момента.
	TerminalSince time.Time
	Limit         int
}

// Match применяет фильтр к одному заказу.
func (f OrderFilter) Match(order Order) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, status := range f.Statuses {
			if status == order.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.TerminalSince.IsZero() && IsTerminal(order.Status) && order.EnteredStatusAt.Before(f.TerminalSince) {
		return false
	}
	return true
}

// NewOrder готовит заказ к регистрации в начальном статусе.
func NewOrder(id string, payload json.RawMessage, now time.Time) (Order, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Order{}, ErrOrderIDRequired
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return Order{}, ErrPayloadInvalid
	}
	now = now.UTC()
	return Order{
		ID:              id,
		Status:          OrderStatusPending,
		Version:         InitialOrderVersion,
		EnteredStatusAt: now,
		Payload:         append(json.RawMessage(nil), payload...),
		CreatedAt:       now,
	}, nil
}

// Clone возвращает копию без общих срезов.
func (o Order) Clone() Order {
	o.Payload = append(json.RawMessage(nil), o.Payload...)
	return o
}
