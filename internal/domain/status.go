package domain

import (
	"fmt"
	"strings"
)

// OrderStatus описывает состояние заказа в рабочем цикле кухни и доставки.
type OrderStatus string

const (
	// OrderStatusPending — заказ принят и ждёт подтверждения.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed — заказ подтверждён персоналом.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusPreparing — заказ готовится.
	OrderStatusPreparing OrderStatus = "preparing"
	// OrderStatusReady — заказ готов и ждёт выдачи или курьера.
	OrderStatusReady OrderStatus = "ready"
	// OrderStatusDelivering — заказ передан в доставку.
	OrderStatusDelivering OrderStatus = "delivering"
	// OrderStatusDelivered — терминальное состояние: заказ вручён.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled — терминальное состояние: заказ отменён.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// orderedStatuses фиксирует порядок колонок на доске и в выводе.
var orderedStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusPreparing,
	OrderStatusReady,
	OrderStatusDelivering,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

// transitionTable — единственное место, где задаются допустимые переходы.
// Состояние без исходящих рёбер считается терминальным.
var transitionTable = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusPreparing, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusPreparing, OrderStatusCancelled},
	OrderStatusPreparing:  {OrderStatusReady, OrderStatusCancelled},
	OrderStatusReady:      {OrderStatusDelivering, OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusDelivering: {OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusDelivered:  {},
	OrderStatusCancelled:  {},
}

// transitionIndex строится из transitionTable для O(1) проверки ребра.
var transitionIndex = buildTransitionIndex(transitionTable)

func buildTransitionIndex(table map[OrderStatus][]OrderStatus) map[OrderStatus]map[OrderStatus]struct{} {
	index := make(map[OrderStatus]map[OrderStatus]struct{}, len(table))
	for from, targets := range table {
		edges := make(map[OrderStatus]struct{}, len(targets))
		for _, to := range targets {
			edges[to] = struct{}{}
		}
		index[from] = edges
	}
	return index
}

// Valid сообщает, входит ли значение в словарь статусов.
func (s OrderStatus) Valid() bool {
	_, ok := transitionTable[s]
	return ok
}

func (s OrderStatus) String() string {
	return string(s)
}

// ParseOrderStatus разбирает статус из внешнего представления.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.TrimSpace(raw))
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
	return status, nil
}

// AllStatuses возвращает все статусы в порядке жизненного цикла.
func AllStatuses() []OrderStatus {
	out := make([]OrderStatus, len(orderedStatuses))
	copy(out, orderedStatuses)
	return out
}

// CanTransition проверяет наличие ребра from -> to в таблице переходов.
func CanTransition(from, to OrderStatus) bool {
	edges, ok := transitionIndex[from]
	if !ok {
		return false
	}
	_, ok = edges[to]
	return ok
}

// NextPossible возвращает допустимые целевые статусы; для терминальных — пустой срез.
func NextPossible(from OrderStatus) []OrderStatus {
	targets := transitionTable[from]
	out := make([]OrderStatus, len(targets))
	copy(out, targets)
	return out
}

// IsTerminal сообщает, что из статуса нет исходящих переходов.
func IsTerminal(status OrderStatus) bool {
	targets, ok := transitionTable[status]
	return ok && len(targets) == 0
}
