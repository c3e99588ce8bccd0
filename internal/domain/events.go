package domain

import "time"

const (
	// EventTransitionApplied — тип события outbox о применённом переходе.
	EventTransitionApplied = "order.transition.applied"
	// AggregateOrder — тип агрегата в outbox.
	AggregateOrder = "order"
)

// TransitionEvent — полезная нагрузка события о применённом переходе.
type TransitionEvent struct {
	OrderID         string      `json:"orderId"`
	From            OrderStatus `json:"fromStatus"`
	To              OrderStatus `json:"toStatus"`
	Actor           string      `json:"actor"`
	Reason          string      `json:"reason,omitempty"`
	Version         int64       `json:"version"`
	SequenceNo      int64       `json:"sequenceNo"`
	EnteredStatusAt time.Time   `json:"enteredStatusAt"`
	Hash            string      `json:"hash,omitempty"`
}
