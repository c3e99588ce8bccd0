// Package httpapi — REST-интерфейс движка переходов и типизированный клиент к нему.
package httpapi

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// OrderView — заказ на проводе.
type OrderView struct {
	ID              string          `json:"id"`
	Status          string          `json:"status"`
	Version         int64           `json:"version"`
	EnteredStatusAt time.Time       `json:"enteredStatusAt"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	NextPossible    []string        `json:"nextPossible,omitempty"`
}

// OrdersResponse — ответ GET /orders.
type OrdersResponse struct {
	Orders []OrderView `json:"orders"`
}

// CreateOrderRequest — тело POST /orders.
type CreateOrderRequest struct {
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TransitionRequest — тело POST /orders/{id}/transition.
type TransitionRequest struct {
	ExpectedStatus  string `json:"expectedStatus"`
	ExpectedVersion int64  `json:"expectedVersion"`
	TargetStatus    string `json:"targetStatus"`
	Actor           string `json:"actor"`
	Reason          string `json:"reason,omitempty"`
}

// StateView — авторитетная тройка (status, version, enteredStatusAt).
type StateView struct {
	Status          string    `json:"status"`
	Version         int64     `json:"version"`
	EnteredStatusAt time.Time `json:"enteredStatusAt"`
}

// HistoryRecord — запись журнала на проводе.
type HistoryRecord struct {
	OrderID         string    `json:"orderId"`
	Position        int64     `json:"position"`
	SequenceNo      int64     `json:"sequenceNo"`
	FromStatus      string    `json:"fromStatus"`
	ToStatus        string    `json:"toStatus"`
	Actor           string    `json:"actor"`
	Timestamp       time.Time `json:"timestamp"`
	Outcome         string    `json:"outcome"`
	Reason          string    `json:"reason,omitempty"`
	ExpectedVersion int64     `json:"expectedVersion"`
	ResultVersion   int64     `json:"resultVersion,omitempty"`
	PrevHash        string    `json:"prevHash"`
	Hash            string    `json:"hash"`
}

// VerifyResponse — результат проверки цепочки журнала.
type VerifyResponse struct {
	OrderID  string `json:"orderId"`
	Entries  int    `json:"entries"`
	Applied  int    `json:"applied"`
	Valid    bool   `json:"valid"`
	BrokenAt int64  `json:"brokenAt,omitempty"`
	Problem  string `json:"problem,omitempty"`
}

// ErrorResponse — тело любого ответа с ошибкой.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail описывает ошибку. Current заполняется только при конфликте.
type ErrorDetail struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	Current *StateView `json:"current,omitempty"`
}

func toOrderView(order domain.Order, withNext bool) OrderView {
	view := OrderView{
		ID:              order.ID,
		Status:          string(order.Status),
		Version:         order.Version,
		EnteredStatusAt: order.EnteredStatusAt,
		Payload:         order.Payload,
	}
	if withNext {
		for _, status := range domain.NextPossible(order.Status) {
			view.NextPossible = append(view.NextPossible, string(status))
		}
	}
	return view
}

func (v OrderView) toDomain() domain.Order {
	return domain.Order{
		ID:              v.ID,
		Status:          domain.OrderStatus(v.Status),
		Version:         v.Version,
		EnteredStatusAt: v.EnteredStatusAt.UTC(),
		Payload:         v.Payload,
	}
}

func toStateView(order domain.Order) StateView {
	return StateView{
		Status:          string(order.Status),
		Version:         order.Version,
		EnteredStatusAt: order.EnteredStatusAt,
	}
}

func toHistoryRecord(rec domain.StatusTransition) HistoryRecord {
	return HistoryRecord{
		OrderID:         rec.OrderID,
		Position:        rec.Position,
		SequenceNo:      rec.SequenceNo,
		FromStatus:      string(rec.From),
		ToStatus:        string(rec.To),
		Actor:           rec.Actor,
		Timestamp:       rec.Timestamp,
		Outcome:         string(rec.Outcome),
		Reason:          rec.Reason,
		ExpectedVersion: rec.ExpectedVersion,
		ResultVersion:   rec.ResultVersion,
		PrevHash:        rec.PrevHash,
		Hash:            rec.Hash,
	}
}

func (r HistoryRecord) toDomain() domain.StatusTransition {
	return domain.StatusTransition{
		OrderID:         r.OrderID,
		Position:        r.Position,
		SequenceNo:      r.SequenceNo,
		From:            domain.OrderStatus(r.FromStatus),
		To:              domain.OrderStatus(r.ToStatus),
		Actor:           r.Actor,
		Reason:          r.Reason,
		Outcome:         domain.TransitionOutcome(r.Outcome),
		ExpectedVersion: r.ExpectedVersion,
		ResultVersion:   r.ResultVersion,
		Timestamp:       r.Timestamp.UTC(),
		PrevHash:        r.PrevHash,
		Hash:            r.Hash,
	}
}
