package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// TransitionOutcome — итог попытки перехода, фиксируемый в журнале.
type TransitionOutcome string

const (
	OutcomeApplied              TransitionOutcome = "applied"
	OutcomeRejectedInvalid      TransitionOutcome = "rejected-invalid"
	OutcomeRejectedConflict     TransitionOutcome = "rejected-conflict"
	OutcomeRejectedUnauthorized TransitionOutcome = "rejected-unauthorized"
)

// Valid проверяет, что итог относится к поддерживаемым значениям.
func (o TransitionOutcome) Valid() bool {
	switch o {
	case OutcomeApplied, OutcomeRejectedInvalid, OutcomeRejectedConflict, OutcomeRejectedUnauthorized:
		return true
	default:
		return false
	}
}

// StatusTransition — неизменяемая запись журнала истории статусов.
//
// Position нумерует все попытки по заказу без пропусков и задаёт порядок запросов.
// SequenceNo нумерует только применённые переходы; у отклонённых он равен нулю.
type StatusTransition struct {
	OrderID         string
	Position        int64
	SequenceNo      int64
	From            OrderStatus
	To              OrderStatus
	Actor           string
	Reason          string
	Outcome         TransitionOutcome
	ExpectedVersion int64
	ResultVersion   int64
	Timestamp       time.Time
	PrevHash        string
	Hash            string
}

// HistoryHead — хвост журнала заказа, от которого считается следующая запись.
// Version — ResultVersion последнего применённого перехода, 0 пока таких нет.
type HistoryHead struct {
	Position   int64
	SequenceNo int64
	Version    int64
	Hash       string
}

// AppendOption уточняет проверку порядка при добавлении в журнал.
type AppendOption func(*appendRules)

type appendRules struct {
	acceptGap bool
}

// AcceptVersionGap разрешает записать применённый переход, хотя переход
// с предыдущей версией в журнал так и не попал.
func AcceptVersionGap() AppendOption {
	return func(r *appendRules) { r.acceptGap = true }
}

// Admit проверяет, что применённый переход встаёт в журнал строго по версиям.
// Запись без ожидаемой версии и отклонённые попытки порядок не проверяют.
func (h HistoryHead) Admit(t StatusTransition, opts ...AppendOption) error {
	if t.Outcome != OutcomeApplied || t.ExpectedVersion < InitialOrderVersion {
		return nil
	}
	var rules appendRules
	for _, opt := range opts {
		opt(&rules)
	}

	want := max(h.Version, InitialOrderVersion)
	switch {
	case h.Version > 0 && t.ExpectedVersion < h.Version:
		return fmt.Errorf("%w: order %s at version %d, record expects %d",
			ErrHistorySuperseded, t.OrderID, h.Version, t.ExpectedVersion)
	case t.ExpectedVersion > want && !rules.acceptGap:
		return fmt.Errorf("%w: order %s at version %d, record expects %d",
			ErrHistoryBehind, t.OrderID, want, t.ExpectedVersion)
	}
	return nil
}

// Seal назначает записи позицию, номер последовательности и хэш относительно head.
// Время округляется до микросекунд, чтобы хэш совпадал после чтения из PostgreSQL.
func (t StatusTransition) Seal(head HistoryHead) StatusTransition {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	t.Timestamp = t.Timestamp.UTC().Truncate(time.Microsecond)
	t.Position = head.Position + 1
	t.SequenceNo = 0
	if t.Outcome == OutcomeApplied {
		t.SequenceNo = head.SequenceNo + 1
	}
	t.PrevHash = head.Hash
	t.Hash = t.ComputeHash()
	return t
}

// Advance возвращает голову журнала после добавления записи t.
func (h HistoryHead) Advance(t StatusTransition) HistoryHead {
	next := HistoryHead{Position: t.Position, SequenceNo: h.SequenceNo, Version: h.Version, Hash: t.Hash}
	if t.Outcome == OutcomeApplied {
		next.SequenceNo = t.SequenceNo
		if t.ResultVersion > 0 {
			next.Version = t.ResultVersion
		}
	}
	return next
}

// ComputeHash считает sha256 от канонического представления записи и PrevHash.
func (t StatusTransition) ComputeHash() string {
	canonical := struct {
		PrevHash        string `json:"prev_hash"`
		OrderID         string `json:"order_id"`
		Position        int64  `json:"position"`
		SequenceNo      int64  `json:"sequence_no"`
		From            string `json:"from"`
		To              string `json:"to"`
		Actor           string `json:"actor"`
		Reason          string `json:"reason"`
		Outcome         string `json:"outcome"`
		ExpectedVersion int64  `json:"expected_version"`
		ResultVersion   int64  `json:"result_version"`
		Timestamp       string `json:"timestamp"`
	}{
		PrevHash:        t.PrevHash,
		OrderID:         t.OrderID,
		Position:        t.Position,
		SequenceNo:      t.SequenceNo,
		From:            string(t.From),
		To:              string(t.To),
		Actor:           t.Actor,
		Reason:          t.Reason,
		Outcome:         string(t.Outcome),
		ExpectedVersion: t.ExpectedVersion,
		ResultVersion:   t.ResultVersion,
		Timestamp:       t.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	// Маршалинг структуры из строк и чисел не может завершиться ошибкой.
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChainReport — результат проверки журнала заказа.
type ChainReport struct {
	OrderID  string
	Entries  int
	Applied  int
	Valid    bool
	BrokenAt int64
	Problem  string
}

// VerifyChain проверяет непрерывность позиций и номеров, связность хэшей и рост версий.
// При нарушении возвращает отчёт с позицией и ошибку, оборачивающую ErrHistoryTampered.
func VerifyChain(orderID string, records []StatusTransition) (ChainReport, error) {
	report := ChainReport{OrderID: orderID, Entries: len(records), Valid: true}

	var head HistoryHead
	var lastResultVersion int64
	for _, rec := range records {
		problem := ""
		switch {
		case rec.OrderID != orderID:
			problem = fmt.Sprintf("record belongs to order %q", rec.OrderID)
		case rec.Position != head.Position+1:
			problem = fmt.Sprintf("expected position %d, got %d", head.Position+1, rec.Position)
		case rec.PrevHash != head.Hash:
			problem = "prev_hash does not match previous record"
		case rec.Hash != rec.ComputeHash():
			problem = "hash does not match record contents"
		case rec.Outcome == OutcomeApplied && rec.SequenceNo != head.SequenceNo+1:
			problem = fmt.Sprintf("expected sequence %d, got %d", head.SequenceNo+1, rec.SequenceNo)
		case rec.Outcome != OutcomeApplied && rec.SequenceNo != 0:
			problem = "rejected record carries a sequence number"
		case rec.Outcome == OutcomeApplied && lastResultVersion != 0 && rec.ResultVersion <= lastResultVersion:
			problem = fmt.Sprintf("result version %d does not increase", rec.ResultVersion)
		}
		if problem != "" {
			report.Valid = false
			report.BrokenAt = rec.Position
			report.Problem = problem
			return report, fmt.Errorf("%w: order %s position %d: %s", ErrHistoryTampered, orderID, rec.Position, problem)
		}

		if rec.Outcome == OutcomeApplied {
			report.Applied++
			lastResultVersion = rec.ResultVersion
		}
		head = head.Advance(rec)
	}

	return report, nil
}
