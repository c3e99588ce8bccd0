package domain

import "time"

// ReceiptState — стадия квитанции команды.
type ReceiptState string

const (
	// ReceiptPending — команда принята и ещё выполняется.
	ReceiptPending ReceiptState = "pending"
	// ReceiptCompleted — ответ сохранён и воспроизводится на повторы.
	ReceiptCompleted ReceiptState = "completed"
)

func (s ReceiptState) Valid() bool {
	return s == ReceiptPending || s == ReceiptCompleted
}

// CommandReceipt фиксирует первый окончательный ответ на команду с данным Idempotency-Key.
// Fingerprint связывает ключ с методом, путём и телом запроса.
type CommandReceipt struct {
	Key         string
	Fingerprint string
	OrderID     string
	State       ReceiptState
	StatusCode  int
	Response    []byte
	ExpiresAt   time.Time
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Replayable сообщает, что ответ можно отдать повторно без выполнения команды.
func (r CommandReceipt) Replayable() bool {
	return r.State == ReceiptCompleted && r.StatusCode > 0
}

// Expired — квитанция больше не защищает ключ и может быть перезаписана.
func (r CommandReceipt) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
