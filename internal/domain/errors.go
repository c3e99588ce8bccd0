package domain

import "errors"

var (
	// ErrInvalidTransition — ребра нет в таблице переходов.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrOrderVersionConflict — ожидаемые статус или версия устарели.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrUnauthorized — шлюз авторизации отказал или не ответил.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrOrderNotFound возвращается, если заказ не найден в реестре.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyExists — заказ с таким ID уже зарегистрирован.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrTransient — сетевой сбой или таймаут, можно повторить с backoff.
	ErrTransient = errors.New("transient failure")
	// ErrOutcomeUnknown — результат перехода неизвестен, нужен повторный опрос заказа.
	ErrOutcomeUnknown = errors.New("transition outcome unknown, refetch before retrying")

	ErrOrderIDRequired = errors.New("order_id is required")
	ErrActorRequired   = errors.New("actor is required")
	ErrUnknownStatus   = errors.New("unknown order status")
	ErrVersionRequired = errors.New("expected_version must be positive")
	ErrPayloadInvalid  = errors.New("payload must be valid JSON")

	// ErrHistoryTampered — цепочка хэшей журнала нарушена.
	ErrHistoryTampered = errors.New("status history chain is broken")
	// ErrHistoryBehind — предыдущий применённый переход заказа ещё не записан в журнал.
	ErrHistoryBehind = errors.New("previous applied transition is not recorded yet")
	// ErrHistorySuperseded — в журнале уже есть более поздний применённый переход.
	ErrHistorySuperseded = errors.New("a later applied transition is already recorded")

	ErrReceiptKeyRequired         = errors.New("idempotency key is required")
	ErrReceiptFingerprintRequired = errors.New("request fingerprint is required")
	// ErrReceiptExists — ключ занят живой квитанцией того же запроса.
	ErrReceiptExists = errors.New("idempotency key already exists")
	// ErrReceiptMismatch — ключ уже использован с другим запросом.
	ErrReceiptMismatch = errors.New("idempotency key reused with different request")
	ErrReceiptNotFound = errors.New("command receipt not found")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsInvalidTransition проверяет нарушение таблицы переходов.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsUnauthorized проверяет отказ авторизации.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsNotFound проверяет отсутствие заказа.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}

// IsTransient проверяет, можно ли повторить операцию позже.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsValidation проверяет ошибки некорректного запроса.
func IsValidation(err error) bool {
	return errors.Is(err, ErrOrderIDRequired) ||
		errors.Is(err, ErrActorRequired) ||
		errors.Is(err, ErrUnknownStatus) ||
		errors.Is(err, ErrVersionRequired) ||
		errors.Is(err, ErrPayloadInvalid)
}

// IsReceiptConflict проверяет повторное использование ключа идемпотентности.
func IsReceiptConflict(err error) bool {
	return errors.Is(err, ErrReceiptExists) || errors.Is(err, ErrReceiptMismatch)
}

// ConflictError несёт живое состояние заказа, с которым разошлось ожидание клиента.
type ConflictError struct {
	Current Order
}

func (e *ConflictError) Error() string {
	return ErrOrderVersionConflict.Error() + ": order " + e.Current.ID + " is " + string(e.Current.Status)
}

func (e *ConflictError) Unwrap() error {
	return ErrOrderVersionConflict
}

// NewConflictError оборачивает текущее состояние заказа в ошибку конфликта.
func NewConflictError(current Order) error {
	return &ConflictError{Current: current.Clone()}
}

// ConflictState извлекает живое состояние из ошибки конфликта, если оно известно.
func ConflictState(err error) (Order, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict.Current, true
	}
	return Order{}, false
}
