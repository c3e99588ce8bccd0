package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// Коды ошибок на проводе.
const (
	CodeInvalidArgument       = "invalid_argument"
	CodeInvalidTransition     = "invalid_transition"
	CodeConflict              = "conflict"
	CodeUnauthorized          = "unauthorized"
	CodeUnauthenticated       = "unauthenticated"
	CodeActorMismatch         = "actor_mismatch"
	CodeNotFound              = "not_found"
	CodeAlreadyExists         = "already_exists"
	CodeIdempotencyKeyReused  = "idempotency_key_reused"
	CodeIdempotencyInProgress = "idempotency_in_progress"
	CodeUnavailable           = "unavailable"
	CodeInternal              = "internal"
)

var (
	errActorMismatch = errors.New("actor does not match authenticated subject")
	errInvalidQuery  = errors.New("invalid query parameter")
)

// statusFor сопоставляет ошибку движка с HTTP-статусом и кодом.
func statusFor(err error) (int, string) {
	switch {
	case domain.IsInvalidTransition(err):
		return http.StatusUnprocessableEntity, CodeInvalidTransition
	case domain.IsVersionConflict(err):
		return http.StatusConflict, CodeConflict
	case domain.IsUnauthorized(err):
		return http.StatusForbidden, CodeUnauthorized
	case errors.Is(err, errActorMismatch):
		return http.StatusForbidden, CodeActorMismatch
	case domain.IsNotFound(err):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, domain.ErrOrderAlreadyExists):
		return http.StatusConflict, CodeAlreadyExists
	case domain.IsValidation(err), errors.Is(err, errInvalidQuery):
		return http.StatusBadRequest, CodeInvalidArgument
	case domain.IsTransient(err):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// writeError пишет ошибку движка. При конфликте добавляется живое состояние заказа.
func writeError(w http.ResponseWriter, logger *log.Entry, err error) {
	status, code := statusFor(err)
	detail := ErrorDetail{Code: code, Message: err.Error()}
	if current, ok := domain.ConflictState(err); ok {
		state := toStateView(current)
		detail.Current = &state
	}
	if status >= http.StatusInternalServerError {
		logger.WithError(err).Warn("request failed")
		if status == http.StatusInternalServerError {
			detail.Message = "internal error"
		}
	}
	writeJSON(w, status, ErrorResponse{Error: detail})
}
