package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/authn"
	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

type claimsKey struct{}

func claimsFromContext(ctx context.Context) (authn.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(authn.Claims)
	return claims, ok
}

// authenticate проверяет Bearer-токен, если задан verifier.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil {
			next.ServeHTTP(w, r)
			return
		}

		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		if raw == "" {
			writeErrorCode(w, http.StatusUnauthorized, CodeUnauthenticated, "bearer token is required")
			return
		}
		claims, err := s.verifier.Verify(raw)
		if err != nil {
			writeErrorCode(w, http.StatusUnauthorized, CodeUnauthenticated, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// resolveActor связывает актора из тела с subject токена.
// Пустой актор берётся из токена, чужой отклоняется.
func resolveActor(r *http.Request, bodyActor string) (string, error) {
	bodyActor = strings.TrimSpace(bodyActor)
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		return bodyActor, nil
	}
	if bodyActor == "" {
		return claims.Actor, nil
	}
	if bodyActor != claims.Actor {
		return "", errActorMismatch
	}
	return bodyActor, nil
}

// idempotent повторяет сохранённый ответ для ключа из Idempotency-Key.
// Тот же ключ с другим телом даёт 422, ключ в обработке даёт 409.
// Ответ 5xx не сохраняется: квитанция снимается, и повтор выполнит команду заново.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
		if s.receipts == nil || key == "" {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeErrorCode(w, http.StatusBadRequest, CodeInvalidArgument, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		logger := s.logger.WithField("idempotency_key", key)
		receipt, err := s.receipts.Reserve(r.Context(), domain.CommandReceipt{
			Key:         key,
			Fingerprint: requestHash(r, body),
			OrderID:     chi.URLParam(r, "id"),
			ExpiresAt:   time.Now().UTC().Add(s.receiptTTL),
		})
		if err != nil {
			s.replay(w, logger, err, receipt)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		var captured bytes.Buffer
		ww.Tee(&captured)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		// Запись не должна зависеть от отмены запроса клиентом.
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
		defer cancel()
		if status >= http.StatusInternalServerError {
			err = s.receipts.Release(storeCtx, key)
		} else {
			err = s.receipts.Complete(storeCtx, key, status, captured.Bytes())
		}
		if err != nil {
			logger.WithError(err).WithField("status", status).Warn("failed to settle command receipt")
		}
	})
}

func (s *Server) replay(w http.ResponseWriter, logger *log.Entry, reserveErr error, receipt domain.CommandReceipt) {
	switch {
	case errors.Is(reserveErr, domain.ErrReceiptMismatch):
		writeErrorCode(w, http.StatusUnprocessableEntity, CodeIdempotencyKeyReused,
			"idempotency key is already used with a different request")
	case errors.Is(reserveErr, domain.ErrReceiptExists) && receipt.Replayable():
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(ReplayedHeader, "true")
		w.WriteHeader(receipt.StatusCode)
		_, _ = w.Write(receipt.Response)
	case errors.Is(reserveErr, domain.ErrReceiptExists):
		writeErrorCode(w, http.StatusConflict, CodeIdempotencyInProgress,
			"request with the same idempotency key is still processing")
	default:
		logger.WithError(reserveErr).Warn("failed to reserve command receipt")
		status, code := statusFor(reserveErr)
		writeErrorCode(w, status, code, "failed to initialize idempotent request")
	}
}

// requestHash привязывает ключ к методу, пути, телу запроса и subject токена:
// актор с пустым телом берётся из токена.
func requestHash(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{':'})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{':'})
	if claims, ok := claimsFromContext(r.Context()); ok {
		h.Write([]byte(claims.Actor))
	}
	h.Write([]byte{':'})
	h.Write(bytes.TrimSpace(body))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		entry := s.logger.WithFields(log.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      strconv.Itoa(ww.Status()),
			"duration_ms": time.Since(started).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
		if ww.Status() >= http.StatusInternalServerError {
			entry.Warn("http request failed")
			return
		}
		entry.Debug("http request")
	})
}
