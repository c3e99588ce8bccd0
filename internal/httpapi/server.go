package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
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
	"github.com/vladislavdragonenkov/orderflow/internal/workflow"
)

const (
	// IdempotencyKeyHeader — заголовок ключа идемпотентности команды.
	IdempotencyKeyHeader = "Idempotency-Key"
	// ReplayedHeader выставляется на ответах, воспроизведённых по ключу идемпотентности.
	ReplayedHeader = "Idempotency-Replayed"

	defaultReceiptTTL = 24 * time.Hour
	maxBodyBytes      = 1 << 20
)

// Server обслуживает REST-интерфейс движка.
type Server struct {
	engine     *workflow.Engine
	receipts   domain.ReceiptStore
	receiptTTL time.Duration
	verifier   *authn.Signer
	logger     *log.Entry
}

// ServerOption настраивает Server.
type ServerOption func(*Server)

// WithIdempotency включает обработку заголовка Idempotency-Key: ответы хранятся в receipts ttl.
func WithIdempotency(receipts domain.ReceiptStore, ttl time.Duration) ServerOption {
	return func(s *Server) {
		s.receipts = receipts
		if ttl > 0 {
			s.receiptTTL = ttl
		}
	}
}

// WithAuthentication требует Bearer-токен на командах.
func WithAuthentication(verifier *authn.Signer) ServerOption {
	return func(s *Server) { s.verifier = verifier }
}

// WithServerLogger задаёт logger.
func WithServerLogger(logger *log.Entry) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer создаёт обработчики поверх движка.
func NewServer(engine *workflow.Engine, opts ...ServerOption) *Server {
	s := &Server{engine: engine, receiptTTL: defaultReceiptTTL}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.New().WithField("component", "http-api")
	}
	return s
}

// Handler собирает chi-маршрутизатор.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/orders", func(r chi.Router) {
		r.Get("/", s.listOrders)
		r.With(s.authenticate, s.idempotent).Post("/", s.createOrder)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getOrder)
			r.With(s.authenticate, s.idempotent).Post("/transition", s.requestTransition)
			r.Get("/history", s.history)
			r.Get("/history/verify", s.verifyHistory)
		})
	})
	return r
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	filter, err := parseOrderFilter(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	orders, err := s.engine.ListOrders(r.Context(), filter)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	resp := OrdersResponse{Orders: make([]OrderView, 0, len(orders))}
	for _, order := range orders {
		resp.Orders = append(resp.Orders, toOrderView(order, false))
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseOrderFilter разбирает status=a,b (можно повторять), terminalSince и limit.
func parseOrderFilter(r *http.Request) (domain.OrderFilter, error) {
	var filter domain.OrderFilter
	query := r.URL.Query()

	for _, raw := range query["status"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			status, err := domain.ParseOrderStatus(part)
			if err != nil {
				return filter, err
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	if raw := strings.TrimSpace(query.Get("terminalSince")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("%w: terminalSince must be RFC3339", errInvalidQuery)
		}
		filter.TerminalSince = since.UTC()
	}

	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, fmt.Errorf("%w: limit must be a non-negative integer", errInvalidQuery)
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var body CreateOrderRequest
	if err := decodeBody(r, &body); err != nil {
		writeErrorCode(w, http.StatusBadRequest, CodeInvalidArgument, err.Error())
		return
	}

	order, err := s.engine.CreateOrder(r.Context(), body.ID, body.Payload)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderView(order, true))
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.engine.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderView(order, true))
}

func (s *Server) requestTransition(w http.ResponseWriter, r *http.Request) {
	var body TransitionRequest
	if err := decodeBody(r, &body); err != nil {
		writeErrorCode(w, http.StatusBadRequest, CodeInvalidArgument, err.Error())
		return
	}

	actor, err := resolveActor(r, body.Actor)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	expected, err := domain.ParseOrderStatus(body.ExpectedStatus)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	target, err := domain.ParseOrderStatus(body.TargetStatus)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	res, err := s.engine.RequestTransition(r.Context(), workflow.TransitionRequest{
		OrderID:         chi.URLParam(r, "id"),
		ExpectedStatus:  expected,
		ExpectedVersion: body.ExpectedVersion,
		TargetStatus:    target,
		Actor:           actor,
		Reason:          body.Reason,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toStateView(res.Order))
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	records, err := s.engine.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	resp := make([]HistoryRecord, 0, len(records))
	for _, rec := range records {
		resp = append(resp, toHistoryRecord(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) verifyHistory(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.VerifyHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{
		OrderID:  report.OrderID,
		Entries:  report.Entries,
		Applied:  report.Applied,
		Valid:    report.Valid,
		BrokenAt: report.BrokenAt,
		Problem:  report.Problem,
	})
}

func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}
