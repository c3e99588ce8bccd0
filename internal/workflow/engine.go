// Package workflow проводит запросы на смену статуса заказа через таблицу переходов,
// шлюз авторизации, CAS в реестре и журнал истории.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

const (
	defaultRequestTimeout     = 5 * time.Second
	defaultAppendAttempts     = 3
	defaultAppendBackoff      = 20 * time.Millisecond
	appendAfterApplyTimeout   = 5 * time.Second
	defaultOrderedAppendWait  = 2 * time.Second
	gateUnavailableReasonHead = "authorization unavailable: "

	// OutcomeError — метка метрики для попыток, не дошедших до журнала.
	OutcomeError = "error"
)

// Recorder принимает метрики движка. Реализуется metrics.WorkflowMetrics.
type Recorder interface {
	RecordTransition(outcome string, duration time.Duration)
	RecordHistoryAppendFailure()
	RecordOutboxEnqueueFailure()
}

// TransitionRequest — команда на переход заказа в targetStatus.
type TransitionRequest struct {
	OrderID         string
	ExpectedStatus  domain.OrderStatus
	ExpectedVersion int64
	TargetStatus    domain.OrderStatus
	Actor           string
	Reason          string
}

// TransitionResult — новое авторитетное состояние заказа и запись журнала.
type TransitionResult struct {
	Order  domain.Order
	Record domain.StatusTransition
}

// Engine — единственный путь изменения статуса заказа.
type Engine struct {
	registry domain.OrderRegistry
	history  domain.HistoryLog
	gate     domain.AuthorizationGate
	outbox   domain.OutboxRepository
	metrics  Recorder
	logger   *log.Entry
	now      func() time.Time

	requestTimeout time.Duration
	appendAttempts int
	appendBackoff  time.Duration
	orderedWait    time.Duration
	inflight       *inflightAppends
}

// Option настраивает Engine.
type Option func(*Engine)

// WithOutbox включает публикацию событий о применённых переходах через outbox.
func WithOutbox(repo domain.OutboxRepository) Option {
	return func(e *Engine) { e.outbox = repo }
}

// WithMetrics задаёт приёмник метрик.
func WithMetrics(recorder Recorder) Option {
	return func(e *Engine) { e.metrics = recorder }
}

// WithLogger задаёт logger движка.
func WithLogger(logger *log.Entry) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRequestTimeout ограничивает время запроса перехода целиком.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(e *Engine) { e.requestTimeout = timeout }
}

// WithAppendRetry задаёт число попыток записи в журнал после применённого CAS.
func WithAppendRetry(attempts int, backoff time.Duration) Option {
	return func(e *Engine) {
		e.appendAttempts = attempts
		e.appendBackoff = backoff
	}
}

// WithOrderedAppendWait задаёт, сколько применённый переход ждёт записи
// предыдущей версии этим же движком, прежде чем встать в журнал с пропуском.
func WithOrderedAppendWait(wait time.Duration) Option {
	return func(e *Engine) { e.orderedWait = wait }
}

// NewEngine собирает движок. gate обязателен: без шлюза переходы не разрешаются.
func NewEngine(registry domain.OrderRegistry, history domain.HistoryLog, gate domain.AuthorizationGate, opts ...Option) *Engine {
	e := &Engine{
		registry:       registry,
		history:        history,
		gate:           gate,
		now:            func() time.Time { return time.Now().UTC() },
		requestTimeout: defaultRequestTimeout,
		appendAttempts: defaultAppendAttempts,
		appendBackoff:  defaultAppendBackoff,
		orderedWait:    defaultOrderedAppendWait,
		inflight:       newInflightAppends(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.New().WithField("component", "workflow-engine")
	}
	if e.appendAttempts <= 0 {
		e.appendAttempts = 1
	}
	return e
}

func (r TransitionRequest) normalize() (TransitionRequest, error) {
	r.OrderID = strings.TrimSpace(r.OrderID)
	r.Actor = strings.TrimSpace(r.Actor)
	r.Reason = strings.TrimSpace(r.Reason)

	switch {
	case r.OrderID == "":
		return r, domain.ErrOrderIDRequired
	case r.Actor == "":
		return r, domain.ErrActorRequired
	case !r.ExpectedStatus.Valid():
		return r, fmt.Errorf("%w: expected status %q", domain.ErrUnknownStatus, r.ExpectedStatus)
	case !r.TargetStatus.Valid():
		return r, fmt.Errorf("%w: target status %q", domain.ErrUnknownStatus, r.TargetStatus)
	case r.ExpectedVersion < domain.InitialOrderVersion:
		return r, domain.ErrVersionRequired
	}
	return r, nil
}

// RequestTransition выполняет конвейер: таблица переходов → шлюз → CAS → журнал → outbox.
//
// Каждый исход, кроме ошибок валидации, NotFound и Transient, записывается в журнал.
// Отказ по заказу, которого нет в реестре, не записывается.
// Конфликт возвращается как *domain.ConflictError с живым состоянием заказа;
// автоматического повтора нет.
func (e *Engine) RequestTransition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	started := time.Now()
	req, err := req.normalize()
	if err != nil {
		e.observe(OutcomeError, started)
		return TransitionResult{}, err
	}

	if e.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.requestTimeout)
		defer cancel()
	}

	logger := e.logger.WithFields(log.Fields{
		"order_id": req.OrderID,
		"actor":    req.Actor,
		"from":     req.ExpectedStatus,
		"to":       req.TargetStatus,
	})

	if !domain.CanTransition(req.ExpectedStatus, req.TargetStatus) {
		e.recordRejection(ctx, req, domain.OutcomeRejectedInvalid,
			fmt.Sprintf("no edge %s -> %s", req.ExpectedStatus, req.TargetStatus), logger)
		e.observe(string(domain.OutcomeRejectedInvalid), started)
		return TransitionResult{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, req.ExpectedStatus, req.TargetStatus)
	}

	allowed, gateErr := e.authorize(ctx, req)
	if gateErr != nil || !allowed {
		explanation := "denied by authorization gate"
		if gateErr != nil {
			explanation = gateUnavailableReasonHead + gateErr.Error()
		}
		e.recordRejection(ctx, req, domain.OutcomeRejectedUnauthorized, explanation, logger)
		e.observe(string(domain.OutcomeRejectedUnauthorized), started)
		if gateErr != nil {
			return TransitionResult{}, fmt.Errorf("%w: %w", domain.ErrUnauthorized, gateErr)
		}
		return TransitionResult{}, fmt.Errorf("%w: %s may not %s", domain.ErrUnauthorized, req.Actor, domain.TransitionAction(req.TargetStatus))
	}

	at := e.now()
	release := e.inflight.begin(req.OrderID, req.ExpectedVersion+1)
	updated, err := e.registry.CompareAndSwap(ctx, req.OrderID,
		domain.Expectation{Status: req.ExpectedStatus, Version: req.ExpectedVersion}, req.TargetStatus, at)
	if err != nil {
		release()
		switch {
		case domain.IsNotFound(err):
			e.observe(OutcomeError, started)
			logger.Info("transition requested for unknown order")
			return TransitionResult{}, err
		case domain.IsVersionConflict(err):
			explanation := fmt.Sprintf("expected %s/%d", req.ExpectedStatus, req.ExpectedVersion)
			if current, ok := domain.ConflictState(err); ok {
				explanation += fmt.Sprintf(", live %s/%d", current.Status, current.Version)
			}
			e.recordRejection(ctx, req, domain.OutcomeRejectedConflict, explanation, logger)
			e.observe(string(domain.OutcomeRejectedConflict), started)
			return TransitionResult{}, err
		default:
			e.observe(OutcomeError, started)
			logger.WithError(err).Warn("compare-and-swap failed, outcome unknown")
			if !domain.IsTransient(err) {
				err = fmt.Errorf("%w: %w", domain.ErrTransient, err)
			}
			return TransitionResult{}, err
		}
	}

	record := domain.StatusTransition{
		OrderID:         req.OrderID,
		From:            req.ExpectedStatus,
		To:              req.TargetStatus,
		Actor:           req.Actor,
		Reason:          req.Reason,
		Outcome:         domain.OutcomeApplied,
		ExpectedVersion: req.ExpectedVersion,
		ResultVersion:   updated.Version,
		Timestamp:       at,
	}
	sealed, appendErr := e.appendApplied(ctx, record, logger)
	release()
	if appendErr != nil {
		logger.WithError(appendErr).Error("applied transition is missing from status history")
		if e.metrics != nil {
			e.metrics.RecordHistoryAppendFailure()
		}
		sealed = record
	}

	e.enqueueEvent(ctx, updated, sealed, logger)
	e.observe(string(domain.OutcomeApplied), started)
	logger.WithFields(log.Fields{
		"outcome": domain.OutcomeApplied,
		"version": updated.Version,
	}).Info("transition applied")

	return TransitionResult{Order: updated, Record: sealed}, nil
}

func (e *Engine) authorize(ctx context.Context, req TransitionRequest) (bool, error) {
	if e.gate == nil {
		return false, errors.New("authorization gate is not configured")
	}
	return e.gate.Can(ctx, req.Actor, domain.TransitionAction(req.TargetStatus), req.OrderID)
}

func (e *Engine) recordRejection(ctx context.Context, req TransitionRequest, outcome domain.TransitionOutcome, explanation string, logger *log.Entry) {
	reason := explanation
	if req.Reason != "" {
		reason += "; requested: " + req.Reason
	}

	record := domain.StatusTransition{
		OrderID:         req.OrderID,
		From:            req.ExpectedStatus,
		To:              req.TargetStatus,
		Actor:           req.Actor,
		Reason:          reason,
		Outcome:         outcome,
		ExpectedVersion: req.ExpectedVersion,
		Timestamp:       e.now(),
	}

	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendAfterApplyTimeout)
	defer cancel()
	// Конфликт CAS уже доказал, что заказ есть. Для остальных отказов
	// журнал заводится только у существующего заказа.
	if outcome != domain.OutcomeRejectedConflict {
		if _, err := e.registry.Get(appendCtx, req.OrderID); domain.IsNotFound(err) {
			logger.WithField("outcome", outcome).Info("transition rejected for unknown order, not recorded")
			return
		}
	}
	if _, err := e.history.Append(appendCtx, record); err != nil {
		logger.WithError(err).WithField("outcome", outcome).Warn("failed to record rejected transition")
		if e.metrics != nil {
			e.metrics.RecordHistoryAppendFailure()
		}
	}

	logger.WithFields(log.Fields{
		"outcome": outcome,
		"reason":  explanation,
	}).Info("transition rejected")
}

// appendApplied пишет применённый переход с повторами: CAS уже выполнен,
// поэтому отмена контекста запроса не должна оставлять дыру в журнале.
//
// Журнал принимает применённые переходы строго по версиям. Если предыдущую
// версию ещё пишет этот же движок, ждём её до orderedWait; иначе записываем
// с пропуском. Опоздавший предшественник в журнал уже не попадёт.
func (e *Engine) appendApplied(ctx context.Context, record domain.StatusTransition, logger *log.Entry) (domain.StatusTransition, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendAfterApplyTimeout)
	defer cancel()

	var (
		opts      []domain.AppendOption
		waitUntil = time.Now().Add(e.orderedWait)
		backoff   = e.appendBackoff
		lastErr   error
	)
	for attempt := 1; attempt <= e.appendAttempts; {
		sealed, err := e.history.Append(ctx, record, opts...)
		switch {
		case err == nil:
			return sealed, nil
		case errors.Is(err, domain.ErrHistorySuperseded):
			return domain.StatusTransition{}, err
		case errors.Is(err, domain.ErrHistoryBehind) && opts == nil:
			if time.Now().Before(waitUntil) &&
				e.inflight.wait(ctx, record.OrderID, record.ExpectedVersion, time.Until(waitUntil)) {
				if ctx.Err() != nil {
					return domain.StatusTransition{}, ctx.Err()
				}
				continue
			}
			logger.WithField("version", record.ResultVersion).
				Warn("previous applied transition is absent from status history, recording with a gap")
			opts = []domain.AppendOption{domain.AcceptVersionGap()}
			continue
		}

		lastErr = err
		if attempt == e.appendAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return domain.StatusTransition{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		attempt++
	}
	return domain.StatusTransition{}, fmt.Errorf("append applied transition after %d attempts: %w", e.appendAttempts, lastErr)
}

func (e *Engine) enqueueEvent(ctx context.Context, order domain.Order, record domain.StatusTransition, logger *log.Entry) {
	if e.outbox == nil {
		return
	}

	payload, err := json.Marshal(domain.TransitionEvent{
		OrderID:         order.ID,
		From:            record.From,
		To:              record.To,
		Actor:           record.Actor,
		Reason:          record.Reason,
		Version:         order.Version,
		SequenceNo:      record.SequenceNo,
		EnteredStatusAt: order.EnteredStatusAt,
		Hash:            record.Hash,
	})
	if err == nil {
		enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendAfterApplyTimeout)
		defer cancel()
		_, err = e.outbox.Enqueue(enqueueCtx, domain.OutboxMessage{
			AggregateType: domain.AggregateOrder,
			AggregateID:   order.ID,
			EventType:     domain.EventTransitionApplied,
			Payload:       payload,
		})
	}
	if err != nil {
		logger.WithError(err).Warn("failed to enqueue transition event")
		if e.metrics != nil {
			e.metrics.RecordOutboxEnqueueFailure()
		}
	}
}

func (e *Engine) observe(outcome string, started time.Time) {
	if e.metrics != nil {
		e.metrics.RecordTransition(outcome, time.Since(started))
	}
}

// CreateOrder регистрирует новый заказ в статусе pending с версией 1.
// Пустой id заменяется сгенерированным UUID.
func (e *Engine) CreateOrder(ctx context.Context, id string, payload json.RawMessage) (domain.Order, error) {
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	order, err := domain.NewOrder(id, payload, e.now())
	if err != nil {
		return domain.Order{}, err
	}

	created, err := e.registry.Create(ctx, order)
	if err != nil {
		return domain.Order{}, err
	}
	e.logger.WithFields(log.Fields{
		"order_id": created.ID,
		"status":   created.Status,
	}).Info("order registered")
	return created, nil
}

// GetOrder возвращает текущее состояние заказа.
func (e *Engine) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	if id = strings.TrimSpace(id); id == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}
	return e.registry.Get(ctx, id)
}

// ListOrders возвращает снимок заказов по фильтру.
func (e *Engine) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	return e.registry.List(ctx, filter)
}

// History возвращает все попытки перехода заказа в порядке запросов.
func (e *Engine) History(ctx context.Context, orderID string) ([]domain.StatusTransition, error) {
	if _, err := e.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return e.history.Query(ctx, strings.TrimSpace(orderID))
}

// VerifyHistory проверяет цепочку журнала. Нарушение цепочки отражается в отчёте,
// ошибка возвращается только при сбое чтения.
func (e *Engine) VerifyHistory(ctx context.Context, orderID string) (domain.ChainReport, error) {
	records, err := e.History(ctx, orderID)
	if err != nil {
		return domain.ChainReport{}, err
	}
	report, err := domain.VerifyChain(strings.TrimSpace(orderID), records)
	if err != nil && !errors.Is(err, domain.ErrHistoryTampered) {
		return report, err
	}
	if !report.Valid {
		e.logger.WithFields(log.Fields{
			"order_id":  orderID,
			"broken_at": report.BrokenAt,
			"problem":   report.Problem,
		}).Warn("status history chain is broken")
	}
	return report, nil
}
