// Package outbox доставляет события о применённых переходах из transactional outbox в брокер.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
)

var (
	deliveryOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_outbox_deliveries_total",
		Help: "Outbox events by delivery outcome: sent, dead_lettered, deferred, dlq_failed.",
	}, []string{"outcome"})
	publishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_outbox_publish_attempts_total",
		Help: "Broker publish attempts for outbox events by result.",
	}, []string{"result"})
	pendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "workflow_outbox_pending_records",
		Help: "Transition events waiting in the outbox.",
	})
	oldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "workflow_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending transition event.",
	})
)

// EventDeadLetter — тип сообщения, которое уходит в DLQ после исчерпания попыток.
const EventDeadLetter = "outbox.dead_letter"

// DeadLetter — тело сообщения EventDeadLetter. Исходное событие вложено без изменений,
// поэтому workflowctl dlq replay может восстановить его конверт.
type DeadLetter struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PublishError   string          `json:"publish_error"`
	DLQPublishedAt time.Time       `json:"dlq_published_at"`
}

// NewDeadLetter заворачивает недоставленное событие в сообщение для DLQ.
// ID и агрегат сохраняются: письмо ложится в ту же партицию, что и события заказа.
func NewDeadLetter(event domain.OutboxMessage, cause error, at time.Time) (domain.OutboxMessage, error) {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	payload, err := json.Marshal(DeadLetter{
		OutboxID:       event.ID,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		EventType:      event.EventType,
		Payload:        json.RawMessage(event.Payload),
		PublishError:   reason,
		DLQPublishedAt: at.UTC(),
	})
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("encode dead letter %s: %w", event.ID, err)
	}
	return domain.OutboxMessage{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     EventDeadLetter,
		Payload:       payload,
	}, nil
}

// CycleStats — итог одного прохода по outbox.
type CycleStats struct {
	Pulled       int
	Sent         int
	DeadLettered int
	// Deferred — события заказа, чьё более раннее событие в этом проходе ушло в DLQ.
	// Они остаются pending до следующего прохода.
	Deferred int
}

// Option настраивает Worker.
type Option func(*Worker)

func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDLQPublisher задаёт получателя писем EventDeadLetter. Без него событие только помечается failed.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) { w.dlq = publisher }
}

func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

func WithBatchSize(size int) Option {
	return func(w *Worker) {
		if size > 0 {
			w.batchSize = size
		}
	}
}

// WithMaxAttempts ограничивает число попыток публикации одного события.
func WithMaxAttempts(attempts int) Option {
	return func(w *Worker) {
		if attempts > 0 {
			w.maxAttempts = attempts
		}
	}
}

// WithRetryBaseDelay задаёт первую паузу между попытками; каждая следующая вдвое длиннее.
// Ноль отключает паузы.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) {
		if delay < 0 {
			delay = 0
		}
		w.retryBaseDelay = delay
	}
}

// WithClock подменяет часы в тестах.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// Worker периодически забирает pending-события и публикует их по порядку создания.
type Worker struct {
	repo           domain.OutboxRepository
	publisher      domain.OutboxPublisher
	dlq            domain.OutboxPublisher
	logger         *log.Entry
	now            func() time.Time
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, opts ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		logger:         log.WithField("component", "outbox-worker"),
		now:            time.Now,
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if stats := w.ProcessOnce(ctx); stats.DeadLettered > 0 || stats.Deferred > 0 {
			w.logger.WithFields(log.Fields{
				"pulled":        stats.Pulled,
				"sent":          stats.Sent,
				"dead_lettered": stats.DeadLettered,
				"deferred":      stats.Deferred,
			}).Warn("outbox cycle finished with undelivered events")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce публикует одну порцию pending-событий.
// Событие, не ушедшее за maxAttempts попыток, отправляется в DLQ и помечается failed;
// остальные события того же заказа в этой порции не трогаются.
func (w *Worker) ProcessOnce(ctx context.Context) CycleStats {
	var stats CycleStats
	if ctx.Err() != nil {
		return stats
	}
	defer w.refreshBacklog(ctx)

	events, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox events")
		return stats
	}
	stats.Pulled = len(events)

	blocked := make(map[string]struct{})
	for _, event := range events {
		if ctx.Err() != nil {
			return stats
		}
		entry := w.logger.WithFields(log.Fields{
			"outbox_id": event.ID,
			"order_id":  event.AggregateID,
		})

		if _, held := blocked[event.AggregateID]; held && event.AggregateID != "" {
			stats.Deferred++
			deliveryOutcomes.WithLabelValues("deferred").Inc()
			continue
		}

		publishErr := w.publish(ctx, event)
		if publishErr == nil {
			stats.Sent++
			deliveryOutcomes.WithLabelValues("sent").Inc()
			if err := w.repo.MarkSent(ctx, event.ID); err != nil {
				entry.WithError(err).Warn("event published but not marked sent; it will be published again")
			}
			continue
		}
		if ctx.Err() != nil {
			return stats
		}

		entry.WithError(publishErr).Error("outbox event exhausted publish attempts")
		blocked[event.AggregateID] = struct{}{}
		stats.DeadLettered++
		deliveryOutcomes.WithLabelValues("dead_lettered").Inc()

		if err := w.deadLetter(event, publishErr); err != nil {
			entry.WithError(err).Warn("failed to publish dead letter")
			deliveryOutcomes.WithLabelValues("dlq_failed").Inc()
		}
		if err := w.repo.MarkFailed(ctx, event.ID); err != nil {
			entry.WithError(err).Warn("failed to mark outbox event as failed")
		}
	}
	return stats
}

func (w *Worker) publish(ctx context.Context, event domain.OutboxMessage) error {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if lastErr = w.publisher.Publish(event); lastErr == nil {
			publishAttempts.WithLabelValues("ok").Inc()
			return nil
		}
		publishAttempts.WithLabelValues("error").Inc()
		if attempt == w.maxAttempts {
			break
		}

		if delay := w.retryBackoff(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return fmt.Errorf("%w: %d attempts: %w", domain.ErrOutboxPublish, w.maxAttempts, lastErr)
}

func (w *Worker) deadLetter(event domain.OutboxMessage, cause error) error {
	if w.dlq == nil {
		return nil
	}
	letter, err := NewDeadLetter(event, cause, w.now())
	if err != nil {
		return err
	}
	return w.dlq.Publish(letter)
}

// retryBackoff возвращает паузу после попытки attempt: base, 2*base, 4*base...
func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 || attempt < 1 {
		return 0
	}
	const ceiling = time.Duration(1<<63 - 1)
	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		if delay > ceiling/2 {
			return ceiling
		}
		delay *= 2
	}
	return delay
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Debug("failed to collect outbox backlog stats")
		return
	}
	pendingRecords.Set(float64(stats.PendingCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		oldestPendingAge.Set(0)
		return
	}
	oldestPendingAge.Set(max(w.now().Sub(stats.OldestPendingAt).Seconds(), 0))
}
