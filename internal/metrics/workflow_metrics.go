package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkflowMetrics содержит метрики движка переходов и доски координатора.
type WorkflowMetrics struct {
	// Исходы попыток перехода
	transitions        *prometheus.CounterVec
	transitionDuration prometheus.Histogram

	// Журнал и outbox
	historyAppendFailures prometheus.Counter
	outboxEnqueueFailures prometheus.Counter

	// Доска координатора
	polls       *prometheus.CounterVec
	boardOrders *prometheus.GaugeVec
	boardStale  prometheus.Gauge
}

// NewWorkflowMetrics создаёт метрики в глобальном реестре Prometheus.
func NewWorkflowMetrics() *WorkflowMetrics {
	return NewWorkflowMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWorkflowMetricsWithRegisterer создаёт метрики в заданном реестре.
func NewWorkflowMetricsWithRegisterer(registerer prometheus.Registerer) *WorkflowMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &WorkflowMetrics{
		transitions: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_transitions_total",
			Help: "Transition attempts by outcome",
		}, []string{"outcome"})),
		transitionDuration: register(registerer, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "workflow_transition_duration_seconds",
			Help:    "Duration of transition requests in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2.5, 10),
		})),
		historyAppendFailures: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_history_append_failures_total",
			Help: "Status history records that could not be persisted",
		})),
		outboxEnqueueFailures: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_outbox_enqueue_failures_total",
			Help: "Applied transitions whose event could not be enqueued",
		})),
		polls: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_board_polls_total",
			Help: "Board snapshot polls by result",
		}, []string{"result"})),
		boardOrders: register(registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workflow_board_orders",
			Help: "Orders currently on the board by status and urgency tier",
		}, []string{"status", "tier"})),
		boardStale: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workflow_board_stale",
			Help: "1 when the board snapshot is stale after failed polls",
		})),
	}
}

// register регистрирует collector. Если метрика уже есть в реестре, возвращается существующая.
func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	err := registerer.Register(collector)
	if err == nil {
		return collector
	}
	var dup prometheus.AlreadyRegisteredError
	if !errors.As(err, &dup) {
		panic(fmt.Sprintf("register metric: %v", err))
	}
	existing, ok := dup.ExistingCollector.(C)
	if !ok {
		panic(fmt.Sprintf("metric already registered as %T", dup.ExistingCollector))
	}
	return existing
}

// RecordTransition учитывает исход попытки перехода и её длительность.
// Исход "error" означает, что попытка не дошла до журнала.
func (m *WorkflowMetrics) RecordTransition(outcome string, duration time.Duration) {
	m.transitions.WithLabelValues(outcome).Inc()
	m.transitionDuration.Observe(duration.Seconds())
}

// RecordHistoryAppendFailure увеличивает счётчик потерянных записей журнала.
func (m *WorkflowMetrics) RecordHistoryAppendFailure() {
	m.historyAppendFailures.Inc()
}

// RecordOutboxEnqueueFailure увеличивает счётчик событий, не попавших в outbox.
func (m *WorkflowMetrics) RecordOutboxEnqueueFailure() {
	m.outboxEnqueueFailures.Inc()
}

// RecordPoll учитывает результат опроса снимка: ok, error, skipped.
func (m *WorkflowMetrics) RecordPoll(result string) {
	m.polls.WithLabelValues(result).Inc()
}

// SetBoard перезаписывает gauge доски: counts[status][tier] = число заказов.
func (m *WorkflowMetrics) SetBoard(counts map[string]map[string]int, stale bool) {
	m.boardOrders.Reset()
	for status, tiers := range counts {
		for tier, n := range tiers {
			m.boardOrders.WithLabelValues(status, tier).Set(float64(n))
		}
	}
	if stale {
		m.boardStale.Set(1)
	} else {
		m.boardStale.Set(0)
	}
}
