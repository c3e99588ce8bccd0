// Package idempotency удаляет просроченные квитанции команд по cron-расписанию.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
)

var (
	sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_receipt_sweep_runs_total",
		Help: "Receipt sweep runs grouped by result.",
	}, []string{"result"})
	receiptsPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workflow_receipts_purged_total",
		Help: "Expired command receipts removed.",
	})
	lastSweepPurged = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "workflow_receipt_sweep_last_purged",
		Help: "Receipts removed by the last sweep.",
	})
)

// Purger — часть domain.ReceiptStore, нужная воркеру.
type Purger interface {
	Purge(ctx context.Context, before time.Time, limit int) (int, error)
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupWorker)

func WithLogger(logger *log.Entry) CleanupOption {
	return func(w *CleanupWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithInterval задаёт интервал между проходами, если расписание не указано.
func WithInterval(interval time.Duration) CleanupOption {
	return func(w *CleanupWorker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithSchedule задаёт cron-расписание ("0 */6 * * *", "@hourly"). Пустая строка ничего не меняет.
func WithSchedule(spec string) CleanupOption {
	return func(w *CleanupWorker) {
		if spec != "" {
			w.schedule = spec
		}
	}
}

// WithBatchSize ограничивает одно удаление.
func WithBatchSize(batchSize int) CleanupOption {
	return func(w *CleanupWorker) {
		if batchSize > 0 {
			w.batchSize = batchSize
		}
	}
}

// CleanupWorker периодически удаляет квитанции с истёкшим сроком.
type CleanupWorker struct {
	store     Purger
	logger    *log.Entry
	interval  time.Duration
	schedule  string
	batchSize int
}

// NewCleanupWorker создаёт воркер поверх хранилища квитанций.
// Расписание из WithSchedule важнее WithInterval.
func NewCleanupWorker(store Purger, options ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{
		store:     store,
		logger:    log.WithField("component", "receipt-sweeper"),
		interval:  defaultCleanupInterval,
		batchSize: defaultCleanupBatchSize,
	}
	for _, option := range options {
		option(w)
	}
	if w.schedule == "" {
		w.schedule = "@every " + w.interval.String()
	}
	return w
}

// Run делает проход сразу и затем по расписанию до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.store == nil {
		w.logger.Warn("receipt sweeper is disabled: no store")
		return
	}

	scheduler := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(w.logger)),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	if _, err := scheduler.AddFunc(w.schedule, func() {
		w.sweepOnce(ctx, time.Now().UTC())
	}); err != nil {
		w.logger.WithError(err).WithField("schedule", w.schedule).Error("invalid receipt sweep schedule")
		return
	}

	w.sweepOnce(ctx, time.Now().UTC())
	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
}

// ValidateSchedule проверяет cron-выражение так же, как его разберёт Run.
func ValidateSchedule(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}

func (w *CleanupWorker) sweepOnce(ctx context.Context, before time.Time) {
	purged, err := w.Sweep(ctx, before)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		sweepRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).WithField("purged", purged).Warn("receipt sweep failed")
		return
	}

	sweepRunsTotal.WithLabelValues("ok").Inc()
	lastSweepPurged.Set(float64(purged))
	if purged > 0 {
		w.logger.WithField("purged", purged).Info("expired receipts removed")
	}
}

// Sweep удаляет все квитанции с ExpiresAt <= before порциями batchSize.
// Неполная порция означает, что просроченных больше нет.
func (w *CleanupWorker) Sweep(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := w.store.Purge(ctx, before, w.batchSize)
		if err != nil {
			return total, err
		}
		total += n
		receiptsPurgedTotal.Add(float64(n))
		if n < w.batchSize {
			return total, nil
		}
	}
}
