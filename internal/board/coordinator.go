package board

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/workflow"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultMaxBackoff     = time.Minute
	defaultRequestTimeout = 5 * time.Second
	defaultTickInterval   = time.Second

	pollResultOK      = "ok"
	pollResultError   = "error"
	pollResultSkipped = "skipped"
)

// ErrPollInFlight — предыдущий опрос ещё не завершён, тик пропущен.
var ErrPollInFlight = errors.New("board poll already in flight")

// PollRecorder принимает результаты опросов. Реализуется metrics.WorkflowMetrics.
type PollRecorder interface {
	RecordPoll(result string)
}

// Config задаёт расписание и пороги координатора.
type Config struct {
	PollInterval   time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
	TickInterval   time.Duration
	Thresholds     map[domain.OrderStatus]Thresholds
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.PollInterval {
		c.MaxBackoff = c.PollInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.Thresholds == nil {
		c.Thresholds = DefaultThresholds()
	}
	return c
}

// Coordinator — координатор одного клиента персонала.
// Реестр остаётся единственным источником истины; доска пересобирается целиком
// после каждого опроса и каждого ответа на переход.
type Coordinator struct {
	source       SnapshotSource
	transitioner Transitioner
	cfg          Config
	logger       *log.Entry
	metrics      PollRecorder
	now          func() time.Time

	pollMu sync.Mutex

	mu           sync.Mutex
	snapshot     []domain.Order
	optimistic   map[string]speculativeCard
	moves        uint64
	unknown      map[string]uint64
	pollsStarted uint64
	lastSuccess  time.Time
	failures     int
	nextPollAt   time.Time
	current      Board
	observers    []func(Board)

	nudges chan struct{}
	cron   *cron.Cron
	cancel context.CancelFunc
	done   chan struct{}
}

// CoordinatorOption настраивает Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger задаёт logger координатора.
func WithLogger(logger *log.Entry) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// WithPollRecorder задаёт приёмник метрик опроса.
func WithPollRecorder(recorder PollRecorder) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = recorder }
}

// WithClock подменяет локальные часы клиента.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator создаёт координатор. Опрос не запускается до Start.
func NewCoordinator(source SnapshotSource, transitioner Transitioner, cfg Config, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		source:       source,
		transitioner: transitioner,
		cfg:          cfg.withDefaults(),
		now:          func() time.Time { return time.Now().UTC() },
		optimistic:   make(map[string]speculativeCard),
		unknown:      make(map[string]uint64),
		nudges:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.New().WithField("component", "board-coordinator")
	}
	c.current = Board{Buckets: build(c.now(), nil, nil, c.cfg.Thresholds), GeneratedAt: c.now()}
	return c
}

// OnUpdate регистрирует наблюдателя пересобранной доски.
// Наблюдатели вызываются синхронно и не должны блокироваться.
func (c *Coordinator) OnUpdate(fn func(Board)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Board возвращает последний построенный снимок доски.
func (c *Coordinator) Board() Board {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Start выполняет первый опрос и запускает расписание: опрос раз в PollInterval
// и локальный пересчёт срочности раз в TickInterval.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.cron != nil {
		return errors.New("board coordinator already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	sched := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(c.logger)),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", c.cfg.PollInterval), func() { c.scheduledPoll(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule board poll: %w", err)
	}
	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", c.cfg.TickInterval), c.Tick); err != nil {
		cancel()
		return fmt.Errorf("schedule urgency tick: %w", err)
	}

	c.cron = sched
	c.cancel = cancel
	c.done = make(chan struct{})

	if err := c.Refresh(runCtx); err != nil {
		c.logger.WithError(err).Warn("initial board poll failed")
	}

	go c.nudgeLoop(runCtx)
	sched.Start()
	c.logger.WithFields(log.Fields{
		"poll_interval": c.cfg.PollInterval,
		"tick_interval": c.cfg.TickInterval,
	}).Info("board coordinator started")
	return nil
}

// Stop останавливает расписание и ждёт завершения текущих задач.
func (c *Coordinator) Stop() {
	if c.cron == nil {
		return
	}
	<-c.cron.Stop().Done()
	c.cancel()
	<-c.done
	c.logger.Info("board coordinator stopped")
}

// Nudge просит внеочередной опрос. Подсказки склеиваются: в очереди не больше одной.
func (c *Coordinator) Nudge() {
	select {
	case c.nudges <- struct{}{}:
	default:
	}
}

func (c *Coordinator) nudgeLoop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.nudges:
			if err := c.refresh(ctx, true); err != nil && ctx.Err() == nil {
				c.logger.WithError(err).Debug("nudged board poll failed")
			}
		}
	}
}

// scheduledPoll — тик расписания опроса. Пропускается, если опрос уже идёт
// или не истёк backoff после ошибок.
func (c *Coordinator) scheduledPoll(ctx context.Context) {
	c.mu.Lock()
	wait := c.nextPollAt
	c.mu.Unlock()
	if !wait.IsZero() && c.now().Before(wait) {
		return
	}

	if err := c.Refresh(ctx); err != nil && !errors.Is(err, ErrPollInFlight) {
		c.logger.WithError(err).Warn("board poll failed")
	}
}

// Refresh выполняет опрос, если другой опрос не идёт; иначе ErrPollInFlight.
func (c *Coordinator) Refresh(ctx context.Context) error {
	return c.refresh(ctx, false)
}

func (c *Coordinator) refresh(ctx context.Context, wait bool) error {
	if wait {
		c.pollMu.Lock()
	} else if !c.pollMu.TryLock() {
		c.recordPoll(pollResultSkipped)
		return ErrPollInFlight
	}
	defer c.pollMu.Unlock()

	c.mu.Lock()
	c.pollsStarted++
	seq := c.pollsStarted
	c.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	orders, err := c.source.FetchSnapshot(fetchCtx)
	cancel()

	now := c.now()
	c.mu.Lock()
	if err != nil {
		c.failures++
		c.nextPollAt = now.Add(backoff(c.cfg.PollInterval, c.cfg.MaxBackoff, c.failures))
		failures := c.failures
		board := c.rebuildLocked(now)
		c.mu.Unlock()

		c.recordPoll(pollResultError)
		c.notify(board)
		c.logger.WithError(err).WithField("consecutive_failures", failures).Warn("board snapshot is stale")
		if !domain.IsTransient(err) {
			err = fmt.Errorf("%w: %w", domain.ErrTransient, err)
		}
		return err
	}

	c.snapshot = orders
	c.failures = 0
	c.nextPollAt = time.Time{}
	c.lastSuccess = now
	for id, markedAt := range c.unknown {
		if markedAt < seq {
			delete(c.unknown, id)
		}
	}
	board := c.rebuildLocked(now)
	c.mu.Unlock()

	c.recordPoll(pollResultOK)
	c.notify(board)
	return nil
}

// Tick пересчитывает срочность по уже полученным меткам времени без обращения к сети.
func (c *Coordinator) Tick() {
	now := c.now()
	c.mu.Lock()
	board := c.rebuildLocked(now)
	c.mu.Unlock()
	c.notify(board)
}

// RequestTransition отправляет переход и оптимистично переносит карточку в целевой статус.
//
// Любая ошибка откатывает оптимистичную правку. Конфликт запускает фоновый опрос.
// Таймаут или Transient означают неизвестный исход: заказ помечается, запускается
// немедленный опрос, и до успешного опроса, начатого после пометки, новые запросы
// по заказу отклоняются с domain.ErrOutcomeUnknown без обращения к серверу.
func (c *Coordinator) RequestTransition(ctx context.Context, req workflow.TransitionRequest) (domain.Order, error) {
	c.mu.Lock()
	if _, marked := c.unknown[req.OrderID]; marked {
		c.mu.Unlock()
		return domain.Order{}, fmt.Errorf("%w: order %s", domain.ErrOutcomeUnknown, req.OrderID)
	}
	var move uint64
	base, known := c.findLocked(req.OrderID)
	if known && base.Version == req.ExpectedVersion && base.Status == req.ExpectedStatus {
		speculative := base.Clone()
		speculative.Status = req.TargetStatus
		speculative.Version = base.Version + 1
		c.moves++
		move = c.moves
		c.optimistic[req.OrderID] = speculativeCard{order: speculative, move: move}
	}
	board := c.rebuildLocked(c.now())
	c.mu.Unlock()
	c.notify(board)

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	updated, err := c.transitioner.Transition(reqCtx, req)
	timedOut := reqCtx.Err() != nil
	cancel()

	logger := c.logger.WithFields(log.Fields{
		"order_id": req.OrderID,
		"actor":    req.Actor,
		"from":     req.ExpectedStatus,
		"to":       req.TargetStatus,
	})

	c.mu.Lock()
	// Параллельный запрос по тому же заказу мог заменить правку своей.
	if card, ok := c.optimistic[req.OrderID]; ok && move != 0 && card.move == move {
		delete(c.optimistic, req.OrderID)
	}
	switch {
	case err == nil:
		c.applyLocked(updated)
	case domain.IsTransient(err) || timedOut || errors.Is(err, context.DeadlineExceeded):
		c.unknown[req.OrderID] = c.pollsStarted
		err = fmt.Errorf("%w: %w", domain.ErrOutcomeUnknown, err)
	}
	board = c.rebuildLocked(c.now())
	c.mu.Unlock()
	c.notify(board)

	switch {
	case err == nil:
		logger.WithField("version", updated.Version).Info("transition applied")
		return updated, nil
	case errors.Is(err, domain.ErrOutcomeUnknown):
		logger.WithError(err).Warn("transition outcome unknown, refetching")
		c.Nudge()
	case domain.IsVersionConflict(err):
		logger.Info("transition conflicted, refreshing board")
		c.Nudge()
	default:
		logger.WithError(err).Info("transition rejected")
	}
	return domain.Order{}, err
}

// OutcomeUnknown сообщает, ждёт ли заказ повторного опроса после неизвестного исхода.
func (c *Coordinator) OutcomeUnknown(orderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, marked := c.unknown[orderID]
	return marked
}

func (c *Coordinator) findLocked(orderID string) (domain.Order, bool) {
	for _, order := range c.snapshot {
		if order.ID == orderID {
			return order, true
		}
	}
	return domain.Order{}, false
}

// applyLocked подставляет ответ сервера в снимок, если он новее.
func (c *Coordinator) applyLocked(updated domain.Order) {
	for i, order := range c.snapshot {
		if order.ID != updated.ID {
			continue
		}
		if updated.Version > order.Version {
			if len(updated.Payload) == 0 {
				updated.Payload = order.Payload
			}
			next := make([]domain.Order, len(c.snapshot))
			copy(next, c.snapshot)
			next[i] = updated
			c.snapshot = next
		}
		return
	}
	c.snapshot = append(append([]domain.Order(nil), c.snapshot...), updated)
}

func (c *Coordinator) rebuildLocked(now time.Time) Board {
	c.current = Board{
		Buckets:             build(now, c.snapshot, c.optimistic, c.cfg.Thresholds),
		GeneratedAt:         now,
		Stale:               c.failures > 0,
		LastSuccess:         c.lastSuccess,
		ConsecutiveFailures: c.failures,
	}
	return c.current
}

func (c *Coordinator) notify(board Board) {
	c.mu.Lock()
	observers := make([]func(Board), len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(board)
	}
}

func (c *Coordinator) recordPoll(result string) {
	if c.metrics != nil {
		c.metrics.RecordPoll(result)
	}
}

// backoff — задержка перед следующим опросом после failures ошибок подряд:
// min(interval * 2^(failures-1), max).
func backoff(interval, max time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	delay := interval
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
