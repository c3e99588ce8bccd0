// Package health собирает состояние сервиса для /healthz, /livez и /readyz.
//
// Проба возвращает один из трёх статусов. Unhealthy снимает сервис с балансировки,
// degraded только отражается в отчёте: устаревшая доска не мешает принимать переходы.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/version"
)

// Status — итог пробы или всего отчёта.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// DefaultProbeTimeout ограничивает одну пробу, если не задано иное.
const DefaultProbeTimeout = 2 * time.Second

// rank упорядочивает статусы по тяжести.
func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Result — ответ одной пробы.
type Result struct {
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report — тело /healthz.
type Report struct {
	Status    Status            `json:"status"`
	Build     version.Build     `json:"build"`
	Uptime    string            `json:"uptime"`
	CheckedAt time.Time         `json:"checked_at"`
	Probes    map[string]Result `json:"probes,omitempty"`
}

// Checker выполняет одну пробу. Контекст уже ограничен таймаутом обработчика.
type Checker interface {
	Check(ctx context.Context) Result
}

// CheckerFunc позволяет использовать функцию как Checker.
type CheckerFunc func(ctx context.Context) Result

func (f CheckerFunc) Check(ctx context.Context) Result { return f(ctx) }

// Ping превращает проверку соединения в пробу: ошибка означает unhealthy.
func Ping(ping func(ctx context.Context) error) Checker {
	return CheckerFunc(func(ctx context.Context) Result {
		if err := ping(ctx); err != nil {
			return Result{Status: StatusUnhealthy, Message: err.Error()}
		}
		return Result{Status: StatusHealthy}
	})
}

// Staleness отмечает degraded, пока snapshot сообщает об устаревании.
// lastSuccess попадает в сообщение; нулевое время значит, что успешного опроса ещё не было.
func Staleness(snapshot func() (stale bool, lastSuccess time.Time)) Checker {
	return CheckerFunc(func(context.Context) Result {
		stale, last := snapshot()
		if !stale {
			return Result{Status: StatusHealthy}
		}
		if last.IsZero() {
			return Result{Status: StatusDegraded, Message: "no successful refresh yet"}
		}
		return Result{
			Status:  StatusDegraded,
			Message: "stale since " + last.UTC().Format(time.RFC3339),
		}
	})
}

// Option настраивает Handler.
type Option func(*Handler)

// WithProbeTimeout задаёт таймаут одной пробы.
func WithProbeTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithClock подменяет часы в тестах.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// Handler хранит зарегистрированные пробы и отдаёт отчёт.
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	build    version.Build
	timeout  time.Duration
	now      func() time.Time
	started  time.Time
}

// NewHandler создаёт обработчик для указанной сборки.
func NewHandler(build version.Build, opts ...Option) *Handler {
	h := &Handler{
		checkers: make(map[string]Checker),
		build:    build,
		timeout:  DefaultProbeTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.started = h.now()
	return h
}

// Register добавляет пробу; повторное имя заменяет прежнюю.
func (h *Handler) Register(name string, checker Checker) {
	if checker == nil {
		return
	}
	h.mu.Lock()
	h.checkers[name] = checker
	h.mu.Unlock()
}

// Evaluate запускает все пробы параллельно и сводит статус к худшему из них.
func (h *Handler) Evaluate(ctx context.Context) Report {
	h.mu.RLock()
	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	checkers := make([]Checker, len(names))
	sort.Strings(names)
	for i, name := range names {
		checkers[i] = h.checkers[name]
	}
	h.mu.RUnlock()

	results := make([]Result, len(names))
	var wg sync.WaitGroup
	for i := range checkers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.run(ctx, checkers[i])
		}(i)
	}
	wg.Wait()

	now := h.now()
	report := Report{
		Status:    StatusHealthy,
		Build:     h.build,
		Uptime:    now.Sub(h.started).Truncate(time.Second).String(),
		CheckedAt: now.UTC(),
	}
	if len(names) > 0 {
		report.Probes = make(map[string]Result, len(names))
	}
	for i, name := range names {
		report.Probes[name] = results[i]
		if results[i].Status.rank() > report.Status.rank() {
			report.Status = results[i].Status
		}
	}
	return report
}

func (h *Handler) run(ctx context.Context, checker Checker) Result {
	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	started := h.now()
	done := make(chan Result, 1)
	go func() { done <- checker.Check(probeCtx) }()

	var res Result
	select {
	case res = <-done:
	case <-probeCtx.Done():
		res = Result{Status: StatusUnhealthy, Message: "probe timed out"}
	}
	if res.Status == "" {
		res.Status = StatusUnhealthy
	}
	res.LatencyMS = h.now().Sub(started).Milliseconds()
	return res
}

// ServeHTTP отдаёт полный отчёт. 503 возвращается только для unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.Evaluate(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode(report.Status))
	_ = json.NewEncoder(w).Encode(report)
}

// Ready отвечает на readiness-пробу оркестратора.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	report := h.Evaluate(r.Context())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode(report.Status))
	if report.Status == StatusUnhealthy {
		_, _ = w.Write([]byte("not ready"))
		return
	}
	_, _ = w.Write([]byte("ready"))
}

// Live отвечает, пока процесс способен обслуживать HTTP.
func Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func statusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
