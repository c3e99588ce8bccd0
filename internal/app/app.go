package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/orderflow/internal/authn"
	"github.com/vladislavdragonenkov/orderflow/internal/board"
	healthcheck "github.com/vladislavdragonenkov/orderflow/internal/health"
	"github.com/vladislavdragonenkov/orderflow/internal/httpapi"
	"github.com/vladislavdragonenkov/orderflow/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orderflow/internal/metrics"
	grpcsvc "github.com/vladislavdragonenkov/orderflow/internal/service/grpc"
	"github.com/vladislavdragonenkov/orderflow/internal/service/idempotency"
	"github.com/vladislavdragonenkov/orderflow/internal/service/outbox"
	"github.com/vladislavdragonenkov/orderflow/internal/version"
	"github.com/vladislavdragonenkov/orderflow/internal/workflow"
)

// ConfigureLogging настраивает глобальный logrus по секции log.
func ConfigureLogging(cfg LogConfig) error {
	level, err := log.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stdout)

	switch strings.ToLower(cfg.Format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unsupported log format %q", cfg.Format)
	}
	return nil
}

// Run поднимает HTTP API, gRPC-шлюз авторизации, сервер метрик и фоновые воркеры
// и блокируется до отмены ctx или падения одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	if err := cfg.Validate(); err != nil {
		return err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	gate, policy, closeGate, err := createGate(cfg.Authz, logger.WithField("component", "authz"))
	if err != nil {
		return err
	}
	defer func() { _ = closeGate() }()

	workflowMetrics := metrics.NewWorkflowMetrics()

	kafkaProducer, err := initKafkaProducer(cfg.Kafka, logger)
	if err != nil {
		kafkaProducer = nil
	}
	defer closeKafka(kafkaProducer, logger)

	engineOpts := []workflow.Option{
		workflow.WithMetrics(workflowMetrics),
		workflow.WithLogger(log.WithField("component", "workflow")),
		workflow.WithRequestTimeout(cfg.Transition.RequestTimeout),
		workflow.WithAppendRetry(cfg.Transition.AppendAttempts, cfg.Transition.AppendBackoff),
	}
	if kafkaProducer != nil {
		engineOpts = append(engineOpts, workflow.WithOutbox(deps.outboxRepo))
	}
	engine := workflow.NewEngine(deps.registry, deps.history, gate, engineOpts...)

	apiOpts := []httpapi.ServerOption{
		httpapi.WithIdempotency(deps.receipts, cfg.Idempotency.TTL),
		httpapi.WithServerLogger(log.WithField("component", "http-api")),
	}
	if cfg.Auth.JWTSecret != "" {
		signer, err := authn.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			return err
		}
		apiOpts = append(apiOpts, httpapi.WithAuthentication(signer))
	}
	api := httpapi.NewServer(engine, apiOpts...)

	healthHandler := healthcheck.NewHandler(version.Current())
	for name, checker := range deps.checkers {
		healthHandler.Register(name, checker)
	}

	workers := newWorkerGroup(ctx)
	defer workers.stop()

	if kafkaProducer != nil {
		publisher := outboxPublisher(kafkaProducer, cfg.Kafka)
		worker := outbox.NewWorker(deps.outboxRepo, publisher,
			outbox.WithDLQPublisher(publisher),
			outbox.WithLogger(log.WithField("component", "outbox-worker")),
			outbox.WithPollInterval(cfg.Outbox.PollInterval),
			outbox.WithBatchSize(cfg.Outbox.BatchSize),
			outbox.WithMaxAttempts(cfg.Outbox.MaxAttempts),
			outbox.WithRetryBaseDelay(cfg.Outbox.RetryDelay),
		)
		workers.goRun(worker.Run)
	}

	cleanup := idempotency.NewCleanupWorker(deps.receipts,
		idempotency.WithSchedule(cfg.Idempotency.CleanupSchedule),
		idempotency.WithBatchSize(cfg.Idempotency.CleanupBatchSize),
	)
	workers.goRun(cleanup.Run)

	var coordinator *board.Coordinator
	if cfg.Board.Enabled {
		coordinator = board.NewCoordinator(
			board.NewPollingSource(engine, cfg.Board.TerminalWindow),
			board.EngineTransitioner(engine),
			board.Config{
				PollInterval:   cfg.Board.PollInterval,
				MaxBackoff:     cfg.Board.MaxBackoff,
				RequestTimeout: cfg.Transition.RequestTimeout,
				TickInterval:   cfg.Board.TickInterval,
			},
			board.WithLogger(log.WithField("component", "board")),
			board.WithPollRecorder(workflowMetrics),
		)
		coordinator.OnUpdate(func(b board.Board) {
			workflowMetrics.SetBoard(b.Counts(), b.Stale)
		})
		if err := coordinator.Start(workers.ctx); err != nil {
			return fmt.Errorf("start board coordinator: %w", err)
		}
		defer coordinator.Stop()
		healthHandler.Register("board", healthcheck.Staleness(func() (bool, time.Time) {
			b := coordinator.Board()
			return b.Stale, b.LastSuccess
		}))
	}

	if coordinator != nil {
		consumer, err := initNudgeConsumer(cfg.Kafka, coordinator, kafkaProducer, logger)
		if err != nil {
			logger.WithError(err).Warn("failed to create kafka consumer, board relies on polling")
		} else if consumer != nil {
			if err := consumer.Start(workers.ctx); err == nil {
				defer func() {
					if err := consumer.Stop(); err != nil {
						logger.WithError(err).Warn("failed to stop kafka consumer")
					}
				}()
			}
		}
	}

	grpcMetrics := promgrpc.NewServerMetrics()
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}
	if policy != nil {
		grpcsvc.RegisterAuthorizationServer(grpcServer, grpcsvc.NewAuthorizationServer(policy, log.WithField("component", "authz-grpc")))
	}
	grpcMetrics.InitializeMetrics(grpcServer)
	reflection.Register(grpcServer)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	metricsSrv := startMetricsServer(ctx, cfg.Server.MetricsAddr, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger)

	httpLis, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	apiSrv := &http.Server{Handler: api.Handler(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("HTTP API слушает %s", httpLis.Addr())
		if err := apiSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.Server.GRPCAddr != "" {
		grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			shutdownHTTP(apiSrv, logger)
			return fmt.Errorf("listen grpc: %w", err)
		}
		go func() {
			logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
			if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		runErr = ctx.Err()
	case runErr = <-errCh:
		logger.WithError(runErr).Error("server failed")
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownHTTP(apiSrv, logger)
	stopGRPC(grpcServer, cfg.Server.ShutdownTimeout, logger)
	return runErr
}

// stopGRPC останавливает gRPC-сервер, дожидаясь активных вызовов не дольше timeout.
func stopGRPC(srv *grpc.Server, timeout time.Duration, logger *log.Entry) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		srv.Stop()
	}
}

// workerGroup запускает фоновые воркеры и ждёт их завершения при остановке.
type workerGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newWorkerGroup(parent context.Context) *workerGroup {
	ctx, cancel := context.WithCancel(parent)
	return &workerGroup{ctx: ctx, cancel: cancel}
}

func (g *workerGroup) goRun(run func(context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		run(g.ctx)
	}()
}

func (g *workerGroup) stop() {
	g.cancel()
	g.wg.Wait()
}

var _ kafka.Nudger = (*board.Coordinator)(nil)

// opsMux — служебные ручки: метрики Prometheus и пробы здоровья.
func opsMux(healthHandler *healthcheck.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.Live)
	mux.HandleFunc("/readyz", healthHandler.Ready)
	return mux
}

// startMetricsServer поднимает opsMux на addr и гасит его вместе с ctx.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: opsMux(healthHandler), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
