package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/orderflow/internal/health"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/memory"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/orderflow/internal/storage/redis"
)

// pingTimeout ограничивает проверку Redis при старте.
const pingTimeout = 2 * time.Second

// runtimeDependencies — хранилища, выбранные конфигурацией, и их проверки здоровья.
type runtimeDependencies struct {
	registry   domain.OrderRegistry
	history    domain.HistoryLog
	outboxRepo domain.OutboxRepository
	receipts   domain.ReceiptStore
	checkers   map[string]healthcheck.Checker
	closers    []func() error
}

func (d *runtimeDependencies) close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// initRuntimeDependencies открывает хранилище и журнал по конфигурации.
// При ошибке уже открытые подключения закрываются.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (deps *runtimeDependencies, err error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	deps = &runtimeDependencies{checkers: make(map[string]healthcheck.Checker)}
	defer func() {
		if err != nil {
			_ = deps.close()
			deps = nil
		}
	}()

	switch cfg.Storage.Driver {
	case StorageDriverMemory, "":
		deps.registry = memory.NewOrderRegistry()
		deps.history = memory.NewHistoryLog()
		deps.outboxRepo = memory.NewOutboxRepository()
		deps.receipts = memory.NewReceiptStore()
		logger.Info("using in-memory storage")

	case StorageDriverPostgres:
		if cfg.Storage.PostgresDSN == "" {
			return nil, errors.New("postgres dsn is required for postgres storage driver")
		}
		store, err := postgres.Open(ctx, cfg.Storage.PostgresDSN, postgres.PoolConfig{
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres storage: %w", err)
		}
		deps.closers = append(deps.closers, store.Close)

		if cfg.Storage.AutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
		}

		deps.registry = postgres.NewOrderRegistry(store)
		deps.history = postgres.NewHistoryLog(store)
		deps.outboxRepo = postgres.NewOutboxRepository(store)
		deps.receipts = postgres.NewReceiptStore(store)
		deps.checkers["storage"] = healthcheck.Ping(store.Ping)
		if err := prometheus.Register(store.StatsCollector("workflow")); err != nil {
			logger.WithError(err).Debug("postgres pool collector is already registered")
		}
		logger.Info("using postgres storage")

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}

	switch cfg.History.Backend {
	case HistoryBackendStorage, "":
	case HistoryBackendRedis:
		client, err := redisstore.Connect(cfg.History.RedisAddr)
		if err != nil {
			return nil, err
		}
		deps.closers = append(deps.closers, client.Close)

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("ping redis history backend: %w", err)
		}

		deps.history = redisstore.NewHistoryLog(client)
		deps.checkers["history"] = healthcheck.Ping(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		logger.WithField("addr", cfg.History.RedisAddr).Info("status history stored in redis")

	default:
		return nil, fmt.Errorf("unsupported history backend %q", cfg.History.Backend)
	}

	return deps, nil
}
