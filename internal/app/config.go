package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/vladislavdragonenkov/orderflow/internal/board"
	"github.com/vladislavdragonenkov/orderflow/internal/service/idempotency"
)

// EnvPrefix — префикс переменных окружения: WORKFLOW_STORAGE_POSTGRES_DSN -> storage.postgres_dsn.
const EnvPrefix = "WORKFLOW_"

const maxConfigFileSize = 1 << 20

// Поддерживаемые хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Бэкенды журнала статусов.
const (
	HistoryBackendStorage = "storage"
	HistoryBackendRedis   = "redis"
)

// Режимы шлюза авторизации.
const (
	AuthzModeStatic = "static"
	AuthzModeGRPC   = "grpc"
)

// Config описывает все настройки сервиса.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Log         LogConfig         `koanf:"log"`
	Storage     StorageConfig     `koanf:"storage"`
	History     HistoryConfig     `koanf:"history"`
	Authz       AuthzConfig       `koanf:"authz"`
	Auth        AuthConfig        `koanf:"auth"`
	Transition  TransitionConfig  `koanf:"transition"`
	Kafka       KafkaConfig       `koanf:"kafka"`
	Outbox      OutboxConfig      `koanf:"outbox"`
	Idempotency IdempotencyConfig `koanf:"idempotency"`
	Board       BoardConfig       `koanf:"board"`
}

type ServerConfig struct {
	HTTPAddr        string        `koanf:"http_addr"`
	GRPCAddr        string        `koanf:"grpc_addr"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StorageConfig нулевые параметры пула заменяются значениями postgres.DefaultPoolConfig.
type StorageConfig struct {
	Driver          string        `koanf:"driver"`
	PostgresDSN     string        `koanf:"postgres_dsn"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// HistoryConfig выбирает, где живёт журнал: рядом с реестром или в Redis.
type HistoryConfig struct {
	Backend   string `koanf:"backend"`
	RedisAddr string `koanf:"redis_addr"`
}

// AuthzConfig задаёт шлюз авторизации. Grants — actor -> список действий ("transition:ready", "transition:*").
// BreakerFailures и BreakerReset действуют только в режиме grpc.
type AuthzConfig struct {
	Mode            string              `koanf:"mode"`
	Addr            string              `koanf:"addr"`
	Timeout         time.Duration       `koanf:"timeout"`
	BreakerFailures int                 `koanf:"breaker_failures"`
	BreakerReset    time.Duration       `koanf:"breaker_reset"`
	Grants          map[string][]string `koanf:"grants"`
}

type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
	Issuer    string `koanf:"issuer"`
}

type TransitionConfig struct {
	RequestTimeout time.Duration `koanf:"request_timeout"`
	AppendAttempts int           `koanf:"append_attempts"`
	AppendBackoff  time.Duration `koanf:"append_backoff"`
}

// KafkaConfig пустой список брокеров отключает публикацию событий.
type KafkaConfig struct {
	Brokers     []string      `koanf:"brokers"`
	ClientID    string        `koanf:"client_id"`
	Compression string        `koanf:"compression"`
	Topic       string        `koanf:"topic"`
	DLQTopic    string        `koanf:"dlq_topic"`
	GroupID     string        `koanf:"group_id"`
	MaxRetries  int           `koanf:"max_retries"`
	RetryDelay  time.Duration `koanf:"retry_delay"`
}

type OutboxConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
	BatchSize    int           `koanf:"batch_size"`
	MaxAttempts  int           `koanf:"max_attempts"`
	RetryDelay   time.Duration `koanf:"retry_delay"`
}

type IdempotencyConfig struct {
	TTL              time.Duration `koanf:"ttl"`
	CleanupSchedule  string        `koanf:"cleanup_schedule"`
	CleanupBatchSize int           `koanf:"cleanup_batch_size"`
}

// BoardConfig — координатор доски внутри сервиса, экспортирующий gauges.
type BoardConfig struct {
	Enabled        bool          `koanf:"enabled"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	TickInterval   time.Duration `koanf:"tick_interval"`
	TerminalWindow time.Duration `koanf:"terminal_window"`
}

// DefaultGrants — политика для локального запуска: кухня ведёт заказ до ready, курьер доставляет.
func DefaultGrants() map[string][]string {
	return map[string][]string{
		"kitchen": {"transition:confirmed", "transition:preparing", "transition:ready", "transition:cancelled"},
		"courier": {"transition:delivering", "transition:delivered"},
		"manager": {"transition:*"},
	}
}

// DefaultConfig возвращает рабочие настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":50051",
			MetricsAddr:     ":9090",
			ShutdownTimeout: 5 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{
			Driver:      StorageDriverMemory,
			AutoMigrate: true,
		},
		History: HistoryConfig{Backend: HistoryBackendStorage},
		Authz: AuthzConfig{
			Mode:            AuthzModeStatic,
			Timeout:         2 * time.Second,
			BreakerFailures: 5,
			BreakerReset:    30 * time.Second,
		},
		Transition: TransitionConfig{
			RequestTimeout: 5 * time.Second,
			AppendAttempts: 3,
			AppendBackoff:  20 * time.Millisecond,
		},
		Kafka: KafkaConfig{
			MaxRetries: 3,
			RetryDelay: 200 * time.Millisecond,
		},
		Outbox: OutboxConfig{
			PollInterval: time.Second,
			BatchSize:    100,
			MaxAttempts:  3,
			RetryDelay:   50 * time.Millisecond,
		},
		Idempotency: IdempotencyConfig{
			TTL:              24 * time.Hour,
			CleanupSchedule:  "@every 10m",
			CleanupBatchSize: 500,
		},
		Board: BoardConfig{
			Enabled:        true,
			PollInterval:   board.DefaultPollInterval,
			MaxBackoff:     board.DefaultMaxBackoff,
			TickInterval:   time.Second,
			TerminalWindow: time.Hour,
		},
	}
}

// LoadConfig собирает настройки: значения по умолчанию, затем dotenv-файлы, YAML по path
// (пустой path пропускается) и переменные WORKFLOW_*.
func LoadConfig(path string, dotenvFiles ...string) (Config, error) {
	for _, file := range dotenvFiles {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		// существующие переменные окружения не перезаписываются
		if err := godotenv.Load(file); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}

	k := koanf.New(".")
	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Authz.Grants) == 0 && cfg.Authz.Mode == AuthzModeStatic {
		cfg.Authz.Grants = DefaultGrants()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s is larger than %d bytes", path, maxConfigFileSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return content, nil
}

// envKey превращает WORKFLOW_SECTION_FIELD_NAME в section.field_name.
func envKey(key, value string) (string, any) {
	lower := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) != 2 {
		return lower, value
	}
	path := parts[0] + "." + parts[1]
	if path == "kafka.brokers" {
		return path, splitList(value)
	}
	return path, value
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	if c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.http_addr is required"))
	}
	if c.Server.MetricsAddr == "" {
		errs = append(errs, errors.New("server.metrics_addr is required"))
	}

	switch c.Kafka.Compression {
	case "", "none", "gzip", "snappy", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("unsupported kafka.compression %q", c.Kafka.Compression))
	}

	switch c.Storage.Driver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.Storage.Driver))
	}

	switch c.History.Backend {
	case HistoryBackendStorage:
	case HistoryBackendRedis:
		if c.History.RedisAddr == "" {
			errs = append(errs, errors.New("history.redis_addr is required for redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported history backend %q", c.History.Backend))
	}

	switch c.Authz.Mode {
	case AuthzModeStatic:
	case AuthzModeGRPC:
		if c.Authz.Addr == "" {
			errs = append(errs, errors.New("authz.addr is required for grpc mode"))
		}
		if c.Authz.BreakerFailures <= 0 {
			errs = append(errs, errors.New("authz.breaker_failures must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported authz mode %q", c.Authz.Mode))
	}
	if c.Authz.Timeout <= 0 {
		errs = append(errs, errors.New("authz.timeout must be positive"))
	}

	if c.Transition.RequestTimeout <= 0 {
		errs = append(errs, errors.New("transition.request_timeout must be positive"))
	}
	if c.Idempotency.TTL <= 0 {
		errs = append(errs, errors.New("idempotency.ttl must be positive"))
	}
	if c.Idempotency.CleanupSchedule != "" {
		if err := idempotency.ValidateSchedule(c.Idempotency.CleanupSchedule); err != nil {
			errs = append(errs, fmt.Errorf("idempotency.cleanup_schedule: %w", err))
		}
	}

	if c.Board.Enabled {
		if c.Board.PollInterval <= 0 {
			errs = append(errs, errors.New("board.poll_interval must be positive"))
		}
		if c.Board.MaxBackoff < c.Board.PollInterval {
			errs = append(errs, errors.New("board.max_backoff must not be below board.poll_interval"))
		}
	}

	return errors.Join(errs...)
}
