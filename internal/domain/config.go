package domain

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Optimizer settings
	Optimizer OptimizerConfig `json:"optimizer"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// OptimizerConfig controls the assignment pipeline.
type OptimizerConfig struct {
	// Workers bounds how many accounts are processed concurrently
	Workers int `json:"workers"`

	// StrictChannels rejects accounts scoring channels missing from the
	// catalog instead of treating those channels as ineligible
	StrictChannels bool `json:"strictChannels"`

	// AsyncWorker enables the bus-driven assignment worker
	AsyncWorker bool `json:"asyncWorker"`

	// Tenants the async worker subscribes for (empty = global)
	Tenants []string `json:"tenants"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds

	// AllowedOrigins for CORS; empty allows any origin
	AllowedOrigins []string `json:"allowedOrigins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Optimizer: OptimizerConfig{
			Workers: 8,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 1000,
			LocalTTL:     5 * time.Minute,
			ReportTTL:    time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Optimizer.AsyncWorker = true
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   500,
		LocalTTL:       time.Minute,
		ReportTTL:      24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig builds the configuration from an optional .env file and
// KESTREL_* environment variables.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if os.Getenv("KESTREL_TIER") == string(TierPro) {
		cfg = ProConfig()
	}

	cfg.Server.Host = getEnv("KESTREL_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvAsInt("KESTREL_PORT", cfg.Server.Port)

	cfg.Optimizer.Workers = getEnvAsInt("KESTREL_WORKERS", cfg.Optimizer.Workers)
	cfg.Optimizer.StrictChannels = getEnvAsBool("KESTREL_STRICT_CHANNELS", cfg.Optimizer.StrictChannels)
	cfg.Optimizer.AsyncWorker = getEnvAsBool("KESTREL_ASYNC_WORKER", cfg.Optimizer.AsyncWorker)
	if tenant := os.Getenv("KESTREL_TENANTS"); tenant != "" {
		cfg.Optimizer.Tenants = splitList(tenant)
	}

	cfg.Repository.SQLitePath = getEnv("KESTREL_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("KESTREL_POSTGRES_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = getEnvAsInt("KESTREL_POSTGRES_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = getEnv("KESTREL_POSTGRES_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("KESTREL_POSTGRES_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("KESTREL_POSTGRES_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = getEnv("KESTREL_POSTGRES_SSLMODE", cfg.Repository.PostgresSSLMode)

	cfg.Cache.RedisAddr = getEnv("KESTREL_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("KESTREL_REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.EventBus.NATSUrl = getEnv("KESTREL_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = getEnv("KESTREL_NATS_TOKEN", cfg.EventBus.NATSToken)

	if origins := os.Getenv("KESTREL_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = splitList(origins)
	}

	cfg.Logging.Level = getEnv("KESTREL_LOG_LEVEL", cfg.Logging.Level)
	if getEnvAsBool("KESTREL_DEBUG", false) {
		cfg.Logging.Level = "debug"
	}
	cfg.Logging.Format = getEnv("KESTREL_LOG_FORMAT", cfg.Logging.Format)
	cfg.Tracing.Enabled = getEnvAsBool("KESTREL_TRACING", cfg.Tracing.Enabled)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if required configuration is present.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Optimizer.Workers <= 0 {
		return fmt.Errorf("optimizer workers must be positive, got %d", c.Optimizer.Workers)
	}
	switch c.Repository.Driver {
	case "sqlite":
		if c.Repository.SQLitePath == "" {
			return fmt.Errorf("KESTREL_SQLITE_PATH is required for sqlite")
		}
	case "postgres":
	default:
		return fmt.Errorf("unsupported repository driver: %s", c.Repository.Driver)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvAsBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
