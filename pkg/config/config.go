// Package config loads service configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names the environment variable pointing at the YAML config file.
const FileEnv = "BILLING_CONFIG_FILE"

// Backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendKafka    = "kafka"
	BackendRedis    = "redis"
)

// Default configuration values
const (
	DefaultHTTPAddr         = ":8080"
	DefaultReadTimeout      = 10 * time.Second
	DefaultWriteTimeout     = 15 * time.Second
	DefaultShutdownTimeout  = 15 * time.Second
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultMetricsNamespace = "subtrack"
	DefaultProcessorTimeout = 10 * time.Second
	DefaultBreakerThreshold = 5
	DefaultBreakerReset     = 30 * time.Second
	DefaultMongoDatabase    = "billing"
	DefaultDeliveryMode     = "best_effort"
	DefaultMaxAttempts      = 5
	DefaultLockTimeout      = 15 * time.Second
	DefaultSweepSchedule    = "@every 1h"
	DefaultRedisPrefix      = "subtrack:"
	DefaultWebhookRateLimit = 100
	DefaultWebhookWindow    = time.Minute
	DefaultNotifyWorkers    = 4
	DefaultDeliveryTimeout  = 10 * time.Second
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// ProcessorConfig configures the Stripe gateway and its guard.
type ProcessorConfig struct {
	SecretKey        string        `yaml:"secretKey"`
	WebhookSecret    string        `yaml:"webhookSecret"`
	BaseURL          string        `yaml:"baseURL"`
	Timeout          time.Duration `yaml:"timeout"`
	BreakerThreshold int           `yaml:"breakerThreshold"`
	BreakerReset     time.Duration `yaml:"breakerReset"`
}

// StorageConfig selects the record store.
type StorageConfig struct {
	Backend       string `yaml:"backend"` // memory, postgres or mongo
	PostgresDSN   string `yaml:"postgresDSN"`
	MongoURI      string `yaml:"mongoURI"`
	MongoDatabase string `yaml:"mongoDatabase"`
}

// BusConfig selects the event transport and delivery mode.
type BusConfig struct {
	Backend      string   `yaml:"backend"` // memory or kafka
	Brokers      []string `yaml:"brokers"`
	ClientID     string   `yaml:"clientID"`
	DeliveryMode string   `yaml:"deliveryMode"` // best_effort or at_least_once
	MaxAttempts  int      `yaml:"maxAttempts"`
}

// LockConfig selects the per-organization lock and webhook dedup backend.
type LockConfig struct {
	Backend       string `yaml:"backend"` // memory or redis
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`
	KeyPrefix     string `yaml:"keyPrefix"`
}

// BillingConfig tunes the engine.
type BillingConfig struct {
	AppURL        string        `yaml:"appURL"`
	LockTimeout   time.Duration `yaml:"lockTimeout"`
	SweepSchedule string        `yaml:"sweepSchedule"`
	// SeedFile replaces the embedded plan seed when set.
	SeedFile string `yaml:"seedFile"`
}

// WebhookConfig rate limits the inbound processor webhook.
type WebhookConfig struct {
	RateLimit  int           `yaml:"rateLimit"`
	RateWindow time.Duration `yaml:"rateWindow"`
}

// NotifyConfig tunes outbound webhook delivery.
type NotifyConfig struct {
	Workers         int           `yaml:"workers"`
	DeliveryTimeout time.Duration `yaml:"deliveryTimeout"`
}

// Config holds all service configuration
type Config struct {
	Server           ServerConfig    `yaml:"server"`
	Log              LogConfig       `yaml:"log"`
	MetricsNamespace string          `yaml:"metricsNamespace"`
	Processor        ProcessorConfig `yaml:"processor"`
	Storage          StorageConfig   `yaml:"storage"`
	Bus              BusConfig       `yaml:"bus"`
	Lock             LockConfig      `yaml:"lock"`
	Billing          BillingConfig   `yaml:"billing"`
	Webhook          WebhookConfig   `yaml:"webhook"`
	Notify           NotifyConfig    `yaml:"notify"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            DefaultHTTPAddr,
			ReadTimeout:     DefaultReadTimeout,
			WriteTimeout:    DefaultWriteTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Log:              LogConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
		MetricsNamespace: DefaultMetricsNamespace,
		Processor: ProcessorConfig{
			Timeout:          DefaultProcessorTimeout,
			BreakerThreshold: DefaultBreakerThreshold,
			BreakerReset:     DefaultBreakerReset,
		},
		Storage: StorageConfig{Backend: BackendMemory, MongoDatabase: DefaultMongoDatabase},
		Bus: BusConfig{
			Backend:      BackendMemory,
			DeliveryMode: DefaultDeliveryMode,
			MaxAttempts:  DefaultMaxAttempts,
		},
		Lock:    LockConfig{Backend: BackendMemory, KeyPrefix: DefaultRedisPrefix},
		Billing: BillingConfig{LockTimeout: DefaultLockTimeout, SweepSchedule: DefaultSweepSchedule},
		Webhook: WebhookConfig{RateLimit: DefaultWebhookRateLimit, RateWindow: DefaultWebhookWindow},
		Notify:  NotifyConfig{Workers: DefaultNotifyWorkers, DeliveryTimeout: DefaultDeliveryTimeout},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// BILLING_CONFIG_FILE, then environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		doc, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(doc, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Addr, "HTTP_ADDR")
	if port, ok := os.LookupEnv("PORT"); ok && port != "" {
		c.Server.Addr = ":" + port
	}
	setDuration(&c.Server.ShutdownTimeout, "SHUTDOWN_TIMEOUT")

	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setString(&c.MetricsNamespace, "METRICS_NAMESPACE")

	setString(&c.Processor.SecretKey, "STRIPE_SECRET_KEY")
	setString(&c.Processor.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	setString(&c.Processor.BaseURL, "STRIPE_API_BASE")
	setDuration(&c.Processor.Timeout, "PROCESSOR_TIMEOUT")

	setString(&c.Storage.Backend, "STORAGE_BACKEND")
	setString(&c.Storage.PostgresDSN, "DATABASE_URL")
	setString(&c.Storage.MongoURI, "MONGO_URI")
	setString(&c.Storage.MongoDatabase, "MONGO_DB")

	setString(&c.Bus.Backend, "BUS_BACKEND")
	if brokers, ok := os.LookupEnv("KAFKA_BROKERS"); ok {
		c.Bus.Brokers = splitList(brokers)
	}
	setString(&c.Bus.ClientID, "KAFKA_CLIENT_ID")
	setString(&c.Bus.DeliveryMode, "EVENT_DELIVERY_MODE")
	setInt(&c.Bus.MaxAttempts, "EVENT_MAX_ATTEMPTS")

	setString(&c.Lock.Backend, "LOCK_BACKEND")
	setString(&c.Lock.RedisAddr, "REDIS_ADDR")
	setString(&c.Lock.RedisPassword, "REDIS_PASSWORD")
	setInt(&c.Lock.RedisDB, "REDIS_DB")

	setString(&c.Billing.AppURL, "APP_URL")
	setDuration(&c.Billing.LockTimeout, "LOCK_TIMEOUT")
	setString(&c.Billing.SweepSchedule, "SWEEP_SCHEDULE")
	setString(&c.Billing.SeedFile, "PLAN_SEED_FILE")

	setInt(&c.Webhook.RateLimit, "WEBHOOK_RATE_LIMIT")
	setInt(&c.Notify.Workers, "NOTIFY_WORKERS")
}

// Validate checks everything the billing service needs.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Processor.SecretKey) == "" {
		errs = append(errs, errors.New("processor secret key is required (STRIPE_SECRET_KEY)"))
	}
	if strings.TrimSpace(c.Processor.WebhookSecret) == "" {
		errs = append(errs, errors.New("processor webhook secret is required (STRIPE_WEBHOOK_SECRET)"))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres storage requires DATABASE_URL"))
		}
	case BackendMongo:
		if c.Storage.MongoURI == "" {
			errs = append(errs, errors.New("mongo storage requires MONGO_URI"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	switch c.Lock.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Lock.RedisAddr == "" {
			errs = append(errs, errors.New("redis lock backend requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lock backend %q", c.Lock.Backend))
	}
	if c.Billing.LockTimeout <= 0 {
		errs = append(errs, errors.New("lock timeout must be positive"))
	}
	if err := c.ValidateBus(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateBus checks the event transport settings only.
func (c *Config) ValidateBus() error {
	var errs []error
	switch c.Bus.Backend {
	case BackendMemory:
	case BackendKafka:
		if len(c.Bus.Brokers) == 0 {
			errs = append(errs, errors.New("kafka bus requires KAFKA_BROKERS"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus backend %q", c.Bus.Backend))
	}
	switch c.Bus.DeliveryMode {
	case "best_effort", "at_least_once":
	default:
		errs = append(errs, fmt.Errorf("unknown event delivery mode %q", c.Bus.DeliveryMode))
	}
	if c.Bus.MaxAttempts < 1 {
		errs = append(errs, errors.New("event max attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
