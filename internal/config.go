package internal

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env           string              `mapstructure:"env"`
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Security      SecurityConfig      `mapstructure:"security"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Payment       PaymentConfig       `mapstructure:"payment"`
	Idempotency   IdempotencyConfig   `mapstructure:"idempotency"`
	Reconciler    ReconcilerConfig    `mapstructure:"reconciler"`
	Sweeper       SweeperConfig       `mapstructure:"sweeper"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port" validate:"required,min=1,max=65535"`
	BaseURL           string        `mapstructure:"base_url"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	OpenAPIValidation bool          `mapstructure:"openapi_validation"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"required,min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"required,min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"required,min=1m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" validate:"required,min=1m"`
	Source          string        `mapstructure:"source" validate:"required"`
}

type SecurityConfig struct {
	// AuthEnabled turns on bearer-token checks for caller endpoints.
	AuthEnabled   bool   `mapstructure:"auth_enabled"`
	JWTPublicKey  string `mapstructure:"jwt_public_key" validate:"required_if=AuthEnabled true"`
	JWTIssuer     string `mapstructure:"jwt_issuer"`
	WebhookSecret string `mapstructure:"webhook_secret" validate:"required,min=16"`
	// WebhookTolerance bounds how old a signed webhook timestamp may be.
	WebhookTolerance time.Duration `mapstructure:"webhook_tolerance"`
}

type PaymentConfig struct {
	Provider        string        `mapstructure:"provider" validate:"required,oneof=fake gateway"`
	GatewayURL      string        `mapstructure:"gateway_url" validate:"required_if=Provider gateway,omitempty,url"`
	APIKey          string        `mapstructure:"api_key" validate:"required_if=Provider gateway"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout" validate:"required"`
	CheckoutBaseURL string        `mapstructure:"checkout_base_url"`

	// fake gateway only
	WebhookURL         string        `mapstructure:"webhook_url"`
	MaxWorkers         int           `mapstructure:"max_workers"`
	JobQueueSize       int           `mapstructure:"job_queue_size"`
	WorkerPoolSize     int           `mapstructure:"worker_pool_size"`
	SettleDelay        time.Duration `mapstructure:"settle_delay"`
	SuccessRate        float64       `mapstructure:"success_rate" validate:"min=0,max=1"`
	DuplicateWebhooks  bool          `mapstructure:"duplicate_webhooks"`
	DropWebhookPercent float64       `mapstructure:"drop_webhook_percent" validate:"min=0,max=1"`
}

type IdempotencyConfig struct {
	PollBaseDelay time.Duration `mapstructure:"poll_base_delay" validate:"required"`
	PollMaxDelay  time.Duration `mapstructure:"poll_max_delay" validate:"required"`
	PollBudget    time.Duration `mapstructure:"poll_budget" validate:"required"`
}

type ReconcilerConfig struct {
	OrphanMaxRetries int           `mapstructure:"orphan_max_retries" validate:"min=0"`
	OrphanBaseDelay  time.Duration `mapstructure:"orphan_base_delay" validate:"required"`
	OrphanMaxDelay   time.Duration `mapstructure:"orphan_max_delay" validate:"required"`
	QueueBackend     string        `mapstructure:"queue_backend" validate:"required,oneof=memory redis"`
	QueueWorkers     int           `mapstructure:"queue_workers"`
}

type SweeperConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	Interval               time.Duration `mapstructure:"interval" validate:"required"`
	GraceWindow            time.Duration `mapstructure:"grace_window" validate:"required"`
	BatchSize              int           `mapstructure:"batch_size" validate:"min=1"`
	Concurrency            int           `mapstructure:"concurrency" validate:"min=1"`
	QueryRetries           int           `mapstructure:"query_retries" validate:"min=0"`
	QueryBaseDelay         time.Duration `mapstructure:"query_base_delay" validate:"required"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" validate:"min=1"`
	CreationLease          time.Duration `mapstructure:"creation_lease" validate:"required"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	KeySpace string `mapstructure:"key_space"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers" validate:"required_if=Enabled true"`
	Topic   string   `mapstructure:"topic" validate:"required_if=Enabled true"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json text"`
}

// DefaultConfig holds the values used when a key is missing from file and environment.
func DefaultConfig() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			OpenAPIValidation: true,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Security: SecurityConfig{
			WebhookTolerance: 5 * time.Minute,
		},
		Payment: PaymentConfig{
			Provider:        "fake",
			ProviderTimeout: 10 * time.Second,
			MaxWorkers:      4,
			JobQueueSize:    100,
			SettleDelay:     2 * time.Second,
			SuccessRate:     0.9,
		},
		Idempotency: IdempotencyConfig{
			PollBaseDelay: 50 * time.Millisecond,
			PollMaxDelay:  time.Second,
			PollBudget:    5 * time.Second,
		},
		Reconciler: ReconcilerConfig{
			OrphanMaxRetries: 5,
			OrphanBaseDelay:  time.Second,
			OrphanMaxDelay:   time.Minute,
			QueueBackend:     "memory",
			QueueWorkers:     2,
		},
		Sweeper: SweeperConfig{
			Enabled:                true,
			Interval:               time.Minute,
			GraceWindow:            5 * time.Minute,
			BatchSize:              100,
			Concurrency:            4,
			QueryRetries:           3,
			QueryBaseDelay:         200 * time.Millisecond,
			MaxConsecutiveFailures: 5,
			CreationLease:          2 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			KeySpace: "member-payments",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
			Logging: LoggingConfig{Level: "info", Format: "text"},
		},
	}
}

// LoadConfigFromEnv builds a config purely from environment variables, for container deployments.
func LoadConfigFromEnv() *Config {
	cfg := DefaultConfig()

	cfg.Env = getEnv("APP_ENV", cfg.Env)
	cfg.Server.Port = getEnvAsInt("HTTP_PORT", cfg.Server.Port)
	cfg.Server.BaseURL = getEnv("BASE_URL", cfg.Server.BaseURL)

	cfg.Database.Source = getEnv("DATABASE_URL", cfg.Database.Source)
	cfg.Database.MaxOpenConns = getEnvAsInt("DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = getEnvAsInt("DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)

	cfg.Security.AuthEnabled = getEnv("AUTH_ENABLED", "false") == "true"
	cfg.Security.JWTPublicKey = getEnv("JWT_PUBLIC_KEY", "")
	cfg.Security.JWTIssuer = getEnv("JWT_ISSUER", "")
	cfg.Security.WebhookSecret = getEnv("WEBHOOK_SECRET", "")

	cfg.Payment.Provider = getEnv("PAYMENT_PROVIDER", cfg.Payment.Provider)
	cfg.Payment.GatewayURL = getEnv("PAYMENT_GATEWAY_URL", "")
	cfg.Payment.APIKey = getEnv("PAYMENT_API_KEY", "")
	cfg.Payment.WebhookURL = getEnv("PAYMENT_WEBHOOK_URL", "")
	cfg.Payment.CheckoutBaseURL = getEnv("PAYMENT_CHECKOUT_BASE_URL", "")
	cfg.Payment.ProviderTimeout = getEnvAsDuration("PAYMENT_PROVIDER_TIMEOUT", cfg.Payment.ProviderTimeout)

	cfg.Sweeper.Interval = getEnvAsDuration("SWEEPER_INTERVAL", cfg.Sweeper.Interval)
	cfg.Sweeper.GraceWindow = getEnvAsDuration("SWEEPER_GRACE_WINDOW", cfg.Sweeper.GraceWindow)

	cfg.Reconciler.QueueBackend = getEnv("RECONCILER_QUEUE_BACKEND", cfg.Reconciler.QueueBackend)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")

	cfg.Kafka.Enabled = getEnv("KAFKA_ENABLED", "false") == "true"
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", "payment-intents")

	cfg.Observability.Logging.Level = getEnv("LOG_LEVEL", cfg.Observability.Logging.Level)
	cfg.Observability.Logging.Format = getEnv("LOG_FORMAT", "json")

	return cfg
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	var errs []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if err := c.Sweeper.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("sweeper config: %v", err))
	}

	// The lease must outlive a creator's gateway call.
	if c.Sweeper.CreationLease > 0 && c.Sweeper.CreationLease <= c.Payment.ProviderTimeout {
		errs = append(errs, fmt.Sprintf("sweeper config: creation_lease (%s) must exceed payment.provider_timeout (%s)",
			c.Sweeper.CreationLease, c.Payment.ProviderTimeout))
	}

	if c.Reconciler.QueueBackend == "redis" && c.Redis.Addr == "" {
		errs = append(errs, "reconciler config: redis queue backend requires redis.addr")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *SecurityConfig) Validate() error {
	if !c.AuthEnabled {
		return nil
	}
	if _, err := c.GetPublicKey(); err != nil {
		return fmt.Errorf("invalid JWT public key: %w", err)
	}
	return nil
}

func (c *SecurityConfig) GetPublicKey() (*rsa.PublicKey, error) {
	keyData, err := base64.StdEncoding.DecodeString(c.JWTPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaPub, nil
}

func (c *SweeperConfig) Validate() error {
	if c.GraceWindow < c.Interval/2 {
		return errors.New("grace_window should not be shorter than half the sweep interval")
	}
	return nil
}
