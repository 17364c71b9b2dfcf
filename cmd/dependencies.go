package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/frahmantamala/member-payments/internal"
	"github.com/frahmantamala/member-payments/internal/alert"
	"github.com/frahmantamala/member-payments/internal/core/database"
	"github.com/frahmantamala/member-payments/internal/core/events"
	"github.com/frahmantamala/member-payments/internal/core/events/kafka"
	"github.com/frahmantamala/member-payments/internal/intent"
	intentpostgres "github.com/frahmantamala/member-payments/internal/intent/postgres"
	"github.com/frahmantamala/member-payments/internal/paymentgateway"
	"github.com/frahmantamala/member-payments/internal/sweeper"
	"github.com/frahmantamala/member-payments/internal/webhook"
	webhookpostgres "github.com/frahmantamala/member-payments/internal/webhook/postgres"
	"github.com/frahmantamala/member-payments/internal/webhook/redisqueue"
	"github.com/frahmantamala/member-payments/pkg/logger"
)

// Dependencies is the object graph shared by every command that touches the payment core.
type Dependencies struct {
	Config     *internal.Config
	Logger     *slog.Logger
	DB         *sqlx.DB
	Gorm       *gorm.DB
	Redis      *redis.Client
	Intents    *intentpostgres.IntentRepository
	Ledger     *webhookpostgres.LedgerRepository
	Parser     *paymentgateway.WebhookParser
	Provider   sweeper.Provider
	Fake       *paymentgateway.FakeProvider
	Bus        *events.EventBus
	Alerter    *alert.Alerter
	Reconciler *webhook.Reconciler

	closers []func() error
}

func initializeDependencies(cfg *internal.Config) (*Dependencies, error) {
	lg := logger.LoggerWrapper()

	sqlDB, gormDB, err := database.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	deps := &Dependencies{
		Config:  cfg,
		Logger:  lg,
		DB:      sqlDB,
		Gorm:    gormDB,
		Intents: intentpostgres.NewIntentRepository(gormDB),
		Ledger:  webhookpostgres.NewLedgerRepository(gormDB),
		Bus:     events.NewEventBus(lg),
	}
	deps.closers = append(deps.closers, sqlDB.Close)

	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to connect to kafka: %w", err)
		}
		forwarder := kafka.NewForwarder(producer, cfg.Kafka.Topic, lg)
		forwarder.Register(deps.Bus)
		deps.closers = append(deps.closers, forwarder.Close, deps.drainEvents)
		lg.Info("forwarding lifecycle events to kafka", "topic", cfg.Kafka.Topic)
	}
	deps.Alerter = alert.NewAlerter(lg, deps.Bus)

	signer := paymentgateway.NewSigner(cfg.Security.WebhookSecret, cfg.Security.WebhookTolerance)
	deps.Parser = paymentgateway.NewWebhookParser(signer)

	switch cfg.Payment.Provider {
	case "gateway":
		deps.Provider = paymentgateway.NewGatewayProvider(paymentgateway.GatewayConfig{
			BaseURL: cfg.Payment.GatewayURL,
			APIKey:  cfg.Payment.APIKey,
			Timeout: cfg.Payment.ProviderTimeout,
		}, deps.Parser, lg)
	default:
		deps.Fake = paymentgateway.NewFakeProvider(paymentgateway.FakeConfig{
			WebhookURL:         fakeWebhookURL(cfg),
			CheckoutBaseURL:    cfg.Payment.CheckoutBaseURL,
			MaxWorkers:         cfg.Payment.MaxWorkers,
			JobQueueSize:       cfg.Payment.JobQueueSize,
			WorkerPoolSize:     cfg.Payment.WorkerPoolSize,
			SettleDelay:        cfg.Payment.SettleDelay,
			SuccessRate:        cfg.Payment.SuccessRate,
			DuplicateWebhooks:  cfg.Payment.DuplicateWebhooks,
			DropWebhookPercent: cfg.Payment.DropWebhookPercent,
		}, signer, lg)
		deps.Provider = deps.Fake
		deps.closers = append(deps.closers, func() error {
			deps.Fake.Shutdown()
			return nil
		})
		lg.Warn("using the in-process fake gateway", "webhook_url", fakeWebhookURL(cfg))
	}

	var queue webhook.RetryQueue
	switch cfg.Reconciler.QueueBackend {
	case "redis":
		deps.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := deps.Redis.Ping(context.Background()).Err(); err != nil {
			_ = deps.Redis.Close()
			deps.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		deps.closers = append(deps.closers, deps.Redis.Close)
		queue = redisqueue.New(deps.Redis, cfg.Redis.KeySpace, lg)
	default:
		queue = webhook.NewMemoryQueue(cfg.Reconciler.QueueWorkers, cfg.Payment.JobQueueSize, lg)
	}

	deps.Reconciler = webhook.NewReconciler(deps.Intents, deps.Ledger, queue, deps.Bus, deps.Alerter,
		webhook.ReconcilerConfig{
			OrphanMaxRetries: cfg.Reconciler.OrphanMaxRetries,
			OrphanBaseDelay:  cfg.Reconciler.OrphanBaseDelay,
			OrphanMaxDelay:   cfg.Reconciler.OrphanMaxDelay,
		}, lg)

	return deps, nil
}

func (d *Dependencies) Coordinator() *intent.Coordinator {
	return intent.NewCoordinator(d.Intents, d.Provider, d.Reconciler, d.Bus, d.Alerter, intent.CoordinatorConfig{
		ProviderTimeout: d.Config.Payment.ProviderTimeout,
		PollBaseDelay:   d.Config.Idempotency.PollBaseDelay,
		PollMaxDelay:    d.Config.Idempotency.PollMaxDelay,
		PollBudget:      d.Config.Idempotency.PollBudget,
	}, d.Logger)
}

func (d *Dependencies) Sweeper() *sweeper.Sweeper {
	sc := d.Config.Sweeper
	return sweeper.New(d.Intents, d.Ledger, d.Provider, d.Reconciler, d.Alerter, sweeper.Config{
		Interval:               sc.Interval,
		GraceWindow:            sc.GraceWindow,
		BatchSize:              sc.BatchSize,
		Concurrency:            sc.Concurrency,
		QueryRetries:           sc.QueryRetries,
		QueryBaseDelay:         sc.QueryBaseDelay,
		MaxConsecutiveFailures: sc.MaxConsecutiveFailures,
		CreationLease:          sc.CreationLease,
		ProviderTimeout:        d.Config.Payment.ProviderTimeout,
	}, d.Logger)
}

// Close releases resources in reverse order of acquisition.
func (d *Dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.Logger.Error("failed to release resource", "error", err)
		}
	}
	d.closers = nil
}

func (d *Dependencies) drainEvents() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.Bus.Drain(ctx)
}

func fakeWebhookURL(cfg *internal.Config) string {
	if cfg.Payment.WebhookURL != "" {
		return cfg.Payment.WebhookURL
	}
	return fmt.Sprintf("http://localhost:%d/api/v1/webhooks/gateway", cfg.Server.Port)
}
