// Package sweeper periodically reconciles intents the gateway never told us about.
package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/frahmantamala/member-payments/internal"
	"github.com/frahmantamala/member-payments/internal/alert"
	"github.com/frahmantamala/member-payments/internal/core/datamodel/intent"
	"github.com/frahmantamala/member-payments/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/member-payments/internal/core/lifecycle"
	intentpkg "github.com/frahmantamala/member-payments/internal/intent"
	"github.com/frahmantamala/member-payments/internal/metrics"
)

type Provider interface {
	Create(ctx context.Context, req paymentgateway.CreateRequest) (*paymentgateway.CreateResult, error)
	QueryStatus(ctx context.Context, providerRef string) (*paymentgateway.StatusResult, error)
}

type Store interface {
	ListStale(ctx context.Context, statuses []lifecycle.Status, updatedBefore time.Time, limit int) ([]intent.PaymentIntent, error)
	ListCreationCandidates(ctx context.Context, claimedBefore time.Time, limit int) ([]intent.PaymentIntent, error)
	ClaimCreation(ctx context.Context, id string, previous *time.Time, now time.Time) (bool, error)
	AttachProviderRef(ctx context.Context, id, ref, checkoutURL string) error
	RecordQueryFailure(ctx context.Context, id string, threshold int) (int, bool, error)
	ResetQueryFailures(ctx context.Context, id string) error
}

type Ledger interface {
	ListStuck(ctx context.Context, receivedBefore time.Time, limit int) ([]intent.WebhookLedgerEntry, error)
}

type Reconciler interface {
	Ingest(ctx context.Context, event paymentgateway.WebhookEvent, source intent.EventSource) (intent.LedgerOutcome, error)
	Redrive(ctx context.Context, entry *intent.WebhookLedgerEntry) intent.LedgerOutcome
}

type Alerter interface {
	Raise(ctx context.Context, reason, intentID, providerEventID, detail string)
}

type Config struct {
	Interval               time.Duration
	GraceWindow            time.Duration
	BatchSize              int
	Concurrency            int
	QueryRetries           int
	QueryBaseDelay         time.Duration
	MaxConsecutiveFailures int
	CreationLease          time.Duration
	ProviderTimeout        time.Duration
}

// Report summarises one pass.
type Report struct {
	Checked   int64
	Resolved  int64
	Unchanged int64
	Failed    int64
	Flagged   int64
	Recovered int64
	Redriven  int64
}

type counters struct {
	checked, resolved, unchanged, failed, flagged, recovered, redriven atomic.Int64
}

func (c *counters) report() Report {
	return Report{
		Checked:   c.checked.Load(),
		Resolved:  c.resolved.Load(),
		Unchanged: c.unchanged.Load(),
		Failed:    c.failed.Load(),
		Flagged:   c.flagged.Load(),
		Recovered: c.recovered.Load(),
		Redriven:  c.redriven.Load(),
	}
}

type Sweeper struct {
	store      Store
	ledger     Ledger
	provider   Provider
	reconciler Reconciler
	alerter    Alerter
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

func New(store Store, ledger Ledger, provider Provider, reconciler Reconciler, alerter Alerter, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	return &Sweeper{
		store:      store,
		ledger:     ledger,
		provider:   provider,
		reconciler: reconciler,
		alerter:    alerter,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the sweeper's clock.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started",
		"interval", s.cfg.Interval,
		"grace_window", s.cfg.GraceWindow,
		"concurrency", s.cfg.Concurrency)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		report := s.SweepOnce(ctx)
		s.logger.Info("sweep finished",
			"checked", report.Checked,
			"resolved", report.Resolved,
			"unchanged", report.Unchanged,
			"failed", report.Failed,
			"flagged", report.Flagged,
			"recovered", report.Recovered,
			"redriven", report.Redriven)

		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) Report {
	start := time.Now()
	defer func() {
		metrics.SweeperRunDuration.Observe(time.Since(start).Seconds())
	}()

	var c counters
	now := s.now()

	s.checkStale(ctx, now, &c)
	s.recoverCreations(ctx, now, &c)
	s.redriveLedger(ctx, now, &c)

	return c.report()
}

func (s *Sweeper) checkStale(ctx context.Context, now time.Time, c *counters) {
	stale, err := s.store.ListStale(ctx, lifecycle.NonTerminal(), now.Add(-s.cfg.GraceWindow), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list stale intents", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i := range stale {
		record := stale[i]
		g.Go(func() error {
			s.check(gctx, &record, c)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Sweeper) check(ctx context.Context, record *intent.PaymentIntent, c *counters) {
	c.checked.Add(1)
	log := s.logger.With("intent_id", record.ID, "provider_ref", record.Ref(), "status", record.Status)

	result, err := s.query(ctx, record.Ref())
	if err != nil {
		c.failed.Add(1)
		metrics.SweeperChecks.WithLabelValues("status", "query_failed").Inc()
		log.Warn("provider status query failed, intent left unchanged", "error", err)
		s.recordFailure(ctx, record, alert.ReasonQueryFailures, err, c)
		return
	}

	if record.QueryFailures > 0 || record.NeedsAttention {
		if err := s.store.ResetQueryFailures(ctx, record.ID); err != nil {
			log.Warn("failed to reset query failures", "error", err)
		}
	}

	status, err := lifecycle.Parse(result.Status)
	if err != nil {
		metrics.SweeperChecks.WithLabelValues("status", "unknown_status").Inc()
		log.Warn("provider reported an unknown status", "provider_status", result.Status)
		return
	}
	if status == record.Status {
		c.unchanged.Add(1)
		metrics.SweeperChecks.WithLabelValues("status", "unchanged").Inc()
		return
	}

	event := paymentgateway.NewSyntheticEvent("sweep", record.Ref(), result.Status, result.FailureReason, s.now())
	outcome, err := s.reconciler.Ingest(ctx, event, intent.SourceSweeper)
	if err != nil {
		metrics.SweeperChecks.WithLabelValues("status", "ingest_failed").Inc()
		log.Error("failed to ingest sweep result", "error", err)
		return
	}

	c.resolved.Add(1)
	metrics.SweeperChecks.WithLabelValues("status", string(outcome)).Inc()
	log.Info("intent reconciled against gateway", "provider_status", status, "outcome", outcome)
}

// query asks the gateway for a status with a per-attempt timeout and bounded retries.
func (s *Sweeper) query(ctx context.Context, ref string) (*paymentgateway.StatusResult, error) {
	var result *paymentgateway.StatusResult

	b := retry.WithMaxRetries(uint64(s.cfg.QueryRetries), retry.NewExponential(s.cfg.QueryBaseDelay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		callCtx, cancel := apperrors.WithTimeout(ctx, s.cfg.ProviderTimeout)
		defer cancel()

		start := time.Now()
		r, err := s.provider.QueryStatus(callCtx, ref)
		metrics.ProviderLatency.WithLabelValues("query").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ProviderCalls.WithLabelValues("query", "error").Inc()
			return retry.RetryableError(err)
		}
		metrics.ProviderCalls.WithLabelValues("query", "ok").Inc()
		result = r
		return nil
	})
	if err != nil {
		return nil, apperrors.ErrAmbiguousFailure.WithCause(err)
	}
	return result, nil
}

func (s *Sweeper) recordFailure(ctx context.Context, record *intent.PaymentIntent, reason string, cause error, c *counters) {
	failures, flagged, err := s.store.RecordQueryFailure(ctx, record.ID, s.cfg.MaxConsecutiveFailures)
	if err != nil {
		s.logger.Error("failed to record query failure", "intent_id", record.ID, "error", err)
		return
	}
	if !flagged {
		return
	}

	c.flagged.Add(1)
	s.alerter.Raise(ctx, reason, record.ID, "",
		fmt.Sprintf("%d consecutive gateway failures, last: %v", failures, cause))
}

// recoverCreations re-drives the gateway create for intents whose creator died or gave up
// before attaching a provider reference. The gateway sees the original idempotency key, so a
// create that did reach it returns the same payment.
func (s *Sweeper) recoverCreations(ctx context.Context, now time.Time, c *counters) {
	candidates, err := s.store.ListCreationCandidates(ctx, now.Add(-s.cfg.CreationLease), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list creation candidates", "error", err)
		return
	}

	for i := range candidates {
		record := candidates[i]
		s.recoverCreation(ctx, &record, now, c)
	}
}

func (s *Sweeper) recoverCreation(ctx context.Context, record *intent.PaymentIntent, now time.Time, c *counters) {
	log := s.logger.With("intent_id", record.ID, "idempotency_key", record.IdempotencyKey)

	won, err := s.store.ClaimCreation(ctx, record.ID, record.CreationClaimedAt, now)
	if err != nil {
		log.Error("failed to claim creation", "error", err)
		return
	}
	if !won {
		return
	}

	var metadata map[string]any
	if len(record.Metadata) > 0 {
		if err := json.Unmarshal(record.Metadata, &metadata); err != nil {
			log.Warn("stored metadata is not an object, sending none", "error", err)
		}
	}

	created, err := intentpkg.CallCreate(ctx, s.provider, s.cfg.ProviderTimeout, paymentgateway.CreateRequest{
		IdempotencyKey: record.IdempotencyKey,
		AmountCents:    record.AmountCents,
		Currency:       record.Currency,
		Metadata:       metadata,
	})
	if err != nil {
		c.failed.Add(1)
		metrics.SweeperChecks.WithLabelValues("creation", "create_failed").Inc()
		log.Warn("creation recovery failed, will retry after the lease", "error", err)
		s.recordFailure(ctx, record, alert.ReasonCreationStuck, err, c)
		return
	}

	if err := s.store.AttachProviderRef(ctx, record.ID, created.ProviderRef, created.CheckoutURL); err != nil {
		if errors.Is(err, apperrors.ErrProviderRefMismatch) {
			s.alerter.Raise(ctx, alert.ReasonProviderRefMismatch, record.ID, "", err.Error())
		}
		log.Error("failed to attach recovered provider reference", "provider_ref", created.ProviderRef, "error", err)
		return
	}

	if record.QueryFailures > 0 || record.NeedsAttention {
		if err := s.store.ResetQueryFailures(ctx, record.ID); err != nil {
			log.Warn("failed to reset query failures", "error", err)
		}
	}

	c.recovered.Add(1)
	metrics.SweeperChecks.WithLabelValues("creation", "recovered").Inc()
	log.Info("creation recovered", "provider_ref", created.ProviderRef, "provider_status", created.Status)

	if created.Status == "" {
		return
	}
	event := paymentgateway.NewSyntheticEvent("sweep", created.ProviderRef, created.Status, "", s.now())
	if _, err := s.reconciler.Ingest(ctx, event, intent.SourceSweeper); err != nil {
		log.Warn("failed to apply recovered status", "error", err)
	}
}

func (s *Sweeper) redriveLedger(ctx context.Context, now time.Time, c *counters) {
	stuck, err := s.ledger.ListStuck(ctx, now.Add(-s.cfg.GraceWindow), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list stuck ledger entries", "error", err)
		return
	}

	for i := range stuck {
		entry := stuck[i]
		outcome := s.reconciler.Redrive(ctx, &entry)
		c.redriven.Add(1)
		metrics.SweeperChecks.WithLabelValues("ledger", string(outcome)).Inc()
		s.logger.Info("ledger entry re-driven",
			"provider_event_id", entry.ProviderEventID,
			"outcome", outcome)
	}
}
