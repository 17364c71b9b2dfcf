package webhook_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	apperrors "github.com/frahmantamala/member-payments/internal"
	"github.com/frahmantamala/member-payments/internal/alert"
	"github.com/frahmantamala/member-payments/internal/core/database/databasetest"
	"github.com/frahmantamala/member-payments/internal/core/datamodel/intent"
	"github.com/frahmantamala/member-payments/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/member-payments/internal/core/events"
	"github.com/frahmantamala/member-payments/internal/core/lifecycle"
	intentpkg "github.com/frahmantamala/member-payments/internal/intent"
	intentpostgres "github.com/frahmantamala/member-payments/internal/intent/postgres"
	"github.com/frahmantamala/member-payments/internal/webhook"
	webhookpostgres "github.com/frahmantamala/member-payments/internal/webhook/postgres"
)

func TestWebhook(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Webhook Suite")
}

type recordingAlerter struct {
	mu      sync.Mutex
	reasons []string
	details []string
}

func (a *recordingAlerter) Raise(_ context.Context, reason, _, _, detail string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reasons = append(a.reasons, reason)
	a.details = append(a.details, detail)
}

func (a *recordingAlerter) Details() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.details...)
}

func (a *recordingAlerter) Reasons() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.reasons...)
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, event.EventType())
	return nil
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.types...)
}

// movingStore hands out a snapshot and then lets another writer advance the row before the
// reconciler gets to update it.
type movingStore struct {
	*intentpostgres.IntentRepository
	moveTo lifecycle.Status
}

func (s *movingStore) GetByProviderRef(ctx context.Context, ref string) (*intent.PaymentIntent, error) {
	snapshot, err := s.IntentRepository.GetByProviderRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	if _, err := s.Transition(ctx, snapshot.ID, lifecycle.AllowedFrom(s.moveTo), s.moveTo, nil); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func webhookEvent(id, eventType, ref string, at time.Time) paymentgateway.WebhookEvent {
	return paymentgateway.WebhookEvent{
		ProviderEventID: id,
		Type:            eventType,
		ProviderRef:     ref,
		Timestamp:       at,
		Verified:        true,
	}
}

var _ = Describe("Reconciler", func() {
	var (
		ctx        context.Context
		db         *gorm.DB
		store      *intentpostgres.IntentRepository
		ledger     *webhookpostgres.LedgerRepository
		queue      *webhook.MemoryQueue
		alerter    *recordingAlerter
		publisher  *recordingPublisher
		reconciler *webhook.Reconciler
		logger     *slog.Logger
		cfg        webhook.ReconcilerConfig
	)

	seedIntent := func(key, ref string) *intent.PaymentIntent {
		record, _, err := store.CreateOrGet(ctx, intentpkg.NewIntent{
			IdempotencyKey: key,
			AmountCents:    5000,
			Currency:       "USD",
			SubjectID:      "member-1",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(store.AttachProviderRef(ctx, record.ID, ref, "")).To(Succeed())
		return record
	}

	statusOf := func(id string) lifecycle.Status {
		record, err := store.GetByID(ctx, id)
		Expect(err).ToNot(HaveOccurred())
		return record.Status
	}

	ledgerRows := func() int64 {
		var n int64
		Expect(db.Model(&intent.WebhookLedgerEntry{}).Count(&n).Error).To(Succeed())
		return n
	}

	build := func() {
		reconciler = webhook.NewReconciler(store, ledger, queue, publisher, alerter, cfg, logger)
	}

	BeforeEach(func() {
		var err error
		db, err = databasetest.OpenSQLite()
		Expect(err).ToNot(HaveOccurred())

		ctx = context.Background()
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		store = intentpostgres.NewIntentRepository(db)
		ledger = webhookpostgres.NewLedgerRepository(db)
		queue = webhook.NewMemoryQueue(1, 10, logger)
		alerter = &recordingAlerter{}
		publisher = &recordingPublisher{}
		cfg = webhook.ReconcilerConfig{
			OrphanMaxRetries: 3,
			OrphanBaseDelay:  time.Hour,
			OrphanMaxDelay:   time.Hour,
		}
		build()
	})

	Describe("Ingest", func() {
		It("applies a delivered event once even when it arrives twice", func() {
			// Given
			record := seedIntent("abc", "pr_1")
			event := webhookEvent("evt1", "payment_intent.processing", "pr_1", time.Now().UTC())

			// When
			first, err := reconciler.Ingest(ctx, event, intent.SourceWebhook)
			Expect(err).ToNot(HaveOccurred())
			second, err := reconciler.Ingest(ctx, event, intent.SourceWebhook)
			Expect(err).ToNot(HaveOccurred())

			// Then
			Expect(first).To(Equal(intent.OutcomeApplied))
			Expect(second).To(Equal(webhook.OutcomeDuplicate))
			Expect(ledgerRows()).To(Equal(int64(1)))
			Expect(statusOf(record.ID)).To(Equal(lifecycle.StatusProcessing))
			Expect(publisher.Types()).To(Equal([]string{events.EventTypeIntentStatusChanged}))

			entry, err := ledger.Get(ctx, "evt1")
			Expect(err).ToNot(HaveOccurred())
			Expect(entry.Outcome).To(Equal(intent.OutcomeApplied))
			Expect(*entry.AppliedTransition).To(Equal("PENDING->PROCESSING"))
			Expect(entry.ProcessedAt).ToNot(BeNil())
		})

		It("applies at most one transition under concurrent duplicate deliveries", func() {
			record := seedIntent("abc", "pr_1")
			event := webhookEvent("evt1", "payment_intent.processing", "pr_1", time.Now().UTC())

			var wg sync.WaitGroup
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					_, err := reconciler.Ingest(ctx, event, intent.SourceWebhook)
					Expect(err).ToNot(HaveOccurred())
				}()
			}
			wg.Wait()

			Expect(ledgerRows()).To(Equal(int64(1)))
			Expect(statusOf(record.ID)).To(Equal(lifecycle.StatusProcessing))
			Expect(publisher.Types()).To(HaveLen(1))
		})

		It("walks a skipped intermediate state through legal steps", func() {
			record := seedIntent("abc", "pr_1")

			outcome, err := reconciler.Ingest(ctx, webhookEvent("evt1", "payment_intent.succeeded", "pr_1", time.Now().UTC()), intent.SourceWebhook)

			Expect(err).ToNot(HaveOccurred())
			Expect(outcome).To(Equal(intent.OutcomeApplied))
			Expect(statusOf(record.ID)).To(Equal(lifecycle.StatusSucceeded))

			entry, _ := ledger.Get(ctx, "evt1")
			Expect(*entry.AppliedTransition).To(Equal("PENDING->PROCESSING->SUCCEEDED"))
			Expect(publisher.Types()).To(ContainElement(events.EventTypeIntentSucceeded))
		})

		It("keeps a succeeded intent when a late processing event arrives", func() {
			// Given
			record := seedIntent("abc", "pr_1")
			_, err := reconciler.Ingest(ctx, webhookEvent("evt2", "payment_intent.succeeded", "pr_1", time.Now().UTC()), intent.SourceWebhook)
			Expect(err).ToNot(HaveOccurred())

			// When
			late := webhookEvent("evt1", "payment_intent.processing", "pr_1", time.Now().UTC().Add(-time.Hour))
			outcome, err := reconciler.Ingest(ctx, late, intent.SourceWebhook)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(outcome).To(Equal(intent.OutcomeStale))
			Expect(statusOf(record.ID)).To(Equal(lifecycle.StatusSucceeded))
		})

		It("treats an event for the state already reached as a no-op", func() {
			record := seedIntent("abc", "pr_1")
			_, err := reconciler.Ingest(ctx, webhookEvent("evt1", "processing", "pr_1", time.Now().UTC()), intent.SourceWebhook)
			Expect(err).ToNot(HaveOccurred())

			outcome, err := reconciler.Ingest(ctx, webhookEvent("evt2", "processing", "pr_1", time.Now().UTC()), intent.SourceWebhook)

			Expect(err).ToNot(HaveOccurred())
			Expect(outcome).To(Equal(intent.OutcomeNoop))
			Expect(statusOf(record.ID)).To(Equal(lifecycle.StatusProcessing))
		})

		It("rejects an illegal newer transition and leaves the intent alone", func() {
			record := seedIntent("abc", "pr_1")
			_, err := reconciler.Ingest(ctx, webhookEvent("evt1", "failed", "pr_1", time.Now().UTC()), intent.SourceWebhook)
			Expect(err).ToNot(HaveOccurred())

			outcome, err := reconciler.Ingest(ctx, webhookEvent("evt2", "succeeded", "pr_1", time.Now().UTC().Add(time.Hour)), intent.SourceWebhook)

			Expect(err).ToNot(HaveOccurred())
			Expect(outcome).To(Equal(intent.OutcomeRejected))
			Expect(statusOf(record.ID)).To(Equal(lifecycle.StatusFailed))
			Expect(alerter.Reasons()).To(Equal([]string{alert.ReasonIllegalTransition}))
		})

		It("alerts when the gateway reports success for a canceled intent", func() {
			// Given
			record := seedIntent("abc", "pr_1")
			applied, err := store.Transition(ctx, record.ID, lifecycle.AllowedFrom(lifecycle.StatusCanceled), lifecycle.StatusCanceled, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(applied).To(BeTrue())

			// When
			outcome, err := reconciler.Ingest(ctx, webhookEvent("evt1", "succeeded", "pr_1", time.Now().UTC().Add(time.Minute)), intent.SourceWebhook)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(outcome).To(Equal(intent.OutcomeRejected))
			Expect(statusOf(record.ID)).To(Equal(lifecycle.StatusCanceled))
			Expect(alerter.Reasons()).To(Equal([]string{alert.ReasonIllegalTransition}))

			entry, _ := ledger.Get(ctx, "evt1")
			Expect(entry.Outcome).To(Equal(intent.OutcomeRejected))
			Expect(entry.AppliedTransition).To(BeNil())
		})

		It("does not alert for a late stale event", func() {
			seedIntent("abc", "pr_1")
			_, err := reconciler.Ingest(ctx, webhookEvent("evt2", "succeeded", "pr_1", time.Now().UTC()), intent.SourceWebhook)
			Expect(err).ToNot(HaveOccurred())

			_, err = reconciler.Ingest(ctx, webhookEvent("evt1", "failed", "pr_1", time.Now().UTC().Add(-time.Hour)), intent.SourceWebhook)

			Expect(err).ToNot(HaveOccurred())
			Expect(alerter.Reasons()).To(BeEmpty())
		})

		It("records the real predecessor when the row moved after it was read", func() {
			// Given a snapshot that still says PENDING while the row is already PROCESSING
			record := seedIntent("abc", "pr_1")
			reconciler = webhook.NewReconciler(&movingStore{IntentRepository: store, moveTo: lifecycle.StatusProcessing},
				ledger, queue, publisher, alerter, cfg, logger)

			// When
			outcome, err := reconciler.Ingest(ctx, webhookEvent("evt1", "failed", "pr_1", time.Now().UTC()), intent.SourceWebhook)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(outcome).To(Equal(intent.OutcomeApplied))
			Expect(statusOf(record.ID)).To(Equal(lifecycle.StatusFailed))
			entry, _ := ledger.Get(ctx, "evt1")
			Expect(*entry.AppliedTransition).To(Equal("PROCESSING->FAILED"))
		})

		It("records the gateway's failure reason", func() {
			record := seedIntent("abc", "pr_1")
			event := webhookEvent("evt1", "payment_intent.payment_failed", "pr_1", time.Now().UTC())
			event.FailureReason = "card_declined"

			_, err := reconciler.Ingest(ctx, event, intent.SourceWebhook)

			Expect(err).ToNot(HaveOccurred())
			stored, _ := store.GetByID(ctx, record.ID)
			Expect(stored.Status).To(Equal(lifecycle.StatusFailed))
			Expect(*stored.FailureReason).To(Equal("card_declined"))
			Expect(publisher.Types()).To(ContainElement(events.EventTypeIntentFailed))
		})

		It("refuses unverified events without touching the ledger", func() {
			seedIntent("abc", "pr_1")
			event := webhookEvent("evt1", "succeeded", "pr_1", time.Now().UTC())
			event.Verified = false

			_, err := reconciler.Ingest(ctx, event, intent.SourceWebhook)

			Expect(err).To(MatchError(apperrors.ErrUnverifiedEvent))
			Expect(ledgerRows()).To(BeZero())
		})

		It("settles unknown event types as rejected", func() {
			seedIntent("abc", "pr_1")

			outcome, err := reconciler.Ingest(ctx, webhookEvent("evt1", "payment_intent.exploded", "pr_1", time.Now().UTC()), intent.SourceWebhook)

			Expect(err).ToNot(HaveOccurred())
			Expect(outcome).To(Equal(intent.OutcomeRejected))
		})
	})

	Describe("orphan events", func() {
		It("requeues an event whose provider reference is unknown", func() {
			outcome, err := reconciler.Ingest(ctx, webhookEvent("evt1", "succeeded", "pr_missing", time.Now().UTC()), intent.SourceWebhook)

			Expect(err).ToNot(HaveOccurred())
			Expect(outcome).To(Equal(intent.OutcomeReceived))
			Expect(queue.Len()).To(Equal(1))

			entry, _ := ledger.Get(ctx, "evt1")
			Expect(entry.Outcome).To(Equal(intent.OutcomeReceived))
			Expect(entry.Attempts).To(Equal(1))
		})

		It("applies a requeued event once its intent appears", func() {
			_, err := reconciler.Ingest(ctx, webhookEvent("evt1", "succeeded", "pr_late", time.Now().UTC()), intent.SourceWebhook)
			Expect(err).ToNot(HaveOccurred())

			record := seedIntent("late", "pr_late")
			reconciler.Retry(ctx, "evt1")

			Expect(statusOf(record.ID)).To(Equal(lifecycle.StatusSucceeded))
			entry, _ := ledger.Get(ctx, "evt1")
			Expect(entry.Outcome).To(Equal(intent.OutcomeApplied))
		})

		It("marks the event orphaned and alerts once retries are exhausted", func() {
			cfg.OrphanMaxRetries = 1
			build()

			_, err := reconciler.Ingest(ctx, webhookEvent("evt1", "succeeded", "pr_missing", time.Now().UTC()), intent.SourceWebhook)
			Expect(err).ToNot(HaveOccurred())
			reconciler.Retry(ctx, "evt1")

			entry, _ := ledger.Get(ctx, "evt1")
			Expect(entry.Outcome).To(Equal(intent.OutcomeOrphaned))
			Expect(alerter.Reasons()).To(Equal([]string{"orphan_event"}))
			Expect(alerter.Details()[0]).To(ContainSubstring("pr_missing"))
		})

		It("delivers due retries through the queue", func() {
			cfg.OrphanMaxRetries = 50
			cfg.OrphanBaseDelay = 10 * time.Millisecond
			cfg.OrphanMaxDelay = 20 * time.Millisecond
			build()

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			reconciler.Start(runCtx)

			_, err := reconciler.Ingest(ctx, webhookEvent("evt1", "processing", "pr_soon", time.Now().UTC()), intent.SourceWebhook)
			Expect(err).ToNot(HaveOccurred())
			record := seedIntent("soon", "pr_soon")

			Eventually(func() lifecycle.Status {
				return statusOf(record.ID)
			}).WithTimeout(2 * time.Second).Should(Equal(lifecycle.StatusProcessing))
		})
	})

	Describe("Redrive", func() {
		It("settles an entry that was recorded but never applied", func() {
			record := seedIntent("abc", "pr_1")
			Expect(ledger.Insert(ctx, &intent.WebhookLedgerEntry{
				ProviderEventID: "evt-stuck",
				EventType:       "succeeded",
				ProviderRef:     "pr_1",
				EventTimestamp:  time.Now().UTC(),
				Source:          intent.SourceWebhook,
				Outcome:         intent.OutcomeReceived,
				ReceivedAt:      time.Now().UTC().Add(-time.Hour),
			})).To(BeTrue())

			entry, _ := ledger.Get(ctx, "evt-stuck")
			outcome := reconciler.Redrive(ctx, entry)

			Expect(outcome).To(Equal(intent.OutcomeApplied))
			Expect(statusOf(record.ID)).To(Equal(lifecycle.StatusSucceeded))
			Expect(ledgerRows()).To(Equal(int64(1)))
		})
	})
})
