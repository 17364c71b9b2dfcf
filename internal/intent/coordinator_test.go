package intent_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/frahmantamala/member-payments/internal"
	"github.com/frahmantamala/member-payments/internal/core/database/databasetest"
	"github.com/frahmantamala/member-payments/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/member-payments/internal/core/lifecycle"
	intentpkg "github.com/frahmantamala/member-payments/internal/intent"
	intentpostgres "github.com/frahmantamala/member-payments/internal/intent/postgres"
	gateway "github.com/frahmantamala/member-payments/internal/paymentgateway"
	"github.com/frahmantamala/member-payments/internal/webhook"
	webhookpostgres "github.com/frahmantamala/member-payments/internal/webhook/postgres"
)

func TestIntent(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Intent Suite")
}

type recordingAlerter struct {
	mu      sync.Mutex
	reasons []string
}

func (a *recordingAlerter) Raise(_ context.Context, reason, _, _, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reasons = append(a.reasons, reason)
}

type failingCreator struct {
	result *paymentgateway.CreateResult
	err    error
}

func (f *failingCreator) Create(context.Context, paymentgateway.CreateRequest) (*paymentgateway.CreateResult, error) {
	return f.result, f.err
}

func dues(key string) intentpkg.NewIntent {
	return intentpkg.NewIntent{
		IdempotencyKey: key,
		AmountCents:    5000,
		Currency:       "USD",
		SubjectID:      "member-1",
	}
}

var _ = Describe("Coordinator", func() {
	var (
		ctx         context.Context
		logger      *slog.Logger
		store       *intentpostgres.IntentRepository
		reconciler  *webhook.Reconciler
		fake        *gateway.FakeProvider
		alerter     *recordingAlerter
		cfg         intentpkg.CoordinatorConfig
		coordinator *intentpkg.Coordinator
	)

	newCoordinator := func(provider intentpkg.Creator) *intentpkg.Coordinator {
		return intentpkg.NewCoordinator(store, provider, reconciler, nil, alerter, cfg, logger)
	}

	BeforeEach(func() {
		db, err := databasetest.OpenSQLite()
		Expect(err).ToNot(HaveOccurred())

		ctx = context.Background()
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		store = intentpostgres.NewIntentRepository(db)
		alerter = &recordingAlerter{}
		reconciler = webhook.NewReconciler(store, webhookpostgres.NewLedgerRepository(db), nil, nil, alerter,
			webhook.ReconcilerConfig{OrphanMaxRetries: 1, OrphanBaseDelay: time.Second, OrphanMaxDelay: time.Second}, logger)

		fake = gateway.NewFakeProvider(gateway.FakeConfig{
			CheckoutBaseURL: "https://pay.example.test/checkout",
			SettleDelay:     time.Hour,
			SuccessRate:     1,
			CreateDelay:     50 * time.Millisecond,
		}, gateway.NewSigner("whsec_test_secret_value", 0), logger)

		cfg = intentpkg.CoordinatorConfig{
			ProviderTimeout: 2 * time.Second,
			PollBaseDelay:   5 * time.Millisecond,
			PollMaxDelay:    20 * time.Millisecond,
			PollBudget:      2 * time.Second,
		}
		coordinator = newCoordinator(fake)
	})

	AfterEach(func() {
		fake.Shutdown()
	})

	Describe("CreateOrGet", func() {
		It("creates the intent at the gateway and attaches its reference", func() {
			// When
			result, err := coordinator.CreateOrGet(ctx, dues("abc"))

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Created).To(BeTrue())
			Expect(result.StillProcessing).To(BeFalse())
			Expect(result.Intent.ProviderRef).ToNot(BeNil())
			Expect(*result.Intent.CheckoutURL).To(HavePrefix("https://pay.example.test/checkout/pr_"))
			Expect(result.Intent.Status).To(Equal(lifecycle.StatusPending))
			Expect(fake.Creates()).To(Equal(int64(1)))
		})

		It("returns the same intent for a repeated key without calling the gateway again", func() {
			first, err := coordinator.CreateOrGet(ctx, dues("abc"))
			Expect(err).ToNot(HaveOccurred())

			second, err := coordinator.CreateOrGet(ctx, dues("abc"))

			Expect(err).ToNot(HaveOccurred())
			Expect(second.Created).To(BeFalse())
			Expect(second.Intent.ID).To(Equal(first.Intent.ID))
			Expect(fake.Creates()).To(Equal(int64(1)))
		})

		It("reaches the gateway once when many callers race on one key", func() {
			// Given
			const callers = 8
			ids := make([]string, callers)
			var wg sync.WaitGroup

			// When
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					defer GinkgoRecover()
					result, err := coordinator.CreateOrGet(ctx, dues("abc"))
					Expect(err).ToNot(HaveOccurred())
					Expect(result.StillProcessing).To(BeFalse())
					ids[i] = result.Intent.ID
				}(i)
			}
			wg.Wait()

			// Then
			Expect(fake.Creates()).To(Equal(int64(1)))
			for _, id := range ids {
				Expect(id).To(Equal(ids[0]))
			}
		})

		It("rejects a reused key with a different amount", func() {
			_, err := coordinator.CreateOrGet(ctx, dues("abc"))
			Expect(err).ToNot(HaveOccurred())

			changed := dues("abc")
			changed.AmountCents = 7000
			_, err = coordinator.CreateOrGet(ctx, changed)

			Expect(err).To(MatchError(apperrors.ErrIdempotencyConflict))
			Expect(fake.Creates()).To(Equal(int64(1)))
		})

		It("leaves the intent pending and releases its claim when the gateway is down", func() {
			// Given
			fake.SetUnavailable(true)

			// When
			_, err := coordinator.CreateOrGet(ctx, dues("abc"))

			// Then
			Expect(err).To(MatchError(apperrors.ErrProviderUnavailable))

			candidates, err := store.ListCreationCandidates(ctx, time.Now().Add(-time.Hour), 10)
			Expect(err).ToNot(HaveOccurred())
			Expect(candidates).To(HaveLen(1))
			Expect(candidates[0].Status).To(Equal(lifecycle.StatusPending))
			Expect(candidates[0].ProviderRef).To(BeNil())
			Expect(candidates[0].CreationClaimedAt).To(BeNil())
		})

		It("reports still processing when the first creator has not finished in time", func() {
			// Given an intent whose creator never attached a reference
			_, _, err := store.CreateOrGet(ctx, dues("abc"))
			Expect(err).ToNot(HaveOccurred())
			cfg.PollBudget = 50 * time.Millisecond
			coordinator = newCoordinator(fake)

			// When
			result, err := coordinator.CreateOrGet(ctx, dues("abc"))

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(result.StillProcessing).To(BeTrue())
			Expect(result.Intent.ProviderRef).To(BeNil())
			Expect(fake.Creates()).To(BeZero())
		})

		It("applies the status the gateway returns on create", func() {
			creator := &failingCreator{result: &paymentgateway.CreateResult{ProviderRef: "pr_direct", Status: "processing"}}
			coordinator = newCoordinator(creator)

			result, err := coordinator.CreateOrGet(ctx, dues("abc"))

			Expect(err).ToNot(HaveOccurred())
			Expect(result.Intent.Status).To(Equal(lifecycle.StatusProcessing))
		})

		It("treats a create response without a reference as a gateway failure", func() {
			coordinator = newCoordinator(&failingCreator{result: &paymentgateway.CreateResult{}})

			_, err := coordinator.CreateOrGet(ctx, dues("abc"))

			Expect(err).To(MatchError(apperrors.ErrProviderUnavailable))
		})
	})

	Describe("Cancel", func() {
		It("cancels a pending intent and is idempotent", func() {
			created, err := coordinator.CreateOrGet(ctx, dues("abc"))
			Expect(err).ToNot(HaveOccurred())

			canceled, err := coordinator.Cancel(ctx, created.Intent.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(canceled.Status).To(Equal(lifecycle.StatusCanceled))

			again, err := coordinator.Cancel(ctx, created.Intent.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(again.Status).To(Equal(lifecycle.StatusCanceled))
		})

		It("refuses to cancel a settled intent", func() {
			created, err := coordinator.CreateOrGet(ctx, dues("abc"))
			Expect(err).ToNot(HaveOccurred())
			_, err = reconciler.Ingest(ctx, paymentgateway.WebhookEvent{
				ProviderEventID: "evt1",
				Type:            "succeeded",
				ProviderRef:     *created.Intent.ProviderRef,
				Timestamp:       time.Now().UTC(),
				Verified:        true,
			}, "webhook")
			Expect(err).ToNot(HaveOccurred())

			_, err = coordinator.Cancel(ctx, created.Intent.ID)

			Expect(err).To(MatchError(apperrors.ErrIntentNotCancelable))
		})

		It("reports an unknown intent", func() {
			_, err := coordinator.Cancel(ctx, "missing")

			Expect(err).To(MatchError(apperrors.ErrIntentNotFound))
		})
	})
})
