package webhook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/member-payments/internal/core/datamodel/intent"
	types "github.com/frahmantamala/member-payments/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/member-payments/internal/paymentgateway"
	"github.com/frahmantamala/member-payments/internal/webhook"
)

type mockIngester struct {
	outcome intent.LedgerOutcome
	err     error
	events  []types.WebhookEvent
}

func (m *mockIngester) Ingest(_ context.Context, event types.WebhookEvent, _ intent.EventSource) (intent.LedgerOutcome, error) {
	m.events = append(m.events, event)
	return m.outcome, m.err
}

var _ = Describe("Webhook Handler", func() {
	const secret = "whsec_test_secret_value"

	var (
		signer   *paymentgateway.Signer
		ingester *mockIngester
		handler  *webhook.Handler
		body     []byte
	)

	BeforeEach(func() {
		slogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		signer = paymentgateway.NewSigner(secret, time.Minute)
		ingester = &mockIngester{outcome: intent.OutcomeApplied}
		handler = webhook.NewHandler(paymentgateway.NewWebhookParser(signer), ingester, slogger)

		var err error
		body, err = json.Marshal(types.WebhookPayload{
			ID:        "evt1",
			Type:      "payment_intent.succeeded",
			CreatedAt: time.Now().UTC(),
			Data:      types.WebhookData{ProviderRef: "pr_1", Status: "succeeded"},
		})
		Expect(err).NotTo(HaveOccurred())
	})

	post := func(sign func(*http.Request)) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gateway", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if sign != nil {
			sign(req)
		}
		w := httptest.NewRecorder()
		handler.HandleGatewayEvent(w, req)
		return w
	}

	It("acknowledges a signed delivery once ingested", func() {
		w := post(func(r *http.Request) { signer.SignRequest(r, body) })

		Expect(w.Code).To(Equal(http.StatusOK))

		var ack webhook.AckResponse
		Expect(json.NewDecoder(w.Body).Decode(&ack)).To(Succeed())
		Expect(ack.Received).To(BeTrue())
		Expect(ack.Outcome).To(Equal("applied"))

		Expect(ingester.events).To(HaveLen(1))
		Expect(ingester.events[0].Verified).To(BeTrue())
		Expect(ingester.events[0].ProviderRef).To(Equal("pr_1"))
	})

	It("rejects a delivery without a signature", func() {
		w := post(nil)

		Expect(w.Code).To(Equal(http.StatusUnauthorized))
		Expect(ingester.events).To(BeEmpty())
	})

	It("rejects a delivery signed with another secret", func() {
		other := paymentgateway.NewSigner("some_other_secret_value", time.Minute)

		w := post(func(r *http.Request) { other.SignRequest(r, body) })

		Expect(w.Code).To(Equal(http.StatusUnauthorized))
		Expect(ingester.events).To(BeEmpty())
	})

	It("asks the gateway to redeliver when the ledger write fails", func() {
		ingester.err = errors.New("database is down")

		w := post(func(r *http.Request) { signer.SignRequest(r, body) })

		Expect(w.Code).To(Equal(http.StatusInternalServerError))
		Expect(w.Body.String()).NotTo(ContainSubstring("database is down"))
	})

	It("acknowledges a duplicate delivery", func() {
		ingester.outcome = webhook.OutcomeDuplicate

		w := post(func(r *http.Request) { signer.SignRequest(r, body) })

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring("duplicate"))
	})
})
