package intent_test

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

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/frahmantamala/member-payments/internal"
	"github.com/frahmantamala/member-payments/internal/core/datamodel/intent"
	"github.com/frahmantamala/member-payments/internal/core/lifecycle"
	intentpkg "github.com/frahmantamala/member-payments/internal/intent"
)

type mockService struct {
	result   *intentpkg.Result
	intent   *intent.PaymentIntent
	err      error
	received []intentpkg.NewIntent
}

func (m *mockService) CreateOrGet(_ context.Context, in intentpkg.NewIntent) (*intentpkg.Result, error) {
	m.received = append(m.received, in)
	return m.result, m.err
}

func (m *mockService) Get(context.Context, string) (*intent.PaymentIntent, error) {
	return m.intent, m.err
}

func (m *mockService) Cancel(context.Context, string) (*intent.PaymentIntent, error) {
	return m.intent, m.err
}

func storedIntent(status lifecycle.Status) *intent.PaymentIntent {
	now := time.Now().UTC()
	reason := "card_declined"
	return &intent.PaymentIntent{
		ID:             "6f1c1c0e-0000-4000-8000-000000000001",
		IdempotencyKey: "abc",
		AmountCents:    5000,
		Currency:       "USD",
		SubjectID:      "member-1",
		Status:         status,
		FailureReason:  &reason,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

var _ = Describe("Intent Handler", func() {
	var (
		service *mockService
		router  chi.Router
	)

	BeforeEach(func() {
		slogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		service = &mockService{}
		handler := intentpkg.NewHandler(service, slogger)

		router = chi.NewRouter()
		router.Post("/api/v1/intents", handler.CreateIntent)
		router.Get("/api/v1/intents/{id}", handler.GetIntent)
		router.Post("/api/v1/intents/{id}/cancel", handler.CancelIntent)
	})

	create := func(key string, body map[string]any) *httptest.ResponseRecorder {
		payload, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		req := httptest.NewRequest(http.MethodPost, "/api/v1/intents", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	validBody := map[string]any{"amount_cents": 5000, "currency": "USD", "subject_id": "member-1"}

	decode := func(w *httptest.ResponseRecorder) intentpkg.IntentResponse {
		var resp intentpkg.IntentResponse
		Expect(json.NewDecoder(w.Body).Decode(&resp)).To(Succeed())
		return resp
	}

	Describe("POST /api/v1/intents", func() {
		It("answers 201 for a newly created intent", func() {
			service.result = &intentpkg.Result{Intent: storedIntent(lifecycle.StatusPending), Created: true}

			w := create("abc", validBody)

			Expect(w.Code).To(Equal(http.StatusCreated))
			resp := decode(w)
			Expect(resp.Status).To(Equal("processing"))
			Expect(resp.FailureReason).To(BeNil())
			Expect(service.received[0].IdempotencyKey).To(Equal("abc"))
		})

		It("answers 200 for an existing intent", func() {
			service.result = &intentpkg.Result{Intent: storedIntent(lifecycle.StatusSucceeded)}

			w := create("abc", validBody)

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w).Status).To(Equal("succeeded"))
		})

		It("answers 202 while the first creator is still in flight", func() {
			service.result = &intentpkg.Result{Intent: storedIntent(lifecycle.StatusPending), StillProcessing: true}

			w := create("abc", validBody)

			Expect(w.Code).To(Equal(http.StatusAccepted))
		})

		It("requires an idempotency key", func() {
			w := create("", validBody)

			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(w.Body.String()).To(ContainSubstring(string(apperrors.ErrCodeMissingKey)))
			Expect(service.received).To(BeEmpty())
		})

		It("rejects a lowercase currency", func() {
			w := create("abc", map[string]any{"amount_cents": 5000, "currency": "usd", "subject_id": "member-1"})

			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("rejects a non-positive amount", func() {
			w := create("abc", map[string]any{"amount_cents": 0, "currency": "USD", "subject_id": "member-1"})

			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("answers 409 when the key is bound to other parameters", func() {
			service.err = apperrors.ErrIdempotencyConflict

			w := create("abc", validBody)

			Expect(w.Code).To(Equal(http.StatusConflict))
		})

		It("answers 503 when the gateway is unavailable", func() {
			service.err = apperrors.ErrProviderUnavailable.WithCause(errors.New("connection refused"))

			w := create("abc", validBody)

			Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(w.Body.String()).NotTo(ContainSubstring("connection refused"))
		})

		It("takes the subject from the authenticated caller when the body omits it", func() {
			service.result = &intentpkg.Result{Intent: storedIntent(lifecycle.StatusPending), Created: true}
			payload, _ := json.Marshal(map[string]any{"amount_cents": 5000, "currency": "USD"})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/intents", bytes.NewReader(payload))
			req.Header.Set("Idempotency-Key", "abc")
			req = req.WithContext(apperrors.ContextWithSubject(req.Context(), "member-42"))
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusCreated))
			Expect(service.received[0].SubjectID).To(Equal("member-42"))
		})
	})

	Describe("GET /api/v1/intents/{id}", func() {
		It("shows the failure reason only for a failed intent", func() {
			service.intent = storedIntent(lifecycle.StatusFailed)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/intents/abc", nil))

			Expect(w.Code).To(Equal(http.StatusOK))
			resp := decode(w)
			Expect(resp.Status).To(Equal("failed"))
			Expect(*resp.FailureReason).To(Equal("card_declined"))
		})

		It("answers 404 for an unknown intent", func() {
			service.err = apperrors.ErrIntentNotFound

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/intents/missing", nil))

			Expect(w.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /api/v1/intents/{id}/cancel", func() {
		It("answers 409 for an intent that can no longer be canceled", func() {
			service.err = apperrors.ErrIntentNotCancelable

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/intents/abc/cancel", nil))

			Expect(w.Code).To(Equal(http.StatusConflict))
		})

		It("returns the canceled intent", func() {
			service.intent = storedIntent(lifecycle.StatusCanceled)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/intents/abc/cancel", nil))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w).Status).To(Equal("canceled"))
		})
	})
})
