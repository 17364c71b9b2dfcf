package paymentgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	types "github.com/frahmantamala/member-payments/internal/core/datamodel/paymentgateway"
)

var (
	ErrGatewayUnavailable = errors.New("fake gateway unavailable")
	ErrUnknownReference   = errors.New("unknown provider reference")
)

type settlementJob struct {
	ProviderRef string
}

type Worker struct {
	ID         int
	WorkerPool chan chan settlementJob
	JobChannel chan settlementJob
	Logger     *slog.Logger
}

func NewWorker(id int, workerPool chan chan settlementJob, logger *slog.Logger) *Worker {
	return &Worker{
		ID:         id,
		WorkerPool: workerPool,
		JobChannel: make(chan settlementJob),
		Logger:     logger,
	}
}

func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup, processFunc func(settlementJob)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case w.WorkerPool <- w.JobChannel:
			case <-ctx.Done():
				return
			}

			select {
			case job := <-w.JobChannel:
				w.Logger.Debug("worker settling payment", "worker_id", w.ID, "provider_ref", job.ProviderRef)
				processFunc(job)
			case <-ctx.Done():
				w.Logger.Debug("worker shutting down", "worker_id", w.ID)
				return
			}
		}
	}()
}

type FakeConfig struct {
	WebhookURL         string
	CheckoutBaseURL    string
	MaxWorkers         int
	JobQueueSize       int
	WorkerPoolSize     int
	SettleDelay        time.Duration
	SuccessRate        float64
	DuplicateWebhooks  bool
	DropWebhookPercent float64
	// CreateDelay makes Create slow, to widen race windows in tests.
	CreateDelay time.Duration
}

type fakePayment struct {
	ref           string
	key           string
	amountCents   int64
	currency      string
	status        string
	failureReason string
}

// FakeProvider is an in-process gateway. It honours idempotency keys the way a real gateway
// does, settles payments on a worker pool and posts signed webhooks back to the service.
type FakeProvider struct {
	*WebhookParser
	signer *Signer
	cfg    FakeConfig
	logger *slog.Logger
	client *http.Client

	mu          sync.Mutex
	byKey       map[string]*fakePayment
	byRef       map[string]*fakePayment
	creates     atomic.Int64
	unavailable atomic.Bool

	jobQueue   chan settlementJob
	workerPool chan chan settlementJob
	maxWorkers int
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once
}

func NewFakeProvider(cfg FakeConfig, signer *Signer, logger *slog.Logger) *FakeProvider {
	ctx, cancel := context.WithCancel(context.Background())

	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	jobQueueSize := cfg.JobQueueSize
	if jobQueueSize <= 0 {
		jobQueueSize = 100
	}
	workerPoolSize := cfg.WorkerPoolSize
	if workerPoolSize <= 0 {
		workerPoolSize = maxWorkers
	}

	f := &FakeProvider{
		WebhookParser: NewWebhookParser(signer),
		signer:        signer,
		cfg:           cfg,
		logger:        logger,
		client:        &http.Client{Timeout: 10 * time.Second},
		byKey:         make(map[string]*fakePayment),
		byRef:         make(map[string]*fakePayment),
		jobQueue:      make(chan settlementJob, jobQueueSize),
		workerPool:    make(chan chan settlementJob, workerPoolSize),
		maxWorkers:    maxWorkers,
		ctx:           ctx,
		cancel:        cancel,
	}

	f.startWorkerPool()
	return f
}

func (f *FakeProvider) startWorkerPool() {
	f.once.Do(func() {
		for i := 0; i < f.maxWorkers; i++ {
			worker := NewWorker(i, f.workerPool, f.logger)
			worker.Start(f.ctx, &f.wg, f.settle)
		}

		f.wg.Add(1)
		go f.dispatch()

		f.logger.Info("fake gateway worker pool started",
			"max_workers", f.maxWorkers,
			"queue_size", cap(f.jobQueue))
	})
}

func (f *FakeProvider) dispatch() {
	defer f.wg.Done()

	for {
		select {
		case job := <-f.jobQueue:
			select {
			case jobChannel := <-f.workerPool:
				select {
				case jobChannel <- job:
				case <-f.ctx.Done():
					return
				}
			case <-f.ctx.Done():
				return
			}
		case <-f.ctx.Done():
			f.logger.Debug("fake gateway dispatcher shutting down")
			return
		}
	}
}

func (f *FakeProvider) Shutdown() {
	f.cancel()
	f.wg.Wait()
	f.logger.Info("fake gateway shutdown complete")
}

// Creates counts distinct payments created, not calls: a replayed key is not counted.
func (f *FakeProvider) Creates() int64 {
	return f.creates.Load()
}

// SetUnavailable makes every call fail until switched back.
func (f *FakeProvider) SetUnavailable(down bool) {
	f.unavailable.Store(down)
}

func (f *FakeProvider) Create(ctx context.Context, req types.CreateRequest) (*types.CreateResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	if f.cfg.CreateDelay > 0 {
		select {
		case <-time.After(f.cfg.CreateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.unavailable.Load() {
		return nil, ErrGatewayUnavailable
	}

	f.mu.Lock()
	if existing, ok := f.byKey[req.IdempotencyKey]; ok {
		result := f.resultLocked(existing)
		f.mu.Unlock()
		return result, nil
	}

	p := &fakePayment{
		ref:         "pr_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		key:         req.IdempotencyKey,
		amountCents: req.AmountCents,
		currency:    req.Currency,
		status:      types.GatewayStatusPending,
	}

	select {
	case f.jobQueue <- settlementJob{ProviderRef: p.ref}:
	default:
		f.mu.Unlock()
		return nil, fmt.Errorf("fake gateway queue full")
	}

	f.byKey[p.key] = p
	f.byRef[p.ref] = p
	result := f.resultLocked(p)
	f.mu.Unlock()

	f.creates.Add(1)
	f.logger.Info("fake gateway: payment created",
		"provider_ref", p.ref,
		"idempotency_key", p.key,
		"amount_cents", p.amountCents)

	return result, nil
}

func (f *FakeProvider) resultLocked(p *fakePayment) *types.CreateResult {
	result := &types.CreateResult{ProviderRef: p.ref, Status: p.status}
	if f.cfg.CheckoutBaseURL != "" {
		result.CheckoutURL = strings.TrimRight(f.cfg.CheckoutBaseURL, "/") + "/" + p.ref
	}
	return result
}

func (f *FakeProvider) QueryStatus(ctx context.Context, providerRef string) (*types.StatusResult, error) {
	if f.unavailable.Load() {
		return nil, ErrGatewayUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.byRef[providerRef]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReference, providerRef)
	}
	return &types.StatusResult{ProviderRef: p.ref, Status: p.status, FailureReason: p.failureReason}, nil
}

// Resolve forces a payment's gateway-side status without sending a webhook.
func (f *FakeProvider) Resolve(providerRef, status, failureReason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.byRef[providerRef]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReference, providerRef)
	}
	p.status = status
	p.failureReason = failureReason
	return nil
}

func (f *FakeProvider) settle(job settlementJob) {
	if !f.transition(job.ProviderRef, types.GatewayStatusProcessing, "") {
		return
	}
	f.notify(job.ProviderRef, types.GatewayStatusProcessing, "")

	select {
	case <-time.After(f.cfg.SettleDelay):
	case <-f.ctx.Done():
		f.logger.Debug("settlement cancelled", "provider_ref", job.ProviderRef)
		return
	}

	status, reason := types.GatewayStatusSucceeded, ""
	if rand.Float64() >= f.cfg.SuccessRate {
		status, reason = types.GatewayStatusFailed, "insufficient_funds"
	}
	if !f.transition(job.ProviderRef, status, reason) {
		return
	}

	f.logger.Info("fake gateway: payment settled", "provider_ref", job.ProviderRef, "status", status)
	f.notify(job.ProviderRef, status, reason)
}

// transition moves a fake payment forward unless something (Resolve) already settled it.
func (f *FakeProvider) transition(ref, status, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.byRef[ref]
	if !ok {
		return false
	}
	switch p.status {
	case types.GatewayStatusSucceeded, types.GatewayStatusFailed, types.GatewayStatusCanceled:
		return false
	}
	p.status = status
	p.failureReason = reason
	return true
}

func (f *FakeProvider) notify(ref, status, reason string) {
	if f.cfg.WebhookURL == "" {
		return
	}
	if f.cfg.DropWebhookPercent > 0 && rand.Float64() < f.cfg.DropWebhookPercent {
		f.logger.Info("fake gateway: dropping webhook", "provider_ref", ref, "status", status)
		return
	}

	payload := types.WebhookPayload{
		ID:        "evt_" + uuid.NewString(),
		Type:      "payment_intent." + status,
		CreatedAt: time.Now().UTC(),
		Data: types.WebhookData{
			ProviderRef:   ref,
			Status:        status,
			FailureReason: reason,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		f.logger.Error("failed to marshal webhook", "error", err)
		return
	}

	deliveries := 1
	if f.cfg.DuplicateWebhooks {
		deliveries = 2
	}
	for i := 0; i < deliveries; i++ {
		f.deliver(payload.ID, body)
	}
}

func (f *FakeProvider) deliver(eventID string, body []byte) {
	ctx, cancel := context.WithTimeout(f.ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		f.logger.Error("failed to build webhook request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	f.signer.SignRequest(req, body)

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("webhook delivery failed", "event_id", eventID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		f.logger.Warn("webhook rejected", "event_id", eventID, "status", resp.StatusCode)
	}
}
