package paymentgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	types "github.com/frahmantamala/member-payments/internal/core/datamodel/paymentgateway"
)

type GatewayConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// GatewayProvider talks to the real gateway over HTTP. Every call carries the caller's context;
// the client timeout is only a backstop.
type GatewayProvider struct {
	*WebhookParser
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

func NewGatewayProvider(cfg GatewayConfig, parser *WebhookParser, logger *slog.Logger) *GatewayProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GatewayProvider{
		WebhookParser: parser,
		baseURL:       cfg.BaseURL,
		apiKey:        cfg.APIKey,
		client:        &http.Client{Timeout: timeout},
		logger:        logger,
	}
}

func (g *GatewayProvider) Create(ctx context.Context, req types.CreateRequest) (*types.CreateResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal error: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/payment_intents", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request creation error: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(types.HeaderIdempotencyKey, req.IdempotencyKey)

	var result types.CreateResult
	if err := g.do(httpReq, &result); err != nil {
		g.logger.Error("gateway create failed", "idempotency_key", req.IdempotencyKey, "error", err)
		return nil, err
	}

	g.logger.Info("gateway payment intent created",
		"idempotency_key", req.IdempotencyKey,
		"provider_ref", result.ProviderRef,
		"status", result.Status)
	return &result, nil
}

func (g *GatewayProvider) QueryStatus(ctx context.Context, providerRef string) (*types.StatusResult, error) {
	endpoint := fmt.Sprintf("%s/v1/payment_intents/%s", g.baseURL, url.PathEscape(providerRef))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("request creation error: %w", err)
	}

	var result types.StatusResult
	if err := g.do(httpReq, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (g *GatewayProvider) do(req *http.Request, out interface{}) error {
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("response read error: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("response unmarshal error: %w", err)
	}
	return nil
}

// StatusError is a non-2xx gateway answer.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned status %d: %s", e.StatusCode, e.Body)
}
