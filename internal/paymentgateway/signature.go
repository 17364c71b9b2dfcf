package paymentgateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	errors "github.com/frahmantamala/member-payments/internal"
	types "github.com/frahmantamala/member-payments/internal/core/datamodel/paymentgateway"
)

const defaultTolerance = 5 * time.Minute

// Signer signs and verifies webhook deliveries: hex(HMAC-SHA256(secret, "<unix ts>.<body>")).
type Signer struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewSigner(secret string, tolerance time.Duration) *Signer {
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	return &Signer{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

func (s *Signer) Sign(body []byte, at time.Time) (signature string, timestamp string) {
	timestamp = strconv.FormatInt(at.Unix(), 10)
	return s.mac(timestamp, body), timestamp
}

// SignRequest sets the signature headers on an outgoing delivery.
func (s *Signer) SignRequest(req *http.Request, body []byte) {
	sig, ts := s.Sign(body, s.now())
	req.Header.Set(types.HeaderSignature, sig)
	req.Header.Set(types.HeaderTimestamp, ts)
}

func (s *Signer) Verify(header http.Header, body []byte) error {
	sig := header.Get(types.HeaderSignature)
	ts := header.Get(types.HeaderTimestamp)
	if sig == "" || ts == "" {
		return errors.ErrUnverifiedEvent.WithCause(fmt.Errorf("missing signature headers"))
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return errors.ErrUnverifiedEvent.WithCause(fmt.Errorf("malformed timestamp %q", ts))
	}
	age := s.now().Sub(time.Unix(unix, 0))
	if age > s.tolerance || age < -s.tolerance {
		return errors.ErrUnverifiedEvent.WithCause(fmt.Errorf("timestamp outside tolerance: %s", age))
	}

	expected := s.mac(ts, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return errors.ErrUnverifiedEvent.WithCause(fmt.Errorf("signature mismatch"))
	}
	return nil
}

func (s *Signer) mac(timestamp string, body []byte) string {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(timestamp))
	m.Write([]byte("."))
	m.Write(body)
	return hex.EncodeToString(m.Sum(nil))
}

// WebhookParser verifies and decodes gateway deliveries. Both provider variants use it.
type WebhookParser struct {
	signer *Signer
}

func NewWebhookParser(signer *Signer) *WebhookParser {
	return &WebhookParser{signer: signer}
}

func (p *WebhookParser) ParseWebhook(header http.Header, body []byte) (*types.WebhookEvent, error) {
	if err := p.signer.Verify(header, body); err != nil {
		return nil, err
	}

	event, err := DecodeWebhook(body)
	if err != nil {
		return nil, err
	}
	event.Verified = true
	return event, nil
}

// DecodeWebhook decodes a payload without checking its signature. The result is unverified.
func DecodeWebhook(body []byte) (*types.WebhookEvent, error) {
	var payload types.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.NewValidationError("malformed webhook payload", errors.ErrCodeValidationFailed).WithCause(err)
	}

	event := &types.WebhookEvent{
		ProviderEventID: payload.ID,
		Type:            payload.Type,
		ProviderRef:     payload.Data.ProviderRef,
		Timestamp:       payload.CreatedAt,
		FailureReason:   payload.Data.FailureReason,
		Payload:         body,
	}
	if err := event.Validate(); err != nil {
		return nil, errors.NewValidationError(err.Error(), errors.ErrCodeValidationFailed)
	}
	return event, nil
}
