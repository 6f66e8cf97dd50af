package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ent0n29/topiclane/internal/reliability"
)

const (
	defaultRateLimitCooldown = 2 * time.Second
	retryBase                = 200 * time.Millisecond
	retryCap                 = 2 * time.Second
)

// StatusError is a non-2xx response from the chat backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("message backend http status %d: %s", e.StatusCode, e.Body)
}

// HTTPSender posts send-message requests as JSON. Transient 5xx responses
// are retried with capped exponential backoff; 429 is not retried here and
// is reported to the Blocker instead.
type HTTPSender struct {
	url         string
	client      *http.Client
	maxAttempts int
	blocker     Blocker
	now         func() time.Time
}

func NewHTTPSender(cfg Config) *HTTPSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &HTTPSender{
		url:         strings.TrimSpace(cfg.URL),
		client:      &http.Client{Timeout: timeout},
		maxAttempts: attempts,
		blocker:     cfg.Blocker,
		now:         time.Now,
	}
}

func (s *HTTPSender) SendMessage(ctx context.Context, req SendMessageRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, retryBase, retryCap)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		retry, err := s.post(ctx, req, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
	}
	return lastErr
}

func (s *HTTPSender) post(ctx context.Context, req SendMessageRequest, payload []byte) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.TodoID != "" {
		httpReq.Header.Set("Idempotency-Key", req.TodoID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	res, err := s.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
		return false, nil
	}

	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	statusErr := &StatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
	if res.StatusCode == http.StatusTooManyRequests {
		now := s.now()
		cooldown := reliability.RetryAfter(res.Header.Get("Retry-After"), now, defaultRateLimitCooldown)
		if s.blocker != nil {
			s.blocker.Block(req.Actor, now.Add(cooldown))
		}
		return false, fmt.Errorf("%w: %w", ErrRateLimited, statusErr)
	}
	return reliability.IsRetryableHTTPStatus(res.StatusCode), statusErr
}
