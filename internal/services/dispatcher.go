package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/blackmirrow/market/internal/models"
)

const (
	dispatchTimeout = 5 * time.Second
	maxRetries      = 2
)

// Dispatcher delivers verification requests to the verifier bot's webhook.
type Dispatcher struct {
	WebhookURL  string
	APIKey      string
	CallbackURL string
	HTTPClient  *http.Client
	Logger      *slog.Logger

	backoff time.Duration
}

// NewDispatcher returns a Dispatcher with the 5-second HTTP client.
func NewDispatcher(webhookURL, apiKey, callbackURL string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		WebhookURL:  webhookURL,
		APIKey:      apiKey,
		CallbackURL: callbackURL,
		HTTPClient:  &http.Client{Timeout: dispatchTimeout},
		Logger:      logger,
		backoff:     500 * time.Millisecond,
	}
}

// dispatchPayload is the JSON body sent to the verifier.
type dispatchPayload struct {
	*VerificationRequest
	CallbackURL string `json:"callback_url"`
}

// errRetryable marks failures worth another attempt.
var errRetryable = errors.New("retryable")

// Dispatch posts the request. A 422 answer means the verifier refuses the
// execution outright and is reported as models.ErrVerificationRejected.
// Transport errors and 5xx answers are retried up to maxRetries times.
func (d *Dispatcher) Dispatch(ctx context.Context, req *VerificationRequest) error {
	if d.WebhookURL == "" {
		d.Logger.Warn("verifier webhook not configured, request dropped", "execution_id", req.ExecutionID)
		return nil
	}
	body, err := json.Marshal(dispatchPayload{VerificationRequest: req, CallbackURL: d.CallbackURL})
	if err != nil {
		return fmt.Errorf("marshal dispatch payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.backoff * time.Duration(1<<(attempt-1))):
			}
		}
		lastErr = d.post(ctx, body)
		if lastErr == nil || !errors.Is(lastErr, errRetryable) {
			return lastErr
		}
		d.Logger.Warn("verifier dispatch failed", "execution_id", req.ExecutionID, "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

func (d *Dispatcher) post(ctx context.Context, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create dispatch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.APIKey)
	}

	resp, err := d.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", errRetryable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return models.ErrVerificationRejected
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: verifier returned %d", errRetryable, resp.StatusCode)
	default:
		return fmt.Errorf("verifier returned %d", resp.StatusCode)
	}
}
