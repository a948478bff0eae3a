// Package executor provides retry execution collaborators.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vietddude/triage/internal/triage/orchestrator"
)

// Log only logs retry requests. Completion must be reported through the API.
type Log struct{}

func NewLog() *Log {
	return &Log{}
}

func (l *Log) Execute(ctx context.Context, req orchestrator.ExecutionRequest) (string, error) {
	slog.Info("Retry requested",
		"attempt_id", req.AttemptID,
		"pipeline_id", req.PipelineID,
		"run_id", req.RunID,
		"attempt_number", req.AttemptNumber,
	)
	return "", nil
}

// Webhook triggers retries by POSTing to an orchestration endpoint.
//
// Execute:         POST <url>              body: webhookRequest, response: optional {"run_id": "..."}
// CancelExecution: POST <url>/<id>/cancel
//
// Calls failing with a network error, 429 or 5xx are retried, so the endpoint
// must treat attempt_id as an idempotency key.
type Webhook struct {
	url        string
	httpClient *http.Client
	retry      RetryConfig
}

type webhookRequest struct {
	AttemptID     string `json:"attempt_id"`
	PipelineID    string `json:"pipeline_id"`
	RunID         string `json:"run_id"`
	AttemptNumber int    `json:"attempt_number"`
}

type webhookResponse struct {
	RunID string `json:"run_id"`
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	return &Webhook{
		url:        strings.TrimRight(url, "/"),
		httpClient: &http.Client{Timeout: timeout},
		retry:      DefaultRetryConfig,
	}
}

// SetRetryConfig overrides the call retry policy.
func (w *Webhook) SetRetryConfig(cfg RetryConfig) {
	w.retry = cfg
}

func (w *Webhook) Execute(ctx context.Context, req orchestrator.ExecutionRequest) (string, error) {
	body, err := json.Marshal(webhookRequest{
		AttemptID:     req.AttemptID,
		PipelineID:    req.PipelineID,
		RunID:         req.RunID,
		AttemptNumber: req.AttemptNumber,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := w.post(ctx, w.url, body)
	if err != nil {
		return "", err
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return "", nil
	}

	var out webhookResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	return out.RunID, nil
}

func (w *Webhook) CancelExecution(ctx context.Context, attemptID string) error {
	_, err := w.post(ctx, fmt.Sprintf("%s/%s/cancel", w.url, attemptID), nil)
	return err
}

func (w *Webhook) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	return callWithRetry(ctx, w.retry, func(ctx context.Context) ([]byte, error) {
		return w.postOnce(ctx, url, body)
	})
}

func (w *Webhook) postOnce(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, permanent(err)
	}
	return respBody, nil
}
