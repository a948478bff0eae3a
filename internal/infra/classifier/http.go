package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
)

// HTTP asks a remote analysis service to classify failures.
//
// Request: POST <endpoint> with the FailureEvent as JSON.
// Response: 200 with a classificationResponse body.
type HTTP struct {
	endpoint   string
	httpClient *http.Client
}

type classificationResponse struct {
	ErrorType                  domain.ErrorType `json:"error_type"`
	Severity                   domain.Severity  `json:"severity"`
	Confidence                 int              `json:"confidence"`
	SuggestedRetryDelaySeconds int64            `json:"suggested_retry_delay_seconds"`
	Rationale                  string           `json:"rationale"`
	RequiresManualIntervention bool             `json:"requires_manual_intervention"`
}

// NewHTTP creates an HTTP classifier. The engine bounds each call with its own timeout.
func NewHTTP(endpoint string) *HTTP {
	return &HTTP{
		endpoint: endpoint,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (c *HTTP) Classify(ctx context.Context, ev domain.FailureEvent) (domain.Classification, error) {
	jsonData, err := json.Marshal(ev)
	if err != nil {
		return domain.Classification{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return domain.Classification{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Classification{}, fmt.Errorf("classify call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Classification{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Classification{}, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var out classificationResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return domain.Classification{}, fmt.Errorf("unmarshal response: %w", err)
	}

	return domain.Classification{
		ErrorType:                  out.ErrorType,
		Severity:                   out.Severity,
		Confidence:                 out.Confidence,
		SuggestedRetryDelay:        time.Duration(out.SuggestedRetryDelaySeconds) * time.Second,
		Rationale:                  out.Rationale,
		RequiresManualIntervention: out.RequiresManualIntervention,
	}, nil
}
