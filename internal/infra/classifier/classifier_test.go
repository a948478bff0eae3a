package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/triage/internal/core/domain"
)

func TestHeuristic_Classify(t *testing.T) {
	tests := []struct {
		msg        string
		wantType   domain.ErrorType
		wantManual bool
		wantConf   int
	}{
		{"Connection timeout to source database after 30 seconds", domain.ErrorTypeTransient, false, 85},
		{"Network unreachable", domain.ErrorTypeTransient, false, 85},
		{"Column 'customer_id' not found in schema", domain.ErrorTypeDataQuality, true, 90},
		{"Validation failed for row 12", domain.ErrorTypeDataQuality, true, 90},
		{"Permission denied on storage account", domain.ErrorTypeConfiguration, true, 88},
		{"Segfault in custom activity", domain.ErrorTypeUnknown, false, 70},
	}

	h := NewHeuristic()
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			c, err := h.Classify(context.Background(), domain.FailureEvent{ErrorMessage: tt.msg})
			if err != nil {
				t.Fatalf("Classify() error = %v", err)
			}
			if c.ErrorType != tt.wantType {
				t.Errorf("ErrorType = %s, want %s", c.ErrorType, tt.wantType)
			}
			if c.RequiresManualIntervention != tt.wantManual {
				t.Errorf("RequiresManualIntervention = %v, want %v", c.RequiresManualIntervention, tt.wantManual)
			}
			if c.Confidence != tt.wantConf {
				t.Errorf("Confidence = %d, want %d", c.Confidence, tt.wantConf)
			}
			if err := c.Validate(); err != nil {
				t.Errorf("classification invalid: %v", err)
			}
		})
	}
}

func TestHTTP_Classify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var ev domain.FailureEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		assert.Equal(t, "etl", ev.PipelineID)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"error_type": "transient",
			"severity": "medium",
			"confidence": 92,
			"suggested_retry_delay_seconds": 120,
			"rationale": "throttled by warehouse",
			"requires_manual_intervention": false
		}`))
	}))
	defer srv.Close()

	c, err := NewHTTP(srv.URL).Classify(context.Background(), domain.FailureEvent{PipelineID: "etl", RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, domain.ErrorTypeTransient, c.ErrorType)
	assert.Equal(t, 92, c.Confidence)
	assert.Equal(t, 2*time.Minute, c.SuggestedRetryDelay)
	assert.Equal(t, "throttled by warehouse", c.Rationale)
}

func TestHTTP_ClassifyErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL).Classify(context.Background(), domain.FailureEvent{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer slow.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = NewHTTP(slow.URL).Classify(ctx, domain.FailureEvent{})
	assert.Error(t, err)
}
