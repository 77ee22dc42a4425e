package pagespeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-assess/internal/resilience"
)

const sampleResponse = `{
  "id": "https://acme.com/",
  "lighthouseResult": {
    "finalUrl": "https://acme.com/",
    "categories": {
      "performance": {"id": "performance", "score": 0.42},
      "accessibility": {"id": "accessibility", "score": 0.9},
      "best-practices": {"id": "best-practices", "score": null},
      "seo": {"id": "seo", "score": 1}
    },
    "audits": {
      "first-contentful-paint": {"id": "first-contentful-paint", "numericValue": 1830.5},
      "largest-contentful-paint": {"id": "largest-contentful-paint", "numericValue": 4200},
      "cumulative-layout-shift": {"id": "cumulative-layout-shift", "numericValue": 0.12}
    }
  }
}`

func TestRun_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/runPagespeed", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "https://acme.com", q.Get("url"))
		assert.Equal(t, "desktop", q.Get("strategy"))
		assert.Equal(t, "psi-key", q.Get("key"))
		assert.ElementsMatch(t, Categories, q["category"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	client := NewClient("psi-key", WithBaseURL(srv.URL))
	res, err := client.Run(context.Background(), "https://acme.com", "desktop")
	require.NoError(t, err)

	lh := res.LighthouseResult
	assert.InDelta(t, 42, lh.Score("performance"), 0.001)
	assert.InDelta(t, 100, lh.Score("seo"), 0.001)
	assert.Zero(t, lh.Score("best-practices"))
	assert.Zero(t, lh.Score("pwa"))
	assert.InDelta(t, 1830.5, lh.Metric("first-contentful-paint"), 0.001)
	assert.Zero(t, lh.Metric("speed-index"))
}

func TestRun_DefaultStrategyNoKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "mobile", r.URL.Query().Get("strategy"))
		assert.False(t, r.URL.Query().Has("key"))
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	_, err := NewClient("", WithBaseURL(srv.URL)).Run(context.Background(), "https://acme.com", "")
	require.NoError(t, err)
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, true},
		{"server error", http.StatusInternalServerError, `{}`, true},
		{"bad url", http.StatusBadRequest, `{"error":{"message":"invalid url"}}`, false},
		{"malformed", http.StatusOK, `{"lighthouseResult":`, false},
		{"missing categories", http.StatusOK, `{"lighthouseResult":{}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient("k", WithBaseURL(srv.URL)).Run(context.Background(), "https://acme.com", "mobile")
			require.Error(t, err)
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
		})
	}
}
