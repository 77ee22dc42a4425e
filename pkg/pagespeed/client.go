// Package pagespeed is a client for the PageSpeed Insights v5 API.
package pagespeed

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-assess/internal/resilience"
)

const defaultBaseURL = "https://www.googleapis.com/pagespeedonline/v5"

// Categories requested on every run.
var Categories = []string{"performance", "accessibility", "best-practices", "seo"}

// Client runs Lighthouse audits through PageSpeed Insights.
type Client interface {
	Run(ctx context.Context, pageURL, strategy string) (*Result, error)
}

// Result is the subset of a runPagespeed response the assessment uses.
type Result struct {
	ID               string           `json:"id"`
	LighthouseResult LighthouseResult `json:"lighthouseResult"`
}

// LighthouseResult holds category scores and raw audits.
type LighthouseResult struct {
	FinalURL   string              `json:"finalUrl"`
	Categories map[string]Category `json:"categories"`
	Audits     map[string]Audit    `json:"audits"`
}

// Category is one Lighthouse category score in [0, 1].
type Category struct {
	ID    string   `json:"id"`
	Score *float64 `json:"score"`
}

// Audit is one Lighthouse audit.
type Audit struct {
	ID           string   `json:"id"`
	Score        *float64 `json:"score"`
	NumericValue float64  `json:"numericValue"`
}

// Score returns the category score scaled to 0-100, or 0 if absent.
func (r *LighthouseResult) Score(category string) float64 {
	c, ok := r.Categories[category]
	if !ok || c.Score == nil {
		return 0
	}
	return *c.Score * 100
}

// Metric returns an audit's numeric value, or 0 if absent.
func (r *LighthouseResult) Metric(audit string) float64 {
	return r.Audits[audit].NumericValue
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a PageSpeed client. apiKey may be empty for low-volume
// anonymous use.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			// Lighthouse runs routinely take 20-40s.
			Timeout: 60 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Run(ctx context.Context, pageURL, strategy string) (*Result, error) {
	if strategy == "" {
		strategy = "mobile"
	}
	q := url.Values{}
	q.Set("url", pageURL)
	q.Set("strategy", strategy)
	for _, cat := range Categories {
		q.Add("category", cat)
	}
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/runPagespeed?"+q.Encode(), nil)
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "pagespeed: create request"), 0)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "pagespeed: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "pagespeed: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resilience.HTTPStatusError("pagespeed", resp.StatusCode, body)
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "pagespeed: unmarshal response"), 0)
	}
	if result.LighthouseResult.Categories == nil {
		return nil, resilience.NewPermanentError(eris.New("pagespeed: response has no lighthouse categories"), 0)
	}

	return &result, nil
}
