// Package seo is a client for a domain-metrics SEO API (Ahrefs v3 style).
package seo

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

const defaultBaseURL = "https://api.ahrefs.com/v3"

// Client fetches domain-level SEO metrics.
type Client interface {
	DomainRating(ctx context.Context, domain string) (*DomainRating, error)
	SiteMetrics(ctx context.Context, domain string) (*SiteMetrics, error)
}

// DomainRating is the authority of a domain's backlink profile.
type DomainRating struct {
	DomainRating float64 `json:"domain_rating"`
	AhrefsRank   int64   `json:"ahrefs_rank"`
}

// SiteMetrics summarises backlinks and organic search footprint.
type SiteMetrics struct {
	Backlinks       int64 `json:"live"`
	ReferringDomain int64 `json:"live_refdomains"`
	OrganicKeywords int64 `json:"org_keywords"`
	OrganicTraffic  int64 `json:"org_traffic"`
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

// WithClock overrides the clock used to pick the metrics date.
func WithClock(now func() time.Time) Option {
	return func(c *httpClient) {
		c.now = now
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	now     func() time.Time
}

// NewClient creates an SEO API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type domainRatingResponse struct {
	DomainRating DomainRating `json:"domain_rating"`
}

func (c *httpClient) DomainRating(ctx context.Context, domain string) (*DomainRating, error) {
	var resp domainRatingResponse
	if err := c.get(ctx, "/site-explorer/domain-rating", domain, &resp); err != nil {
		return nil, err
	}
	return &resp.DomainRating, nil
}

type metricsResponse struct {
	Metrics SiteMetrics `json:"metrics"`
}

func (c *httpClient) SiteMetrics(ctx context.Context, domain string) (*SiteMetrics, error) {
	var resp metricsResponse
	if err := c.get(ctx, "/site-explorer/metrics", domain, &resp); err != nil {
		return nil, err
	}
	return &resp.Metrics, nil
}

func (c *httpClient) get(ctx context.Context, path, domain string, out any) error {
	if c.apiKey == "" {
		return resilience.NewPermanentError(eris.New("seo: api key not configured"), 0)
	}

	q := url.Values{}
	q.Set("target", domain)
	q.Set("mode", "domain")
	q.Set("date", c.now().UTC().Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return resilience.NewPermanentError(eris.Wrap(err, "seo: create request"), 0)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "seo: send request %s", path)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "seo: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return resilience.HTTPStatusError("seo", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resilience.NewPermanentError(eris.Wrapf(err, "seo: unmarshal %s", path), 0)
	}
	return nil
}
