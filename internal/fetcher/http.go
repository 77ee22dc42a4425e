package fetcher

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/lead-assess/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent      string
	Timeout        time.Duration
	RatePerHost    float64
	BurstPerHost   int
	MaxBodyBytes   int64
	MaxIdlePerHost int
	// Transport overrides the base round tripper (tests).
	Transport http.RoundTripper
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	host        string
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter for host.
func NewAdaptiveLimiter(host string, initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		host:        host,
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event or ctx is done.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setRate(min(a.currentRate*1.2, a.maxRate))
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setRate(max(a.currentRate*0.5, a.minRate))
	zap.L().Warn("fetcher: reducing rate after 429",
		zap.String("host", a.host),
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

func (a *AdaptiveLimiter) setRate(r rate.Limit) {
	a.currentRate = r
	a.limiter.SetLimit(r)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPFetcher implements Fetcher using net/http with per-host pacing. It does
// not retry; the caller's retry policy decides whether another attempt runs.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "lead-assess/1.0"
	}
	if opts.RatePerHost <= 0 {
		opts.RatePerHost = 5
	}
	if opts.BurstPerHost <= 0 {
		opts.BurstPerHost = 5
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 2 << 20
	}
	if opts.MaxIdlePerHost <= 0 {
		opts.MaxIdlePerHost = 10
	}
	base := opts.Transport
	if base == nil {
		base = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: opts.MaxIdlePerHost,
			MaxConnsPerHost:     opts.MaxIdlePerHost * 2,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}
	f := &HTTPFetcher{
		opts:     opts,
		limiters: make(map[string]*AdaptiveLimiter),
	}
	f.client = &http.Client{
		Timeout:   opts.Timeout,
		Transport: &pacedTransport{base: base, fetcher: f},
	}
	return f
}

// Client returns an http.Client sharing this fetcher's per-host pacing. Vendor
// API clients are built on it so every outbound call is rate limited.
func (f *HTTPFetcher) Client() *http.Client {
	return f.client
}

// LimiterFor returns the adaptive limiter for host, creating it on first use.
func (f *HTTPFetcher) LimiterFor(host string) *AdaptiveLimiter {
	host = strings.ToLower(host)
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = NewAdaptiveLimiter(host, rate.Limit(f.opts.RatePerHost), f.opts.BurstPerHost)
		f.limiters[host] = lim
	}
	return lim
}

// Fetch GETs rawURL and returns the page body, truncated to MaxBodyBytes.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "fetcher: create request"), 0)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: get %s", rawURL)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read body %s", rawURL)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resilience.HTTPStatusError("fetcher", resp.StatusCode, body)
	}

	return &Page{
		URL:        rawURL,
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		TLS:        resp.TLS,
	}, nil
}

// pacedTransport waits on the per-host limiter before each round trip and
// feeds the response status back into it.
type pacedTransport struct {
	base    http.RoundTripper
	fetcher *HTTPFetcher
}

func (t *pacedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	lim := t.fetcher.LimiterFor(req.URL.Host)
	if err := lim.Wait(req.Context()); err != nil {
		// rate.Limiter reports "would exceed context deadline" without
		// wrapping ctx.Err(); surface the context error so it classifies
		// as a timeout.
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, eris.Wrap(ctxErr, "fetcher: rate limiter wait")
		}
		return nil, eris.Wrap(context.DeadlineExceeded, "fetcher: rate limiter wait")
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		lim.OnRateLimit()
	case resp.StatusCode < 400:
		lim.OnSuccess()
	}
	return resp, nil
}
