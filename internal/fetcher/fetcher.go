package fetcher

import (
	"context"
	"crypto/tls"
	"net/http"
)

// Page is one fetched document from the subject's site.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Header     http.Header
	Body       []byte
	// TLS is nil for plain-HTTP responses.
	TLS *tls.ConnectionState
}

// Fetcher retrieves documents from assessed websites.
type Fetcher interface {
	// Fetch GETs url and returns the page. Non-2xx responses are returned as
	// classified errors (see resilience.HTTPStatusError).
	Fetch(ctx context.Context, url string) (*Page, error)
}
