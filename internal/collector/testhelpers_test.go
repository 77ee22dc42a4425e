package collector

import (
	"context"
	"net/http"
	"sync"

	"github.com/sells-group/lead-assess/internal/fetcher"
	"github.com/sells-group/lead-assess/internal/resilience"
	"github.com/sells-group/lead-assess/pkg/anthropic"
)

// fakeFetcher serves canned pages keyed by URL; unknown URLs 404.
type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]*fetcher.Page
	errs  map[string]error
	calls []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: map[string]*fetcher.Page{}, errs: map[string]error{}}
}

func (f *fakeFetcher) add(url string, header http.Header, body string) {
	if header == nil {
		header = http.Header{}
	}
	f.pages[url] = &fetcher.Page{URL: url, FinalURL: url, StatusCode: 200, Header: header, Body: []byte(body)}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*fetcher.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if p, ok := f.pages[url]; ok {
		return p, nil
	}
	return nil, resilience.HTTPStatusError("fetcher", http.StatusNotFound, nil)
}

// fakeAnthropic returns a fixed response or error and records the request.
type fakeAnthropic struct {
	resp *anthropic.MessageResponse
	err  error
	got  anthropic.MessageRequest
}

func (f *fakeAnthropic) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.got = req
	return f.resp, f.err
}
