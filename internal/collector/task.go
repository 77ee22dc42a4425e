// Package collector implements the task units that gather one category of
// website metrics each. Collectors never retry; retry, budget, and deadline
// handling belong to the orchestrator.
package collector

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-assess/internal/model"
	"github.com/sells-group/lead-assess/internal/resilience"
)

// Task is one collector. Execute must honor ctx cancellation at every network
// call and return errors classifiable by resilience.Classify.
type Task interface {
	Kind() model.TaskKind
	// EstimatedCost is the USD reserved against the budget per attempt.
	EstimatedCost() float64
	Execute(ctx context.Context, jc model.JobContext) (*Result, error)
}

// Result is a successful attempt. A zero Cost means the actual cost equals
// the estimate.
type Result struct {
	Payload any
	Cost    float64
}

// CostError is a failed attempt whose vendor cost was measured anyway.
type CostError struct {
	Err     error
	CostUSD float64
}

func (e *CostError) Error() string { return e.Err.Error() }

func (e *CostError) Unwrap() error { return e.Err }

// SpentCost returns the measured cost carried by err, if any.
func SpentCost(err error) (float64, bool) {
	var ce *CostError
	if errors.As(err, &ce) {
		return ce.CostUSD, true
	}
	return 0, false
}

// base carries the kind and per-attempt estimate shared by all collectors.
type base struct {
	kind     model.TaskKind
	estimate float64
}

func (b base) Kind() model.TaskKind   { return b.kind }
func (b base) EstimatedCost() float64 { return b.estimate }

// siteURL normalizes the subject URL, defaulting the scheme to https.
// An unusable URL is a permanent failure.
func siteURL(s model.Subject) (*url.URL, error) {
	raw := strings.TrimSpace(s.URL)
	if raw == "" {
		return nil, resilience.NewPermanentError(eris.New("collector: subject url is empty"), 0)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrapf(err, "collector: parse subject url %q", s.URL), 0)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, resilience.NewPermanentError(eris.Errorf("collector: unsupported scheme %q", u.Scheme), 0)
	}
	if u.Hostname() == "" {
		return nil, resilience.NewPermanentError(eris.Errorf("collector: subject url %q has no host", s.URL), 0)
	}
	return u, nil
}

// domainOf returns the registrable-looking host of u without a www. prefix.
func domainOf(u *url.URL) string {
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
