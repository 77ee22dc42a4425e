package collector

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-assess/internal/fetcher"
	"github.com/sells-group/lead-assess/internal/model"
)

// securityHeaders lists the response headers checked, in report order.
var securityHeaders = []string{
	"Strict-Transport-Security",
	"Content-Security-Policy",
	"X-Frame-Options",
	"X-Content-Type-Options",
	"Referrer-Policy",
	"Permissions-Policy",
}

// SecurityTask inspects the landing page's transport and security headers.
type SecurityTask struct {
	base
	fetcher fetcher.Fetcher
}

// NewSecurityTask creates the security collector.
func NewSecurityTask(f fetcher.Fetcher, estimate float64) *SecurityTask {
	return &SecurityTask{
		base:    base{kind: model.TaskSecurity, estimate: estimate},
		fetcher: f,
	}
}

func (t *SecurityTask) Execute(ctx context.Context, jc model.JobContext) (*Result, error) {
	u, err := siteURL(jc.Subject)
	if err != nil {
		return nil, err
	}

	page, err := t.fetcher.Fetch(ctx, u.String())
	if err != nil {
		return nil, eris.Wrap(err, "security: fetch landing page")
	}

	return &Result{Payload: inspectSecurity(page)}, nil
}

func inspectSecurity(page *fetcher.Page) model.SecurityHeaders {
	h := page.Header
	if h == nil {
		h = http.Header{}
	}
	out := model.SecurityHeaders{
		FinalURL:              page.FinalURL,
		ContentSecurityPolicy: h.Get("Content-Security-Policy") != "",
		XFrameOptions:         h.Get("X-Frame-Options") != "",
		XContentTypeOptions:   h.Get("X-Content-Type-Options") != "",
		ReferrerPolicy:        h.Get("Referrer-Policy") != "",
		PermissionsPolicy:     h.Get("Permissions-Policy") != "",
	}
	if fu, err := url.Parse(page.FinalURL); err == nil {
		out.HTTPS = fu.Scheme == "https"
	}
	if page.TLS != nil {
		out.HTTPS = true
		out.TLSVersion = tls.VersionName(page.TLS.Version)
	}
	// Browsers ignore HSTS on plain-HTTP responses.
	out.HSTS = out.HTTPS && h.Get("Strict-Transport-Security") != ""

	for _, name := range securityHeaders {
		if name == "Strict-Transport-Security" && !out.HSTS {
			out.Missing = append(out.Missing, name)
			continue
		}
		if h.Get(name) == "" {
			out.Missing = append(out.Missing, name)
		}
	}
	return out
}
