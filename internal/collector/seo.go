package collector

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-assess/internal/fetcher"
	"github.com/sells-group/lead-assess/internal/model"
	"github.com/sells-group/lead-assess/pkg/seo"
)

// SEOTask combines vendor domain metrics with on-site crawlability signals
// (robots.txt, sitemap.xml).
type SEOTask struct {
	base
	client  seo.Client
	fetcher fetcher.Fetcher
}

// NewSEOTask creates the SEO collector. f may be nil to skip on-site checks.
func NewSEOTask(client seo.Client, f fetcher.Fetcher, estimate float64) *SEOTask {
	return &SEOTask{
		base:    base{kind: model.TaskSEO, estimate: estimate},
		client:  client,
		fetcher: f,
	}
}

func (t *SEOTask) Execute(ctx context.Context, jc model.JobContext) (*Result, error) {
	u, err := siteURL(jc.Subject)
	if err != nil {
		return nil, err
	}
	domain := domainOf(u)

	var (
		rating  *seo.DomainRating
		metrics *seo.SiteMetrics
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := t.client.DomainRating(gctx, domain)
		if err != nil {
			return eris.Wrap(err, "seo: domain rating")
		}
		rating = r
		return nil
	})
	g.Go(func() error {
		m, err := t.client.SiteMetrics(gctx, domain)
		if err != nil {
			return eris.Wrap(err, "seo: site metrics")
		}
		metrics = m
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := model.SEOMetrics{
		Domain:          domain,
		DomainRating:    rating.DomainRating,
		Backlinks:       metrics.Backlinks,
		ReferringDomain: metrics.ReferringDomain,
		OrganicKeywords: metrics.OrganicKeywords,
		OrganicTraffic:  metrics.OrganicTraffic,
	}
	if t.fetcher != nil {
		t.crawlSignals(ctx, jc.JobID, u.Scheme+"://"+u.Host, &out)
	}
	return &Result{Payload: out}, nil
}

// crawlSignals is best-effort: the vendor metrics are the billed result, so a
// missing or unreachable robots.txt or sitemap only leaves the flags false.
func (t *SEOTask) crawlSignals(ctx context.Context, jobID, origin string, out *model.SEOMetrics) {
	log := zap.L().With(zap.String("job_id", jobID), zap.String("task", string(model.TaskSEO)))

	if _, err := t.fetcher.Fetch(ctx, origin+"/robots.txt"); err == nil {
		out.HasRobotsTxt = true
	} else {
		log.Debug("seo: robots.txt unavailable", zap.Error(err))
	}

	page, err := t.fetcher.Fetch(ctx, origin+"/sitemap.xml")
	if err != nil {
		log.Debug("seo: sitemap unavailable", zap.Error(err))
		return
	}
	stats, err := fetcher.ParseSitemap(ctx, page.Body)
	if err != nil {
		log.Debug("seo: sitemap unparseable", zap.Error(err))
		return
	}
	out.HasSitemap = true
	out.SitemapURLs = stats.URLs
	out.ChildSitemaps = stats.Sitemaps
}
