package collector

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-assess/internal/model"
	"github.com/sells-group/lead-assess/pkg/pagespeed"
)

// PerformanceTask runs a Lighthouse audit through PageSpeed Insights.
type PerformanceTask struct {
	base
	client   pagespeed.Client
	strategy string
}

// NewPerformanceTask creates the performance collector.
func NewPerformanceTask(client pagespeed.Client, strategy string, estimate float64) *PerformanceTask {
	if strategy == "" {
		strategy = "mobile"
	}
	return &PerformanceTask{
		base:     base{kind: model.TaskPerformance, estimate: estimate},
		client:   client,
		strategy: strategy,
	}
}

func (t *PerformanceTask) Execute(ctx context.Context, jc model.JobContext) (*Result, error) {
	u, err := siteURL(jc.Subject)
	if err != nil {
		return nil, err
	}

	res, err := t.client.Run(ctx, u.String(), t.strategy)
	if err != nil {
		return nil, eris.Wrap(err, "performance: run pagespeed")
	}

	lh := &res.LighthouseResult
	return &Result{Payload: model.PerformanceMetrics{
		Strategy:               t.strategy,
		PerformanceScore:       lh.Score("performance"),
		AccessibilityScore:     lh.Score("accessibility"),
		BestPracticesScore:     lh.Score("best-practices"),
		SEOScore:               lh.Score("seo"),
		FirstContentfulPaintMs: lh.Metric("first-contentful-paint"),
		LargestContentfulMs:    lh.Metric("largest-contentful-paint"),
		TotalBlockingTimeMs:    lh.Metric("total-blocking-time"),
		CumulativeLayoutShift:  lh.Metric("cumulative-layout-shift"),
		SpeedIndexMs:           lh.Metric("speed-index"),
	}}, nil
}
