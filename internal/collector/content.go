package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-assess/internal/cost"
	"github.com/sells-group/lead-assess/internal/fetcher"
	"github.com/sells-group/lead-assess/internal/model"
	"github.com/sells-group/lead-assess/internal/resilience"
	"github.com/sells-group/lead-assess/pkg/anthropic"
)

const contentSystemPrompt = `You review small-business websites for a sales team.
Given the visible text of a landing page, respond with a single JSON object and nothing else:
{"summary": string (two sentences max), "quality_score": number 0-100,
 "has_call_to_action": boolean, "has_contact_info": boolean,
 "issues": [string] (at most 5 short, concrete problems)}`

// ContentOptions configures the content-analysis collector.
type ContentOptions struct {
	Model        string
	MaxTokens    int64
	MaxPageBytes int
}

// ContentTask fetches the landing page and has Claude grade its copy. The
// actual cost is computed from token usage.
type ContentTask struct {
	base
	fetcher fetcher.Fetcher
	client  anthropic.Client
	calc    *cost.Calculator
	opts    ContentOptions
}

// NewContentTask creates the content-analysis collector.
func NewContentTask(f fetcher.Fetcher, client anthropic.Client, calc *cost.Calculator, opts ContentOptions, estimate float64) *ContentTask {
	if opts.Model == "" {
		opts.Model = "claude-haiku-4-5-20251001"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 512
	}
	if opts.MaxPageBytes <= 0 {
		opts.MaxPageBytes = 24_000
	}
	return &ContentTask{
		base:    base{kind: model.TaskContent, estimate: estimate},
		fetcher: f,
		client:  client,
		calc:    calc,
		opts:    opts,
	}
}

// contentVerdict is the JSON shape requested from the model.
type contentVerdict struct {
	Summary         string   `json:"summary"`
	QualityScore    float64  `json:"quality_score"`
	HasCallToAction bool     `json:"has_call_to_action"`
	HasContactInfo  bool     `json:"has_contact_info"`
	Issues          []string `json:"issues"`
}

func (t *ContentTask) Execute(ctx context.Context, jc model.JobContext) (*Result, error) {
	log := zap.L().With(zap.String("job_id", jc.JobID), zap.String("task", string(model.TaskContent)))

	u, err := siteURL(jc.Subject)
	if err != nil {
		return nil, err
	}

	page, err := t.fetcher.Fetch(ctx, u.String())
	if err != nil {
		return nil, eris.Wrap(err, "content: fetch landing page")
	}
	if block := fetcher.DetectBlock(page.Header, page.Body); block != fetcher.BlockNone {
		return nil, resilience.NewPermanentError(eris.Errorf("content: page blocked (%s)", block), 0)
	}

	html, err := fetcher.DecodeHTML(page)
	if err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "content: decode page"), 0)
	}
	text := truncateUTF8(fetcher.PlainText(html), t.opts.MaxPageBytes)
	if strings.TrimSpace(text) == "" {
		return nil, resilience.NewPermanentError(eris.New("content: page has no visible text"), 0)
	}

	resp, err := t.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     t.opts.Model,
		MaxTokens: t.opts.MaxTokens,
		System:    []anthropic.SystemBlock{{Text: contentSystemPrompt, CacheControl: &anthropic.CacheControl{}}},
		Messages:  []anthropic.Message{{Role: "user", Content: contentPrompt(jc.Subject, fetcher.Title(html), text)}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "content: analyze")
	}

	spent := t.calc.Claude(t.opts.Model, false,
		int(resp.Usage.InputTokens),
		int(resp.Usage.OutputTokens),
		int(resp.Usage.CacheCreationInputTokens),
		int(resp.Usage.CacheReadInputTokens),
	)

	var v contentVerdict
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text())), &v); err != nil {
		log.Warn("content: unparseable model response", zap.Error(err))
		return nil, &CostError{
			Err:     resilience.NewPermanentError(eris.Wrap(err, "content: parse model json"), 0),
			CostUSD: spent,
		}
	}

	return &Result{
		Payload: model.ContentAnalysis{
			Model:           t.opts.Model,
			Summary:         v.Summary,
			QualityScore:    v.QualityScore,
			HasCallToAction: v.HasCallToAction,
			HasContactInfo:  v.HasContactInfo,
			Issues:          v.Issues,
			InputTokens:     resp.Usage.InputTokens,
			OutputTokens:    resp.Usage.OutputTokens,
		},
		Cost: spent,
	}, nil
}

func contentPrompt(s model.Subject, title, text string) string {
	var sb strings.Builder
	if s.Name != "" {
		fmt.Fprintf(&sb, "Business: %s\n", s.Name)
	}
	if s.Industry != "" {
		fmt.Fprintf(&sb, "Industry: %s\n", s.Industry)
	}
	fmt.Fprintf(&sb, "URL: %s\n", s.URL)
	if title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", title)
	}
	sb.WriteString("\nPage text:\n")
	sb.WriteString(text)
	return sb.String()
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// cleanJSON extracts a JSON object from text that may be wrapped in markdown
// code fences or prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
