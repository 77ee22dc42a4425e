package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-assess/internal/model"
	"github.com/sells-group/lead-assess/internal/resilience"
)

// ScreenshotOptions configures headless Chrome captures.
type ScreenshotOptions struct {
	OutputDir string
	Width     int64
	Height    int64
	Quality   int
	ExecPath  string
	Timeout   time.Duration
}

// Capture is one rendered page.
type Capture struct {
	Image []byte
	Title string
}

// Capturer renders a page to an image.
type Capturer interface {
	Capture(ctx context.Context, pageURL string) (*Capture, error)
}

// ChromeCapturer renders pages with a fresh headless Chrome per capture.
type ChromeCapturer struct {
	opts ScreenshotOptions
}

func (o ScreenshotOptions) withDefaults() ScreenshotOptions {
	if o.Width <= 0 {
		o.Width = 1366
	}
	if o.Height <= 0 {
		o.Height = 768
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = 80
	}
	if o.Timeout <= 0 {
		o.Timeout = 45 * time.Second
	}
	return o
}

// format is the image encoding chromedp produces for the configured quality.
func (o ScreenshotOptions) format() string {
	if o.Quality == 100 {
		return "png"
	}
	return "jpeg"
}

// NewChromeCapturer creates a chromedp-backed Capturer.
func NewChromeCapturer(opts ScreenshotOptions) *ChromeCapturer {
	return &ChromeCapturer{opts: opts.withDefaults()}
}

func (c *ChromeCapturer) Capture(ctx context.Context, pageURL string) (*Capture, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.WindowSize(int(c.opts.Width), int(c.opts.Height)),
	)
	if c.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(c.opts.ExecPath))
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	var (
		buf   []byte
		title string
	)
	err := chromedp.Run(browserCtx,
		chromedp.EmulateViewport(c.opts.Width, c.opts.Height),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Title(&title),
		chromedp.FullScreenshot(&buf, c.opts.Quality),
	)
	if err != nil {
		return nil, classifyChromeError(ctx, err)
	}
	return &Capture{Image: buf, Title: title}, nil
}

// classifyChromeError maps navigation failures onto the error taxonomy.
// Chrome reports network failures as net::ERR_* strings.
func classifyChromeError(ctx context.Context, err error) error {
	wrapped := eris.Wrap(err, "screenshot: chrome")
	if ctx.Err() != nil {
		return eris.Wrap(ctx.Err(), "screenshot: chrome")
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ERR_NAME_NOT_RESOLVED"),
		strings.Contains(msg, "ERR_INVALID_URL"),
		strings.Contains(msg, "ERR_CERT_"),
		strings.Contains(msg, "executable file not found"):
		return resilience.NewPermanentError(wrapped, 0)
	case strings.Contains(msg, "net::ERR_"):
		return resilience.NewTransientError(wrapped, 0)
	default:
		return wrapped
	}
}

// ScreenshotTask captures the rendered landing page.
type ScreenshotTask struct {
	base
	capturer  Capturer
	outputDir string
	width     int64
	height    int64
	format    string
}

// NewScreenshotTask creates the screenshot collector. When opts.OutputDir is
// empty, images are hashed but not written to disk.
func NewScreenshotTask(capturer Capturer, opts ScreenshotOptions, estimate float64) *ScreenshotTask {
	opts = opts.withDefaults()
	return &ScreenshotTask{
		base:      base{kind: model.TaskScreenshot, estimate: estimate},
		capturer:  capturer,
		outputDir: opts.OutputDir,
		width:     opts.Width,
		height:    opts.Height,
		format:    opts.format(),
	}
}

func (t *ScreenshotTask) Execute(ctx context.Context, jc model.JobContext) (*Result, error) {
	u, err := siteURL(jc.Subject)
	if err != nil {
		return nil, err
	}

	capture, err := t.capturer.Capture(ctx, u.String())
	if err != nil {
		return nil, err
	}
	if len(capture.Image) == 0 {
		return nil, resilience.NewTransientError(eris.New("screenshot: empty image"), 0)
	}

	sum := sha256.Sum256(capture.Image)
	out := model.Screenshot{
		SHA256:    hex.EncodeToString(sum[:]),
		Bytes:     len(capture.Image),
		Width:     t.width,
		Height:    t.height,
		Format:    t.format,
		PageTitle: capture.Title,
	}

	if t.outputDir != "" {
		path, err := t.write(jc.JobID, capture.Image)
		if err != nil {
			return nil, err
		}
		out.Path = path
	}
	return &Result{Payload: out}, nil
}

func (t *ScreenshotTask) write(jobID string, img []byte) (string, error) {
	if err := os.MkdirAll(t.outputDir, 0o755); err != nil {
		return "", resilience.NewPermanentError(eris.Wrap(err, "screenshot: create output dir"), 0)
	}
	path := filepath.Join(t.outputDir, jobID+"."+t.format)
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return "", resilience.NewPermanentError(eris.Wrapf(err, "screenshot: write %s", path), 0)
	}
	return path, nil
}
