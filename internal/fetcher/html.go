package fetcher

import (
	"bytes"
	"mime"
	"net/http"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// sniffLen is how much of a document is scanned for a <meta charset>.
const sniffLen = 1024

var (
	metaCharsetRe = regexp.MustCompile(`(?i)<meta[^>]+charset\s*=\s*["']?([a-zA-Z0-9_\-:.]+)`)
	titleRe       = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	dropBlockRes  = func() []*regexp.Regexp {
		var out []*regexp.Regexp
		for _, tag := range []string{"script", "style", "noscript", "svg", "nav", "footer"} {
			out = append(out, regexp.MustCompile(`(?is)<`+tag+`[^>]*>.*?</`+tag+`>`))
		}
		return out
	}()
	tagRe   = regexp.MustCompile(`<[^>]+>`)
	spaceRe = regexp.MustCompile(`[ \t\r\f\v]+`)
	nlRe    = regexp.MustCompile(`\s*\n\s*(\n\s*)+`)
)

var entityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&apos;", "'",
	"&nbsp;", " ",
)

// Charset returns the declared charset of a document: the Content-Type
// parameter wins, then a <meta charset> in the first bytes, then utf-8.
func Charset(contentType string, body []byte) string {
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if cs := params["charset"]; cs != "" {
			return strings.ToLower(cs)
		}
	}
	head := body
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	if m := metaCharsetRe.FindSubmatch(head); len(m) > 1 {
		return strings.ToLower(string(m[1]))
	}
	return "utf-8"
}

// DecodeHTML converts the page body to UTF-8 using its declared charset.
func DecodeHTML(p *Page) (string, error) {
	cs := Charset(p.Header.Get("Content-Type"), p.Body)
	if cs == "utf-8" || cs == "utf8" {
		return string(bytes.ToValidUTF8(p.Body, []byte("�"))), nil
	}
	enc, err := htmlindex.Get(cs)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: unsupported charset %q", cs)
	}
	out, err := enc.NewDecoder().Bytes(p.Body)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: decode %s", cs)
	}
	return string(out), nil
}

// Title extracts the document <title>.
func Title(html string) string {
	if m := titleRe.FindStringSubmatch(html); len(m) > 1 {
		return strings.TrimSpace(entityReplacer.Replace(m[1]))
	}
	return ""
}

// PlainText strips scripts, styles, and navigation chrome from html, removes
// remaining tags, decodes common entities, and collapses whitespace.
func PlainText(html string) string {
	for _, re := range dropBlockRes {
		html = re.ReplaceAllString(html, "")
	}
	html = tagRe.ReplaceAllString(html, " ")
	html = entityReplacer.Replace(html)
	html = spaceRe.ReplaceAllString(html, " ")
	html = nlRe.ReplaceAllString(html, "\n\n")
	return strings.TrimSpace(html)
}

// BlockType describes anti-bot protection detected on a page.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
)

// DetectBlock checks a fetched page for signs of anti-bot protection.
func DetectBlock(header http.Header, body []byte) BlockType {
	if header.Get("cf-mitigated") == "challenge" {
		return BlockCloudflare
	}

	lower := strings.ToLower(string(body))
	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") {
		return BlockCloudflare
	}
	if strings.Contains(lower, "g-recaptcha") || strings.Contains(lower, "h-captcha") {
		return BlockCaptcha
	}
	if len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "enable javascript") {
			return BlockJSShell
		}
	}
	return BlockNone
}
