package fetcher

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// SitemapStats summarizes a sitemap.xml document.
type SitemapStats struct {
	URLs     int
	Sitemaps int // child sitemaps listed by a sitemap index
}

// ParseSitemap streams a sitemap or sitemap index and counts its entries
// without decoding the whole document into memory.
func ParseSitemap(ctx context.Context, body []byte) (SitemapStats, error) {
	var stats SitemapStats

	decoder := xml.NewDecoder(bytes.NewReader(body))
	decoder.CharsetReader = charsetReader
	for {
		if err := ctx.Err(); err != nil {
			return stats, eris.Wrap(err, "fetcher: sitemap cancelled")
		}
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, eris.Wrap(err, "fetcher: sitemap token")
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "url":
			stats.URLs++
		case "sitemap":
			stats.Sitemaps++
		}
	}
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: unsupported charset %q", charset)
	}
	return enc.NewDecoder().Reader(input), nil
}
