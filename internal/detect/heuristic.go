// Package detect decides whether a statically fetched page needs a headless render.
package detect

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ebenwert/ingestd/internal/ingest"
)

// Defaults tuned for article pages; a JS shell typically ships almost no
// paragraph content in its static HTML.
const (
	DefaultMinHTMLBytes      = 2048
	DefaultMinParagraphNodes = 3
)

// defaultKeywords are tell-tale fragments of JS-only shells.
var defaultKeywords = []string{
	"enable javascript",
	"javascript is required",
	"javascript is disabled",
}

// Config controls the promotion heuristic thresholds.
type Config struct {
	MinHTMLBytes      int
	MinParagraphNodes int
	Keywords          []string
}

// Heuristic implements the render-promotion decision using simple HTML signals.
type Heuristic struct {
	minHTMLBytes      int
	minParagraphNodes int
	keywords          [][]byte
}

// New constructs a Heuristic with the configured thresholds.
func New(cfg Config) *Heuristic {
	if cfg.MinHTMLBytes <= 0 {
		cfg.MinHTMLBytes = DefaultMinHTMLBytes
	}
	if cfg.MinParagraphNodes <= 0 {
		cfg.MinParagraphNodes = DefaultMinParagraphNodes
	}
	keywords := cfg.Keywords
	if keywords == nil {
		keywords = defaultKeywords
	}
	lowered := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(strings.ToLower(kw))
		if kw != "" {
			lowered = append(lowered, []byte(kw))
		}
	}
	return &Heuristic{
		minHTMLBytes:      cfg.MinHTMLBytes,
		minParagraphNodes: cfg.MinParagraphNodes,
		keywords:          lowered,
	}
}

// NeedsRender inspects the static page for signals that the real content is
// only produced by JavaScript.
func (h *Heuristic) NeedsRender(page ingest.RenderedPage) bool {
	if h == nil {
		return false
	}
	switch {
	case len(page.HTML) < h.minHTMLBytes:
		return true
	case h.containsKeywords(page.HTML):
		return true
	default:
		return h.paragraphsBelowThreshold(page.HTML)
	}
}

func (h *Heuristic) containsKeywords(body []byte) bool {
	if len(body) == 0 || len(h.keywords) == 0 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, kw := range h.keywords {
		if bytes.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (h *Heuristic) paragraphsBelowThreshold(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return true
	}
	count := 0
	doc.Find("p").EachWithBreak(func(_ int, p *goquery.Selection) bool {
		if strings.TrimSpace(p.Text()) != "" {
			count++
		}
		return count < h.minParagraphNodes
	})
	return count < h.minParagraphNodes
}
