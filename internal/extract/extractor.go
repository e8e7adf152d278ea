// Package extract implements the multi-strategy article content extractor.
package extract

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/ebenwert/ingestd/internal/ingest"
)

// Defaults for strategy acceptance thresholds.
const (
	DefaultMinParagraphCount  = 3
	DefaultMinParagraphLength = 20
)

// authorSelectors is the chain tried when looking for a byline.
const authorSelectors = `[rel="author"], .author, .byline, [class*="author"]`

// Config controls how much content a strategy must find before it is
// believed. The floors keep cookie banners and nav stubs from being mistaken
// for the article body.
type Config struct {
	MinParagraphCount  int
	MinParagraphLength int
}

func (c Config) withDefaults() Config {
	if c.MinParagraphCount <= 0 {
		c.MinParagraphCount = DefaultMinParagraphCount
	}
	if c.MinParagraphLength <= 0 {
		c.MinParagraphLength = DefaultMinParagraphLength
	}
	return c
}

// Extractor runs the ordered strategy chain over a rendered page.
type Extractor struct {
	cfg    Config
	logger *zap.Logger
}

// New constructs an Extractor.
func New(cfg Config, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg.withDefaults(), logger: logger}
}

// Extract tries each strategy in order and returns the first sufficient
// result. Every returned result carries the strategy that produced it;
// exhausting the chain yields an ExtractionError, never an empty result.
func (e *Extractor) Extract(page ingest.RenderedPage) (ingest.ExtractionResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.HTML))
	if err != nil {
		return ingest.ExtractionResult{}, &ingest.ExtractionError{URL: page.URL, Attempted: nil}
	}

	attempted := make([]ingest.Strategy, 0, 3)
	for _, strategy := range ingest.Strategies() {
		attempted = append(attempted, strategy)

		var scope *goquery.Selection
		switch strategy {
		case ingest.StrategyArticleTag:
			scope = firstSelection(doc, "article")
		case ingest.StrategyMainTag:
			scope = firstSelection(doc, "main")
		case ingest.StrategyLargestBlock:
			scope = e.largestParagraphBlock(doc)
		}
		if scope == nil {
			e.logger.Debug("strategy scope not found", zap.String("strategy", string(strategy)), zap.String("url", page.URL))
			continue
		}

		paragraphs := e.collectParagraphs(scope)
		if len(paragraphs) < e.cfg.MinParagraphCount {
			e.logger.Debug("strategy below paragraph floor",
				zap.String("strategy", string(strategy)),
				zap.String("url", page.URL),
				zap.Int("paragraphs", len(paragraphs)),
			)
			continue
		}

		result := e.buildResult(page, doc, scope, strategy, paragraphs)
		e.logger.Info("extraction succeeded",
			zap.String("strategy", string(strategy)),
			zap.String("url", page.URL),
			zap.Int("paragraphs", result.ParagraphCount),
		)
		return result, nil
	}

	e.logger.Warn("all extraction strategies exhausted", zap.String("url", page.URL))
	return ingest.ExtractionResult{}, &ingest.ExtractionError{URL: page.URL, Attempted: attempted}
}

func firstSelection(doc *goquery.Document, selector string) *goquery.Selection {
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil
	}
	return sel
}

// largestParagraphBlock scans every div and picks the one containing the most
// paragraph descendants. Most real-world news sites do not use semantic
// markup, so this content-agnostic fallback carries much of the success rate.
func (e *Extractor) largestParagraphBlock(doc *goquery.Document) *goquery.Selection {
	var best *goquery.Selection
	bestCount := 0
	doc.Find("div").Each(func(_ int, div *goquery.Selection) {
		count := div.Find("p").Length()
		if count > bestCount {
			bestCount = count
			best = div
		}
	})
	return best
}

// collectParagraphs returns trimmed paragraph texts meeting the length floor.
func (e *Extractor) collectParagraphs(scope *goquery.Selection) []string {
	var out []string
	scope.Find("p").Each(func(_ int, p *goquery.Selection) {
		text := strings.TrimSpace(p.Text())
		if len(text) >= e.cfg.MinParagraphLength {
			out = append(out, text)
		}
	})
	return out
}

func (e *Extractor) buildResult(
	page ingest.RenderedPage,
	doc *goquery.Document,
	scope *goquery.Selection,
	strategy ingest.Strategy,
	paragraphs []string,
) ingest.ExtractionResult {
	headline := e.findHeadline(doc, scope)

	sourceURL := page.FinalURL
	if sourceURL == "" {
		sourceURL = page.URL
	}

	meta := ingest.ExtractionMetadata{
		Title:     firstNonEmpty(headline, strings.TrimSpace(doc.Find("title").First().Text())),
		SourceURL: sourceURL,
		RenderMs:  page.Duration.Milliseconds(),
	}
	if author := strings.TrimSpace(doc.Find(authorSelectors).First().Text()); author != "" {
		meta.Author = author
	}
	if canonical, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		meta.CanonicalURL = strings.TrimSpace(canonical)
	}

	return ingest.ExtractionResult{
		Headline:       headline,
		Body:           strings.Join(paragraphs, "\n\n"),
		ParagraphCount: len(paragraphs),
		Strategy:       strategy,
		Metadata:       meta,
	}
}

// findHeadline prefers an h1 inside the winning scope, then any page h1,
// then the document title.
func (e *Extractor) findHeadline(doc *goquery.Document, scope *goquery.Selection) string {
	if h1 := strings.TrimSpace(scope.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
