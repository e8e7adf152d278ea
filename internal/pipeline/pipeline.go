// Package pipeline composes validation, fetching, rendering and extraction
// into a single operation.
package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/ebenwert/ingestd/internal/ingest"
	"github.com/ebenwert/ingestd/internal/safety"
)

// Guard validates a URL against SSRF policy and pins its addresses.
type Guard interface {
	Validate(ctx context.Context, raw string) (*safety.ValidatedURL, error)
}

// Fetcher performs the cheap static probe over the pinned transport.
type Fetcher interface {
	Fetch(ctx context.Context, validated *safety.ValidatedURL) (ingest.RenderedPage, error)
}

// Detector decides whether the static page warrants a headless render.
type Detector interface {
	NeedsRender(page ingest.RenderedPage) bool
}

// Renderer produces a settled DOM snapshot with JavaScript executed.
type Renderer interface {
	Render(ctx context.Context, validated *safety.ValidatedURL) (ingest.RenderedPage, error)
}

// Extractor runs the strategy chain over a rendered page.
type Extractor interface {
	Extract(page ingest.RenderedPage) (ingest.ExtractionResult, error)
}

// Result is a successful fetch-and-extract outcome.
type Result struct {
	Extraction ingest.ExtractionResult
	Page       ingest.RenderedPage
}

// Pipeline is the single fetch-and-extract operation executed per task
// attempt. Validation happens here, per attempt, so the pinned address set
// is always fresh relative to its use.
type Pipeline struct {
	guard     Guard
	fetcher   Fetcher
	detector  Detector
	renderer  Renderer
	extractor Extractor
	logger    *zap.Logger
}

// New constructs a Pipeline. fetcher and detector may be nil, in which case
// every URL goes straight to the headless renderer.
func New(guard Guard, fetcher Fetcher, detector Detector, renderer Renderer, extractor Extractor, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		guard:     guard,
		fetcher:   fetcher,
		detector:  detector,
		renderer:  renderer,
		extractor: extractor,
		logger:    logger,
	}
}

// Run validates rawURL, obtains a rendered page (static probe first, then a
// headless render when the probe looks like a JavaScript shell) and extracts
// the article content.
func (p *Pipeline) Run(ctx context.Context, rawURL string) (Result, error) {
	validated, err := p.guard.Validate(ctx, safety.NormalizeURL(rawURL))
	if err != nil {
		return Result{}, fmt.Errorf("validate url: %w", err)
	}

	page, err := p.obtainPage(ctx, validated)
	if err != nil {
		return Result{}, err
	}

	extraction, err := p.extractor.Extract(page)
	if err != nil {
		return Result{}, fmt.Errorf("extract content: %w", err)
	}

	p.logger.Info("pipeline completed",
		zap.String("url", rawURL),
		zap.String("strategy", string(extraction.Strategy)),
		zap.Bool("used_js", page.UsedJS),
		zap.Int("paragraphs", extraction.ParagraphCount),
	)
	return Result{Extraction: extraction, Page: page}, nil
}

func (p *Pipeline) obtainPage(ctx context.Context, validated *safety.ValidatedURL) (ingest.RenderedPage, error) {
	if p.fetcher != nil && p.detector != nil {
		probe, probeErr := p.fetcher.Fetch(ctx, validated)
		if probeErr == nil && !p.detector.NeedsRender(probe) {
			return probe, nil
		}
		if probeErr != nil {
			p.logger.Debug("static probe failed, promoting to headless render",
				zap.String("url", validated.Original),
				zap.Error(probeErr),
			)
		}
	}

	page, err := p.renderer.Render(ctx, validated)
	if err != nil {
		return ingest.RenderedPage{}, fmt.Errorf("render page: %w", err)
	}
	if err := p.checkFinalURL(ctx, validated, page.FinalURL); err != nil {
		return ingest.RenderedPage{}, err
	}
	return page, nil
}

// checkFinalURL re-validates the address a headless render ended up on. The
// resolver-rules flag pins only the submitted hostname; a redirect moves the
// browser to a host resolved with normal DNS, so the landing host must pass
// the same policy as the submitted URL.
func (p *Pipeline) checkFinalURL(ctx context.Context, validated *safety.ValidatedURL, finalURL string) error {
	if finalURL == "" {
		return nil
	}
	parsed, err := url.Parse(finalURL)
	if err != nil {
		return fmt.Errorf("validate redirect target: %w", &ingest.URLRejectedError{
			URL:    finalURL,
			Reason: ingest.RejectBlockedHost,
			Detail: "unparseable final url",
		})
	}
	if strings.EqualFold(parsed.Hostname(), validated.Host) {
		return nil
	}
	if _, err := p.guard.Validate(ctx, finalURL); err != nil {
		p.logger.Warn("render redirected to a disallowed address",
			zap.String("url", validated.Original),
			zap.String("final_url", finalURL),
		)
		return fmt.Errorf("validate redirect target: %w", err)
	}
	return nil
}
