// Package fetch implements the static HTTP probe using gocolly.
package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/ebenwert/ingestd/internal/ingest"
	"github.com/ebenwert/ingestd/internal/safety"
)

// Config controls probe behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher performs a plain HTTP GET over the validated URL's pinned
// transport. It is the fast path tried before a headless render is paid for.
type Fetcher struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, logger: logger}
}

// Fetch executes a single GET for the validated URL. The collector's
// transport dials only the pinned addresses, so redirects cannot escape the
// validated host.
func (f *Fetcher) Fetch(ctx context.Context, validated *safety.ValidatedURL) (ingest.RenderedPage, error) {
	collector := colly.NewCollector()
	collector.IgnoreRobotsTxt = true
	collector.WithTransport(validated.Transport())
	collector.SetRequestTimeout(f.cfg.Timeout)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}

	var (
		page     ingest.RenderedPage
		fetchErr error
	)
	start := time.Now()

	collector.OnResponse(func(r *colly.Response) {
		page = ingest.RenderedPage{
			URL:        validated.Original,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			HTML:       append([]byte(nil), r.Body...),
			UsedJS:     false,
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := collector.Visit(validated.Original); err != nil && fetchErr == nil {
			fetchErr = err
		}
		collector.Wait()
	}()

	select {
	case <-ctx.Done():
		return ingest.RenderedPage{}, fmt.Errorf("probe fetch canceled: %w", ctx.Err())
	case <-done:
	}

	if fetchErr != nil {
		return ingest.RenderedPage{}, &ingest.RenderError{URL: validated.Original, Stage: "probe", Err: fetchErr}
	}
	if page.StatusCode >= 400 {
		return ingest.RenderedPage{}, &ingest.RenderError{
			URL:   validated.Original,
			Stage: "probe",
			Err:   fmt.Errorf("unexpected status %d", page.StatusCode),
		}
	}

	f.logger.Debug("probe fetch completed",
		zap.String("url", validated.Original),
		zap.Int("status", page.StatusCode),
		zap.Int("bytes", len(page.HTML)),
	)
	return page, nil
}
