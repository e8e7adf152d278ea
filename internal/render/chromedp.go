// Package render renders pages in headless Chrome via chromedp.
package render

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ebenwert/ingestd/internal/ingest"
	"github.com/ebenwert/ingestd/internal/safety"
)

// Defaults for the two-stage wait. JavaScript-heavy single-page apps need
// both the load wait and the settle wait before extraction sees real content.
const (
	DefaultPageLoadTimeout    = 30 * time.Second
	DefaultContentWaitTimeout = 5 * time.Second
)

// contentSelector is what the settle wait looks for before declaring the
// page ready for extraction.
const contentSelector = "div p"

// Config controls renderer behavior.
type Config struct {
	PageLoadTimeout    time.Duration
	ContentWaitTimeout time.Duration
	UserAgent          string
	MaxParallel        int
	HostQPS            float64
}

func (c Config) withDefaults() Config {
	if c.PageLoadTimeout <= 0 {
		c.PageLoadTimeout = DefaultPageLoadTimeout
	}
	if c.ContentWaitTimeout <= 0 {
		c.ContentWaitTimeout = DefaultContentWaitTimeout
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 1
	}
	return c
}

// Renderer renders pages using headless Chrome. Each Render call owns an
// exclusive browser instance for its lifetime; nothing is shared between
// concurrent renders, so cookies and navigation history cannot leak between
// unrelated URLs.
type Renderer struct {
	cfg          Config
	logger       *zap.Logger
	sem          chan struct{}
	hostLimiters sync.Map
}

// New creates a renderer using the provided configuration.
func New(cfg Config, logger *zap.Logger) *Renderer {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{
		cfg:    cfg,
		logger: logger,
		sem:    make(chan struct{}, cfg.MaxParallel),
	}
}

// Session is one browser lifetime scoped to a single render. Close is
// idempotent and must run on every exit path: a leaked session is a leaked
// OS-level browser process.
type Session struct {
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	closeOnce   sync.Once
}

// Close tears down the tab and browser allocator. Safe to call repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.tabCancel()
		s.allocCancel()
	})
}

// newSession launches a browser whose DNS resolution for the validated host
// is pinned to the already-resolved address, so the browser cannot be
// rebound to a different IP between validation and navigation.
func (r *Renderer) newSession(ctx context.Context, validated *safety.ValidatedURL) *Session {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if r.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(r.cfg.UserAgent))
	}
	if rules := validated.HostResolverRules(); rules != "" {
		opts = append(opts, chromedp.Flag("host-resolver-rules", rules))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	return &Session{
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
	}
}

// Render navigates to the validated URL and returns the settled DOM snapshot.
// The browser session is closed before any error propagates.
func (r *Renderer) Render(ctx context.Context, validated *safety.ValidatedURL) (ingest.RenderedPage, error) {
	release, err := r.acquireSlot(ctx)
	if err != nil {
		return ingest.RenderedPage{}, err
	}
	defer release()

	if err := r.waitHostBudget(ctx, validated.Host); err != nil {
		return ingest.RenderedPage{}, err
	}

	session := r.newSession(ctx, validated)
	defer session.Close()

	start := time.Now()

	navCtx, cancelNav := context.WithTimeout(session.tabCtx, r.cfg.PageLoadTimeout)
	defer cancelNav()

	if err := chromedp.Run(navCtx,
		network.Enable(),
		emulation.SetUserAgentOverride(r.userAgent()),
		chromedp.Navigate(validated.Original),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return ingest.RenderedPage{}, &ingest.RenderError{URL: validated.Original, Stage: "navigate", Err: err}
	}

	// Settle wait: give client-side rendering a chance to produce paragraph
	// content. A timeout here is survivable; extraction proceeds with
	// whatever the DOM holds.
	settleCtx, cancelSettle := context.WithTimeout(session.tabCtx, r.cfg.ContentWaitTimeout)
	if err := chromedp.Run(settleCtx, chromedp.WaitVisible(contentSelector, chromedp.ByQuery)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			r.logger.Warn("timed out waiting for content paragraphs, proceeding anyway",
				zap.String("url", validated.Original))
		} else {
			cancelSettle()
			return ingest.RenderedPage{}, &ingest.RenderError{URL: validated.Original, Stage: "settle", Err: err}
		}
	}
	cancelSettle()

	var (
		html     string
		title    string
		finalURL string
	)
	snapCtx, cancelSnap := context.WithTimeout(session.tabCtx, r.cfg.ContentWaitTimeout)
	defer cancelSnap()
	if err := chromedp.Run(snapCtx,
		chromedp.Title(&title),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return ingest.RenderedPage{}, &ingest.RenderError{URL: validated.Original, Stage: "snapshot", Err: err}
	}

	page := ingest.RenderedPage{
		URL:      validated.Original,
		FinalURL: finalURL,
		Title:    strings.TrimSpace(title),
		HTML:     []byte(html),
		UsedJS:   true,
		Duration: time.Since(start),
	}
	r.logger.Debug("render completed",
		zap.String("url", validated.Original),
		zap.Duration("duration", page.Duration),
		zap.Int("bytes", len(page.HTML)),
	)
	return page, nil
}

func (r *Renderer) userAgent() string {
	if r.cfg.UserAgent != "" {
		return r.cfg.UserAgent
	}
	return "ingestd/1.0"
}

func (r *Renderer) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case r.sem <- struct{}{}:
		return func() { <-r.sem }, nil
	case <-ctx.Done():
		return nil, &ingest.RenderError{Stage: "acquire", Err: ctx.Err()}
	}
}

func (r *Renderer) waitHostBudget(ctx context.Context, host string) error {
	if r.cfg.HostQPS <= 0 {
		return nil
	}
	val, _ := r.hostLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(r.cfg.HostQPS), 1))
	limiter := val.(*rate.Limiter)
	if err := limiter.Wait(ctx); err != nil {
		return &ingest.RenderError{Stage: "pacing", Err: err}
	}
	return nil
}
