package pipeline

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ebenwert/ingestd/internal/ingest"
	"github.com/ebenwert/ingestd/internal/safety"
)

type fakeGuard struct {
	err       error
	rejectRaw map[string]error
	calls     int
}

func (g *fakeGuard) Validate(_ context.Context, raw string) (*safety.ValidatedURL, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	if err, ok := g.rejectRaw[raw]; ok {
		return nil, err
	}
	return &safety.ValidatedURL{
		Original:    raw,
		Scheme:      "https",
		Host:        "news.example",
		Port:        "443",
		IPs:         []netip.Addr{netip.MustParseAddr("203.0.113.10")},
		ValidatedAt: time.Now().UTC(),
	}, nil
}

type fakeFetcher struct {
	page  ingest.RenderedPage
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(context.Context, *safety.ValidatedURL) (ingest.RenderedPage, error) {
	f.calls++
	return f.page, f.err
}

type fakeDetector struct{ needs bool }

func (d *fakeDetector) NeedsRender(ingest.RenderedPage) bool { return d.needs }

type fakeRenderer struct {
	page  ingest.RenderedPage
	err   error
	calls int
}

func (r *fakeRenderer) Render(context.Context, *safety.ValidatedURL) (ingest.RenderedPage, error) {
	r.calls++
	return r.page, r.err
}

type fakeExtractor struct {
	result ingest.ExtractionResult
	err    error
	got    ingest.RenderedPage
}

func (e *fakeExtractor) Extract(page ingest.RenderedPage) (ingest.ExtractionResult, error) {
	e.got = page
	if e.err != nil {
		return ingest.ExtractionResult{}, e.err
	}
	return e.result, nil
}

func okExtraction() ingest.ExtractionResult {
	return ingest.ExtractionResult{
		Headline:       "Headline",
		Body:           "body text",
		ParagraphCount: 5,
		Strategy:       ingest.StrategyArticleTag,
	}
}

func TestRun_StaticProbeSufficient(t *testing.T) {
	t.Parallel()

	guard := &fakeGuard{}
	fetcher := &fakeFetcher{page: ingest.RenderedPage{URL: "https://news.example/a", HTML: []byte("static")}}
	renderer := &fakeRenderer{}
	extractor := &fakeExtractor{result: okExtraction()}

	p := New(guard, fetcher, &fakeDetector{needs: false}, renderer, extractor, zap.NewNop())
	result, err := p.Run(context.Background(), "https://news.example/a")
	require.NoError(t, err)
	require.Equal(t, ingest.StrategyArticleTag, result.Extraction.Strategy)
	require.Equal(t, 1, fetcher.calls)
	require.Zero(t, renderer.calls, "headless render must be skipped for static content")
	require.False(t, extractor.got.UsedJS)
}

func TestRun_PromotesToHeadless(t *testing.T) {
	t.Parallel()

	guard := &fakeGuard{}
	fetcher := &fakeFetcher{page: ingest.RenderedPage{HTML: []byte("<div id=root></div>")}}
	renderer := &fakeRenderer{page: ingest.RenderedPage{URL: "https://news.example/a", UsedJS: true, HTML: []byte("rendered")}}
	extractor := &fakeExtractor{result: okExtraction()}

	p := New(guard, fetcher, &fakeDetector{needs: true}, renderer, extractor, zap.NewNop())
	_, err := p.Run(context.Background(), "https://news.example/a")
	require.NoError(t, err)
	require.Equal(t, 1, renderer.calls)
	require.True(t, extractor.got.UsedJS)
}

func TestRun_ProbeFailureFallsBackToRender(t *testing.T) {
	t.Parallel()

	guard := &fakeGuard{}
	fetcher := &fakeFetcher{err: &ingest.RenderError{Stage: "probe", Err: context.DeadlineExceeded}}
	renderer := &fakeRenderer{page: ingest.RenderedPage{UsedJS: true, HTML: []byte("rendered")}}
	extractor := &fakeExtractor{result: okExtraction()}

	p := New(guard, fetcher, &fakeDetector{}, renderer, extractor, zap.NewNop())
	_, err := p.Run(context.Background(), "https://news.example/a")
	require.NoError(t, err)
	require.Equal(t, 1, renderer.calls)
}

func TestRun_RejectedURLNeverFetches(t *testing.T) {
	t.Parallel()

	guard := &fakeGuard{err: &ingest.URLRejectedError{URL: "http://169.254.169.254/", Reason: ingest.RejectBlockedHost}}
	fetcher := &fakeFetcher{}
	renderer := &fakeRenderer{}

	p := New(guard, fetcher, &fakeDetector{}, renderer, &fakeExtractor{}, zap.NewNop())
	_, err := p.Run(context.Background(), "http://169.254.169.254/latest/meta-data/")

	var rejected *ingest.URLRejectedError
	require.ErrorAs(t, err, &rejected)
	require.Zero(t, fetcher.calls, "no network call may follow a rejection")
	require.Zero(t, renderer.calls)
}

func TestRun_ExtractionFailurePropagates(t *testing.T) {
	t.Parallel()

	guard := &fakeGuard{}
	renderer := &fakeRenderer{page: ingest.RenderedPage{UsedJS: true}}
	extractor := &fakeExtractor{err: &ingest.ExtractionError{URL: "https://news.example/a", Attempted: ingest.Strategies()}}

	p := New(guard, nil, nil, renderer, extractor, zap.NewNop())
	_, err := p.Run(context.Background(), "https://news.example/a")

	var exhausted *ingest.ExtractionError
	require.ErrorAs(t, err, &exhausted)
	require.False(t, ingest.IsTransient(err))
}

func TestRun_RenderRedirectToBlockedHostRejected(t *testing.T) {
	t.Parallel()

	guard := &fakeGuard{rejectRaw: map[string]error{
		"http://169.254.169.254/latest/meta-data/": &ingest.URLRejectedError{
			URL:    "http://169.254.169.254/latest/meta-data/",
			Reason: ingest.RejectBlockedHost,
		},
	}}
	renderer := &fakeRenderer{page: ingest.RenderedPage{
		URL:      "https://news.example/a",
		FinalURL: "http://169.254.169.254/latest/meta-data/",
		UsedJS:   true,
		HTML:     []byte("redirected"),
	}}
	extractor := &fakeExtractor{result: okExtraction()}

	p := New(guard, nil, nil, renderer, extractor, zap.NewNop())
	_, err := p.Run(context.Background(), "https://news.example/a")

	var rejected *ingest.URLRejectedError
	require.ErrorAs(t, err, &rejected)
	require.False(t, ingest.IsTransient(err))
	require.Empty(t, extractor.got.HTML, "redirected content must never reach extraction")
}

func TestRun_RenderRedirectWithinHostNotRevalidated(t *testing.T) {
	t.Parallel()

	guard := &fakeGuard{}
	renderer := &fakeRenderer{page: ingest.RenderedPage{
		URL:      "https://news.example/a",
		FinalURL: "https://news.example/a/landing",
		UsedJS:   true,
		HTML:     []byte("rendered"),
	}}

	p := New(guard, nil, nil, renderer, &fakeExtractor{result: okExtraction()}, zap.NewNop())
	_, err := p.Run(context.Background(), "https://news.example/a")
	require.NoError(t, err)
	require.Equal(t, 1, guard.calls, "same-host landing needs no second validation")
}

func TestRun_RenderRedirectToSafeHostAllowed(t *testing.T) {
	t.Parallel()

	guard := &fakeGuard{}
	renderer := &fakeRenderer{page: ingest.RenderedPage{
		URL:      "https://news.example/a",
		FinalURL: "https://cdn.example/a",
		UsedJS:   true,
		HTML:     []byte("rendered"),
	}}

	p := New(guard, nil, nil, renderer, &fakeExtractor{result: okExtraction()}, zap.NewNop())
	result, err := p.Run(context.Background(), "https://news.example/a")
	require.NoError(t, err)
	require.Equal(t, 2, guard.calls, "cross-host landing must pass validation")
	require.Equal(t, "https://cdn.example/a", result.Page.FinalURL)
}

func TestRun_NilProbeGoesStraightToRender(t *testing.T) {
	t.Parallel()

	guard := &fakeGuard{}
	renderer := &fakeRenderer{page: ingest.RenderedPage{UsedJS: true}}

	p := New(guard, nil, nil, renderer, &fakeExtractor{result: okExtraction()}, zap.NewNop())
	_, err := p.Run(context.Background(), "https://news.example/a")
	require.NoError(t, err)
	require.Equal(t, 1, renderer.calls)
}
