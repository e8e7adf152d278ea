package extract

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ebenwert/ingestd/internal/ingest"
)

func paragraphs(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "<p>Paragraph %02d with enough characters to clear the length floor easily.</p>", i)
	}
	return b.String()
}

func page(html string) ingest.RenderedPage {
	return ingest.RenderedPage{
		URL:      "https://news.example/story",
		FinalURL: "https://news.example/story",
		HTML:     []byte(html),
	}
}

func TestExtract_ArticleTagStrategy(t *testing.T) {
	t.Parallel()

	html := fmt.Sprintf(`<html><head><title>Site Title</title></head><body>
		<div class="nav"><p>cookie notice</p></div>
		<article><h1>Big Headline</h1>%s</article>
	</body></html>`, paragraphs(10))

	ex := New(Config{}, zap.NewNop())
	result, err := ex.Extract(page(html))
	require.NoError(t, err)
	require.Equal(t, ingest.StrategyArticleTag, result.Strategy)
	require.Equal(t, "Big Headline", result.Headline)
	require.Equal(t, 10, result.ParagraphCount)
	require.Contains(t, result.Body, "Paragraph 00")
	require.Equal(t, "https://news.example/story", result.Metadata.SourceURL)
}

func TestExtract_MainTagStrategy(t *testing.T) {
	t.Parallel()

	html := fmt.Sprintf(`<html><body>
		<h1>Page Level Headline</h1>
		<main>%s</main>
	</body></html>`, paragraphs(5))

	ex := New(Config{}, zap.NewNop())
	result, err := ex.Extract(page(html))
	require.NoError(t, err)
	require.Equal(t, ingest.StrategyMainTag, result.Strategy)
	require.Equal(t, "Page Level Headline", result.Headline)
}

func TestExtract_LargestBlockHeuristic(t *testing.T) {
	t.Parallel()

	// No semantic tags at all: one div with 15 paragraphs, another with 2.
	html := fmt.Sprintf(`<html><body>
		<div id="sidebar">%s</div>
		<div id="content"><h1>Heuristic Headline</h1>%s</div>
	</body></html>`, paragraphs(2), paragraphs(15))

	ex := New(Config{}, zap.NewNop())
	result, err := ex.Extract(page(html))
	require.NoError(t, err)
	require.Equal(t, ingest.StrategyLargestBlock, result.Strategy)
	require.Equal(t, 15, result.ParagraphCount)
	require.Equal(t, "Heuristic Headline", result.Headline)
}

func TestExtract_ShortParagraphsDoNotCount(t *testing.T) {
	t.Parallel()

	// An article full of short fragments must not be accepted; the div with
	// real paragraphs wins through the heuristic instead.
	html := fmt.Sprintf(`<html><body>
		<article><p>ok</p><p>accept</p><p>menu</p><p>close</p></article>
		<div>%s</div>
	</body></html>`, paragraphs(4))

	ex := New(Config{}, zap.NewNop())
	result, err := ex.Extract(page(html))
	require.NoError(t, err)
	require.Equal(t, ingest.StrategyLargestBlock, result.Strategy)
	require.Equal(t, 4, result.ParagraphCount)
}

func TestExtract_BoundaryFallsThroughToNextStrategy(t *testing.T) {
	t.Parallel()

	// Exactly MinParagraphCount-1 valid paragraphs in <article>: the article
	// strategy must be skipped and the chain continues.
	html := fmt.Sprintf(`<html><body>
		<article>%s</article>
		<main>%s</main>
	</body></html>`, paragraphs(2), paragraphs(3))

	ex := New(Config{MinParagraphCount: 3}, zap.NewNop())
	result, err := ex.Extract(page(html))
	require.NoError(t, err)
	require.Equal(t, ingest.StrategyMainTag, result.Strategy)
}

func TestExtract_AllStrategiesFail(t *testing.T) {
	t.Parallel()

	html := `<html><body><article><p>too short</p></article><div><p>nope</p></div></body></html>`

	ex := New(Config{}, zap.NewNop())
	_, err := ex.Extract(page(html))

	var exhausted *ingest.ExtractionError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, ingest.Strategies(), exhausted.Attempted)
	require.Contains(t, err.Error(), "largest_block_heuristic")
}

func TestExtract_StrategyAlwaysSet(t *testing.T) {
	t.Parallel()

	fixtures := []string{
		fmt.Sprintf(`<html><body><article>%s</article></body></html>`, paragraphs(3)),
		fmt.Sprintf(`<html><body><main>%s</main></body></html>`, paragraphs(3)),
		fmt.Sprintf(`<html><body><div>%s</div></body></html>`, paragraphs(3)),
	}

	ex := New(Config{}, zap.NewNop())
	for _, html := range fixtures {
		result, err := ex.Extract(page(html))
		require.NoError(t, err)
		require.True(t, result.Strategy.Valid(), "strategy %q is not a known identifier", result.Strategy)
		require.NotEmpty(t, result.Body)
	}
}

func TestExtract_MetadataAuthorAndCanonical(t *testing.T) {
	t.Parallel()

	html := fmt.Sprintf(`<html><head>
		<title>Tab Title</title>
		<link rel="canonical" href="https://news.example/story"/>
	</head><body>
		<article>
			<h1>Headline</h1>
			<span class="byline">Jane Staffwriter</span>
			%s
		</article>
	</body></html>`, paragraphs(3))

	ex := New(Config{}, zap.NewNop())
	result, err := ex.Extract(page(html))
	require.NoError(t, err)
	require.Equal(t, "Jane Staffwriter", result.Metadata.Author)
	require.Equal(t, "https://news.example/story", result.Metadata.CanonicalURL)
	require.Equal(t, "Headline", result.Metadata.Title)
}

func TestExtract_HeadlineFallsBackToTitle(t *testing.T) {
	t.Parallel()

	html := fmt.Sprintf(`<html><head><title>Only The Title</title></head><body>
		<main>%s</main>
	</body></html>`, paragraphs(3))

	ex := New(Config{}, zap.NewNop())
	result, err := ex.Extract(page(html))
	require.NoError(t, err)
	require.Equal(t, "Only The Title", result.Headline)
}
