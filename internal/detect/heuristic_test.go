package detect

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ebenwert/ingestd/internal/ingest"
)

func pageOf(html string) ingest.RenderedPage {
	return ingest.RenderedPage{URL: "https://news.example/", HTML: []byte(html)}
}

func padded(html string, size int) string {
	if len(html) >= size {
		return html
	}
	return html + "<!--" + strings.Repeat("x", size-len(html)) + "-->"
}

func TestNeedsRender_TinyBodyPromotes(t *testing.T) {
	t.Parallel()

	h := New(Config{})
	require.True(t, h.NeedsRender(pageOf(`<html><body><div id="root"></div></body></html>`)))
}

func TestNeedsRender_KeywordPromotes(t *testing.T) {
	t.Parallel()

	h := New(Config{MinHTMLBytes: 1})
	html := `<html><body><noscript>Please enable JavaScript to view this site.</noscript></body></html>`
	require.True(t, h.NeedsRender(pageOf(html)))
}

func TestNeedsRender_FewParagraphsPromotes(t *testing.T) {
	t.Parallel()

	h := New(Config{MinHTMLBytes: 1})
	html := padded(`<html><body><p>just one paragraph here</p></body></html>`, 4096)
	require.True(t, h.NeedsRender(pageOf(html)))
}

func TestNeedsRender_StaticArticleDoesNot(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("<html><body><article>")
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&b, "<p>Static paragraph %d with plenty of real text in it already.</p>", i)
	}
	b.WriteString("</article></body></html>")

	h := New(Config{MinHTMLBytes: 1})
	require.False(t, h.NeedsRender(pageOf(b.String())))
}
