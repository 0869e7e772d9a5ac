package contentfilter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<html><body>
	<header><div class="navbar">Site Logo</div></header>
	<nav><ul><li><a href="/a">A</a></li><li><a href="/b">B</a></li></ul></nav>
	<main>
		<h1>Article Title</h1>
		<p>This is the real body content readers care about.</p>
	</main>
	<aside class="sidebar"><p>Related links</p></aside>
	<footer>Copyright 2026</footer>
</body></html>`

func TestFilterStripsDefaultChromeElements(t *testing.T) {
	text, err := Filter(samplePage, nil)
	require.NoError(t, err)

	assert.Contains(t, text, "Article Title")
	assert.Contains(t, text, "real body content")
	assert.NotContains(t, text, "Site Logo")
	assert.NotContains(t, text, "Copyright 2026")
	assert.NotContains(t, text, "Related links")
}

func TestFilterStripsCustomSelectors(t *testing.T) {
	html := `<html><body><main><p>Keep me</p></main><div class="promo-banner">Buy now</div></body></html>`
	text, err := Filter(html, []string{".promo-banner"})
	require.NoError(t, err)

	assert.Contains(t, text, "Keep me")
	assert.NotContains(t, text, "Buy now")
}

func TestFilterCollapsesWhitespace(t *testing.T) {
	html := `<html><body><main><p>Line one</p>

	<p>Line   two</p></main></body></html>`
	text, err := Filter(html, nil)
	require.NoError(t, err)

	assert.False(t, strings.Contains(text, "  "), "filtered text should not contain doubled spaces")
}

func TestFilterRemovesScriptAndStyleContent(t *testing.T) {
	html := `<html><body><main><p>Visible</p><script>var secret = "hidden";</script><style>.x{color:red}</style></main></body></html>`
	text, err := Filter(html, nil)
	require.NoError(t, err)

	assert.Contains(t, text, "Visible")
	assert.NotContains(t, text, "hidden")
	assert.NotContains(t, text, "color:red")
}

func TestFilteredDocumentPreservesStructureForRemainingContent(t *testing.T) {
	doc, err := FilteredDocument(samplePage, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, doc.Find("h1").Length())
	assert.Equal(t, 0, doc.Find("nav").Length())
	assert.Equal(t, 0, doc.Find("footer").Length())
}

func TestFilterAcceptsEmptyInput(t *testing.T) {
	_, err := Filter("", nil)
	// An empty reader is still valid (mostly empty) HTML to goquery; the
	// contract here is just that Filter does not panic and returns cleanly.
	assert.NoError(t, err)
}
