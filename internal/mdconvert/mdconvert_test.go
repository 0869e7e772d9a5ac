package mdconvert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<html><head><title>Widgets Guide</title></head><body>
	<nav><a href="/">Home</a></nav>
	<main>
		<h1>Widgets Guide</h1>
		<p>This guide explains widgets in detail.</p>
		<h2>Installation</h2>
		<p>Install with the package manager.</p>
		<img src="/diagram.png">
		<a href="/related">Related topic</a>
	</main>
	<footer>Copyright</footer>
</body></html>`

func TestConvertProducesMarkdownBody(t *testing.T) {
	doc, err := Convert("https://example.com/guides/widgets", samplePage, nil)
	require.NoError(t, err)

	assert.Contains(t, doc.MarkdownBody, "Widgets Guide")
	assert.Contains(t, doc.MarkdownBody, "Installation")
	assert.NotContains(t, doc.MarkdownBody, "Copyright")
}

func TestConvertDerivesCategoryFromFirstPathSegment(t *testing.T) {
	doc, err := Convert("https://example.com/guides/widgets", samplePage, nil)
	require.NoError(t, err)
	assert.Equal(t, "guides", doc.Category)
}

func TestCategoryFromURLDefaultsToIndexForRootPath(t *testing.T) {
	assert.Equal(t, "index", CategoryFromURL("https://example.com/"))
	assert.Equal(t, "index", CategoryFromURL("https://example.com"))
}

func TestConvertComputesMetadataCounts(t *testing.T) {
	doc, err := Convert("https://example.com/guides/widgets", samplePage, nil)
	require.NoError(t, err)

	assert.Equal(t, "Widgets Guide", doc.Metadata.Title)
	assert.Equal(t, 1, doc.Metadata.HeadingCounts["h1"])
	assert.Equal(t, 1, doc.Metadata.HeadingCounts["h2"])
	assert.Equal(t, 1, doc.Metadata.ImageCount)
	assert.Equal(t, 1, doc.Metadata.LinkCount) // nav link stripped by content filter
	assert.Greater(t, doc.Metadata.WordCount, 0)
}

func TestConvertFallsBackToH1WhenTitleTagMissing(t *testing.T) {
	html := `<html><body><main><h1>Fallback Title</h1><p>Body text.</p></main></body></html>`
	doc, err := Convert("https://example.com/a", html, nil)
	require.NoError(t, err)
	assert.Equal(t, "Fallback Title", doc.Metadata.Title)
}
