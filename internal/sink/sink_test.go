package sink

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erndmrc/crawlengine/internal/keyword"
	"github.com/erndmrc/crawlengine/internal/mdconvert"
)

type recordingSink struct {
	hits  []keyword.Hit
	docs  []mdconvert.Doc
	erred bool
}

func (r *recordingSink) EmitKeywordHit(hit keyword.Hit) error {
	if r.erred {
		return errors.New("boom")
	}
	r.hits = append(r.hits, hit)
	return nil
}

func (r *recordingSink) EmitMarkdownDoc(doc mdconvert.Doc) error {
	if r.erred {
		return errors.New("boom")
	}
	r.docs = append(r.docs, doc)
	return nil
}

func (r *recordingSink) Close() error { return nil }

func TestDedupingForwardsFirstKeywordHit(t *testing.T) {
	inner := &recordingSink{}
	d := NewDeduping(inner)

	err := d.EmitKeywordHit(keyword.Hit{URL: "http://x/a", Keyword: "alpha", ContextText: "Alpha sentence."})
	require.NoError(t, err)
	assert.Len(t, inner.hits, 1)
}

func TestDedupingSuppressesIdenticalKeywordHit(t *testing.T) {
	inner := &recordingSink{}
	d := NewDeduping(inner)
	hit := keyword.Hit{URL: "http://x/a", Keyword: "alpha", ContextText: "Alpha sentence."}

	require.NoError(t, d.EmitKeywordHit(hit))
	require.NoError(t, d.EmitKeywordHit(hit))

	assert.Len(t, inner.hits, 1)
}

func TestDedupingAllowsDistinctSentencesForSameKeyword(t *testing.T) {
	inner := &recordingSink{}
	d := NewDeduping(inner)

	require.NoError(t, d.EmitKeywordHit(keyword.Hit{URL: "http://x/a", Keyword: "alpha", ContextText: "First."}))
	require.NoError(t, d.EmitKeywordHit(keyword.Hit{URL: "http://x/a", Keyword: "alpha", ContextText: "Second."}))

	assert.Len(t, inner.hits, 2)
}

func TestDedupingSuppressesSecondMarkdownDocForSameURL(t *testing.T) {
	inner := &recordingSink{}
	d := NewDeduping(inner)

	doc1 := mdconvert.Doc{URL: "http://x/a", Category: "docs", MarkdownBody: "v1"}
	doc2 := mdconvert.Doc{URL: "http://x/a", Category: "docs", MarkdownBody: "v2 (e.g. re-render)"}

	require.NoError(t, d.EmitMarkdownDoc(doc1))
	require.NoError(t, d.EmitMarkdownDoc(doc2))

	require.Len(t, inner.docs, 1)
	assert.Equal(t, "v1", inner.docs[0].MarkdownBody)
}

func TestMarkSeenDocPrimesDedupWithoutEmitting(t *testing.T) {
	inner := &recordingSink{}
	d := NewDeduping(inner)

	d.MarkSeenDoc("http://x/a")
	assert.True(t, d.Seen("http://x/a"))

	require.NoError(t, d.EmitMarkdownDoc(mdconvert.Doc{URL: "http://x/a"}))
	assert.Empty(t, inner.docs)
}

func TestSanitizeSegmentProducesFilesystemSafeNames(t *testing.T) {
	assert.Equal(t, "hello-world", sanitizeSegment("Hello World!"))
	assert.Equal(t, "page", sanitizeSegment("???"))
}

func TestSlugFromURLUsesLastPathSegment(t *testing.T) {
	assert.Equal(t, "widgets", slugFromURL("https://example.com/guides/widgets"))
	assert.Equal(t, "widgets", slugFromURL("https://example.com/guides/widgets/"))
}
