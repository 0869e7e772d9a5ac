package keyword

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchFindsWholeWordCaseInsensitive(t *testing.T) {
	m := New([]string{"alpha"})
	hits := m.Match("http://fixture/a/c", "This page discusses Alpha testing in detail.")

	require.Len(t, hits, 1)
	assert.Equal(t, "http://fixture/a/c", hits[0].URL)
	assert.Equal(t, "alpha", hits[0].Keyword)
	assert.Contains(t, hits[0].ContextText, "Alpha testing")
}

func TestMatchRejectsPartialWordMatches(t *testing.T) {
	m := New([]string{"cat"})
	hits := m.Match("http://fixture/x", "The catalog was updated yesterday.")
	assert.Empty(t, hits)
}

func TestMatchIncludesPrecedingAndFollowingSentence(t *testing.T) {
	m := New([]string{"beta"})
	text := "First sentence here. Beta is mentioned now. Third sentence follows."
	hits := m.Match("http://fixture/x", text)

	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].ContextText, "First sentence here")
	assert.Contains(t, hits[0].ContextText, "Beta is mentioned now")
	assert.Contains(t, hits[0].ContextText, "Third sentence follows")
}

func TestMatchOmitsMissingNeighborsAtBoundaries(t *testing.T) {
	m := New([]string{"gamma"})
	hits := m.Match("http://fixture/x", "Gamma starts the page. Second sentence here.")

	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].ContextText, "Gamma starts the page")
	assert.Contains(t, hits[0].ContextText, "Second sentence here")
}

func TestMatchDedupesSameKeywordSentencePair(t *testing.T) {
	m := New([]string{"delta"})
	// Same sentence appears twice verbatim on the page (e.g. repeated in a
	// list); only one Hit should result per (keyword, sentence).
	text := "Delta is repeated. Delta is repeated. Unrelated sentence."
	hits := m.Match("http://fixture/x", text)
	assert.Len(t, hits, 1)
}

func TestMatchHandlesMultipleDistinctKeywords(t *testing.T) {
	m := New([]string{"alpha", "beta"})
	text := "Alpha appears here. Something neutral. Beta appears there."
	hits := m.Match("http://fixture/x", text)

	require.Len(t, hits, 2)
	keywords := []string{hits[0].Keyword, hits[1].Keyword}
	assert.ElementsMatch(t, []string{"alpha", "beta"}, keywords)
}

func TestMatchReturnsNilForEmptyKeywordsOrText(t *testing.T) {
	m := New(nil)
	assert.Nil(t, m.Match("http://fixture/x", "some text"))

	m2 := New([]string{"alpha"})
	assert.Nil(t, m2.Match("http://fixture/x", ""))
}

func TestNewDeduplicatesKeywordsCaseInsensitively(t *testing.T) {
	m := New([]string{"Alpha", "alpha", "ALPHA"})
	assert.Len(t, m.keywords, 1)
}
