// Package keyword implements keyword-mode result emission: case-insensitive
// whole-word matching against page text, with sentence-window context
// extraction and (url, keyword, sentence) dedup. There is no corpus
// teacher for this concern — it composes internal/contentfilter's output
// with a small, precise text operation that no pack dependency
// specializes in, so it is built directly on stdlib regexp/strings.
package keyword

import (
	"fmt"
	"regexp"
	"strings"
)

// Hit is one KeywordHit: a keyword occurrence with its sentence-window
// context, scoped to a single page URL.
type Hit struct {
	URL         string
	Keyword     string
	ContextText string
}

// sentenceBoundary splits on sentence-ending punctuation followed by
// whitespace, keeping the punctuation with the preceding sentence.
var sentenceBoundary = regexp.MustCompile(`(?s)([.!?])\s+`)

// Matcher finds whole-word, case-insensitive occurrences of a fixed set of
// keywords and reports sentence-window context for each.
type Matcher struct {
	keywords []string
	patterns map[string]*regexp.Regexp
}

// New compiles one whole-word regex per keyword. Keywords are matched
// case-insensitively; duplicates and blank entries are ignored.
func New(keywords []string) *Matcher {
	m := &Matcher{patterns: make(map[string]*regexp.Regexp)}
	seen := make(map[string]struct{})
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		key := strings.ToLower(kw)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		m.keywords = append(m.keywords, kw)
		m.patterns[kw] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
	}
	return m
}

// Match runs every configured keyword against text (already filtered by
// internal/contentfilter) and returns one Hit per unique
// (keyword, sentence) pair found, with url attached.
func (m *Matcher) Match(url, text string) []Hit {
	if len(m.keywords) == 0 || text == "" {
		return nil
	}

	sentences := splitSentences(text)
	seen := make(map[string]struct{})
	var hits []Hit

	for _, kw := range m.keywords {
		pattern := m.patterns[kw]
		for i, sentence := range sentences {
			if !pattern.MatchString(sentence) {
				continue
			}
			context := sentenceWindow(sentences, i)
			dedupKey := fmt.Sprintf("%s\x00%s", strings.ToLower(kw), sentence)
			if _, dup := seen[dedupKey]; dup {
				continue
			}
			seen[dedupKey] = struct{}{}
			hits = append(hits, Hit{URL: url, Keyword: kw, ContextText: context})
		}
	}
	return hits
}

// splitSentences breaks text into trimmed, non-empty sentences using
// terminal-punctuation boundaries.
func splitSentences(text string) []string {
	marked := sentenceBoundary.ReplaceAllString(text, "$1\x01")
	raw := strings.Split(marked, "\x01")

	sentences := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) == 0 && strings.TrimSpace(text) != "" {
		sentences = append(sentences, strings.TrimSpace(text))
	}
	return sentences
}

// sentenceWindow concatenates the preceding, matching, and following
// sentence around index i, per the KeywordHit context_text rule.
func sentenceWindow(sentences []string, i int) string {
	var parts []string
	if i > 0 {
		parts = append(parts, sentences[i-1])
	}
	parts = append(parts, sentences[i])
	if i+1 < len(sentences) {
		parts = append(parts, sentences[i+1])
	}
	return strings.Join(parts, " ")
}
