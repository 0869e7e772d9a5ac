// Package sink defines the Result Sink contract and the dedup guarantee
// the core owns on top of it: no two KeywordHit records with an identical
// (url, keyword, sentence), and no two MarkdownDocs for the same canonical
// URL within a run. Concrete backings (filesystem tree, CSV,
// SQLite, XLSX export) live alongside this file; dedup is enforced once,
// centrally, before any backing ever sees a record.
package sink

import (
	"fmt"
	"sync"

	"github.com/erndmrc/crawlengine/internal/keyword"
	"github.com/erndmrc/crawlengine/internal/mdconvert"
)

// ResultSink is the external collaborator that persists PageResults. The
// core never inspects storage details; it only ever calls these two
// methods plus Close at shutdown.
type ResultSink interface {
	EmitKeywordHit(hit keyword.Hit) error
	EmitMarkdownDoc(doc mdconvert.Doc) error
	Close() error
}

// Deduping wraps a ResultSink and enforces the core's uniqueness
// guarantees before delegating. Safe for concurrent use by multiple
// Workers.
type Deduping struct {
	inner ResultSink

	mu       sync.Mutex
	seenHits map[string]struct{}
	seenDocs map[string]struct{}
}

// NewDeduping wraps inner with the core's dedup guarantees.
func NewDeduping(inner ResultSink) *Deduping {
	return &Deduping{
		inner:    inner,
		seenHits: make(map[string]struct{}),
		seenDocs: make(map[string]struct{}),
	}
}

// EmitKeywordHit forwards hit to the wrapped sink unless an identical
// (url, keyword, sentence) has already been emitted this run.
func (d *Deduping) EmitKeywordHit(hit keyword.Hit) error {
	key := fmt.Sprintf("%s\x00%s\x00%s", hit.URL, hit.Keyword, hit.ContextText)

	d.mu.Lock()
	if _, dup := d.seenHits[key]; dup {
		d.mu.Unlock()
		return nil
	}
	d.seenHits[key] = struct{}{}
	d.mu.Unlock()

	return d.inner.EmitKeywordHit(hit)
}

// EmitMarkdownDoc forwards doc to the wrapped sink unless a MarkdownDoc
// for this canonical URL has already been emitted this run.
func (d *Deduping) EmitMarkdownDoc(doc mdconvert.Doc) error {
	d.mu.Lock()
	if _, dup := d.seenDocs[doc.URL]; dup {
		d.mu.Unlock()
		return nil
	}
	d.seenDocs[doc.URL] = struct{}{}
	d.mu.Unlock()

	return d.inner.EmitMarkdownDoc(doc)
}

// Close releases the wrapped sink's resources.
func (d *Deduping) Close() error {
	return d.inner.Close()
}

// Seen reports whether a MarkdownDoc for url has already been emitted,
// for resumable has-this-url-already-produced-output checks against a
// loaded checkpoint.
func (d *Deduping) Seen(url string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seenDocs[url]
	return ok
}

// MarkSeenDoc records url as already having produced a MarkdownDoc,
// without emitting anything — used to prime dedup state from a resumed
// checkpoint before the run continues.
func (d *Deduping) MarkSeenDoc(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seenDocs[url] = struct{}{}
}
