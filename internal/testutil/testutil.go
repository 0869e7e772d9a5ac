// Package testutil provides scriptable test fixtures: an HTTP TestServer
// and an HTMLBuilder for static-page
// tests, and a FakeBrowserSession satisfying the Worker's Session
// contract for SPA-exploration tests that must not drive real Chromium.
// Adapted from erndmrc-spider2's internal/testing/testutil.go, trimmed of the
// robots.txt/sitemap and snapshot-diffing helpers no SPEC_FULL.md
// component exercises, and extended with FakeBrowserSession.
package testutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/erndmrc/crawlengine/internal/browser"
)

// TestServer is a configurable HTTP fixture: pages, delays, error codes,
// and redirects can be scripted per path, and every hit is counted.
type TestServer struct {
	Server *httptest.Server

	mu        sync.RWMutex
	pages     map[string]*testPage
	delays    map[string]time.Duration
	errors    map[string]int
	redirects map[string]string
	hits      map[string]int
}

type testPage struct {
	content     string
	contentType string
	statusCode  int
}

// NewTestServer starts a TestServer and returns it; call Close when done.
func NewTestServer() *TestServer {
	ts := &TestServer{
		pages:     make(map[string]*testPage),
		delays:    make(map[string]time.Duration),
		errors:    make(map[string]int),
		redirects: make(map[string]string),
		hits:      make(map[string]int),
	}
	ts.Server = httptest.NewServer(http.HandlerFunc(ts.handler))
	return ts
}

func (ts *TestServer) handler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	ts.mu.Lock()
	ts.hits[path]++
	ts.mu.Unlock()

	ts.mu.RLock()
	delay := ts.delays[path]
	errorCode := ts.errors[path]
	redirect := ts.redirects[path]
	page := ts.pages[path]
	ts.mu.RUnlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if redirect != "" {
		http.Redirect(w, r, redirect, http.StatusMovedPermanently)
		return
	}
	if errorCode > 0 {
		w.WriteHeader(errorCode)
		return
	}
	if page != nil {
		if page.contentType != "" {
			w.Header().Set("Content-Type", page.contentType)
		} else {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		}
		if page.statusCode > 0 {
			w.WriteHeader(page.statusCode)
		}
		io.WriteString(w, page.content)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

// AddPage registers a 200 OK HTML page at path.
func (ts *TestServer) AddPage(path, content string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.pages[path] = &testPage{content: content, contentType: "text/html; charset=utf-8", statusCode: 200}
}

// AddPageWithStatus registers a page served with a specific status code.
func (ts *TestServer) AddPageWithStatus(path, content string, status int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.pages[path] = &testPage{content: content, contentType: "text/html; charset=utf-8", statusCode: status}
}

// SetDelay makes path respond only after delay, for rate-controller and
// timeout tests.
func (ts *TestServer) SetDelay(path string, delay time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.delays[path] = delay
}

// SetError makes path always answer with statusCode.
func (ts *TestServer) SetError(path string, statusCode int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.errors[path] = statusCode
}

// SetRedirect makes from answer with a 301 to to.
func (ts *TestServer) SetRedirect(from, to string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.redirects[from] = to
}

// Hits returns how many requests path has received.
func (ts *TestServer) Hits(path string) int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.hits[path]
}

// URL returns the server's base URL.
func (ts *TestServer) URL() string { return ts.Server.URL }

// Close shuts down the underlying httptest.Server.
func (ts *TestServer) Close() { ts.Server.Close() }

// BuildLinkedSite populates a small multi-page site (home -> about/products,
// products -> three product pages) useful for frontier-expansion and
// admission-scope tests.
func (ts *TestServer) BuildLinkedSite() {
	ts.AddPage("/", `<!DOCTYPE html><html><head><title>Home</title></head><body>
<h1>Welcome</h1>
<nav><a href="/about">About</a><a href="/products">Products</a></nav>
</body></html>`)

	ts.AddPage("/about", `<!DOCTYPE html><html><head><title>About</title></head><body>
<h1>About</h1><a href="/">Home</a>
</body></html>`)

	ts.AddPage("/products", `<!DOCTYPE html><html><head><title>Products</title></head><body>
<h1>Products</h1><ul>
<li><a href="/products/1">Product 1</a></li>
<li><a href="/products/2">Product 2</a></li>
<li><a href="/products/3">Product 3</a></li>
</ul></body></html>`)

	for i := 1; i <= 3; i++ {
		ts.AddPage(fmt.Sprintf("/products/%d", i), fmt.Sprintf(`<!DOCTYPE html><html><head><title>Product %d</title></head><body>
<h1>Product %d</h1><p>Description of product %d</p><a href="/products">Back</a>
</body></html>`, i, i, i))
	}
}

// HTMLBuilder composes test HTML fragments without hand-escaping strings
// in every test.
type HTMLBuilder struct {
	title string
	h1    string
	links []htmlLink
	body  string
}

type htmlLink struct {
	href, text string
}

// NewHTMLBuilder starts an empty page.
func NewHTMLBuilder() *HTMLBuilder { return &HTMLBuilder{} }

// Title sets the <title>.
func (b *HTMLBuilder) Title(title string) *HTMLBuilder { b.title = title; return b }

// H1 sets the single <h1>.
func (b *HTMLBuilder) H1(text string) *HTMLBuilder { b.h1 = text; return b }

// Link appends an <a href>.
func (b *HTMLBuilder) Link(href, text string) *HTMLBuilder {
	b.links = append(b.links, htmlLink{href, text})
	return b
}

// Body appends raw body content.
func (b *HTMLBuilder) Body(content string) *HTMLBuilder { b.body = content; return b }

// Build renders the final HTML document.
func (b *HTMLBuilder) Build() string {
	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	if b.title != "" {
		fmt.Fprintf(&sb, "  <title>%s</title>\n", b.title)
	}
	sb.WriteString("</head>\n<body>\n")
	if b.h1 != "" {
		fmt.Fprintf(&sb, "  <h1>%s</h1>\n", b.h1)
	}
	if b.body != "" {
		sb.WriteString(b.body)
		sb.WriteString("\n")
	}
	for _, l := range b.links {
		fmt.Fprintf(&sb, "  <a href=\"%s\">%s</a>\n", l.href, l.text)
	}
	sb.WriteString("</body>\n</html>")
	return sb.String()
}

// FakeBrowserSession is a scriptable Session implementation for tests that
// exercise the Worker's SPA-exploration path without real Chromium. Pages
// are looked up by URL; clickables are returned from a fixed script, and
// Activate transitions to a scripted new page.
type FakeBrowserSession struct {
	mu         sync.Mutex
	Pages      map[string]browser.NavigateResult
	Clickables map[string][]browser.ClickableHandle
	Activations map[string]browser.ActivateResult // keyed by ClickableHandle.XPath
	CloseCalls int
}

// NewFakeBrowserSession returns an empty, ready-to-script session.
func NewFakeBrowserSession() *FakeBrowserSession {
	return &FakeBrowserSession{
		Pages:       make(map[string]browser.NavigateResult),
		Clickables:  make(map[string][]browser.ClickableHandle),
		Activations: make(map[string]browser.ActivateResult),
	}
}

// Navigate returns the scripted result for url, or a navigation error if
// nothing was scripted for it.
func (f *FakeBrowserSession) Navigate(ctx context.Context, url string) (browser.NavigateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result, ok := f.Pages[url]
	if !ok {
		return browser.NavigateResult{StatusClass: browser.StatusNavError, FinalURL: url}, nil
	}
	if result.FinalURL == "" {
		result.FinalURL = url
	}
	return result, nil
}

// EnumerateClickables returns the handles of one entry of Clickables,
// picked by map iteration order. It does not track which page was
// navigated last, so with more than one page scripted the handles
// returned may belong to any of them.
func (f *FakeBrowserSession) EnumerateClickables(ctx context.Context) ([]browser.ClickableHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, handles := range f.Clickables {
		return handles, nil // single-page scripts are the common case
	}
	return nil, nil
}

// Activate returns the scripted ActivateResult for handle.XPath.
func (f *FakeBrowserSession) Activate(ctx context.Context, handle browser.ClickableHandle) (browser.ActivateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Activations[handle.XPath], nil
}

// Close records that the session was closed.
func (f *FakeBrowserSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CloseCalls++
	return nil
}
