// Package browser implements the Browser Session contract: navigate,
// enumerate_clickables, activate, close. Built on chromedp the way
// erndmrc-spider2's Renderer (internal/renderer/renderer.go) drives
// headless Chromium, but reshaped from a pooled, stateless render() call
// into one Session per Worker that tracks network/DOM quiescence and
// SPA navigation.
package browser

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"lukechampine.com/blake3"

	"github.com/erndmrc/crawlengine/internal/config"
)

// StatusClass classifies a navigation's outcome.
type StatusClass string

const (
	StatusOK           StatusClass = "ok_2xx"
	StatusRedirect     StatusClass = "redirect_3xx"
	StatusClientError  StatusClass = "client_4xx"
	StatusRateLimited  StatusClass = "rate_limited_429"
	StatusServerError  StatusClass = "server_5xx"
	StatusTimeout      StatusClass = "timeout"
	StatusNavError     StatusClass = "navigation_error"
)

// NavigateResult is the outcome of a single navigate() call.
type NavigateResult struct {
	StatusClass  StatusClass
	FinalURL     string
	RenderedHTML string
	LoadTime     time.Duration
}

// ClickableHandle identifies a DOM node discovered by EnumerateClickables,
// addressable again for Activate via its XPath.
type ClickableHandle struct {
	XPath string
	Text  string
}

// ActivateResult is the outcome of a single activate() call.
type ActivateResult struct {
	NewURL             string
	ContentHashChanged bool
}

// clickableSelectors are the navigation-affordance heuristics SPA
// exploration uses: nav items, menu items, ARIA menu/button roles,
// non-submit buttons, and elements carrying click-like attributes.
var clickableSelectors = []string{
	`nav li`,
	`.nav-item`,
	`.menu-item`,
	`[role="menuitem"]`,
	`button:not([type="submit"])`,
	`[role="button"]`,
	`[onclick]`,
	`[data-toggle]`,
}

// spaLoaderSelectors are common SPA loading-indicator markers whose
// disappearance signals the initial render has settled.
var spaLoaderSelectors = []string{
	`.loading`, `.loader`, `.spinner`, `#loading`, `[data-loading]`,
}

var rateLimitBodyPattern = regexp.MustCompile(`(?i)rate.?limit|too many requests|slow down|try again later`)

// Session is one Worker's owned Browser Session.
type Session struct {
	cfg *config.CrawlConfig

	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserCancel context.CancelFunc

	mu              sync.Mutex
	lastNetworkAt   atomic.Int64 // unix nanos of last observed network activity
	inFlightReqs    atomic.Int64
	lastBody        string
}

// New launches a fresh headless Chromium instance for a single Worker,
// mirroring erndmrc-spider2's allocator flags (internal/renderer.go
// NewRenderer) but without the shared browser pool — each Worker gets its
// own Session, kept isolated from every other Worker's browser context.
func New(cfg *config.CrawlConfig) (*Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("window-size", "1920,1080"),
		chromedp.UserAgent(cfg.UserAgent),
	)
	if cfg.ChromiumPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromiumPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		cfg:           cfg,
		allocCtx:      allocCtx,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}

	if err := chromedp.Run(browserCtx, network.Enable()); err != nil {
		s.Close()
		return nil, fmt.Errorf("enable network domain: %w", err)
	}

	chromedp.ListenTarget(browserCtx, s.handleNetworkEvent)

	return s, nil
}

func (s *Session) handleNetworkEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		s.inFlightReqs.Add(1)
		s.lastNetworkAt.Store(time.Now().UnixNano())
	case *network.EventLoadingFinished:
		s.inFlightReqs.Add(-1)
		s.lastNetworkAt.Store(time.Now().UnixNano())
	case *network.EventLoadingFailed:
		s.inFlightReqs.Add(-1)
		s.lastNetworkAt.Store(time.Now().UnixNano())
	case *page.EventJavascriptDialogOpening:
		go chromedp.Run(s.browserCtx, page.HandleJavaScriptDialog(true))
	}
}

// Navigate performs a single navigation, following redirects, and waits
// for the page to settle: document ready plus network-idle (no requests
// for 500ms, capped at 15s), or for SPA crawls additionally waits for a
// loader element to disappear and for a post-load DOM mutation, capped
// at 20s.
func (s *Session) Navigate(ctx context.Context, url string) (NavigateResult, error) {
	start := time.Now()
	timeoutCtx, cancel := context.WithTimeout(s.browserCtx, s.cfg.RenderTimeout)
	defer cancel()

	var statusCode int64
	var finalURL, html string

	listenCtx, stopListen := context.WithCancel(timeoutCtx)
	chromedp.ListenTarget(listenCtx, func(ev interface{}) {
		if e, ok := ev.(*network.EventResponseReceived); ok && e.Type == network.ResourceTypeDocument {
			statusCode = e.Response.Status
		}
	})
	defer stopListen()

	err := chromedp.Run(timeoutCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil || timeoutCtx.Err() != nil {
			return NavigateResult{StatusClass: StatusTimeout, LoadTime: time.Since(start)}, nil
		}
		return NavigateResult{StatusClass: StatusNavError, LoadTime: time.Since(start)}, nil
	}

	if err := s.waitNetworkIdle(timeoutCtx, 500*time.Millisecond, 15*time.Second); err != nil {
		return NavigateResult{StatusClass: StatusTimeout, LoadTime: time.Since(start)}, nil
	}

	if s.cfg.SPA {
		s.waitSPALoaderGone(timeoutCtx)
		s.waitPostLoadMutation(timeoutCtx)
	}

	if err := chromedp.Run(timeoutCtx,
		chromedp.Location(&finalURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			node, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
			return err
		}),
	); err != nil {
		return NavigateResult{StatusClass: StatusNavError, LoadTime: time.Since(start)}, nil
	}

	s.mu.Lock()
	s.lastBody = html
	s.mu.Unlock()

	return NavigateResult{
		StatusClass:  classifyStatus(int(statusCode), html),
		FinalURL:     finalURL,
		RenderedHTML: html,
		LoadTime:     time.Since(start),
	}, nil
}

// classifyStatus maps an HTTP status to a StatusClass, then applies the
// rate-limit body heuristic: an ok_2xx response whose small body matches
// common rate-limit phrasing is reclassified as rate_limited_429.
func classifyStatus(status int, body string) StatusClass {
	switch {
	case status == 429:
		return StatusRateLimited
	case status >= 500:
		return StatusServerError
	case status >= 400:
		return StatusClientError
	case status >= 300:
		return StatusRedirect
	case status >= 200:
		if len(body) < 2048 && rateLimitBodyPattern.MatchString(body) {
			return StatusRateLimited
		}
		return StatusOK
	default:
		// Status 0 commonly indicates chromedp didn't observe a document
		// response event (e.g. about:blank transitions); treat as ok since
		// WaitReady already succeeded.
		return StatusOK
	}
}

// waitNetworkIdle blocks until no in-flight requests have been observed for
// idleGap, or cap elapses.
func (s *Session) waitNetworkIdle(ctx context.Context, idleGap, cap time.Duration) error {
	deadline := time.Now().Add(cap)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if time.Now().After(deadline) {
			return nil // best-effort: proceed rather than fail the whole navigation
		}
		lastAt := time.Unix(0, s.lastNetworkAt.Load())
		if s.inFlightReqs.Load() <= 0 && time.Since(lastAt) >= idleGap {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// waitSPALoaderGone polls for the disappearance of a heuristic loader
// element, bounded by the configured SPA loader timeout.
func (s *Session) waitSPALoaderGone(ctx context.Context) {
	deadline := time.Now().Add(s.cfg.SPALoaderTimeout)
	for time.Now().Before(deadline) {
		var present bool
		selector := strings.Join(spaLoaderSelectors, ",")
		if err := chromedp.Run(ctx, chromedp.Evaluate(
			fmt.Sprintf(`!!document.querySelector(%q)`, selector), &present)); err != nil {
			return
		}
		if !present {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// waitPostLoadMutation waits for at least one DOM mutation after load, by
// installing a MutationObserver and polling a flag it sets, bounded by the
// SPA loader timeout.
func (s *Session) waitPostLoadMutation(ctx context.Context) {
	_ = chromedp.Run(ctx, chromedp.Evaluate(`
		window.__crawlengineMutated = false;
		if (!window.__crawlengineObserver) {
			window.__crawlengineObserver = new MutationObserver(() => { window.__crawlengineMutated = true; });
			window.__crawlengineObserver.observe(document.body, {childList: true, subtree: true, attributes: true});
		}
	`, nil))

	deadline := time.Now().Add(s.cfg.SPALoaderTimeout)
	for time.Now().Before(deadline) {
		var mutated bool
		if err := chromedp.Run(ctx, chromedp.Evaluate(`window.__crawlengineMutated === true`, &mutated)); err != nil {
			return
		}
		if mutated {
			return
		}
		time.Sleep(300 * time.Millisecond)
	}
}

// EnumerateClickables returns up to 20 candidate navigation affordances,
// matching clickableSelectors.
func (s *Session) EnumerateClickables(ctx context.Context) ([]ClickableHandle, error) {
	const limit = 20
	var raw []struct {
		XPath string `json:"xpath"`
		Text  string `json:"text"`
	}

	script := fmt.Sprintf(`(function() {
		const selectors = %s;
		const seen = new Set();
		const results = [];
		function xpathFor(el) {
			if (el.id) return '//*[@id="' + el.id + '"]';
			const parts = [];
			while (el && el.nodeType === 1) {
				let idx = 1, sib = el.previousElementSibling;
				while (sib) { if (sib.nodeName === el.nodeName) idx++; sib = sib.previousElementSibling; }
				parts.unshift(el.nodeName.toLowerCase() + '[' + idx + ']');
				el = el.parentElement;
			}
			return '/' + parts.join('/');
		}
		for (const sel of selectors) {
			for (const el of document.querySelectorAll(sel)) {
				if (results.length >= %d) break;
				const xp = xpathFor(el);
				if (seen.has(xp)) continue;
				seen.add(xp);
				results.push({xpath: xp, text: (el.textContent || '').trim().slice(0, 80)});
			}
		}
		return results;
	})()`, toJSArray(clickableSelectors), limit)

	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &raw)); err != nil {
		return nil, fmt.Errorf("enumerate clickables: %w", err)
	}

	handles := make([]ClickableHandle, 0, len(raw))
	for _, r := range raw {
		handles = append(handles, ClickableHandle{XPath: r.XPath, Text: r.Text})
	}
	return handles, nil
}

func toJSArray(items []string) string {
	quoted := make([]string, len(items))
	for i, it := range items {
		quoted[i] = fmt.Sprintf("%q", it)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

// Activate performs a user-style activation of handle, waits for
// network+DOM quiescence, and reports whether the location URL changed
// or the body content hash changed.
func (s *Session) Activate(ctx context.Context, handle ClickableHandle) (ActivateResult, error) {
	var beforeURL, beforeHTML string
	if err := chromedp.Run(ctx,
		chromedp.Location(&beforeURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			node, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			beforeHTML, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
			return err
		}),
	); err != nil {
		return ActivateResult{}, fmt.Errorf("capture pre-activation state: %w", err)
	}
	beforeHash := ContentHash(beforeHTML)

	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := chromedp.Run(timeoutCtx, chromedp.Click(handle.XPath, chromedp.BySearch))
	if err != nil {
		return ActivateResult{}, fmt.Errorf("activate %s: %w", handle.XPath, err)
	}

	_ = s.waitNetworkIdle(timeoutCtx, 500*time.Millisecond, 10*time.Second)
	waitDOMQuiescence(timeoutCtx, 300*time.Millisecond, 10*time.Second)

	var afterURL, afterHTML string
	if err := chromedp.Run(timeoutCtx,
		chromedp.Location(&afterURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			node, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			afterHTML, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
			return err
		}),
	); err != nil {
		return ActivateResult{}, fmt.Errorf("capture post-activation state: %w", err)
	}

	result := ActivateResult{}
	if afterURL != beforeURL {
		result.NewURL = afterURL
	}
	result.ContentHashChanged = ContentHash(afterHTML) != beforeHash

	return result, nil
}

// waitDOMQuiescence polls the length of document.body.innerHTML until it
// has been unchanged for quietFor, bounded by cap.
func waitDOMQuiescence(ctx context.Context, quietFor, cap time.Duration) {
	deadline := time.Now().Add(cap)
	last := int64(-1)
	stableSince := time.Now()

	for time.Now().Before(deadline) {
		var current int64
		if err := chromedp.Run(ctx, chromedp.Evaluate(`document.body.innerHTML.length`, &current)); err != nil {
			return
		}
		if current != last {
			last = current
			stableSince = time.Now()
		}
		if time.Since(stableSince) >= quietFor {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// ContentHash computes a blake3 digest of HTML body content, used to
// detect SPA navigations that don't change the URL. blake3 is chosen for
// consistency with the fingerprinting library used elsewhere in this
// module (internal/config.Fingerprint), rather than mixing hash families.
func ContentHash(html string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(html))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Slug converts clickable text (or a fallback index) into a URL-safe
// fragment for synthesizing SPA section URLs: base_url + "#section-" + slug.
func Slug(text string, fallbackIndex int) string {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return fmt.Sprintf("item-%d", fallbackIndex)
	}
	var b strings.Builder
	lastWasDash := false
	for _, r := range text {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastWasDash = false
		default:
			if !lastWasDash {
				b.WriteByte('-')
				lastWasDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return fmt.Sprintf("item-%d", fallbackIndex)
	}
	if len(slug) > 40 {
		slug = slug[:40]
	}
	return slug
}

// Close releases the session's Chromium instance.
func (s *Session) Close() error {
	if s.browserCancel != nil {
		s.browserCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
	return nil
}

