// Package worker implements the Worker: a task that owns one Browser
// Session, pulls URLs from the Frontier, fetches and renders them,
// extracts links (including SPA-synthetic routes), emits page results,
// reports outcomes to the Rate Controller, and retires its session within
// a restart budget. The main loop shape — claim, process, requeue or
// retire, sleep, repeat — is grounded on erndmrc-spider2's Scheduler.worker
// (internal/scheduler/scheduler.go), generalized from its
// single combined visited/queue map onto the three-set Frontier and from
// its hand-rolled HostRateLimiter onto the Rate Controller's published
// (target_workers, current_delay) pair.
package worker

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/erndmrc/crawlengine/internal/browser"
	"github.com/erndmrc/crawlengine/internal/config"
	"github.com/erndmrc/crawlengine/internal/contentfilter"
	"github.com/erndmrc/crawlengine/internal/corefail"
	"github.com/erndmrc/crawlengine/internal/frontier"
	"github.com/erndmrc/crawlengine/internal/keyword"
	"github.com/erndmrc/crawlengine/internal/linkextract"
	"github.com/erndmrc/crawlengine/internal/mdconvert"
	"github.com/erndmrc/crawlengine/internal/ratectl"
	"github.com/erndmrc/crawlengine/internal/sink"
	"github.com/erndmrc/crawlengine/internal/urlcanon"
)

// Session is the subset of browser.Session a Worker depends on. Defined
// here so tests can substitute a fake implementation without driving real
// Chromium, the way erndmrc-spider2's WorkerFunc seam decouples the
// scheduler from a concrete fetch implementation.
type Session interface {
	Navigate(ctx context.Context, url string) (browser.NavigateResult, error)
	EnumerateClickables(ctx context.Context) ([]browser.ClickableHandle, error)
	Activate(ctx context.Context, handle browser.ClickableHandle) (browser.ActivateResult, error)
	Close() error
}

// SessionFactory builds a fresh Session, used to replace one that has
// faulted past its retry budget on a single URL.
type SessionFactory func() (Session, error)

// consecutiveNavErrorsForRestart is the number of back-to-back claims
// ending in navigation_error (each after its one in-session retry) at
// which a Worker treats its Session as faulted and discards it.
const consecutiveNavErrorsForRestart = 2

// maxClickablesPerPage bounds SPA exploration cost per page.
const maxClickablesPerPage = 20

// Worker owns one Browser Session and drains the Frontier until it is
// empty, the max_pages budget is reached, it is cancelled, or its restart
// budget is exhausted.
type Worker struct {
	id      int
	cfg     *config.CrawlConfig
	store   *frontier.Store
	policy  urlcanon.Policy
	canon   *urlcanon.Canonicalizer
	rateCtl *ratectl.Controller
	result  sink.ResultSink
	matcher *keyword.Matcher
	logger  *zap.Logger

	session        Session
	sessionFactory SessionFactory

	restarts           int
	consecutiveNavErrs int

	// heartbeat is signalled after every claimed URL, letting the Worker
	// Pool Manager detect a hung worker.
	heartbeat func()
}

// New builds a Worker. matcher may be nil in markdown mode.
func New(
	id int,
	cfg *config.CrawlConfig,
	store *frontier.Store,
	policy urlcanon.Policy,
	rateCtl *ratectl.Controller,
	result sink.ResultSink,
	matcher *keyword.Matcher,
	sessionFactory SessionFactory,
	logger *zap.Logger,
	heartbeat func(),
) (*Worker, error) {
	session, err := sessionFactory()
	if err != nil {
		return nil, fmt.Errorf("worker %d: create session: %w", id, err)
	}
	if heartbeat == nil {
		heartbeat = func() {}
	}
	return &Worker{
		id:             id,
		cfg:            cfg,
		store:          store,
		policy:         policy,
		canon:          urlcanon.New(cfg),
		rateCtl:        rateCtl,
		result:         result,
		matcher:        matcher,
		sessionFactory: sessionFactory,
		session:        session,
		logger:         logger,
		heartbeat:      heartbeat,
	}, nil
}

// Run drains the Frontier until it and the in-flight set are both empty,
// the max_pages budget is reached, ctx is cancelled, or the restart budget
// is exhausted. The return value
// tells the Worker Pool Manager whether a replacement should be spawned:
// nil means a clean drain (no replacement needed), non-nil means the
// Worker retired early and the Manager should consider replacing it.
func (w *Worker) Run(ctx context.Context) error {
	defer w.session.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if w.cfg.MaxPages > 0 && w.store.Stats().Visited >= w.cfg.MaxPages {
			return nil // max_pages budget reached
		}

		entry, ok := w.store.Claim()
		if !ok {
			stats := w.store.Stats()
			if stats.InFlight == 0 {
				return nil // frontier drained, nobody else holds work either
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		w.heartbeat()
		outcome, retireErr := w.process(ctx, entry)
		w.store.Complete(entry.URL, outcome)

		if retireErr != nil {
			w.logger.Warn("worker retiring after exhausted restart budget",
				zap.Int("worker_id", w.id), zap.Error(retireErr))
			return retireErr
		}

		delay := w.rateCtl.CurrentDelay()
		if w.cfg.DisableAdaptive {
			delay = w.cfg.InitialDelay
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// process runs one claim through navigate -> classify -> extract ->
// emit. It returns the frontier outcome for Complete, and a non-nil error
// only when the Session's restart budget has been exhausted and the
// Worker must retire.
func (w *Worker) process(ctx context.Context, entry frontier.Entry) (frontier.Outcome, error) {
	navResult, elapsed, err := w.navigate(ctx, entry.URL)
	if err != nil {
		return w.handleSessionFault(entry)
	}

	if navResult.StatusClass == browser.StatusNavError {
		// Retry the same URL once, in-session, before treating it as a
		// failed claim: a single navigation_error is often transient
		// (a slow response, a dropped request) and shouldn't by itself
		// count against the Session's restart budget.
		retried, retryElapsed, err := w.navigate(ctx, entry.URL)
		if err != nil {
			return w.handleSessionFault(entry)
		}
		navResult, elapsed = retried, elapsed+retryElapsed
	}

	if navResult.StatusClass == browser.StatusNavError {
		w.consecutiveNavErrs++
		if w.consecutiveNavErrs >= consecutiveNavErrorsForRestart {
			return w.handleSessionFault(entry)
		}
	} else {
		w.consecutiveNavErrs = 0
	}

	rateOutcome, frontierOutcome := classify(navResult.StatusClass)
	w.rateCtl.Record(rateOutcome, elapsed)

	if frontierOutcome != frontier.OutcomeSuccess {
		return frontierOutcome, nil
	}

	if err := w.checkPostFetchAdmission(navResult.FinalURL); err != nil {
		w.logger.Debug("admission revoked after redirect",
			zap.String("url", navResult.FinalURL), zap.Error(err))
		return frontier.OutcomeTerminalFailure, nil
	}

	w.extractAndEnqueue(ctx, navResult)
	if err := w.emitResult(navResult); err != nil {
		w.logger.Warn("emit result failed", zap.String("url", navResult.FinalURL), zap.Error(err))
	}

	return frontierOutcome, nil
}

// navigate calls the Session and times the round trip.
func (w *Worker) navigate(ctx context.Context, url string) (browser.NavigateResult, time.Duration, error) {
	start := time.Now()
	navResult, err := w.session.Navigate(ctx, url)
	return navResult, time.Since(start), err
}

// handleSessionFault discards the current Session and creates a new one,
// counting against the restart budget. Once exhausted, the Worker must
// exit so the Manager replaces it.
func (w *Worker) handleSessionFault(entry frontier.Entry) (frontier.Outcome, error) {
	w.session.Close()
	w.consecutiveNavErrs = 0
	w.restarts++

	if w.restarts > w.cfg.MaxRestarts {
		return frontier.OutcomeRetryableFailure, corefail.Fatal(
			fmt.Sprintf("worker %d: restart budget exhausted", w.id), nil)
	}

	session, err := w.sessionFactory()
	if err != nil {
		return frontier.OutcomeRetryableFailure, corefail.Fatal(
			fmt.Sprintf("worker %d: failed to recreate session", w.id), err)
	}
	w.session = session
	return frontier.OutcomeRetryableFailure, nil
}

// classify maps a navigation status to the Rate Controller outcome and
// the Frontier state-machine transition: RetryableFailed covers
// timeouts, 5xx, navigation errors, and rate_limited_429 (429 is
// explicitly retryable); TerminalFailed covers the rest of 4xx.
func classify(sc browser.StatusClass) (ratectl.Outcome, frontier.Outcome) {
	switch sc {
	case browser.StatusOK, browser.StatusRedirect:
		return ratectl.Success, frontier.OutcomeSuccess
	case browser.StatusRateLimited:
		return ratectl.RateLimited, frontier.OutcomeRetryableFailure
	case browser.StatusServerError:
		return ratectl.ServerError, frontier.OutcomeRetryableFailure
	case browser.StatusTimeout:
		return ratectl.Timeout, frontier.OutcomeRetryableFailure
	case browser.StatusNavError:
		return ratectl.OtherFailure, frontier.OutcomeRetryableFailure
	case browser.StatusClientError:
		return ratectl.OtherFailure, frontier.OutcomeTerminalFailure
	default:
		return ratectl.OtherFailure, frontier.OutcomeTerminalFailure
	}
}

// extractAndEnqueue runs the four link-discovery paths: the
// primary+fallback href walk, SPA clickable exploration, and
// inline-script router-path scanning.
func (w *Worker) extractAndEnqueue(ctx context.Context, nav browser.NavigateResult) {
	rawLinks := linkextract.Extract(nav.RenderedHTML)
	for _, resolved := range linkextract.ResolveAll(nav.FinalURL, rawLinks) {
		w.tryEnqueue(resolved, nav.FinalURL)
	}

	for _, path := range linkextract.ExtractRouterPaths(nav.RenderedHTML) {
		if resolved := resolveAgainst(nav.FinalURL, path); resolved != "" {
			w.tryEnqueue(resolved, nav.FinalURL)
		}
	}

	if w.cfg.SPA {
		w.exploreClickables(ctx, nav.FinalURL)
	}
}

// exploreClickables performs bounded-depth SPA exploration: for each
// candidate, activate it and either enqueue the new URL it navigated to,
// or synthesize a section URL from the content-hash change.
func (w *Worker) exploreClickables(ctx context.Context, originURL string) {
	handles, err := w.session.EnumerateClickables(ctx)
	if err != nil {
		w.logger.Debug("enumerate clickables failed", zap.Error(err))
		return
	}

	for i, handle := range handles {
		if i >= maxClickablesPerPage {
			break
		}

		activation, err := w.session.Activate(ctx, handle)
		if err != nil {
			w.logger.Debug("activate clickable failed", zap.String("xpath", handle.XPath), zap.Error(err))
			continue
		}

		switch {
		case activation.NewURL != "":
			w.tryEnqueue(activation.NewURL, originURL)
			if _, err := w.session.Navigate(ctx, originURL); err != nil {
				w.logger.Debug("restore navigation failed", zap.Error(err))
			}

		case activation.ContentHashChanged:
			// The section fragment is appended after canonicalization,
			// which would otherwise strip it.
			base, err := w.canon.Canonicalize(originURL, originURL)
			if err != nil {
				continue
			}
			slug := browser.Slug(handle.Text, i)
			w.store.TryEnqueue(base + "#section-" + slug)
		}
	}
}

// checkPostFetchAdmission re-applies the Admission Filter to a page's
// final URL once navigation (and any redirects) has settled. A redirect
// can carry a page out of scope even though the originally-claimed URL
// was admitted when it was enqueued, so the claim alone isn't sufficient
// grounds to treat the page as in-scope.
func (w *Worker) checkPostFetchAdmission(finalURL string) error {
	canonical, err := w.canon.Canonicalize(finalURL, finalURL)
	if err != nil {
		return err
	}
	return urlcanon.Admit(canonical, w.policy)
}

// tryEnqueue canonicalizes raw against base, admits it under the policy,
// and offers it to the Frontier.
func (w *Worker) tryEnqueue(raw, base string) {
	canonical, err := w.canon.Canonicalize(raw, base)
	if err != nil {
		return
	}
	if err := urlcanon.Admit(canonical, w.policy); err != nil {
		return
	}
	w.store.TryEnqueue(canonical)
}

func resolveAgainst(base, ref string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return ""
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return baseURL.ResolveReference(refURL).String()
}

// emitResult filters the rendered page and produces exactly one
// PageResult kind: KeywordHits in keyword mode, a MarkdownDoc in
// markdown mode.
func (w *Worker) emitResult(nav browser.NavigateResult) error {
	if w.cfg.Mode == config.ModeKeyword {
		text, err := contentfilter.Filter(nav.RenderedHTML, w.cfg.ContentFilterSelectors)
		if err != nil {
			return fmt.Errorf("filter content: %w", err)
		}
		for _, hit := range w.matcher.Match(nav.FinalURL, text) {
			if err := w.result.EmitKeywordHit(hit); err != nil {
				return err
			}
		}
		return nil
	}

	doc, err := mdconvert.Convert(nav.FinalURL, nav.RenderedHTML, w.cfg.ContentFilterSelectors)
	if err != nil {
		return fmt.Errorf("convert to markdown: %w", err)
	}
	return w.result.EmitMarkdownDoc(doc)
}
