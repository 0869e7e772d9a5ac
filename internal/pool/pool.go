// Package pool implements the Worker Pool Manager: it keeps the live
// worker count matched to the Rate Controller's published target,
// supervises crashes, and drives the run's termination conditions. The
// goroutine-per-worker-plus-WaitGroup shape is grounded on
// erndmrc-spider2's Scheduler (internal/scheduler/scheduler.go Start/
// worker/Stop/Wait), generalized from its fixed worker count onto
// dynamic resizing, cooperative drain, and crash replacement, none of
// which the original scheduler does.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/erndmrc/crawlengine/internal/browser"
	"github.com/erndmrc/crawlengine/internal/config"
	"github.com/erndmrc/crawlengine/internal/frontier"
	"github.com/erndmrc/crawlengine/internal/keyword"
	"github.com/erndmrc/crawlengine/internal/ratectl"
	"github.com/erndmrc/crawlengine/internal/sink"
	"github.com/erndmrc/crawlengine/internal/urlcanon"
	"github.com/erndmrc/crawlengine/internal/worker"
)

// reconcileInterval is how often the Manager checks target worker count,
// heartbeats, and termination conditions.
const reconcileInterval = 500 * time.Millisecond

// heartbeatStaleAfter is how long a worker may go without a heartbeat
// before it is considered hung and a replacement is spawned alongside it.
const heartbeatStaleAfter = 2 * time.Minute

// defaultShutdownGrace is the default grace period Shutdown waits for
// workers to finish before returning.
const defaultShutdownGrace = 30 * time.Second

type workerHandle struct {
	cancel        context.CancelFunc
	lastHeartbeat atomic.Int64
	expectedExit  bool
}

// Manager is the Worker Pool Manager.
type Manager struct {
	cfg            *config.CrawlConfig
	store          *frontier.Store
	policy         urlcanon.Policy
	rateCtl        *ratectl.Controller
	result         sink.ResultSink
	matcher        *keyword.Matcher
	logger         *zap.Logger
	sessionFactory worker.SessionFactory

	mu      sync.Mutex
	workers map[int]*workerHandle
	nextID  int
	wg      sync.WaitGroup

	shuttingDown bool
}

// New builds a Manager whose workers each own a real Browser Session.
// matcher may be nil in markdown mode.
func New(
	cfg *config.CrawlConfig,
	store *frontier.Store,
	policy urlcanon.Policy,
	rateCtl *ratectl.Controller,
	result sink.ResultSink,
	matcher *keyword.Matcher,
	logger *zap.Logger,
) *Manager {
	return NewWithSessionFactory(cfg, store, policy, rateCtl, result, matcher, logger,
		func() (worker.Session, error) { return browser.New(cfg) })
}

// NewWithSessionFactory builds a Manager using sessionFactory to create
// each worker's Session, letting tests substitute a fake implementation
// without driving real Chromium — the same seam the worker package itself
// exposes for its own tests.
func NewWithSessionFactory(
	cfg *config.CrawlConfig,
	store *frontier.Store,
	policy urlcanon.Policy,
	rateCtl *ratectl.Controller,
	result sink.ResultSink,
	matcher *keyword.Matcher,
	logger *zap.Logger,
	sessionFactory worker.SessionFactory,
) *Manager {
	return &Manager{
		cfg:            cfg,
		store:          store,
		policy:         policy,
		rateCtl:        rateCtl,
		result:         result,
		matcher:        matcher,
		logger:         logger,
		sessionFactory: sessionFactory,
		workers:        make(map[int]*workerHandle),
	}
}

// Run spawns the initial worker set and drives reconciliation until the
// Frontier drains naturally, the max_pages budget is reached, or ctx is
// cancelled. It always performs a final checkpoint-triggering return,
// leaving the caller (the Manager's owner) to persist the checkpoint.
func (m *Manager) Run(ctx context.Context) {
	runCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	for i := 0; i < m.cfg.InitialWorkers; i++ {
		m.spawnWorker(runCtx)
	}

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Shutdown(defaultShutdownGrace)
			return

		case <-drained:
			return // every worker exited on its own: frontier drained or max_pages reached

		case <-ticker.C:
			m.rateCtl.EvaluateIfStale()
			m.reconcile(runCtx)
			m.checkStaleHeartbeats(runCtx)

			if m.cfg.MaxPages > 0 && m.store.Stats().Visited >= m.cfg.MaxPages {
				m.logger.Info("max_pages budget reached, shutting down")
				m.Shutdown(defaultShutdownGrace)
				return
			}
		}
	}
}

// reconcile adjusts the live worker count to match the Rate Controller's
// published target: spawns on increase, cooperatively signals surplus
// workers to drain on decrease.
func (m *Manager) reconcile(ctx context.Context) {
	target := m.rateCtl.TargetWorkers()
	if m.cfg.DisableAdaptive {
		target = m.cfg.InitialWorkers
	}

	m.mu.Lock()
	live := len(m.workers)
	var surplus []*workerHandle
	if live > target {
		n := live - target
		for _, h := range m.workers {
			if n == 0 {
				break
			}
			if h.expectedExit {
				continue
			}
			h.expectedExit = true
			surplus = append(surplus, h)
			n--
		}
	}
	m.mu.Unlock()

	for _, h := range surplus {
		h.cancel() // cooperative: worker finishes its current URL, then exits
	}

	for live+len(surplus) < target { // net of what's already draining won't re-spawn immediately
		if live >= target {
			break
		}
		m.spawnWorker(ctx)
		live++
	}
}

// checkStaleHeartbeats spawns a replacement alongside any worker that has
// not reported progress recently, on the assumption it is hung. The
// original goroutine is left to exit on its own if it recovers; Go
// provides no mechanism to forcibly terminate it, the same compromise
// Shutdown makes at the grace-period boundary.
func (m *Manager) checkStaleHeartbeats(ctx context.Context) {
	now := time.Now().UnixNano()

	m.mu.Lock()
	var stale []int
	for id, h := range m.workers {
		if h.expectedExit {
			continue
		}
		if time.Duration(now-h.lastHeartbeat.Load()) > heartbeatStaleAfter {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.logger.Warn("worker heartbeat stale, spawning replacement", zap.Int("worker_id", id))
		m.spawnWorker(ctx)
	}
}

// spawnWorker launches a new worker goroutine owning its own Browser
// Session, derived from ctx so it can be cancelled individually for
// cooperative drain without affecting its siblings.
func (m *Manager) spawnWorker(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	handle := &workerHandle{cancel: cancel}
	handle.lastHeartbeat.Store(time.Now().UnixNano())
	m.workers[id] = handle
	m.mu.Unlock()

	w, err := worker.New(id, m.cfg, m.store, m.policy, m.rateCtl, m.result, m.matcher,
		m.sessionFactory, m.logger, func() { handle.lastHeartbeat.Store(time.Now().UnixNano()) })
	if err != nil {
		m.logger.Error("failed to start worker", zap.Int("worker_id", id), zap.Error(err))
		m.mu.Lock()
		delete(m.workers, id)
		m.mu.Unlock()
		cancel()
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		runErr := w.Run(workerCtx)
		m.onWorkerDone(id, runErr, ctx)
	}()
}

// onWorkerDone removes the worker's bookkeeping and, if it exited
// unexpectedly (a non-nil retire error, not a cooperative-drain signal)
// while the target worker count has not decreased, spawns a replacement.
func (m *Manager) onWorkerDone(id int, runErr error, parentCtx context.Context) {
	m.mu.Lock()
	handle, ok := m.workers[id]
	expected := ok && handle.expectedExit
	shuttingDown := m.shuttingDown
	delete(m.workers, id)
	m.mu.Unlock()

	if runErr == nil || expected || shuttingDown {
		return
	}

	m.logger.Warn("worker exited unexpectedly, replacing", zap.Int("worker_id", id), zap.Error(runErr))

	m.mu.Lock()
	live := len(m.workers)
	target := m.rateCtl.TargetWorkers()
	m.mu.Unlock()

	if live < target {
		m.spawnWorker(parentCtx)
	}
}

// Shutdown signals every live worker, waits up to grace for a clean
// finish, then returns regardless — Go has no mechanism to force-kill a
// goroutine, so any stragglers are left to exit on their own.
func (m *Manager) Shutdown(grace time.Duration) {
	m.mu.Lock()
	m.shuttingDown = true
	for _, h := range m.workers {
		h.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		m.logger.Warn("shutdown grace period elapsed with workers still running")
	}
}

// LiveWorkers returns the current live worker count, for status reporting.
func (m *Manager) LiveWorkers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}
