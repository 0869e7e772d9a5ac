// Package crawlengine wires the Frontier, Rate Controller, Worker Pool
// Manager, Checkpoint Manager, and Result Sink together into a single
// runnable crawl. The top-level Run/Stop orchestration shape is grounded
// on erndmrc-spider2's Scheduler (internal/scheduler/
// scheduler.go), generalized from its fixed single-pass run onto the
// resumable, checkpointed run this engine supports.
package crawlengine

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/erndmrc/crawlengine/internal/checkpoint"
	"github.com/erndmrc/crawlengine/internal/config"
	"github.com/erndmrc/crawlengine/internal/frontier"
	"github.com/erndmrc/crawlengine/internal/keyword"
	"github.com/erndmrc/crawlengine/internal/pool"
	"github.com/erndmrc/crawlengine/internal/ratectl"
	"github.com/erndmrc/crawlengine/internal/sink"
	"github.com/erndmrc/crawlengine/internal/urlcanon"
	"github.com/erndmrc/crawlengine/internal/worker"
)

// checkpointPollInterval is how often the Manager asks the Checkpoint
// Manager whether a save is due, independent of the pool's own
// reconcile tick.
const checkpointPollInterval = time.Second

// Summary reports the end-of-run state, logged by the caller however it
// likes (CLI text, JSON, etc).
type Summary struct {
	PagesVisited       int
	FinalTargetWorkers int
	FinalDelay         time.Duration
	Checkpointed       bool
}

// Manager is the top-level coordinator: it owns every collaborator for a
// single crawl run.
type Manager struct {
	cfg    *config.CrawlConfig
	logger *zap.Logger

	store      *frontier.Store
	policy     urlcanon.Policy
	rateCtl    *ratectl.Controller
	resultSink sink.ResultSink
	matcher    *keyword.Matcher
	poolMgr    *pool.Manager
	ckptMgr    *checkpoint.Manager

	pagesAtStart uint64
}

// New builds a Manager from cfg, constructing every collaborator: the
// Admission Policy, Frontier Store, Rate Controller, Result Sink, and
// Worker Pool Manager. If cfg.Resume is set and a checkpoint exists at
// cfg.CheckpointPath, the Frontier/Visited state and Rate Controller
// state are restored from it before the first worker is spawned.
func New(cfg *config.CrawlConfig, logger *zap.Logger) (*Manager, error) {
	return newWithSessionFactory(cfg, logger, nil)
}

// newWithSessionFactory is New's test seam: passing a non-nil
// sessionFactory builds the Worker Pool Manager with it instead of a real
// Browser Session factory, the same seam internal/pool itself exposes.
func newWithSessionFactory(cfg *config.CrawlConfig, logger *zap.Logger, sessionFactory worker.SessionFactory) (*Manager, error) {
	policy, err := urlcanon.PolicyFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build admission policy: %w", err)
	}

	store := frontier.New(policy, uint32(cfg.MaxAttempts))
	rateCtl := ratectl.New(cfg)

	resultSink, err := buildSink(cfg)
	if err != nil {
		return nil, fmt.Errorf("build result sink: %w", err)
	}

	var matcher *keyword.Matcher
	if cfg.Mode == config.ModeKeyword {
		matcher = keyword.New(cfg.Keywords)
	}

	ckptMgr := checkpoint.New(cfg.CheckpointPath, cfg.CheckpointInterval, logger)

	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		policy:     policy,
		rateCtl:    rateCtl,
		resultSink: resultSink,
		matcher:    matcher,
		ckptMgr:    ckptMgr,
	}

	if cfg.Resume {
		if err := m.resume(); err != nil {
			return nil, fmt.Errorf("resume from checkpoint: %w", err)
		}
	} else {
		canon := urlcanon.New(cfg)
		seed, err := canon.Canonicalize(cfg.SeedURL, "")
		if err != nil {
			return nil, fmt.Errorf("canonicalize seed url: %w", err)
		}
		if err := urlcanon.Admit(seed, policy); err != nil {
			return nil, fmt.Errorf("seed url rejected by admission policy: %w", err)
		}
		store.TryEnqueue(seed)
	}

	if sessionFactory != nil {
		m.poolMgr = pool.NewWithSessionFactory(cfg, store, policy, rateCtl, resultSink, matcher, logger, sessionFactory)
	} else {
		m.poolMgr = pool.New(cfg, store, policy, rateCtl, resultSink, matcher, logger)
	}
	return m, nil
}

// buildSink constructs the Result Sink the crawl run emits to, wrapped
// in the dedup guarantee every mode shares.
func buildSink(cfg *config.CrawlConfig) (sink.ResultSink, error) {
	fsSink, err := sink.NewFilesystemSink(cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	return sink.NewDeduping(fsSink), nil
}

// resume loads the checkpoint at cfg.CheckpointPath, warns (not errors)
// on a config fingerprint mismatch, and restores Frontier/Visited and
// Rate Controller state from it.
func (m *Manager) resume() error {
	ckpt, err := checkpoint.LoadAndValidate(m.cfg.CheckpointPath, m.cfg.Fingerprint(), m.logger)
	if err != nil {
		return err
	}
	m.store.Restore(ckpt.FrontierSnapshot())
	m.rateCtl.Restore(ckpt.Controller)
	m.pagesAtStart = ckpt.PagesVisited
	m.logger.Info("resumed from checkpoint",
		zap.Time("checkpoint_time", ckpt.CheckpointTime),
		zap.Uint64("pages_visited", ckpt.PagesVisited))
	return nil
}

// Run drives the crawl to completion: it runs the Worker Pool Manager
// and a periodic checkpoint tick concurrently, stopping on whichever
// termination condition the Pool Manager reaches (Frontier drained,
// max_pages budget, or ctx cancellation/OS signal), then performs a
// final checkpoint before returning.
func (m *Manager) Run(ctx context.Context) (Summary, error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	checkpointDone := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.tickCheckpoints(ctx, checkpointDone)
	}()

	m.poolMgr.Run(ctx)
	close(checkpointDone)
	wg.Wait()

	// ctx is the signal.NotifyContext-derived context, so its Err is set
	// the moment an OS signal arrived (or the caller cancelled it) — that
	// distinguishes a termination that cut workers off mid-flight from a
	// clean Frontier drain or max_pages stop, both of which leave ctx
	// uncancelled.
	signalDriven := ctx.Err() != nil
	checkpointed := m.finalCheckpoint(signalDriven)

	stats := m.store.Stats()
	return Summary{
		PagesVisited:       stats.Visited,
		FinalTargetWorkers: m.rateCtl.TargetWorkers(),
		FinalDelay:         m.rateCtl.CurrentDelay(),
		Checkpointed:       checkpointed,
	}, nil
}

// tickCheckpoints periodically asks the Checkpoint Manager whether a
// save is due and, if so, performs one. It exits when ctx is cancelled
// or the crawl's own run loop signals completion via done.
func (m *Manager) tickCheckpoints(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(checkpointPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			pagesVisited := m.pagesAtStart + uint64(m.store.Stats().Visited)
			if !m.ckptMgr.Due(time.Now(), pagesVisited) {
				continue
			}
			if err := m.ckptMgr.Save(m.store, m.rateCtl, pagesVisited, m.cfg.Fingerprint()); err != nil {
				m.logger.Error("periodic checkpoint save failed", zap.Error(err))
			}
		}
	}
}

// finalCheckpoint performs the mandatory end-of-run checkpoint that every
// termination path (drain, budget, signal) triggers. When the run was cut
// short by a signal while URLs were still in-flight, those claims may
// never reach Complete, so it writes the fast-path emergency checkpoint
// instead of the ordinary atomic one. Otherwise it saves normally, falling
// back to an emergency save only if that save itself fails. It reports
// whether a checkpoint was written; a failure is logged, not propagated,
// per the Checkpoint Manager's best-effort contract.
func (m *Manager) finalCheckpoint(signalDriven bool) bool {
	stats := m.store.Stats()
	pagesVisited := m.pagesAtStart + uint64(stats.Visited)

	if signalDriven && stats.InFlight > 0 {
		m.logger.Warn("terminating with URLs still in-flight, writing emergency checkpoint",
			zap.Int("in_flight", stats.InFlight))
		if err := m.ckptMgr.EmergencySave(m.store, m.rateCtl, pagesVisited, m.cfg.Fingerprint()); err != nil {
			m.logger.Error("emergency checkpoint save failed", zap.Error(err))
			return false
		}
		return true
	}

	if err := m.ckptMgr.Save(m.store, m.rateCtl, pagesVisited, m.cfg.Fingerprint()); err != nil {
		m.logger.Error("final checkpoint save failed, attempting emergency save", zap.Error(err))
		if emErr := m.ckptMgr.EmergencySave(m.store, m.rateCtl, pagesVisited, m.cfg.Fingerprint()); emErr != nil {
			m.logger.Error("emergency checkpoint save also failed", zap.Error(emErr))
			return false
		}
	}
	return true
}

// Close releases the Result Sink's resources. Callers invoke this after
// Run returns.
func (m *Manager) Close() error {
	return m.resultSink.Close()
}
