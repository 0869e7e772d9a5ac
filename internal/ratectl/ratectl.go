// Package ratectl implements the closed-loop Rate Controller: a sliding
// window of outcomes drives a Backoff/Relax/Hold decision that republishes
// (target_workers, current_delay) for the Manager and Workers to read.
//
// The state machine is grounded on erndmrc-spider2's BackpressureController
// (erndmrc-spider2/internal/perf/backpressure.go), which evaluates error
// rate and pending-request pressure on a ticker to raise/lower a rate and
// fire slowDown/speedUp signals; this controller keeps that evaluate-on-
// signal shape but replaces the open-loop error-rate threshold with the
// exact outcome-window rules the engine requires. A
// golang.org/x/time/rate.Limiter, replacing erndmrc-spider2's hand-rolled
// TokenBucket (erndmrc-spider2/internal/scheduler/rate_limiter.go), is
// retuned to track current_delay and exposed through Limiter(); Workers
// pace themselves by sleeping CurrentDelay().
package ratectl

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/erndmrc/crawlengine/internal/config"
)

// Outcome classifies a single Worker fetch result for the window.
type Outcome int

const (
	Success Outcome = iota
	RateLimited
	ServerError
	Timeout
	OtherFailure
)

// Decision names which action the last evaluation took.
type Decision int

const (
	Hold Decision = iota
	Backoff
	Relax
)

func (d Decision) String() string {
	switch d {
	case Backoff:
		return "backoff"
	case Relax:
		return "relax"
	default:
		return "hold"
	}
}

type sample struct {
	outcome Outcome
	at      time.Time
}

// Controller is the Rate Controller. All fields are guarded by mu; callers
// read the published pair through TargetWorkers()/CurrentDelay(), which
// take mu, rather than touching fields directly. The limiter's rate is
// retuned to track currentDelay.
type Controller struct {
	mu sync.Mutex

	window     []sample
	windowSize int

	minWorkers, maxWorkers, targetWorkers int
	minDelay, maxDelay, currentDelay      time.Duration
	aggressive                            bool

	relaxStreak    int
	lastDecisionAt time.Time
	lastDecision   Decision

	limiter *rate.Limiter
}

// New builds a Controller from the crawl configuration's rate tunables.
func New(cfg *config.CrawlConfig) *Controller {
	c := &Controller{
		windowSize:     cfg.WindowSize,
		minWorkers:     cfg.MinWorkers,
		maxWorkers:     cfg.MaxWorkers,
		targetWorkers:  cfg.InitialWorkers,
		minDelay:       cfg.MinDelay,
		maxDelay:       cfg.MaxDelay,
		currentDelay:   cfg.InitialDelay,
		aggressive:     cfg.Aggressive,
		lastDecisionAt: time.Time{},
	}
	c.limiter = rate.NewLimiter(delayToLimit(c.currentDelay), 1)
	return c
}

// delayToLimit converts a per-request delay into an x/time/rate Limit
// (events per second).
func delayToLimit(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

// Record appends an Outcome to the sliding window and evaluates the
// decision table immediately — the append-driven half of "evaluated every
// time an Outcome is appended or at most once per 2 seconds, whichever is
// sooner". The timer-driven half, for periods with no fresh outcomes, is
// EvaluateIfStale, which a caller runs on its own ticker.
func (c *Controller) Record(outcome Outcome, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.window = append(c.window, sample{outcome: outcome, at: time.Now()})
	if len(c.window) > c.windowSize {
		c.window = c.window[len(c.window)-c.windowSize:]
	}

	c.evaluate()
}

// EvaluateIfStale re-runs the decision table if at least 2 seconds have
// passed since the last evaluation, covering the cadence floor when
// outcomes stop arriving (e.g. all workers blocked on slow responses).
func (c *Controller) EvaluateIfStale() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lastDecisionAt.IsZero() && time.Since(c.lastDecisionAt) < 2*time.Second {
		return
	}
	c.evaluate()
}

// evaluate runs the decision table over the current window. Caller holds mu.
func (c *Controller) evaluate() {
	defer func() { c.lastDecisionAt = time.Now() }()

	n := len(c.window)
	if n == 0 {
		c.lastDecision = Hold
		return
	}

	var rateLimited, serverErr, timeouts, success int
	for _, s := range c.window {
		switch s.outcome {
		case RateLimited:
			rateLimited++
		case ServerError:
			serverErr++
		case Timeout:
			timeouts++
		case Success:
			success++
		}
	}

	rateLimitedFrac := float64(rateLimited) / float64(n)
	serverErrFrac := float64(serverErr) / float64(n)
	timeoutFrac := float64(timeouts) / float64(n)

	twoRateLimitedInLastFive := countRecent(c.window, RateLimited, 5) >= 2

	switch {
	case rateLimitedFrac >= 0.20 || twoRateLimitedInLastFive:
		c.backoff(multiplierFor(c.aggressive, 1.5, 2.0), workerDeltaFor(c.aggressive, 1, 2))
		c.lastDecision = Backoff

	case serverErrFrac >= 0.30:
		c.backoff(1.25, workerDeltaFor(c.aggressive, 1, 2))
		c.lastDecision = Backoff

	case timeoutFrac >= 0.25:
		c.targetWorkers = clamp(c.targetWorkers-1, c.minWorkers, c.maxWorkers)
		c.lastDecision = Backoff

	case allSuccessOverHalfWindow(c.window, c.windowSize) && rateLimited == 0:
		c.relax()
		c.lastDecision = Relax

	default:
		c.lastDecision = Hold
	}

	c.limiter.SetLimit(delayToLimit(c.currentDelay))
}

func (c *Controller) backoff(delayMultiplier float64, workerDelta int) {
	c.currentDelay = clampDuration(time.Duration(float64(c.currentDelay)*delayMultiplier), c.minDelay, c.maxDelay)
	c.targetWorkers = clamp(c.targetWorkers-workerDelta, c.minWorkers, c.maxWorkers)
	c.relaxStreak = 0
}

func (c *Controller) relax() {
	c.currentDelay = clampDuration(time.Duration(float64(c.currentDelay)*0.9), c.minDelay, c.maxDelay)

	if c.currentDelay == c.minDelay {
		c.relaxStreak++
		if c.relaxStreak >= c.windowSize/2 {
			c.targetWorkers = clamp(c.targetWorkers+1, c.minWorkers, c.maxWorkers)
			c.relaxStreak = 0
		}
	} else {
		c.relaxStreak = 0
	}
}

func countRecent(window []sample, outcome Outcome, lastN int) int {
	start := len(window) - lastN
	if start < 0 {
		start = 0
	}
	count := 0
	for _, s := range window[start:] {
		if s.outcome == outcome {
			count++
		}
	}
	return count
}

func allSuccessOverHalfWindow(window []sample, windowSize int) bool {
	half := windowSize / 2
	if half < 1 {
		half = 1
	}
	if len(window) < half {
		return false
	}
	recent := window[len(window)-half:]
	for _, s := range recent {
		if s.outcome != Success {
			return false
		}
	}
	return true
}

func multiplierFor(aggressive bool, normal, aggressiveVal float64) float64 {
	if aggressive {
		return aggressiveVal
	}
	return normal
}

func workerDeltaFor(aggressive bool, normal, aggressiveVal int) int {
	if aggressive {
		return aggressiveVal
	}
	return normal
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampDuration(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// TargetWorkers returns the latest published worker-count target.
func (c *Controller) TargetWorkers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetWorkers
}

// CurrentDelay returns the latest published advisory per-request delay.
func (c *Controller) CurrentDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentDelay
}

// LastDecision reports what the last evaluation concluded, for logging.
func (c *Controller) LastDecision() Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDecision
}

// Limiter returns the leaf x/time/rate.Limiter a Worker can additionally
// Wait() on before each fetch; its rate tracks CurrentDelay().
func (c *Controller) Limiter() *rate.Limiter {
	return c.limiter
}

// State captures the controller's published setpoints and relax streak for
// checkpointing; the outcome window is not included.
type State struct {
	TargetWorkers int
	CurrentDelay  time.Duration
	RelaxStreak   int
}

// Snapshot returns the controller's resumable state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		TargetWorkers: c.targetWorkers,
		CurrentDelay:  c.currentDelay,
		RelaxStreak:   c.relaxStreak,
	}
}

// Restore reapplies a checkpointed State; the outcome window itself is not
// persisted — it rebuilds from fresh observations after resume.
func (c *Controller) Restore(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targetWorkers = s.TargetWorkers
	c.currentDelay = s.CurrentDelay
	c.relaxStreak = s.RelaxStreak
	c.limiter.SetLimit(delayToLimit(c.currentDelay))
}
