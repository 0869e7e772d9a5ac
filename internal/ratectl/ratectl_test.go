package ratectl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erndmrc/crawlengine/internal/config"
)

func testConfig() *config.CrawlConfig {
	cfg := config.DefaultConfig()
	cfg.SeedURL = "https://example.com/"
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 8
	cfg.InitialWorkers = 4
	cfg.MinDelay = 100 * time.Millisecond
	cfg.MaxDelay = 10 * time.Second
	cfg.InitialDelay = 1 * time.Second
	cfg.WindowSize = 10
	return cfg
}

func TestBackoffOnRateLimitedFraction(t *testing.T) {
	c := New(testConfig())

	// 20% rate-limited fraction over a window of 10: 2 of 10 triggers backoff.
	for i := 0; i < 8; i++ {
		c.Record(Success, time.Millisecond)
	}
	// The successes have already relaxed the delay below its initial value.
	delayBeforeBackoff := c.CurrentDelay()
	c.Record(RateLimited, time.Millisecond)
	c.Record(RateLimited, time.Millisecond)

	assert.Equal(t, Backoff, c.LastDecision())
	assert.Greater(t, c.CurrentDelay(), delayBeforeBackoff)
	assert.Less(t, c.TargetWorkers(), 4)
}

func TestBackoffOnTwoRateLimitedWithinLastFive(t *testing.T) {
	c := New(testConfig())

	for i := 0; i < 3; i++ {
		c.Record(Success, time.Millisecond)
	}
	c.Record(RateLimited, time.Millisecond)
	c.Record(Success, time.Millisecond)
	c.Record(RateLimited, time.Millisecond)

	assert.Equal(t, Backoff, c.LastDecision())
}

func TestBackoffOnServerErrorFraction(t *testing.T) {
	c := New(testConfig())

	for i := 0; i < 7; i++ {
		c.Record(Success, time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		c.Record(ServerError, time.Millisecond)
	}

	assert.Equal(t, Backoff, c.LastDecision())
}

func TestTimeoutFractionDecrementsWorkersButNotDelay(t *testing.T) {
	c := New(testConfig())

	for i := 0; i < 7; i++ {
		c.Record(Success, time.Millisecond)
	}
	// The successes relax the delay; the timeouts must leave it there.
	delayBeforeTimeouts := c.CurrentDelay()
	for i := 0; i < 3; i++ {
		c.Record(Timeout, time.Millisecond)
	}

	assert.Equal(t, Backoff, c.LastDecision())
	assert.Equal(t, delayBeforeTimeouts, c.CurrentDelay())
	assert.Less(t, c.TargetWorkers(), 4)
}

func TestRelaxOnSustainedSuccess(t *testing.T) {
	c := New(testConfig())
	initialDelay := c.CurrentDelay()

	for i := 0; i < 10; i++ {
		c.Record(Success, time.Millisecond)
	}

	assert.Equal(t, Relax, c.LastDecision())
	assert.Less(t, c.CurrentDelay(), initialDelay)
}

func TestRelaxIncrementsWorkersAfterSustainedMinDelay(t *testing.T) {
	cfg := testConfig()
	cfg.InitialDelay = cfg.MinDelay
	c := New(cfg)
	startWorkers := c.TargetWorkers()

	// windowSize/2 = 5 consecutive relax decisions at min_delay needed.
	for round := 0; round < 6; round++ {
		for i := 0; i < 10; i++ {
			c.Record(Success, time.Millisecond)
		}
	}

	assert.GreaterOrEqual(t, c.TargetWorkers(), startWorkers)
}

func TestWorkersClampToConfiguredBounds(t *testing.T) {
	cfg := testConfig()
	cfg.InitialWorkers = cfg.MinWorkers
	c := New(cfg)

	for round := 0; round < 5; round++ {
		for i := 0; i < 8; i++ {
			c.Record(Success, time.Millisecond)
		}
		c.Record(RateLimited, time.Millisecond)
		c.Record(RateLimited, time.Millisecond)
	}

	assert.GreaterOrEqual(t, c.TargetWorkers(), cfg.MinWorkers)
}

func TestDelayClampsToMaxDelay(t *testing.T) {
	cfg := testConfig()
	cfg.InitialDelay = cfg.MaxDelay
	c := New(cfg)

	for round := 0; round < 5; round++ {
		for i := 0; i < 8; i++ {
			c.Record(Success, time.Millisecond)
		}
		c.Record(RateLimited, time.Millisecond)
		c.Record(RateLimited, time.Millisecond)
	}

	assert.LessOrEqual(t, c.CurrentDelay(), cfg.MaxDelay)
}

func TestAggressiveModeUsesLargerMultipliers(t *testing.T) {
	cfg := testConfig()
	cfg.Aggressive = true
	cfg.InitialWorkers = 5
	c := New(cfg)

	for i := 0; i < 8; i++ {
		c.Record(Success, time.Millisecond)
	}
	c.Record(RateLimited, time.Millisecond)
	c.Record(RateLimited, time.Millisecond)

	assert.Equal(t, 3, c.TargetWorkers()) // decremented by 2 in aggressive mode
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	c := New(testConfig())
	for i := 0; i < 10; i++ {
		c.Record(Success, time.Millisecond)
	}
	snap := c.Snapshot()

	restored := New(testConfig())
	restored.Restore(snap)

	assert.Equal(t, snap.TargetWorkers, restored.TargetWorkers())
	assert.Equal(t, snap.CurrentDelay, restored.CurrentDelay())
}

func TestLimiterTracksCurrentDelay(t *testing.T) {
	c := New(testConfig())
	require.NotNil(t, c.Limiter())

	for i := 0; i < 10; i++ {
		c.Record(Success, time.Millisecond)
	}
	// After relaxing, the limiter's rate should have increased (shorter period).
	assert.Greater(t, float64(c.Limiter().Limit()), 0.0)
}
