package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erndmrc/crawlengine/internal/config"
)

func TestBuildConfigAppliesPositionalSeedURL(t *testing.T) {
	cfg, err := buildConfig([]string{"https://example.com/"}, "")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", cfg.SeedURL)
}

func TestBuildConfigLoadsFromFileWhenGiven(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SeedURL = "https://example.com/"
	path := filepath.Join(t.TempDir(), "crawl.json")
	require.NoError(t, cfg.Save(path))

	loaded, err := buildConfig(nil, path)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", loaded.SeedURL)
}

func TestApplyFlagOverridesOnlyTouchesChangedFlags(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SeedURL = "https://example.com/"
	cfg.MaxWorkers = 8

	cmd := newRootCmd(new(int))
	require.NoError(t, cmd.Flags().Set("max-pages", "50"))

	o := flagOverrides{maxPages: 50}
	require.NoError(t, applyFlagOverrides(cfg, cmd, o))

	assert.Equal(t, 50, cfg.MaxPages)
	assert.Equal(t, 8, cfg.MaxWorkers) // untouched flag leaves the loaded value alone
}

func TestApplyFlagOverridesParsesDurationFlags(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SeedURL = "https://example.com/"

	cmd := newRootCmd(new(int))
	require.NoError(t, cmd.Flags().Set("min-delay", "250ms"))

	o := flagOverrides{minDelay: "250ms"}
	require.NoError(t, applyFlagOverrides(cfg, cmd, o))

	assert.Equal(t, 250*time.Millisecond, cfg.MinDelay)
}

func TestApplyFlagOverridesRejectsInvalidDuration(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SeedURL = "https://example.com/"

	cmd := newRootCmd(new(int))
	require.NoError(t, cmd.Flags().Set("min-delay", "not-a-duration"))

	o := flagOverrides{minDelay: "not-a-duration"}
	assert.Error(t, applyFlagOverrides(cfg, cmd, o))
}

func TestCheckpointInspectFailsOnMissingFile(t *testing.T) {
	cmd := newCheckpointInspectCmd()
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "missing.checkpoint")})
	assert.Error(t, cmd.Execute())
}
