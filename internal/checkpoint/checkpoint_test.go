package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erndmrc/crawlengine/internal/config"
	"github.com/erndmrc/crawlengine/internal/frontier"
	"github.com/erndmrc/crawlengine/internal/logging"
	"github.com/erndmrc/crawlengine/internal/ratectl"
	"github.com/erndmrc/crawlengine/internal/urlcanon"
)

func testPolicy() urlcanon.Policy {
	return urlcanon.Policy{SeedHost: "example.com", Scope: config.ScopeExactHost}
}

func testController() *ratectl.Controller {
	cfg := config.DefaultConfig()
	cfg.SeedURL = "https://example.com/"
	return ratectl.New(cfg)
}

func TestDueIsTrueBeforeFirstSave(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "crawl.checkpoint"), 10*time.Minute, logging.Nop())
	assert.True(t, m.Due(time.Now(), 0))
}

func TestDueByIntervalClause(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "crawl.checkpoint"), time.Minute, logging.Nop())
	m.lastSaveTime = time.Now().Add(-2 * time.Minute)
	m.lastSavePages = 100

	assert.True(t, m.Due(time.Now(), 100)) // interval elapsed, no new pages, tiny-increment floor is 0
}

func TestDueNotYetByInterval(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "crawl.checkpoint"), 10*time.Minute, logging.Nop())
	m.lastSaveTime = time.Now().Add(-time.Minute)
	m.lastSavePages = 100

	assert.False(t, m.Due(time.Now(), 102)) // neither interval nor page-count threshold met
}

func TestDueByPageCountClause(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "crawl.checkpoint"), time.Hour, logging.Nop())
	m.lastSaveTime = time.Now()
	m.lastSavePages = 10

	assert.True(t, m.Due(time.Now(), 25)) // 15 new pages >= max(10, 20% of 10)
}

func TestDueByPageCountFloorOfTen(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "crawl.checkpoint"), time.Hour, logging.Nop())
	m.lastSaveTime = time.Now()
	m.lastSavePages = 5 // 20% of 5 is 1, floor is still 10

	assert.False(t, m.Due(time.Now(), 14))
	assert.True(t, m.Due(time.Now(), 15))
}

func buildStoreWithState() *frontier.Store {
	store := frontier.New(testPolicy(), 3)
	store.TryEnqueue("https://example.com/a")
	store.TryEnqueue("https://example.com/b")
	store.Claim() // puts one entry in-flight
	return store
}

func TestSaveWritesAtomicallyAndIsLoadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawl.checkpoint")
	m := New(path, time.Minute, logging.Nop())
	store := buildStoreWithState()
	rc := testController()

	require.NoError(t, m.Save(store, rc, 4, "fp-123"))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "tmp file should not remain after a successful save")

	ckpt, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Version, ckpt.CheckpointVersion)
	assert.Equal(t, uint64(4), ckpt.PagesVisited)
	assert.Equal(t, "fp-123", ckpt.ConfigFingerprint)
	assert.Len(t, ckpt.Pending, 2) // one queued + one in-flight, merged
}

func TestSaveUpdatesLastSaveBookkeepingOnlyOnSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawl.checkpoint")
	m := New(path, time.Minute, logging.Nop())
	store := buildStoreWithState()
	rc := testController()

	require.NoError(t, m.Save(store, rc, 7, "fp"))
	assert.Equal(t, uint64(7), m.lastSavePages)
	assert.False(t, m.lastSaveTime.IsZero())
}

func TestSaveWritesBackupOfPreviousMain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawl.checkpoint")
	m := New(path, time.Minute, logging.Nop())
	store := buildStoreWithState()
	rc := testController()

	require.NoError(t, m.Save(store, rc, 1, "fp-1"))
	firstContents, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, m.Save(store, rc, 2, "fp-2"))

	backupContents, err := os.ReadFile(path + ".backup")
	require.NoError(t, err)
	assert.Equal(t, firstContents, backupContents)
}

func TestEmergencySaveWritesCompanionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawl.checkpoint")
	m := New(path, time.Minute, logging.Nop())
	store := buildStoreWithState()
	rc := testController()

	require.NoError(t, m.EmergencySave(store, rc, 3, "fp"))

	_, err := os.Stat(path) // main file was never written
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(path + ".emergency")
	require.NoError(t, err)

	var ckpt Checkpoint
	require.NoError(t, json.Unmarshal(data, &ckpt))
	assert.Equal(t, uint64(3), ckpt.PagesVisited)
}

func TestLoadPrefersEmergencyFileWhenNewer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawl.checkpoint")
	m := New(path, time.Minute, logging.Nop())
	store := buildStoreWithState()
	rc := testController()

	require.NoError(t, m.Save(store, rc, 1, "main-fp"))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.EmergencySave(store, rc, 9, "emergency-fp"))

	ckpt, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "emergency-fp", ckpt.ConfigFingerprint)
}

func TestLoadPrefersMainFileWhenNewerThanEmergency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawl.checkpoint")
	m := New(path, time.Minute, logging.Nop())
	store := buildStoreWithState()
	rc := testController()

	require.NoError(t, m.EmergencySave(store, rc, 9, "emergency-fp"))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Save(store, rc, 1, "main-fp"))

	ckpt, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "main-fp", ckpt.ConfigFingerprint)
}

func TestLoadRejectsMissingRequiredField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawl.checkpoint")
	incomplete := map[string]any{
		"checkpoint_version": "1.0",
		"visited":            []string{},
		// "checkpoint_time", "pending", and "pages_visited" are all absent
	}
	data, err := json.Marshal(incomplete)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawl.checkpoint")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadErrorsWhenNothingExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawl.checkpoint")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadAndValidateWarnsButProceedsOnFingerprintMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawl.checkpoint")
	m := New(path, time.Minute, logging.Nop())
	store := buildStoreWithState()
	rc := testController()
	require.NoError(t, m.Save(store, rc, 1, "old-fp"))

	ckpt, err := LoadAndValidate(path, "new-fp", logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, "old-fp", ckpt.ConfigFingerprint)
}

func TestCleanupRemovesTmpAndEmergencyButKeepsBackupByDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawl.checkpoint")
	m := New(path, time.Minute, logging.Nop())
	store := buildStoreWithState()
	rc := testController()

	require.NoError(t, m.Save(store, rc, 1, "fp"))
	require.NoError(t, m.Save(store, rc, 2, "fp")) // produces a .backup
	require.NoError(t, m.EmergencySave(store, rc, 3, "fp"))
	require.NoError(t, os.WriteFile(path+".tmp", []byte("stale"), 0o644))

	m.Cleanup(false)

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".emergency")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".backup")
	assert.NoError(t, err)

	m.Cleanup(true)
	_, err = os.Stat(path + ".backup")
	assert.True(t, os.IsNotExist(err))
}

func TestFrontierSnapshotRoundTripsPendingIntoStore(t *testing.T) {
	ckpt := &Checkpoint{
		Visited: []string{"https://example.com/done"},
		Pending: []frontier.Entry{
			{URL: "https://example.com/a", Attempts: 1},
			{URL: "https://example.com/b", Attempts: 0},
		},
	}

	store := frontier.New(testPolicy(), 3)
	store.Restore(ckpt.FrontierSnapshot())

	stats := store.Stats()
	assert.Equal(t, 2, stats.Queued)
	assert.Equal(t, 1, stats.Visited)
	assert.True(t, store.HasVisited("https://example.com/done"))
}
