// Package checkpoint implements the Checkpoint Manager: periodic and
// on-demand serialization of Frontier, Visited, and Rate Controller state
// to stable storage, with atomic replace, emergency save, and backup
// rotation. The single-writer file-family shape (main file plus `.tmp`,
// `.emergency`, `.backup` companions) is grounded on erndmrc-spider2's
// checkpoint package, re-encoded from its gob+gzip format to plain JSON so
// an operator or other tooling can read a checkpoint directly.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/erndmrc/crawlengine/internal/frontier"
	"github.com/erndmrc/crawlengine/internal/ratectl"
)

// Version is the checkpoint schema version written to every checkpoint.
const Version = "1.0"

// Checkpoint is the full persisted crawl state. Field names match the
// documented wire contract exactly; readers must tolerate additional
// unknown fields, so new fields may be added later without breaking old
// readers.
type Checkpoint struct {
	CheckpointVersion string           `json:"checkpoint_version"`
	CheckpointTime    time.Time        `json:"checkpoint_time"`
	Visited           []string         `json:"visited"`
	Pending           []frontier.Entry `json:"pending"`
	Controller        ratectl.State    `json:"controller"`
	PagesVisited      uint64           `json:"pages_visited"`
	ConfigFingerprint string           `json:"config_fingerprint"`
}

// requiredFields are checked for presence (not merely non-zero) before a
// loaded checkpoint is accepted.
var requiredFields = []string{"checkpoint_time", "visited", "pending", "pages_visited"}

// Manager owns the single-writer checkpoint file at path and decides, via
// Due, when a new save is warranted.
type Manager struct {
	path     string
	interval time.Duration
	logger   *zap.Logger

	lastSaveTime  time.Time
	lastSavePages uint64
}

// New builds a Manager for the checkpoint file at path. interval is the
// time cadence of the cadence rule's clause (a); the page-count clause (b)
// can make a save due sooner.
func New(path string, interval time.Duration, logger *zap.Logger) *Manager {
	return &Manager{path: path, interval: interval, logger: logger}
}

// Due reports whether a checkpoint save is warranted right now, given the
// total pages visited so far. Clause (c) — forced by shutdown or signal —
// is the caller's own decision to call Save unconditionally regardless of
// Due's answer.
func (m *Manager) Due(now time.Time, pagesVisited uint64) bool {
	if m.lastSaveTime.IsZero() {
		return true // no checkpoint yet: the first one is always due
	}

	sinceLast := now.Sub(m.lastSaveTime)
	pagesSinceLast := pagesVisited - m.lastSavePages

	tinyIncrementFloor := 10 * time.Second
	if scaled := time.Duration(float64(pagesSinceLast) * 0.1 * float64(time.Second)); scaled < tinyIncrementFloor {
		tinyIncrementFloor = scaled
	}
	intervalDue := sinceLast >= m.interval && sinceLast >= tinyIncrementFloor

	pageCountThreshold := uint64(10)
	if scaled := m.lastSavePages / 5; scaled > pageCountThreshold { // 20% of last_save_pages
		pageCountThreshold = scaled
	}
	pageCountDue := pagesSinceLast >= pageCountThreshold

	return intervalDue || pageCountDue
}

// Save takes a consistent snapshot of store and rateCtl, then writes it to
// <path>.tmp, fsyncs, and renames to <path> — the atomic-replace protocol.
// The Frontier/Visited lock is never held during I/O: Snapshot() already
// takes and releases it internally before this function touches disk.
func (m *Manager) Save(store *frontier.Store, rateCtl *ratectl.Controller, pagesVisited uint64, configFingerprint string) error {
	snap := store.Snapshot()

	ckpt := Checkpoint{
		CheckpointVersion: Version,
		CheckpointTime:    time.Now(),
		Visited:           snap.Visited,
		Pending:           mergePending(snap),
		Controller:        rateCtl.Snapshot(),
		PagesVisited:      pagesVisited,
		ConfigFingerprint: configFingerprint,
	}

	if err := m.writeAtomic(ckpt); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	m.lastSaveTime = ckpt.CheckpointTime
	m.lastSavePages = pagesVisited
	return nil
}

// mergePending combines still-queued and in-flight entries into the single
// `pending` list the wire format names: on resume no worker holds any
// claim from the prior process, so in-flight entries are just pending
// entries that happen to carry their prior attempt count.
func mergePending(snap frontier.Snapshot) []frontier.Entry {
	pending := make([]frontier.Entry, 0, len(snap.Frontier)+len(snap.InFlight))
	pending = append(pending, snap.Frontier...)
	pending = append(pending, snap.InFlight...)
	return pending
}

// writeAtomic backs up the existing main checkpoint (if any), then writes
// the new one to a temp file, fsyncs it, and renames it into place.
func (m *Manager) writeAtomic(ckpt Checkpoint) error {
	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}

	if _, err := os.Stat(m.path); err == nil {
		copyFileBestEffort(m.path, m.path+".backup", m.logger)
	}

	data, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmpPath := m.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		return fmt.Errorf("rename temp checkpoint into place: %w", err)
	}
	return nil
}

// copyFileBestEffort copies src to dst, logging (not failing the save) on
// error — the backup copy is an optional courtesy, not a correctness
// requirement.
func copyFileBestEffort(src, dst string, logger *zap.Logger) {
	in, err := os.Open(src)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		if logger != nil {
			logger.Warn("failed to create checkpoint backup", zap.Error(err))
		}
		return
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil && logger != nil {
		logger.Warn("failed to write checkpoint backup", zap.Error(err))
	}
}

// EmergencySave writes the minimal essential fields straight to
// <path>.emergency with a single write, no tmp/rename dance — it is
// acceptable for this file to be partial if the process dies mid-write.
func (m *Manager) EmergencySave(store *frontier.Store, rateCtl *ratectl.Controller, pagesVisited uint64, configFingerprint string) error {
	snap := store.Snapshot()
	ckpt := Checkpoint{
		CheckpointVersion: Version,
		CheckpointTime:    time.Now(),
		Visited:           snap.Visited,
		Pending:           mergePending(snap),
		Controller:        rateCtl.Snapshot(),
		PagesVisited:      pagesVisited,
		ConfigFingerprint: configFingerprint,
	}

	data, err := json.Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("marshal emergency checkpoint: %w", err)
	}
	if err := os.WriteFile(m.path+".emergency", data, 0o644); err != nil {
		return fmt.Errorf("write emergency checkpoint: %w", err)
	}
	return nil
}

// Cleanup removes the `.tmp` and `.emergency` companion files, and the
// `.backup` file if includeBackup is set.
func (m *Manager) Cleanup(includeBackup bool) {
	os.Remove(m.path + ".tmp")
	os.Remove(m.path + ".emergency")
	if includeBackup {
		os.Remove(m.path + ".backup")
	}
}

// Load reads and validates a checkpoint from path, preferring
// `<path>.emergency` over the main file when the emergency file is newer
// (it was written after a fatal signal interrupted a later crawl than the
// last clean save). It rejects a file missing any required field or that
// fails to parse as JSON.
func Load(path string) (*Checkpoint, error) {
	chosenPath, err := pickNewest(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(chosenPath)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	for _, field := range requiredFields {
		if _, ok := raw[field]; !ok {
			return nil, fmt.Errorf("checkpoint missing required field %q", field)
		}
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return &ckpt, nil
}

// pickNewest returns path or path+".emergency", whichever should be read,
// per the emergency-file preference rule. Neither existing is an error;
// one existing is fine even if the other is absent.
func pickNewest(path string) (string, error) {
	mainInfo, mainErr := os.Stat(path)
	emergInfo, emergErr := os.Stat(path + ".emergency")

	switch {
	case mainErr != nil && emergErr != nil:
		return "", fmt.Errorf("no checkpoint found at %q", path)
	case mainErr != nil:
		return path + ".emergency", nil
	case emergErr != nil:
		return path, nil
	case emergInfo.ModTime().After(mainInfo.ModTime()):
		return path + ".emergency", nil
	default:
		return path, nil
	}
}

// LoadAndValidate loads the checkpoint at path and compares its stored
// config_fingerprint against currentFingerprint. A mismatch is logged as a
// warning, not an error: the operator chose to resume.
func LoadAndValidate(path, currentFingerprint string, logger *zap.Logger) (*Checkpoint, error) {
	ckpt, err := Load(path)
	if err != nil {
		return nil, err
	}
	if ckpt.ConfigFingerprint != "" && ckpt.ConfigFingerprint != currentFingerprint && logger != nil {
		logger.Warn("resuming with a config fingerprint different from the checkpoint's",
			zap.String("checkpoint_fingerprint", ckpt.ConfigFingerprint),
			zap.String("current_fingerprint", currentFingerprint))
	}
	return ckpt, nil
}

// FrontierSnapshot converts the checkpoint's pending/visited fields back
// into a frontier.Snapshot suitable for Store.Restore.
func (c *Checkpoint) FrontierSnapshot() frontier.Snapshot {
	return frontier.Snapshot{
		Frontier: c.Pending,
		Visited:  c.Visited,
	}
}
