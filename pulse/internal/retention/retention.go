// Package retention enforces the storage horizon: old items are deleted (and
// optionally archived to compressed JSON first) so the database stays a
// rolling window rather than an ever-growing archive of its own.
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/feedpulse/feedpulse/pulse/internal/store"
)

const (
	// DefaultHorizon is how long items are kept.
	DefaultHorizon = 90 * 24 * time.Hour
	// cleanupGate is the minimum spacing between automatic cleanup passes.
	cleanupGate = 24 * time.Hour
)

// Manager runs retention against a Store.
type Manager struct {
	store      *store.Store
	horizon    time.Duration
	archiveDir string
	now        func() time.Time
}

// Option adjusts Manager defaults.
type Option func(*Manager)

// WithHorizon overrides the retention horizon.
func WithHorizon(d time.Duration) Option {
	return func(m *Manager) { m.horizon = d }
}

// WithArchiveDir sets where archive files are written.
func WithArchiveDir(dir string) Option {
	return func(m *Manager) { m.archiveDir = dir }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(s *store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:      s,
		horizon:    DefaultHorizon,
		archiveDir: "archives",
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// MaybeCleanup runs a cleanup pass unless one already ran within the last
// 24 hours. Called opportunistically after each ingestion cycle; ran reports
// whether this call actually cleaned.
func (m *Manager) MaybeCleanup(ctx context.Context) (stats store.CleanupStats, ran bool, err error) {
	last, err := m.store.GetState(ctx, store.StateLastCleanup)
	if err != nil {
		return store.CleanupStats{}, false, fmt.Errorf("retention: read gate: %w", err)
	}
	if last != "" {
		// An unparseable value means the gate state is corrupt; clean anyway
		// and rewrite it.
		if ms, parseErr := strconv.ParseInt(last, 10, 64); parseErr == nil {
			if m.now().Sub(time.UnixMilli(ms)) < cleanupGate {
				return store.CleanupStats{}, false, nil
			}
		}
	}
	stats, err = m.Cleanup(ctx)
	return stats, err == nil, err
}

// Cleanup deletes everything older than the horizon and records the pass,
// regardless of the 24h gate.
func (m *Manager) Cleanup(ctx context.Context) (store.CleanupStats, error) {
	now := m.now()
	stats, err := m.store.DeleteItemsBefore(ctx, now.Add(-m.horizon))
	if err != nil {
		return store.CleanupStats{}, fmt.Errorf("retention: delete: %w", err)
	}
	if err := m.store.SetState(ctx, store.StateLastCleanup,
		strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		return store.CleanupStats{}, fmt.Errorf("retention: record cleanup: %w", err)
	}
	return stats, nil
}

// Vacuum reclaims file space.
func (m *Manager) Vacuum(ctx context.Context) error {
	if err := m.store.Vacuum(ctx); err != nil {
		return fmt.Errorf("retention: vacuum: %w", err)
	}
	return nil
}

// archiveEnvelope is the on-disk shape of an archive file.
type archiveEnvelope struct {
	ArchivedAt time.Time            `json:"archived_at"`
	Cutoff     time.Time            `json:"cutoff"`
	TotalItems int                  `json:"total_items"`
	Items      []*store.ArchiveItem `json:"items"`
}

// ArchiveAndDelete exports every item older than cutoff to a gzip JSON file,
// then deletes them. The file is fully written and synced before a single
// row is deleted; any archive failure aborts with the database untouched.
// With no rows to export it returns an empty path, writes nothing and
// deletes nothing.
func (m *Manager) ArchiveAndDelete(ctx context.Context, cutoff time.Time) (path string, stats store.CleanupStats, err error) {
	rows, err := m.store.ArchiveRowsBefore(ctx, cutoff)
	if err != nil {
		return "", store.CleanupStats{}, fmt.Errorf("retention: collect archive rows: %w", err)
	}
	if len(rows) == 0 {
		return "", store.CleanupStats{}, nil
	}

	path, err = m.writeArchive(rows, cutoff)
	if err != nil {
		return "", store.CleanupStats{}, err
	}

	stats, err = m.store.DeleteItemsBefore(ctx, cutoff)
	if err != nil {
		return path, store.CleanupStats{}, fmt.Errorf("retention: delete after archive: %w", err)
	}
	return path, stats, nil
}

func (m *Manager) writeArchive(rows []*store.ArchiveItem, cutoff time.Time) (string, error) {
	if err := os.MkdirAll(m.archiveDir, 0o755); err != nil {
		return "", fmt.Errorf("retention: archive dir: %w", err)
	}

	now := m.now()
	name := fmt.Sprintf("pulse_archive_%s_%s.json.gz",
		now.Format("20060102_150405"), uuid.NewString()[:8])
	path := filepath.Join(m.archiveDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("retention: create archive: %w", err)
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	env := archiveEnvelope{
		ArchivedAt: now,
		Cutoff:     cutoff,
		TotalItems: len(rows),
		Items:      rows,
	}
	if err := enc.Encode(env); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("retention: encode archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("retention: flush archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("retention: sync archive: %w", err)
	}
	return path, nil
}
