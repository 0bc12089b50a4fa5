// Package pulse is the narrative dashboard core: it monitors a catalog of
// RSS/Atom feeds, deduplicates and classifies incoming headlines with
// deterministic rules, and serves windowed analytics over the resulting
// corpus. The HTTP surface in cmd/feedpulse is a thin shell over the
// Service type here.
package pulse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/feedpulse/feedpulse/pulse/internal/analytics"
	"github.com/feedpulse/feedpulse/pulse/internal/fetch"
	"github.com/feedpulse/feedpulse/pulse/internal/retention"
	"github.com/feedpulse/feedpulse/pulse/internal/rules"
	"github.com/feedpulse/feedpulse/pulse/internal/scheduler"
	"github.com/feedpulse/feedpulse/pulse/internal/store"
)

// Schema is the SQL schema the Service expects; pass it to dbopen.WithSchema
// when opening the database.
const Schema = store.Schema

// Re-exported row types so callers outside pulse/internal can consume
// Service results.
type (
	Source          = store.Source
	ItemRow         = store.ItemRow
	TopicCount      = store.TopicCount
	Directions      = store.Directions
	SourceHealthRow = store.SourceHealthRow
	ClusterRow      = store.ClusterRow
	CleanupStats    = store.CleanupStats
	AccelRow        = analytics.AccelRow
	ConvRow         = analytics.ConvRow
)

// DefaultLookbackHours is used when a request carries no (or an invalid)
// lookback.
const DefaultLookbackHours = 24

// validLookbacks are the dashboard's recognized windows, in hours.
var validLookbacks = map[int]bool{6: true, 12: true, 24: true, 48: true, 72: true, 168: true}

// Health is the service health snapshot.
type Health struct {
	Healthy   bool       `json:"healthy"`
	LastCycle *time.Time `json:"last_cycle,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// RuleAudit reports per-label hit counts of the live ruleset over recent
// titles.
type RuleAudit struct {
	Topics       map[string]int `json:"topics"`
	AssetClasses map[string]int `json:"asset_classes"`
	Geo          map[string]int `json:"geo"`
	TotalItems   int            `json:"total_items"`
}

// Service ties ingestion, analytics and retention together.
type Service struct {
	store     *store.Store
	ruleset   *rules.Ruleset
	analytics *analytics.Engine
	retention *retention.Manager
	sched     *scheduler.Scheduler

	interval  time.Duration
	sources   []store.Source
	rulesPath string
	log       *slog.Logger
	now       func() time.Time

	archiveDir       string
	retentionHorizon time.Duration
	similarity       float64
}

// Option configures a Service.
type Option func(*Service)

// WithInterval sets the fetch interval. Default: 15 minutes.
func WithInterval(d time.Duration) Option {
	return func(s *Service) { s.interval = d }
}

// WithRulesFile loads rule table overrides from a YAML file. A missing file
// keeps the defaults; a malformed file or invalid regex makes New fail.
func WithRulesFile(path string) Option {
	return func(s *Service) { s.rulesPath = path }
}

// WithSources replaces the built-in source catalog.
func WithSources(sources []Source) Option {
	return func(s *Service) { s.sources = sources }
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithArchiveDir sets where retention archives are written.
func WithArchiveDir(dir string) Option {
	return func(s *Service) { s.archiveDir = dir }
}

// WithRetentionHorizon overrides the 90-day retention horizon.
func WithRetentionHorizon(d time.Duration) Option {
	return func(s *Service) { s.retentionHorizon = d }
}

// WithSimilarityThreshold overrides the clustering similarity threshold.
func WithSimilarityThreshold(t float64) Option {
	return func(s *Service) { s.similarity = t }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New assembles a Service over an opened database (schema already applied)
// and seeds the source catalog and tag vocabulary.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Service, error) {
	s := &Service{
		store:            store.NewStore(db),
		ruleset:          rules.Default(),
		interval:         15 * time.Minute,
		sources:          DefaultSources(),
		log:              slog.Default(),
		now:              time.Now,
		archiveDir:       "archives",
		retentionHorizon: retention.DefaultHorizon,
		similarity:       analytics.DefaultSimilarity,
	}
	for _, o := range opts {
		o(s)
	}

	if s.rulesPath != "" {
		rs, err := rules.Load(s.rulesPath)
		if err != nil {
			return nil, fmt.Errorf("pulse: %w", err)
		}
		s.ruleset = rs
	}

	if err := s.store.SeedSources(ctx, s.sources); err != nil {
		return nil, fmt.Errorf("pulse: seed sources: %w", err)
	}
	seed := []struct {
		tagType string
		tags    []string
	}{
		{store.TagTypeTopic, s.ruleset.TopicTags()},
		{store.TagTypeAssetClass, s.ruleset.AssetClassTags()},
		{store.TagTypeGeo, s.ruleset.GeoTags()},
	}
	for _, sd := range seed {
		if err := s.store.SeedTags(ctx, sd.tagType, sd.tags); err != nil {
			return nil, fmt.Errorf("pulse: seed %s tags: %w", sd.tagType, err)
		}
	}

	s.analytics = analytics.NewEngine(s.store,
		analytics.WithSimilarityThreshold(s.similarity),
		analytics.WithClock(s.now))
	s.retention = retention.NewManager(s.store,
		retention.WithHorizon(s.retentionHorizon),
		retention.WithArchiveDir(s.archiveDir),
		retention.WithClock(s.now))
	s.sched = scheduler.New(s.store, fetch.New(), s.ruleset, s.interval, s.log,
		scheduler.WithClock(s.now),
		scheduler.WithPostCycle(s.afterCycle))
	return s, nil
}

// afterCycle rebuilds clusters and gives retention its daily chance after
// every completed ingestion cycle.
func (s *Service) afterCycle(ctx context.Context) {
	if err := s.analytics.RebuildClusters(ctx); err != nil {
		s.log.Error("rebuild clusters", "error", err)
	}
	stats, ran, err := s.retention.MaybeCleanup(ctx)
	if err != nil {
		s.log.Error("retention pass", "error", err)
	} else if ran {
		s.log.Info("retention pass",
			"items_deleted", stats.Items,
			"tags_deleted", stats.Tags,
			"signals_deleted", stats.Signals)
	}
}

// Start launches the ingestion loop: an immediate cycle, then one per
// interval.
func (s *Service) Start(ctx context.Context) {
	s.sched.Start(ctx)
}

// Close stops the ingestion loop, waiting for any in-flight cycle.
func (s *Service) Close() {
	s.sched.Stop()
}

// TriggerCycle requests an immediate fetch cycle. Returns "started" or
// "already_running".
func (s *Service) TriggerCycle() string {
	return string(s.sched.TryTrigger())
}

// Health reports whether the service is keeping up: healthy when the last
// completed cycle is within twice the fetch interval. The timestamp is
// persisted, so health survives restarts.
func (s *Service) Health(ctx context.Context) Health {
	raw, err := s.store.GetState(ctx, store.StateLastCycle)
	if err != nil {
		return Health{Healthy: false, Reason: "state read failed: " + err.Error()}
	}
	if raw == "" {
		return Health{Healthy: false, Reason: "no cycle has completed yet"}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Health{Healthy: false, Reason: "unreadable cycle timestamp"}
	}
	last := time.UnixMilli(ms).UTC()
	elapsed := s.now().Sub(last)
	if elapsed > 2*s.interval {
		return Health{
			Healthy:   false,
			LastCycle: &last,
			Reason:    fmt.Sprintf("last cycle %s ago exceeds threshold %s", elapsed.Round(time.Second), 2*s.interval),
		}
	}
	return Health{Healthy: true, LastCycle: &last}
}

// Lookback clamps a requested window to the recognized set, falling back to
// the default for anything else.
func Lookback(hours int) time.Duration {
	if !validLookbacks[hours] {
		hours = DefaultLookbackHours
	}
	return time.Duration(hours) * time.Hour
}

func normalizeCategory(category string) string {
	if category == "all" {
		return ""
	}
	return category
}

// Items returns the dashboard item list for the window, newest first,
// capped at 500 rows.
func (s *Service) Items(ctx context.Context, lookbackHours int, category, topic string) ([]*ItemRow, error) {
	return s.store.Items(ctx, store.ItemQuery{
		Since:    s.now().Add(-Lookback(lookbackHours)),
		Category: normalizeCategory(category),
		Topic:    topic,
	})
}

// TopicCounts returns the top 20 topics in the window.
func (s *Service) TopicCounts(ctx context.Context, lookbackHours int, category string) ([]TopicCount, error) {
	return s.store.TopicCounts(ctx, store.ItemQuery{
		Since:    s.now().Add(-Lookback(lookbackHours)),
		Category: normalizeCategory(category),
	})
}

// Directions returns the framing distribution in the window, optionally for
// one topic.
func (s *Service) Directions(ctx context.Context, lookbackHours int, topic string) (Directions, error) {
	return s.store.Directions(ctx, store.ItemQuery{
		Since: s.now().Add(-Lookback(lookbackHours)),
		Topic: topic,
	})
}

// Acceleration returns per-topic momentum: the last 6 hours against the 6
// before that.
func (s *Service) Acceleration(ctx context.Context, category string) ([]AccelRow, error) {
	return s.analytics.Acceleration(ctx, normalizeCategory(category))
}

// Convergence returns topics at least three distinct publishers covered in
// the last 12 hours.
func (s *Service) Convergence(ctx context.Context, category string) ([]ConvRow, error) {
	return s.analytics.Convergence(ctx, normalizeCategory(category))
}

// Clusters returns near-duplicate story clusters in the window, optionally
// filtered by the canonical item's source category or the cluster topic.
func (s *Service) Clusters(ctx context.Context, lookbackHours int, category, topic string) ([]*ClusterRow, error) {
	return s.store.Clusters(ctx, store.ItemQuery{
		Since:    s.now().Add(-Lookback(lookbackHours)),
		Category: normalizeCategory(category),
		Topic:    topic,
	})
}

// SourceHealth returns per-source fetch status, failing sources first.
func (s *Service) SourceHealth(ctx context.Context) ([]*SourceHealthRow, error) {
	return s.store.SourceHealth(ctx)
}

// RunCleanupNow runs a retention pass immediately, ignoring the daily gate.
func (s *Service) RunCleanupNow(ctx context.Context) (CleanupStats, error) {
	return s.retention.Cleanup(ctx)
}

// VacuumNow reclaims database file space.
func (s *Service) VacuumNow(ctx context.Context) error {
	return s.retention.Vacuum(ctx)
}

// ArchiveAndDelete exports items older than the given age to a gzip JSON
// archive, then deletes them. Archiving must succeed before anything is
// deleted.
func (s *Service) ArchiveAndDelete(ctx context.Context, olderThanDays int) (path string, stats CleanupStats, err error) {
	if olderThanDays <= 0 {
		return "", CleanupStats{}, fmt.Errorf("pulse: archive age must be positive, got %d", olderThanDays)
	}
	cutoff := s.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	return s.retention.ArchiveAndDelete(ctx, cutoff)
}

// RuleHitCounts re-runs the live ruleset over every title in the window and
// reports per-label hit counts, a quick way to spot dead or noisy rules.
func (s *Service) RuleHitCounts(ctx context.Context, lookbackHours int) (*RuleAudit, error) {
	titles, err := s.store.Titles(ctx, store.ItemQuery{
		Since: s.now().Add(-Lookback(lookbackHours)),
	})
	if err != nil {
		return nil, fmt.Errorf("pulse: audit titles: %w", err)
	}

	audit := &RuleAudit{
		Topics:       zeroCounts(s.ruleset.TopicTags()),
		AssetClasses: zeroCounts(s.ruleset.AssetClassTags()),
		Geo:          zeroCounts(s.ruleset.GeoTags()),
		TotalItems:   len(titles),
	}
	for _, title := range titles {
		c := s.ruleset.Classify(title)
		for _, t := range c.Topics {
			audit.Topics[t]++
		}
		for _, t := range c.AssetClasses {
			audit.AssetClasses[t]++
		}
		for _, t := range c.Geo {
			audit.Geo[t]++
		}
	}
	return audit, nil
}

func zeroCounts(tags []string) map[string]int {
	out := make(map[string]int, len(tags))
	for _, t := range tags {
		out[t] = 0
	}
	return out
}
