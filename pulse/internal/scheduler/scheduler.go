// Package scheduler drives ingestion: a single goroutine fetches every
// enabled source in sequence, classifies new entries, and records per-source
// status. One goroutine means at most one cycle in flight; a manual trigger
// while a cycle runs is refused rather than queued behind it twice.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/feedpulse/feedpulse/pulse/internal/canon"
	"github.com/feedpulse/feedpulse/pulse/internal/feed"
	"github.com/feedpulse/feedpulse/pulse/internal/fetch"
	"github.com/feedpulse/feedpulse/pulse/internal/rules"
	"github.com/feedpulse/feedpulse/pulse/internal/store"
)

// TriggerResult is the outcome of a manual trigger request.
type TriggerResult string

const (
	TriggerStarted        TriggerResult = "started"
	TriggerAlreadyRunning TriggerResult = "already_running"
)

// Fetcher retrieves one feed document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// PostCycle runs after a completed cycle (cluster rebuild, retention).
type PostCycle func(ctx context.Context)

// Scheduler owns the ingestion loop.
type Scheduler struct {
	store     *store.Store
	fetcher   Fetcher
	parser    *feed.Parser
	rules     *rules.Ruleset
	interval  time.Duration
	postCycle PostCycle
	log       *slog.Logger
	now       func() time.Time

	running atomic.Bool
	trigger chan struct{}

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option adjusts Scheduler construction.
type Option func(*Scheduler)

// WithPostCycle registers work to run after each completed cycle.
func WithPostCycle(fn PostCycle) Option {
	return func(s *Scheduler) { s.postCycle = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(st *store.Store, f Fetcher, rs *rules.Ruleset, interval time.Duration, log *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		fetcher:  f,
		parser:   feed.NewParser(),
		rules:    rs,
		interval: interval,
		log:      log,
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the loop: one immediate cycle, then one per interval, plus
// any manual triggers in between.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go s.loop(ctx)
	})
}

// Stop cancels the loop and waits for any in-flight cycle to unwind.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// TryTrigger requests an immediate cycle. While a cycle is running the
// request is refused; the running cycle will pick up whatever the trigger
// would have.
func (s *Scheduler) TryTrigger() TriggerResult {
	if s.running.Load() {
		return TriggerAlreadyRunning
	}
	select {
	case s.trigger <- struct{}{}:
	default:
		// A trigger is already queued; the effect is the same.
	}
	return TriggerStarted
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.RunCycle(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		case <-s.trigger:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle fetches every enabled source once. Per-source failures are
// recorded and logged but never abort the cycle; only context cancellation
// does, and a cancelled cycle is not recorded as completed.
func (s *Scheduler) RunCycle(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	started := s.now()
	sources, err := s.store.EnabledSources(ctx)
	if err != nil {
		s.log.Error("cycle: list sources", "error", err)
		return
	}

	var added, seen int
	for _, src := range sources {
		if ctx.Err() != nil {
			s.log.Info("cycle interrupted", "completed_sources", seen)
			return
		}
		a, n := s.processSource(ctx, src)
		added += a
		seen += n
	}
	if ctx.Err() != nil {
		return
	}

	completed := s.now()
	if err := s.store.SetState(ctx, store.StateLastCycle,
		strconv.FormatInt(completed.UnixMilli(), 10)); err != nil {
		s.log.Error("cycle: record completion", "error", err)
	}
	s.log.Info("cycle complete",
		"sources", len(sources),
		"items_seen", seen,
		"items_added", added,
		"duration_ms", completed.Sub(started).Milliseconds())

	if s.postCycle != nil {
		s.postCycle(ctx)
	}
}

// processSource fetches, parses and ingests one source, then overwrites its
// status row with the outcome.
func (s *Scheduler) processSource(ctx context.Context, src *store.Source) (added, seen int) {
	fetchedAt := s.now()
	status := &store.SourceStatus{
		SourceID:  src.ID,
		LastFetch: &fetchedAt,
	}
	defer func() {
		if err := s.store.UpsertSourceStatus(ctx, status); err != nil {
			s.log.Error("record source status", "source", src.ID, "error", err)
		}
	}()

	body, err := s.fetcher.Fetch(ctx, src.RSSURL)
	if err != nil {
		status.LastError = err.Error()
		var fe *fetch.Error
		if errors.As(err, &fe) {
			status.HTTPStatus = fe.StatusCode
		}
		s.log.Warn("fetch failed", "source", src.ID, "error", err)
		return 0, 0
	}
	status.HTTPStatus = 200

	entries, err := s.parser.Parse(body)
	if err != nil {
		status.LastError = err.Error()
		s.log.Warn("parse failed", "source", src.ID, "error", err)
		return 0, 0
	}

	for _, e := range entries {
		item := &store.Item{
			ID:        canon.ItemID(src.ID, e.Title, e.Link, e.GUID),
			SourceID:  src.ID,
			Published: e.Published,
			Fetched:   fetchedAt,
			Title:     e.Title,
			URL:       e.Link,
			GUID:      e.GUID,
			Summary:   e.Summary,
		}
		c := s.rules.Classify(e.Title)
		inserted, err := s.store.UpsertItem(ctx, item, &store.Annotations{
			Topics:       c.Topics,
			AssetClasses: c.AssetClasses,
			Geo:          c.Geo,
			Direction:    c.Direction,
			Urgency:      c.Urgency,
			Mode:         c.Mode,
			RuleVersion:  rules.Version,
		})
		if err != nil {
			s.log.Error("upsert item", "source", src.ID, "item", item.ID, "error", err)
			continue
		}
		if inserted {
			added++
		}
	}

	ok := s.now()
	status.LastOK = &ok
	status.ItemsSeen = len(entries)
	status.ItemsAdded = added
	return added, len(entries)
}
