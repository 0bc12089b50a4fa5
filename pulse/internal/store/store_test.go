package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/feedpulse/feedpulse/dbopen"
	"github.com/feedpulse/feedpulse/pulse/internal/store"
	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	s := store.NewStore(db)

	err := s.SeedSources(context.Background(), []store.Source{
		{ID: "wire_a", Publisher: "Wire", FeedName: "Markets", Category: "A", RSSURL: "https://a/rss", Enabled: true},
		{ID: "wire_b", Publisher: "Ledger", FeedName: "Opinion", Category: "B", RSSURL: "https://b/rss", Enabled: true},
		{ID: "wire_off", Publisher: "Quiet", FeedName: "Dormant", Category: "A", RSSURL: "https://c/rss", Enabled: false},
	})
	if err != nil {
		t.Fatalf("seed sources: %v", err)
	}
	return s
}

func mustUpsert(t *testing.T, s *store.Store, item *store.Item, ann *store.Annotations) {
	t.Helper()
	if ann == nil {
		ann = &store.Annotations{Direction: "neutral", Urgency: "low", Mode: "unknown", RuleVersion: "rules_v1"}
	}
	inserted, err := s.UpsertItem(context.Background(), item, ann)
	if err != nil {
		t.Fatalf("upsert %s: %v", item.ID, err)
	}
	if !inserted {
		t.Fatalf("upsert %s: expected insert", item.ID)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestSeedAndEnabledSources(t *testing.T) {
	s := openTestStore(t)
	sources, err := s.EnabledSources(context.Background())
	if err != nil {
		t.Fatalf("EnabledSources: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("len = %d, want 2 (disabled source excluded)", len(sources))
	}
	if sources[0].ID != "wire_a" || sources[1].ID != "wire_b" {
		t.Errorf("order = %s, %s, want wire_a, wire_b", sources[0].ID, sources[1].ID)
	}
}

func TestUpsertItemDedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	item := &store.Item{
		ID: "id-1", SourceID: "wire_a", Published: ptrTime(now),
		Fetched: now, Title: "Fed raises rates", URL: "https://a/1",
	}
	ann := &store.Annotations{
		Topics: []string{"fed", "rates"}, AssetClasses: []string{"equities"},
		Geo: []string{"US"}, Direction: "neg", Urgency: "high", Mode: "policy",
		RuleVersion: "rules_v1",
	}
	mustUpsert(t, s, item, ann)

	// WHAT: second upsert of the same identity writes nothing.
	again := &store.Item{
		ID: "id-1", SourceID: "wire_a", Fetched: now.Add(time.Hour),
		Title: "Fed raises rates (updated)", URL: "https://a/1b",
	}
	inserted, err := s.UpsertItem(ctx, again, ann)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if inserted {
		t.Error("second upsert reported inserted = true")
	}

	rows, err := s.Items(ctx, store.ItemQuery{Since: now.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	r := rows[0]
	if r.Title != "Fed raises rates" {
		t.Errorf("title = %q, want original preserved", r.Title)
	}
	if len(r.Topics) != 2 || r.Topics[0] != "fed" || r.Topics[1] != "rates" {
		t.Errorf("topics = %v", r.Topics)
	}
	if len(r.AssetClasses) != 1 || r.AssetClasses[0] != "equities" {
		t.Errorf("asset classes = %v", r.AssetClasses)
	}
	if len(r.Geo) != 1 || r.Geo[0] != "US" {
		t.Errorf("geo = %v", r.Geo)
	}
	if r.Direction != "neg" || r.Urgency != "high" || r.Mode != "policy" {
		t.Errorf("signal = %s/%s/%s", r.Direction, r.Urgency, r.Mode)
	}
	if r.Publisher != "Wire" || r.Category != "A" {
		t.Errorf("source join = %s/%s", r.Publisher, r.Category)
	}
}

func TestItemsFiltersAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustUpsert(t, s, &store.Item{
		ID: "old", SourceID: "wire_a", Published: ptrTime(now.Add(-3 * time.Hour)),
		Fetched: now, Title: "old story", URL: "u1",
	}, &store.Annotations{Topics: []string{"fed"}, Direction: "neutral", Urgency: "low", Mode: "unknown", RuleVersion: "rules_v1"})
	mustUpsert(t, s, &store.Item{
		ID: "new", SourceID: "wire_b", Published: ptrTime(now.Add(-time.Hour)),
		Fetched: now, Title: "new story", URL: "u2",
	}, &store.Annotations{Topics: []string{"energy"}, Direction: "neutral", Urgency: "low", Mode: "unknown", RuleVersion: "rules_v1"})
	// Undated item windows by fetch time.
	mustUpsert(t, s, &store.Item{
		ID: "undated", SourceID: "wire_a",
		Fetched: now.Add(-30 * time.Minute), Title: "undated story", URL: "u3",
	}, nil)

	rows, err := s.Items(ctx, store.ItemQuery{Since: now.Add(-4 * time.Hour)})
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("len = %d, want 3", len(rows))
	}
	// Newest effective timestamp first: undated (-30m), new (-1h), old (-3h).
	if rows[0].ID != "undated" || rows[1].ID != "new" || rows[2].ID != "old" {
		t.Errorf("order = %s, %s, %s", rows[0].ID, rows[1].ID, rows[2].ID)
	}

	catB, err := s.Items(ctx, store.ItemQuery{Since: now.Add(-4 * time.Hour), Category: "B"})
	if err != nil {
		t.Fatalf("Items category: %v", err)
	}
	if len(catB) != 1 || catB[0].ID != "new" {
		t.Errorf("category filter = %v", catB)
	}

	fed, err := s.Items(ctx, store.ItemQuery{Since: now.Add(-4 * time.Hour), Topic: "fed"})
	if err != nil {
		t.Fatalf("Items topic: %v", err)
	}
	if len(fed) != 1 || fed[0].ID != "old" {
		t.Errorf("topic filter = %v", fed)
	}

	// Lookback cutoff excludes the old item.
	recent, err := s.Items(ctx, store.ItemQuery{Since: now.Add(-2 * time.Hour)})
	if err != nil {
		t.Fatalf("Items recent: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("len(recent) = %d, want 2", len(recent))
	}
}

func TestTopicCountsAndDirections(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, dir := range []string{"neg", "neg", "pos"} {
		mustUpsert(t, s, &store.Item{
			ID: string(rune('a' + i)), SourceID: "wire_a", Published: ptrTime(now.Add(-time.Hour)),
			Fetched: now, Title: "story", URL: "u" + string(rune('a'+i)),
		}, &store.Annotations{
			Topics: []string{"fed"}, AssetClasses: []string{"equities"},
			Direction: dir, Urgency: "low", Mode: "unknown", RuleVersion: "rules_v1",
		})
	}

	counts, err := s.TopicCounts(ctx, store.ItemQuery{Since: now.Add(-2 * time.Hour)})
	if err != nil {
		t.Fatalf("TopicCounts: %v", err)
	}
	// WHY: only topic tags count here; the equities asset tag must not appear.
	if len(counts) != 1 || counts[0].Topic != "fed" || counts[0].Count != 3 {
		t.Errorf("counts = %v, want fed=3 only", counts)
	}

	d, err := s.Directions(ctx, store.ItemQuery{Since: now.Add(-2 * time.Hour)})
	if err != nil {
		t.Fatalf("Directions: %v", err)
	}
	if d.Neg != 2 || d.Pos != 1 || d.Neutral != 0 || d.Mixed != 0 {
		t.Errorf("directions = %+v", d)
	}
}

func TestTopicCountsBetweenWindows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Two in the recent window, one in the prior window.
	for i, age := range []time.Duration{-time.Hour, -2 * time.Hour, -8 * time.Hour} {
		mustUpsert(t, s, &store.Item{
			ID: string(rune('a' + i)), SourceID: "wire_a", Published: ptrTime(now.Add(age)),
			Fetched: now, Title: "story", URL: "u" + string(rune('a'+i)),
		}, &store.Annotations{Topics: []string{"energy"}, Direction: "neutral", Urgency: "low", Mode: "unknown", RuleVersion: "rules_v1"})
	}

	recent, err := s.TopicCountsBetween(ctx, now.Add(-6*time.Hour), time.Time{}, "")
	if err != nil {
		t.Fatalf("recent window: %v", err)
	}
	if recent["energy"] != 2 {
		t.Errorf("recent energy = %d, want 2", recent["energy"])
	}

	prior, err := s.TopicCountsBetween(ctx, now.Add(-12*time.Hour), now.Add(-6*time.Hour), "")
	if err != nil {
		t.Fatalf("prior window: %v", err)
	}
	if prior["energy"] != 1 {
		t.Errorf("prior energy = %d, want 1", prior["energy"])
	}
}

func TestTopicPublishers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Same topic from two distinct publishers plus a repeat from the first.
	specs := []struct{ id, source string }{
		{"p1", "wire_a"}, {"p2", "wire_a"}, {"p3", "wire_b"},
	}
	for _, sp := range specs {
		mustUpsert(t, s, &store.Item{
			ID: sp.id, SourceID: sp.source, Published: ptrTime(now.Add(-time.Hour)),
			Fetched: now, Title: "story " + sp.id, URL: "u" + sp.id,
		}, &store.Annotations{Topics: []string{"china"}, Direction: "neutral", Urgency: "low", Mode: "unknown", RuleVersion: "rules_v1"})
	}

	pubs, err := s.TopicPublishers(ctx, now.Add(-12*time.Hour), "")
	if err != nil {
		t.Fatalf("TopicPublishers: %v", err)
	}
	if pubs["china"].Publishers != 2 {
		t.Errorf("china publishers = %d, want 2 distinct", pubs["china"].Publishers)
	}
	if pubs["china"].Items != 3 {
		t.Errorf("china items = %d, want 3", pubs["china"].Items)
	}
}

func TestReplaceAndReadClusters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"c1", "c2", "c3"} {
		mustUpsert(t, s, &store.Item{
			ID: id, SourceID: "wire_a", Published: ptrTime(now.Add(-time.Hour)),
			Fetched: now, Title: "headline " + id, URL: "u" + id,
		}, nil)
	}
	// A second cluster anchored in category B, for filter coverage.
	for _, id := range []string{"b1", "b2"} {
		mustUpsert(t, s, &store.Item{
			ID: id, SourceID: "wire_b", Published: ptrTime(now.Add(-time.Hour)),
			Fetched: now, Title: "headline " + id, URL: "u" + id,
		}, nil)
	}

	clusters := []*store.Cluster{
		{ID: "cl-1", CanonicalID: "c1", Topic: "fed", Size: 2,
			BuiltAt: now, MemberIDs: []string{"c1", "c2"}},
		{ID: "cl-2", CanonicalID: "b1", Topic: "oil", Size: 2,
			BuiltAt: now, MemberIDs: []string{"b1", "b2"}},
	}
	if err := s.ReplaceClusters(ctx, clusters); err != nil {
		t.Fatalf("ReplaceClusters: %v", err)
	}

	window := store.ItemQuery{Since: now.Add(-2 * time.Hour)}
	rows, err := s.Clusters(ctx, window)
	if err != nil {
		t.Fatalf("Clusters: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len = %d, want 2", len(rows))
	}
	if rows[0].CanonicalTitle != "headline c1" || rows[0].Size != 2 {
		t.Errorf("row = %+v", rows[0])
	}
	if len(rows[0].MemberTitles) != 2 {
		t.Errorf("members = %v", rows[0].MemberTitles)
	}

	// Category filters on the canonical item's source; topic on the cluster.
	rows, err = s.Clusters(ctx, store.ItemQuery{Since: window.Since, Category: "B"})
	if err != nil {
		t.Fatalf("Clusters category filter: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "cl-2" {
		t.Errorf("category B rows = %+v, want only cl-2", rows)
	}
	rows, err = s.Clusters(ctx, store.ItemQuery{Since: window.Since, Topic: "fed"})
	if err != nil {
		t.Fatalf("Clusters topic filter: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "cl-1" {
		t.Errorf("topic fed rows = %+v, want only cl-1", rows)
	}

	// A rebuild replaces everything.
	if err := s.ReplaceClusters(ctx, nil); err != nil {
		t.Fatalf("ReplaceClusters empty: %v", err)
	}
	rows, err = s.Clusters(ctx, window)
	if err != nil {
		t.Fatalf("Clusters after rebuild: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("len = %d after empty rebuild, want 0", len(rows))
	}
}

func TestDeleteItemsBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustUpsert(t, s, &store.Item{
		ID: "stale", SourceID: "wire_a", Published: ptrTime(now.Add(-100 * 24 * time.Hour)),
		Fetched: now, Title: "ancient", URL: "u1",
	}, &store.Annotations{
		Topics: []string{"fed", "rates"}, Direction: "neg", Urgency: "low",
		Mode: "unknown", RuleVersion: "rules_v1",
	})
	// Undated item gates on fetch time and stays.
	mustUpsert(t, s, &store.Item{
		ID: "fresh", SourceID: "wire_a", Fetched: now, Title: "fresh", URL: "u2",
	}, nil)

	stats, err := s.DeleteItemsBefore(ctx, now.Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteItemsBefore: %v", err)
	}
	if stats.Items != 1 || stats.Tags != 2 || stats.Signals != 1 {
		t.Errorf("stats = %+v, want items=1 tags=2 signals=1", stats)
	}

	rows, err := s.Items(ctx, store.ItemQuery{Since: now.Add(-200 * 24 * time.Hour)})
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "fresh" {
		t.Errorf("survivors = %v", rows)
	}
}

func TestMaintenanceState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, err := s.GetState(ctx, store.StateLastCleanup)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if v != "" {
		t.Errorf("unset key = %q, want empty", v)
	}

	if err := s.SetState(ctx, store.StateLastCleanup, "12345"); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := s.SetState(ctx, store.StateLastCleanup, "67890"); err != nil {
		t.Fatalf("SetState overwrite: %v", err)
	}
	v, err = s.GetState(ctx, store.StateLastCleanup)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if v != "67890" {
		t.Errorf("value = %q, want 67890", v)
	}
}

func TestSourceHealthErrorsFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ok := now.Add(-time.Minute)
	if err := s.UpsertSourceStatus(ctx, &store.SourceStatus{
		SourceID: "wire_a", LastFetch: &ok, LastOK: &ok, HTTPStatus: 200,
		ItemsSeen: 10, ItemsAdded: 3,
	}); err != nil {
		t.Fatalf("status ok: %v", err)
	}
	failed := now.Add(-2 * time.Hour)
	if err := s.UpsertSourceStatus(ctx, &store.SourceStatus{
		SourceID: "wire_b", LastFetch: &failed, LastError: "http 503", HTTPStatus: 503,
	}); err != nil {
		t.Fatalf("status failed: %v", err)
	}

	rows, err := s.SourceHealth(ctx)
	if err != nil {
		t.Fatalf("SourceHealth: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len = %d, want 2", len(rows))
	}
	// WHAT: the failing source sorts first despite being fetched earlier.
	if rows[0].SourceID != "wire_b" {
		t.Errorf("first row = %s, want wire_b (error first)", rows[0].SourceID)
	}
	if rows[1].ItemsAdded != 3 {
		t.Errorf("wire_a items added = %d, want 3", rows[1].ItemsAdded)
	}
}

func TestArchiveRowsBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustUpsert(t, s, &store.Item{
		ID: "old", SourceID: "wire_a", Published: ptrTime(now.Add(-40 * 24 * time.Hour)),
		Fetched: now, Title: "doomed", URL: "u1",
	}, &store.Annotations{
		Topics: []string{"fed"}, Geo: []string{"US"}, Direction: "neg",
		Urgency: "high", Mode: "policy", RuleVersion: "rules_v1",
	})
	mustUpsert(t, s, &store.Item{
		ID: "new", SourceID: "wire_a", Published: ptrTime(now.Add(-time.Hour)),
		Fetched: now, Title: "kept", URL: "u2",
	}, nil)

	rows, err := s.ArchiveRowsBefore(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("ArchiveRowsBefore: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len = %d, want 1", len(rows))
	}
	a := rows[0]
	if a.ItemID != "old" || a.Publisher != "Wire" || a.Direction != "neg" {
		t.Errorf("row = %+v", a)
	}
	if len(a.Topics) != 1 || a.Topics[0] != "fed" {
		t.Errorf("topics = %v", a.Topics)
	}
	if len(a.Geo) != 1 || a.Geo[0] != "US" {
		t.Errorf("geo = %v", a.Geo)
	}
}
