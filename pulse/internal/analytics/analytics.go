// Package analytics derives narrative signals from the stored item corpus:
// topic acceleration (what is speeding up), publisher convergence (what
// everyone is suddenly covering) and near-duplicate story clusters. All three
// are pure functions of the database at the time of the call; nothing here
// refetches feeds.
package analytics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/feedpulse/feedpulse/pulse/internal/canon"
	"github.com/feedpulse/feedpulse/pulse/internal/store"
)

const (
	// AccelWindow is the size of each acceleration comparison window: the
	// last 6 hours against the 6 hours before that.
	AccelWindow = 6 * time.Hour
	accelLimit  = 15

	// ConvergenceWindow is the lookback for counting distinct publishers.
	ConvergenceWindow = 12 * time.Hour
	// DefaultMinPublishers is the convergence threshold: a topic needs at
	// least this many distinct publishers to register.
	DefaultMinPublishers = 3

	// DefaultSimilarity is the clustering similarity threshold.
	DefaultSimilarity = 0.7
	// clusterPairWindow bounds how far apart two items' effective
	// timestamps may be and still pair.
	clusterPairWindow = 2 * time.Hour
	// clusterLookback is how much history each cluster rebuild considers.
	clusterLookback = 48 * time.Hour
)

// AccelRow is one topic's acceleration score.
type AccelRow struct {
	Topic  string  `json:"topic"`
	Recent int     `json:"count_recent"`
	Prior  int     `json:"count_prior"`
	Delta  int     `json:"delta"`
	Ratio  float64 `json:"ratio"`
}

// ConvRow is one converged topic.
type ConvRow struct {
	Topic      string `json:"topic"`
	Publishers int    `json:"publishers"`
	Items      int    `json:"items"`
}

// Engine computes analytics over a Store.
type Engine struct {
	store         *store.Store
	similarity    float64
	minPublishers int
	now           func() time.Time
}

// Option adjusts Engine defaults.
type Option func(*Engine)

// WithSimilarityThreshold overrides the clustering similarity threshold.
func WithSimilarityThreshold(t float64) Option {
	return func(e *Engine) { e.similarity = t }
}

// WithMinPublishers overrides the convergence publisher threshold.
func WithMinPublishers(n int) Option {
	return func(e *Engine) { e.minPublishers = n }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(s *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:         s,
		similarity:    DefaultSimilarity,
		minPublishers: DefaultMinPublishers,
		now:           time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Acceleration compares per-topic counts in the last 6 hours against the
// prior 6 hours. Ratio is recent/prior, or just the recent count when the
// prior window is empty (a topic appearing from nothing is maximally
// accelerating). Rows sort by delta then ratio, descending, top 15.
func (e *Engine) Acceleration(ctx context.Context, category string) ([]AccelRow, error) {
	now := e.now()
	recentStart := now.Add(-AccelWindow)
	priorStart := now.Add(-2 * AccelWindow)

	recent, err := e.store.TopicCountsBetween(ctx, recentStart, time.Time{}, category)
	if err != nil {
		return nil, fmt.Errorf("analytics: recent window: %w", err)
	}
	prior, err := e.store.TopicCountsBetween(ctx, priorStart, recentStart, category)
	if err != nil {
		return nil, fmt.Errorf("analytics: prior window: %w", err)
	}

	topics := make(map[string]struct{}, len(recent)+len(prior))
	for t := range recent {
		topics[t] = struct{}{}
	}
	for t := range prior {
		topics[t] = struct{}{}
	}

	rows := make([]AccelRow, 0, len(topics))
	for topic := range topics {
		a, b := recent[topic], prior[topic]
		ratio := 0.0
		switch {
		case b > 0:
			ratio = float64(a) / float64(b)
		case a > 0:
			ratio = float64(a)
		}
		rows = append(rows, AccelRow{Topic: topic, Recent: a, Prior: b, Delta: a - b, Ratio: ratio})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Delta != rows[j].Delta {
			return rows[i].Delta > rows[j].Delta
		}
		if rows[i].Ratio != rows[j].Ratio {
			return rows[i].Ratio > rows[j].Ratio
		}
		return rows[i].Topic < rows[j].Topic
	})
	if len(rows) > accelLimit {
		rows = rows[:accelLimit]
	}
	return rows, nil
}

// Convergence returns topics covered by at least minPublishers distinct
// publishers over the last 12 hours, most covered first.
func (e *Engine) Convergence(ctx context.Context, category string) ([]ConvRow, error) {
	pubs, err := e.store.TopicPublishers(ctx, e.now().Add(-ConvergenceWindow), category)
	if err != nil {
		return nil, fmt.Errorf("analytics: publishers: %w", err)
	}

	var rows []ConvRow
	for topic, cov := range pubs {
		if cov.Publishers >= e.minPublishers {
			rows = append(rows, ConvRow{Topic: topic, Publishers: cov.Publishers, Items: cov.Items})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Publishers != rows[j].Publishers {
			return rows[i].Publishers > rows[j].Publishers
		}
		return rows[i].Topic < rows[j].Topic
	})
	return rows, nil
}

// RebuildClusters recomputes near-duplicate clusters over the recent corpus
// and replaces the stored set. Candidate pairs share a topic tag, sit within
// two hours of each other, and have title similarity at or above the
// threshold; union-find closes the pairs transitively, so A~B and B~C land
// in one cluster even when A and C alone would not pair.
func (e *Engine) RebuildClusters(ctx context.Context) error {
	items, err := e.store.ClusterCandidates(ctx, e.now().Add(-clusterLookback))
	if err != nil {
		return fmt.Errorf("analytics: candidates: %w", err)
	}
	clusters := e.buildClusters(items)
	if err := e.store.ReplaceClusters(ctx, clusters); err != nil {
		return fmt.Errorf("analytics: replace clusters: %w", err)
	}
	return nil
}

func (e *Engine) buildClusters(items []*store.CandidateItem) []*store.Cluster {
	if len(items) == 0 {
		return nil
	}

	// Deterministic processing order regardless of query order.
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	norm := make([]string, len(items))
	eff := make([]time.Time, len(items))
	for i, it := range items {
		norm[i] = canon.NormalizeTitle(it.Title)
		eff[i] = effectiveTime(it)
	}

	// Blocking: only items sharing a topic tag are compared.
	blocks := make(map[string][]int)
	for i, it := range items {
		for _, topic := range it.Topics {
			blocks[topic] = append(blocks[topic], i)
		}
	}

	uf := newUnionFind(len(items))
	for _, members := range blocks {
		for x := 0; x < len(members); x++ {
			for y := x + 1; y < len(members); y++ {
				i, j := members[x], members[y]
				if absDuration(eff[i].Sub(eff[j])) > clusterPairWindow {
					continue
				}
				if similarity(norm[i], norm[j]) >= e.similarity {
					uf.union(i, j)
				}
			}
		}
	}

	groups := make(map[int][]int)
	for i := range items {
		root := uf.find(i)
		groups[root] = append(groups[root], i)
	}

	builtAt := e.now()
	var out []*store.Cluster
	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		canonical := members[0]
		for _, m := range members[1:] {
			if eff[m].Before(eff[canonical]) ||
				(eff[m].Equal(eff[canonical]) && items[m].ID < items[canonical].ID) {
				canonical = m
			}
		}

		memberIDs := make([]string, 0, len(members))
		topicFreq := make(map[string]int)
		for _, m := range members {
			memberIDs = append(memberIDs, items[m].ID)
			for _, topic := range items[m].Topics {
				topicFreq[topic]++
			}
		}
		sort.Strings(memberIDs)

		out = append(out, &store.Cluster{
			ID:          clusterID(items[canonical].ID),
			CanonicalID: items[canonical].ID,
			Topic:       dominantTopic(topicFreq),
			Size:        len(members),
			BuiltAt:     builtAt,
			MemberIDs:   memberIDs,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// clusterID derives a stable id from the canonical member so rebuilds over
// the same corpus produce the same ids.
func clusterID(canonicalItemID string) string {
	sum := sha256.Sum256([]byte("cluster|" + canonicalItemID))
	return hex.EncodeToString(sum[:8])
}

func dominantTopic(freq map[string]int) string {
	best, bestN := "", -1
	for topic, n := range freq {
		if n > bestN || (n == bestN && topic < best) {
			best, bestN = topic, n
		}
	}
	return best
}

func effectiveTime(it *store.CandidateItem) time.Time {
	if it.Published != nil {
		return *it.Published
	}
	return it.Fetched
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
