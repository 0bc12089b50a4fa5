package store

import (
	"context"
	"strings"
	"time"
)

// TopicCountsBetween counts distinct items per topic with effective timestamp
// in [from, to). A zero `to` leaves the window open-ended. Used for the
// acceleration windows.
func (s *Store) TopicCountsBetween(ctx context.Context, from, to time.Time, category string) (map[string]int, error) {
	where := []string{effectiveTS + " >= ?", "t.tag_type = ?"}
	args := []any{from.UnixMilli(), TagTypeTopic}
	if !to.IsZero() {
		where = append(where, effectiveTS+" < ?")
		args = append(args, to.UnixMilli())
	}
	if category != "" {
		where = append(where, "s.category = ?")
		args = append(args, category)
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT it.tag, COUNT(DISTINCT i.item_id)
		FROM items i
		JOIN sources s ON s.source_id = i.source_id
		JOIN item_tags it ON it.item_id = i.item_id
		JOIN tags t ON t.tag = it.tag
		WHERE `+strings.Join(where, " AND ")+`
		GROUP BY it.tag`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var tag string
		var n int
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, err
		}
		out[tag] = n
	}
	return out, rows.Err()
}

// TopicCoverage is per-topic publisher and item counts over a window.
type TopicCoverage struct {
	Publishers int
	Items      int
}

// TopicPublishers counts distinct publishers and distinct items covering
// each topic in the window. Used for convergence detection.
func (s *Store) TopicPublishers(ctx context.Context, since time.Time, category string) (map[string]TopicCoverage, error) {
	where := []string{effectiveTS + " >= ?", "t.tag_type = ?"}
	args := []any{since.UnixMilli(), TagTypeTopic}
	if category != "" {
		where = append(where, "s.category = ?")
		args = append(args, category)
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT it.tag, COUNT(DISTINCT s.publisher), COUNT(DISTINCT i.item_id)
		FROM items i
		JOIN sources s ON s.source_id = i.source_id
		JOIN item_tags it ON it.item_id = i.item_id
		JOIN tags t ON t.tag = it.tag
		WHERE `+strings.Join(where, " AND ")+`
		GROUP BY it.tag`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]TopicCoverage)
	for rows.Next() {
		var tag string
		var c TopicCoverage
		if err := rows.Scan(&tag, &c.Publishers, &c.Items); err != nil {
			return nil, err
		}
		out[tag] = c
	}
	return out, rows.Err()
}

// ClusterCandidates returns items in the window with their topic tags, the
// input to cluster building. Items without any topic tag are not returned;
// with no shared topic there is nothing to block on.
func (s *Store) ClusterCandidates(ctx context.Context, since time.Time) ([]*CandidateItem, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT i.item_id, i.title, i.published_at, i.fetched_at, it.tag
		FROM items i
		JOIN item_tags it ON it.item_id = i.item_id
		JOIN tags t ON t.tag = it.tag AND t.tag_type = ?
		WHERE `+effectiveTS+` >= ?
		ORDER BY i.item_id, it.tag`, TagTypeTopic, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CandidateItem
	var cur *CandidateItem
	for rows.Next() {
		var id, title, tag string
		var published *int64
		var fetched int64
		if err := rows.Scan(&id, &title, &published, &fetched, &tag); err != nil {
			return nil, err
		}
		if cur == nil || cur.ID != id {
			cur = &CandidateItem{
				ID:        id,
				Title:     title,
				Published: msToTimePtr(published),
				Fetched:   msToTime(fetched),
			}
			out = append(out, cur)
		}
		cur.Topics = append(cur.Topics, tag)
	}
	return out, rows.Err()
}
