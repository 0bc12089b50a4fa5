package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/feedpulse/feedpulse/dbopen"
)

// UpsertItem inserts an item with its tags and signal in one transaction.
// When the identity already exists nothing is written and inserted is false;
// an item's first classification wins, re-fetching never rewrites it.
func (s *Store) UpsertItem(ctx context.Context, item *Item, ann *Annotations) (inserted bool, err error) {
	err = dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		var one int
		scanErr := tx.QueryRowContext(ctx,
			`SELECT 1 FROM items WHERE item_id = ?`, item.ID).Scan(&one)
		if scanErr == nil {
			return nil
		}
		if !errors.Is(scanErr, sql.ErrNoRows) {
			return scanErr
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO items
			(item_id, source_id, published_at, fetched_at, title, url, guid, summary)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.SourceID, timeToMsPtr(item.Published), item.Fetched.UnixMilli(),
			item.Title, item.URL, item.GUID, item.Summary,
		); err != nil {
			return fmt.Errorf("insert item: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO signals (item_id, direction, urgency, mode, scorer)
			VALUES (?, ?, ?, ?, ?)`,
			item.ID, ann.Direction, ann.Urgency, ann.Mode, ann.RuleVersion,
		); err != nil {
			return fmt.Errorf("insert signal: %w", err)
		}

		families := []struct {
			tagType string
			tags    []string
		}{
			{TagTypeTopic, ann.Topics},
			{TagTypeAssetClass, ann.AssetClasses},
			{TagTypeGeo, ann.Geo},
		}
		for _, fam := range families {
			for _, tag := range fam.tags {
				if _, err := tx.ExecContext(ctx,
					`INSERT OR IGNORE INTO tags (tag, tag_type, description) VALUES (?, ?, ?)`,
					tag, fam.tagType, "auto "+fam.tagType+" tag: "+tag,
				); err != nil {
					return fmt.Errorf("ensure tag %s: %w", tag, err)
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT OR IGNORE INTO item_tags (item_id, tag, confidence, tagger)
					VALUES (?, ?, 1.0, ?)`,
					item.ID, tag, ann.RuleVersion,
				); err != nil {
					return fmt.Errorf("insert item tag %s: %w", tag, err)
				}
			}
		}

		inserted = true
		return nil
	})
	return inserted, err
}

// HasItem reports whether the identity is already stored.
func (s *Store) HasItem(ctx context.Context, itemID string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx,
		`SELECT 1 FROM items WHERE item_id = ?`, itemID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Items returns dashboard items newest-first by effective timestamp. Tags
// are fetched in a second pass and grouped per item by tag type.
func (s *Store) Items(ctx context.Context, q ItemQuery) ([]*ItemRow, error) {
	where := []string{effectiveTS + " >= ?"}
	args := []any{q.Since.UnixMilli()}
	if q.Category != "" {
		where = append(where, "s.category = ?")
		args = append(args, q.Category)
	}
	if q.Topic != "" {
		where = append(where, "i.item_id IN (SELECT item_id FROM item_tags WHERE tag = ?)")
		args = append(args, q.Topic)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx,
		`SELECT i.item_id, i.source_id, i.published_at, i.fetched_at, i.title,
		        i.url, i.guid, i.summary,
		        s.publisher, s.feed_name, s.category,
		        COALESCE(sig.direction, ''), COALESCE(sig.urgency, ''), COALESCE(sig.mode, '')
		FROM items i
		JOIN sources s ON s.source_id = i.source_id
		LEFT JOIN signals sig ON sig.item_id = i.item_id
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY `+effectiveTS+` DESC, i.item_id
		LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ItemRow
	byID := make(map[string]*ItemRow)
	for rows.Next() {
		var r ItemRow
		var published *int64
		var fetched int64
		if err := rows.Scan(&r.ID, &r.SourceID, &published, &fetched, &r.Title,
			&r.URL, &r.GUID, &r.Summary,
			&r.Publisher, &r.FeedName, &r.Category,
			&r.Direction, &r.Urgency, &r.Mode); err != nil {
			return nil, err
		}
		r.Published = msToTimePtr(published)
		r.Fetched = msToTime(fetched)
		out = append(out, &r)
		byID[r.ID] = &r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}

	if err := s.attachTags(ctx, byID); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) attachTags(ctx context.Context, byID map[string]*ItemRow) error {
	ids := make([]string, 0, len(byID))
	args := make([]any, 0, len(byID))
	for id := range byID {
		ids = append(ids, "?")
		args = append(args, id)
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT it.item_id, it.tag, t.tag_type
		FROM item_tags it
		JOIN tags t ON t.tag = it.tag
		WHERE it.item_id IN (`+strings.Join(ids, ",")+`)
		ORDER BY it.item_id, t.tag_type, it.tag`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var itemID, tag, tagType string
		if err := rows.Scan(&itemID, &tag, &tagType); err != nil {
			return err
		}
		r, ok := byID[itemID]
		if !ok {
			continue
		}
		switch tagType {
		case TagTypeTopic:
			r.Topics = append(r.Topics, tag)
		case TagTypeAssetClass:
			r.AssetClasses = append(r.AssetClasses, tag)
		case TagTypeGeo:
			r.Geo = append(r.Geo, tag)
		}
	}
	return rows.Err()
}

// TopicCounts returns the 20 most frequent topic tags in the window, counting
// distinct items per tag.
func (s *Store) TopicCounts(ctx context.Context, q ItemQuery) ([]TopicCount, error) {
	where := []string{effectiveTS + " >= ?", "t.tag_type = ?"}
	args := []any{q.Since.UnixMilli(), TagTypeTopic}
	if q.Category != "" {
		where = append(where, "s.category = ?")
		args = append(args, q.Category)
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT it.tag, COUNT(DISTINCT i.item_id) AS n
		FROM items i
		JOIN sources s ON s.source_id = i.source_id
		JOIN item_tags it ON it.item_id = i.item_id
		JOIN tags t ON t.tag = it.tag
		WHERE `+strings.Join(where, " AND ")+`
		GROUP BY it.tag
		ORDER BY n DESC, it.tag
		LIMIT 20`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TopicCount
	for rows.Next() {
		var tc TopicCount
		if err := rows.Scan(&tc.Topic, &tc.Count); err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// Directions returns the framing distribution over the window, optionally
// restricted to items carrying a given topic tag.
func (s *Store) Directions(ctx context.Context, q ItemQuery) (Directions, error) {
	where := []string{effectiveTS + " >= ?"}
	args := []any{q.Since.UnixMilli()}
	if q.Topic != "" {
		where = append(where, "i.item_id IN (SELECT item_id FROM item_tags WHERE tag = ?)")
		args = append(args, q.Topic)
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT COALESCE(sig.direction, 'neutral'), COUNT(DISTINCT i.item_id)
		FROM items i
		LEFT JOIN signals sig ON sig.item_id = i.item_id
		WHERE `+strings.Join(where, " AND ")+`
		GROUP BY sig.direction`, args...)
	if err != nil {
		return Directions{}, err
	}
	defer rows.Close()

	var d Directions
	for rows.Next() {
		var direction string
		var n int
		if err := rows.Scan(&direction, &n); err != nil {
			return Directions{}, err
		}
		switch direction {
		case "pos":
			d.Pos += n
		case "neg":
			d.Neg += n
		case "neutral":
			d.Neutral += n
		case "mixed":
			d.Mixed += n
		}
	}
	return d, rows.Err()
}

// Titles returns item titles in the window, for the rule audit which re-runs
// the live ruleset over the same population the dashboard sees.
func (s *Store) Titles(ctx context.Context, q ItemQuery) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT i.title FROM items i WHERE `+effectiveTS+` >= ?`,
		q.Since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
