package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/feedpulse/feedpulse/dbopen"
)

// Maintenance state keys.
const (
	StateLastCleanup = "last_cleanup"
	StateLastCycle   = "last_cycle"
)

// GetState returns a maintenance_state value, or "" when the key is unset.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.DB.QueryRowContext(ctx,
		`SELECT value FROM maintenance_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetState writes a maintenance_state value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT OR REPLACE INTO maintenance_state (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, time.Now().UnixMilli())
	return err
}

// DeleteItemsBefore removes items whose effective timestamp predates cutoff,
// along with their tags, signals and cluster memberships, in one transaction.
// Returned counts reflect what was actually removed.
func (s *Store) DeleteItemsBefore(ctx context.Context, cutoff time.Time) (CleanupStats, error) {
	var stats CleanupStats
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		ms := cutoff.UnixMilli()
		const doomed = `SELECT item_id FROM items i WHERE ` + effectiveTS + ` < ?`

		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM item_tags WHERE item_id IN (`+doomed+`)`, ms,
		).Scan(&stats.Tags); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM signals WHERE item_id IN (`+doomed+`)`, ms,
		).Scan(&stats.Signals); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM items WHERE item_id IN (`+doomed+`)`, ms)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		stats.Items = int(n)

		// Clusters whose canonical item was just removed cascade away; drop
		// any cluster left with fewer than two members as well.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM clusters WHERE cluster_id IN (
				SELECT c.cluster_id FROM clusters c
				LEFT JOIN item_clusters ic ON ic.cluster_id = c.cluster_id
				GROUP BY c.cluster_id HAVING COUNT(ic.item_id) < 2)`); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return CleanupStats{}, err
	}
	return stats, nil
}

// ArchiveRowsBefore exports the full dashboard view of every item whose
// effective timestamp predates cutoff, newest first.
func (s *Store) ArchiveRowsBefore(ctx context.Context, cutoff time.Time) ([]*ArchiveItem, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT i.item_id, i.source_id, i.published_at, i.fetched_at, i.title,
		        i.url, i.guid, i.summary,
		        s.publisher, s.feed_name, s.category,
		        COALESCE(sig.direction, ''), COALESCE(sig.urgency, ''), COALESCE(sig.mode, '')
		FROM items i
		JOIN sources s ON s.source_id = i.source_id
		LEFT JOIN signals sig ON sig.item_id = i.item_id
		WHERE `+effectiveTS+` < ?
		ORDER BY `+effectiveTS+` DESC, i.item_id`, cutoff.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ArchiveItem
	byID := make(map[string]*ArchiveItem)
	for rows.Next() {
		var a ArchiveItem
		var published *int64
		var fetched int64
		if err := rows.Scan(&a.ItemID, &a.SourceID, &published, &fetched, &a.Title,
			&a.URL, &a.GUID, &a.Summary,
			&a.Publisher, &a.FeedName, &a.Category,
			&a.Direction, &a.Urgency, &a.Mode); err != nil {
			return nil, err
		}
		a.Published = msToTimePtr(published)
		a.Fetched = msToTime(fetched)
		out = append(out, &a)
		byID[a.ItemID] = &a
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}

	tagRows, err := s.DB.QueryContext(ctx,
		`SELECT it.item_id, it.tag, t.tag_type
		FROM item_tags it
		JOIN tags t ON t.tag = it.tag
		JOIN items i ON i.item_id = it.item_id
		WHERE `+effectiveTS+` < ?
		ORDER BY it.item_id, t.tag_type, it.tag`, cutoff.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer tagRows.Close()

	for tagRows.Next() {
		var itemID, tag, tagType string
		if err := tagRows.Scan(&itemID, &tag, &tagType); err != nil {
			return nil, err
		}
		a, ok := byID[itemID]
		if !ok {
			continue
		}
		switch tagType {
		case TagTypeTopic:
			a.Topics = append(a.Topics, tag)
		case TagTypeAssetClass:
			a.AssetClasses = append(a.AssetClasses, tag)
		case TagTypeGeo:
			a.Geo = append(a.Geo, tag)
		}
	}
	return out, tagRows.Err()
}

// Vacuum reclaims database file space. Must run outside any transaction.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `VACUUM`)
	return err
}
