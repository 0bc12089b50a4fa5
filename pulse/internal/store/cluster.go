package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/feedpulse/feedpulse/dbopen"
)

// ReplaceClusters swaps the cluster tables for a freshly built set in one
// transaction. Readers either see the previous build or the new one, never a
// half-written mix.
func (s *Store) ReplaceClusters(ctx context.Context, clusters []*Cluster) error {
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM item_clusters`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM clusters`); err != nil {
			return err
		}
		for _, c := range clusters {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO clusters (cluster_id, canonical_item_id, topic, size, built_at)
				VALUES (?, ?, ?, ?, ?)`,
				c.ID, c.CanonicalID, c.Topic, c.Size, c.BuiltAt.UnixMilli(),
			); err != nil {
				return fmt.Errorf("insert cluster %s: %w", c.ID, err)
			}
			for _, memberID := range c.MemberIDs {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO item_clusters (item_id, cluster_id) VALUES (?, ?)`,
					memberID, c.ID,
				); err != nil {
					return fmt.Errorf("insert cluster member %s: %w", memberID, err)
				}
			}
		}
		return nil
	})
}

// Clusters returns stored clusters of at least two members, largest first,
// with canonical and member headlines resolved for the dashboard. Category
// and topic filters apply to the canonical item, the cluster's display face.
func (s *Store) Clusters(ctx context.Context, q ItemQuery) ([]*ClusterRow, error) {
	where := []string{"c.size >= 2", effectiveTS + " >= ?"}
	args := []any{q.Since.UnixMilli()}
	if q.Category != "" {
		where = append(where, "s.category = ?")
		args = append(args, q.Category)
	}
	if q.Topic != "" {
		where = append(where, "c.topic = ?")
		args = append(args, q.Topic)
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT c.cluster_id, c.topic, c.size, c.canonical_item_id, i.title
		FROM clusters c
		JOIN items i ON i.item_id = c.canonical_item_id
		JOIN sources s ON s.source_id = i.source_id
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY c.size DESC, c.cluster_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ClusterRow
	byID := make(map[string]*ClusterRow)
	for rows.Next() {
		var r ClusterRow
		if err := rows.Scan(&r.ID, &r.Topic, &r.Size, &r.CanonicalID, &r.CanonicalTitle); err != nil {
			return nil, err
		}
		out = append(out, &r)
		byID[r.ID] = &r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}

	memberRows, err := s.DB.QueryContext(ctx,
		`SELECT ic.cluster_id, i.title
		FROM item_clusters ic
		JOIN items i ON i.item_id = ic.item_id
		ORDER BY ic.cluster_id, COALESCE(i.published_at, i.fetched_at), i.item_id`)
	if err != nil {
		return nil, err
	}
	defer memberRows.Close()

	for memberRows.Next() {
		var clusterID, title string
		if err := memberRows.Scan(&clusterID, &title); err != nil {
			return nil, err
		}
		if r, ok := byID[clusterID]; ok {
			r.MemberTitles = append(r.MemberTitles, title)
		}
	}
	return out, memberRows.Err()
}
