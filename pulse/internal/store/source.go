package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/feedpulse/feedpulse/dbopen"
)

// SeedSources inserts or replaces the source catalog. Existing status and
// item rows keyed by source_id survive a reseed.
func (s *Store) SeedSources(ctx context.Context, sources []Source) error {
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		for _, src := range sources {
			enabled := 0
			if src.Enabled {
				enabled = 1
			}
			_, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO sources
				(source_id, publisher, feed_name, category, rss_url, cadence_hint, enabled)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				src.ID, src.Publisher, src.FeedName, src.Category, src.RSSURL,
				src.CadenceHint, enabled,
			)
			if err != nil {
				return fmt.Errorf("seed source %s: %w", src.ID, err)
			}
		}
		return nil
	})
}

// SeedTags registers the tag vocabulary of the active ruleset.
func (s *Store) SeedTags(ctx context.Context, tagType string, tags []string) error {
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		for _, tag := range tags {
			_, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO tags (tag, tag_type, description) VALUES (?, ?, ?)`,
				tag, tagType, "auto "+tagType+" tag: "+tag,
			)
			if err != nil {
				return fmt.Errorf("seed tag %s: %w", tag, err)
			}
		}
		return nil
	})
}

// EnabledSources returns the sources a fetch cycle should visit, in stable
// source_id order.
func (s *Store) EnabledSources(ctx context.Context) ([]*Source, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT source_id, publisher, feed_name, category, rss_url, cadence_hint, enabled
		FROM sources WHERE enabled = 1 ORDER BY source_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Source
	for rows.Next() {
		var src Source
		var enabled int
		if err := rows.Scan(&src.ID, &src.Publisher, &src.FeedName, &src.Category,
			&src.RSSURL, &src.CadenceHint, &enabled); err != nil {
			return nil, err
		}
		src.Enabled = enabled != 0
		out = append(out, &src)
	}
	return out, rows.Err()
}

// UpsertSourceStatus overwrites the status row for a source; only the latest
// fetch outcome is kept.
func (s *Store) UpsertSourceStatus(ctx context.Context, st *SourceStatus) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT OR REPLACE INTO source_status
		(source_id, last_fetch_at, last_ok_at, last_error, last_http_status,
		 items_seen_last_fetch, items_added_last_fetch)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		st.SourceID, timeToMsPtr(st.LastFetch), timeToMsPtr(st.LastOK),
		st.LastError, st.HTTPStatus, st.ItemsSeen, st.ItemsAdded,
	)
	return err
}

// SourceHealth returns status rows joined with source metadata, sources with
// a recorded error first, then most recently fetched.
func (s *Store) SourceHealth(ctx context.Context) ([]*SourceHealthRow, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT ss.source_id, ss.last_fetch_at, ss.last_ok_at, ss.last_error,
		        ss.last_http_status, ss.items_seen_last_fetch, ss.items_added_last_fetch,
		        s.publisher, s.feed_name, s.category
		FROM source_status ss
		JOIN sources s ON s.source_id = ss.source_id
		WHERE ss.last_fetch_at IS NOT NULL
		ORDER BY CASE WHEN ss.last_error != '' THEN 0 ELSE 1 END,
		         ss.last_fetch_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SourceHealthRow
	for rows.Next() {
		var r SourceHealthRow
		var lastFetch, lastOK *int64
		if err := rows.Scan(&r.SourceID, &lastFetch, &lastOK, &r.LastError,
			&r.HTTPStatus, &r.ItemsSeen, &r.ItemsAdded,
			&r.Publisher, &r.FeedName, &r.Category); err != nil {
			return nil, err
		}
		r.LastFetch = msToTimePtr(lastFetch)
		r.LastOK = msToTimePtr(lastOK)
		out = append(out, &r)
	}
	return out, rows.Err()
}
