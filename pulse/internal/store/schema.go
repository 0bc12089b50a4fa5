package store

// Schema is the complete pulse schema. Child tables cascade on item delete
// so retention can remove an item and its annotations in one statement.
const Schema = `
-- Feed sources (seeded from the catalog, YAML-overridable)
CREATE TABLE IF NOT EXISTS sources (
    source_id    TEXT PRIMARY KEY,
    publisher    TEXT NOT NULL,
    feed_name    TEXT NOT NULL,
    category     TEXT NOT NULL,
    rss_url      TEXT NOT NULL,
    cadence_hint TEXT NOT NULL DEFAULT '',
    enabled      INTEGER NOT NULL DEFAULT 1
);

-- Deduplicated feed items; item_id is the content-addressed identity
CREATE TABLE IF NOT EXISTS items (
    item_id      TEXT PRIMARY KEY,
    source_id    TEXT NOT NULL REFERENCES sources(source_id),
    published_at INTEGER,
    fetched_at   INTEGER NOT NULL,
    title        TEXT NOT NULL,
    url          TEXT NOT NULL,
    guid         TEXT NOT NULL DEFAULT '',
    summary      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_items_published ON items(published_at);
CREATE INDEX IF NOT EXISTS idx_items_fetched   ON items(fetched_at);
CREATE INDEX IF NOT EXISTS idx_items_source    ON items(source_id);

-- Tag vocabulary; tag_type is topic, asset_class or geo
CREATE TABLE IF NOT EXISTS tags (
    tag         TEXT PRIMARY KEY,
    tag_type    TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS item_tags (
    item_id    TEXT NOT NULL REFERENCES items(item_id) ON DELETE CASCADE,
    tag        TEXT NOT NULL REFERENCES tags(tag),
    confidence REAL NOT NULL DEFAULT 1.0,
    tagger     TEXT NOT NULL,
    PRIMARY KEY (item_id, tag)
);
CREATE INDEX IF NOT EXISTS idx_item_tags_tag ON item_tags(tag);

-- One classification signal per item
CREATE TABLE IF NOT EXISTS signals (
    item_id   TEXT PRIMARY KEY REFERENCES items(item_id) ON DELETE CASCADE,
    direction TEXT NOT NULL,
    urgency   TEXT NOT NULL,
    mode      TEXT NOT NULL,
    scorer    TEXT NOT NULL
);

-- Last-fetch outcome per source, overwritten each cycle
CREATE TABLE IF NOT EXISTS source_status (
    source_id              TEXT PRIMARY KEY REFERENCES sources(source_id),
    last_fetch_at          INTEGER,
    last_ok_at             INTEGER,
    last_error             TEXT NOT NULL DEFAULT '',
    last_http_status       INTEGER NOT NULL DEFAULT 0,
    items_seen_last_fetch  INTEGER NOT NULL DEFAULT 0,
    items_added_last_fetch INTEGER NOT NULL DEFAULT 0
);

-- Near-duplicate story clusters, rebuilt after each cycle
CREATE TABLE IF NOT EXISTS clusters (
    cluster_id        TEXT PRIMARY KEY,
    canonical_item_id TEXT NOT NULL REFERENCES items(item_id) ON DELETE CASCADE,
    topic             TEXT NOT NULL,
    size              INTEGER NOT NULL,
    built_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS item_clusters (
    item_id    TEXT NOT NULL REFERENCES items(item_id) ON DELETE CASCADE,
    cluster_id TEXT NOT NULL REFERENCES clusters(cluster_id) ON DELETE CASCADE,
    PRIMARY KEY (item_id, cluster_id)
);

-- Key/value state for maintenance bookkeeping (last_cleanup, last_cycle)
CREATE TABLE IF NOT EXISTS maintenance_state (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`
