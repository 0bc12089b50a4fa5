package store

import "time"

// Tag kinds in the tags vocabulary.
const (
	TagTypeTopic      = "topic"
	TagTypeAssetClass = "asset_class"
	TagTypeGeo        = "geo"
)

// Source is one monitored feed.
type Source struct {
	ID          string
	Publisher   string
	FeedName    string
	Category    string
	RSSURL      string
	CadenceHint string
	Enabled     bool
}

// Item is one deduplicated feed item.
type Item struct {
	ID        string     `json:"item_id"`
	SourceID  string     `json:"source_id"`
	Published *time.Time `json:"published_at,omitempty"` // nil when the feed carried no usable timestamp
	Fetched   time.Time  `json:"fetched_at"`
	Title     string     `json:"title"`
	URL       string     `json:"url"`
	GUID      string     `json:"guid,omitempty"`
	Summary   string     `json:"summary,omitempty"`
}

// Annotations is the rule output stored alongside an item.
type Annotations struct {
	Topics       []string
	AssetClasses []string
	Geo          []string
	Direction    string
	Urgency      string
	Mode         string
	RuleVersion  string
}

// ItemRow is a dashboard item: the item joined with its source metadata,
// signal, and grouped tags.
type ItemRow struct {
	Item
	Publisher    string   `json:"publisher"`
	FeedName     string   `json:"feed_name"`
	Category     string   `json:"category"`
	Direction    string   `json:"direction,omitempty"`
	Urgency      string   `json:"urgency,omitempty"`
	Mode         string   `json:"mode,omitempty"`
	Topics       []string `json:"topics,omitempty"`
	AssetClasses []string `json:"asset_classes,omitempty"`
	Geo          []string `json:"geo_tags,omitempty"`
}

// ItemQuery filters the dashboard item list. Category and Topic are
// ignored when empty.
type ItemQuery struct {
	Since    time.Time
	Category string
	Topic    string
	Limit    int
}

// TopicCount is one row of the topic frequency panel.
type TopicCount struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

// Directions is the framing distribution over a window.
type Directions struct {
	Pos     int `json:"pos"`
	Neg     int `json:"neg"`
	Neutral int `json:"neutral"`
	Mixed   int `json:"mixed"`
}

// SourceStatus is the recorded outcome of a source's most recent fetch.
type SourceStatus struct {
	SourceID   string     `json:"source_id"`
	LastFetch  *time.Time `json:"last_fetch_at,omitempty"`
	LastOK     *time.Time `json:"last_ok_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	HTTPStatus int        `json:"last_http_status,omitempty"`
	ItemsSeen  int        `json:"items_seen_last_fetch"`
	ItemsAdded int        `json:"items_added_last_fetch"`
}

// SourceHealthRow joins a status row with its source metadata.
type SourceHealthRow struct {
	SourceStatus
	Publisher string `json:"publisher"`
	FeedName  string `json:"feed_name"`
	Category  string `json:"category"`
}

// Cluster is one near-duplicate story group.
type Cluster struct {
	ID          string
	CanonicalID string
	Topic       string
	Size        int
	BuiltAt     time.Time
	MemberIDs   []string
}

// ClusterRow is a cluster prepared for the dashboard: canonical headline
// plus member headlines.
type ClusterRow struct {
	ID             string   `json:"cluster_id"`
	Topic          string   `json:"topic"`
	Size           int      `json:"size"`
	CanonicalID    string   `json:"canonical_item_id"`
	CanonicalTitle string   `json:"canonical_title"`
	MemberTitles   []string `json:"member_titles"`
}

// CandidateItem is the slice of an item that clustering needs.
type CandidateItem struct {
	ID        string
	Title     string
	Published *time.Time
	Fetched   time.Time
	Topics    []string
}

// ArchiveItem is one exported row in a retention archive.
type ArchiveItem struct {
	ItemID       string     `json:"item_id"`
	SourceID     string     `json:"source_id"`
	Publisher    string     `json:"publisher"`
	FeedName     string     `json:"feed_name"`
	Category     string     `json:"category"`
	Title        string     `json:"title"`
	URL          string     `json:"url"`
	GUID         string     `json:"guid,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	Published    *time.Time `json:"published_at,omitempty"`
	Fetched      time.Time  `json:"fetched_at"`
	Direction    string     `json:"direction,omitempty"`
	Urgency      string     `json:"urgency,omitempty"`
	Mode         string     `json:"mode,omitempty"`
	Topics       []string   `json:"topics,omitempty"`
	AssetClasses []string   `json:"asset_classes,omitempty"`
	Geo          []string   `json:"geo_tags,omitempty"`
}

// CleanupStats reports what a retention pass removed.
type CleanupStats struct {
	Items   int `json:"items_deleted"`
	Tags    int `json:"tags_deleted"`
	Signals int `json:"signals_deleted"`
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func msToTimePtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := msToTime(*ms)
	return &t
}

func timeToMsPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
