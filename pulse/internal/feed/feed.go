// Package feed parses fetched feed documents into normalized entries.
//
// Format detection (RSS 0.9x/1.0/2.0, Atom, JSON Feed) is delegated to
// gofeed. This package owns the normalization on top: HTML is stripped out
// of summaries, whitespace is collapsed, and entries that cannot become a
// dashboard item (no title or no link) are dropped at the boundary.
package feed

import (
	"bytes"
	"fmt"
	"html"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"github.com/feedpulse/feedpulse/pulse/internal/canon"
)

// MaxSummaryLen caps stored summaries, in characters; entries only feed a
// headline dashboard, not a reader.
const MaxSummaryLen = 1000

// Entry is one usable feed item.
type Entry struct {
	GUID    string
	Title   string
	Link    string
	Summary string // empty when the feed carries none
	// Published is nil when the feed gives no parseable timestamp.
	Published *time.Time
}

// Parser converts raw feed bytes into entries.
type Parser struct {
	inner    *gofeed.Parser
	sanitize *bluemonday.Policy
}

func NewParser() *Parser {
	return &Parser{
		inner:    gofeed.NewParser(),
		sanitize: bluemonday.StrictPolicy(),
	}
}

// Parse parses a feed document. Entries missing a title or link are skipped;
// a document that cannot be parsed at all returns an error.
func (p *Parser) Parse(raw []byte) ([]Entry, error) {
	parsed, err := p.inner.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("feed: parse: %w", err)
	}

	entries := make([]Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		title := canon.NormalizeWS(item.Title)
		link := item.Link
		if title == "" || link == "" {
			continue
		}
		entries = append(entries, Entry{
			GUID:      item.GUID,
			Title:     title,
			Link:      link,
			Summary:   p.summary(item),
			Published: publishedAt(item),
		})
	}
	return entries, nil
}

func (p *Parser) summary(item *gofeed.Item) string {
	raw := item.Description
	if raw == "" {
		raw = item.Content
	}
	if raw == "" {
		return ""
	}
	// bluemonday entity-escapes its output; unescape to get plain text back.
	s := canon.NormalizeWS(html.UnescapeString(p.sanitize.Sanitize(raw)))
	// The cap counts characters, not bytes; slicing bytes could split a rune.
	if utf8.RuneCountInString(s) > MaxSummaryLen {
		runes := []rune(s)
		s = string(runes[:MaxSummaryLen])
	}
	return s
}

// publishedAt prefers the published timestamp, falls back to updated, and
// returns nil when neither parses. Entries without one still ingest; they
// just sort and window by fetch time instead.
func publishedAt(item *gofeed.Item) *time.Time {
	if item.PublishedParsed != nil {
		t := item.PublishedParsed.UTC()
		return &t
	}
	if item.UpdatedParsed != nil {
		t := item.UpdatedParsed.UTC()
		return &t
	}
	return nil
}
