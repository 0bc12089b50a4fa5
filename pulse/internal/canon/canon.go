// Package canon derives stable content-addressed identities for feed items.
//
// Publishers are inconsistent about GUIDs: some feeds carry none, some reuse
// them across republications, and titles routinely grow wire-service suffixes
// ("... - Reuters"). ItemID folds those variations into one deterministic
// sha256 identity so the same story fetched twice dedupes to a single row.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	wsRe = regexp.MustCompile(`\s+`)

	// suffixRes strip common publisher attributions appended to syndicated
	// headlines. Matched case-insensitively against the already-lowercased
	// title, anchored at the end.
	suffixRes = []*regexp.Regexp{
		regexp.MustCompile(`\s+-\s+reuters$`),
		regexp.MustCompile(`\s+-\s+bloomberg$`),
		regexp.MustCompile(`\s+-\s+financial times$`),
		regexp.MustCompile(`\s+-\s+the economist$`),
		regexp.MustCompile(`\s+-\s+wsj$`),
	}
)

// NormalizeWS collapses runs of whitespace to single spaces and trims the ends.
func NormalizeWS(s string) string {
	return strings.TrimSpace(wsRe.ReplaceAllString(s, " "))
}

// NormalizeTitle lowercases, collapses whitespace, and strips known publisher
// suffixes from a headline. Used only for identity hashing; the stored title
// keeps its original casing.
func NormalizeTitle(title string) string {
	t := NormalizeWS(strings.ToLower(title))
	for _, re := range suffixRes {
		t = re.ReplaceAllString(t, "")
	}
	return t
}

// ItemID returns the stable identity of a feed entry as a lowercase sha256
// hex digest. When the feed supplies a GUID the identity is sourceID|guid,
// scoped per source so two feeds reusing the same GUID value stay distinct.
// Otherwise it falls back to sourceID|normalizedTitle|url.
func ItemID(sourceID, title, url, guid string) string {
	var base string
	if guid != "" {
		base = sourceID + "|" + guid
	} else {
		base = sourceID + "|" + NormalizeTitle(title) + "|" + url
	}
	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:])
}
