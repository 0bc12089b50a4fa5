// Package rules classifies headlines with deterministic regex rule tables.
//
// Three multi-label tag families (topics, asset classes, geography) and three
// single-label signals (direction, urgency, mode) are derived from the title
// alone. Everything is pure regex over the raw headline: no feeds are
// re-fetched and no state is consulted, so the same title always classifies
// the same way under the same ruleset version.
package rules

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Version identifies the active ruleset. Stored alongside every signal row so
// historical classifications can be told apart after a rules change.
const Version = "rules_v1"

// Classification is the full rule output for one headline.
type Classification struct {
	Topics       []string
	AssetClasses []string
	Geo          []string
	Direction    string // neg, pos, mixed, neutral
	Urgency      string // high, med, low
	Mode         string // explain, warn, opportunity, posthoc, policy, unknown
}

type tagFamily struct {
	tags map[string][]*regexp.Regexp
}

type modeRule struct {
	name string
	pats []*regexp.Regexp
}

// Ruleset holds compiled rule tables. Build one with Default or Load; the
// zero value is not usable.
type Ruleset struct {
	topics       tagFamily
	assetClasses tagFamily
	geo          tagFamily
	negCues      []*regexp.Regexp
	posCues      []*regexp.Regexp
	urgHigh      []*regexp.Regexp
	urgMed       []*regexp.Regexp
	modes        []modeRule
}

// Override is the YAML shape accepted by Load. Each present family replaces
// the built-in table wholesale; absent families keep their defaults. The
// direction, urgency, and mode cue tables are not overridable.
type Override struct {
	Topics       map[string][]string `yaml:"topics"`
	AssetClasses map[string][]string `yaml:"asset_classes"`
	Geo          map[string][]string `yaml:"geo"`
}

// Default compiles the built-in rule tables.
func Default() *Ruleset {
	rs, err := build(defaultTopics, defaultAssetClasses, defaultGeo)
	if err != nil {
		// The built-in tables are constants; a compile failure here is a bug.
		panic(err)
	}
	return rs
}

// Load reads a YAML override file and compiles the resulting ruleset. A
// missing file is not an error and yields the defaults; an unreadable file,
// malformed YAML, or an invalid regex is fatal to configuration loading and
// returns an error so the caller can refuse to start.
func Load(path string) (*Ruleset, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}

	var ov Override
	if err := yaml.Unmarshal(raw, &ov); err != nil {
		return nil, fmt.Errorf("rules: parse %s: %w", path, err)
	}

	topics, assetClasses, geo := defaultTopics, defaultAssetClasses, defaultGeo
	if len(ov.Topics) > 0 {
		topics = ov.Topics
	}
	if len(ov.AssetClasses) > 0 {
		assetClasses = ov.AssetClasses
	}
	if len(ov.Geo) > 0 {
		geo = ov.Geo
	}
	rs, err := build(topics, assetClasses, geo)
	if err != nil {
		return nil, fmt.Errorf("rules: %s: %w", path, err)
	}
	return rs, nil
}

func build(topics, assetClasses, geo map[string][]string) (*Ruleset, error) {
	rs := &Ruleset{}
	var err error
	if rs.topics, err = compileFamily("topics", topics); err != nil {
		return nil, err
	}
	if rs.assetClasses, err = compileFamily("asset_classes", assetClasses); err != nil {
		return nil, err
	}
	if rs.geo, err = compileFamily("geo", geo); err != nil {
		return nil, err
	}
	rs.negCues = mustCompileAll(negCues)
	rs.posCues = mustCompileAll(posCues)
	rs.urgHigh = mustCompileAll(urgHighCues)
	rs.urgMed = mustCompileAll(urgMedCues)
	for _, m := range modeCues {
		rs.modes = append(rs.modes, modeRule{name: m.name, pats: mustCompileAll(m.pats)})
	}
	return rs, nil
}

func compileFamily(family string, raw map[string][]string) (tagFamily, error) {
	tf := tagFamily{tags: make(map[string][]*regexp.Regexp, len(raw))}
	for tag, pats := range raw {
		for _, p := range pats {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return tagFamily{}, fmt.Errorf("%s/%s: compile %q: %w", family, tag, p, err)
			}
			tf.tags[tag] = append(tf.tags[tag], re)
		}
	}
	return tf, nil
}

func mustCompileAll(pats []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(pats))
	for _, p := range pats {
		out = append(out, regexp.MustCompile("(?i)"+p))
	}
	return out
}

// TopicTags returns the topic tag names of the active ruleset, sorted.
func (rs *Ruleset) TopicTags() []string { return rs.topics.names() }

// AssetClassTags returns the asset-class tag names, sorted.
func (rs *Ruleset) AssetClassTags() []string { return rs.assetClasses.names() }

// GeoTags returns the geography tag names, sorted.
func (rs *Ruleset) GeoTags() []string { return rs.geo.names() }

func (tf tagFamily) names() []string {
	out := make([]string, 0, len(tf.tags))
	for tag := range tf.tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Classify runs every rule table against the headline.
func (rs *Ruleset) Classify(title string) Classification {
	return Classification{
		Topics:       rs.topics.match(title),
		AssetClasses: rs.assetClasses.match(title),
		Geo:          rs.geo.match(title),
		Direction:    rs.direction(title),
		Urgency:      rs.urgency(title),
		Mode:         rs.mode(title),
	}
}

func (tf tagFamily) match(title string) []string {
	var hits []string
	for tag, pats := range tf.tags {
		if anyMatch(pats, title) {
			hits = append(hits, tag)
		}
	}
	sort.Strings(hits)
	return hits
}

func (rs *Ruleset) direction(title string) string {
	neg := anyMatch(rs.negCues, title)
	pos := anyMatch(rs.posCues, title)
	switch {
	case neg && pos:
		return "mixed"
	case neg:
		return "neg"
	case pos:
		return "pos"
	}
	return "neutral"
}

func (rs *Ruleset) urgency(title string) string {
	if anyMatch(rs.urgHigh, title) {
		return "high"
	}
	if anyMatch(rs.urgMed, title) {
		return "med"
	}
	return "low"
}

// mode checks the mode tables in their fixed order and returns the first hit.
func (rs *Ruleset) mode(title string) string {
	for _, m := range rs.modes {
		if anyMatch(m.pats, title) {
			return m.name
		}
	}
	return "unknown"
}

func anyMatch(pats []*regexp.Regexp, s string) bool {
	for _, re := range pats {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
