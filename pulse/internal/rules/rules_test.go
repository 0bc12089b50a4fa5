package rules_test

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/feedpulse/feedpulse/pulse/internal/rules"
)

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

func TestClassifyPolicyHeadline(t *testing.T) {
	rs := rules.Default()
	c := rs.Classify("Stocks plunge as Fed signals more hikes")

	if !hasTag(c.Topics, "fed") || !hasTag(c.Topics, "rates") {
		t.Errorf("topics = %v, want fed and rates present", c.Topics)
	}
	if !hasTag(c.AssetClasses, "equities") {
		t.Errorf("asset classes = %v, want equities present", c.AssetClasses)
	}
	if c.Direction != "neg" {
		t.Errorf("direction = %q, want neg", c.Direction)
	}
	if c.Urgency != "high" {
		t.Errorf("urgency = %q, want high", c.Urgency)
	}
	if c.Mode != "policy" {
		t.Errorf("mode = %q, want policy", c.Mode)
	}
}

func TestDirection(t *testing.T) {
	rs := rules.Default()
	cases := []struct {
		title string
		want  string
	}{
		{"Markets crash on panic selling", "neg"},
		{"Tech shares rally to record high", "pos"},
		// WHAT: a headline with both positive and negative cues is mixed.
		{"Stocks rally after earlier plunge", "mixed"},
		{"Company announces new product line", "neutral"},
	}
	for _, c := range cases {
		if got := rs.Classify(c.title).Direction; got != c.want {
			t.Errorf("Direction(%q) = %q, want %q", c.title, got, c.want)
		}
	}
}

func TestUrgencyPriority(t *testing.T) {
	rs := rules.Default()
	cases := []struct {
		title string
		want  string
	}{
		// Both a high cue (crisis) and a med cue (pressure): high wins.
		{"Banking crisis puts pressure on lenders", "high"},
		{"Volatility concerns weigh on traders", "med"},
		{"Quarterly report released on schedule", "low"},
	}
	for _, c := range cases {
		if got := rs.Classify(c.title).Urgency; got != c.want {
			t.Errorf("Urgency(%q) = %q, want %q", c.title, got, c.want)
		}
	}
}

func TestModeOrder(t *testing.T) {
	rs := rules.Default()
	cases := []struct {
		title string
		want  string
	}{
		// Matches both explain (why) and policy (Fed); explain is checked first.
		{"Why the Fed is holding steady", "explain"},
		// Matches both warn (risks) and policy (Fed); warn is checked first.
		{"Fed sees growing risks to outlook", "warn"},
		{"Analysts call chipmaker undervalued", "opportunity"},
		{"Dollar steadies after sharp drop overnight", "posthoc"},
		{"ECB holds deposit facility unchanged", "policy"},
		{"Quiet session ahead of holiday", "unknown"},
	}
	for _, c := range cases {
		if got := rs.Classify(c.title).Mode; got != c.want {
			t.Errorf("Mode(%q) = %q, want %q", c.title, got, c.want)
		}
	}
}

func TestTagsSortedAndDeterministic(t *testing.T) {
	rs := rules.Default()
	title := "China markets fall as trade war hits global growth"
	first := rs.Classify(title)
	if !sort.StringsAreSorted(first.Topics) {
		t.Errorf("topics not sorted: %v", first.Topics)
	}
	for i := 0; i < 10; i++ {
		again := rs.Classify(title)
		if len(again.Topics) != len(first.Topics) {
			t.Fatalf("run %d: topics %v != %v", i, again.Topics, first.Topics)
		}
		for j := range again.Topics {
			if again.Topics[j] != first.Topics[j] {
				t.Fatalf("run %d: topics %v != %v", i, again.Topics, first.Topics)
			}
		}
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	rs, err := rules.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if c := rs.Classify("Fed rate decision"); !hasTag(c.Topics, "fed") {
		t.Errorf("defaults not in effect, topics = %v", c.Topics)
	}
}

func TestLoadOverrideReplacesFamily(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	override := "topics:\n  pets:\n    - '\\bdog(s)?\\b'\n"
	if err := os.WriteFile(path, []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}

	rs, err := rules.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	c := rs.Classify("Dogs rally as Fed signals more hikes")
	if !hasTag(c.Topics, "pets") {
		t.Errorf("override topic missing, topics = %v", c.Topics)
	}
	// WHY: an override replaces the whole family, so built-in topics vanish.
	if hasTag(c.Topics, "fed") {
		t.Errorf("built-in topic leaked through override, topics = %v", c.Topics)
	}
	// Other families keep their defaults.
	if c.Direction != "pos" {
		t.Errorf("direction = %q, want pos", c.Direction)
	}
	if c.Mode != "policy" {
		t.Errorf("mode = %q, want policy", c.Mode)
	}
}

func TestLoadBadRegexFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	override := "topics:\n  broken:\n    - '[unclosed'\n"
	if err := os.WriteFile(path, []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := rules.Load(path); err == nil {
		t.Fatal("expected error for invalid regex in override")
	}
}

func TestLoadBadYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(":\n\t- not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := rules.Load(path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}
