package main

import "testing"

func TestSimilarityThreshold(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"0.7", 0.7, true},
		{"1", 1, true},
		{"0.05", 0.05, true},
		{"0", 0, false},
		{"-0.3", 0, false},
		{"1.5", 0, false},
		{"high", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		got, err := similarityThreshold(c.in)
		if c.ok && (err != nil || got != c.want) {
			t.Errorf("similarityThreshold(%q) = %v, %v, want %v", c.in, got, err, c.want)
		}
		if !c.ok && err == nil {
			t.Errorf("similarityThreshold(%q) = %v, want error", c.in, got)
		}
	}
}
