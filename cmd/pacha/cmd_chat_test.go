package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		want chatCommand
		ok   bool
	}{
		{"hello there", chatCommand{}, false},
		{"/", chatCommand{}, false},
		{"/quit", chatCommand{name: "quit", args: []string{}}, true},
		{"/Thread  abc ", chatCommand{name: "thread", args: []string{"abc"}}, true},
		{"/feedback down wrong total", chatCommand{name: "feedback", args: []string{"down", "wrong", "total"}}, true},
	}
	for _, tt := range tests {
		got, ok := parseLine(tt.line)
		if ok != tt.ok {
			t.Errorf("%q: expected ok=%v, got %v", tt.line, tt.ok, ok)
			continue
		}
		if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(chatCommand{})); diff != "" {
			t.Errorf("%q: mismatch (-want +got):\n%s", tt.line, diff)
		}
	}
}

func TestParseRatingAndDecision(t *testing.T) {
	for in, want := range map[string]int{"up": 1, "DOWN": -1, "+1": 1, "-1": -1} {
		got, err := parseRating(in)
		if err != nil || got != want {
			t.Errorf("parseRating(%q): expected %d, got %d (%v)", in, want, got, err)
		}
	}
	for _, bad := range []string{"0", "2", "meh"} {
		if _, err := parseRating(bad); err == nil {
			t.Errorf("parseRating(%q): expected error", bad)
		}
	}

	if ok, err := parseDecision("approve"); err != nil || !ok {
		t.Errorf("expected approve to confirm, got %v %v", ok, err)
	}
	if ok, err := parseDecision("deny"); err != nil || ok {
		t.Errorf("expected deny to reject, got %v %v", ok, err)
	}
	if _, err := parseDecision("maybe"); err == nil {
		t.Error("expected error for unknown decision")
	}
}
