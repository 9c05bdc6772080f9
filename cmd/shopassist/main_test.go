package main

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestSplitUtterances(t *testing.T) {
	if got := splitUtterances(""); len(got) != len(defaultUtterances) {
		t.Fatalf("splitUtterances(\"\") len = %d, want %d", len(got), len(defaultUtterances))
	}
	got := splitUtterances(" roses? | |soil ")
	if strings.Join(got, ",") != "roses?,soil" {
		t.Fatalf("splitUtterances() = %v, want [roses? soil]", got)
	}
	if got := splitUtterances("|  |"); len(got) != 0 {
		t.Fatalf("splitUtterances(blank parts) = %v, want empty", got)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	values := []time.Duration{50, 10, 40, 20, 30}
	if got := percentile(values, 0.5); got != 30 {
		t.Fatalf("p50 = %v, want 30", got)
	}
	if got := percentile(values, 0.95); got != 50 {
		t.Fatalf("p95 = %v, want 50", got)
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Fatalf("percentile(nil) = %v, want 0", got)
	}
	if values[0] != 50 {
		t.Fatalf("percentile reordered its input: %v", values)
	}
}

func TestWordReplyChunks(t *testing.T) {
	got := wordReply(2)("shade roses")
	want := []string{"You asked: ", "shade roses"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("wordReply() = %q, want %q", got, want)
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "shopassist "+version) {
		t.Fatalf("version output = %q", out.String())
	}
}
