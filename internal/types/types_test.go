package types

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"   ", 0},
		{"abc", 1},
		{"abcd", 2},
		{strings.Repeat("x", 40), 11},
		{"日本語テキスト", 2}, // runes, not bytes
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestRenderOrdering(t *testing.T) {
	mc := MemoryContext{
		AppliedPattern: &ProceduralPattern{InstructionTemplate: "Follow the deploy checklist."},
		WorkingMessages: []Message{
			{Role: RoleUser, Content: "ship it"},
		},
		Facts: []ExtractedFact{
			{Key: "editor", Value: "vim"},
		},
		ArchivedMessages: []EpisodicEvent{
			{Content: "deployed v2", OccurredAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		},
	}

	out := mc.Render()
	sections := []string{"## Instructions", "## Recent conversation", "## Known facts", "## Relevant history"}
	last := -1
	for _, s := range sections {
		idx := strings.Index(out, s)
		if idx < 0 {
			t.Fatalf("section %q missing from render:\n%s", s, out)
		}
		if idx < last {
			t.Errorf("section %q out of order", s)
		}
		last = idx
	}
	if !strings.Contains(out, "- editor: vim") {
		t.Errorf("fact not rendered:\n%s", out)
	}
	if strings.HasSuffix(out, "\n") {
		t.Error("render has trailing newline")
	}
}

func TestRenderEmpty(t *testing.T) {
	mc := MemoryContext{}
	if out := mc.Render(); out != "" {
		t.Errorf("empty context rendered %q", out)
	}
}

func TestSortMessagesChronological(t *testing.T) {
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	msgs := []Message{
		{ID: "b", Timestamp: ts},
		{ID: "c", Timestamp: ts.Add(time.Minute)},
		{ID: "a", Timestamp: ts},
	}
	SortMessagesChronological(msgs)
	got := msgs[0].ID + msgs[1].ID + msgs[2].ID
	if got != "abc" {
		t.Errorf("order = %s, want abc (ties broken by id)", got)
	}
}

func TestClamp01(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{-0.5, 0}, {0, 0}, {0.5, 0.5}, {1, 1}, {1.5, 1},
	}
	for _, tt := range tests {
		if got := Clamp01(tt.in); got != tt.want {
			t.Errorf("Clamp01(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestValidRole(t *testing.T) {
	for _, r := range []Role{RoleUser, RoleAssistant, RoleSystem} {
		if !ValidRole(r) {
			t.Errorf("ValidRole(%q) = false", r)
		}
	}
	if ValidRole("narrator") {
		t.Error("ValidRole accepted an unknown role")
	}
}

func TestQueryPlanHasLayer(t *testing.T) {
	p := QueryPlan{Layers: []Layer{LayerWorking, LayerSemantic}}
	if !p.HasLayer(LayerWorking) || !p.HasLayer(LayerSemantic) {
		t.Error("HasLayer missed a present layer")
	}
	if p.HasLayer(LayerEpisodic) {
		t.Error("HasLayer reported an absent layer")
	}
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		kind string
	}{
		{Validationf("bad %s", "input"), "validation"},
		{NotFoundf("missing"), "not_found"},
		{Unavailablef("down"), "unavailable"},
		{Conflictf("rolled back"), "conflict"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.kind {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.kind)
		}
	}

	wrapped := Validationf("outer: %v", "detail")
	if !errors.Is(wrapped, ErrValidation) {
		t.Error("Validationf result does not match ErrValidation")
	}
}
