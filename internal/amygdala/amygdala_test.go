package amygdala

import (
	"testing"
	"time"

	"mnemo/internal/config"
	"mnemo/internal/types"
)

func newEngine() *Engine {
	return New(config.Default().Heuristics)
}

func scoreOf(t *testing.T, e *Engine, content string, recent []types.Message) float64 {
	t.Helper()
	now := time.Now()
	msg := types.Message{Role: types.RoleUser, Content: content, Timestamp: now}
	score, b := e.Score(msg, recent, now)
	if score < 0 || score > 1 {
		t.Fatalf("score %.3f out of [0,1] for %q", score, content)
	}
	if score != b.Total {
		t.Fatalf("score %.3f != breakdown total %.3f", score, b.Total)
	}
	return score
}

func TestScoreRangeAndDeterminism(t *testing.T) {
	e := newEngine()
	now := time.Now()
	msg := types.Message{Role: types.RoleUser, Content: "we decided to fix the database timeout bug!", Timestamp: now}

	s1, _ := e.Score(msg, nil, now)
	s2, _ := e.Score(msg, nil, now)
	if s1 != s2 {
		t.Errorf("same input scored differently: %.4f vs %.4f", s1, s2)
	}
}

func TestScoreSignalOrdering(t *testing.T) {
	e := newEngine()

	bland := scoreOf(t, e, "ok", nil)
	decision := scoreOf(t, e, "we decided to go with postgres instead of sqlite", nil)
	if decision <= bland {
		t.Errorf("decision %.3f should outrank bland %.3f", decision, bland)
	}

	technical := scoreOf(t, e, "the api endpoint throws a timeout error on deploy", nil)
	if technical <= bland {
		t.Errorf("technical %.3f should outrank bland %.3f", technical, bland)
	}

	question := scoreOf(t, e, "how do we configure the cache?", nil)
	if question <= bland {
		t.Errorf("question %.3f should outrank bland %.3f", question, bland)
	}
}

func TestScoreUserQuestionDownWeight(t *testing.T) {
	e := newEngine()
	now := time.Now()

	// A user asking is requesting information, not stating any.
	statement := types.Message{Role: types.RoleUser, Content: "what about the weather today", Timestamp: now}
	question := statement
	question.Content = "what about the weather today?"

	sStatement, _ := e.Score(statement, nil, now)
	sQuestion, _ := e.Score(question, nil, now)
	if sQuestion >= sStatement {
		t.Errorf("user question %.3f should score below the same statement %.3f", sQuestion, sStatement)
	}

	// An assistant question keeps the positive weight.
	aStatement := statement
	aStatement.Role = types.RoleAssistant
	aQuestion := question
	aQuestion.Role = types.RoleAssistant
	s1, _ := e.Score(aStatement, nil, now)
	s2, _ := e.Score(aQuestion, nil, now)
	if s2 <= s1 {
		t.Errorf("assistant question %.3f should score above the statement %.3f", s2, s1)
	}
}

func TestScoreNovelty(t *testing.T) {
	e := newEngine()
	recent := []types.Message{
		{Content: "deploying the payment service tonight"},
		{Content: "payment service deploy looks good"},
	}

	repeat := scoreOf(t, e, "payment service deploy", recent)
	novel := scoreOf(t, e, "switching the billing ledger to event sourcing", recent)
	if novel <= repeat {
		t.Errorf("novel content %.3f should outrank repeated content %.3f", novel, repeat)
	}
}

func TestScoreFloor(t *testing.T) {
	cfg := config.Default().Heuristics
	e := New(cfg)
	if got := scoreOf(t, e, "a", nil); got < cfg.DefaultImportance {
		t.Errorf("score %.3f below configured floor %.3f", got, cfg.DefaultImportance)
	}
}

func TestScoreSentiment(t *testing.T) {
	e := newEngine()
	calm := scoreOf(t, e, "the weather looks fine today", nil)
	urgent := scoreOf(t, e, "this is a critical blocker, the release is broken", nil)
	if urgent <= calm {
		t.Errorf("urgent %.3f should outrank calm %.3f", urgent, calm)
	}
}

func TestPromotionEligible(t *testing.T) {
	cfg := config.Default().Heuristics
	e := New(cfg)
	if !e.PromotionEligible(cfg.PromotionThreshold) {
		t.Error("score at threshold should be eligible")
	}
	if e.PromotionEligible(cfg.PromotionThreshold - 0.01) {
		t.Error("score below threshold should not be eligible")
	}
}

func TestIsShouting(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"THE SERVER IS DOWN AGAIN", true},
		{"the server is down again", false},
		{"OK", false}, // too short to count
		{"HTTP API JSON in a normal sentence about the usual things", false},
	}
	for _, tt := range tests {
		if got := isShouting(tt.content); got != tt.want {
			t.Errorf("isShouting(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}
}
