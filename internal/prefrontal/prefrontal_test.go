package prefrontal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemo/internal/config"
	"mnemo/internal/types"
)

type stubClassifier struct {
	label string
	err   error
	calls int
}

func (s *stubClassifier) ClassifyQuery(ctx context.Context, text string) (string, error) {
	s.calls++
	return s.label, s.err
}

type stubMatcher struct {
	pattern *types.ProceduralPattern
}

func (s *stubMatcher) Match(ctx context.Context, userID, query string) (*types.ProceduralPattern, float64, error) {
	return s.pattern, 0.8, nil
}

func heuristicsOnly() *Planner {
	return New(config.Default().Heuristics, nil, nil)
}

func TestPlanContinuation(t *testing.T) {
	p := heuristicsOnly()
	plan := p.Plan(context.Background(), "alice", "continue where we left off")

	assert.Equal(t, types.QueryContinuation, plan.Kind)
	assert.Equal(t, []types.Layer{types.LayerWorking}, plan.Layers)
	assert.True(t, plan.IncludeHistory)
	assert.Positive(t, plan.EstimatedTokens)
}

func TestPlanFactRetrieval(t *testing.T) {
	p := heuristicsOnly()
	plan := p.Plan(context.Background(), "alice", "what is my favorite editor")

	assert.Equal(t, types.QueryFactRetrieval, plan.Kind)
	assert.True(t, plan.HasLayer(types.LayerWorking))
	assert.True(t, plan.HasLayer(types.LayerSemantic))
	assert.False(t, plan.HasLayer(types.LayerEpisodic))
}

func TestPlanDeepRecall(t *testing.T) {
	p := heuristicsOnly()
	plan := p.Plan(context.Background(), "alice", "tell me exactly what I said last week")

	assert.Equal(t, types.QueryDeepRecall, plan.Kind)
	assert.True(t, plan.HasLayer(types.LayerWorking))
	assert.True(t, plan.HasLayer(types.LayerEpisodic))
	// Verbatim recall goes to the raw archive, not distilled facts.
	assert.False(t, plan.HasLayer(types.LayerSemantic))
}

func TestPlanComplex(t *testing.T) {
	p := heuristicsOnly()
	plan := p.Plan(context.Background(), "alice", "summarize everything we discussed about the migration")

	assert.Equal(t, types.QueryComplex, plan.Kind)
	assert.True(t, plan.HasLayer(types.LayerWorking))
	assert.True(t, plan.HasLayer(types.LayerSemantic))
	assert.True(t, plan.HasLayer(types.LayerEpisodic))
	assert.False(t, plan.HasLayer(types.LayerProcedural))
	assert.True(t, plan.IncludeHistory)
}

func TestPlanBudgetsGrowWithScope(t *testing.T) {
	p := heuristicsOnly()
	ctx := context.Background()

	cont := p.Plan(ctx, "alice", "continue")
	fact := p.Plan(ctx, "alice", "what is my timezone")
	deep := p.Plan(ctx, "alice", "remember when we fixed the cache")
	complex := p.Plan(ctx, "alice", "compare the two approaches we tried")

	assert.Less(t, cont.EstimatedTokens, fact.EstimatedTokens)
	assert.Less(t, fact.EstimatedTokens, deep.EstimatedTokens)
	assert.Less(t, deep.EstimatedTokens, complex.EstimatedTokens)
}

func TestPlanProceduralOverride(t *testing.T) {
	matcher := &stubMatcher{pattern: &types.ProceduralPattern{ID: "p1", Name: "learned:deploy"}}
	p := New(config.Default().Heuristics, nil, matcher)

	// Even an obvious continuation defers to a matched pattern.
	plan := p.Plan(context.Background(), "alice", "continue the deploy")
	require.Equal(t, types.QueryProceduralTrigger, plan.Kind)
	assert.Equal(t, "p1", plan.SuggestedPatternID)
	assert.True(t, plan.HasLayer(types.LayerProcedural))
}

func TestPlanClassifierConsultedOnlyWhenUnsure(t *testing.T) {
	cls := &stubClassifier{label: string(types.QueryDeepRecall)}
	p := New(config.Default().Heuristics, cls, nil)
	ctx := context.Background()

	// High-confidence heuristic: classifier stays out of it.
	p.Plan(ctx, "alice", "continue")
	assert.Zero(t, cls.calls)

	// Ambiguous statement: classifier decides.
	plan := p.Plan(ctx, "alice", "the thing from before")
	assert.Equal(t, 1, cls.calls)
	assert.Equal(t, types.QueryDeepRecall, plan.Kind)
}

func TestPlanClassifierFailureKeepsHeuristic(t *testing.T) {
	cls := &stubClassifier{err: errors.New("model offline")}
	p := New(config.Default().Heuristics, cls, nil)

	plan := p.Plan(context.Background(), "alice", "the thing from before")
	assert.Equal(t, types.QueryContinuation, plan.Kind)
}

func TestPlanClassifierBogusLabelIgnored(t *testing.T) {
	cls := &stubClassifier{label: "navel_gazing"}
	p := New(config.Default().Heuristics, cls, nil)

	plan := p.Plan(context.Background(), "alice", "the thing from before")
	assert.Equal(t, types.QueryContinuation, plan.Kind)
}

func TestClassifyHeuristicQuestionMark(t *testing.T) {
	kind, confidence := classifyHeuristic("is the feature flag still on?")
	assert.Equal(t, types.QueryFactRetrieval, kind)
	assert.Less(t, confidence, 0.8)
}

func TestPlanEmptyQuery(t *testing.T) {
	p := heuristicsOnly()
	plan := p.Plan(context.Background(), "alice", "")
	assert.Equal(t, types.QueryContinuation, plan.Kind)
}
