// Package prefrontal plans retrievals: it classifies an incoming query and
// decides which memory tiers to read. Surface heuristics run first; the
// collaborator's classifier is consulted only when the heuristic is not
// confident, and its failures fall back to the heuristic answer.
package prefrontal

import (
	"context"
	"strings"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// Classifier is the optional LLM-backed query classifier.
type Classifier interface {
	ClassifyQuery(ctx context.Context, text string) (string, error)
}

// Matcher finds a procedural pattern whose triggers match the query.
type Matcher interface {
	Match(ctx context.Context, userID, query string) (*types.ProceduralPattern, float64, error)
}

// Planner maps queries to query plans.
type Planner struct {
	cfg        config.HeuristicsConfig
	classifier Classifier
	matcher    Matcher
}

// New creates a planner. classifier may be nil (heuristics only); matcher
// may be nil (no procedural injection).
func New(cfg config.HeuristicsConfig, classifier Classifier, matcher Matcher) *Planner {
	return &Planner{cfg: cfg, classifier: classifier, matcher: matcher}
}

// Token budgets per query kind. The orchestrator truncates the assembled
// context to these.
var kindBudgets = map[types.QueryKind]int{
	types.QueryContinuation:      1000,
	types.QueryFactRetrieval:     1500,
	types.QueryDeepRecall:        2500,
	types.QueryComplex:           4000,
	types.QueryProceduralTrigger: 2000,
}

var kindLayers = map[types.QueryKind][]types.Layer{
	types.QueryContinuation:      {types.LayerWorking},
	types.QueryFactRetrieval:     {types.LayerWorking, types.LayerSemantic},
	types.QueryDeepRecall:        {types.LayerWorking, types.LayerEpisodic},
	types.QueryComplex:           {types.LayerWorking, types.LayerSemantic, types.LayerEpisodic},
	types.QueryProceduralTrigger: {types.LayerWorking, types.LayerSemantic, types.LayerProcedural},
}

// Plan classifies the query and returns the tiers to read.
func (p *Planner) Plan(ctx context.Context, userID, query string) types.QueryPlan {
	log := logging.Get(logging.CategoryPrefrontal)

	// A matching procedural pattern overrides everything else.
	if p.matcher != nil {
		if pat, score, err := p.matcher.Match(ctx, userID, query); err == nil && pat != nil {
			log.Info("procedural trigger: pattern=%s score=%.2f", pat.ID, score)
			return p.build(types.QueryProceduralTrigger, pat.ID)
		}
	}

	kind, confidence := classifyHeuristic(query)
	log.Debug("heuristic classification: kind=%s confidence=%.2f", kind, confidence)

	if confidence < p.cfg.SpecificLayersThreshold && p.classifier != nil {
		if label, err := p.classifier.ClassifyQuery(ctx, query); err == nil {
			if k, ok := validKind(label); ok {
				log.Debug("classifier override: %s -> %s", kind, k)
				kind = k
			}
		} else {
			log.Warn("classifier unavailable, keeping heuristic: %v", err)
		}
	}

	return p.build(kind, "")
}

func (p *Planner) build(kind types.QueryKind, patternID string) types.QueryPlan {
	layers := kindLayers[kind]
	return types.QueryPlan{
		Kind:               kind,
		Layers:             append([]types.Layer(nil), layers...),
		SuggestedPatternID: patternID,
		EstimatedTokens:    kindBudgets[kind],
		IncludeHistory:     kind == types.QueryContinuation || kind == types.QueryComplex,
	}
}

func validKind(label string) (types.QueryKind, bool) {
	switch types.QueryKind(label) {
	case types.QueryContinuation, types.QueryFactRetrieval, types.QueryDeepRecall,
		types.QueryComplex, types.QueryProceduralTrigger:
		return types.QueryKind(label), true
	}
	return "", false
}

var continuationMarkers = []string{
	"continue", "go on", "keep going", "carry on", "and then", "next",
	"as i was saying", "where were we", "what's next", "proceed",
}

var deepRecallMarkers = []string{
	"remember when", "exactly what i said", "exactly what we", "word for word",
	"verbatim", "that time", "a while ago", "last week", "last month",
	"previously", "back when", "the other day", "earlier you said",
}

var factPrefixes = []string{
	"what is", "what's", "what are", "who is", "who's", "where is", "where do",
	"when did", "when is", "which", "how many", "how much", "do i", "did i",
	"what did i", "what was my", "what's my", "remind me",
}

var complexMarkers = []string{
	"compare", "everything", "summarize", "summary", "overall", "all the",
	"walk me through", "explain how", "why did we", "history of",
}

// classifyHeuristic labels a query from surface features and returns the
// label with a confidence estimate.
func classifyHeuristic(query string) (types.QueryKind, float64) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return types.QueryContinuation, 1.0
	}

	for _, m := range continuationMarkers {
		if q == m || strings.HasPrefix(q, m+" ") || strings.HasPrefix(q, m+",") {
			return types.QueryContinuation, 0.95
		}
	}
	for _, m := range deepRecallMarkers {
		if strings.Contains(q, m) {
			return types.QueryDeepRecall, 0.9
		}
	}
	for _, m := range complexMarkers {
		if strings.Contains(q, m) {
			return types.QueryComplex, 0.85
		}
	}
	for _, prefix := range factPrefixes {
		if strings.HasPrefix(q, prefix) {
			return types.QueryFactRetrieval, 0.85
		}
	}
	if strings.Contains(q, "?") {
		return types.QueryFactRetrieval, 0.6
	}

	// Statements with no retrieval cue read as continuations of the
	// current thread, but with low confidence.
	return types.QueryContinuation, 0.5
}
