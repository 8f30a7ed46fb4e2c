package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// RetrieveContext plans the query and assembles a token-bounded context
// from the planned tiers. Tier reads run in parallel under the retrieval
// deadline; a slow or failing tier contributes a warning instead of
// failing the call.
func (e *Engine) RetrieveContext(ctx context.Context, userID, conversationID, query string) (types.MemoryContext, error) {
	start := e.now()
	if userID == "" {
		return types.MemoryContext{}, types.Validationf("user id required")
	}

	plan := e.planner.Plan(ctx, userID, query)
	logging.Orchestrator("retrieve: user=%s kind=%s layers=%v budget=%d",
		userID, plan.Kind, plan.Layers, plan.EstimatedTokens)

	mc := types.MemoryContext{Plan: plan}

	// Embed the query once, shared by semantic and episodic reads. A
	// collaborator failure degrades those tiers to text search.
	var queryVec []float32
	if e.provider != nil && (plan.HasLayer(types.LayerSemantic) || plan.HasLayer(types.LayerEpisodic)) {
		vec, err := e.provider.Embed(ctx, query)
		if err != nil {
			logging.Get(logging.CategoryOrchestrator).Warn("query embed failed: %v", err)
		} else {
			queryVec = vec
		}
	}

	deadline := e.cfg.Retrieval.Deadline.Std()
	if deadline <= 0 {
		deadline = 500 * time.Millisecond
	}
	gctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var mu sync.Mutex
	warn := func(format string, args ...interface{}) {
		mu.Lock()
		mc.Warnings = append(mc.Warnings, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(gctx)

	if plan.HasLayer(types.LayerWorking) {
		g.Go(func() error {
			msgs, err := e.stores.Working().Recent(gctx, userID, conversationID, e.cfg.Working.RecentDefault)
			if err != nil {
				warn("working tier unavailable: %s", types.ErrorKind(err))
				return nil
			}
			mu.Lock()
			mc.WorkingMessages = e.dropExpired(msgs)
			mu.Unlock()
			return nil
		})
	}

	if plan.HasLayer(types.LayerSemantic) {
		g.Go(func() error {
			facts, err := e.searchFacts(gctx, userID, query, queryVec)
			if err != nil {
				warn("semantic tier unavailable: %s", types.ErrorKind(err))
				return nil
			}
			mu.Lock()
			mc.Facts = facts
			mu.Unlock()
			return nil
		})
	}

	if plan.HasLayer(types.LayerEpisodic) {
		g.Go(func() error {
			events, err := e.searchEvents(gctx, userID, queryVec)
			if err != nil {
				warn("episodic tier unavailable: %s", types.ErrorKind(err))
				return nil
			}
			mu.Lock()
			mc.ArchivedMessages = events
			mu.Unlock()
			return nil
		})
	}

	if plan.SuggestedPatternID != "" {
		g.Go(func() error {
			pat, err := e.stores.Procedural().Get(gctx, userID, plan.SuggestedPatternID)
			if err != nil {
				warn("procedural tier unavailable: %s", types.ErrorKind(err))
				return nil
			}
			mu.Lock()
			mc.AppliedPattern = &pat
			mu.Unlock()
			return nil
		})
	}

	// Tier errors become warnings, so the only error here is deadline.
	if err := g.Wait(); err != nil {
		warn("retrieval deadline exceeded")
	}

	e.truncateToBudget(&mc)
	e.trackAccess(userID, &mc)

	mc.Elapsed = e.now().Sub(start)
	e.sink.Record("engine.RetrieveContext", mc.Elapsed, "")
	logging.OrchestratorDebug("retrieved %d messages, %d facts, %d events, %d tokens (%d warnings)",
		len(mc.WorkingMessages), len(mc.Facts), len(mc.ArchivedMessages), mc.TotalTokens, len(mc.Warnings))
	return mc, nil
}

func (e *Engine) searchFacts(ctx context.Context, userID, query string, queryVec []float32) ([]types.ExtractedFact, error) {
	if queryVec != nil {
		return e.stores.Semantic().Search(ctx, userID, queryVec,
			e.cfg.Retrieval.SemanticTopK, e.cfg.Retrieval.SemanticThreshold)
	}

	topK := e.cfg.Retrieval.SemanticTopK
	facts, err := e.stores.Semantic().SearchText(ctx, userID, query, topK)
	if err != nil || len(facts) > 0 {
		return facts, err
	}

	// SearchText matches the phrase as a whole; a natural-language question
	// rarely appears verbatim in a fact. Retry word by word and merge.
	seen := make(map[string]bool)
	for _, word := range keywords(query) {
		hits, err := e.stores.Semantic().SearchText(ctx, userID, word, topK)
		if err != nil {
			return facts, err
		}
		for _, f := range hits {
			if seen[f.ID] {
				continue
			}
			seen[f.ID] = true
			facts = append(facts, f)
		}
		if len(facts) >= topK {
			facts = facts[:topK]
			break
		}
	}
	return facts, nil
}

// keywords picks the words of the query worth searching on their own.
func keywords(query string) []string {
	var words []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?:;\"'")
		if len(w) >= 4 {
			words = append(words, w)
		}
	}
	return words
}

func (e *Engine) searchEvents(ctx context.Context, userID string, queryVec []float32) ([]types.EpisodicEvent, error) {
	if queryVec != nil {
		return e.stores.Episodic().Search(ctx, userID, queryVec, e.cfg.Retrieval.EpisodicTopK)
	}
	// Without an embedding the most recent events are the best guess.
	return e.stores.Episodic().Range(ctx, userID, time.Unix(0, 0), e.now().Add(time.Second),
		e.cfg.Retrieval.EpisodicTopK)
}

// truncateToBudget trims the context to the plan's token budget. Pattern
// instructions cost what they cost; then working messages keep their most
// recent entries, then facts, then archived events.
func (e *Engine) truncateToBudget(mc *types.MemoryContext) {
	budget := mc.Plan.EstimatedTokens
	used := 0
	if mc.AppliedPattern != nil {
		cost := types.EstimateTokens(mc.AppliedPattern.InstructionTemplate)
		if cost > budget {
			// An instruction template that would blow the whole budget is
			// dropped rather than served over-size.
			mc.AppliedPattern = nil
		} else {
			used += cost
		}
	}

	// Working: drop oldest first.
	msgs := mc.WorkingMessages
	msgCost := func(m types.Message) int { return types.EstimateTokens(m.Content) }
	total := 0
	for _, m := range msgs {
		total += msgCost(m)
	}
	for len(msgs) > 0 && used+total > budget {
		total -= msgCost(msgs[0])
		msgs = msgs[1:]
	}
	mc.WorkingMessages = msgs
	used += total

	var facts []types.ExtractedFact
	for _, f := range mc.Facts {
		cost := types.EstimateTokens(f.Key + ": " + f.Value)
		if used+cost > budget {
			break
		}
		facts = append(facts, f)
		used += cost
	}
	mc.Facts = facts

	var events []types.EpisodicEvent
	for _, ev := range mc.ArchivedMessages {
		cost := types.EstimateTokens(ev.Content)
		if used+cost > budget {
			break
		}
		events = append(events, ev)
		used += cost
	}
	mc.ArchivedMessages = events

	mc.TotalTokens = used
}

// trackAccess bumps access counters for everything the retrieval served.
// Best effort, off the caller's deadline.
func (e *Engine) trackAccess(userID string, mc *types.MemoryContext) {
	msgIDs := make([]string, len(mc.WorkingMessages))
	for i, m := range mc.WorkingMessages {
		msgIDs[i] = m.ID
	}
	factIDs := make([]string, len(mc.Facts))
	for i, f := range mc.Facts {
		factIDs[i] = f.ID
	}
	if len(msgIDs) == 0 && len(factIDs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if len(msgIDs) > 0 {
		if err := e.stores.Working().IncrementAccess(ctx, userID, msgIDs); err != nil {
			logging.OrchestratorDebug("message access tracking failed: %v", err)
		}
	}
	if len(factIDs) > 0 {
		if err := e.stores.Semantic().IncrementAccess(ctx, userID, factIDs); err != nil {
			logging.OrchestratorDebug("fact access tracking failed: %v", err)
		}
	}
}

// Query retrieves context for the question and, when a collaborator is
// configured, answers it grounded in that context. Without a collaborator
// the rendered context itself is returned as the answer material.
func (e *Engine) Query(ctx context.Context, userID, conversationID, question string) (string, types.MemoryContext, error) {
	mc, err := e.RetrieveContext(ctx, userID, conversationID, question)
	if err != nil {
		return "", mc, err
	}

	rendered := mc.Render()
	if e.provider == nil {
		return rendered, mc, nil
	}

	answer, err := e.provider.AnswerWithContext(ctx, question, rendered)
	if err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("answer generation failed: %v", err)
		return rendered, mc, nil
	}
	// Usage is counted at match time; success or failure of an applied
	// pattern only comes from an explicit outcome report.
	return answer, mc, nil
}
