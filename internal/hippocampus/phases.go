package hippocampus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"mnemo/internal/embedding"
	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// clusterFacts consolidates the semantic tier into episodic events under
// two rules: groups of similar recent facts become one clustered event, and
// individually stable facts (high confidence, old enough) archive on their
// own. Consolidated facts are soft-deleted; the soft-delete is reversed if
// the event write fails.
func (p *Pipeline) clusterFacts(ctx context.Context, userID string) (int, error) {
	facts, err := p.stores.Semantic().All(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(facts) == 0 {
		return 0, nil
	}

	now := p.now()
	windowStart := now.Add(-p.cfg.ClusterWindow.Std())
	created := 0

	visited := make(map[string]bool)

	// Rule 1: clusters of >= 3 similar facts within the window.
	for i := range facts {
		f := &facts[i]
		if visited[f.ID] || len(f.Embedding) == 0 || f.CreatedAt.Before(windowStart) {
			continue
		}
		group := []*types.ExtractedFact{f}
		for j := i + 1; j < len(facts); j++ {
			g := &facts[j]
			if visited[g.ID] || len(g.Embedding) == 0 || g.CreatedAt.Before(windowStart) {
				continue
			}
			sim, err := embedding.CosineSimilarity(f.Embedding, g.Embedding)
			if err != nil {
				continue
			}
			if sim >= p.cfg.ClusterSimilarity {
				group = append(group, g)
			}
		}
		if len(group) < 3 {
			continue
		}
		for _, g := range group {
			visited[g.ID] = true
		}
		if err := p.archiveCluster(ctx, userID, group, now); err != nil {
			return created, err
		}
		created++
	}

	// Rule 2: individually stable facts promote alone.
	for i := range facts {
		f := &facts[i]
		if visited[f.ID] {
			continue
		}
		if f.Confidence <= p.cfg.FactMinConfidence || now.Sub(f.CreatedAt) <= p.cfg.FactMinAge.Std() {
			continue
		}
		visited[f.ID] = true
		if err := p.archiveCluster(ctx, userID, []*types.ExtractedFact{f}, now); err != nil {
			return created, err
		}
		created++
	}

	return created, nil
}

// archiveCluster writes one episodic event for the group and soft-deletes
// its facts, undoing the soft-delete (and the event) on failure.
func (p *Pipeline) archiveCluster(ctx context.Context, userID string, group []*types.ExtractedFact, now time.Time) error {
	ids := make([]string, len(group))
	for i, f := range group {
		ids[i] = f.ID
	}

	entityType := group[0].EntityType
	if entityType == "" {
		entityType = types.EntityOther
	}
	ev := types.EpisodicEvent{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: group[0].ConversationID,
		EventType:      string(entityType) + "_pattern_detected",
		Content:        p.summarizeGroup(ctx, group),
		OccurredAt:     now,
		DecayFactor:    1.0,
		Embedding:      group[0].Embedding,
		Metadata: map[string]string{
			"fact_count": fmt.Sprintf("%d", len(group)),
			"fact_ids":   strings.Join(ids, ","),
		},
	}

	if err := p.stores.Episodic().Append(ctx, ev); err != nil {
		return err
	}
	if err := p.stores.Semantic().MarkConsolidated(ctx, userID, ids, now); err != nil {
		// Compensate: no event without its facts marked, no facts marked
		// without their event.
		if derr := p.stores.Episodic().Delete(ctx, userID, ev.ID); derr != nil {
			logging.Get(logging.CategoryHippocampus).Error(
				"rollback failed, orphan event %s: %v", ev.ID, derr)
		}
		if uerr := p.stores.Semantic().Unconsolidate(ctx, userID, ids); uerr != nil {
			logging.Get(logging.CategoryHippocampus).Error(
				"rollback failed, facts %v stuck consolidated: %v", ids, uerr)
		}
		return types.Conflictf("fact cluster rolled back: %v", err)
	}
	logging.HippocampusDebug("clustered %d facts -> event %s", len(group), ev.ID)
	return nil
}

// summarizeGroup renders a cluster's content. With a collaborator the
// summary comes from a completion; otherwise the fact values are joined.
func (p *Pipeline) summarizeGroup(ctx context.Context, group []*types.ExtractedFact) string {
	values := make([]string, len(group))
	for i, f := range group {
		values[i] = f.Value
	}
	joined := strings.Join(values, "; ")
	if p.provider == nil || len(group) == 1 {
		return joined
	}

	summary, err := p.provider.Complete(ctx,
		"Summarize the following related facts in one or two sentences:\n"+joined, 256)
	if err != nil || strings.TrimSpace(summary) == "" {
		logging.HippocampusDebug("cluster summary failed, joining values: %v", err)
		return joined
	}
	return strings.TrimSpace(summary)
}

// minePatterns scans the episodic tier for recurring event types with a
// good success rate and saves a procedural pattern for each. Event types
// that already have a pattern are skipped, which also makes re-runs
// idempotent.
func (p *Pipeline) minePatterns(ctx context.Context, userID string) (int, error) {
	since := p.now().Add(-p.cfg.PatternWindow.Std())
	events, err := p.stores.Episodic().Range(ctx, userID, since, p.now().Add(time.Second), 0)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	existing, err := p.stores.Procedural().All(ctx, userID)
	if err != nil {
		return 0, err
	}
	covered := make(map[string]bool)
	for _, pat := range existing {
		covered[pat.Name] = true
	}

	byType := make(map[string][]types.EpisodicEvent)
	for _, ev := range events {
		if ev.EventType == "message" || strings.HasSuffix(ev.EventType, "_pattern_detected") {
			continue
		}
		if ev.Metadata["mined_into"] != "" {
			continue
		}
		byType[ev.EventType] = append(byType[ev.EventType], ev)
	}

	mined := 0
	for eventType, group := range byType {
		name := eventType + "_learned_pattern"
		if covered[name] || len(group) < p.cfg.PatternMinOccurrence {
			continue
		}
		// Events without an explicit outcome count as successes: only a
		// recorded failure weighs against the routine.
		successes := 0
		for _, ev := range group {
			if ev.Metadata["outcome"] != "failure" {
				successes++
			}
		}
		rate := float64(successes) / float64(len(group))
		if rate <= p.cfg.PatternMinSuccess {
			logging.HippocampusDebug("event type %s below success bar: %.2f", eventType, rate)
			continue
		}

		pat := types.ProceduralPattern{
			ID:     uuid.NewString(),
			UserID: userID,
			Name:   name,
			Description: fmt.Sprintf("Mined from %d %q events (%.0f%% success)",
				len(group), eventType, rate*100),
			Triggers: []types.Trigger{
				{Kind: types.TriggerKeyword, Pattern: triggerKeywords(group)},
			},
			InstructionTemplate: p.instructionFor(ctx, eventType, group),
			ConfidenceThreshold: 0.6,
			CreatedAt:           p.now(),
		}
		if p.provider != nil {
			if vec, err := p.provider.Embed(ctx, pat.InstructionTemplate); err == nil {
				pat.Embedding = vec
			}
		}
		if err := p.stores.Procedural().Save(ctx, pat); err != nil {
			return mined, err
		}
		// Mark the sources so the same events never feed another mine.
		for _, ev := range group {
			if ev.Metadata == nil {
				ev.Metadata = make(map[string]string)
			}
			ev.Metadata["mined_into"] = pat.ID
			if err := p.stores.Episodic().Append(ctx, ev); err != nil {
				logging.HippocampusDebug("marking mined event %s failed: %v", ev.ID, err)
			}
		}
		mined++
		logging.Hippocampus("mined pattern %s from %d events (success=%.2f)", name, len(group), rate)
	}
	return mined, nil
}

// triggerKeywords picks the words that recur across the group's contents.
func triggerKeywords(group []types.EpisodicEvent) string {
	counts := make(map[string]int)
	for _, ev := range group {
		seen := make(map[string]bool)
		for _, w := range strings.Fields(strings.ToLower(ev.Content)) {
			w = strings.Trim(w, ".,!?:;\"'")
			if len(w) < 4 || seen[w] {
				continue
			}
			seen[w] = true
			counts[w]++
		}
	}
	type wc struct {
		word  string
		count int
	}
	var ranked []wc
	for w, c := range counts {
		if c >= 2 {
			ranked = append(ranked, wc{w, c})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})
	if len(ranked) > 5 {
		ranked = ranked[:5]
	}
	words := make([]string, len(ranked))
	for i, r := range ranked {
		words[i] = r.word
	}
	return strings.Join(words, ",")
}

func (p *Pipeline) instructionFor(ctx context.Context, eventType string, group []types.EpisodicEvent) string {
	fallback := fmt.Sprintf("When handling %q requests, follow the approach that worked before: %s",
		eventType, group[len(group)-1].Content)
	if p.provider == nil {
		return fallback
	}
	var samples []string
	for _, ev := range group {
		samples = append(samples, ev.Content)
	}
	out, err := p.provider.Complete(ctx,
		"These are past successful handlings of the same kind of request. Write one short "+
			"instruction capturing the routine to follow next time:\n"+strings.Join(samples, "\n"), 256)
	if err != nil || strings.TrimSpace(out) == "" {
		return fallback
	}
	return strings.TrimSpace(out)
}

// expireWorking drops TTL-expired working messages.
func (p *Pipeline) expireWorking(ctx context.Context) (int, error) {
	return p.stores.Working().ExpireBefore(ctx, p.now().Add(-p.working.TTL.Std()))
}

// evictFacts drops stale, rarely-read facts from the semantic tier.
func (p *Pipeline) evictFacts(ctx context.Context) (int, error) {
	return p.stores.Semantic().EvictStale(ctx, p.now().Add(-p.cfg.FactTTL.Std()), p.cfg.FactMinAccess)
}
