// Package procedural matches queries against learned patterns. Keyword and
// regex triggers are evaluated locally; semantic triggers need the
// collaborator's embeddings and are skipped without it.
package procedural

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"mnemo/internal/embedding"
	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Embedder is the subset of the collaborator the matcher needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Matcher scores queries against a user's procedural patterns.
type Matcher struct {
	patterns store.ProceduralStore
	embedder Embedder

	regexMu    sync.Mutex
	regexCache map[string]*regexp.Regexp
}

// New creates a matcher. embedder may be nil; semantic triggers then never
// match.
func New(patterns store.ProceduralStore, embedder Embedder) *Matcher {
	return &Matcher{
		patterns:   patterns,
		embedder:   embedder,
		regexCache: make(map[string]*regexp.Regexp),
	}
}

// Match returns the best-scoring pattern whose score clears its own
// confidence threshold, or nil when nothing matches. Errors are returned
// only for storage failures; a malformed trigger just doesn't match.
func (m *Matcher) Match(ctx context.Context, userID, query string) (*types.ProceduralPattern, float64, error) {
	pats, err := m.patterns.All(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	if len(pats) == 0 {
		return nil, 0, nil
	}

	var queryVec []float32
	var best *types.ProceduralPattern
	bestScore := 0.0

	for i := range pats {
		pat := &pats[i]
		score := 0.0
		for _, trig := range pat.Triggers {
			s := m.scoreTrigger(ctx, trig, pat, query, &queryVec)
			if s > score {
				score = s
			}
		}
		if score < pat.ConfidenceThreshold {
			continue
		}
		if score > bestScore || (score == bestScore && best != nil && preferred(pat, best)) {
			best = pat
			bestScore = score
		}
	}

	if best != nil {
		logging.Patterns("matched pattern %s (%s) score=%.2f", best.ID, best.Name, bestScore)
		if err := m.patterns.Touch(ctx, userID, best.ID); err != nil {
			logging.Get(logging.CategoryPatterns).Warn("usage bump for %s failed: %v", best.ID, err)
		}
	}
	return best, bestScore, nil
}

// preferred breaks ties between equally-scored patterns: the one used more
// often wins, then the older one.
func preferred(a, b *types.ProceduralPattern) bool {
	if a.UsageCount != b.UsageCount {
		return a.UsageCount > b.UsageCount
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (m *Matcher) scoreTrigger(ctx context.Context, trig types.Trigger, pat *types.ProceduralPattern, query string, queryVec *[]float32) float64 {
	switch trig.Kind {
	case types.TriggerKeyword:
		return keywordScore(query, trig.Pattern)
	case types.TriggerRegex:
		re := m.compile(trig.Pattern)
		if re != nil && re.MatchString(query) {
			return 1
		}
	case types.TriggerSemantic:
		return m.semanticScore(ctx, pat, query, queryVec)
	}
	return 0
}

// keywordScore is the fraction of the trigger's keywords present in the
// query as whole words. Keywords are comma- or space-separated.
func keywordScore(query, pattern string) float64 {
	keywords := strings.FieldsFunc(strings.ToLower(pattern), func(r rune) bool {
		return r == ',' || r == ' '
	})
	if len(keywords) == 0 {
		return 0
	}

	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		words[w] = true
	}

	hit := 0
	for _, kw := range keywords {
		if words[kw] {
			hit++
		}
	}
	return float64(hit) / float64(len(keywords))
}

func (m *Matcher) compile(pattern string) *regexp.Regexp {
	m.regexMu.Lock()
	defer m.regexMu.Unlock()
	if re, ok := m.regexCache[pattern]; ok {
		return re
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		logging.Get(logging.CategoryPatterns).Warn("bad regex trigger %q: %v", pattern, err)
		re = nil
	}
	m.regexCache[pattern] = re
	return re
}

// semanticScore compares the query embedding against the pattern's stored
// embedding. The query is embedded at most once per Match call.
func (m *Matcher) semanticScore(ctx context.Context, pat *types.ProceduralPattern, query string, queryVec *[]float32) float64 {
	if m.embedder == nil || len(pat.Embedding) == 0 {
		return 0
	}
	if *queryVec == nil {
		vec, err := m.embedder.Embed(ctx, query)
		if err != nil {
			logging.Get(logging.CategoryPatterns).Warn("query embed failed: %v", err)
			return 0
		}
		*queryVec = vec
	}
	sim, err := embedding.CosineSimilarity(*queryVec, pat.Embedding)
	if err != nil || sim < 0 {
		return 0
	}
	return sim
}

// RecordUsage reports a pattern application outcome back to storage.
func (m *Matcher) RecordUsage(ctx context.Context, userID, id string, success bool) error {
	return m.patterns.RecordUsage(ctx, userID, id, success)
}
