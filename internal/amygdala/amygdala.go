// Package amygdala scores message importance. The score is a dampened
// weighted sum of surface signals, deterministic for a fixed clock: no
// stored state, no collaborator calls.
package amygdala

import (
	"math"
	"strings"
	"time"
	"unicode"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// Engine computes importance scores from configured weights.
type Engine struct {
	cfg config.HeuristicsConfig
}

// New creates a scoring engine.
func New(cfg config.HeuristicsConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Breakdown exposes the per-signal components of one score, for logs and
// debugging. All components are in [0,1].
type Breakdown struct {
	Base      float64 `json:"base"`
	Decision  float64 `json:"decision"`
	Question  float64 `json:"question"`
	Novelty   float64 `json:"novelty"`
	Sentiment float64 `json:"sentiment"`
	Technical float64 `json:"technical"`
	Recency   float64 `json:"recency"`
	Total     float64 `json:"total"`
}

// Signal dictionaries. Matching is case-insensitive on word boundaries
// where it matters; substring elsewhere.
var (
	decisionMarkers = []string{
		"decide", "decided", "decision", "we will", "we'll", "let's go with",
		"going with", "agreed", "final answer", "conclusion", "chosen",
		"choose", "must", "should", "plan is", "instead of",
	}

	sentimentMarkers = []string{
		"love", "hate", "great", "terrible", "awesome", "awful", "excellent",
		"horrible", "amazing", "frustrating", "annoying", "perfect", "broken",
		"critical", "urgent", "important", "blocker",
	}

	technicalMarkers = []string{
		"error", "exception", "bug", "fix", "deploy", "database", "server",
		"api", "endpoint", "config", "timeout", "memory", "cpu", "latency",
		"migration", "schema", "index", "query", "cache", "token", "auth",
		"build", "test", "release", "version", "commit", "branch",
	}
)

// Score computes the composite importance of a message given the user's
// recent working-tier messages (for novelty) and the current time (for
// recency). The result is always in [0,1] and never below the configured
// default floor.
func (e *Engine) Score(msg types.Message, recent []types.Message, now time.Time) (float64, Breakdown) {
	content := strings.ToLower(msg.Content)
	w := e.cfg.Weights

	b := Breakdown{
		Base:      1.0,
		Decision:  containsAnyScore(content, decisionMarkers),
		Question:  questionScore(msg.Content),
		Novelty:   e.noveltyScore(content, recent),
		Sentiment: sentimentScore(msg.Content, content),
		Technical: containsAnyScore(content, technicalMarkers),
		Recency:   e.recencyScore(msg.Timestamp, now),
	}

	// A user asking a question is requesting information, not stating any;
	// the signal subtracts for them. Assistant and system questions keep
	// the positive weight.
	questionTerm := w.Question * b.Question
	if msg.Role == types.RoleUser {
		questionTerm = -questionTerm
	}

	sum := w.Base*b.Base +
		w.Decision*b.Decision +
		questionTerm +
		w.Novelty*b.Novelty +
		w.Sentiment*b.Sentiment +
		w.Technical*b.Technical +
		w.Recency*b.Recency

	total := types.Clamp01(sum * e.cfg.Dampening)
	if total < e.cfg.DefaultImportance {
		total = e.cfg.DefaultImportance
	}
	b.Total = total

	logging.Get(logging.CategoryAmygdala).Debug(
		"score=%.3f decision=%.2f question=%.2f novelty=%.2f sentiment=%.2f technical=%.2f recency=%.2f",
		total, b.Decision, b.Question, b.Novelty, b.Sentiment, b.Technical, b.Recency)
	return total, b
}

// PromotionEligible reports whether a score is at or above the promotion
// threshold.
func (e *Engine) PromotionEligible(score float64) bool {
	return score >= e.cfg.PromotionThreshold
}

// containsAnyScore returns 1 when the content matches any marker, scaled
// up slightly for multiple distinct matches (capped at 1).
func containsAnyScore(content string, markers []string) float64 {
	matches := 0
	for _, m := range markers {
		if strings.Contains(content, m) {
			matches++
		}
	}
	if matches == 0 {
		return 0
	}
	score := 0.6 + 0.2*float64(matches)
	if score > 1 {
		score = 1
	}
	return score
}

func questionScore(content string) float64 {
	if strings.Contains(content, "?") {
		return 1
	}
	return 0
}

// sentimentScore picks up exclamations, shouting, and emotionally loaded
// words.
func sentimentScore(original, lowered string) float64 {
	score := 0.0
	if strings.Contains(original, "!") {
		score += 0.4
	}
	if markerScore := containsAnyScore(lowered, sentimentMarkers); markerScore > 0 {
		score += 0.6
	}
	if isShouting(original) {
		score += 0.3
	}
	return types.Clamp01(score)
}

// isShouting reports whether a majority of the letters are upper case,
// over a minimum length so acronyms don't trigger it.
func isShouting(content string) bool {
	letters, upper := 0, 0
	for _, r := range content {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 12 && float64(upper) > 0.6*float64(letters)
}

// noveltyScore measures how many of the message's significant words are
// absent from the recent messages. An empty history means fully novel.
func (e *Engine) noveltyScore(content string, recent []types.Message) float64 {
	words := significantWords(content)
	if len(words) == 0 {
		return 0
	}
	if len(recent) == 0 {
		return 1
	}

	seen := make(map[string]bool)
	for _, m := range recent {
		for _, w := range significantWords(strings.ToLower(m.Content)) {
			seen[w] = true
		}
	}

	novel := 0
	for _, w := range words {
		if !seen[w] {
			novel++
		}
	}
	return float64(novel) / float64(len(words))
}

// recencyScore decays exponentially with message age.
func (e *Engine) recencyScore(ts, now time.Time) float64 {
	tau := e.cfg.RecencyTau.Std()
	if tau <= 0 {
		return 1
	}
	age := now.Sub(ts)
	if age <= 0 {
		return 1
	}
	return math.Exp(-float64(age) / float64(tau))
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "for": true,
	"with": true, "it": true, "this": true, "that": true, "i": true, "you": true,
	"we": true, "they": true, "he": true, "she": true, "my": true, "your": true,
	"me": true, "us": true, "do": true, "did": true, "have": true, "has": true,
	"not": true, "no": true, "so": true, "if": true, "as": true, "by": true,
}

func significantWords(content string) []string {
	fields := strings.FieldsFunc(content, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	var words []string
	for _, f := range fields {
		if len(f) >= 3 && !stopWords[f] {
			words = append(words, f)
		}
	}
	return words
}
