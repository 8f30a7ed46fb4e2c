// Package types defines the shared data model for the memory engine:
// messages, extracted facts, episodic events, procedural patterns, and the
// query-plan / context values exchanged between the planner and orchestrator.
package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ValidRole reports whether r is one of the recognized roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Layer identifies one of the four memory tiers.
type Layer string

const (
	LayerWorking    Layer = "working"
	LayerSemantic   Layer = "semantic"
	LayerEpisodic   Layer = "episodic"
	LayerProcedural Layer = "procedural"
)

// EntityType classifies an extracted entity or fact.
type EntityType string

const (
	EntityPerson     EntityType = "person"
	EntityPlace      EntityType = "place"
	EntityTechnology EntityType = "technology"
	EntityDecision   EntityType = "decision"
	EntityPreference EntityType = "preference"
	EntityConstraint EntityType = "constraint"
	EntityGoal       EntityType = "goal"
	EntityOther      EntityType = "other"
)

// Entity is a named thing extracted from message content.
type Entity struct {
	Name string     `json:"name"`
	Type EntityType `json:"type"`
}

// Message is the atomic unit of conversational memory. A message is owned by
// exactly one tier at a time; consolidation transfers ownership atomically
// and preserves ID and UserID.
type Message struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Tags           []string  `json:"tags,omitempty"`

	// Importance is the amygdala's composite score in [0,1].
	Importance float64 `json:"importance_score"`

	// Entities are filled lazily by background extraction.
	Entities []Entity `json:"extracted_entities,omitempty"`

	// AccessCount tracks working-tier reads; feeds promotion candidates.
	AccessCount int `json:"access_count,omitempty"`

	// PromotedTo records the id of the fact this message was consolidated
	// into, for observability. Empty while the message is still in working.
	PromotedTo string `json:"promoted_to,omitempty"`
}

// ExtractedFact is a short assertion derived from one or more messages,
// stored in the semantic tier with an optional embedding.
type ExtractedFact struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	ConversationID string     `json:"conversation_id"`
	Key            string     `json:"key"`
	Value          string     `json:"value"`
	EntityType     EntityType `json:"entity_type"`
	Importance     float64    `json:"importance"`
	Confidence     float64    `json:"confidence"`
	AccessCount    int        `json:"access_count"`
	LastAccessed   time.Time  `json:"last_accessed"`
	CreatedAt      time.Time  `json:"created_at"`
	Embedding      []float32  `json:"embedding,omitempty"`

	// ConsolidatedAt marks a soft-deleted fact that was clustered into an
	// episodic event. Soft-deleted facts are excluded from reads.
	ConsolidatedAt *time.Time `json:"consolidated_at,omitempty"`

	// Similarity is populated on search results only; not persisted.
	Similarity float64 `json:"similarity,omitempty"`
}

// EpisodicEvent is a time-anchored record in the episodic tier. A message
// consolidated into episodic becomes an event of type "message".
type EpisodicEvent struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	ConversationID string            `json:"conversation_id"`
	EventType      string            `json:"event_type"`
	Content        string            `json:"content"`
	OccurredAt     time.Time         `json:"occurred_at"`
	DecayFactor    float64           `json:"decay_factor"`
	Embedding      []float32         `json:"embedding,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// TriggerKind selects the matching strategy for a procedural trigger.
type TriggerKind string

const (
	TriggerKeyword  TriggerKind = "keyword"
	TriggerRegex    TriggerKind = "regex"
	TriggerSemantic TriggerKind = "semantic"
)

// Trigger is a single activation condition on a procedural pattern.
type Trigger struct {
	Kind    TriggerKind `json:"kind"`
	Pattern string      `json:"pattern"`
}

// ProceduralPattern is a learned routine: when any trigger matches a query,
// its instruction template is injected into the retrieved context.
type ProceduralPattern struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"user_id"`
	Name                string    `json:"name"`
	Description         string    `json:"description,omitempty"`
	Triggers            []Trigger `json:"triggers"`
	InstructionTemplate string    `json:"instruction_template"`
	ConfidenceThreshold float64   `json:"confidence_threshold"`
	UsageCount          int       `json:"usage_count"`
	LastUsed            time.Time `json:"last_used,omitempty"`
	SuccessCount        int       `json:"success_count"`
	FailureCount        int       `json:"failure_count"`
	CreatedAt           time.Time `json:"created_at"`
	Embedding           []float32 `json:"embedding,omitempty"`
}

// Conversation is registry metadata for a conversation thread.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// QueryKind is the planner's classification of an incoming query.
type QueryKind string

const (
	QueryContinuation      QueryKind = "continuation"
	QueryFactRetrieval     QueryKind = "fact_retrieval"
	QueryDeepRecall        QueryKind = "deep_recall"
	QueryComplex           QueryKind = "complex"
	QueryProceduralTrigger QueryKind = "procedural_trigger"
)

// QueryPlan tells the orchestrator which tiers to read and how much context
// to assemble.
type QueryPlan struct {
	Kind               QueryKind `json:"kind"`
	Layers             []Layer   `json:"layers"`
	SuggestedPatternID string    `json:"suggested_pattern_id,omitempty"`
	EstimatedTokens    int       `json:"estimated_tokens"`
	IncludeHistory     bool      `json:"include_history"`
}

// HasLayer reports whether the plan includes the given tier.
func (p QueryPlan) HasLayer(l Layer) bool {
	for _, pl := range p.Layers {
		if pl == l {
			return true
		}
	}
	return false
}

// MemoryContext is the output of a retrieval: the assembled, token-bounded
// context drawn from the plan's tiers.
type MemoryContext struct {
	WorkingMessages  []Message          `json:"working_messages"`
	Facts            []ExtractedFact    `json:"facts"`
	ArchivedMessages []EpisodicEvent    `json:"archived_messages"`
	AppliedPattern   *ProceduralPattern `json:"applied_pattern,omitempty"`
	Plan             QueryPlan          `json:"query_plan"`
	TotalTokens      int                `json:"total_tokens"`
	Elapsed          time.Duration      `json:"elapsed"`

	// Warnings annotate partial reads (a tier missed the deadline or lacked
	// a capability). The retrieval still succeeds.
	Warnings []string `json:"warnings,omitempty"`
}

// EstimateTokens approximates the token cost of a text the same way the
// orchestrator budgets context: roughly four runes per token.
func EstimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	return len([]rune(trimmed))/4 + 1
}

// Render serializes the context into a single prompt-ready string. The
// ordering is deterministic: pattern instructions first, then working
// messages chronologically, then facts, then archived events.
func (c *MemoryContext) Render() string {
	var b strings.Builder

	if c.AppliedPattern != nil {
		b.WriteString("## Instructions\n")
		b.WriteString(c.AppliedPattern.InstructionTemplate)
		b.WriteString("\n\n")
	}

	if len(c.WorkingMessages) > 0 {
		b.WriteString("## Recent conversation\n")
		for _, m := range c.WorkingMessages {
			fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}

	if len(c.Facts) > 0 {
		b.WriteString("## Known facts\n")
		for _, f := range c.Facts {
			fmt.Fprintf(&b, "- %s: %s\n", f.Key, f.Value)
		}
		b.WriteString("\n")
	}

	if len(c.ArchivedMessages) > 0 {
		b.WriteString("## Relevant history\n")
		for _, e := range c.ArchivedMessages {
			fmt.Fprintf(&b, "[%s] %s\n", e.OccurredAt.Format(time.RFC3339), e.Content)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// SortMessagesChronological orders messages oldest-first, breaking timestamp
// ties by id so the ordering is stable across stores.
func SortMessagesChronological(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// Clamp01 bounds v to [0,1]. Importance scores, confidences, and decay
// factors must stay in this range after every update.
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
