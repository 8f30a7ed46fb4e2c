// Package store defines the per-tier persistence contracts and their
// drivers: an in-process map store, an embedded SQLite file store with
// optional sqlite-vec ANN, a Postgres store with pgvector, and a Redis
// store. A resilient wrapper adds retry-then-fallback on top of any driver.
package store

import (
	"context"
	"time"

	"mnemo/internal/types"
)

// Capabilities describes what a driver can do natively. Callers degrade
// gracefully when a capability is missing instead of failing the operation.
type Capabilities struct {
	// VectorSearch means similarity queries are supported at all (native
	// index or exhaustive scan).
	VectorSearch bool

	// NativeANN means the driver has a real vector index (sqlite-vec vec0,
	// pgvector HNSW) rather than an exhaustive scan.
	NativeANN bool

	// Persistent means data survives process restart.
	Persistent bool
}

// WorkingStore holds recent raw messages, ordered by time.
type WorkingStore interface {
	Append(ctx context.Context, msg types.Message) error
	Get(ctx context.Context, userID, id string) (types.Message, error)

	// Recent returns up to n newest messages for the conversation,
	// returned oldest-first.
	Recent(ctx context.Context, userID, conversationID string, n int) ([]types.Message, error)

	// All returns every working message for the user, oldest-first.
	// Used by the consolidation pipeline to select candidates.
	All(ctx context.Context, userID string) ([]types.Message, error)

	Count(ctx context.Context, userID, conversationID string) (int, error)

	// IncrementAccess bumps access counts for the given ids.
	IncrementAccess(ctx context.Context, userID string, ids []string) error

	Delete(ctx context.Context, userID, id string) error
	DeleteUser(ctx context.Context, userID string) (int, error)

	// ExpireBefore removes messages older than the cutoff. Returns the
	// number removed.
	ExpireBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// SemanticStore holds extracted facts with optional embeddings.
type SemanticStore interface {
	Upsert(ctx context.Context, fact types.ExtractedFact) error
	Get(ctx context.Context, userID, id string) (types.ExtractedFact, error)

	// ByKey returns the live (non-consolidated) fact with the given key.
	ByKey(ctx context.Context, userID, key string) (types.ExtractedFact, error)

	// All returns every live fact for the user.
	All(ctx context.Context, userID string) ([]types.ExtractedFact, error)

	// Search returns up to topK live facts whose embedding similarity to
	// query is at least threshold, most similar first. Similarity is set
	// on each result.
	Search(ctx context.Context, userID string, query []float32, topK int, threshold float64) ([]types.ExtractedFact, error)

	// SearchText is the degraded path when no query embedding is
	// available: case-insensitive substring match on key and value.
	SearchText(ctx context.Context, userID, query string, topK int) ([]types.ExtractedFact, error)

	// IncrementAccess bumps access counts and last-accessed times.
	IncrementAccess(ctx context.Context, userID string, ids []string) error

	// MarkConsolidated soft-deletes facts that were clustered into an
	// episodic event. Soft-deleted facts are excluded from all reads.
	MarkConsolidated(ctx context.Context, userID string, ids []string, at time.Time) error

	// Unconsolidate reverses MarkConsolidated; used by rollback.
	Unconsolidate(ctx context.Context, userID string, ids []string) error

	Delete(ctx context.Context, userID, id string) error
	DeleteUser(ctx context.Context, userID string) (int, error)

	// EvictStale removes live facts older than cutoff with access count
	// below minAccess. Returns the number removed.
	EvictStale(ctx context.Context, cutoff time.Time, minAccess int) (int, error)
}

// EpisodicStore holds time-anchored events.
type EpisodicStore interface {
	Append(ctx context.Context, ev types.EpisodicEvent) error
	Get(ctx context.Context, userID, id string) (types.EpisodicEvent, error)

	// Range returns events in [from, to), newest-first, up to limit.
	Range(ctx context.Context, userID string, from, to time.Time, limit int) ([]types.EpisodicEvent, error)

	// Search returns up to topK events by embedding similarity.
	Search(ctx context.Context, userID string, query []float32, topK int) ([]types.EpisodicEvent, error)

	// ByType returns events of one type since the given time, oldest-first.
	// Used by pattern mining.
	ByType(ctx context.Context, userID, eventType string, since time.Time) ([]types.EpisodicEvent, error)

	Delete(ctx context.Context, userID, id string) error
	DeleteUser(ctx context.Context, userID string) (int, error)
}

// ProceduralStore holds learned patterns.
type ProceduralStore interface {
	Save(ctx context.Context, p types.ProceduralPattern) error
	Get(ctx context.Context, userID, id string) (types.ProceduralPattern, error)
	All(ctx context.Context, userID string) ([]types.ProceduralPattern, error)

	// Touch bumps usage count and last-used on a match.
	Touch(ctx context.Context, userID, id string) error

	// RecordUsage bumps the success or failure counter.
	RecordUsage(ctx context.Context, userID, id string, success bool) error

	Delete(ctx context.Context, userID, id string) error
	DeleteUser(ctx context.Context, userID string) (int, error)
}

// ConversationStore is the registry of conversation threads.
type ConversationStore interface {
	Create(ctx context.Context, c types.Conversation) error
	Get(ctx context.Context, userID, id string) (types.Conversation, error)
	All(ctx context.Context, userID string) ([]types.Conversation, error)
	Delete(ctx context.Context, userID, id string) error
	DeleteUser(ctx context.Context, userID string) (int, error)
}

// Store bundles the per-tier repositories of one driver.
type Store interface {
	Working() WorkingStore
	Semantic() SemanticStore
	Episodic() EpisodicStore
	Procedural() ProceduralStore
	Conversations() ConversationStore

	Capabilities() Capabilities
	Name() string
	Ping(ctx context.Context) error
	Close() error
}
