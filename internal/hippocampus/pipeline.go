// Package hippocampus runs the consolidation pipeline: working messages
// promote to semantic facts, stable facts cluster into episodic events, and
// recurring events mine procedural patterns. Each cycle also evicts expired
// working messages and stale facts.
//
// Cycles are serialized per user through singleflight: concurrent requests
// coalesce onto one run. Cross-tier moves have no transaction spanning
// heterogeneous stores, so each move compensates on failure: the write to
// the destination tier is undone if the source-side cleanup fails.
package hippocampus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/metrics"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Provider is the optional collaborator surface the pipeline uses. All
// methods may fail; the pipeline degrades to surface heuristics.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ExtractEntities(ctx context.Context, text string) ([]types.Entity, error)
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Pipeline executes consolidation cycles.
type Pipeline struct {
	stores   store.Store
	provider Provider
	cfg      config.ConsolidationConfig
	working  config.WorkingConfig
	sink     *metrics.Sink

	group singleflight.Group

	// now is replaceable in tests.
	now func() time.Time
}

// Result summarizes one cycle.
type Result struct {
	UserID           string        `json:"user_id"`
	PromotedFacts    int           `json:"promoted_facts"`
	ClusteredEvents  int           `json:"clustered_events"`
	MinedPatterns    int           `json:"mined_patterns"`
	ExpiredMessages  int           `json:"expired_messages"`
	EvictedFacts     int           `json:"evicted_facts"`
	Duration         time.Duration `json:"duration"`
}

// New creates a pipeline. provider may be nil.
func New(stores store.Store, provider Provider, cfg config.ConsolidationConfig, working config.WorkingConfig, sink *metrics.Sink) *Pipeline {
	return &Pipeline{
		stores:   stores,
		provider: provider,
		cfg:      cfg,
		working:  working,
		sink:     sink,
		now:      time.Now,
	}
}

// Consolidate runs one cycle for the user. Concurrent calls for the same
// user share a single run and its result.
func (p *Pipeline) Consolidate(ctx context.Context, userID string) (Result, error) {
	v, err, shared := p.group.Do(userID, func() (interface{}, error) {
		return p.run(ctx, userID)
	})
	if shared {
		logging.HippocampusDebug("consolidation for %s coalesced with in-flight run", userID)
	}
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (p *Pipeline) run(ctx context.Context, userID string) (Result, error) {
	start := p.now()
	res := Result{UserID: userID}
	log := logging.Get(logging.CategoryHippocampus)
	log.Info("consolidation cycle start: user=%s", userID)

	// TTL-expired messages are pruned first so they never become
	// promotion candidates.
	expired, err := p.expireWorking(ctx)
	if err != nil {
		return res, fmt.Errorf("working eviction: %w", err)
	}
	res.ExpiredMessages = expired

	promoted, err := p.promoteWorking(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("working promotion: %w", err)
	}
	res.PromotedFacts = promoted

	evicted, err := p.evictFacts(ctx)
	if err != nil {
		return res, fmt.Errorf("fact eviction: %w", err)
	}
	res.EvictedFacts = evicted

	clustered, err := p.clusterFacts(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("fact clustering: %w", err)
	}
	res.ClusteredEvents = clustered

	mined, err := p.minePatterns(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("pattern mining: %w", err)
	}
	res.MinedPatterns = mined

	res.Duration = p.now().Sub(start)
	if p.sink != nil {
		p.sink.Record("hippocampus.cycle", res.Duration, "")
	}
	log.Info("consolidation cycle done: user=%s promoted=%d clustered=%d mined=%d expired=%d evicted=%d in %v",
		userID, res.PromotedFacts, res.ClusteredEvents, res.MinedPatterns,
		res.ExpiredMessages, res.EvictedFacts, res.Duration)
	return res, nil
}

// promoteWorking moves qualifying working messages into the semantic tier.
// Importance, access frequency, and age each qualify on their own. The
// promotion is two writes with a compensation: if removing the source
// message fails, the new fact is deleted so no message is owned by two
// tiers.
func (p *Pipeline) promoteWorking(ctx context.Context, userID string) (int, error) {
	msgs, err := p.stores.Working().All(ctx, userID)
	if err != nil {
		return 0, err
	}

	now := p.now()
	promoted := 0
	for _, msg := range msgs {
		age := now.Sub(msg.Timestamp)
		if msg.Importance <= p.cfg.MinImportance &&
			msg.AccessCount < p.cfg.MinAccess &&
			age <= p.cfg.MinAge.Std() {
			continue
		}

		fact := p.deriveFact(ctx, msg, now)
		if err := p.stores.Semantic().Upsert(ctx, fact); err != nil {
			return promoted, err
		}
		if err := p.stores.Working().Delete(ctx, userID, msg.ID); err != nil {
			// Compensate: the fact must not survive if the message does.
			if derr := p.stores.Semantic().Delete(ctx, userID, fact.ID); derr != nil {
				logging.Get(logging.CategoryHippocampus).Error(
					"rollback failed, fact %s may duplicate message %s: %v", fact.ID, msg.ID, derr)
			}
			return promoted, types.Conflictf("promotion of message %s rolled back: %v", msg.ID, err)
		}
		promoted++
		logging.HippocampusDebug("promoted message %s -> fact %s (importance=%.2f access=%d)",
			msg.ID, fact.ID, msg.Importance, msg.AccessCount)
	}
	return promoted, nil
}

// deriveFact turns a message into a semantic fact. With a collaborator the
// key comes from extracted entities; otherwise from the message's leading
// words.
func (p *Pipeline) deriveFact(ctx context.Context, msg types.Message, now time.Time) types.ExtractedFact {
	fact := types.ExtractedFact{
		ID:             uuid.NewString(),
		UserID:         msg.UserID,
		ConversationID: msg.ConversationID,
		Key:            surfaceKey(msg.Content),
		Value:          msg.Content,
		EntityType:     types.EntityOther,
		Importance:     msg.Importance,
		Confidence:     types.Clamp01(msg.Importance + 0.25),
		CreatedAt:      now,
	}

	if p.provider != nil {
		if entities, err := p.provider.ExtractEntities(ctx, msg.Content); err == nil && len(entities) > 0 {
			fact.Key = entities[0].Name
			fact.EntityType = entities[0].Type
		} else if err != nil {
			logging.HippocampusDebug("entity extraction failed, using surface key: %v", err)
		}
		if vec, err := p.provider.Embed(ctx, msg.Content); err == nil {
			fact.Embedding = vec
		} else {
			logging.HippocampusDebug("fact embed failed: %v", err)
		}
	}
	return fact
}

// surfaceKey derives a short key from the first significant words.
func surfaceKey(content string) string {
	words := strings.Fields(strings.ToLower(content))
	if len(words) > 6 {
		words = words[:6]
	}
	key := strings.Join(words, " ")
	if len(key) > 64 {
		key = key[:64]
	}
	return key
}
