// Package memory is the engine's public surface. It wires the tier stores,
// the importance scorer, the query planner, the pattern matcher, and the
// consolidation worker behind one API.
package memory

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mnemo/internal/amygdala"
	"mnemo/internal/config"
	"mnemo/internal/embedding"
	"mnemo/internal/hippocampus"
	"mnemo/internal/logging"
	"mnemo/internal/metrics"
	"mnemo/internal/prefrontal"
	"mnemo/internal/procedural"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Ingestion caps. Oversized payloads are rejected up front rather than
// truncated, so the caller knows the message was not stored.
const (
	maxContentRunes = 10000
	maxTags         = 10
)

// Engine is the conversational memory engine.
type Engine struct {
	cfg      config.Config
	stores   store.Store
	provider embedding.Provider // nil when no collaborator is configured
	scorer   *amygdala.Engine
	planner  *prefrontal.Planner
	matcher  *procedural.Matcher
	pipeline *hippocampus.Pipeline
	worker   *hippocampus.Worker
	sink     *metrics.Sink

	// background tracks entity-extraction goroutines so Close can drain
	// them.
	background sync.WaitGroup

	now func() time.Time
}

// Open builds an engine from the workspace configuration and starts the
// consolidation worker.
func Open(ctx context.Context, workspace string) (*Engine, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(workspace, logging.Settings{
		DebugMode:  cfg.Logging.DebugMode,
		Categories: cfg.Logging.Categories,
		Level:      cfg.Logging.Level,
	}); err != nil {
		return nil, err
	}
	return OpenWithConfig(ctx, workspace, cfg)
}

// OpenWithConfig builds an engine from an explicit configuration. Logging
// must already be initialized (or left disabled).
func OpenWithConfig(ctx context.Context, workspace string, cfg config.Config) (*Engine, error) {
	logging.Boot("Opening memory engine (storage=%s provider=%s)",
		cfg.Storage.Provider, cfg.Provider.Backend)

	stores, err := store.Open(ctx, workspace, cfg)
	if err != nil {
		return nil, err
	}

	var provider embedding.Provider
	if cfg.Provider.Backend != "" {
		provider, err = embedding.New(embedding.Config{
			Backend:         cfg.Provider.Backend,
			OllamaEndpoint:  cfg.Provider.OllamaEndpoint,
			OllamaEmbed:     cfg.Provider.OllamaEmbed,
			OllamaCompleter: cfg.Provider.OllamaCompleter,
			GenAIAPIKey:     cfg.Provider.GenAIAPIKey,
			GenAIEmbed:      cfg.Provider.GenAIEmbed,
			GenAICompleter:  cfg.Provider.GenAICompleter,
			GenAIDimensions: cfg.Provider.GenAIDimensions,
		})
		if err != nil {
			// The collaborator is optional everywhere; heuristics cover it.
			logging.Get(logging.CategoryBoot).Warn("collaborator unavailable, using heuristics: %v", err)
			provider = nil
		}
	}

	sink := metrics.NewSink()
	matcher := procedural.New(stores.Procedural(), providerOrNilEmbedder(provider))
	pipeline := hippocampus.New(stores, providerOrNilPipeline(provider), cfg.Consolidation, cfg.Working, sink)
	worker := hippocampus.NewWorker(pipeline, cfg.Consolidation)

	e := &Engine{
		cfg:      cfg,
		stores:   stores,
		provider: provider,
		scorer:   amygdala.New(cfg.Heuristics),
		planner:  prefrontal.New(cfg.Heuristics, providerOrNilClassifier(provider), matcher),
		matcher:  matcher,
		pipeline: pipeline,
		worker:   worker,
		sink:     sink,
		now:      time.Now,
	}
	e.worker.Start()
	logging.Boot("Memory engine ready")
	return e, nil
}

// Typed nil adapters: a nil interface of the right type, not a non-nil
// interface holding a nil pointer.
func providerOrNilEmbedder(p embedding.Provider) procedural.Embedder {
	if p == nil {
		return nil
	}
	return p
}

func providerOrNilPipeline(p embedding.Provider) hippocampus.Provider {
	if p == nil {
		return nil
	}
	return p
}

func providerOrNilClassifier(p embedding.Provider) prefrontal.Classifier {
	if p == nil {
		return nil
	}
	return p
}

// Close stops the worker, drains background work, and releases storage.
func (e *Engine) Close() error {
	e.worker.Stop()
	e.background.Wait()
	err := e.stores.Close()
	logging.CloseAll()
	return err
}

// dropExpired filters out messages past the working-tier TTL. Eviction is
// periodic, so reads between cycles must not serve what eviction would
// have removed.
func (e *Engine) dropExpired(msgs []types.Message) []types.Message {
	ttl := e.cfg.Working.TTL.Std()
	if ttl <= 0 {
		return msgs
	}
	cutoff := e.now().Add(-ttl)
	fresh := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Timestamp.Before(cutoff) {
			fresh = append(fresh, m)
		}
	}
	return fresh
}

// CreateConversation registers a new conversation thread.
func (e *Engine) CreateConversation(ctx context.Context, userID, title string, tags []string) (types.Conversation, error) {
	if userID == "" {
		return types.Conversation{}, types.Validationf("user id required")
	}
	conv := types.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Tags:      tags,
		CreatedAt: e.now(),
	}
	if err := e.stores.Conversations().Create(ctx, conv); err != nil {
		return types.Conversation{}, err
	}
	logging.Orchestrator("conversation created: %s (user=%s)", conv.ID, userID)
	return conv, nil
}

// ListConversations returns the user's conversations.
func (e *Engine) ListConversations(ctx context.Context, userID string) ([]types.Conversation, error) {
	return e.stores.Conversations().All(ctx, userID)
}

// AddMessage ingests a message: validates it, scores importance, writes it
// to the working tier, and requests consolidation when the conversation
// crosses the threshold.
func (e *Engine) AddMessage(ctx context.Context, userID, conversationID string, role types.Role, content string, tags []string) (types.Message, error) {
	start := e.now()
	if userID == "" {
		return types.Message{}, types.Validationf("user id required")
	}
	if conversationID == "" {
		return types.Message{}, types.Validationf("conversation id required")
	}
	if !types.ValidRole(role) {
		return types.Message{}, types.Validationf("unknown role %q", role)
	}
	if strings.TrimSpace(content) == "" {
		return types.Message{}, types.Validationf("content required")
	}
	if n := len([]rune(content)); n > maxContentRunes {
		return types.Message{}, types.Validationf("content is %d characters, limit is %d", n, maxContentRunes)
	}
	if len(tags) > maxTags {
		return types.Message{}, types.Validationf("%d tags, limit is %d", len(tags), maxTags)
	}

	recent, err := e.stores.Working().Recent(ctx, userID, conversationID, e.cfg.Working.RecentDefault)
	if err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("recent fetch for scoring failed: %v", err)
		recent = nil
	}
	recent = e.dropExpired(recent)

	msg := types.Message{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      e.now(),
		Tags:           tags,
	}
	msg.Importance, _ = e.scorer.Score(msg, recent, e.now())

	if err := e.stores.Working().Append(ctx, msg); err != nil {
		e.sink.Record("engine.AddMessage", e.now().Sub(start), types.ErrorKind(err))
		return types.Message{}, err
	}
	e.worker.Track(userID)
	e.extractEntitiesAsync(msg)

	if count, err := e.stores.Working().Count(ctx, userID, conversationID); err == nil &&
		count >= e.cfg.Consolidation.ThresholdMessages {
		logging.OrchestratorDebug("conversation %s at %d messages, requesting consolidation", conversationID, count)
		e.worker.Request(userID)
	}

	e.sink.Record("engine.AddMessage", e.now().Sub(start), "")
	return msg, nil
}

// extractEntitiesAsync enriches the stored message with extracted entities
// off the write path. Best effort: failures leave the message as written.
func (e *Engine) extractEntitiesAsync(msg types.Message) {
	if e.provider == nil {
		return
	}
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		entities, err := e.provider.ExtractEntities(ctx, msg.Content)
		if err != nil || len(entities) == 0 {
			if err != nil {
				logging.OrchestratorDebug("entity extraction for %s failed: %v", msg.ID, err)
			}
			return
		}

		// Re-read before writing back: the message may have been promoted
		// or forgotten while extraction ran.
		current, err := e.stores.Working().Get(ctx, msg.UserID, msg.ID)
		if err != nil {
			return
		}
		current.Entities = entities
		if err := e.stores.Working().Append(ctx, current); err != nil {
			logging.OrchestratorDebug("entity write-back for %s failed: %v", msg.ID, err)
		}
	}()
}

// GetMessages returns the newest n working messages of a conversation,
// oldest-first.
func (e *Engine) GetMessages(ctx context.Context, userID, conversationID string, n int) ([]types.Message, error) {
	if n <= 0 {
		n = e.cfg.Working.RecentDefault
	}
	msgs, err := e.stores.Working().Recent(ctx, userID, conversationID, n)
	if err != nil {
		return nil, err
	}
	return e.dropExpired(msgs), nil
}

// MessagesBetween returns working messages of a conversation whose
// timestamps fall in [from, to), oldest-first, keeping the newest limit
// entries. Zero bounds leave that side open.
func (e *Engine) MessagesBetween(ctx context.Context, userID, conversationID string, from, to time.Time, limit int) ([]types.Message, error) {
	all, err := e.stores.Working().All(ctx, userID)
	if err != nil {
		return nil, err
	}
	all = e.dropExpired(all)
	var out []types.Message
	for _, m := range all {
		if conversationID != "" && m.ConversationID != conversationID {
			continue
		}
		if !from.IsZero() && m.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !m.Timestamp.Before(to) {
			continue
		}
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Events returns the user's episodic events in [from, to), newest-first.
// Zero bounds cover the whole archive.
func (e *Engine) Events(ctx context.Context, userID string, from, to time.Time, limit int) ([]types.EpisodicEvent, error) {
	if from.IsZero() {
		from = time.Unix(0, 0)
	}
	if to.IsZero() {
		to = e.now().Add(time.Second)
	}
	return e.stores.Episodic().Range(ctx, userID, from, to, limit)
}

// ForgetMessage removes an item by id from whichever tier holds it. An
// unknown id is a no-op: the caller wants the item gone, and it is.
func (e *Engine) ForgetMessage(ctx context.Context, userID, id string) error {
	deletes := []func() error{
		func() error { return e.stores.Working().Delete(ctx, userID, id) },
		func() error { return e.stores.Semantic().Delete(ctx, userID, id) },
		func() error { return e.stores.Episodic().Delete(ctx, userID, id) },
		func() error { return e.stores.Procedural().Delete(ctx, userID, id) },
	}
	for _, del := range deletes {
		if err := del(); err != nil && !errors.Is(err, types.ErrNotFound) {
			return err
		}
	}
	return nil
}

// Consolidate runs a consolidation cycle for the user immediately.
func (e *Engine) Consolidate(ctx context.Context, userID string) (hippocampus.Result, error) {
	return e.pipeline.Consolidate(ctx, userID)
}

// SavePattern registers a procedural pattern. Regex triggers must
// compile; a missing id or threshold gets a sensible default.
func (e *Engine) SavePattern(ctx context.Context, p types.ProceduralPattern) (types.ProceduralPattern, error) {
	if p.UserID == "" {
		return types.ProceduralPattern{}, types.Validationf("user id required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return types.ProceduralPattern{}, types.Validationf("pattern name required")
	}
	if len(p.Triggers) == 0 {
		return types.ProceduralPattern{}, types.Validationf("at least one trigger required")
	}
	for _, tr := range p.Triggers {
		if tr.Pattern == "" {
			return types.ProceduralPattern{}, types.Validationf("empty trigger pattern")
		}
		if tr.Kind == types.TriggerRegex {
			if _, err := regexp.Compile(tr.Pattern); err != nil {
				return types.ProceduralPattern{}, types.Validationf("bad regex trigger %q: %v", tr.Pattern, err)
			}
		}
	}
	if strings.TrimSpace(p.InstructionTemplate) == "" {
		return types.ProceduralPattern{}, types.Validationf("instruction template required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.ConfidenceThreshold <= 0 {
		p.ConfidenceThreshold = 0.5
	}
	p.ConfidenceThreshold = types.Clamp01(p.ConfidenceThreshold)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = e.now()
	}
	if err := e.stores.Procedural().Save(ctx, p); err != nil {
		return types.ProceduralPattern{}, err
	}
	logging.Orchestrator("pattern saved: %s (%s)", p.Name, p.ID)
	return p, nil
}

// ListPatterns returns the user's procedural patterns.
func (e *Engine) ListPatterns(ctx context.Context, userID string) ([]types.ProceduralPattern, error) {
	return e.stores.Procedural().All(ctx, userID)
}

// RecordPatternOutcome reports whether an applied pattern helped.
func (e *Engine) RecordPatternOutcome(ctx context.Context, userID, patternID string, success bool) error {
	return e.matcher.RecordUsage(ctx, userID, patternID, success)
}

// DeleteUser erases every trace of a user across all tiers. Partial
// failures stop early so the caller can retry.
func (e *Engine) DeleteUser(ctx context.Context, userID string) error {
	e.worker.Untrack(userID)
	if _, err := e.stores.Working().DeleteUser(ctx, userID); err != nil {
		return err
	}
	if _, err := e.stores.Semantic().DeleteUser(ctx, userID); err != nil {
		return err
	}
	if _, err := e.stores.Episodic().DeleteUser(ctx, userID); err != nil {
		return err
	}
	if _, err := e.stores.Procedural().DeleteUser(ctx, userID); err != nil {
		return err
	}
	if _, err := e.stores.Conversations().DeleteUser(ctx, userID); err != nil {
		return err
	}
	logging.Orchestrator("user erased: %s", userID)
	return nil
}

// Stats summarizes a user's footprint and the engine's operation metrics.
type Stats struct {
	WorkingMessages int               `json:"working_messages"`
	Facts           int               `json:"facts"`
	Events          int               `json:"events"`
	Patterns        int               `json:"patterns"`
	Conversations   int               `json:"conversations"`
	StorageProvider string            `json:"storage_provider"`
	NativeANN       bool              `json:"native_ann"`
	Operations      []metrics.OpStats `json:"operations"`
}

// Stats reports tier sizes for the user plus operation latencies.
func (e *Engine) Stats(ctx context.Context, userID string) (Stats, error) {
	s := Stats{
		StorageProvider: e.stores.Name(),
		NativeANN:       e.stores.Capabilities().NativeANN,
		Operations:      e.sink.Snapshot(0),
	}
	var err error
	if s.WorkingMessages, err = e.stores.Working().Count(ctx, userID, ""); err != nil {
		return s, err
	}
	facts, err := e.stores.Semantic().All(ctx, userID)
	if err != nil {
		return s, err
	}
	s.Facts = len(facts)
	events, err := e.stores.Episodic().Range(ctx, userID, time.Unix(0, 0), e.now().Add(time.Second), 0)
	if err != nil {
		return s, err
	}
	s.Events = len(events)
	patterns, err := e.stores.Procedural().All(ctx, userID)
	if err != nil {
		return s, err
	}
	s.Patterns = len(patterns)
	convs, err := e.stores.Conversations().All(ctx, userID)
	if err != nil {
		return s, err
	}
	s.Conversations = len(convs)
	return s, nil
}
