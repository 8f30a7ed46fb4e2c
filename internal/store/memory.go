package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"mnemo/internal/embedding"
	"mnemo/internal/types"
)

// MemoryStore is the in-process driver: per-user maps behind a RWMutex.
// Vector search is an exhaustive cosine scan. It doubles as the fallback
// store behind the resilient wrapper.
type MemoryStore struct {
	mu sync.RWMutex

	messages      map[string]map[string]types.Message           // userID -> id -> msg
	facts         map[string]map[string]types.ExtractedFact     // userID -> id -> fact
	events        map[string]map[string]types.EpisodicEvent     // userID -> id -> event
	patterns      map[string]map[string]types.ProceduralPattern // userID -> id -> pattern
	conversations map[string]map[string]types.Conversation      // userID -> id -> conv
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:      make(map[string]map[string]types.Message),
		facts:         make(map[string]map[string]types.ExtractedFact),
		events:        make(map[string]map[string]types.EpisodicEvent),
		patterns:      make(map[string]map[string]types.ProceduralPattern),
		conversations: make(map[string]map[string]types.Conversation),
	}
}

func (s *MemoryStore) Working() WorkingStore           { return (*memWorking)(s) }
func (s *MemoryStore) Semantic() SemanticStore         { return (*memSemantic)(s) }
func (s *MemoryStore) Episodic() EpisodicStore         { return (*memEpisodic)(s) }
func (s *MemoryStore) Procedural() ProceduralStore     { return (*memProcedural)(s) }
func (s *MemoryStore) Conversations() ConversationStore { return (*memConversations)(s) }

func (s *MemoryStore) Capabilities() Capabilities {
	return Capabilities{VectorSearch: true, NativeANN: false, Persistent: false}
}

func (s *MemoryStore) Name() string                   { return "in-process" }
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

// --- working tier ---

type memWorking MemoryStore

func (s *memWorking) Append(ctx context.Context, msg types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messages[msg.UserID] == nil {
		s.messages[msg.UserID] = make(map[string]types.Message)
	}
	s.messages[msg.UserID][msg.ID] = msg
	return nil
}

func (s *memWorking) Get(ctx context.Context, userID, id string) (types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[userID][id]
	if !ok {
		return types.Message{}, types.NotFoundf("message %s", id)
	}
	return msg, nil
}

func (s *memWorking) Recent(ctx context.Context, userID, conversationID string, n int) ([]types.Message, error) {
	s.mu.RLock()
	var msgs []types.Message
	for _, m := range s.messages[userID] {
		if conversationID == "" || m.ConversationID == conversationID {
			msgs = append(msgs, m)
		}
	}
	s.mu.RUnlock()

	types.SortMessagesChronological(msgs)
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

func (s *memWorking) All(ctx context.Context, userID string) ([]types.Message, error) {
	return s.Recent(ctx, userID, "", 0)
}

func (s *memWorking) Count(ctx context.Context, userID, conversationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if conversationID == "" {
		return len(s.messages[userID]), nil
	}
	n := 0
	for _, m := range s.messages[userID] {
		if m.ConversationID == conversationID {
			n++
		}
	}
	return n, nil
}

func (s *memWorking) IncrementAccess(ctx context.Context, userID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if m, ok := s.messages[userID][id]; ok {
			m.AccessCount++
			s.messages[userID][id] = m
		}
	}
	return nil
}

func (s *memWorking) Delete(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[userID][id]; !ok {
		return types.NotFoundf("message %s", id)
	}
	delete(s.messages[userID], id)
	return nil
}

func (s *memWorking) DeleteUser(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.messages[userID])
	delete(s.messages, userID)
	return n, nil
}

func (s *memWorking) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, byID := range s.messages {
		for id, m := range byID {
			if m.Timestamp.Before(cutoff) {
				delete(byID, id)
				n++
			}
		}
	}
	return n, nil
}

// --- semantic tier ---

type memSemantic MemoryStore

func (s *memSemantic) Upsert(ctx context.Context, fact types.ExtractedFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.facts[fact.UserID] == nil {
		s.facts[fact.UserID] = make(map[string]types.ExtractedFact)
	}
	s.facts[fact.UserID][fact.ID] = fact
	return nil
}

func (s *memSemantic) Get(ctx context.Context, userID, id string) (types.ExtractedFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facts[userID][id]
	if !ok {
		return types.ExtractedFact{}, types.NotFoundf("fact %s", id)
	}
	return f, nil
}

func (s *memSemantic) ByKey(ctx context.Context, userID, key string) (types.ExtractedFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.facts[userID] {
		if f.Key == key && f.ConsolidatedAt == nil {
			return f, nil
		}
	}
	return types.ExtractedFact{}, types.NotFoundf("fact with key %q", key)
}

func (s *memSemantic) All(ctx context.Context, userID string) ([]types.ExtractedFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var facts []types.ExtractedFact
	for _, f := range s.facts[userID] {
		if f.ConsolidatedAt == nil {
			facts = append(facts, f)
		}
	}
	sort.Slice(facts, func(i, j int) bool { return facts[i].CreatedAt.Before(facts[j].CreatedAt) })
	return facts, nil
}

func (s *memSemantic) Search(ctx context.Context, userID string, query []float32, topK int, threshold float64) ([]types.ExtractedFact, error) {
	s.mu.RLock()
	var candidates []types.ExtractedFact
	for _, f := range s.facts[userID] {
		if f.ConsolidatedAt != nil || len(f.Embedding) == 0 {
			continue
		}
		sim, err := embedding.CosineSimilarity(query, f.Embedding)
		if err != nil {
			continue
		}
		if sim >= threshold {
			f.Similarity = sim
			candidates = append(candidates, f)
		}
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Similarity > candidates[j].Similarity })
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

func (s *memSemantic) SearchText(ctx context.Context, userID, query string, topK int) ([]types.ExtractedFact, error) {
	q := strings.ToLower(query)
	s.mu.RLock()
	var hits []types.ExtractedFact
	for _, f := range s.facts[userID] {
		if f.ConsolidatedAt != nil {
			continue
		}
		if strings.Contains(strings.ToLower(f.Key), q) || strings.Contains(strings.ToLower(f.Value), q) {
			hits = append(hits, f)
		}
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].Importance > hits[j].Importance })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *memSemantic) IncrementAccess(ctx context.Context, userID string, ids []string) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if f, ok := s.facts[userID][id]; ok {
			f.AccessCount++
			f.LastAccessed = now
			s.facts[userID][id] = f
		}
	}
	return nil
}

func (s *memSemantic) MarkConsolidated(ctx context.Context, userID string, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if f, ok := s.facts[userID][id]; ok {
			t := at
			f.ConsolidatedAt = &t
			s.facts[userID][id] = f
		}
	}
	return nil
}

func (s *memSemantic) Unconsolidate(ctx context.Context, userID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if f, ok := s.facts[userID][id]; ok {
			f.ConsolidatedAt = nil
			s.facts[userID][id] = f
		}
	}
	return nil
}

func (s *memSemantic) Delete(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.facts[userID][id]; !ok {
		return types.NotFoundf("fact %s", id)
	}
	delete(s.facts[userID], id)
	return nil
}

func (s *memSemantic) DeleteUser(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.facts[userID])
	delete(s.facts, userID)
	return n, nil
}

func (s *memSemantic) EvictStale(ctx context.Context, cutoff time.Time, minAccess int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, byID := range s.facts {
		for id, f := range byID {
			if f.ConsolidatedAt == nil && f.CreatedAt.Before(cutoff) && f.AccessCount < minAccess {
				delete(byID, id)
				n++
			}
		}
	}
	return n, nil
}

// --- episodic tier ---

type memEpisodic MemoryStore

func (s *memEpisodic) Append(ctx context.Context, ev types.EpisodicEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events[ev.UserID] == nil {
		s.events[ev.UserID] = make(map[string]types.EpisodicEvent)
	}
	s.events[ev.UserID][ev.ID] = ev
	return nil
}

func (s *memEpisodic) Get(ctx context.Context, userID, id string) (types.EpisodicEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[userID][id]
	if !ok {
		return types.EpisodicEvent{}, types.NotFoundf("event %s", id)
	}
	return ev, nil
}

func (s *memEpisodic) Range(ctx context.Context, userID string, from, to time.Time, limit int) ([]types.EpisodicEvent, error) {
	s.mu.RLock()
	var evs []types.EpisodicEvent
	for _, ev := range s.events[userID] {
		if !ev.OccurredAt.Before(from) && ev.OccurredAt.Before(to) {
			evs = append(evs, ev)
		}
	}
	s.mu.RUnlock()

	sort.Slice(evs, func(i, j int) bool { return evs[i].OccurredAt.After(evs[j].OccurredAt) })
	if limit > 0 && len(evs) > limit {
		evs = evs[:limit]
	}
	return evs, nil
}

func (s *memEpisodic) Search(ctx context.Context, userID string, query []float32, topK int) ([]types.EpisodicEvent, error) {
	type scored struct {
		ev  types.EpisodicEvent
		sim float64
	}
	s.mu.RLock()
	var candidates []scored
	for _, ev := range s.events[userID] {
		if len(ev.Embedding) == 0 {
			continue
		}
		sim, err := embedding.CosineSimilarity(query, ev.Embedding)
		if err != nil {
			continue
		}
		candidates = append(candidates, scored{ev, sim})
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	evs := make([]types.EpisodicEvent, len(candidates))
	for i, c := range candidates {
		evs[i] = c.ev
	}
	return evs, nil
}

func (s *memEpisodic) ByType(ctx context.Context, userID, eventType string, since time.Time) ([]types.EpisodicEvent, error) {
	s.mu.RLock()
	var evs []types.EpisodicEvent
	for _, ev := range s.events[userID] {
		if ev.EventType == eventType && !ev.OccurredAt.Before(since) {
			evs = append(evs, ev)
		}
	}
	s.mu.RUnlock()

	sort.Slice(evs, func(i, j int) bool { return evs[i].OccurredAt.Before(evs[j].OccurredAt) })
	return evs, nil
}

func (s *memEpisodic) Delete(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[userID][id]; !ok {
		return types.NotFoundf("event %s", id)
	}
	delete(s.events[userID], id)
	return nil
}

func (s *memEpisodic) DeleteUser(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.events[userID])
	delete(s.events, userID)
	return n, nil
}

// --- procedural tier ---

type memProcedural MemoryStore

func (s *memProcedural) Save(ctx context.Context, p types.ProceduralPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.patterns[p.UserID] == nil {
		s.patterns[p.UserID] = make(map[string]types.ProceduralPattern)
	}
	s.patterns[p.UserID][p.ID] = p
	return nil
}

func (s *memProcedural) Get(ctx context.Context, userID, id string) (types.ProceduralPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[userID][id]
	if !ok {
		return types.ProceduralPattern{}, types.NotFoundf("pattern %s", id)
	}
	return p, nil
}

func (s *memProcedural) All(ctx context.Context, userID string) ([]types.ProceduralPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ps []types.ProceduralPattern
	for _, p := range s.patterns[userID] {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].CreatedAt.Before(ps[j].CreatedAt) })
	return ps, nil
}

func (s *memProcedural) Touch(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[userID][id]
	if !ok {
		return types.NotFoundf("pattern %s", id)
	}
	p.UsageCount++
	p.LastUsed = time.Now()
	s.patterns[userID][id] = p
	return nil
}

func (s *memProcedural) RecordUsage(ctx context.Context, userID, id string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[userID][id]
	if !ok {
		return types.NotFoundf("pattern %s", id)
	}
	if success {
		p.SuccessCount++
	} else {
		p.FailureCount++
	}
	s.patterns[userID][id] = p
	return nil
}

func (s *memProcedural) Delete(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patterns[userID][id]; !ok {
		return types.NotFoundf("pattern %s", id)
	}
	delete(s.patterns[userID], id)
	return nil
}

func (s *memProcedural) DeleteUser(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.patterns[userID])
	delete(s.patterns, userID)
	return n, nil
}

// --- conversation registry ---

type memConversations MemoryStore

func (s *memConversations) Create(ctx context.Context, c types.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversations[c.UserID] == nil {
		s.conversations[c.UserID] = make(map[string]types.Conversation)
	}
	if _, exists := s.conversations[c.UserID][c.ID]; exists {
		return types.Conflictf("conversation %s already exists", c.ID)
	}
	s.conversations[c.UserID][c.ID] = c
	return nil
}

func (s *memConversations) Get(ctx context.Context, userID, id string) (types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[userID][id]
	if !ok {
		return types.Conversation{}, types.NotFoundf("conversation %s", id)
	}
	return c, nil
}

func (s *memConversations) All(ctx context.Context, userID string) ([]types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var cs []types.Conversation
	for _, c := range s.conversations[userID] {
		cs = append(cs, c)
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].CreatedAt.Before(cs[j].CreatedAt) })
	return cs, nil
}

func (s *memConversations) Delete(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[userID][id]; !ok {
		return types.NotFoundf("conversation %s", id)
	}
	delete(s.conversations[userID], id)
	return nil
}

func (s *memConversations) DeleteUser(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.conversations[userID])
	delete(s.conversations, userID)
	return n, nil
}
