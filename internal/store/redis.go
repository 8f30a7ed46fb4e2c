package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"mnemo/internal/embedding"
	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// RedisStore is the networked-kv driver. Records are codec-encoded JSON
// values; time ordering lives in sorted sets keyed by unix nanos. There is
// no native vector index, so similarity search is an exhaustive scan with
// a one-time warning.
type RedisStore struct {
	rdb   *redis.Client
	codec *Codec

	scanWarnOnce sync.Once
}

// NewRedisStore connects to the Redis instance at addr ("host:port" or a
// redis:// URI).
func NewRedisStore(ctx context.Context, addr string, codec *Codec) (*RedisStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewRedisStore")
	defer timer.Stop()

	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, types.Unavailablef("redis ping failed: %v", err)
	}

	if codec == nil {
		codec, _ = NewCodec(false, "", 0)
	}
	logging.Store("RedisStore connected to %s", opts.Addr)
	return &RedisStore{rdb: rdb, codec: codec}, nil
}

func (s *RedisStore) Working() WorkingStore            { return &redisWorking{s} }
func (s *RedisStore) Semantic() SemanticStore          { return &redisSemantic{s} }
func (s *RedisStore) Episodic() EpisodicStore          { return &redisEpisodic{s} }
func (s *RedisStore) Procedural() ProceduralStore      { return &redisProcedural{s} }
func (s *RedisStore) Conversations() ConversationStore { return &redisConversations{s} }

func (s *RedisStore) Capabilities() Capabilities {
	return Capabilities{VectorSearch: true, NativeANN: false, Persistent: true}
}

func (s *RedisStore) Name() string { return "networked-kv" }

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return types.Unavailablef("redis ping failed: %v", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Key layout. Everything is namespaced per user; mnemo:users tracks known
// users so maintenance sweeps can iterate them.
func kUsers() string                       { return "mnemo:users" }
func kRecord(user, kind, id string) string { return fmt.Sprintf("mnemo:%s:%s:%s", user, kind, id) }
func kIndex(user, kind string) string      { return fmt.Sprintf("mnemo:%s:%s", user, kind) }

func redisErr(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return types.Unavailablef("redis: %v", err)
}

// putRecord serializes v, codec-encodes it, stores it, and indexes the id
// in a sorted set at the given score.
func (s *RedisStore) putRecord(ctx context.Context, user, kind, id string, v interface{}, index string, score float64) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	blob, err := s.codec.Encode(string(data))
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, kRecord(user, kind, id), blob, 0)
	pipe.ZAdd(ctx, kIndex(user, index), redis.Z{Score: score, Member: id})
	pipe.SAdd(ctx, kUsers(), user)
	if _, err := pipe.Exec(ctx); err != nil {
		return redisErr(err)
	}
	return nil
}

func (s *RedisStore) getRecord(ctx context.Context, user, kind, id string, v interface{}) error {
	blob, err := s.rdb.Get(ctx, kRecord(user, kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.NotFoundf("%s %s", kind, id)
	}
	if err != nil {
		return redisErr(err)
	}
	data, err := s.codec.Decode(blob)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), v)
}

func (s *RedisStore) delRecord(ctx context.Context, user, kind, id, index string) error {
	n, err := s.rdb.Del(ctx, kRecord(user, kind, id)).Result()
	if err != nil {
		return redisErr(err)
	}
	if n == 0 {
		return types.NotFoundf("%s %s", kind, id)
	}
	if err := s.rdb.ZRem(ctx, kIndex(user, index), id).Err(); err != nil {
		return redisErr(err)
	}
	return nil
}

func (s *RedisStore) dropIndex(ctx context.Context, user, kind, index string) (int, error) {
	ids, err := s.rdb.ZRange(ctx, kIndex(user, index), 0, -1).Result()
	if err != nil {
		return 0, redisErr(err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, kRecord(user, kind, id))
	}
	keys = append(keys, kIndex(user, index))
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return 0, redisErr(err)
	}
	return len(ids), nil
}

func (s *RedisStore) loadAll(ctx context.Context, user, kind, index string, decode func(string) error) error {
	ids, err := s.rdb.ZRange(ctx, kIndex(user, index), 0, -1).Result()
	if err != nil {
		return redisErr(err)
	}
	for _, id := range ids {
		blob, err := s.rdb.Get(ctx, kRecord(user, kind, id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return redisErr(err)
		}
		data, err := s.codec.Decode(blob)
		if err != nil {
			return err
		}
		if err := decode(data); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) users(ctx context.Context) ([]string, error) {
	users, err := s.rdb.SMembers(ctx, kUsers()).Result()
	if err != nil {
		return nil, redisErr(err)
	}
	return users, nil
}

// --- working tier ---

type redisWorking struct {
	s *RedisStore
}

func (w *redisWorking) Append(ctx context.Context, msg types.Message) error {
	return w.s.putRecord(ctx, msg.UserID, "wm", msg.ID, msg,
		"wm-index:"+msg.ConversationID, float64(msg.Timestamp.UnixNano()))
}

func (w *redisWorking) Get(ctx context.Context, userID, id string) (types.Message, error) {
	var msg types.Message
	if err := w.s.getRecord(ctx, userID, "wm", id, &msg); err != nil {
		return types.Message{}, err
	}
	return msg, nil
}

func (w *redisWorking) conversationIndexes(ctx context.Context, userID string) ([]string, error) {
	var indexes []string
	pattern := kIndex(userID, "wm-index:") + "*"
	iter := w.s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		indexes = append(indexes, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, redisErr(err)
	}
	return indexes, nil
}

func (w *redisWorking) Recent(ctx context.Context, userID, conversationID string, n int) ([]types.Message, error) {
	var msgs []types.Message
	collect := func(data string) error {
		var msg types.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return err
		}
		msgs = append(msgs, msg)
		return nil
	}

	if conversationID != "" {
		if err := w.s.loadAll(ctx, userID, "wm", "wm-index:"+conversationID, collect); err != nil {
			return nil, err
		}
	} else {
		indexes, err := w.conversationIndexes(ctx, userID)
		if err != nil {
			return nil, err
		}
		for _, idx := range indexes {
			suffix := strings.TrimPrefix(idx, "mnemo:"+userID+":")
			if err := w.s.loadAll(ctx, userID, "wm", suffix, collect); err != nil {
				return nil, err
			}
		}
	}

	types.SortMessagesChronological(msgs)
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

func (w *redisWorking) All(ctx context.Context, userID string) ([]types.Message, error) {
	return w.Recent(ctx, userID, "", 0)
}

func (w *redisWorking) Count(ctx context.Context, userID, conversationID string) (int, error) {
	if conversationID != "" {
		n, err := w.s.rdb.ZCard(ctx, kIndex(userID, "wm-index:"+conversationID)).Result()
		return int(n), redisErr(err)
	}
	indexes, err := w.conversationIndexes(ctx, userID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, idx := range indexes {
		n, err := w.s.rdb.ZCard(ctx, idx).Result()
		if err != nil {
			return 0, redisErr(err)
		}
		total += int(n)
	}
	return total, nil
}

func (w *redisWorking) IncrementAccess(ctx context.Context, userID string, ids []string) error {
	for _, id := range ids {
		msg, err := w.Get(ctx, userID, id)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		msg.AccessCount++
		if err := w.Append(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (w *redisWorking) Delete(ctx context.Context, userID, id string) error {
	msg, err := w.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	return w.s.delRecord(ctx, userID, "wm", id, "wm-index:"+msg.ConversationID)
}

func (w *redisWorking) DeleteUser(ctx context.Context, userID string) (int, error) {
	indexes, err := w.conversationIndexes(ctx, userID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, idx := range indexes {
		suffix := strings.TrimPrefix(idx, "mnemo:"+userID+":")
		n, err := w.s.dropIndex(ctx, userID, "wm", suffix)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (w *redisWorking) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	users, err := w.s.users(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, user := range users {
		msgs, err := w.All(ctx, user)
		if err != nil {
			return total, err
		}
		for _, msg := range msgs {
			if msg.Timestamp.Before(cutoff) {
				if err := w.Delete(ctx, user, msg.ID); err != nil && !errors.Is(err, types.ErrNotFound) {
					return total, err
				}
				total++
			}
		}
	}
	return total, nil
}

// --- semantic tier ---

type redisSemantic struct {
	s *RedisStore
}

func (m *redisSemantic) Upsert(ctx context.Context, fact types.ExtractedFact) error {
	return m.s.putRecord(ctx, fact.UserID, "fact", fact.ID, fact,
		"facts", float64(fact.CreatedAt.UnixNano()))
}

func (m *redisSemantic) Get(ctx context.Context, userID, id string) (types.ExtractedFact, error) {
	var f types.ExtractedFact
	if err := m.s.getRecord(ctx, userID, "fact", id, &f); err != nil {
		return types.ExtractedFact{}, err
	}
	return f, nil
}

func (m *redisSemantic) all(ctx context.Context, userID string, includeConsolidated bool) ([]types.ExtractedFact, error) {
	var facts []types.ExtractedFact
	err := m.s.loadAll(ctx, userID, "fact", "facts", func(data string) error {
		var f types.ExtractedFact
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return err
		}
		if includeConsolidated || f.ConsolidatedAt == nil {
			facts = append(facts, f)
		}
		return nil
	})
	return facts, err
}

func (m *redisSemantic) All(ctx context.Context, userID string) ([]types.ExtractedFact, error) {
	return m.all(ctx, userID, false)
}

func (m *redisSemantic) ByKey(ctx context.Context, userID, key string) (types.ExtractedFact, error) {
	facts, err := m.All(ctx, userID)
	if err != nil {
		return types.ExtractedFact{}, err
	}
	for i := len(facts) - 1; i >= 0; i-- {
		if facts[i].Key == key {
			return facts[i], nil
		}
	}
	return types.ExtractedFact{}, types.NotFoundf("fact with key %q", key)
}

func (m *redisSemantic) Search(ctx context.Context, userID string, query []float32, topK int, threshold float64) ([]types.ExtractedFact, error) {
	m.s.scanWarnOnce.Do(func() {
		logging.Get(logging.CategoryStore).Warn("semantic search using exhaustive scan (redis has no vector index)")
	})
	all, err := m.All(ctx, userID)
	if err != nil {
		return nil, err
	}
	var hits []types.ExtractedFact
	for _, f := range all {
		if len(f.Embedding) == 0 {
			continue
		}
		sim, err := embedding.CosineSimilarity(query, f.Embedding)
		if err != nil {
			continue
		}
		if sim >= threshold {
			f.Similarity = sim
			hits = append(hits, f)
		}
	}
	sortFactsBySimilarity(hits)
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (m *redisSemantic) SearchText(ctx context.Context, userID, query string, topK int) ([]types.ExtractedFact, error) {
	all, err := m.All(ctx, userID)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var hits []types.ExtractedFact
	for _, f := range all {
		if strings.Contains(strings.ToLower(f.Key), q) || strings.Contains(strings.ToLower(f.Value), q) {
			hits = append(hits, f)
		}
	}
	sortFactsByImportance(hits)
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (m *redisSemantic) IncrementAccess(ctx context.Context, userID string, ids []string) error {
	now := time.Now()
	for _, id := range ids {
		f, err := m.Get(ctx, userID, id)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		f.AccessCount++
		f.LastAccessed = now
		if err := m.Upsert(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (m *redisSemantic) MarkConsolidated(ctx context.Context, userID string, ids []string, at time.Time) error {
	for _, id := range ids {
		f, err := m.Get(ctx, userID, id)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		t := at
		f.ConsolidatedAt = &t
		if err := m.Upsert(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (m *redisSemantic) Unconsolidate(ctx context.Context, userID string, ids []string) error {
	for _, id := range ids {
		f, err := m.Get(ctx, userID, id)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		f.ConsolidatedAt = nil
		if err := m.Upsert(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (m *redisSemantic) Delete(ctx context.Context, userID, id string) error {
	return m.s.delRecord(ctx, userID, "fact", id, "facts")
}

func (m *redisSemantic) DeleteUser(ctx context.Context, userID string) (int, error) {
	return m.s.dropIndex(ctx, userID, "fact", "facts")
}

func (m *redisSemantic) EvictStale(ctx context.Context, cutoff time.Time, minAccess int) (int, error) {
	users, err := m.s.users(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, user := range users {
		facts, err := m.All(ctx, user)
		if err != nil {
			return total, err
		}
		for _, f := range facts {
			if f.CreatedAt.Before(cutoff) && f.AccessCount < minAccess {
				if err := m.Delete(ctx, user, f.ID); err != nil && !errors.Is(err, types.ErrNotFound) {
					return total, err
				}
				total++
			}
		}
	}
	return total, nil
}

// --- episodic tier ---

type redisEpisodic struct {
	s *RedisStore
}

func (e *redisEpisodic) Append(ctx context.Context, ev types.EpisodicEvent) error {
	return e.s.putRecord(ctx, ev.UserID, "ev", ev.ID, ev,
		"events", float64(ev.OccurredAt.UnixNano()))
}

func (e *redisEpisodic) Get(ctx context.Context, userID, id string) (types.EpisodicEvent, error) {
	var ev types.EpisodicEvent
	if err := e.s.getRecord(ctx, userID, "ev", id, &ev); err != nil {
		return types.EpisodicEvent{}, err
	}
	return ev, nil
}

func (e *redisEpisodic) all(ctx context.Context, userID string) ([]types.EpisodicEvent, error) {
	var evs []types.EpisodicEvent
	err := e.s.loadAll(ctx, userID, "ev", "events", func(data string) error {
		var ev types.EpisodicEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return err
		}
		evs = append(evs, ev)
		return nil
	})
	return evs, err
}

func (e *redisEpisodic) Range(ctx context.Context, userID string, from, to time.Time, limit int) ([]types.EpisodicEvent, error) {
	evs, err := e.all(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []types.EpisodicEvent
	for _, ev := range evs {
		if !ev.OccurredAt.Before(from) && ev.OccurredAt.Before(to) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (e *redisEpisodic) Search(ctx context.Context, userID string, query []float32, topK int) ([]types.EpisodicEvent, error) {
	evs, err := e.all(ctx, userID)
	if err != nil {
		return nil, err
	}
	type scored struct {
		ev  types.EpisodicEvent
		sim float64
	}
	var candidates []scored
	for _, ev := range evs {
		if len(ev.Embedding) == 0 {
			continue
		}
		sim, err := embedding.CosineSimilarity(query, ev.Embedding)
		if err != nil {
			continue
		}
		candidates = append(candidates, scored{ev, sim})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	out := make([]types.EpisodicEvent, len(candidates))
	for i, c := range candidates {
		out[i] = c.ev
	}
	return out, nil
}

func (e *redisEpisodic) ByType(ctx context.Context, userID, eventType string, since time.Time) ([]types.EpisodicEvent, error) {
	evs, err := e.all(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []types.EpisodicEvent
	for _, ev := range evs {
		if ev.EventType == eventType && !ev.OccurredAt.Before(since) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (e *redisEpisodic) Delete(ctx context.Context, userID, id string) error {
	return e.s.delRecord(ctx, userID, "ev", id, "events")
}

func (e *redisEpisodic) DeleteUser(ctx context.Context, userID string) (int, error) {
	return e.s.dropIndex(ctx, userID, "ev", "events")
}

// --- procedural tier ---

type redisProcedural struct {
	s *RedisStore
}

func (p *redisProcedural) Save(ctx context.Context, pat types.ProceduralPattern) error {
	return p.s.putRecord(ctx, pat.UserID, "pat", pat.ID, pat,
		"patterns", float64(pat.CreatedAt.UnixNano()))
}

func (p *redisProcedural) Get(ctx context.Context, userID, id string) (types.ProceduralPattern, error) {
	var pat types.ProceduralPattern
	if err := p.s.getRecord(ctx, userID, "pat", id, &pat); err != nil {
		return types.ProceduralPattern{}, err
	}
	return pat, nil
}

func (p *redisProcedural) All(ctx context.Context, userID string) ([]types.ProceduralPattern, error) {
	var pats []types.ProceduralPattern
	err := p.s.loadAll(ctx, userID, "pat", "patterns", func(data string) error {
		var pat types.ProceduralPattern
		if err := json.Unmarshal([]byte(data), &pat); err != nil {
			return err
		}
		pats = append(pats, pat)
		return nil
	})
	return pats, err
}

func (p *redisProcedural) Touch(ctx context.Context, userID, id string) error {
	pat, err := p.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	pat.UsageCount++
	pat.LastUsed = time.Now()
	return p.Save(ctx, pat)
}

func (p *redisProcedural) RecordUsage(ctx context.Context, userID, id string, success bool) error {
	pat, err := p.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if success {
		pat.SuccessCount++
	} else {
		pat.FailureCount++
	}
	return p.Save(ctx, pat)
}

func (p *redisProcedural) Delete(ctx context.Context, userID, id string) error {
	return p.s.delRecord(ctx, userID, "pat", id, "patterns")
}

func (p *redisProcedural) DeleteUser(ctx context.Context, userID string) (int, error) {
	return p.s.dropIndex(ctx, userID, "pat", "patterns")
}

// --- conversation registry ---

type redisConversations struct {
	s *RedisStore
}

func (c *redisConversations) Create(ctx context.Context, conv types.Conversation) error {
	exists, err := c.s.rdb.Exists(ctx, kRecord(conv.UserID, "conv", conv.ID)).Result()
	if err != nil {
		return redisErr(err)
	}
	if exists > 0 {
		return types.Conflictf("conversation %s already exists", conv.ID)
	}
	return c.s.putRecord(ctx, conv.UserID, "conv", conv.ID, conv,
		"convs", float64(conv.CreatedAt.UnixNano()))
}

func (c *redisConversations) Get(ctx context.Context, userID, id string) (types.Conversation, error) {
	var conv types.Conversation
	if err := c.s.getRecord(ctx, userID, "conv", id, &conv); err != nil {
		return types.Conversation{}, err
	}
	return conv, nil
}

func (c *redisConversations) All(ctx context.Context, userID string) ([]types.Conversation, error) {
	var convs []types.Conversation
	err := c.s.loadAll(ctx, userID, "conv", "convs", func(data string) error {
		var conv types.Conversation
		if err := json.Unmarshal([]byte(data), &conv); err != nil {
			return err
		}
		convs = append(convs, conv)
		return nil
	})
	return convs, err
}

func (c *redisConversations) Delete(ctx context.Context, userID, id string) error {
	return c.s.delRecord(ctx, userID, "conv", id, "convs")
}

func (c *redisConversations) DeleteUser(ctx context.Context, userID string) (int, error) {
	return c.s.dropIndex(ctx, userID, "conv", "convs")
}
