package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"mnemo/internal/embedding"
	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// --- working tier ---

type pgWorking struct {
	s *PostgresStore
}

func (w *pgWorking) Append(ctx context.Context, msg types.Message) error {
	content, err := w.s.codec.Encode(msg.Content)
	if err != nil {
		return err
	}
	tags, _ := json.Marshal(msg.Tags)
	entities, _ := json.Marshal(msg.Entities)

	_, err = w.s.pool.Exec(ctx, `
		INSERT INTO working_messages
		(id, user_id, conversation_id, role, content, ts, tags, importance, entities, access_count, promoted_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content, tags = EXCLUDED.tags,
			importance = EXCLUDED.importance, entities = EXCLUDED.entities,
			access_count = EXCLUDED.access_count, promoted_to = EXCLUDED.promoted_to`,
		msg.ID, msg.UserID, msg.ConversationID, string(msg.Role), content,
		msg.Timestamp.UTC(), tags, msg.Importance, entities,
		msg.AccessCount, msg.PromotedTo)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", pgErr(err))
	}
	return nil
}

const pgWorkingCols = `id, user_id, conversation_id, role, content, ts, tags, importance, entities, access_count, promoted_to`

func (w *pgWorking) scanMessage(row interface{ Scan(...interface{}) error }) (types.Message, error) {
	var (
		msg            types.Message
		role           string
		content        []byte
		tags, entities []byte
		promotedTo     *string
	)
	err := row.Scan(&msg.ID, &msg.UserID, &msg.ConversationID, &role, &content,
		&msg.Timestamp, &tags, &msg.Importance, &entities, &msg.AccessCount, &promotedTo)
	if err != nil {
		return types.Message{}, err
	}
	msg.Role = types.Role(role)
	if promotedTo != nil {
		msg.PromotedTo = *promotedTo
	}
	if msg.Content, err = w.s.codec.Decode(content); err != nil {
		return types.Message{}, err
	}
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &msg.Tags)
	}
	if len(entities) > 0 {
		_ = json.Unmarshal(entities, &msg.Entities)
	}
	return msg, nil
}

func (w *pgWorking) Get(ctx context.Context, userID, id string) (types.Message, error) {
	row := w.s.pool.QueryRow(ctx,
		`SELECT `+pgWorkingCols+` FROM working_messages WHERE user_id = $1 AND id = $2`, userID, id)
	msg, err := w.scanMessage(row)
	if noRows(err) {
		return types.Message{}, types.NotFoundf("message %s", id)
	}
	if err != nil {
		return types.Message{}, pgErr(err)
	}
	return msg, nil
}

func (w *pgWorking) Recent(ctx context.Context, userID, conversationID string, n int) ([]types.Message, error) {
	query := `SELECT ` + pgWorkingCols + ` FROM working_messages WHERE user_id = $1`
	args := []interface{}{userID}
	if conversationID != "" {
		query += ` AND conversation_id = $2`
		args = append(args, conversationID)
	}
	query += ` ORDER BY ts DESC, id DESC`
	if n > 0 {
		query += fmt.Sprintf(` LIMIT %d`, n)
	}

	rows, err := w.s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var msgs []types.Message
	for rows.Next() {
		msg, err := w.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr(err)
	}
	types.SortMessagesChronological(msgs)
	return msgs, nil
}

func (w *pgWorking) All(ctx context.Context, userID string) ([]types.Message, error) {
	return w.Recent(ctx, userID, "", 0)
}

func (w *pgWorking) Count(ctx context.Context, userID, conversationID string) (int, error) {
	query := `SELECT COUNT(*) FROM working_messages WHERE user_id = $1`
	args := []interface{}{userID}
	if conversationID != "" {
		query += ` AND conversation_id = $2`
		args = append(args, conversationID)
	}
	var n int
	if err := w.s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, pgErr(err)
	}
	return n, nil
}

func (w *pgWorking) IncrementAccess(ctx context.Context, userID string, ids []string) error {
	_, err := w.s.pool.Exec(ctx, `
		UPDATE working_messages SET access_count = access_count + 1
		WHERE user_id = $1 AND id = ANY($2)`, userID, ids)
	return pgErr(err)
}

func (w *pgWorking) Delete(ctx context.Context, userID, id string) error {
	tag, err := w.s.pool.Exec(ctx,
		`DELETE FROM working_messages WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return types.NotFoundf("message %s", id)
	}
	return nil
}

func (w *pgWorking) DeleteUser(ctx context.Context, userID string) (int, error) {
	tag, err := w.s.pool.Exec(ctx,
		`DELETE FROM working_messages WHERE user_id = $1`, userID)
	if err != nil {
		return 0, pgErr(err)
	}
	return int(tag.RowsAffected()), nil
}

func (w *pgWorking) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := w.s.pool.Exec(ctx,
		`DELETE FROM working_messages WHERE ts < $1`, cutoff.UTC())
	if err != nil {
		return 0, pgErr(err)
	}
	return int(tag.RowsAffected()), nil
}

// --- semantic tier ---

type pgSemantic struct {
	s *PostgresStore
}

func (m *pgSemantic) Upsert(ctx context.Context, fact types.ExtractedFact) error {
	value, err := m.s.codec.Encode(fact.Value)
	if err != nil {
		return err
	}
	var embBlob []byte
	if len(fact.Embedding) > 0 {
		embBlob = EncodeVector(fact.Embedding, m.s.quantize)
	}
	var lastAccessed, consolidated *time.Time
	if !fact.LastAccessed.IsZero() {
		t := fact.LastAccessed.UTC()
		lastAccessed = &t
	}
	if fact.ConsolidatedAt != nil {
		t := fact.ConsolidatedAt.UTC()
		consolidated = &t
	}

	_, err = m.s.pool.Exec(ctx, `
		INSERT INTO semantic_facts
		(id, user_id, conversation_id, key, value, entity_type, importance, confidence,
		 access_count, last_accessed, created_at, embedding, consolidated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			key = EXCLUDED.key, value = EXCLUDED.value,
			entity_type = EXCLUDED.entity_type, importance = EXCLUDED.importance,
			confidence = EXCLUDED.confidence, access_count = EXCLUDED.access_count,
			last_accessed = EXCLUDED.last_accessed, embedding = EXCLUDED.embedding,
			consolidated_at = EXCLUDED.consolidated_at`,
		fact.ID, fact.UserID, fact.ConversationID, fact.Key, value,
		string(fact.EntityType), fact.Importance, fact.Confidence,
		fact.AccessCount, lastAccessed, fact.CreatedAt.UTC(), embBlob, consolidated)
	if err != nil {
		return fmt.Errorf("failed to upsert fact: %w", pgErr(err))
	}

	if m.s.vectorExt && len(fact.Embedding) > 0 {
		if err := m.s.ensureVecColumn(ctx, len(fact.Embedding)); err != nil {
			logging.Get(logging.CategoryStore).Warn("pgvector column setup failed: %v", err)
			return nil
		}
		if _, err := m.s.pool.Exec(ctx,
			`UPDATE semantic_facts SET embedding_vec = $1::vector WHERE id = $2`,
			vectorLiteral(fact.Embedding), fact.ID); err != nil {
			logging.Get(logging.CategoryStore).Warn("pgvector sync failed for fact %s: %v", fact.ID, err)
		}
	}
	return nil
}

const pgFactCols = `id, user_id, conversation_id, key, value, entity_type, importance, confidence,
	access_count, last_accessed, created_at, embedding, consolidated_at`

func (m *pgSemantic) scanFact(row interface{ Scan(...interface{}) error }) (types.ExtractedFact, error) {
	var (
		f                  types.ExtractedFact
		convID, entityType *string
		value, embBlob     []byte
		lastAccessed       *time.Time
		consolidated       *time.Time
	)
	err := row.Scan(&f.ID, &f.UserID, &convID, &f.Key, &value, &entityType,
		&f.Importance, &f.Confidence, &f.AccessCount, &lastAccessed,
		&f.CreatedAt, &embBlob, &consolidated)
	if err != nil {
		return types.ExtractedFact{}, err
	}
	if convID != nil {
		f.ConversationID = *convID
	}
	if entityType != nil {
		f.EntityType = types.EntityType(*entityType)
	}
	if f.Value, err = m.s.codec.Decode(value); err != nil {
		return types.ExtractedFact{}, err
	}
	if lastAccessed != nil {
		f.LastAccessed = *lastAccessed
	}
	f.ConsolidatedAt = consolidated
	if len(embBlob) > 0 {
		if f.Embedding, err = DecodeVector(embBlob); err != nil {
			return types.ExtractedFact{}, err
		}
	}
	return f, nil
}

func (m *pgSemantic) Get(ctx context.Context, userID, id string) (types.ExtractedFact, error) {
	row := m.s.pool.QueryRow(ctx,
		`SELECT `+pgFactCols+` FROM semantic_facts WHERE user_id = $1 AND id = $2`, userID, id)
	f, err := m.scanFact(row)
	if noRows(err) {
		return types.ExtractedFact{}, types.NotFoundf("fact %s", id)
	}
	if err != nil {
		return types.ExtractedFact{}, pgErr(err)
	}
	return f, nil
}

func (m *pgSemantic) ByKey(ctx context.Context, userID, key string) (types.ExtractedFact, error) {
	row := m.s.pool.QueryRow(ctx, `
		SELECT `+pgFactCols+` FROM semantic_facts
		WHERE user_id = $1 AND key = $2 AND consolidated_at IS NULL
		ORDER BY created_at DESC LIMIT 1`, userID, key)
	f, err := m.scanFact(row)
	if noRows(err) {
		return types.ExtractedFact{}, types.NotFoundf("fact with key %q", key)
	}
	if err != nil {
		return types.ExtractedFact{}, pgErr(err)
	}
	return f, nil
}

func (m *pgSemantic) All(ctx context.Context, userID string) ([]types.ExtractedFact, error) {
	rows, err := m.s.pool.Query(ctx, `
		SELECT `+pgFactCols+` FROM semantic_facts
		WHERE user_id = $1 AND consolidated_at IS NULL
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var facts []types.ExtractedFact
	for rows.Next() {
		f, err := m.scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, pgErr(rows.Err())
}

func (m *pgSemantic) Search(ctx context.Context, userID string, query []float32, topK int, threshold float64) ([]types.ExtractedFact, error) {
	if m.s.vectorExt && m.s.vecDims == len(query) {
		facts, err := m.searchVec(ctx, userID, query, topK, threshold)
		if err == nil {
			return facts, nil
		}
		logging.Get(logging.CategoryStore).Warn("pgvector search failed, falling back to scan: %v", err)
	} else if !m.s.vectorExt {
		m.s.scanWarnOnce.Do(func() {
			logging.Get(logging.CategoryStore).Warn("semantic search using exhaustive scan (no pgvector)")
		})
	}
	return m.searchScan(ctx, userID, query, topK, threshold)
}

func (m *pgSemantic) searchVec(ctx context.Context, userID string, query []float32, topK int, threshold float64) ([]types.ExtractedFact, error) {
	rows, err := m.s.pool.Query(ctx, `
		SELECT `+pgFactCols+`, 1 - (embedding_vec <=> $2::vector) AS similarity
		FROM semantic_facts
		WHERE user_id = $1 AND consolidated_at IS NULL AND embedding_vec IS NOT NULL
			AND 1 - (embedding_vec <=> $2::vector) >= $3
		ORDER BY embedding_vec <=> $2::vector
		LIMIT $4`,
		userID, vectorLiteral(query), threshold, topK)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var facts []types.ExtractedFact
	for rows.Next() {
		var (
			f                  types.ExtractedFact
			convID, entityType *string
			value, embBlob     []byte
			lastAccessed       *time.Time
			consolidated       *time.Time
		)
		err := rows.Scan(&f.ID, &f.UserID, &convID, &f.Key, &value, &entityType,
			&f.Importance, &f.Confidence, &f.AccessCount, &lastAccessed,
			&f.CreatedAt, &embBlob, &consolidated, &f.Similarity)
		if err != nil {
			return nil, err
		}
		if convID != nil {
			f.ConversationID = *convID
		}
		if entityType != nil {
			f.EntityType = types.EntityType(*entityType)
		}
		if f.Value, err = m.s.codec.Decode(value); err != nil {
			return nil, err
		}
		if lastAccessed != nil {
			f.LastAccessed = *lastAccessed
		}
		if len(embBlob) > 0 {
			if f.Embedding, err = DecodeVector(embBlob); err != nil {
				return nil, err
			}
		}
		facts = append(facts, f)
	}
	return facts, pgErr(rows.Err())
}

func (m *pgSemantic) searchScan(ctx context.Context, userID string, query []float32, topK int, threshold float64) ([]types.ExtractedFact, error) {
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

func (m *pgSemantic) SearchText(ctx context.Context, userID, query string, topK int) ([]types.ExtractedFact, error) {
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

func (m *pgSemantic) IncrementAccess(ctx context.Context, userID string, ids []string) error {
	_, err := m.s.pool.Exec(ctx, `
		UPDATE semantic_facts SET access_count = access_count + 1, last_accessed = now()
		WHERE user_id = $1 AND id = ANY($2)`, userID, ids)
	return pgErr(err)
}

func (m *pgSemantic) MarkConsolidated(ctx context.Context, userID string, ids []string, at time.Time) error {
	_, err := m.s.pool.Exec(ctx, `
		UPDATE semantic_facts SET consolidated_at = $3
		WHERE user_id = $1 AND id = ANY($2)`, userID, ids, at.UTC())
	return pgErr(err)
}

func (m *pgSemantic) Unconsolidate(ctx context.Context, userID string, ids []string) error {
	_, err := m.s.pool.Exec(ctx, `
		UPDATE semantic_facts SET consolidated_at = NULL
		WHERE user_id = $1 AND id = ANY($2)`, userID, ids)
	return pgErr(err)
}

func (m *pgSemantic) Delete(ctx context.Context, userID, id string) error {
	tag, err := m.s.pool.Exec(ctx,
		`DELETE FROM semantic_facts WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return types.NotFoundf("fact %s", id)
	}
	return nil
}

func (m *pgSemantic) DeleteUser(ctx context.Context, userID string) (int, error) {
	tag, err := m.s.pool.Exec(ctx,
		`DELETE FROM semantic_facts WHERE user_id = $1`, userID)
	if err != nil {
		return 0, pgErr(err)
	}
	return int(tag.RowsAffected()), nil
}

func (m *pgSemantic) EvictStale(ctx context.Context, cutoff time.Time, minAccess int) (int, error) {
	tag, err := m.s.pool.Exec(ctx, `
		DELETE FROM semantic_facts
		WHERE consolidated_at IS NULL AND created_at < $1 AND access_count < $2`,
		cutoff.UTC(), minAccess)
	if err != nil {
		return 0, pgErr(err)
	}
	return int(tag.RowsAffected()), nil
}

// --- episodic tier ---

type pgEpisodic struct {
	s *PostgresStore
}

func (e *pgEpisodic) Append(ctx context.Context, ev types.EpisodicEvent) error {
	content, err := e.s.codec.Encode(ev.Content)
	if err != nil {
		return err
	}
	var embBlob []byte
	if len(ev.Embedding) > 0 {
		embBlob = EncodeVector(ev.Embedding, e.s.quantize)
	}
	metadata, _ := json.Marshal(ev.Metadata)

	_, err = e.s.pool.Exec(ctx, `
		INSERT INTO episodic_events
		(id, user_id, conversation_id, event_type, content, occurred_at, decay_factor, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content, decay_factor = EXCLUDED.decay_factor,
			embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata`,
		ev.ID, ev.UserID, ev.ConversationID, ev.EventType, content,
		ev.OccurredAt.UTC(), ev.DecayFactor, embBlob, metadata)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", pgErr(err))
	}
	return nil
}

const pgEventCols = `id, user_id, conversation_id, event_type, content, occurred_at, decay_factor, embedding, metadata`

func (e *pgEpisodic) scanEvent(row interface{ Scan(...interface{}) error }) (types.EpisodicEvent, error) {
	var (
		ev               types.EpisodicEvent
		convID           *string
		content, embBlob []byte
		metadata         []byte
	)
	err := row.Scan(&ev.ID, &ev.UserID, &convID, &ev.EventType, &content,
		&ev.OccurredAt, &ev.DecayFactor, &embBlob, &metadata)
	if err != nil {
		return types.EpisodicEvent{}, err
	}
	if convID != nil {
		ev.ConversationID = *convID
	}
	if ev.Content, err = e.s.codec.Decode(content); err != nil {
		return types.EpisodicEvent{}, err
	}
	if len(embBlob) > 0 {
		if ev.Embedding, err = DecodeVector(embBlob); err != nil {
			return types.EpisodicEvent{}, err
		}
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &ev.Metadata)
	}
	return ev, nil
}

func (e *pgEpisodic) Get(ctx context.Context, userID, id string) (types.EpisodicEvent, error) {
	row := e.s.pool.QueryRow(ctx,
		`SELECT `+pgEventCols+` FROM episodic_events WHERE user_id = $1 AND id = $2`, userID, id)
	ev, err := e.scanEvent(row)
	if noRows(err) {
		return types.EpisodicEvent{}, types.NotFoundf("event %s", id)
	}
	if err != nil {
		return types.EpisodicEvent{}, pgErr(err)
	}
	return ev, nil
}

func (e *pgEpisodic) Range(ctx context.Context, userID string, from, to time.Time, limit int) ([]types.EpisodicEvent, error) {
	query := `SELECT ` + pgEventCols + ` FROM episodic_events
		WHERE user_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := e.s.pool.Query(ctx, query, userID, from.UTC(), to.UTC())
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()
	return e.collect(rows)
}

func (e *pgEpisodic) Search(ctx context.Context, userID string, query []float32, topK int) ([]types.EpisodicEvent, error) {
	rows, err := e.s.pool.Query(ctx,
		`SELECT `+pgEventCols+` FROM episodic_events WHERE user_id = $1 AND embedding IS NOT NULL`, userID)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()
	evs, err := e.collect(rows)
	if err != nil {
		return nil, err
	}

	type scored struct {
		ev  types.EpisodicEvent
		sim float64
	}
	var candidates []scored
	for _, ev := range evs {
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

func (e *pgEpisodic) ByType(ctx context.Context, userID, eventType string, since time.Time) ([]types.EpisodicEvent, error) {
	rows, err := e.s.pool.Query(ctx, `
		SELECT `+pgEventCols+` FROM episodic_events
		WHERE user_id = $1 AND event_type = $2 AND occurred_at >= $3
		ORDER BY occurred_at`, userID, eventType, since.UTC())
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()
	return e.collect(rows)
}

func (e *pgEpisodic) collect(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]types.EpisodicEvent, error) {
	var evs []types.EpisodicEvent
	for rows.Next() {
		ev, err := e.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		evs = append(evs, ev)
	}
	return evs, pgErr(rows.Err())
}

func (e *pgEpisodic) Delete(ctx context.Context, userID, id string) error {
	tag, err := e.s.pool.Exec(ctx,
		`DELETE FROM episodic_events WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return types.NotFoundf("event %s", id)
	}
	return nil
}

func (e *pgEpisodic) DeleteUser(ctx context.Context, userID string) (int, error) {
	tag, err := e.s.pool.Exec(ctx,
		`DELETE FROM episodic_events WHERE user_id = $1`, userID)
	if err != nil {
		return 0, pgErr(err)
	}
	return int(tag.RowsAffected()), nil
}

// --- procedural tier ---

type pgProcedural struct {
	s *PostgresStore
}

func (p *pgProcedural) Save(ctx context.Context, pat types.ProceduralPattern) error {
	triggers, err := json.Marshal(pat.Triggers)
	if err != nil {
		return fmt.Errorf("failed to marshal triggers: %w", err)
	}
	var embBlob []byte
	if len(pat.Embedding) > 0 {
		embBlob = EncodeVector(pat.Embedding, p.s.quantize)
	}
	var lastUsed *time.Time
	if !pat.LastUsed.IsZero() {
		t := pat.LastUsed.UTC()
		lastUsed = &t
	}

	_, err = p.s.pool.Exec(ctx, `
		INSERT INTO procedural_patterns
		(id, user_id, name, description, triggers, instruction_template, confidence_threshold,
		 usage_count, last_used, success_count, failure_count, created_at, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description,
			triggers = EXCLUDED.triggers, instruction_template = EXCLUDED.instruction_template,
			confidence_threshold = EXCLUDED.confidence_threshold,
			usage_count = EXCLUDED.usage_count, last_used = EXCLUDED.last_used,
			success_count = EXCLUDED.success_count, failure_count = EXCLUDED.failure_count,
			embedding = EXCLUDED.embedding`,
		pat.ID, pat.UserID, pat.Name, pat.Description, triggers,
		pat.InstructionTemplate, pat.ConfidenceThreshold, pat.UsageCount,
		lastUsed, pat.SuccessCount, pat.FailureCount, pat.CreatedAt.UTC(), embBlob)
	if err != nil {
		return fmt.Errorf("failed to save pattern: %w", pgErr(err))
	}
	return nil
}

const pgPatternCols = `id, user_id, name, description, triggers, instruction_template, confidence_threshold,
	usage_count, last_used, success_count, failure_count, created_at, embedding`

func (p *pgProcedural) scanPattern(row interface{ Scan(...interface{}) error }) (types.ProceduralPattern, error) {
	var (
		pat         types.ProceduralPattern
		description *string
		triggers    []byte
		lastUsed    *time.Time
		embBlob     []byte
	)
	err := row.Scan(&pat.ID, &pat.UserID, &pat.Name, &description, &triggers,
		&pat.InstructionTemplate, &pat.ConfidenceThreshold, &pat.UsageCount,
		&lastUsed, &pat.SuccessCount, &pat.FailureCount, &pat.CreatedAt, &embBlob)
	if err != nil {
		return types.ProceduralPattern{}, err
	}
	if description != nil {
		pat.Description = *description
	}
	if lastUsed != nil {
		pat.LastUsed = *lastUsed
	}
	if err := json.Unmarshal(triggers, &pat.Triggers); err != nil {
		return types.ProceduralPattern{}, fmt.Errorf("failed to parse triggers for %s: %w", pat.ID, err)
	}
	if len(embBlob) > 0 {
		if pat.Embedding, err = DecodeVector(embBlob); err != nil {
			return types.ProceduralPattern{}, err
		}
	}
	return pat, nil
}

func (p *pgProcedural) Get(ctx context.Context, userID, id string) (types.ProceduralPattern, error) {
	row := p.s.pool.QueryRow(ctx,
		`SELECT `+pgPatternCols+` FROM procedural_patterns WHERE user_id = $1 AND id = $2`, userID, id)
	pat, err := p.scanPattern(row)
	if noRows(err) {
		return types.ProceduralPattern{}, types.NotFoundf("pattern %s", id)
	}
	if err != nil {
		return types.ProceduralPattern{}, pgErr(err)
	}
	return pat, nil
}

func (p *pgProcedural) All(ctx context.Context, userID string) ([]types.ProceduralPattern, error) {
	rows, err := p.s.pool.Query(ctx,
		`SELECT `+pgPatternCols+` FROM procedural_patterns WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var pats []types.ProceduralPattern
	for rows.Next() {
		pat, err := p.scanPattern(rows)
		if err != nil {
			return nil, err
		}
		pats = append(pats, pat)
	}
	return pats, pgErr(rows.Err())
}

func (p *pgProcedural) Touch(ctx context.Context, userID, id string) error {
	tag, err := p.s.pool.Exec(ctx, `
		UPDATE procedural_patterns
		SET usage_count = usage_count + 1, last_used = now()
		WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return types.NotFoundf("pattern %s", id)
	}
	return nil
}

func (p *pgProcedural) RecordUsage(ctx context.Context, userID, id string, success bool) error {
	col := "failure_count"
	if success {
		col = "success_count"
	}
	tag, err := p.s.pool.Exec(ctx, `
		UPDATE procedural_patterns
		SET `+col+` = `+col+` + 1
		WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return types.NotFoundf("pattern %s", id)
	}
	return nil
}

func (p *pgProcedural) Delete(ctx context.Context, userID, id string) error {
	tag, err := p.s.pool.Exec(ctx,
		`DELETE FROM procedural_patterns WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return types.NotFoundf("pattern %s", id)
	}
	return nil
}

func (p *pgProcedural) DeleteUser(ctx context.Context, userID string) (int, error) {
	tag, err := p.s.pool.Exec(ctx,
		`DELETE FROM procedural_patterns WHERE user_id = $1`, userID)
	if err != nil {
		return 0, pgErr(err)
	}
	return int(tag.RowsAffected()), nil
}

// --- conversation registry ---

type pgConversations struct {
	s *PostgresStore
}

func (c *pgConversations) Create(ctx context.Context, conv types.Conversation) error {
	tags, _ := json.Marshal(conv.Tags)
	_, err := c.s.pool.Exec(ctx, `
		INSERT INTO conversations (id, user_id, title, tags, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		conv.ID, conv.UserID, conv.Title, tags, conv.CreatedAt.UTC())
	if err != nil {
		return pgErr(err)
	}
	return nil
}

func (c *pgConversations) Get(ctx context.Context, userID, id string) (types.Conversation, error) {
	var (
		conv  types.Conversation
		title *string
		tags  []byte
	)
	err := c.s.pool.QueryRow(ctx, `
		SELECT id, user_id, title, tags, created_at FROM conversations
		WHERE user_id = $1 AND id = $2`, userID, id).
		Scan(&conv.ID, &conv.UserID, &title, &tags, &conv.CreatedAt)
	if noRows(err) {
		return types.Conversation{}, types.NotFoundf("conversation %s", id)
	}
	if err != nil {
		return types.Conversation{}, pgErr(err)
	}
	if title != nil {
		conv.Title = *title
	}
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &conv.Tags)
	}
	return conv, nil
}

func (c *pgConversations) All(ctx context.Context, userID string) ([]types.Conversation, error) {
	rows, err := c.s.pool.Query(ctx, `
		SELECT id, user_id, title, tags, created_at FROM conversations
		WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var convs []types.Conversation
	for rows.Next() {
		var (
			conv  types.Conversation
			title *string
			tags  []byte
		)
		if err := rows.Scan(&conv.ID, &conv.UserID, &title, &tags, &conv.CreatedAt); err != nil {
			return nil, err
		}
		if title != nil {
			conv.Title = *title
		}
		if len(tags) > 0 {
			_ = json.Unmarshal(tags, &conv.Tags)
		}
		convs = append(convs, conv)
	}
	return convs, pgErr(rows.Err())
}

func (c *pgConversations) Delete(ctx context.Context, userID, id string) error {
	tag, err := c.s.pool.Exec(ctx,
		`DELETE FROM conversations WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return types.NotFoundf("conversation %s", id)
	}
	return nil
}

func (c *pgConversations) DeleteUser(ctx context.Context, userID string) (int, error) {
	tag, err := c.s.pool.Exec(ctx,
		`DELETE FROM conversations WHERE user_id = $1`, userID)
	if err != nil {
		return 0, pgErr(err)
	}
	return int(tag.RowsAffected()), nil
}
