package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"mnemo/internal/embedding"
	"mnemo/internal/logging"
	"mnemo/internal/types"
)

type sqliteSemantic struct {
	s *SQLiteStore
}

func (m *sqliteSemantic) Upsert(ctx context.Context, fact types.ExtractedFact) error {
	value, err := m.s.codec.Encode(fact.Value)
	if err != nil {
		return err
	}
	var embBlob []byte
	if len(fact.Embedding) > 0 {
		embBlob = EncodeVector(fact.Embedding, m.s.quantize)
	}
	var consolidated interface{}
	if fact.ConsolidatedAt != nil {
		consolidated = fact.ConsolidatedAt.UTC()
	}

	_, err = m.s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO semantic_facts
		(id, user_id, conversation_id, key, value, entity_type, importance, confidence,
		 access_count, last_accessed, created_at, embedding, consolidated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fact.ID, fact.UserID, fact.ConversationID, fact.Key, value,
		string(fact.EntityType), fact.Importance, fact.Confidence,
		fact.AccessCount, nullTime(fact.LastAccessed), fact.CreatedAt.UTC(),
		embBlob, consolidated)
	if err != nil {
		return fmt.Errorf("failed to upsert fact: %w", err)
	}

	if m.s.vectorExt && len(fact.Embedding) > 0 {
		if err := m.syncVecRow(ctx, fact.ID, fact.Embedding); err != nil {
			// ANN index is an accelerator; the fact row is the source of
			// truth, so log and continue on the scan path.
			logging.Get(logging.CategoryStore).Warn("vec0 sync failed for fact %s: %v", fact.ID, err)
		}
	}
	return nil
}

// syncVecRow mirrors a fact's embedding into the vec0 table, keyed by the
// fact row's implicit rowid.
func (m *sqliteSemantic) syncVecRow(ctx context.Context, factID string, vec []float32) error {
	if err := m.s.ensureVecTable(len(vec)); err != nil {
		return err
	}
	var rowid int64
	if err := m.s.db.QueryRowContext(ctx,
		`SELECT rowid FROM semantic_facts WHERE id = ?`, factID).Scan(&rowid); err != nil {
		return err
	}
	_, err := m.s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO vec_facts(rowid, embedding) VALUES (?, ?)`,
		rowid, rawFloat32LE(vec))
	return err
}

const factCols = `id, user_id, conversation_id, key, value, entity_type, importance, confidence,
	access_count, last_accessed, created_at, embedding, consolidated_at`

func (m *sqliteSemantic) scanFact(row interface{ Scan(...interface{}) error }) (types.ExtractedFact, error) {
	var (
		f                  types.ExtractedFact
		convID, entityType sql.NullString
		value, embBlob     []byte
		lastAccessed       sql.NullTime
		consolidated       sql.NullTime
	)
	err := row.Scan(&f.ID, &f.UserID, &convID, &f.Key, &value, &entityType,
		&f.Importance, &f.Confidence, &f.AccessCount, &lastAccessed,
		&f.CreatedAt, &embBlob, &consolidated)
	if err != nil {
		return types.ExtractedFact{}, err
	}
	f.ConversationID = convID.String
	f.EntityType = types.EntityType(entityType.String)
	if f.Value, err = m.s.codec.Decode(value); err != nil {
		return types.ExtractedFact{}, err
	}
	if lastAccessed.Valid {
		f.LastAccessed = lastAccessed.Time
	}
	if consolidated.Valid {
		t := consolidated.Time
		f.ConsolidatedAt = &t
	}
	if len(embBlob) > 0 {
		if f.Embedding, err = DecodeVector(embBlob); err != nil {
			return types.ExtractedFact{}, err
		}
	}
	return f, nil
}

func (m *sqliteSemantic) Get(ctx context.Context, userID, id string) (types.ExtractedFact, error) {
	row := m.s.db.QueryRowContext(ctx,
		`SELECT `+factCols+` FROM semantic_facts WHERE user_id = ? AND id = ?`, userID, id)
	f, err := m.scanFact(row)
	if err == sql.ErrNoRows {
		return types.ExtractedFact{}, types.NotFoundf("fact %s", id)
	}
	return f, err
}

func (m *sqliteSemantic) ByKey(ctx context.Context, userID, key string) (types.ExtractedFact, error) {
	row := m.s.db.QueryRowContext(ctx, `
		SELECT `+factCols+` FROM semantic_facts
		WHERE user_id = ? AND key = ? AND consolidated_at IS NULL
		ORDER BY created_at DESC LIMIT 1`, userID, key)
	f, err := m.scanFact(row)
	if err == sql.ErrNoRows {
		return types.ExtractedFact{}, types.NotFoundf("fact with key %q", key)
	}
	return f, err
}

func (m *sqliteSemantic) All(ctx context.Context, userID string) ([]types.ExtractedFact, error) {
	rows, err := m.s.db.QueryContext(ctx, `
		SELECT `+factCols+` FROM semantic_facts
		WHERE user_id = ? AND consolidated_at IS NULL
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return m.collect(rows)
}

func (m *sqliteSemantic) collect(rows *sql.Rows) ([]types.ExtractedFact, error) {
	var facts []types.ExtractedFact
	for rows.Next() {
		f, err := m.scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func (m *sqliteSemantic) Search(ctx context.Context, userID string, query []float32, topK int, threshold float64) ([]types.ExtractedFact, error) {
	if m.s.vectorExt && m.s.vecDims == len(query) {
		facts, err := m.searchVec(ctx, userID, query, topK, threshold)
		if err == nil {
			return facts, nil
		}
		logging.Get(logging.CategoryStore).Warn("vec0 search failed, falling back to scan: %v", err)
	} else if !m.s.vectorExt {
		m.s.scanWarnOnce.Do(func() {
			logging.Get(logging.CategoryStore).Warn("semantic search using exhaustive scan (no ANN index)")
		})
	}
	return m.searchScan(ctx, userID, query, topK, threshold)
}

// searchVec runs a KNN query against the vec0 table. The KNN is global, so
// it oversamples and filters by user and liveness afterwards.
func (m *sqliteSemantic) searchVec(ctx context.Context, userID string, query []float32, topK int, threshold float64) ([]types.ExtractedFact, error) {
	k := topK * 4
	if k < 20 {
		k = 20
	}
	rows, err := m.s.db.QueryContext(ctx, `
		SELECT f.id, f.user_id, f.conversation_id, f.key, f.value, f.entity_type,
		       f.importance, f.confidence, f.access_count, f.last_accessed,
		       f.created_at, f.embedding, f.consolidated_at, v.distance
		FROM vec_facts v
		JOIN semantic_facts f ON f.rowid = v.rowid
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`,
		rawFloat32LE(query), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var facts []types.ExtractedFact
	for rows.Next() {
		var (
			f                  types.ExtractedFact
			convID, entityType sql.NullString
			value, embBlob     []byte
			lastAccessed       sql.NullTime
			consolidated       sql.NullTime
			distance           float64
		)
		err := rows.Scan(&f.ID, &f.UserID, &convID, &f.Key, &value, &entityType,
			&f.Importance, &f.Confidence, &f.AccessCount, &lastAccessed,
			&f.CreatedAt, &embBlob, &consolidated, &distance)
		if err != nil {
			return nil, err
		}
		if f.UserID != userID || consolidated.Valid {
			continue
		}
		sim := 1 - distance
		if sim < threshold {
			continue
		}
		f.ConversationID = convID.String
		f.EntityType = types.EntityType(entityType.String)
		if f.Value, err = m.s.codec.Decode(value); err != nil {
			return nil, err
		}
		if lastAccessed.Valid {
			f.LastAccessed = lastAccessed.Time
		}
		if len(embBlob) > 0 {
			if f.Embedding, err = DecodeVector(embBlob); err != nil {
				return nil, err
			}
		}
		f.Similarity = sim
		facts = append(facts, f)
		if topK > 0 && len(facts) >= topK {
			break
		}
	}
	return facts, rows.Err()
}

// searchScan is the degraded path: decode every live embedding and rank by
// cosine similarity in process.
func (m *sqliteSemantic) searchScan(ctx context.Context, userID string, query []float32, topK int, threshold float64) ([]types.ExtractedFact, error) {
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

func (m *sqliteSemantic) SearchText(ctx context.Context, userID, query string, topK int) ([]types.ExtractedFact, error) {
	// Values may be compressed, so substring match runs in process.
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

func (m *sqliteSemantic) IncrementAccess(ctx context.Context, userID string, ids []string) error {
	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := m.s.db.ExecContext(ctx, `
			UPDATE semantic_facts SET access_count = access_count + 1, last_accessed = ?
			WHERE user_id = ? AND id = ?`, now, userID, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *sqliteSemantic) MarkConsolidated(ctx context.Context, userID string, ids []string, at time.Time) error {
	for _, id := range ids {
		if _, err := m.s.db.ExecContext(ctx, `
			UPDATE semantic_facts SET consolidated_at = ? WHERE user_id = ? AND id = ?`,
			at.UTC(), userID, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *sqliteSemantic) Unconsolidate(ctx context.Context, userID string, ids []string) error {
	for _, id := range ids {
		if _, err := m.s.db.ExecContext(ctx, `
			UPDATE semantic_facts SET consolidated_at = NULL WHERE user_id = ? AND id = ?`,
			userID, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *sqliteSemantic) Delete(ctx context.Context, userID, id string) error {
	m.dropVecRow(ctx, userID, id)
	res, err := m.s.db.ExecContext(ctx,
		`DELETE FROM semantic_facts WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("fact %s", id)
	}
	return nil
}

func (m *sqliteSemantic) dropVecRow(ctx context.Context, userID, id string) {
	if !m.s.vectorExt || m.s.vecDims == 0 {
		return
	}
	var rowid int64
	if err := m.s.db.QueryRowContext(ctx,
		`SELECT rowid FROM semantic_facts WHERE user_id = ? AND id = ?`, userID, id).Scan(&rowid); err != nil {
		return
	}
	if _, err := m.s.db.ExecContext(ctx, `DELETE FROM vec_facts WHERE rowid = ?`, rowid); err != nil {
		logging.StoreDebug("vec0 delete failed for fact %s: %v", id, err)
	}
}

func (m *sqliteSemantic) DeleteUser(ctx context.Context, userID string) (int, error) {
	if m.s.vectorExt && m.s.vecDims > 0 {
		if _, err := m.s.db.ExecContext(ctx, `
			DELETE FROM vec_facts WHERE rowid IN
			(SELECT rowid FROM semantic_facts WHERE user_id = ?)`, userID); err != nil {
			logging.StoreDebug("vec0 bulk delete failed for user %s: %v", userID, err)
		}
	}
	res, err := m.s.db.ExecContext(ctx,
		`DELETE FROM semantic_facts WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (m *sqliteSemantic) EvictStale(ctx context.Context, cutoff time.Time, minAccess int) (int, error) {
	if m.s.vectorExt && m.s.vecDims > 0 {
		if _, err := m.s.db.ExecContext(ctx, `
			DELETE FROM vec_facts WHERE rowid IN
			(SELECT rowid FROM semantic_facts
			 WHERE consolidated_at IS NULL AND created_at < ? AND access_count < ?)`,
			cutoff.UTC(), minAccess); err != nil {
			logging.StoreDebug("vec0 eviction delete failed: %v", err)
		}
	}
	res, err := m.s.db.ExecContext(ctx, `
		DELETE FROM semantic_facts
		WHERE consolidated_at IS NULL AND created_at < ? AND access_count < ?`,
		cutoff.UTC(), minAccess)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
