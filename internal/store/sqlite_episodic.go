package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"mnemo/internal/embedding"
	"mnemo/internal/types"
)

type sqliteEpisodic struct {
	s *SQLiteStore
}

func (e *sqliteEpisodic) Append(ctx context.Context, ev types.EpisodicEvent) error {
	content, err := e.s.codec.Encode(ev.Content)
	if err != nil {
		return err
	}
	var embBlob []byte
	if len(ev.Embedding) > 0 {
		embBlob = EncodeVector(ev.Embedding, e.s.quantize)
	}
	metadata, _ := json.Marshal(ev.Metadata)

	_, err = e.s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO episodic_events
		(id, user_id, conversation_id, event_type, content, occurred_at, decay_factor, embedding, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, ev.ConversationID, ev.EventType, content,
		ev.OccurredAt.UTC(), ev.DecayFactor, embBlob, string(metadata))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

const eventCols = `id, user_id, conversation_id, event_type, content, occurred_at, decay_factor, embedding, metadata`

func (e *sqliteEpisodic) scanEvent(row interface{ Scan(...interface{}) error }) (types.EpisodicEvent, error) {
	var (
		ev               types.EpisodicEvent
		convID, metadata sql.NullString
		content, embBlob []byte
	)
	err := row.Scan(&ev.ID, &ev.UserID, &convID, &ev.EventType, &content,
		&ev.OccurredAt, &ev.DecayFactor, &embBlob, &metadata)
	if err != nil {
		return types.EpisodicEvent{}, err
	}
	ev.ConversationID = convID.String
	if ev.Content, err = e.s.codec.Decode(content); err != nil {
		return types.EpisodicEvent{}, err
	}
	if len(embBlob) > 0 {
		if ev.Embedding, err = DecodeVector(embBlob); err != nil {
			return types.EpisodicEvent{}, err
		}
	}
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		_ = json.Unmarshal([]byte(metadata.String), &ev.Metadata)
	}
	return ev, nil
}

func (e *sqliteEpisodic) Get(ctx context.Context, userID, id string) (types.EpisodicEvent, error) {
	row := e.s.db.QueryRowContext(ctx,
		`SELECT `+eventCols+` FROM episodic_events WHERE user_id = ? AND id = ?`, userID, id)
	ev, err := e.scanEvent(row)
	if err == sql.ErrNoRows {
		return types.EpisodicEvent{}, types.NotFoundf("event %s", id)
	}
	return ev, err
}

func (e *sqliteEpisodic) Range(ctx context.Context, userID string, from, to time.Time, limit int) ([]types.EpisodicEvent, error) {
	query := `SELECT ` + eventCols + ` FROM episodic_events
		WHERE user_id = ? AND occurred_at >= ? AND occurred_at < ?
		ORDER BY occurred_at DESC`
	args := []interface{}{userID, from.UTC(), to.UTC()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := e.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return e.collect(rows)
}

func (e *sqliteEpisodic) Search(ctx context.Context, userID string, query []float32, topK int) ([]types.EpisodicEvent, error) {
	// Episodic volume is low compared to semantic, so similarity ranking
	// scans in process even when sqlite-vec is present.
	rows, err := e.s.db.QueryContext(ctx,
		`SELECT `+eventCols+` FROM episodic_events WHERE user_id = ? AND embedding IS NOT NULL`, userID)
	if err != nil {
		return nil, err
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

func (e *sqliteEpisodic) ByType(ctx context.Context, userID, eventType string, since time.Time) ([]types.EpisodicEvent, error) {
	rows, err := e.s.db.QueryContext(ctx, `
		SELECT `+eventCols+` FROM episodic_events
		WHERE user_id = ? AND event_type = ? AND occurred_at >= ?
		ORDER BY occurred_at`, userID, eventType, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return e.collect(rows)
}

func (e *sqliteEpisodic) collect(rows *sql.Rows) ([]types.EpisodicEvent, error) {
	var evs []types.EpisodicEvent
	for rows.Next() {
		ev, err := e.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		evs = append(evs, ev)
	}
	return evs, rows.Err()
}

func (e *sqliteEpisodic) Delete(ctx context.Context, userID, id string) error {
	res, err := e.s.db.ExecContext(ctx,
		`DELETE FROM episodic_events WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("event %s", id)
	}
	return nil
}

func (e *sqliteEpisodic) DeleteUser(ctx context.Context, userID string) (int, error) {
	res, err := e.s.db.ExecContext(ctx,
		`DELETE FROM episodic_events WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
