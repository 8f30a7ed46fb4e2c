package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"mnemo/internal/types"
)

type sqliteWorking struct {
	s *SQLiteStore
}

func (w *sqliteWorking) Append(ctx context.Context, msg types.Message) error {
	content, err := w.s.codec.Encode(msg.Content)
	if err != nil {
		return err
	}
	tags, _ := json.Marshal(msg.Tags)
	entities, _ := json.Marshal(msg.Entities)

	_, err = w.s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO working_messages
		(id, user_id, conversation_id, role, content, timestamp, tags, importance, entities, access_count, promoted_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.UserID, msg.ConversationID, string(msg.Role), content,
		msg.Timestamp.UTC(), string(tags), msg.Importance, string(entities),
		msg.AccessCount, msg.PromotedTo)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

const workingCols = `id, user_id, conversation_id, role, content, timestamp, tags, importance, entities, access_count, promoted_to`

func (w *sqliteWorking) scanMessage(row interface{ Scan(...interface{}) error }) (types.Message, error) {
	var (
		msg            types.Message
		role           string
		content        []byte
		tags, entities sql.NullString
		promotedTo     sql.NullString
	)
	err := row.Scan(&msg.ID, &msg.UserID, &msg.ConversationID, &role, &content,
		&msg.Timestamp, &tags, &msg.Importance, &entities, &msg.AccessCount, &promotedTo)
	if err != nil {
		return types.Message{}, err
	}
	msg.Role = types.Role(role)
	msg.PromotedTo = promotedTo.String
	if msg.Content, err = w.s.codec.Decode(content); err != nil {
		return types.Message{}, err
	}
	if tags.Valid && tags.String != "" && tags.String != "null" {
		_ = json.Unmarshal([]byte(tags.String), &msg.Tags)
	}
	if entities.Valid && entities.String != "" && entities.String != "null" {
		_ = json.Unmarshal([]byte(entities.String), &msg.Entities)
	}
	return msg, nil
}

func (w *sqliteWorking) Get(ctx context.Context, userID, id string) (types.Message, error) {
	row := w.s.db.QueryRowContext(ctx,
		`SELECT `+workingCols+` FROM working_messages WHERE user_id = ? AND id = ?`, userID, id)
	msg, err := w.scanMessage(row)
	if err == sql.ErrNoRows {
		return types.Message{}, types.NotFoundf("message %s", id)
	}
	return msg, err
}

func (w *sqliteWorking) Recent(ctx context.Context, userID, conversationID string, n int) ([]types.Message, error) {
	query := `SELECT ` + workingCols + ` FROM working_messages WHERE user_id = ?`
	args := []interface{}{userID}
	if conversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	if n > 0 {
		query += ` LIMIT ?`
		args = append(args, n)
	}

	rows, err := w.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
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
		return nil, err
	}
	// Newest-first from SQL; callers want chronological.
	types.SortMessagesChronological(msgs)
	return msgs, nil
}

func (w *sqliteWorking) All(ctx context.Context, userID string) ([]types.Message, error) {
	return w.Recent(ctx, userID, "", 0)
}

func (w *sqliteWorking) Count(ctx context.Context, userID, conversationID string) (int, error) {
	query := `SELECT COUNT(*) FROM working_messages WHERE user_id = ?`
	args := []interface{}{userID}
	if conversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, conversationID)
	}
	var n int
	if err := w.s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (w *sqliteWorking) IncrementAccess(ctx context.Context, userID string, ids []string) error {
	for _, id := range ids {
		if _, err := w.s.db.ExecContext(ctx,
			`UPDATE working_messages SET access_count = access_count + 1 WHERE user_id = ? AND id = ?`,
			userID, id); err != nil {
			return err
		}
	}
	return nil
}

func (w *sqliteWorking) Delete(ctx context.Context, userID, id string) error {
	res, err := w.s.db.ExecContext(ctx,
		`DELETE FROM working_messages WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("message %s", id)
	}
	return nil
}

func (w *sqliteWorking) DeleteUser(ctx context.Context, userID string) (int, error) {
	res, err := w.s.db.ExecContext(ctx,
		`DELETE FROM working_messages WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (w *sqliteWorking) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := w.s.db.ExecContext(ctx,
		`DELETE FROM working_messages WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
