package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"mnemo/internal/types"
)

type sqliteProcedural struct {
	s *SQLiteStore
}

func (p *sqliteProcedural) Save(ctx context.Context, pat types.ProceduralPattern) error {
	triggers, err := json.Marshal(pat.Triggers)
	if err != nil {
		return fmt.Errorf("failed to marshal triggers: %w", err)
	}
	var embBlob []byte
	if len(pat.Embedding) > 0 {
		embBlob = EncodeVector(pat.Embedding, p.s.quantize)
	}

	_, err = p.s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO procedural_patterns
		(id, user_id, name, description, triggers, instruction_template, confidence_threshold,
		 usage_count, last_used, success_count, failure_count, created_at, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pat.ID, pat.UserID, pat.Name, pat.Description, string(triggers),
		pat.InstructionTemplate, pat.ConfidenceThreshold, pat.UsageCount,
		nullTime(pat.LastUsed), pat.SuccessCount, pat.FailureCount,
		pat.CreatedAt.UTC(), embBlob)
	if err != nil {
		return fmt.Errorf("failed to save pattern: %w", err)
	}
	return nil
}

const patternCols = `id, user_id, name, description, triggers, instruction_template, confidence_threshold,
	usage_count, last_used, success_count, failure_count, created_at, embedding`

func (p *sqliteProcedural) scanPattern(row interface{ Scan(...interface{}) error }) (types.ProceduralPattern, error) {
	var (
		pat               types.ProceduralPattern
		description       sql.NullString
		triggers          string
		lastUsed          sql.NullTime
		embBlob           []byte
	)
	err := row.Scan(&pat.ID, &pat.UserID, &pat.Name, &description, &triggers,
		&pat.InstructionTemplate, &pat.ConfidenceThreshold, &pat.UsageCount,
		&lastUsed, &pat.SuccessCount, &pat.FailureCount, &pat.CreatedAt, &embBlob)
	if err != nil {
		return types.ProceduralPattern{}, err
	}
	pat.Description = description.String
	if lastUsed.Valid {
		pat.LastUsed = lastUsed.Time
	}
	if err := json.Unmarshal([]byte(triggers), &pat.Triggers); err != nil {
		return types.ProceduralPattern{}, fmt.Errorf("failed to parse triggers for %s: %w", pat.ID, err)
	}
	if len(embBlob) > 0 {
		if pat.Embedding, err = DecodeVector(embBlob); err != nil {
			return types.ProceduralPattern{}, err
		}
	}
	return pat, nil
}

func (p *sqliteProcedural) Get(ctx context.Context, userID, id string) (types.ProceduralPattern, error) {
	row := p.s.db.QueryRowContext(ctx,
		`SELECT `+patternCols+` FROM procedural_patterns WHERE user_id = ? AND id = ?`, userID, id)
	pat, err := p.scanPattern(row)
	if err == sql.ErrNoRows {
		return types.ProceduralPattern{}, types.NotFoundf("pattern %s", id)
	}
	return pat, err
}

func (p *sqliteProcedural) All(ctx context.Context, userID string) ([]types.ProceduralPattern, error) {
	rows, err := p.s.db.QueryContext(ctx,
		`SELECT `+patternCols+` FROM procedural_patterns WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
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
	return pats, rows.Err()
}

func (p *sqliteProcedural) Touch(ctx context.Context, userID, id string) error {
	res, err := p.s.db.ExecContext(ctx, `
		UPDATE procedural_patterns
		SET usage_count = usage_count + 1, last_used = ?
		WHERE user_id = ? AND id = ?`, time.Now().UTC(), userID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("pattern %s", id)
	}
	return nil
}

func (p *sqliteProcedural) RecordUsage(ctx context.Context, userID, id string, success bool) error {
	col := "failure_count"
	if success {
		col = "success_count"
	}
	res, err := p.s.db.ExecContext(ctx, `
		UPDATE procedural_patterns
		SET `+col+` = `+col+` + 1
		WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("pattern %s", id)
	}
	return nil
}

func (p *sqliteProcedural) Delete(ctx context.Context, userID, id string) error {
	res, err := p.s.db.ExecContext(ctx,
		`DELETE FROM procedural_patterns WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("pattern %s", id)
	}
	return nil
}

func (p *sqliteProcedural) DeleteUser(ctx context.Context, userID string) (int, error) {
	res, err := p.s.db.ExecContext(ctx,
		`DELETE FROM procedural_patterns WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type sqliteConversations struct {
	s *SQLiteStore
}

func (c *sqliteConversations) Create(ctx context.Context, conv types.Conversation) error {
	tags, _ := json.Marshal(conv.Tags)
	_, err := c.s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, tags, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, string(tags), conv.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return types.Conflictf("conversation %s already exists", conv.ID)
		}
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (c *sqliteConversations) Get(ctx context.Context, userID, id string) (types.Conversation, error) {
	var (
		conv types.Conversation
		tags sql.NullString
	)
	err := c.s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, tags, created_at FROM conversations
		WHERE user_id = ? AND id = ?`, userID, id).
		Scan(&conv.ID, &conv.UserID, &conv.Title, &tags, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return types.Conversation{}, types.NotFoundf("conversation %s", id)
	}
	if err != nil {
		return types.Conversation{}, err
	}
	if tags.Valid && tags.String != "" && tags.String != "null" {
		_ = json.Unmarshal([]byte(tags.String), &conv.Tags)
	}
	return conv, nil
}

func (c *sqliteConversations) All(ctx context.Context, userID string) ([]types.Conversation, error) {
	rows, err := c.s.db.QueryContext(ctx, `
		SELECT id, user_id, title, tags, created_at FROM conversations
		WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []types.Conversation
	for rows.Next() {
		var (
			conv types.Conversation
			tags sql.NullString
		)
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &tags, &conv.CreatedAt); err != nil {
			return nil, err
		}
		if tags.Valid && tags.String != "" && tags.String != "null" {
			_ = json.Unmarshal([]byte(tags.String), &conv.Tags)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (c *sqliteConversations) Delete(ctx context.Context, userID, id string) error {
	res, err := c.s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFoundf("conversation %s", id)
	}
	return nil
}

func (c *sqliteConversations) DeleteUser(ctx context.Context, userID string) (int, error) {
	res, err := c.s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
