package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

func (s *Store) CreateChat(ctx context.Context, model string, systemPrompt *string) (Chat, error) {
	q := s.sql.Insert("chats").
		Columns("model", "system_prompt").
		Values(model, systemPrompt).
		Suffix("RETURNING id, created_at, updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build create chat query: %w", err)
	}
	c := Chat{Model: model, SystemPrompt: systemPrompt}
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Chat{}, fmt.Errorf("create chat: %w", err)
	}
	return c, nil
}

func (s *Store) GetChat(ctx context.Context, chatID int64) (Chat, error) {
	q := s.sql.Select("id", "title", "model", "system_prompt", "created_at", "updated_at").
		From("chats").
		Where(sq.Eq{"id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build get chat query: %w", err)
	}

	var c Chat
	var title, systemPrompt sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&c.ID, &title, &c.Model, &systemPrompt, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, ErrNotFound
		}
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	if title.Valid {
		c.Title = &title.String
	}
	if systemPrompt.Valid {
		c.SystemPrompt = &systemPrompt.String
	}
	return c, nil
}

func (s *Store) ListChats(ctx context.Context, limit uint64) ([]Chat, error) {
	if limit == 0 {
		limit = 100
	}
	q := s.sql.Select("id", "title", "model", "system_prompt", "created_at", "updated_at").
		From("chats").
		OrderBy("updated_at DESC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list chats query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := make([]Chat, 0)
	for rows.Next() {
		var c Chat
		var title, systemPrompt sql.NullString
		if err := rows.Scan(&c.ID, &title, &c.Model, &systemPrompt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		if title.Valid {
			c.Title = &title.String
		}
		if systemPrompt.Valid {
			c.SystemPrompt = &systemPrompt.String
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateChatTitle(ctx context.Context, chatID int64, title string) error {
	q := s.sql.Update("chats").
		Set("title", title).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update title query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update chat title: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchChat advances updated_at and records the model the chat last used.
func (s *Store) TouchChat(ctx context.Context, chatID int64, model string) error {
	q := s.sql.Update("chats").
		Set("model", model).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build touch chat query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateMessage persists a message and advances the owning chat's updated_at
// in one transaction.
func (s *Store) CreateMessage(ctx context.Context, m Message) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := s.sql.Insert("messages").
		Columns("chat_id", "role", "content", "model").
		Values(m.ChatID, m.Role, m.Content, m.Model).
		Suffix("RETURNING id")
	sqlStr, args, err := insert.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert message query: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	touch := s.sql.Update("chats").
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": m.ChatID})
	sqlStr, args, err = touch.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build touch query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return 0, fmt.Errorf("touch chat on message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit message: %w", err)
	}
	return id, nil
}

// ListMessages returns a chat's messages in creation order.
func (s *Store) ListMessages(ctx context.Context, chatID int64) ([]Message, error) {
	q := s.sql.Select("id", "chat_id", "role", "content", "model", "created_at").
		From("messages").
		Where(sq.Eq{"chat_id": chatID}).
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		var model sql.NullString
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &model, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if model.Valid {
			m.Model = &model.String
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

func (s *Store) CountMessages(ctx context.Context, chatID int64) (int, error) {
	q := s.sql.Select("COUNT(*)").From("messages").Where(sq.Eq{"chat_id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count messages query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *Store) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.RequestJSON) == "" {
		e.RequestJSON = "{}"
	}
	if !json.Valid([]byte(e.RequestJSON)) {
		e.RequestJSON = "{}"
	}
	if strings.TrimSpace(e.CollectionsJSON) == "" {
		e.CollectionsJSON = "[]"
	}

	q := s.sql.Insert("audit_log").
		Columns("chat_id", "model", "request_json", "context_text", "collections_json",
			"input_tokens", "output_tokens", "duration_ms", "response", "error", "user_message").
		Values(e.ChatID, e.Model, e.RequestJSON, e.ContextText, e.CollectionsJSON,
			e.InputTokens, e.OutputTokens, e.DurationMS, e.Response, e.Error, e.UserMessage)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAuditEntries(ctx context.Context, chatID int64, limit uint64) ([]AuditEntry, error) {
	if limit == 0 {
		limit = 50
	}
	q := s.sql.Select("id", "chat_id", "model", "request_json", "context_text", "collections_json",
		"input_tokens", "output_tokens", "duration_ms", "response", "error", "user_message", "created_at").
		From("audit_log").
		Where(sq.Eq{"chat_id": chatID}).
		OrderBy("id DESC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list audit query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	out := make([]AuditEntry, 0)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.ChatID, &e.Model, &e.RequestJSON, &e.ContextText, &e.CollectionsJSON,
			&e.InputTokens, &e.OutputTokens, &e.DurationMS, &e.Response, &e.Error, &e.UserMessage, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertProviderConfig(ctx context.Context, p ProviderConfig) error {
	if p.ModelsJSON == "" {
		p.ModelsJSON = "[]"
	}
	q := s.sql.Insert("provider_configs").
		Columns("name", "kind", "base_url", "enc_api_key", "models_json", "enabled").
		Values(p.Name, p.Kind, p.BaseURL, p.EncAPIKey, p.ModelsJSON, p.Enabled).
		Suffix("ON CONFLICT(name) DO UPDATE SET kind=excluded.kind, base_url=excluded.base_url, enc_api_key=excluded.enc_api_key, models_json=excluded.models_json, enabled=excluded.enabled")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build provider upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert provider config: %w", err)
	}
	return nil
}

func (s *Store) GetProviderConfigByName(ctx context.Context, name string) (ProviderConfig, error) {
	q := s.sql.Select("id", "name", "kind", "base_url", "enc_api_key", "models_json", "enabled", "created_at").
		From("provider_configs").
		Where(sq.Eq{"name": name})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ProviderConfig{}, fmt.Errorf("build provider by name query: %w", err)
	}

	var p ProviderConfig
	var encAPIKey sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&p.ID, &p.Name, &p.Kind, &p.BaseURL, &encAPIKey, &p.ModelsJSON, &p.Enabled, &p.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProviderConfig{}, ErrNotFound
		}
		return ProviderConfig{}, fmt.Errorf("get provider config: %w", err)
	}
	if encAPIKey.Valid {
		p.EncAPIKey = &encAPIKey.String
	}
	return p, nil
}

func (s *Store) ListProviderConfigs(ctx context.Context) ([]ProviderConfig, error) {
	q := s.sql.Select("id", "name", "kind", "base_url", "enc_api_key", "models_json", "enabled", "created_at").
		From("provider_configs").
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list providers query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list provider configs: %w", err)
	}
	defer rows.Close()

	out := make([]ProviderConfig, 0)
	for rows.Next() {
		var p ProviderConfig
		var encAPIKey sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.Kind, &p.BaseURL, &encAPIKey, &p.ModelsJSON, &p.Enabled, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan provider row: %w", err)
		}
		if encAPIKey.Valid {
			p.EncAPIKey = &encAPIKey.String
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider rows: %w", err)
	}
	return out, nil
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
