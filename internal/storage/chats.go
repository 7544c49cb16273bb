package storage

import (
	"context"
	"fmt"
)

const (
	chatStatusEnabled  = "enabled"
	chatStatusDisabled = "disabled"
)

func (s *Store) SetChatLanguage(ctx context.Context, chatID int64, code string) error {
	q := s.sql.Insert("chat_languages").
		Columns("chat_id", "language_code", "updated_at").
		Values(chatID, code, nowExpr(s.driver)).
		Suffix("ON CONFLICT(chat_id) DO UPDATE SET language_code=excluded.language_code, updated_at=excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set chat language query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set chat language: %w", err)
	}
	return nil
}

func (s *Store) ListChatLanguages(ctx context.Context) ([]ChatLanguage, error) {
	q := s.sql.Select("chat_id", "language_code").From("chat_languages")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list chat languages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list chat languages: %w", err)
	}
	defer rows.Close()

	out := make([]ChatLanguage, 0)
	for rows.Next() {
		var cl ChatLanguage
		if err := rows.Scan(&cl.ChatID, &cl.Language); err != nil {
			return nil, fmt.Errorf("scan chat language row: %w", err)
		}
		out = append(out, cl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat language rows: %w", err)
	}
	return out, nil
}

func (s *Store) SetChatStatus(ctx context.Context, chatID int64, enabled bool) error {
	status := chatStatusEnabled
	if !enabled {
		status = chatStatusDisabled
	}
	q := s.sql.Insert("chat_status").
		Columns("chat_id", "status", "updated_at").
		Values(chatID, status, nowExpr(s.driver)).
		Suffix("ON CONFLICT(chat_id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set chat status query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set chat status: %w", err)
	}
	return nil
}

func (s *Store) ListChatStatuses(ctx context.Context) ([]ChatStatus, error) {
	q := s.sql.Select("chat_id", "status").From("chat_status")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list chat status query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list chat status: %w", err)
	}
	defer rows.Close()

	out := make([]ChatStatus, 0)
	for rows.Next() {
		var (
			cs     ChatStatus
			status string
		)
		if err := rows.Scan(&cs.ChatID, &status); err != nil {
			return nil, fmt.Errorf("scan chat status row: %w", err)
		}
		cs.Enabled = status != chatStatusDisabled
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat status rows: %w", err)
	}
	return out, nil
}
