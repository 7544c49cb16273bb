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

func (s *Store) UpsertCredential(ctx context.Context, c Credential) error {
	q := s.sql.Insert("credentials").
		Columns("instance_id", "owner_id", "enc_bot_token").
		Values(c.InstanceID, c.OwnerID, c.EncBotToken).
		Suffix("ON CONFLICT(instance_id) DO UPDATE SET owner_id=excluded.owner_id, enc_bot_token=excluded.enc_bot_token")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build credential upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (s *Store) DeleteCredential(ctx context.Context, instanceID string) error {
	q := s.sql.Delete("credentials").Where(sq.Eq{"instance_id": instanceID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete credential query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCredentials reads the whole collection in one statement, so callers
// always see a consistent snapshot.
func (s *Store) ListCredentials(ctx context.Context) ([]Credential, error) {
	q := s.sql.Select("instance_id", "owner_id", "enc_bot_token").
		From("credentials").
		OrderBy("instance_id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list credentials query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	out := make([]Credential, 0)
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.InstanceID, &c.OwnerID, &c.EncBotToken); err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credential rows: %w", err)
	}
	return out, nil
}

func (s *Store) AddSudoer(ctx context.Context, userID, addedBy int64) error {
	q := s.sql.Insert("sudoers").
		Columns("user_id", "added_by").
		Values(userID, addedBy).
		Suffix("ON CONFLICT(user_id) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build add sudoer query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("add sudoer: %w", err)
	}
	return nil
}

func (s *Store) DeleteSudoer(ctx context.Context, userID int64) error {
	q := s.sql.Delete("sudoers").Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete sudoer query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete sudoer: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListSudoers(ctx context.Context) ([]Sudoer, error) {
	q := s.sql.Select("user_id", "added_by").From("sudoers").OrderBy("user_id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sudoers query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list sudoers: %w", err)
	}
	defer rows.Close()

	out := make([]Sudoer, 0)
	for rows.Next() {
		var su Sudoer
		if err := rows.Scan(&su.UserID, &su.AddedBy); err != nil {
			return nil, fmt.Errorf("scan sudoer row: %w", err)
		}
		out = append(out, su)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sudoer rows: %w", err)
	}
	return out, nil
}

func (s *Store) SetAdminCache(ctx context.Context, chatID, userID int64, isAdmin bool) error {
	q := s.sql.Insert("chat_admin_cache").
		Columns("chat_id", "user_id", "is_admin", "updated_at").
		Values(chatID, userID, isAdmin, nowExpr(s.driver)).
		Suffix("ON CONFLICT(chat_id, user_id) DO UPDATE SET is_admin=excluded.is_admin, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set admin cache query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set admin cache: %w", err)
	}
	return nil
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" || !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("chat_id", "user_id", "action", "meta_json").
		Values(e.ChatID, e.UserID, e.Action, e.MetaJSON)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) CountAuditEntries(ctx context.Context, action string) (int, error) {
	q := s.sql.Select("COUNT(*)").From("audit_log").Where(sq.Eq{"action": action})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count audit query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
