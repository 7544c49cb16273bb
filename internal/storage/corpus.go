package storage

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) InsertPattern(ctx context.Context, p ResponsePattern) (bool, error) {
	q := s.sql.Insert("response_patterns").
		Columns("trigger_text", "response", "media_kind").
		Values(p.Trigger, p.Response, p.MediaKind).
		Suffix("ON CONFLICT(trigger_text, response, media_kind) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert pattern query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("insert pattern: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return true, nil
	}
	return n > 0, nil
}

func (s *Store) ListPatterns(ctx context.Context) ([]ResponsePattern, error) {
	q := s.sql.Select("id", "trigger_text", "response", "media_kind").
		From("response_patterns").
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list patterns query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	out := make([]ResponsePattern, 0)
	for rows.Next() {
		var p ResponsePattern
		if err := rows.Scan(&p.ID, &p.Trigger, &p.Response, &p.MediaKind); err != nil {
			return nil, fmt.Errorf("scan pattern row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pattern rows: %w", err)
	}
	return out, nil
}

func (s *Store) AddBlockedWord(ctx context.Context, word string) error {
	q := s.sql.Insert("blocked_words").
		Columns("word").
		Values(word).
		Suffix("ON CONFLICT(word) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build add blocked word query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("add blocked word: %w", err)
	}
	return nil
}

func (s *Store) DeleteBlockedWord(ctx context.Context, word string) error {
	q := s.sql.Delete("blocked_words").Where(sq.Eq{"word": word})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete blocked word query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete blocked word: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListBlockedWords(ctx context.Context) ([]string, error) {
	q := s.sql.Select("word").From("blocked_words").OrderBy("word ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list blocked words query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list blocked words: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("scan blocked word row: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocked word rows: %w", err)
	}
	return out, nil
}
