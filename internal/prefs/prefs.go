// Package prefs keeps per-chat preferences: the reply language and whether
// the chatbot is enabled.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"clonehost/internal/keylock"
	"clonehost/internal/storage"
)

var ErrInvalidLanguage = errors.New("language code must be two latin letters")

type Store interface {
	SetChatLanguage(ctx context.Context, chatID int64, code string) error
	ListChatLanguages(ctx context.Context) ([]storage.ChatLanguage, error)
	SetChatStatus(ctx context.Context, chatID int64, enabled bool) error
	ListChatStatuses(ctx context.Context) ([]storage.ChatStatus, error)
}

type Prefs struct {
	store Store
	keys  *keylock.Locks[int64]

	mu       sync.RWMutex
	langs    map[int64]string
	disabled map[int64]struct{}
}

func New(store Store) *Prefs {
	return &Prefs{
		store:    store,
		keys:     keylock.New[int64](),
		langs:    make(map[int64]string),
		disabled: make(map[int64]struct{}),
	}
}

func (p *Prefs) Load(ctx context.Context) error {
	langs, err := p.store.ListChatLanguages(ctx)
	if err != nil {
		return fmt.Errorf("load chat languages: %w", err)
	}
	statuses, err := p.store.ListChatStatuses(ctx)
	if err != nil {
		return fmt.Errorf("load chat statuses: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range langs {
		if l.Language == "" {
			delete(p.langs, l.ChatID)
			continue
		}
		p.langs[l.ChatID] = l.Language
	}
	for _, s := range statuses {
		if s.Enabled {
			delete(p.disabled, s.ChatID)
		} else {
			p.disabled[s.ChatID] = struct{}{}
		}
	}
	return nil
}

// NormalizeLanguage lowercases an ISO 639-1 code. Empty input and "off" mean
// unset and normalize to "".
func NormalizeLanguage(code string) (string, error) {
	c := strings.ToLower(strings.TrimSpace(code))
	if c == "" || c == "off" {
		return "", nil
	}
	if len(c) != 2 || c[0] < 'a' || c[0] > 'z' || c[1] < 'a' || c[1] > 'z' {
		return "", ErrInvalidLanguage
	}
	return c, nil
}

// Language returns the chat's language code, or "" when unset.
func (p *Prefs) Language(chatID int64) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.langs[chatID]
}

// SetLanguage overwrites the chat's language. The last write wins.
func (p *Prefs) SetLanguage(ctx context.Context, chatID int64, code string) error {
	c, err := NormalizeLanguage(code)
	if err != nil {
		return err
	}

	unlock := p.keys.Lock(chatID)
	defer unlock()

	if err := p.store.SetChatLanguage(ctx, chatID, c); err != nil {
		return fmt.Errorf("set language: %w", err)
	}
	p.mu.Lock()
	if c == "" {
		delete(p.langs, chatID)
	} else {
		p.langs[chatID] = c
	}
	p.mu.Unlock()
	return nil
}

// Enabled reports whether the chatbot answers in the chat. Chats are enabled
// until explicitly disabled.
func (p *Prefs) Enabled(chatID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, off := p.disabled[chatID]
	return !off
}

func (p *Prefs) SetEnabled(ctx context.Context, chatID int64, enabled bool) error {
	unlock := p.keys.Lock(chatID)
	defer unlock()

	if err := p.store.SetChatStatus(ctx, chatID, enabled); err != nil {
		return fmt.Errorf("set chat status: %w", err)
	}
	p.mu.Lock()
	if enabled {
		delete(p.disabled, chatID)
	} else {
		p.disabled[chatID] = struct{}{}
	}
	p.mu.Unlock()
	return nil
}
