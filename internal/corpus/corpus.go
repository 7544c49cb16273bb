// Package corpus holds the learned trigger/response patterns and the word
// blocklist, mirrored in memory over the relational store.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"clonehost/internal/storage"
)

var ErrNotFound = errors.New("blocked word not found")

type MediaKind string

const (
	KindText      MediaKind = "text"
	KindSticker   MediaKind = "sticker"
	KindPhoto     MediaKind = "photo"
	KindVideo     MediaKind = "video"
	KindAudio     MediaKind = "audio"
	KindAnimation MediaKind = "animation"
	KindVoice     MediaKind = "voice"
)

func ParseMediaKind(s string) (MediaKind, bool) {
	switch k := MediaKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindText, KindSticker, KindPhoto, KindVideo, KindAudio, KindAnimation, KindVoice:
		return k, true
	}
	return "", false
}

// Pattern is one learned association. Response holds text for KindText and an
// opaque file reference for every other kind.
type Pattern struct {
	Trigger  string
	Response string
	Kind     MediaKind
}

type Store interface {
	InsertPattern(ctx context.Context, p storage.ResponsePattern) (bool, error)
	ListPatterns(ctx context.Context) ([]storage.ResponsePattern, error)
	AddBlockedWord(ctx context.Context, word string) error
	DeleteBlockedWord(ctx context.Context, word string) error
	ListBlockedWords(ctx context.Context) ([]string, error)
}

type Corpus struct {
	store  Store
	logger zerolog.Logger

	// writeMu serializes mutations so the mirror and the store never diverge.
	writeMu sync.Mutex

	mu       sync.RWMutex
	patterns []Pattern
	seen     map[Pattern]struct{}
	blocked  map[string]struct{}
}

func New(store Store, logger zerolog.Logger) *Corpus {
	return &Corpus{
		store:   store,
		logger:  logger.With().Str("component", "corpus").Logger(),
		seen:    make(map[Pattern]struct{}),
		blocked: make(map[string]struct{}),
	}
}

// Load replaces the mirror with the persisted patterns and blocklist.
func (c *Corpus) Load(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	rows, err := c.store.ListPatterns(ctx)
	if err != nil {
		return fmt.Errorf("load patterns: %w", err)
	}
	words, err := c.store.ListBlockedWords(ctx)
	if err != nil {
		return fmt.Errorf("load blocked words: %w", err)
	}

	patterns := make([]Pattern, 0, len(rows))
	seen := make(map[Pattern]struct{}, len(rows))
	for _, row := range rows {
		kind, ok := ParseMediaKind(row.MediaKind)
		if !ok {
			c.logger.Warn().Int64("pattern_id", row.ID).Str("media_kind", row.MediaKind).Msg("skipping pattern with unknown media kind")
			continue
		}
		p := Pattern{Trigger: row.Trigger, Response: row.Response, Kind: kind}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		patterns = append(patterns, p)
	}
	blocked := make(map[string]struct{}, len(words))
	for _, w := range words {
		blocked[normalizeWord(w)] = struct{}{}
	}

	c.mu.Lock()
	c.patterns = patterns
	c.seen = seen
	c.blocked = blocked
	c.mu.Unlock()

	c.logger.Info().Int("patterns", len(patterns)).Int("blocked_words", len(blocked)).Msg("corpus loaded")
	return nil
}

// Learn stores p unless it is abusive or already known. It reports whether a
// new pattern was added.
func (c *Corpus) Learn(ctx context.Context, p Pattern) (bool, error) {
	if strings.TrimSpace(p.Trigger) == "" || strings.TrimSpace(p.Response) == "" {
		return false, nil
	}
	if _, ok := ParseMediaKind(string(p.Kind)); !ok {
		return false, fmt.Errorf("learn pattern: unknown media kind %q", p.Kind)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.IsAbusive(p.Trigger) || c.IsAbusive(p.Response) {
		return false, nil
	}
	c.mu.RLock()
	_, known := c.seen[p]
	c.mu.RUnlock()
	if known {
		return false, nil
	}

	inserted, err := c.store.InsertPattern(ctx, storage.ResponsePattern{
		Trigger:   p.Trigger,
		Response:  p.Response,
		MediaKind: string(p.Kind),
	})
	if err != nil {
		return false, fmt.Errorf("learn pattern: %w", err)
	}

	c.mu.Lock()
	c.seen[p] = struct{}{}
	c.patterns = append(c.patterns, p)
	c.mu.Unlock()
	return inserted, nil
}

// Matches returns the non-abusive patterns whose trigger equals text exactly.
func (c *Corpus) Matches(text string) []Pattern {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Pattern, 0)
	for _, p := range c.patterns {
		if p.Trigger == text && !c.abusiveLocked(p.Trigger) && !c.abusiveLocked(p.Response) {
			out = append(out, p)
		}
	}
	return out
}

// All returns every pattern whose response does not contain a blocked word.
func (c *Corpus) All() []Pattern {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Pattern, 0, len(c.patterns))
	for _, p := range c.patterns {
		if !c.abusiveLocked(p.Response) {
			out = append(out, p)
		}
	}
	return out
}

func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.patterns)
}

func (c *Corpus) IsAbusive(text string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.abusiveLocked(text)
}

func (c *Corpus) abusiveLocked(text string) bool {
	if text == "" || len(c.blocked) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for w := range c.blocked {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// Block adds a word to the blocklist. It applies to every check that follows.
func (c *Corpus) Block(ctx context.Context, word string) error {
	w := normalizeWord(word)
	if w == "" {
		return fmt.Errorf("block word: word is empty")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.store.AddBlockedWord(ctx, w); err != nil {
		return fmt.Errorf("block word: %w", err)
	}
	c.mu.Lock()
	c.blocked[w] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *Corpus) Unblock(ctx context.Context, word string) error {
	w := normalizeWord(word)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.store.DeleteBlockedWord(ctx, w); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("unblock word: %w", err)
	}
	c.mu.Lock()
	delete(c.blocked, w)
	c.mu.Unlock()
	return nil
}

func (c *Corpus) Blocked() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.blocked))
	for w := range c.blocked {
		out = append(out, w)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

func normalizeWord(w string) string {
	return strings.ToLower(strings.TrimSpace(w))
}
