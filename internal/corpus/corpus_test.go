package corpus

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"clonehost/internal/storage"
)

func newTestCorpus(t *testing.T) (*Corpus, *storage.Store) {
	t.Helper()
	store, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "corpus.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	c := New(store, zerolog.Nop())
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return c, store
}

func TestLearnDeduplicates(t *testing.T) {
	c, store := newTestCorpus(t)
	ctx := context.Background()

	p := Pattern{Trigger: "hi", Response: "hello!", Kind: KindText}
	learned, err := c.Learn(ctx, p)
	if err != nil || !learned {
		t.Fatalf("first learn: learned=%v err=%v", learned, err)
	}
	learned, err = c.Learn(ctx, p)
	if err != nil || learned {
		t.Fatalf("second learn: learned=%v err=%v", learned, err)
	}

	rows, err := store.ListPatterns(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || c.Len() != 1 {
		t.Fatalf("expected exactly one stored pattern, store=%d mirror=%d", len(rows), c.Len())
	}
}

func TestLearnSkipsAbusiveContent(t *testing.T) {
	c, store := newTestCorpus(t)
	ctx := context.Background()

	if err := c.Block(ctx, "Darn"); err != nil {
		t.Fatalf("block: %v", err)
	}

	inputs := []Pattern{
		{Trigger: "oh darn it", Response: "fine", Kind: KindText},
		{Trigger: "fine", Response: "DARN you", Kind: KindText},
		{Trigger: "darn", Response: "CAACAgIAAxk", Kind: KindSticker},
	}
	for _, p := range inputs {
		learned, err := c.Learn(ctx, p)
		if err != nil {
			t.Fatalf("learn %+v: %v", p, err)
		}
		if learned {
			t.Fatalf("abusive pattern %+v must not be learned", p)
		}
	}

	rows, err := store.ListPatterns(ctx)
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected no stored patterns, got %d err=%v", len(rows), err)
	}
}

func TestBlocklistAppliesImmediately(t *testing.T) {
	c, _ := newTestCorpus(t)
	ctx := context.Background()

	if _, err := c.Learn(ctx, Pattern{Trigger: "hi", Response: "heck yes", Kind: KindText}); err != nil {
		t.Fatalf("learn: %v", err)
	}
	if got := len(c.Matches("hi")); got != 1 {
		t.Fatalf("expected one match, got %d", got)
	}

	if err := c.Block(ctx, "heck"); err != nil {
		t.Fatalf("block: %v", err)
	}
	if got := len(c.Matches("hi")); got != 0 {
		t.Fatalf("blocked response must not match, got %d", got)
	}
	if got := len(c.All()); got != 0 {
		t.Fatalf("blocked response must not be offered, got %d", got)
	}
	if c.Len() != 1 {
		t.Fatalf("blocking must not purge stored patterns")
	}

	if err := c.Unblock(ctx, "HECK"); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if got := len(c.Matches("hi")); got != 1 {
		t.Fatalf("expected match after unblock, got %d", got)
	}
	if err := c.Unblock(ctx, "heck"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadRestoresMirror(t *testing.T) {
	c, store := newTestCorpus(t)
	ctx := context.Background()

	if _, err := c.Learn(ctx, Pattern{Trigger: "gm", Response: "AgACAgIAAx", Kind: KindPhoto}); err != nil {
		t.Fatalf("learn: %v", err)
	}
	if err := c.Block(ctx, "spam"); err != nil {
		t.Fatalf("block: %v", err)
	}

	fresh := New(store, zerolog.Nop())
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	matches := fresh.Matches("gm")
	if len(matches) != 1 || matches[0].Kind != KindPhoto {
		t.Fatalf("unexpected matches %+v", matches)
	}
	if !fresh.IsAbusive("SPAM here") {
		t.Fatalf("blocked words must be reloaded")
	}
	if got := fresh.Blocked(); len(got) != 1 || got[0] != "spam" {
		t.Fatalf("unexpected blocked list %v", got)
	}
}

func TestParseMediaKind(t *testing.T) {
	if k, ok := ParseMediaKind(" Sticker "); !ok || k != KindSticker {
		t.Fatalf("expected sticker, got %q %v", k, ok)
	}
	if _, ok := ParseMediaKind("document"); ok {
		t.Fatalf("document is not a supported media kind")
	}
}
