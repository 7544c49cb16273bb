// Package engine is the conversational handler every bot instance runs:
// it learns reply patterns, picks a response and sends it, translated into
// the chat language when one is set.
package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"clonehost/internal/corpus"
	"clonehost/internal/language"
	"clonehost/internal/metrics"
	"clonehost/internal/providers"
)

const StillLearningText = "🤖 I'm still learning, please teach me!"

type Content struct {
	Kind   corpus.MediaKind
	Text   string
	FileID string
}

// Key is what patterns store for this content: the text itself, or the file
// reference for media.
func (c Content) Key() string {
	if c.Kind == corpus.KindText || c.Kind == "" {
		return c.Text
	}
	return c.FileID
}

type Reply struct {
	FromSelf bool
	Content  Content
}

type Message struct {
	ChatID    int64
	MessageID int64
	SenderID  int64
	FromBot   bool
	Content   Content
	// ReplyTo is set when the message replies to another message.
	ReplyTo *Reply
}

// Outbox is the per-instance send capability handed to the engine with
// every message.
type Outbox interface {
	SendText(ctx context.Context, chatID, replyTo int64, text string) error
	SendMedia(ctx context.Context, chatID, replyTo int64, kind corpus.MediaKind, fileID string) error
	language.Offerer
}

type Handler interface {
	Handle(ctx context.Context, out Outbox, msg Message) error
}

type Corpus interface {
	Matches(trigger string) []corpus.Pattern
	All() []corpus.Pattern
	Learn(ctx context.Context, p corpus.Pattern) (bool, error)
}

type Prefs interface {
	Enabled(chatID int64) bool
	Language(chatID int64) string
}

type Sampler interface {
	Observe(out language.Offerer, chatID int64, text string)
}

type Config struct {
	Corpus     Corpus
	Prefs      Prefs
	Translator providers.Translator
	Sampler    Sampler
	Timeout    time.Duration
	Logger     zerolog.Logger
	// Intn overrides the random source used by PickResponse.
	Intn func(n int) int
}

type Engine struct {
	corpus     Corpus
	prefs      Prefs
	translator providers.Translator
	sampler    Sampler
	timeout    time.Duration
	intn       func(n int) int
	logger     zerolog.Logger
}

func New(cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Intn == nil {
		cfg.Intn = rand.IntN
	}
	return &Engine{
		corpus:     cfg.Corpus,
		prefs:      cfg.Prefs,
		translator: cfg.Translator,
		sampler:    cfg.Sampler,
		timeout:    cfg.Timeout,
		intn:       cfg.Intn,
		logger:     cfg.Logger.With().Str("component", "engine").Logger(),
	}
}

var _ Handler = (*Engine)(nil)

func (e *Engine) Handle(ctx context.Context, out Outbox, msg Message) error {
	if msg.FromBot || !e.prefs.Enabled(msg.ChatID) {
		return nil
	}
	log := e.logger.With().Int64("chat_id", msg.ChatID).Int64("message_id", msg.MessageID).Logger()

	if e.sampler != nil && msg.Content.Kind == corpus.KindText && e.prefs.Language(msg.ChatID) == "" {
		e.sampler.Observe(out, msg.ChatID, msg.Content.Text)
	}

	e.learn(ctx, log, msg)

	p, ok := PickResponse(e.corpus.Matches(msg.Content.Key()), e.corpus.All(), e.intn)
	if !ok {
		if err := out.SendText(ctx, msg.ChatID, msg.MessageID, StillLearningText); err != nil {
			return fmt.Errorf("send fallback reply: %w", err)
		}
		metrics.Global().RepliesSent.Inc()
		return nil
	}

	if p.Kind != corpus.KindText {
		if err := out.SendMedia(ctx, msg.ChatID, msg.MessageID, p.Kind, p.Response); err != nil {
			return fmt.Errorf("send %s reply: %w", p.Kind, err)
		}
		metrics.Global().RepliesSent.Inc()
		return nil
	}

	text := e.translate(ctx, log, p.Response, e.prefs.Language(msg.ChatID))
	if err := out.SendText(ctx, msg.ChatID, msg.MessageID, text); err != nil {
		return fmt.Errorf("send text reply: %w", err)
	}
	metrics.Global().RepliesSent.Inc()
	return nil
}

// learn stores the association when a user replies to one of our messages.
// Failures are logged and never block the reply.
func (e *Engine) learn(ctx context.Context, log zerolog.Logger, msg Message) {
	if msg.ReplyTo == nil || !msg.ReplyTo.FromSelf {
		return
	}
	kind := msg.Content.Kind
	if kind == "" {
		kind = corpus.KindText
	}
	p := corpus.Pattern{
		Trigger:  msg.ReplyTo.Content.Key(),
		Response: msg.Content.Key(),
		Kind:     kind,
	}
	learned, err := e.corpus.Learn(ctx, p)
	if err != nil {
		log.Warn().Err(err).Msg("failed to learn pattern")
		return
	}
	if learned {
		metrics.Global().PatternsLearned.Inc()
		log.Debug().Str("media_kind", string(kind)).Msg("pattern learned")
	}
}

func (e *Engine) translate(ctx context.Context, log zerolog.Logger, text, lang string) string {
	if e.translator == nil || lang == "" || strings.TrimSpace(text) == "" {
		return text
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	translated, err := e.translator.Translate(ctx, text, lang)
	if err != nil {
		log.Warn().Err(err).Str("lang", lang).Msg("translation failed, sending original text")
		return text
	}
	if strings.TrimSpace(translated) == "" {
		return text
	}
	return translated
}

// PickResponse chooses uniformly among exact matches and, when there are
// none, uniformly among the whole corpus. It reports false when both are
// empty.
func PickResponse(matches, all []corpus.Pattern, intn func(n int) int) (corpus.Pattern, bool) {
	pool := matches
	if len(pool) == 0 {
		pool = all
	}
	if len(pool) == 0 {
		return corpus.Pattern{}, false
	}
	return pool[intn(len(pool))], true
}
