// Package language samples chat messages and runs automatic language
// detection for chats that have no language preference yet.
package language

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"clonehost/internal/metrics"
	"clonehost/internal/providers"
)

const (
	DefaultBufferSize = 30
	DefaultBufferTTL  = 5 * time.Minute
	DefaultMinTexts   = 5
	DefaultMaxChats   = 10000
	DefaultTimeout    = 15 * time.Second

	pendingTTL = 10 * time.Minute
)

// Offerer presents a detected language to a chat for confirmation.
type Offerer interface {
	OfferLanguage(ctx context.Context, chatID int64, code string) error
}

type RateLimiter interface {
	Allow(ctx context.Context, subject string, now time.Time) (bool, int64, time.Time, error)
}

type Config struct {
	Detector   providers.Detector
	Limiter    RateLimiter
	BufferSize int
	BufferTTL  time.Duration
	MinTexts   int
	MaxChats   int
	Timeout    time.Duration
	Logger     zerolog.Logger
}

type buffer struct {
	texts []string
}

type Pipeline struct {
	detector providers.Detector
	limiter  RateLimiter
	size     int
	minTexts int
	timeout  time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	buffers *expirable.LRU[int64, *buffer]
	// pending holds chats with a detection in flight or an offer awaiting an
	// answer. They are not sampled.
	pending *expirable.LRU[int64, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Pipeline {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferTTL <= 0 {
		cfg.BufferTTL = DefaultBufferTTL
	}
	if cfg.MinTexts <= 0 {
		cfg.MinTexts = DefaultMinTexts
	}
	if cfg.MinTexts > cfg.BufferSize {
		cfg.MinTexts = cfg.BufferSize
	}
	if cfg.MaxChats <= 0 {
		cfg.MaxChats = DefaultMaxChats
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		detector: cfg.Detector,
		limiter:  cfg.Limiter,
		size:     cfg.BufferSize,
		minTexts: cfg.MinTexts,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger.With().Str("component", "language").Logger(),
		buffers:  expirable.NewLRU[int64, *buffer](cfg.MaxChats, nil, cfg.BufferTTL),
		pending:  expirable.NewLRU[int64, struct{}](cfg.MaxChats, nil, pendingTTL),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Observe appends text to the chat's buffer. Callers only feed chats whose
// preference is unset. The buffer lives for the TTL counted from its first
// message; when it fills up it is handed to the detector and cleared.
func (p *Pipeline) Observe(out Offerer, chatID int64, text string) {
	if p.detector == nil || strings.TrimSpace(text) == "" {
		return
	}

	p.mu.Lock()
	if p.ctx.Err() != nil || p.pending.Contains(chatID) {
		p.mu.Unlock()
		return
	}
	buf, ok := p.buffers.Get(chatID)
	if !ok {
		buf = &buffer{texts: make([]string, 0, p.size)}
		p.buffers.Add(chatID, buf)
	}
	buf.texts = append(buf.texts, text)
	if len(buf.texts) < p.size {
		p.mu.Unlock()
		return
	}
	samples := buf.texts
	p.buffers.Remove(chatID)
	p.pending.Add(chatID, struct{}{})
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		p.detect(out, chatID, samples)
	}()
}

func (p *Pipeline) detect(out Offerer, chatID int64, samples []string) {
	log := p.logger.With().Int64("chat_id", chatID).Int("samples", len(samples)).Logger()

	texts := meaningful(samples)
	if len(texts) < p.minTexts {
		p.abandon(chatID, "insufficient")
		log.Debug().Int("meaningful", len(texts)).Msg("not enough text to detect language")
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	if p.limiter != nil {
		allowed, used, _, err := p.limiter.Allow(ctx, "global", time.Now())
		if err != nil {
			p.abandon(chatID, "failed")
			log.Warn().Err(err).Msg("detection rate limit check failed")
			return
		}
		if !allowed {
			p.abandon(chatID, "rate_limited")
			log.Info().Int64("used", used).Msg("detection skipped: hourly limit reached")
			return
		}
	}

	code, err := p.detector.Detect(ctx, texts)
	if err != nil {
		p.abandon(chatID, "failed")
		log.Warn().Err(err).Msg("language detection failed")
		return
	}

	if !p.pending.Contains(chatID) {
		metrics.Global().LanguageDetections.WithLabelValues("superseded").Inc()
		log.Debug().Str("code", code).Msg("detection result dropped: chat resolved meanwhile")
		return
	}
	if err := out.OfferLanguage(ctx, chatID, code); err != nil {
		p.abandon(chatID, "failed")
		log.Warn().Err(err).Str("code", code).Msg("failed to offer detected language")
		return
	}
	metrics.Global().LanguageDetections.WithLabelValues("offered").Inc()
	log.Info().Str("code", code).Msg("detected language offered")
}

func (p *Pipeline) abandon(chatID int64, result string) {
	p.pending.Remove(chatID)
	metrics.Global().LanguageDetections.WithLabelValues(result).Inc()
}

// Resolve ends any detection state of the chat. It is called once the chat
// preference is set or the offer is dismissed.
func (p *Pipeline) Resolve(chatID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffers.Remove(chatID)
	p.pending.Remove(chatID)
}

// Buffered reports how many messages are sampled for the chat.
func (p *Pipeline) Buffered(chatID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if buf, ok := p.buffers.Get(chatID); ok {
		return len(buf.texts)
	}
	return 0
}

func (p *Pipeline) Pending(chatID int64) bool {
	return p.pending.Contains(chatID)
}

// Close cancels in-flight detections and waits for them until ctx is done.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func meaningful(samples []string) []string {
	out := make([]string, 0, len(samples))
	for _, s := range samples {
		if strings.IndexFunc(s, unicode.IsLetter) >= 0 {
			out = append(out, s)
		}
	}
	return out
}
