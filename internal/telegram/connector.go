package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/rs/zerolog"

	"clonehost/internal/corpus"
	"clonehost/internal/engine"
	"clonehost/internal/metrics"
	"clonehost/internal/queue"
	"clonehost/internal/supervisor"
)

var ErrPrimaryOffline = errors.New("primary bot is not connected")

type ConnectorConfig struct {
	// Service is optional; without it instances only run the chat engine.
	Service *Service
	Dedupe  *queue.UpdateDeduplicator
	Metrics *metrics.Metrics
	// APIURL overrides the Bot API base URL.
	APIURL     string
	HTTPClient *http.Client
	LaneDepth  int
	Logger     zerolog.Logger
}

// Connector opens gotgbot sessions for the supervisor.
type Connector struct {
	service    *Service
	dedupe     *queue.UpdateDeduplicator
	metrics    *metrics.Metrics
	apiURL     string
	httpClient *http.Client
	laneDepth  int
	logger     zerolog.Logger

	mu      sync.RWMutex
	primary *gotgbot.Bot
}

func NewConnector(cfg ConnectorConfig) *Connector {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Connector{
		service:    cfg.Service,
		dedupe:     cfg.Dedupe,
		metrics:    m,
		apiURL:     strings.TrimSuffix(cfg.APIURL, "/"),
		httpClient: cfg.HTTPClient,
		laneDepth:  cfg.LaneDepth,
		logger:     cfg.Logger.With().Str("component", "telegram").Logger(),
	}
}

// Connect authenticates the token with getMe. It does not start polling.
func (c *Connector) Connect(ctx context.Context, cred supervisor.Credential) (supervisor.Connection, error) {
	bot, err := gotgbot.NewBot(cred.Token, &gotgbot.BotOpts{
		DisableTokenCheck: true,
		BotClient: &gotgbot.BaseBotClient{
			Client: *c.httpClient,
			DefaultRequestOpts: &gotgbot.RequestOpts{
				Timeout: gotgbot.DefaultTimeout,
				APIURL:  c.apiURL,
			},
		},
	})
	if err != nil {
		return nil, errors.New(SanitizeError(fmt.Errorf("create bot: %w", err), cred.Token))
	}
	me, err := bot.GetMeWithContext(ctx, nil)
	if err != nil {
		return nil, errors.New(SanitizeError(fmt.Errorf("get bot info: %w", err), cred.Token))
	}
	bot.User = *me
	if id := strconv.FormatInt(me.Id, 10); id != cred.InstanceID {
		return nil, fmt.Errorf("token belongs to bot %s, not %s", id, cred.InstanceID)
	}

	conn := &connection{
		cred:      cred,
		bot:       bot,
		connector: c,
		outbox:    outbox{bot: bot, token: cred.Token},
		lanes: newLanes(c.laneDepth, c.logger.With().
			Str("instance_id", cred.InstanceID).Logger()),
		logger: c.logger.With().
			Str("instance_id", cred.InstanceID).
			Str("kind", string(cred.Kind)).
			Str("username", me.Username).
			Logger(),
	}
	return conn, nil
}

// Notify sends a plain message from the primary bot.
func (c *Connector) Notify(ctx context.Context, chatID int64, text string) error {
	c.mu.RLock()
	bot := c.primary
	c.mu.RUnlock()
	if bot == nil {
		return ErrPrimaryOffline
	}
	if _, err := bot.SendMessageWithContext(ctx, chatID, text, nil); err != nil {
		return errors.New(SanitizeError(err, bot.Token))
	}
	return nil
}

func (c *Connector) setPrimary(bot *gotgbot.Bot) {
	c.mu.Lock()
	c.primary = bot
	c.mu.Unlock()
}

type connection struct {
	cred      supervisor.Credential
	bot       *gotgbot.Bot
	connector *Connector
	outbox    outbox
	lanes     *lanes
	logger    zerolog.Logger

	handler engine.Handler
	updater *ext.Updater
}

func (c *connection) Attach(h engine.Handler) { c.handler = h }

func (c *connection) Username() string { return c.bot.Username }

func (c *connection) Start() error {
	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		UnhandledErrFunc: c.logTelegramErr,
		Processor: Processor{
			InstanceID: c.cred.InstanceID,
			Dedupe:     c.connector.dedupe,
			Metrics:    c.connector.metrics,
			Logger:     c.logger,
		},
	})
	if s := c.connector.service; s != nil {
		s.Register(dispatcher, c.cred.Kind)
	}
	dispatcher.AddHandlerToGroup(handlers.NewMessage(chatMessage, c.onMessage), 1)

	// Handlers run on the chat's lane, one update at a time per chat.
	ordered := newOrderedDispatcher(dispatcher, c.lanes, c.logTelegramErr, c.logger)
	c.updater = ext.NewUpdater(ordered, &ext.UpdaterOpts{
		UnhandledErrFunc: c.logTelegramErr,
	})
	if err := c.updater.StartPolling(c.bot, &ext.PollingOpts{
		EnableWebhookDeletion: true,
		DropPendingUpdates:    true,
		GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
			Timeout: 50,
			RequestOpts: &gotgbot.RequestOpts{
				Timeout: 60 * time.Second,
			},
		},
	}); err != nil {
		return errors.New(SanitizeError(fmt.Errorf("start polling: %w", err), c.cred.Token))
	}
	if c.cred.Kind == supervisor.KindPrimary {
		c.connector.setPrimary(c.bot)
	}
	c.logger.Info().Msg("polling started")
	return nil
}

// Stop ends polling, then drains the chat lanes until ctx is done.
func (c *connection) Stop(ctx context.Context) error {
	if c.cred.Kind == supervisor.KindPrimary {
		c.connector.setPrimary(nil)
	}
	if c.updater != nil {
		stopped := make(chan error, 1)
		go func() { stopped <- c.updater.Stop() }()
		select {
		case err := <-stopped:
			if err != nil {
				c.logTelegramErr(err)
			}
		case <-ctx.Done():
			c.logger.Warn().Msg("updater did not stop within the grace period")
		}
	}
	if err := c.lanes.Close(ctx); err != nil {
		return fmt.Errorf("drain chat handlers: %w", err)
	}
	c.logger.Info().Msg("stopped")
	return nil
}

func (c *connection) onMessage(b *gotgbot.Bot, ctx *ext.Context) error {
	msg, ok := toEngineMessage(b.Id, ctx.EffectiveMessage)
	if !ok || c.handler == nil {
		return nil
	}
	if err := c.handler.Handle(laneContext(ctx), c.outbox, msg); err != nil {
		c.logger.Warn().
			Int64("chat_id", msg.ChatID).
			Str("error", SanitizeError(err, c.cred.Token)).
			Msg("chat handler failed")
	}
	return nil
}

func (c *connection) logTelegramErr(err error) {
	c.logger.Error().Msg(SanitizeError(err, c.cred.Token))
}

// chatMessage accepts plain text and the media kinds patterns can hold.
// Commands are left to the command handlers.
func chatMessage(msg *gotgbot.Message) bool {
	if msg == nil {
		return false
	}
	if strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
		return false
	}
	_, ok := messageContent(msg)
	return ok
}

func toEngineMessage(selfID int64, msg *gotgbot.Message) (engine.Message, bool) {
	if msg == nil {
		return engine.Message{}, false
	}
	content, ok := messageContent(msg)
	if !ok {
		return engine.Message{}, false
	}
	out := engine.Message{
		ChatID:    msg.Chat.Id,
		MessageID: msg.MessageId,
		Content:   content,
	}
	if msg.From != nil {
		out.SenderID = msg.From.Id
		out.FromBot = msg.From.IsBot
	}
	if r := msg.ReplyToMessage; r != nil {
		if rc, ok := messageContent(r); ok {
			out.ReplyTo = &engine.Reply{
				FromSelf: r.From != nil && r.From.Id == selfID,
				Content:  rc,
			}
		}
	}
	return out, true
}

func messageContent(msg *gotgbot.Message) (engine.Content, bool) {
	switch {
	case msg.Sticker != nil:
		return engine.Content{Kind: corpus.KindSticker, FileID: msg.Sticker.FileId}, true
	case len(msg.Photo) > 0:
		// Telegram lists photo sizes smallest first.
		return engine.Content{Kind: corpus.KindPhoto, FileID: msg.Photo[len(msg.Photo)-1].FileId}, true
	case msg.Animation != nil:
		return engine.Content{Kind: corpus.KindAnimation, FileID: msg.Animation.FileId}, true
	case msg.Video != nil:
		return engine.Content{Kind: corpus.KindVideo, FileID: msg.Video.FileId}, true
	case msg.Voice != nil:
		return engine.Content{Kind: corpus.KindVoice, FileID: msg.Voice.FileId}, true
	case msg.Audio != nil:
		return engine.Content{Kind: corpus.KindAudio, FileID: msg.Audio.FileId}, true
	case strings.TrimSpace(msg.Text) != "":
		return engine.Content{Kind: corpus.KindText, Text: msg.Text}, true
	default:
		return engine.Content{}, false
	}
}

// outbox sends on behalf of one instance.
type outbox struct {
	bot   *gotgbot.Bot
	token string
}

var _ engine.Outbox = outbox{}

func replyParams(replyTo int64) *gotgbot.ReplyParameters {
	if replyTo <= 0 {
		return nil
	}
	return &gotgbot.ReplyParameters{MessageId: replyTo, AllowSendingWithoutReply: true}
}

func (o outbox) SendText(ctx context.Context, chatID, replyTo int64, text string) error {
	_, err := o.bot.SendMessageWithContext(ctx, chatID, text, &gotgbot.SendMessageOpts{
		ReplyParameters: replyParams(replyTo),
	})
	return o.wrap("send message", err)
}

func (o outbox) SendMedia(ctx context.Context, chatID, replyTo int64, kind corpus.MediaKind, fileID string) error {
	file := gotgbot.InputFileByID(fileID)
	rp := replyParams(replyTo)

	var err error
	switch kind {
	case corpus.KindSticker:
		_, err = o.bot.SendStickerWithContext(ctx, chatID, file, &gotgbot.SendStickerOpts{ReplyParameters: rp})
	case corpus.KindPhoto:
		_, err = o.bot.SendPhotoWithContext(ctx, chatID, file, &gotgbot.SendPhotoOpts{ReplyParameters: rp})
	case corpus.KindVideo:
		_, err = o.bot.SendVideoWithContext(ctx, chatID, file, &gotgbot.SendVideoOpts{ReplyParameters: rp})
	case corpus.KindAudio:
		_, err = o.bot.SendAudioWithContext(ctx, chatID, file, &gotgbot.SendAudioOpts{ReplyParameters: rp})
	case corpus.KindAnimation:
		_, err = o.bot.SendAnimationWithContext(ctx, chatID, file, &gotgbot.SendAnimationOpts{ReplyParameters: rp})
	case corpus.KindVoice:
		_, err = o.bot.SendVoiceWithContext(ctx, chatID, file, &gotgbot.SendVoiceOpts{ReplyParameters: rp})
	default:
		return fmt.Errorf("send media: unsupported kind %q", kind)
	}
	return o.wrap("send "+string(kind), err)
}

func (o outbox) OfferLanguage(ctx context.Context, chatID int64, code string) error {
	text := fmt.Sprintf("🌍 Detected dominant language: %s\nChoose an option:", strings.ToUpper(code))
	_, err := o.bot.SendMessageWithContext(ctx, chatID, text, &gotgbot.SendMessageOpts{
		ReplyMarkup: *offerKeyboard(code),
	})
	return o.wrap("offer language", err)
}

func (o outbox) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %s", op, SanitizeError(err, o.token))
}

// SanitizeError renders err with the bot token and its id path segments
// redacted.
func SanitizeError(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}
