package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/redis/go-redis/v9"

	"clonehost/internal/prefs"
	"clonehost/internal/storage"
	"clonehost/internal/supervisor"
)

func (s *Service) help(kind supervisor.Kind) func(b *gotgbot.Bot, ctx *ext.Context) error {
	text := helpText(kind)
	return func(b *gotgbot.Bot, ctx *ext.Context) error {
		return s.reply(ctx, b, text)
	}
}

func (s *Service) chatLang(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	return s.reply(ctx, b, s.chatLanguageText(ctx.EffectiveChat.Id))
}

func (s *Service) chatLanguageText(chatID int64) string {
	lang := s.prefs.Language(chatID)
	if lang == "" {
		lang = "Not set!"
	}
	return "🌐 Current chat language: " + lang
}

func (s *Service) setLang(b *gotgbot.Bot, ctx *ext.Context) error {
	chatID, uid, ok := s.requireAdmin(b, ctx)
	if !ok {
		return nil
	}
	arg := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if arg == "" {
		return s.reply(ctx, b, "Usage: /setlang <code>|off")
	}
	return s.reply(ctx, b, s.applyLanguage(context.Background(), chatID, uid, arg))
}

// applyLanguage stores a manual choice and ends any detection in flight, so
// a later detection offer cannot override it.
func (s *Service) applyLanguage(ctx context.Context, chatID, uid int64, code string) string {
	normalized, err := prefs.NormalizeLanguage(code)
	if err != nil {
		return "Language must be a two-letter code like en, hi or es, or 'off'."
	}
	if err := s.prefs.SetLanguage(ctx, chatID, normalized); err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("set language failed")
		return "Failed to save the chat language."
	}
	if s.pipeline != nil {
		s.pipeline.Resolve(chatID)
	}
	_ = s.audit(chatID, uid, "set_language", map[string]any{"language": normalized})
	if normalized == "" {
		return "✅ Chat language cleared. Replies are sent untranslated."
	}
	return "✅ Successfully set language to " + strings.ToUpper(normalized)
}

func (s *Service) chatbot(b *gotgbot.Bot, ctx *ext.Context) error {
	chatID, uid, ok := s.requireAdmin(b, ctx)
	if !ok {
		return nil
	}
	arg := strings.ToLower(strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText())))
	return s.reply(ctx, b, s.applyChatbot(context.Background(), chatID, uid, arg))
}

func (s *Service) applyChatbot(ctx context.Context, chatID, uid int64, arg string) string {
	var enabled bool
	switch arg {
	case "on", "enable":
		enabled = true
	case "off", "disable":
		enabled = false
	case "":
		state := "disabled"
		if s.prefs.Enabled(chatID) {
			state = "enabled"
		}
		return fmt.Sprintf("Chatbot is %s here. Usage: /chatbot on|off", state)
	default:
		return "Usage: /chatbot on|off"
	}
	if err := s.prefs.SetEnabled(ctx, chatID, enabled); err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("set chat status failed")
		return "Failed to update the chatbot status."
	}
	_ = s.audit(chatID, uid, "chatbot", map[string]any{"enabled": enabled})
	if enabled {
		return "✅ Chatbot enabled."
	}
	return "🚫 Chatbot disabled."
}

// requireAdmin passes private chats and chat administrators. Others get a
// reply explaining why nothing happened.
func (s *Service) requireAdmin(b *gotgbot.Bot, ctx *ext.Context) (chatID int64, uid int64, ok bool) {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return 0, 0, false
	}
	chatID = ctx.EffectiveChat.Id
	uid = ctx.EffectiveUser.Id
	if ctx.EffectiveChat.Type == "private" {
		return chatID, uid, true
	}
	admin, err := s.isAdmin(context.Background(), b, chatID, uid)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Int64("user_id", uid).Msg("admin check failed")
		_ = s.reply(ctx, b, "Failed to verify admin rights.")
		return 0, 0, false
	}
	if !admin {
		_ = s.reply(ctx, b, "Only chat admins can run this command.")
		return 0, 0, false
	}
	return chatID, uid, true
}

func (s *Service) adminCacheKey(chatID, userID int64) string {
	return fmt.Sprintf("clonehost:admin:%d:%d", chatID, userID)
}

// isAdmin consults the redis cache before asking Telegram. Sudoers count as
// admins everywhere.
func (s *Service) isAdmin(ctx context.Context, b *gotgbot.Bot, chatID, userID int64) (bool, error) {
	if s.access != nil && s.access.IsSudo(userID) {
		return true, nil
	}
	cacheKey := s.adminCacheKey(chatID, userID)
	if v, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
		return v == "1", nil
	} else if !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Msg("failed to read admin cache")
	}

	member, err := b.GetChatMemberWithContext(ctx, chatID, userID, nil)
	if err != nil {
		return false, errors.New(SanitizeError(err, b.Token))
	}
	status := member.GetStatus()
	admin := status == "administrator" || status == "creator"

	s.cacheAdmin(ctx, chatID, userID, admin)
	return admin, nil
}

func (s *Service) cacheAdmin(ctx context.Context, chatID, userID int64, admin bool) {
	value := "0"
	if admin {
		value = "1"
	}
	_ = s.redis.Set(ctx, s.adminCacheKey(chatID, userID), value, s.adminCacheTTL).Err()
	if s.store != nil {
		_ = s.store.SetAdminCache(ctx, chatID, userID, admin)
	}
}

func (s *Service) audit(chatID, userID int64, action string, meta map[string]any) error {
	if s.store == nil {
		return nil
	}
	b, _ := json.Marshal(meta)
	return s.store.LogAction(context.Background(), storage.AuditEntry{
		ChatID:   chatID,
		UserID:   userID,
		Action:   action,
		MetaJSON: string(b),
	})
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, nil)
	if err != nil {
		return errors.New(SanitizeError(err, b.Token))
	}
	return nil
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func splitFirstWord(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}

func userID(ctx *ext.Context) int64 {
	if ctx.EffectiveUser == nil {
		return 0
	}
	return ctx.EffectiveUser.Id
}
