package telegram

import (
	"context"
	"errors"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
)

func (s *Service) onLanguageCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil {
		return nil
	}
	chatID, ok := s.callbackChatID(ctx)
	if !ok {
		s.answerCallback(b, ctx, "Chat is unavailable for this action.", true)
		return nil
	}

	cb, err := parseLangCallback(ctx.CallbackQuery.Data)
	if err != nil {
		s.answerCallback(b, ctx, "Unknown action.", true)
		return nil
	}

	switch cb := cb.(type) {
	case langChoose:
		s.answerCallback(b, ctx, "", false)
		return s.editCallback(ctx, b, "Please choose your preferred language:", manualLanguageKeyboard())

	case langCancel:
		if !s.callbackAdmin(b, ctx, chatID) {
			return nil
		}
		if s.pipeline != nil {
			s.pipeline.Resolve(chatID)
		}
		s.answerCallback(b, ctx, "", false)
		return s.editCallback(ctx, b, "❌ Language selection cancelled.", nil)

	case langSelect:
		if !s.callbackAdmin(b, ctx, chatID) {
			return nil
		}
		text := s.applyLanguage(context.Background(), chatID, userID(ctx), cb.Code)
		s.answerCallback(b, ctx, "Language set to "+strings.ToUpper(cb.Code)+"!", false)
		return s.editCallback(ctx, b, text, nil)
	}
	return nil
}

// callbackAdmin answers with an alert and reports false when the user may not
// change the chat language.
func (s *Service) callbackAdmin(b *gotgbot.Bot, ctx *ext.Context, chatID int64) bool {
	if ctx.EffectiveChat != nil && ctx.EffectiveChat.Type == "private" {
		return true
	}
	uid := userID(ctx)
	admin, err := s.isAdmin(context.Background(), b, chatID, uid)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Int64("user_id", uid).Msg("admin check failed")
		s.answerCallback(b, ctx, "Failed to verify admin rights.", true)
		return false
	}
	if !admin {
		s.answerCallback(b, ctx, "Only chat admins can change the language.", true)
		return false
	}
	return true
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, opts)
}

func (s *Service) editCallback(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx.CallbackQuery.Message != nil {
		opts := &gotgbot.EditMessageTextOpts{}
		if markup != nil {
			opts.ReplyMarkup = *markup
		}
		_, _, err := ctx.CallbackQuery.Message.EditText(b, text, opts)
		if err == nil {
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
			return nil
		}
	}
	if ctx.EffectiveChat == nil {
		return nil
	}
	sendOpts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		sendOpts.ReplyMarkup = *markup
	}
	if _, err := b.SendMessage(ctx.EffectiveChat.Id, text, sendOpts); err != nil {
		return errors.New(SanitizeError(err, b.Token))
	}
	return nil
}

func (s *Service) callbackChatID(ctx *ext.Context) (int64, bool) {
	if ctx.EffectiveChat != nil {
		return ctx.EffectiveChat.Id, true
	}
	if ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		chat := ctx.CallbackQuery.Message.GetChat()
		return chat.Id, true
	}
	return 0, false
}
