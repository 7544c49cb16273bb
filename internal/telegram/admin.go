package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"clonehost/internal/access"
	"clonehost/internal/corpus"
)

func (s *Service) requireSudo(b *gotgbot.Bot, ctx *ext.Context) bool {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return false
	}
	if err := s.access.RequireSudo(ctx.EffectiveUser.Id); err != nil {
		_ = s.reply(ctx, b, "Only the owner and sudo users can run this command.")
		return false
	}
	return true
}

func (s *Service) block(b *gotgbot.Bot, ctx *ext.Context) error {
	if !s.requireSudo(b, ctx) {
		return nil
	}
	word := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if word == "" {
		return s.reply(ctx, b, "Usage: /block <word>")
	}
	if err := s.corpus.Block(context.Background(), word); err != nil {
		s.logger.Error().Err(err).Msg("block word failed")
		return s.reply(ctx, b, "Failed to block the word.")
	}
	_ = s.audit(ctx.EffectiveChat.Id, userID(ctx), "block_word", map[string]any{"word": word})
	return s.reply(ctx, b, "✅ Blocked. Replies containing it will no longer be learned or sent.")
}

func (s *Service) unblock(b *gotgbot.Bot, ctx *ext.Context) error {
	if !s.requireSudo(b, ctx) {
		return nil
	}
	word := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if word == "" {
		return s.reply(ctx, b, "Usage: /unblock <word>")
	}
	if err := s.corpus.Unblock(context.Background(), word); err != nil {
		if errors.Is(err, corpus.ErrNotFound) {
			return s.reply(ctx, b, "That word is not blocked.")
		}
		s.logger.Error().Err(err).Msg("unblock word failed")
		return s.reply(ctx, b, "Failed to unblock the word.")
	}
	_ = s.audit(ctx.EffectiveChat.Id, userID(ctx), "unblock_word", map[string]any{"word": word})
	return s.reply(ctx, b, "✅ Unblocked.")
}

func (s *Service) blocked(b *gotgbot.Bot, ctx *ext.Context) error {
	if !s.requireSudo(b, ctx) {
		return nil
	}
	return s.reply(ctx, b, s.blockedText())
}

func (s *Service) blockedText() string {
	words := s.corpus.Blocked()
	if len(words) == 0 {
		return "No blocked words."
	}
	return "Blocked words:\n" + strings.Join(words, "\n")
}

func (s *Service) addSudo(b *gotgbot.Bot, ctx *ext.Context) error {
	target, ok := s.sudoTarget(b, ctx, "/addsudo")
	if !ok {
		return nil
	}
	if s.access.IsSudo(target) {
		return s.reply(ctx, b, fmt.Sprintf("%d is already a sudo user.", target))
	}
	if err := s.access.AddSudo(context.Background(), userID(ctx), target); err != nil {
		if errors.Is(err, access.ErrForbidden) {
			return s.reply(ctx, b, "Only the owner can manage sudo users.")
		}
		s.logger.Error().Err(err).Int64("target", target).Msg("add sudo failed")
		return s.reply(ctx, b, "❌ Failed to add user to sudo.")
	}
	_ = s.audit(ctx.EffectiveChat.Id, userID(ctx), "sudo_add", map[string]any{"user_id": target})
	return s.reply(ctx, b, fmt.Sprintf("✅ Added %d to sudo users.", target))
}

func (s *Service) rmSudo(b *gotgbot.Bot, ctx *ext.Context) error {
	target, ok := s.sudoTarget(b, ctx, "/rmsudo")
	if !ok {
		return nil
	}
	if err := s.access.RemoveSudo(context.Background(), userID(ctx), target); err != nil {
		switch {
		case errors.Is(err, access.ErrForbidden):
			return s.reply(ctx, b, "Only the owner can manage sudo users.")
		case errors.Is(err, access.ErrNotFound):
			return s.reply(ctx, b, fmt.Sprintf("%d is not a sudo user.", target))
		}
		s.logger.Error().Err(err).Int64("target", target).Msg("remove sudo failed")
		return s.reply(ctx, b, "❌ Failed to remove user from sudo.")
	}
	_ = s.audit(ctx.EffectiveChat.Id, userID(ctx), "sudo_remove", map[string]any{"user_id": target})
	return s.reply(ctx, b, fmt.Sprintf("✅ Removed %d from sudo users.", target))
}

// sudoTarget reads the user id from the replied-to message or the first
// argument. Only the owner gets past it.
func (s *Service) sudoTarget(b *gotgbot.Bot, ctx *ext.Context, usage string) (int64, bool) {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return 0, false
	}
	if !s.access.IsOwner(ctx.EffectiveUser.Id) {
		_ = s.reply(ctx, b, "Only the owner can manage sudo users.")
		return 0, false
	}
	msg := ctx.EffectiveMessage
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
		return msg.ReplyToMessage.From.Id, true
	}
	arg, _ := splitFirstWord(commandRemainder(msg.GetText()))
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		_ = s.reply(ctx, b, "Usage: "+usage+" <user_id>, or reply to the user's message.")
		return 0, false
	}
	return id, true
}

func (s *Service) sudoList(b *gotgbot.Bot, ctx *ext.Context) error {
	if !s.requireSudo(b, ctx) {
		return nil
	}
	return s.reply(ctx, b, s.sudoListText())
}

func (s *Service) sudoListText() string {
	lines := []string{"👑 Owner:", fmt.Sprintf("➤ %d", s.access.OwnerID())}
	if ids := s.access.Sudoers(); len(ids) > 0 {
		lines = append(lines, "", "🔧 Sudo Users:")
		for _, id := range ids {
			lines = append(lines, fmt.Sprintf("➤ %d", id))
		}
	}
	return strings.Join(lines, "\n")
}
