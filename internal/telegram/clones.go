package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"clonehost/internal/queue"
	"clonehost/internal/registry"
	"clonehost/internal/supervisor"
)

func (s *Service) clone(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	if ctx.EffectiveChat.Type != "private" {
		return s.reply(ctx, b, "Send /clone in a private chat with me. Never post bot tokens in groups.")
	}
	token := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if token == "" {
		state := cloneWizardState{Step: wizardStepToken, ChatID: ctx.EffectiveChat.Id, StartedAt: s.now()}
		if err := s.wizard.Set(context.Background(), ctx.EffectiveUser.Id, state); err != nil {
			s.logger.Error().Err(err).Msg("wizard start failed")
			return s.reply(ctx, b, "Failed to start the clone wizard.")
		}
		return s.reply(ctx, b, "Send me the bot token from @BotFather, or /cancel.")
	}
	return s.reply(ctx, b, s.registerClone(context.Background(), ctx.EffectiveUser.Id, ctx.EffectiveChat.Id, token))
}

func (s *Service) cancelWizard(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveChat.Type != "private" {
		return nil
	}
	if err := s.wizard.Clear(context.Background(), ctx.EffectiveUser.Id); err != nil {
		return s.reply(ctx, b, "Failed to cancel the wizard right now.")
	}
	return s.reply(ctx, b, "Wizard canceled.")
}

// privateText completes a pending clone wizard. Without one the message is
// left to the chat engine.
func (s *Service) privateText(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	text := strings.TrimSpace(ctx.EffectiveMessage.GetText())
	if text == "" || strings.HasPrefix(text, "/") {
		return nil
	}

	state, err := s.wizard.Get(context.Background(), ctx.EffectiveUser.Id)
	if err != nil {
		s.logger.Error().Err(err).Msg("wizard load failed")
		return nil
	}
	if state == nil || state.Step != wizardStepToken {
		return nil
	}
	// The message is a bot token from here on and must never reach the
	// chat engine, whatever happens to the reply.
	_ = s.wizard.Clear(context.Background(), ctx.EffectiveUser.Id)
	if err := s.reply(ctx, b, s.registerClone(context.Background(), ctx.EffectiveUser.Id, ctx.EffectiveChat.Id, text)); err != nil {
		s.logger.Warn().Err(err).Int64("user_id", ctx.EffectiveUser.Id).Msg("failed to answer clone wizard")
	}
	return ext.EndGroups
}

// registerClone validates and stores a clone credential, then queues its
// start. The returned text is the reply to the owner.
func (s *Service) registerClone(ctx context.Context, ownerID, chatID int64, token string) string {
	instanceID, err := registry.InstanceIDFromToken(token)
	if err != nil {
		return "That doesn't look like a bot token. It should look like 123456:ABC-DEF..."
	}
	if _, ok := s.reserved[instanceID]; ok {
		return "This bot is already hosted here."
	}
	if rec, err := s.registry.Get(instanceID); err == nil && rec.OwnerID != ownerID {
		return "This bot is already hosted by another user."
	}

	if s.cloneLimiter != nil {
		ok, _, resetAt, err := s.cloneLimiter.Allow(ctx, strconv.FormatInt(ownerID, 10), s.now())
		if err != nil {
			s.logger.Error().Err(err).Msg("clone rate limiter failed")
		} else if !ok {
			return "Clone limit reached. Try again after " + resetAt.Format("15:04 UTC")
		}
	}

	switch err := s.registry.Claim(ctx, instanceID, ownerID, token); {
	case errors.Is(err, registry.ErrOwnedByOther):
		return "This bot is already hosted by another user."
	case errors.Is(err, registry.ErrTokenMismatch):
		return fmt.Sprintf("Clone %s is already registered. Delete it with /delclone %s before adding a new token.", instanceID, instanceID)
	case err != nil:
		s.logger.Error().Err(err).Str("instance_id", instanceID).Msg("register clone failed")
		return "Failed to save the clone. Please try again."
	}
	_ = s.audit(chatID, ownerID, "clone_add", map[string]any{"instance_id": instanceID})

	if _, err := s.queue.Enqueue(ctx, queue.LifecycleJob{
		Action:      queue.ActionStart,
		InstanceID:  instanceID,
		RequestedBy: ownerID,
		ChatID:      chatID,
	}); err != nil {
		s.logger.Error().Err(err).Str("instance_id", instanceID).Msg("failed to enqueue clone start")
		return "Clone saved, but it could not be started right now. It will start on the next restart."
	}
	return fmt.Sprintf("Clone %s registered. Starting it now, I'll message you when it's up.", instanceID)
}

func (s *Service) delClone(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	instanceID, _ := splitFirstWord(commandRemainder(ctx.EffectiveMessage.GetText()))
	if instanceID == "" {
		return s.reply(ctx, b, "Usage: /delclone <bot_id>")
	}
	return s.reply(ctx, b, s.removeClone(context.Background(), ctx.EffectiveUser.Id, ctx.EffectiveChat.Id, instanceID))
}

// removeClone deletes the credential first so no restart can revive the
// instance, then queues the stop.
func (s *Service) removeClone(ctx context.Context, actorID, chatID int64, instanceID string) string {
	owner, err := s.registry.OwnerOf(instanceID)
	if errors.Is(err, registry.ErrNotFound) {
		return "No clone with that id."
	}
	if owner != actorID && !s.access.IsSudo(actorID) {
		return "You can only delete your own clones."
	}
	if err := s.registry.Remove(ctx, instanceID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return "No clone with that id."
		}
		s.logger.Error().Err(err).Str("instance_id", instanceID).Msg("remove clone failed")
		return "Failed to delete the clone. Please try again."
	}
	_ = s.audit(chatID, actorID, "clone_del", map[string]any{"instance_id": instanceID, "owner_id": owner})

	if _, err := s.queue.Enqueue(ctx, queue.LifecycleJob{
		Action:      queue.ActionStop,
		InstanceID:  instanceID,
		RequestedBy: actorID,
		ChatID:      chatID,
	}); err != nil {
		s.logger.Error().Err(err).Str("instance_id", instanceID).Msg("failed to enqueue clone stop")
		return "Clone deleted. It keeps running until the next restart."
	}
	return fmt.Sprintf("Clone %s deleted and is being stopped.", instanceID)
}

func (s *Service) myClones(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	return s.reply(ctx, b, s.ownClonesText(ctx.EffectiveUser.Id))
}

func (s *Service) ownClonesText(ownerID int64) string {
	records := s.registry.OwnedBy(ownerID)
	if len(records) == 0 {
		return "You have no clones. Use /clone <bot_token> to create one."
	}
	lines := []string{"Your clones:"}
	for _, rec := range records {
		status := supervisor.StatusStopped
		if s.instances != nil {
			if st, ok := s.instances.Status(rec.InstanceID); ok {
				status = st
			}
		}
		lines = append(lines, fmt.Sprintf("- %s %s", rec.InstanceID, status))
	}
	return strings.Join(lines, "\n")
}

func (s *Service) clones(b *gotgbot.Bot, ctx *ext.Context) error {
	if !s.requireSudo(b, ctx) {
		return nil
	}
	return s.reply(ctx, b, s.instancesText())
}

func (s *Service) instancesText() string {
	if s.instances == nil {
		return "No instances."
	}
	snap := s.instances.Snapshot()
	if len(snap) == 0 {
		return "No instances."
	}
	lines := []string{fmt.Sprintf("Instances (%d registered clones):", s.registry.Len())}
	for _, info := range snap {
		lines = append(lines, instanceLine(info))
	}
	return strings.Join(lines, "\n")
}

func (s *Service) restartClones(b *gotgbot.Bot, ctx *ext.Context) error {
	if !s.requireSudo(b, ctx) {
		return nil
	}
	if s.instances == nil {
		return s.reply(ctx, b, "Instances are not available.")
	}
	_ = s.reply(ctx, b, "Restarting clones that are not running...")

	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	report, err := s.instances.RestartBots(rctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("restart clones failed")
		return s.reply(ctx, b, "Failed to list clones.")
	}
	_ = s.audit(ctx.EffectiveChat.Id, userID(ctx), "restart_clones", map[string]any{
		"started": report.Started,
		"failed":  len(report.Failed),
	})
	return s.reply(ctx, b, reportText("Restart finished.", report))
}
