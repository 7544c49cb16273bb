package telegram

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog"
)

const laneCtxKey = "lane_ctx"

// orderedDispatcher feeds the updater's channel into per-chat lanes. The
// chat's slot is taken on the reading goroutine, so updates from one chat
// reach the handlers in the order getUpdates returned them.
type orderedDispatcher struct {
	dispatcher *ext.Dispatcher
	lanes      *lanes
	onErr      func(error)
	logger     zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

var _ ext.UpdateDispatcher = (*orderedDispatcher)(nil)

func newOrderedDispatcher(d *ext.Dispatcher, l *lanes, onErr func(error), logger zerolog.Logger) *orderedDispatcher {
	return &orderedDispatcher{
		dispatcher: d,
		lanes:      l,
		onErr:      onErr,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

func (o *orderedDispatcher) Start(b *gotgbot.Bot, updates <-chan json.RawMessage) {
	for {
		select {
		case <-o.stop:
			return
		case raw, ok := <-updates:
			if !ok {
				return
			}
			o.enqueue(b, raw)
		}
	}
}

// Stop ends the read loop. Queued updates are drained by lanes.Close.
func (o *orderedDispatcher) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
}

func (o *orderedDispatcher) enqueue(b *gotgbot.Bot, raw json.RawMessage) {
	var u gotgbot.Update
	if err := json.Unmarshal(raw, &u); err != nil {
		o.logger.Warn().Err(err).Msg("failed to decode update")
		return
	}
	o.lanes.Submit(updateChatID(&u), func(ctx context.Context) {
		err := o.dispatcher.ProcessUpdate(b, &u, map[string]any{laneCtxKey: ctx})
		if err != nil && o.onErr != nil {
			o.onErr(err)
		}
	})
}

// updateChatID picks the chat an update belongs to. Updates without a chat
// share lane 0.
func updateChatID(u *gotgbot.Update) int64 {
	switch {
	case u.Message != nil:
		return u.Message.Chat.Id
	case u.EditedMessage != nil:
		return u.EditedMessage.Chat.Id
	case u.ChannelPost != nil:
		return u.ChannelPost.Chat.Id
	case u.EditedChannelPost != nil:
		return u.EditedChannelPost.Chat.Id
	case u.CallbackQuery != nil && u.CallbackQuery.Message != nil:
		return u.CallbackQuery.Message.GetChat().Id
	case u.MyChatMember != nil:
		return u.MyChatMember.Chat.Id
	case u.ChatMember != nil:
		return u.ChatMember.Chat.Id
	case u.ChatJoinRequest != nil:
		return u.ChatJoinRequest.Chat.Id
	default:
		return 0
	}
}

// laneContext returns the context of the lane running the update.
func laneContext(ctx *ext.Context) context.Context {
	if lctx, ok := ctx.Data[laneCtxKey].(context.Context); ok {
		return lctx
	}
	return context.Background()
}
