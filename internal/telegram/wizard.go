package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const wizardStepToken = "token"

// cloneWizardState tracks a /clone started without a token; the next
// private text message is taken as the token.
type cloneWizardState struct {
	Step      string    `json:"step"`
	ChatID    int64     `json:"chat_id"`
	StartedAt time.Time `json:"started_at"`
}

type wizardStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func newWizardStore(rdb *redis.Client, ttl time.Duration) *wizardStore {
	return &wizardStore{redis: rdb, ttl: ttl}
}

func (w *wizardStore) key(userID int64) string {
	return fmt.Sprintf("clonehost:wizard:%d", userID)
}

func (w *wizardStore) Set(ctx context.Context, userID int64, state cloneWizardState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return w.redis.Set(ctx, w.key(userID), string(b), w.ttl).Err()
}

func (w *wizardStore) Get(ctx context.Context, userID int64) (*cloneWizardState, error) {
	raw, err := w.redis.Get(ctx, w.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state cloneWizardState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (w *wizardStore) Clear(ctx context.Context, userID int64) error {
	return w.redis.Del(ctx, w.key(userID)).Err()
}
