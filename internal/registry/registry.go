// Package registry keeps clone bot credentials: the persisted credentials
// collection plus an in-process mirror that is only updated after the store
// confirms a write.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"clonehost/internal/keylock"
	"clonehost/internal/storage"
)

var (
	ErrNotFound       = errors.New("credential not found")
	ErrPersistFailure = errors.New("credential store failure")
	ErrInvalidToken   = errors.New("invalid bot token")
	ErrOwnedByOther   = errors.New("credential belongs to another owner")
	// ErrTokenMismatch rejects a new token for a registered instance; the old
	// one may still be in use by a live session.
	ErrTokenMismatch = errors.New("instance already registered with a different token")
)

type Record struct {
	InstanceID string
	OwnerID    int64
	BotToken   string
	// OpenErr is set when the stored token could not be unsealed. Such
	// records are still listed so callers can report them.
	OpenErr error
}

type Store interface {
	UpsertCredential(ctx context.Context, c storage.Credential) error
	DeleteCredential(ctx context.Context, instanceID string) error
	ListCredentials(ctx context.Context) ([]storage.Credential, error)
}

type Sealer interface {
	Seal(instanceID, token string) (string, error)
	Open(instanceID, sealed string) (string, error)
	Stale(sealed string) bool
}

type Registry struct {
	store  Store
	sealer Sealer
	logger zerolog.Logger

	keys *keylock.Locks[string]

	mu     sync.RWMutex
	mirror map[string]Record
	// seq numbers every mirror write; written remembers the last number per
	// id, removals included, so ListAll can tell which rows went stale while
	// it was reading.
	seq     uint64
	written map[string]uint64
}

type Config struct {
	Store  Store
	Sealer Sealer
	Logger zerolog.Logger
}

func New(cfg Config) *Registry {
	return &Registry{
		store:  cfg.Store,
		sealer: cfg.Sealer,
		logger: cfg.Logger.With().Str("component", "registry").Logger(),
		keys:   keylock.New[string](),
		mirror:  make(map[string]Record),
		written: make(map[string]uint64),
	}
}

// InstanceIDFromToken extracts the bot id prefix of a "<id>:<secret>" token.
func InstanceIDFromToken(token string) (string, error) {
	id, secret, ok := strings.Cut(strings.TrimSpace(token), ":")
	if !ok || id == "" || secret == "" {
		return "", ErrInvalidToken
	}
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return "", ErrInvalidToken
	}
	return id, nil
}

// Put upserts a credential. The mirror reflects the record only once the
// store has accepted it; concurrent writes to the same id are serialized.
func (r *Registry) Put(ctx context.Context, instanceID string, ownerID int64, botToken string) error {
	if err := validate(instanceID, ownerID, botToken); err != nil {
		return err
	}
	unlock := r.keys.Lock(instanceID)
	defer unlock()
	return r.putLocked(ctx, instanceID, ownerID, botToken)
}

// Claim registers a credential for ownerID unless the id is already held.
// Re-claiming with the same owner and token is a no-op success.
func (r *Registry) Claim(ctx context.Context, instanceID string, ownerID int64, botToken string) error {
	if err := validate(instanceID, ownerID, botToken); err != nil {
		return err
	}
	unlock := r.keys.Lock(instanceID)
	defer unlock()

	if cur, err := r.Get(instanceID); err == nil {
		switch {
		case cur.OwnerID != ownerID:
			return ErrOwnedByOther
		case cur.BotToken != botToken:
			return ErrTokenMismatch
		default:
			return nil
		}
	}
	return r.putLocked(ctx, instanceID, ownerID, botToken)
}

func validate(instanceID string, ownerID int64, botToken string) error {
	if strings.TrimSpace(instanceID) == "" || strings.TrimSpace(botToken) == "" || ownerID <= 0 {
		return fmt.Errorf("put credential: instance id, owner and token are required")
	}
	return nil
}

// putLocked requires the key lock for instanceID.
func (r *Registry) putLocked(ctx context.Context, instanceID string, ownerID int64, botToken string) error {
	sealed, err := r.sealer.Seal(instanceID, botToken)
	if err != nil {
		return fmt.Errorf("%w: seal token: %w", ErrPersistFailure, err)
	}
	if err := r.store.UpsertCredential(ctx, storage.Credential{
		InstanceID:  instanceID,
		OwnerID:     ownerID,
		EncBotToken: sealed,
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistFailure, err)
	}
	r.write(Record{InstanceID: instanceID, OwnerID: ownerID, BotToken: botToken})
	return nil
}

func (r *Registry) Remove(ctx context.Context, instanceID string) error {
	unlock := r.keys.Lock(instanceID)
	defer unlock()

	err := r.store.DeleteCredential(ctx, instanceID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrPersistFailure, err)
	}
	r.drop(instanceID)
	if err != nil {
		return ErrNotFound
	}
	return nil
}

func (r *Registry) write(rec Record) {
	r.mu.Lock()
	r.seq++
	r.written[rec.InstanceID] = r.seq
	r.mirror[rec.InstanceID] = rec
	r.mu.Unlock()
}

func (r *Registry) drop(instanceID string) {
	r.mu.Lock()
	r.seq++
	r.written[instanceID] = r.seq
	delete(r.mirror, instanceID)
	r.mu.Unlock()
}

// changedSince reports whether instanceID was written after mark.
func (r *Registry) changedSince(instanceID string, mark uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.written[instanceID] > mark
}

// ListAll reads the persisted collection in a single query and merges it into
// the mirror. A Put or Remove that lands while the query runs wins over the
// row it returned. Tokens sealed with a retired key are resealed on the way.
func (r *Registry) ListAll(ctx context.Context) ([]Record, error) {
	r.mu.RLock()
	mark := r.seq
	r.mu.RUnlock()

	rows, err := r.store.ListCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistFailure, err)
	}

	seen := make(map[string]struct{}, len(rows))
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		seen[row.InstanceID] = struct{}{}
		if rec, ok := r.merge(ctx, row, mark); ok {
			out = append(out, rec)
		}
	}

	r.mu.RLock()
	var gone []string
	for id := range r.mirror {
		if _, ok := seen[id]; !ok {
			gone = append(gone, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range gone {
		unlock := r.keys.Lock(id)
		if !r.changedSince(id, mark) {
			r.mu.Lock()
			delete(r.mirror, id)
			r.mu.Unlock()
		} else if rec, err := r.Get(id); err == nil {
			out = append(out, rec)
		}
		unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

// merge applies one listed row under its key lock. When the id was written
// after mark the mirror is already newer than the row and is returned
// instead; ok is false when that write removed the id.
func (r *Registry) merge(ctx context.Context, row storage.Credential, mark uint64) (Record, bool) {
	unlock := r.keys.Lock(row.InstanceID)
	defer unlock()

	if r.changedSince(row.InstanceID, mark) {
		rec, err := r.Get(row.InstanceID)
		return rec, err == nil
	}

	rec := Record{InstanceID: row.InstanceID, OwnerID: row.OwnerID}
	token, err := r.sealer.Open(row.InstanceID, row.EncBotToken)
	if err != nil {
		rec.OpenErr = fmt.Errorf("unseal token: %w", err)
		r.logger.Error().Err(err).Str("instance_id", row.InstanceID).Msg("failed to unseal bot token")
	} else {
		rec.BotToken = token
		if r.sealer.Stale(row.EncBotToken) {
			r.reseal(ctx, rec)
		}
	}

	r.mu.Lock()
	r.mirror[rec.InstanceID] = rec
	r.mu.Unlock()
	return rec, true
}

// reseal requires the key lock for rec.InstanceID.
func (r *Registry) reseal(ctx context.Context, rec Record) {
	sealed, err := r.sealer.Seal(rec.InstanceID, rec.BotToken)
	if err == nil {
		err = r.store.UpsertCredential(ctx, storage.Credential{
			InstanceID:  rec.InstanceID,
			OwnerID:     rec.OwnerID,
			EncBotToken: sealed,
		})
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("instance_id", rec.InstanceID).Msg("failed to reseal bot token")
		return
	}
	r.logger.Info().Str("instance_id", rec.InstanceID).Msg("bot token resealed with current key")
}

func (r *Registry) OwnerOf(instanceID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.mirror[instanceID]
	if !ok {
		return 0, ErrNotFound
	}
	return rec.OwnerID, nil
}

func (r *Registry) Get(instanceID string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.mirror[instanceID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// OwnedBy lists mirrored records of one owner ordered by instance id.
func (r *Registry) OwnedBy(ownerID int64) []Record {
	r.mu.RLock()
	out := make([]Record, 0)
	for _, rec := range r.mirror {
		if rec.OwnerID == ownerID {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mirror)
}
