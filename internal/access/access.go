// Package access decides who may run administrative commands: the configured
// owner plus the persisted sudoers.
package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"clonehost/internal/storage"
)

var (
	ErrForbidden = errors.New("forbidden")
	ErrNotFound  = errors.New("sudoer not found")
)

type Store interface {
	AddSudoer(ctx context.Context, userID, addedBy int64) error
	DeleteSudoer(ctx context.Context, userID int64) error
	ListSudoers(ctx context.Context) ([]storage.Sudoer, error)
}

type Access struct {
	ownerID int64
	store   Store

	writeMu sync.Mutex

	mu      sync.RWMutex
	sudoers map[int64]struct{}
}

func New(ownerID int64, store Store) *Access {
	return &Access{
		ownerID: ownerID,
		store:   store,
		sudoers: make(map[int64]struct{}),
	}
}

func (a *Access) Load(ctx context.Context) error {
	list, err := a.store.ListSudoers(ctx)
	if err != nil {
		return fmt.Errorf("load sudoers: %w", err)
	}
	next := make(map[int64]struct{}, len(list))
	for _, s := range list {
		next[s.UserID] = struct{}{}
	}
	a.mu.Lock()
	a.sudoers = next
	a.mu.Unlock()
	return nil
}

func (a *Access) OwnerID() int64 { return a.ownerID }

func (a *Access) IsOwner(userID int64) bool { return userID == a.ownerID }

func (a *Access) IsSudo(userID int64) bool {
	if a.IsOwner(userID) {
		return true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.sudoers[userID]
	return ok
}

// RequireSudo returns ErrForbidden unless userID is the owner or a sudoer.
func (a *Access) RequireSudo(userID int64) error {
	if !a.IsSudo(userID) {
		return ErrForbidden
	}
	return nil
}

// AddSudo grants sudo to userID. Only the owner may call it.
func (a *Access) AddSudo(ctx context.Context, actorID, userID int64) error {
	if !a.IsOwner(actorID) {
		return ErrForbidden
	}
	if userID <= 0 || a.IsOwner(userID) {
		return fmt.Errorf("add sudoer: invalid user id %d", userID)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.store.AddSudoer(ctx, userID, actorID); err != nil {
		return fmt.Errorf("add sudoer: %w", err)
	}
	a.mu.Lock()
	a.sudoers[userID] = struct{}{}
	a.mu.Unlock()
	return nil
}

func (a *Access) RemoveSudo(ctx context.Context, actorID, userID int64) error {
	if !a.IsOwner(actorID) {
		return ErrForbidden
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.store.DeleteSudoer(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("remove sudoer: %w", err)
	}
	a.mu.Lock()
	delete(a.sudoers, userID)
	a.mu.Unlock()
	return nil
}

func (a *Access) Sudoers() []int64 {
	a.mu.RLock()
	out := make([]int64, 0, len(a.sudoers))
	for id := range a.sudoers {
		out = append(out, id)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
