package telegram

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

const defaultLaneDepth = 64

type job func(ctx context.Context)

type lane struct {
	pending []job
}

// lanes runs handlers in arrival order per chat while different chats run
// concurrently. A chat's goroutine exits as soon as its queue is empty.
type lanes struct {
	logger zerolog.Logger
	depth  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[int64]*lane
	closed bool
}

func newLanes(depth int, logger zerolog.Logger) *lanes {
	if depth <= 0 {
		depth = defaultLaneDepth
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &lanes{
		logger: logger,
		depth:  depth,
		ctx:    ctx,
		cancel: cancel,
		active: make(map[int64]*lane),
	}
}

// Submit queues fn behind the chat's earlier work. It reports false when the
// lanes are closed or the chat's queue is full.
func (l *lanes) Submit(chatID int64, fn job) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	if ln, ok := l.active[chatID]; ok {
		if len(ln.pending) >= l.depth {
			l.mu.Unlock()
			l.logger.Warn().Int64("chat_id", chatID).Msg("chat lane is full, dropping message")
			return false
		}
		ln.pending = append(ln.pending, fn)
		l.mu.Unlock()
		return true
	}
	ln := &lane{}
	l.active[chatID] = ln
	l.wg.Add(1)
	l.mu.Unlock()

	go l.run(chatID, ln, fn)
	return true
}

func (l *lanes) run(chatID int64, ln *lane, fn job) {
	defer l.wg.Done()
	for {
		l.exec(chatID, fn)

		l.mu.Lock()
		if len(ln.pending) == 0 || l.ctx.Err() != nil {
			delete(l.active, chatID)
			l.mu.Unlock()
			return
		}
		fn = ln.pending[0]
		ln.pending[0] = nil
		ln.pending = ln.pending[1:]
		l.mu.Unlock()
	}
}

func (l *lanes) exec(chatID int64, fn job) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Int64("chat_id", chatID).Interface("panic", r).Msg("chat handler panicked")
		}
	}()
	fn(l.ctx)
}

// Close refuses new work and waits for queued handlers. When ctx ends first
// the handler context is cancelled, queued work is dropped and ctx's error
// is returned.
func (l *lanes) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.cancel()
		return nil
	case <-ctx.Done():
		l.cancel()
		return ctx.Err()
	}
}

func (l *lanes) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}
