// Package worker executes lifecycle jobs from the redis stream against the
// supervisor and tells the requester how it went.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"clonehost/internal/metrics"
	"clonehost/internal/queue"
	"clonehost/internal/registry"
	"clonehost/internal/supervisor"
)

type Registry interface {
	Get(instanceID string) (registry.Record, error)
}

type Supervisor interface {
	StartOne(ctx context.Context, cred supervisor.Credential) error
	StopOne(ctx context.Context, instanceID string) error
}

type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

// staleAfter is how long a job may sit unacked in another consumer's
// pending list before this process takes it over.
const staleAfter = 2 * time.Minute

type Worker struct {
	queue      *queue.StreamQueue
	registry   Registry
	supervisor Supervisor
	notifier   Notifier
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

type Config struct {
	Queue      *queue.StreamQueue
	Registry   Registry
	Supervisor Supervisor
	// Notifier is optional.
	Notifier Notifier
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Worker{
		queue:      cfg.Queue,
		registry:   cfg.Registry,
		supervisor: cfg.Supervisor,
		notifier:   cfg.Notifier,
		logger:     cfg.Logger.With().Str("component", "worker").Logger(),
		metrics:    m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}
	w.reclaim(ctx)

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// consumeLoop acknowledges every job after one attempt. A failed start is
// reported to the requester and never re-enqueued.
func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

// reclaim runs jobs left pending by a consumer that died before acking.
func (w *Worker) reclaim(ctx context.Context) {
	messages, err := w.queue.Reclaim(ctx, staleAfter, 100)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to reclaim stale jobs")
		return
	}
	for _, msg := range messages {
		w.handle(ctx, w.logger, msg)
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	result := "invalid"
	if msg.Err != nil {
		log.Warn().Err(msg.Err).Str("msg_id", msg.ID).Msg("dropping undecodable lifecycle job")
	} else {
		result = w.Process(ctx, msg.Job)
		log.Info().
			Str("job_id", msg.Job.JobID).
			Str("action", string(msg.Job.Action)).
			Str("instance_id", msg.Job.InstanceID).
			Str("result", result).
			Msg("lifecycle job done")
	}
	w.metrics.LifecycleJobs.WithLabelValues(result).Inc()
	if err := w.queue.Ack(ctx, msg.ID); err != nil {
		log.Error().Err(err).Str("msg_id", msg.ID).Msg("failed to ack message")
	}
}

// Process runs one job and returns its result label.
func (w *Worker) Process(ctx context.Context, job queue.LifecycleJob) string {
	switch job.Action {
	case queue.ActionStart:
		return w.start(ctx, job)
	case queue.ActionStop:
		return w.stop(ctx, job)
	default:
		w.logger.Warn().Str("action", string(job.Action)).Msg("unknown lifecycle action")
		return "invalid"
	}
}

func (w *Worker) start(ctx context.Context, job queue.LifecycleJob) string {
	rec, err := w.registry.Get(job.InstanceID)
	if errors.Is(err, registry.ErrNotFound) {
		w.notify(ctx, job, fmt.Sprintf("Clone %s is no longer registered.", job.InstanceID))
		return "missing"
	}
	if err != nil {
		w.notify(ctx, job, fmt.Sprintf("❌ Clone %s could not be loaded.", job.InstanceID))
		return "failed"
	}
	if rec.OpenErr != nil {
		w.notify(ctx, job, fmt.Sprintf("❌ Clone %s has an unreadable token. Delete and add it again.", job.InstanceID))
		return "failed"
	}

	err = w.supervisor.StartOne(ctx, supervisor.Credential{
		InstanceID: rec.InstanceID,
		OwnerID:    rec.OwnerID,
		Token:      rec.BotToken,
		Kind:       supervisor.KindClone,
	})
	switch {
	case err == nil:
		w.notify(ctx, job, fmt.Sprintf("✅ Clone %s is up and running.", job.InstanceID))
		return "started"
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		w.notify(ctx, job, fmt.Sprintf("Clone %s is already running.", job.InstanceID))
		return "already_running"
	default:
		w.notify(ctx, job, fmt.Sprintf("❌ Clone %s failed to start: %v", job.InstanceID, err))
		return "failed"
	}
}

func (w *Worker) stop(ctx context.Context, job queue.LifecycleJob) string {
	err := w.supervisor.StopOne(ctx, job.InstanceID)
	switch {
	case err == nil:
		w.notify(ctx, job, fmt.Sprintf("Clone %s stopped.", job.InstanceID))
		return "stopped"
	case errors.Is(err, supervisor.ErrNotRunning):
		return "not_running"
	default:
		w.logger.Warn().Err(err).Str("instance_id", job.InstanceID).Msg("clone stopped with drain error")
		w.notify(ctx, job, fmt.Sprintf("Clone %s stopped.", job.InstanceID))
		return "stopped_unclean"
	}
}

func (w *Worker) notify(ctx context.Context, job queue.LifecycleJob, text string) {
	if w.notifier == nil {
		return
	}
	chatID := job.ChatID
	if chatID == 0 {
		chatID = job.RequestedBy
	}
	if chatID == 0 {
		return
	}
	if err := w.notifier.Notify(ctx, chatID, text); err != nil {
		w.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to notify requester")
	}
}
