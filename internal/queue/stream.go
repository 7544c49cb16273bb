package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

const payloadField = "payload"

var ErrBadPayload = errors.New("undecodable lifecycle payload")

// LifecycleJob asks the worker to start or stop one clone instance.
type LifecycleJob struct {
	JobID       string    `json:"job_id"`
	Action      Action    `json:"action"`
	InstanceID  string    `json:"instance_id"`
	RequestedBy int64     `json:"requested_by"`
	ChatID      int64     `json:"chat_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

func (j LifecycleJob) validate() error {
	switch j.Action {
	case ActionStart, ActionStop:
	default:
		return fmt.Errorf("unknown action %q", j.Action)
	}
	if strings.TrimSpace(j.InstanceID) == "" {
		return errors.New("instance id is required")
	}
	return nil
}

// Message is one delivered stream entry. Err is set when the entry could
// not be decoded; such entries still have to be acked.
type Message struct {
	ID  string
	Job LifecycleJob
	Err error
}

// StreamQueue is a redis stream consumed through one consumer group, so each
// job is handed to exactly one supervisor process.
type StreamQueue struct {
	redis    *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

func NewStreamQueue(rdb *redis.Client, stream, group, consumer string, block time.Duration) *StreamQueue {
	return &StreamQueue{
		redis:    rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
	}
}

// EnsureGroup creates the consumer group at the stream tail. Jobs enqueued
// before the group exists are not delivered.
func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil {
		return errors.New("queue is nil")
	}
	err := q.redis.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create stream group: %w", err)
	}
	return nil
}

func (q *StreamQueue) Enqueue(ctx context.Context, job LifecycleJob) (string, error) {
	if err := job.validate(); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	if strings.TrimSpace(job.JobID) == "" {
		job.JobID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	id, err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// Read blocks up to the configured block duration for new jobs.
func (q *StreamQueue) Read(ctx context.Context, count int64) ([]Message, error) {
	res, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    q.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var out []Message
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, decodeMessage(m))
		}
	}
	return out, nil
}

// Reclaim takes over jobs that another consumer read but never acked for at
// least minIdle, typically because its process died mid-job.
func (q *StreamQueue) Reclaim(ctx context.Context, minIdle time.Duration, count int64) ([]Message, error) {
	msgs, _, err := q.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, decodeMessage(m))
	}
	return out, nil
}

// Ack acknowledges and deletes the entry in one round trip.
func (q *StreamQueue) Ack(ctx context.Context, messageID string) error {
	_, err := q.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAck(ctx, q.stream, q.group, messageID)
		p.XDel(ctx, q.stream, messageID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", messageID, err)
	}
	return nil
}

func (q *StreamQueue) Consumer() string {
	return q.consumer
}

func decodeMessage(m redis.XMessage) Message {
	msg := Message{ID: m.ID}

	var b []byte
	switch v := m.Values[payloadField].(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		msg.Err = ErrBadPayload
		return msg
	}
	if err := json.Unmarshal(b, &msg.Job); err != nil {
		msg.Err = fmt.Errorf("%w: %v", ErrBadPayload, err)
		return msg
	}
	if err := msg.Job.validate(); err != nil {
		msg.Err = fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return msg
}
