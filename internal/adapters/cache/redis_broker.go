package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/viralforge/deferred-diffusion/internal/domain"
)

const (
	taskMetaPrefix       = "dd-task-meta-"
	taskDispatchedPrefix = "dd-task-dispatched-"
	taskRevokedPrefix    = "dd-task-revoked-"
	controlChannel       = "dd-control"
)

// setStateScript refuses to overwrite a terminal state.
var setStateScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if s == 'SUCCESS' or s == 'FAILURE' or s == 'REVOKED' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'state', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

type RedisBrokerConfig struct {
	ResultTTL     time.Duration
	DispatchGrace time.Duration
	RevokedTTL    time.Duration
}

// RedisBroker implements both sides of the task broker on Redis lists:
// the gateway pushes to the tail, workers pop from the head, so index 0 is
// the next job to run. Task state lives in one hash per task.
type RedisBroker struct {
	client *redis.Client
	cfg    RedisBrokerConfig
	logger *slog.Logger
}

func NewRedisBroker(client *redis.Client, cfg RedisBrokerConfig, logger *slog.Logger) *RedisBroker {
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if cfg.DispatchGrace <= 0 {
		cfg.DispatchGrace = 10 * time.Second
	}
	if cfg.RevokedTTL <= 0 {
		cfg.RevokedTTL = cfg.ResultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{
		client: client,
		cfg:    cfg,
		logger: logger.With("module", "adapters.cache.broker", "layer", "adapter"),
	}
}

func (b *RedisBroker) QueueLength(ctx context.Context, queue string) (int64, error) {
	return b.client.LLen(ctx, queue).Result()
}

func (b *RedisBroker) QueueEntries(ctx context.Context, queue string, limit int64) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = limit - 1
	}
	return b.client.LRange(ctx, queue, 0, stop).Result()
}

func (b *RedisBroker) Enqueue(ctx context.Context, envelope domain.TaskEnvelope) error {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode task envelope: %w", err)
	}
	state, err := json.Marshal(domain.TaskState{
		Status:   domain.TaskPending,
		TaskName: envelope.TaskName,
		Queue:    envelope.Queue,
	})
	if err != nil {
		return fmt.Errorf("encode task state: %w", err)
	}
	id := envelope.ID.String()
	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, taskMetaPrefix+id, "status", string(domain.TaskPending), "state", state)
		p.Expire(ctx, taskMetaPrefix+id, b.cfg.ResultTTL)
		p.Set(ctx, taskDispatchedPrefix+id, envelope.Queue, b.cfg.DispatchGrace)
		p.RPush(ctx, envelope.Queue, raw)
		return nil
	})
	return err
}

func (b *RedisBroker) State(ctx context.Context, taskID uuid.UUID) (domain.TaskState, error) {
	raw, err := b.client.HGet(ctx, taskMetaPrefix+taskID.String(), "state").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.TaskState{Status: domain.TaskPending}, nil
		}
		return domain.TaskState{}, err
	}
	var state domain.TaskState
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.TaskState{}, fmt.Errorf("decode task state: %w", err)
	}
	if !state.Status.Valid() {
		state.Status = domain.TaskPending
	}
	return state, nil
}

func (b *RedisBroker) Dispatched(ctx context.Context, taskID uuid.UUID) (bool, error) {
	n, err := b.client.Exists(ctx, taskDispatchedPrefix+taskID.String()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Revoke marks the task revoked, drops it from any queue it still sits in
// and tells the worker running it to stop. Ids without a state hash were
// never dispatched and get no record at all.
func (b *RedisBroker) Revoke(ctx context.Context, taskID uuid.UUID, queues []string) (bool, error) {
	id := taskID.String()
	exists, err := b.client.Exists(ctx, taskMetaPrefix+id).Result()
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}
	state, err := b.State(ctx, taskID)
	if err != nil {
		return false, err
	}
	if state.Status.IsTerminal() {
		return false, nil
	}
	if err := b.client.Set(ctx, taskRevokedPrefix+id, "1", b.cfg.RevokedTTL).Err(); err != nil {
		return false, err
	}
	now := time.Now().UTC()
	state.Status = domain.TaskRevoked
	state.FinishedAt = &now
	written, err := b.UpdateState(ctx, taskID, state)
	if err != nil {
		return false, err
	}
	if !written {
		return false, nil
	}
	for _, queue := range queues {
		entries, err := b.client.LRange(ctx, queue, 0, -1).Result()
		if err != nil {
			return false, err
		}
		for _, entry := range entries {
			if strings.Contains(entry, id) {
				if err := b.client.LRem(ctx, queue, 1, entry).Err(); err != nil {
					return false, err
				}
			}
		}
	}
	return true, b.client.Publish(ctx, controlChannel, id).Err()
}

// Pop blocks for up to timeout on the queues in the given order.
// It returns nil, nil when nothing arrived.
func (b *RedisBroker) Pop(ctx context.Context, queues []string, timeout time.Duration) (*domain.TaskEnvelope, error) {
	res, err := b.client.BLPop(ctx, timeout, queues...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected blpop reply of %d items", len(res))
	}
	var envelope domain.TaskEnvelope
	if err := json.Unmarshal([]byte(res[1]), &envelope); err != nil {
		b.logger.ErrorContext(ctx, "dropping undecodable task payload",
			"operation", "pop",
			"outcome", "failure",
			"queue", res[0],
			"error", err,
		)
		return nil, nil
	}
	if envelope.Queue == "" {
		envelope.Queue = res[0]
	}
	return &envelope, nil
}

func (b *RedisBroker) IsRevoked(ctx context.Context, taskID uuid.UUID) (bool, error) {
	n, err := b.client.Exists(ctx, taskRevokedPrefix+taskID.String()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *RedisBroker) UpdateState(ctx context.Context, taskID uuid.UUID, state domain.TaskState) (bool, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("encode task state: %w", err)
	}
	ttl := int64(b.cfg.ResultTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	written, err := setStateScript.Run(ctx, b.client, []string{taskMetaPrefix + taskID.String()}, string(state.Status), raw, ttl).Int()
	if err != nil {
		return false, err
	}
	return written == 1, nil
}

// Revocations streams revoked task ids published on the control channel.
// The returned func closes the subscription and the channel.
func (b *RedisBroker) Revocations(ctx context.Context) (<-chan uuid.UUID, func() error) {
	sub := b.client.Subscribe(ctx, controlChannel)
	out := make(chan uuid.UUID, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			id, err := uuid.Parse(msg.Payload)
			if err != nil {
				continue
			}
			select {
			case out <- id:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sub.Close
}
