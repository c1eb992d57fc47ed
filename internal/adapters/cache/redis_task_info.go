package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const taskInfoPrefix = "dd-task-info-"

// RedisTaskInfoStore is the built-in execution metadata channel: workers
// record fields, the gateway reads them when no external monitor is set.
type RedisTaskInfoStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisTaskInfoStore(client *redis.Client, ttl time.Duration) *RedisTaskInfoStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisTaskInfoStore{client: client, ttl: ttl}
}

func (s *RedisTaskInfoStore) RecordTaskInfo(ctx context.Context, taskID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		switch typed := v.(type) {
		case time.Time:
			values[k] = typed.UTC().Format(time.RFC3339Nano)
		case time.Duration:
			values[k] = typed.Seconds()
		default:
			values[k] = fmt.Sprint(typed)
		}
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, taskInfoPrefix+taskID, values)
		p.Expire(ctx, taskInfoPrefix+taskID, s.ttl)
		return nil
	})
	return err
}

func (s *RedisTaskInfoStore) TaskInfo(ctx context.Context, taskID string) (map[string]any, error) {
	data, err := s.client.HGetAll(ctx, taskInfoPrefix+taskID).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if v == "" {
			continue
		}
		out[k] = v
	}
	return out, nil
}
