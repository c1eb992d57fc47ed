package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/viralforge/deferred-diffusion/internal/domain"
)

const (
	apiKeyPrefix     = "DDIFFUSION_API_KEY:"
	apiKeyNamePrefix = "DDIFFUSION_API_KEY_NAME:"
)

// RedisKeyStore keeps one hash per API key plus a name index that makes
// name uniqueness atomic across gateway replicas.
type RedisKeyStore struct {
	client *redis.Client
}

func NewRedisKeyStore(client *redis.Client) *RedisKeyStore {
	return &RedisKeyStore{client: client}
}

func (s *RedisKeyStore) Create(ctx context.Context, record domain.APIKeyRecord) error {
	claimed, err := s.client.SetNX(ctx, apiKeyNamePrefix+record.Name, record.KeyID, 0).Result()
	if err != nil {
		return fmt.Errorf("claim key name: %w", err)
	}
	if !claimed {
		return domain.ErrDuplicateName
	}
	err = s.client.HSet(ctx, apiKeyPrefix+record.KeyID, map[string]any{
		"name":       record.Name,
		"hash":       record.SecretHash,
		"salt":       record.Salt,
		"created_at": record.CreatedAt.UTC().Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		_ = s.client.Del(ctx, apiKeyNamePrefix+record.Name).Err()
		return fmt.Errorf("store key record: %w", err)
	}
	return nil
}

func (s *RedisKeyStore) Get(ctx context.Context, keyID string) (*domain.APIKeyRecord, error) {
	data, err := s.client.HGetAll(ctx, apiKeyPrefix+keyID).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	record := recordFromHash(keyID, data)
	return &record, nil
}

func (s *RedisKeyStore) List(ctx context.Context) ([]domain.APIKeyRecord, error) {
	var out []domain.APIKeyRecord
	iter := s.client.Scan(ctx, 0, apiKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()
		data, err := s.client.HGetAll(ctx, redisKey).Result()
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}
		out = append(out, recordFromHash(redisKey[len(apiKeyPrefix):], data))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *RedisKeyStore) Delete(ctx context.Context, keyID string) (bool, error) {
	name, err := s.client.HGet(ctx, apiKeyPrefix+keyID, "name").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	var removed *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		removed = p.Del(ctx, apiKeyPrefix+keyID)
		p.Del(ctx, apiKeyNamePrefix+name)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func recordFromHash(keyID string, data map[string]string) domain.APIKeyRecord {
	record := domain.APIKeyRecord{
		KeyID:      keyID,
		Name:       data["name"],
		Salt:       data["salt"],
		SecretHash: data["hash"],
	}
	if raw := data["created_at"]; raw != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			record.CreatedAt = parsed.UTC()
		}
	}
	return record
}
