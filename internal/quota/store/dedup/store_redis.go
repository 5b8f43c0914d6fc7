package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"scanmeter/internal/quota/models"
)

const keyPrefix = "scanmeter:dedup:"

// RedisStore is the production durable tier for the dedup cache. Redis TTLs
// line up with the dedup window, so stale subjects age out server-side and the
// window survives process restarts.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedis constructs a Redis-backed dedup store.
func NewRedis(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, record *models.SubjectScanRecord, ttl time.Duration) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal subject record: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+record.SubjectKey, payload, ttl).Err(); err != nil {
		return fmt.Errorf("put subject record: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, subjectKey string) (*models.SubjectScanRecord, error) {
	payload, err := s.client.Get(ctx, keyPrefix+subjectKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get subject record: %w", err)
	}
	var record models.SubjectScanRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("unmarshal subject record: %w", err)
	}
	return &record, nil
}

func (s *RedisStore) Delete(ctx context.Context, subjectKey string) error {
	if err := s.client.Del(ctx, keyPrefix+subjectKey).Err(); err != nil {
		return fmt.Errorf("delete subject record: %w", err)
	}
	return nil
}
