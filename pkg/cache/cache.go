// Package cache 提供了按租户隔离的应答缓存与评估采样开关。
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store 定义了缓存操作的接口。
// 键总是以租户为命名空间，即使指纹相同也不会跨租户冲突。
type Store interface {
	// Get 按 (租户, 指纹) 查询缓存，未命中返回 (nil, nil)。
	Get(ctx context.Context, tenantID, fingerprint string) ([]byte, error)
	// Set 写入缓存并按 TTL 过期。
	Set(ctx context.Context, tenantID, fingerprint string, value []byte, ttl time.Duration) error
	// EvalSamplingEnabled 查询租户的评估影子采样开关。
	EvalSamplingEnabled(ctx context.Context, tenantID string) (bool, error)
	// SetEvalSampling 写入租户的评估影子采样开关。
	SetEvalSampling(ctx context.Context, tenantID string, enabled bool) error
}

// Fingerprint 计算查询文本的指纹：原始字节的 sha256。
// 不做任何归一化，同租户下逐字节相同的查询才会命中同一缓存项。
func Fingerprint(queryText string) string {
	sum := sha256.Sum256([]byte(queryText))
	return hex.EncodeToString(sum[:])
}

type redisStore struct {
	rdb *redis.Client
}

// NewRedisStore 创建一个基于 Redis 的缓存实现。
func NewRedisStore(rdb *redis.Client) Store {
	return &redisStore{rdb: rdb}
}

func cacheKey(tenantID, fingerprint string) string {
	return fmt.Sprintf("cache:%s:%s", tenantID, fingerprint)
}

func evalKey(tenantID string) string {
	return fmt.Sprintf("eval:%s", tenantID)
}

func (s *redisStore) Get(ctx context.Context, tenantID, fingerprint string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, cacheKey(tenantID, fingerprint)).Bytes()
	if err == redis.Nil {
		// 未命中不是错误
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return data, nil
}

func (s *redisStore) Set(ctx context.Context, tenantID, fingerprint string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, cacheKey(tenantID, fingerprint), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

func (s *redisStore) EvalSamplingEnabled(ctx context.Context, tenantID string) (bool, error) {
	val, err := s.rdb.Get(ctx, evalKey(tenantID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get eval sampling flag: %w", err)
	}
	return val == "true", nil
}

func (s *redisStore) SetEvalSampling(ctx context.Context, tenantID string, enabled bool) error {
	if !enabled {
		if err := s.rdb.Del(ctx, evalKey(tenantID)).Err(); err != nil {
			return fmt.Errorf("failed to clear eval sampling flag: %w", err)
		}
		return nil
	}
	if err := s.rdb.Set(ctx, evalKey(tenantID), "true", 0).Err(); err != nil {
		return fmt.Errorf("failed to set eval sampling flag: %w", err)
	}
	return nil
}
