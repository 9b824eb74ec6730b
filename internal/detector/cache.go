package detector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	ierrors "github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/errors"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/metrics"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

const (
	defaultCacheSize = 10000
	defaultRedisTTL  = 24 * time.Hour
	redisKeyPrefix   = "indexer:kind:"
)

// SharedCache 进程间共享的二级缓存
type SharedCache interface {
	Get(ctx context.Context, key string) (models.TokenKind, bool, error)
	Set(ctx context.Context, key string, kind models.TokenKind) error
}

// Cache 带记忆的探测器，只缓存 ERC721 / ERC1155，UNKNOWN 永不缓存
type Cache struct {
	detector *Detector
	local    *lru.Cache[string, models.TokenKind]
	shared   SharedCache
	logger   *logrus.Logger
}

// NewCache 创建缓存。shared 为 nil 时只使用进程内 LRU
func NewCache(detector *Detector, size int, shared SharedCache, logger *logrus.Logger) (*Cache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	local, err := lru.New[string, models.TokenKind](size)
	if err != nil {
		return nil, fmt.Errorf("创建 LRU 缓存失败: %w", err)
	}
	return &Cache{detector: detector, local: local, shared: shared, logger: logger}, nil
}

func cacheKey(chainID uint64, address string) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToLower(address))
}

// DetectWithCache 命中缓存直接返回，否则探测并缓存正向结果
func (c *Cache) DetectWithCache(ctx context.Context, chainID uint64, address string) models.TokenKind {
	key := cacheKey(chainID, address)
	if kind, ok := c.local.Get(key); ok {
		metrics.DetectorLookups.WithLabelValues("local", string(kind)).Inc()
		return kind
	}

	if c.shared != nil {
		kind, ok, err := c.shared.Get(ctx, key)
		switch {
		case err != nil:
			c.logger.WithError(err).WithField("key", key).Warn("共享缓存读取失败，回退到链上探测")
		case ok && kind.Known():
			c.local.Add(key, kind)
			metrics.DetectorLookups.WithLabelValues("shared", string(kind)).Inc()
			return kind
		}
	}

	kind := c.detector.Detect(ctx, chainID, address)
	metrics.DetectorLookups.WithLabelValues("probe", string(kind)).Inc()
	if !kind.Known() {
		return kind
	}
	c.local.Add(key, kind)
	if c.shared != nil {
		if err := c.shared.Set(ctx, key, kind); err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("共享缓存写入失败")
		}
	}
	return kind
}

// GetCachedOrDefault 只查进程内缓存，不探测
func (c *Cache) GetCachedOrDefault(chainID uint64, address string, def models.TokenKind) models.TokenKind {
	if kind, ok := c.local.Get(cacheKey(chainID, address)); ok {
		return kind
	}
	return def
}

// Len 进程内缓存条目数
func (c *Cache) Len() int {
	return c.local.Len()
}

// RedisCache 基于 Redis 的共享缓存
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache 连接 Redis，连接失败时返回错误
func NewRedisCache(addr string, ttl time.Duration) (*RedisCache, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("redis 地址为空")
	}
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 redis 失败: %w", err)
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

// Get 读取缓存
func (r *RedisCache) Get(ctx context.Context, key string) (models.TokenKind, bool, error) {
	v, err := r.client.Get(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, ierrors.WrapError(err, ierrors.ErrorTypeCache, ierrors.SeverityLow,
			"CACHE_READ_FAILED", "读取 redis 缓存失败")
	}
	return models.ParseTokenKind(v), true, nil
}

// Set 写入缓存
func (r *RedisCache) Set(ctx context.Context, key string, kind models.TokenKind) error {
	if err := r.client.Set(ctx, redisKeyPrefix+key, string(kind), r.ttl).Err(); err != nil {
		return ierrors.WrapError(err, ierrors.ErrorTypeCache, ierrors.SeverityLow,
			"CACHE_WRITE_FAILED", "写入 redis 缓存失败")
	}
	return nil
}

// Close 关闭连接
func (r *RedisCache) Close() error {
	return r.client.Close()
}
