package opensearch

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	applog "datakit/internal/platform/log"
)

// SearchCache 搜索结果 Redis 缓存。缓存故障只降级，不影响搜索主链路。
type SearchCache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
}

// NewSearchCache 创建搜索缓存。ttl<=0 时默认 5 分钟。
func NewSearchCache(rdb *redis.Client, ttl time.Duration) *SearchCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SearchCache{
		redis:  rdb,
		ttl:    ttl,
		prefix: "search:cache:",
	}
}

// Get 读取缓存的搜索结果。
func (c *SearchCache) Get(ctx context.Context, index string, body map[string]any) (*SearchResult, bool) {
	key := c.cacheKey(index, body)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	var result SearchResult
	if err := json.Unmarshal(data, &result); err != nil {
		applog.Warn("[Search/Cache] Failed to unmarshal cached result", "error", err)
		return nil, false
	}

	applog.Debug("[Search/Cache] Hit", "key", key)
	return &result, true
}

// Put 写入搜索结果。序列化或写入失败只记日志。
func (c *SearchCache) Put(ctx context.Context, index string, body map[string]any, result *SearchResult) {
	key := c.cacheKey(index, body)
	data, err := json.Marshal(result)
	if err != nil {
		return
	}

	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		applog.Warn("[Search/Cache] Failed to set cache", "key", key, "error", err)
	}
}

// Invalidate 按索引清除缓存（SCAN 模式匹配删除）。
func (c *SearchCache) Invalidate(ctx context.Context, index string) error {
	return c.invalidatePattern(ctx, c.prefix+index+":*", "index", index)
}

// InvalidateAll 清除所有搜索缓存。
func (c *SearchCache) InvalidateAll(ctx context.Context) error {
	return c.invalidatePattern(ctx, c.prefix+"*", "scope", "all")
}

func (c *SearchCache) invalidatePattern(ctx context.Context, pattern, labelKey, labelVal string) error {
	iter := c.redis.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := c.redis.Del(ctx, keys...).Err(); err != nil {
			return err
		}
		applog.Info("[Search/Cache] Invalidated", labelKey, labelVal, "keys_deleted", len(keys))
	}
	return nil
}

// cacheKey 生成缓存 key = prefix + index + hash(请求体)。
// 请求体通过 json.Marshal 规整（map 键排序后序列化），保证键稳定。
func (c *SearchCache) cacheKey(index string, body map[string]any) string {
	data, err := json.Marshal(body)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", body))
	}
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%s%s:%x", c.prefix, index, hash[:12])
}
