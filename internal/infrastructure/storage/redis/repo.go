package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"kwrelay/internal/application/port"
)

const scanBatch = 200

// Cache 基于 Redis Hash 的缓存：每个键一个 hash，写入时同时设置过期时间
type Cache struct {
	rdb    *redis.Client
	prefix string
}

// New 创建缓存。prefix 为空时键名与调用方给出的一致。
func New(rdb *redis.Client, prefix string) *Cache {
	return &Cache{rdb: rdb, prefix: prefix}
}

func (c *Cache) key(k string) string { return c.prefix + k }

func (c *Cache) SetWithTTL(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	// 覆盖语义：先删除旧 hash，避免残留上一次的字段
	k := c.key(key)
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, k)
	pipe.HSet(ctx, k, values)
	if ttl > 0 {
		pipe.Expire(ctx, k, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Cache) Get(ctx context.Context, key string) (map[string]string, bool, error) {
	fields, err := c.rdb.HGetAll(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	return fields, true, nil
}

func (c *Cache) GetMany(ctx context.Context, keys []string) ([]map[string]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, c.key(k))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]map[string]string, len(keys))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		out[i] = fields
	}
	return out, nil
}

// Scan 用 SCAN 迭代匹配的键，不阻塞 Redis
func (c *Cache) Scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, c.key(pattern), scanBatch).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			out = append(out, k[len(c.prefix):])
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// Ping 连接检查
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

var _ port.CacheStore = (*Cache)(nil)
