package port

import (
	"context"
	"time"
)

// CacheStore 带过期时间的外部键值存储
type CacheStore interface {
	SetWithTTL(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	// Get 键不存在时返回 ok=false
	Get(ctx context.Context, key string) (fields map[string]string, ok bool, err error)
	// GetMany 按 keys 顺序返回，不存在的键对应 nil
	GetMany(ctx context.Context, keys []string) ([]map[string]string, error)
	// Scan 返回匹配 glob 模式的全部键
	Scan(ctx context.Context, pattern string) ([]string, error)
}
