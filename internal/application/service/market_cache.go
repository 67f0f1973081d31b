package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"kwrelay/internal/application/port"
	"kwrelay/internal/domain/model"
)

// CacheEntry 缓存中的一条精简记录
type CacheEntry struct {
	Key    string            `json:"key"`
	Stamp  string            `json:"stamp,omitempty"` // hhmmssmmm，仅时间序列类型
	Fields map[string]string `json:"fields"`
}

// MarketCacheConfig 缓存过期时间
type MarketCacheConfig struct {
	SnapshotTTL time.Duration
	SeriesTTL   time.Duration
}

// MarketCache 负责缓存键策略：快照类型 "{kind}:{item}" 覆盖写，
// 时间序列类型 "{kind}:{item}:{hhmmssmmm}" 追加写
type MarketCache struct {
	store port.CacheStore
	cfg   MarketCacheConfig
	now   func() time.Time
}

// NewMarketCache 创建行情缓存服务
func NewMarketCache(store port.CacheStore, cfg MarketCacheConfig) *MarketCache {
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = 60 * time.Second
	}
	if cfg.SeriesTTL <= 0 {
		cfg.SeriesTTL = 300 * time.Second
	}
	return &MarketCache{store: store, cfg: cfg, now: time.Now}
}

// SnapshotKey 快照键
func SnapshotKey(code, item string) string { return code + ":" + item }

// SeriesKey 时间序列键
func SeriesKey(code, item string, at time.Time) string {
	return code + ":" + item + ":" + Stamp(at)
}

// Stamp hhmmssmmm
func Stamp(at time.Time) string {
	return at.Format("150405") + fmt.Sprintf("%03d", at.Nanosecond()/int(time.Millisecond))
}

// Write 按类型策略写入精简记录。时间序列键取 at，at 为零值时取当前时间。
func (c *MarketCache) Write(ctx context.Context, ev model.PushEvent, reduced map[string]string, at time.Time) error {
	if ev.Code == "" || ev.Instrument == "" {
		return nil
	}
	if ev.Kind.Policy() == model.PolicySeries {
		if at.IsZero() {
			at = c.now()
		}
		return c.store.SetWithTTL(ctx, SeriesKey(ev.Code, ev.Instrument, at), reduced, c.cfg.SeriesTTL)
	}
	return c.store.SetWithTTL(ctx, SnapshotKey(ev.Code, ev.Instrument), reduced, c.cfg.SnapshotTTL)
}

// Latest 快照类型的最新记录
func (c *MarketCache) Latest(ctx context.Context, code, item string) (CacheEntry, bool, error) {
	key := SnapshotKey(code, item)
	fields, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return CacheEntry{}, ok, err
	}
	return CacheEntry{Key: key, Fields: fields}, true, nil
}

// Recent 时间序列类型最近 n 条，按时间戳从新到旧
func (c *MarketCache) Recent(ctx context.Context, code, item string, n int) ([]CacheEntry, error) {
	if n <= 0 {
		return []CacheEntry{}, nil
	}
	prefix := code + ":" + item + ":"
	keys, err := c.store.Scan(ctx, prefix+"*")
	if err != nil {
		return nil, err
	}

	sort.Slice(keys, func(i, j int) bool {
		return strings.TrimPrefix(keys[i], prefix) > strings.TrimPrefix(keys[j], prefix)
	})
	if len(keys) > n {
		keys = keys[:n]
	}

	values, err := c.store.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([]CacheEntry, 0, len(keys))
	for i, k := range keys {
		// 扫描与读取之间过期的键直接跳过
		if values[i] == nil {
			continue
		}
		out = append(out, CacheEntry{Key: k, Stamp: strings.TrimPrefix(k, prefix), Fields: values[i]})
	}
	return out, nil
}
