package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"kwrelay/internal/application/port"
	appsvc "kwrelay/internal/application/service"
	"kwrelay/internal/application/usecase/relay"
	"kwrelay/internal/domain/model"
	"kwrelay/internal/domain/service"
	"kwrelay/internal/infrastructure/config"
	"kwrelay/internal/infrastructure/credential"
	"kwrelay/internal/infrastructure/metrics"
	"kwrelay/internal/infrastructure/storage"
	"kwrelay/internal/infrastructure/storage/composite"
	pgrepo "kwrelay/internal/infrastructure/storage/postgres"
	redisrepo "kwrelay/internal/infrastructure/storage/redis"
	sqliterepo "kwrelay/internal/infrastructure/storage/sqlite"
	"kwrelay/internal/infrastructure/upstream"
	"kwrelay/internal/interfaces/api"
	"kwrelay/internal/interfaces/stream"
)

// Container 包含所有应用依赖
type Container struct {
	cfg     *config.Config
	metrics *metrics.Metrics

	redisClient *redis.Client
	marketCache *appsvc.MarketCache
	store       port.SubscriptionStore

	tokens     *credential.Provider
	transport  *upstream.Transport
	correlator *relay.Correlator
	dispatcher *relay.Dispatcher
	service    *relay.Service
	listeners  *service.ListenerRegistry
	stream     *stream.Handler
	server     *api.Server

	fatal       chan error
	closeOnce   sync.Once
	closerChain []func() error
}

// New 创建新的容器实例。只建立本地依赖（Redis、数据库），上游连接在 Start 中建立。
func New(cfg *config.Config) (*Container, error) {
	c := &Container{
		cfg:         cfg,
		metrics:     metrics.New(),
		fatal:       make(chan error, 1),
		closerChain: make([]func() error, 0),
	}

	if cfg.Cache.Enabled {
		if err := c.initRedis(); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("redis init failed: %w", err)
		}
	}
	if err := c.initStorage(); err != nil {
		_ = c.Close()
		return nil, err
	}
	c.initRelay()
	c.initInterfaces()

	return c, nil
}

// initRedis 初始化 Redis 连接与行情缓存
func (c *Container) initRedis() error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.cfg.Cache.Addr,
		Password: c.cfg.Cache.Password,
		DB:       c.cfg.Cache.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	c.redisClient = rdb
	c.marketCache = appsvc.NewMarketCache(redisrepo.New(rdb, c.cfg.Cache.Prefix), appsvc.MarketCacheConfig{
		SnapshotTTL: c.cfg.Cache.SnapshotTTL.Duration,
		SeriesTTL:   c.cfg.Cache.SeriesTTL.Duration,
	})

	c.closerChain = append(c.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().
		Str("addr", c.cfg.Cache.Addr).
		Int("db", c.cfg.Cache.DB).
		Msg("redis initialized")
	return nil
}

// initStorage 初始化订阅持久化（SQLite、Postgres），均未启用时使用内存存储
func (c *Container) initStorage() error {
	var stores []port.SubscriptionStore

	if c.cfg.Storage.SQLite.Enabled {
		repo, err := sqliterepo.New(c.cfg.Storage.SQLite.Path)
		if err != nil {
			return fmt.Errorf("sqlite init failed: %w", err)
		}
		stores = append(stores, repo)
		log.Info().Str("path", c.cfg.Storage.SQLite.Path).Msg("sqlite initialized")
	}

	if c.cfg.Storage.Postgres.Enabled {
		repo, err := pgrepo.New(c.cfg.Storage.Postgres.DSN)
		if err != nil {
			for _, s := range stores {
				_ = s.Close()
			}
			return fmt.Errorf("postgres init failed: %w", err)
		}
		stores = append(stores, repo)
		log.Info().Msg("postgres initialized")
	}

	switch len(stores) {
	case 0:
		c.store = storage.NewMemoryStore()
	case 1:
		c.store = stores[0]
	default:
		c.store = composite.New(stores...)
	}

	store := c.store
	c.closerChain = append(c.closerChain, func() error {
		log.Info().Msg("closing subscription store")
		return store.Close()
	})
	return nil
}

// initRelay 组装上游传输、关联引擎、推送分发与中继服务
func (c *Container) initRelay() {
	u := c.cfg.Upstream

	c.tokens = credential.NewProvider(credential.Config{
		BaseURL:     u.RestURL,
		AppKey:      u.AppKey,
		SecretKey:   u.SecretKey,
		Validity:    c.cfg.Credential.Validity.Duration,
		HTTPTimeout: c.cfg.Credential.HTTPTimeout.Duration,
	})
	c.transport = upstream.New(upstream.Config{
		URL:                  u.WsURL,
		HandshakeTimeout:     u.HandshakeTimeout.Duration,
		WriteTimeout:         u.WriteTimeout.Duration,
		IdleTimeout:          u.IdleTimeout.Duration,
		ReconnectBaseDelay:   u.ReconnectBaseDelay.Duration,
		MaxReconnectAttempts: u.MaxReconnectAttempts,
	}, c.tokens, c.metrics)

	subs := service.NewSubscriptionRegistry()
	conds := service.NewConditionSet()
	c.listeners = service.NewListenerRegistry()
	c.correlator = relay.NewCorrelator(c.transport, c.metrics)

	var cache relay.CacheWriter
	if c.marketCache != nil {
		cache = c.marketCache
	}
	c.dispatcher = relay.NewDispatcher(relay.DispatcherDeps{
		Profiles:      model.NewProfiles(c.cfg.ProfileOverrides()),
		Cache:         cache,
		Subscriptions: subs,
		Listeners:     c.listeners,
		Metrics:       c.metrics,
		Config: relay.DispatcherConfig{
			Workers:      c.cfg.Cache.Writers,
			QueueSize:    c.cfg.Cache.QueueSize,
			WriteTimeout: c.cfg.Cache.WriteTimeout.Duration,
		},
	})
	c.service = relay.NewService(relay.ServiceDeps{
		Upstream:      c.transport,
		Correlator:    c.correlator,
		Subscriptions: subs,
		Conditions:    conds,
		Store:         c.store,
		Config: relay.Config{
			RequestTimeout:         u.RequestTimeout.Duration,
			ConditionSearchTimeout: u.ConditionSearchTimeout.Duration,
			MarketType:             u.MarketType,
		},
	})

	demux := relay.NewDemux(relay.DemuxDeps{
		Upstream:   c.transport,
		Tokens:     c.tokens,
		Correlator: c.correlator,
		Push:       c.dispatcher,
		Metrics:    c.metrics,
		OnLogin:    c.service.Replay,
	})
	c.transport.SetHandler(upstream.HandlerFunc(demux.HandleFrame))
	c.transport.OnFatal(func(err error) {
		log.Error().Err(err).Msg("upstream connection unrecoverable")
		select {
		case c.fatal <- err:
		default:
		}
	})

	dispatcher, svc := c.dispatcher, c.service
	c.closerChain = append(c.closerChain,
		func() error {
			dispatcher.Close()
			return nil
		},
		func() error {
			svc.Close()
			return nil
		},
	)
}

// initInterfaces 组装下游 WebSocket 通道与 HTTP 服务
func (c *Container) initInterfaces() {
	gin.SetMode(c.cfg.App.GinMode)

	c.stream = stream.NewHandler(c.service, c.listeners, c.metrics, stream.Options{
		SendBuffer:     c.cfg.Stream.SendBuffer,
		WriteWait:      c.cfg.Stream.WriteWait.Duration,
		PongWait:       c.cfg.Stream.PongWait.Duration,
		MaxMessageSize: c.cfg.Stream.MaxMessageSize,
	})
	c.listeners.OnEvict = c.stream.Evicted

	var market api.MarketReader
	if c.marketCache != nil {
		market = c.marketCache
	}
	c.server = api.NewServer(api.ServerDeps{
		Addr:          c.cfg.App.ListenAddr,
		Relay:         c.service,
		Market:        market,
		Metrics:       c.metrics.Handler(),
		Stream:        c.stream,
		RecentDefault: c.cfg.Cache.RecentDefault,
	})

	h, tokens, transport := c.stream, c.tokens, c.transport
	c.closerChain = append(c.closerChain,
		func() error {
			h.Close()
			return nil
		},
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tokens.Revoke(ctx); err != nil && !errors.Is(err, credential.ErrNoToken) {
				log.Warn().Err(err).Msg("token revoke failed")
			}
			return nil
		},
		func() error {
			log.Info().Msg("disconnecting upstream")
			transport.Disconnect()
			return nil
		},
	)
}

// Start 恢复持久化的订阅并建立上游连接
func (c *Container) Start(ctx context.Context) error {
	if err := c.service.Restore(ctx); err != nil {
		return err
	}
	return c.transport.Start(ctx)
}

// Config 获取配置
func (c *Container) Config() *config.Config {
	return c.cfg
}

// Metrics 获取指标
func (c *Container) Metrics() *metrics.Metrics {
	return c.metrics
}

// Service 获取中继服务
func (c *Container) Service() *relay.Service {
	return c.service
}

// Server 获取 HTTP 服务
func (c *Container) Server() *api.Server {
	return c.server
}

// Store 获取订阅持久化存储
func (c *Container) Store() port.SubscriptionStore {
	return c.store
}

// MarketCache 获取行情缓存，未启用时为 nil
func (c *Container) MarketCache() *appsvc.MarketCache {
	return c.marketCache
}

// Fatal 上游重连耗尽时收到错误
func (c *Container) Fatal() <-chan error {
	return c.fatal
}

// Close 关闭所有资源（按后进先出顺序）
func (c *Container) Close() error {
	var err error
	c.closeOnce.Do(func() {
		for i := len(c.closerChain) - 1; i >= 0; i-- {
			if e := c.closerChain[i](); e != nil {
				log.Error().Err(e).Msg("error closing resource")
				if err == nil {
					err = e
				}
			}
		}
		log.Info().Msg("container closed")
	})
	return err
}
