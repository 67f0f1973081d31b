package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	appsvc "kwrelay/internal/application/service"
	"kwrelay/internal/interfaces/stream"
)

// Relay REST 层所需的中继操作
type Relay interface {
	stream.Relay
	Connected() bool
}

// MarketReader 行情缓存读取
type MarketReader interface {
	Latest(ctx context.Context, code, item string) (appsvc.CacheEntry, bool, error)
	Recent(ctx context.Context, code, item string, n int) ([]appsvc.CacheEntry, error)
}

// ServerDeps HTTP 服务依赖。Market、Metrics、Stream 可为 nil。
type ServerDeps struct {
	Addr          string
	Relay         Relay
	Market        MarketReader
	Metrics       http.Handler
	Stream        http.Handler
	RecentDefault int
}

// Server gin HTTP 服务：REST 接口、/metrics 与下游 WebSocket 通道
type Server struct {
	engine        *gin.Engine
	srv           *http.Server
	relay         Relay
	market        MarketReader
	recentDefault int
}

// NewServer 创建 HTTP 服务并注册路由
func NewServer(deps ServerDeps) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		engine:        engine,
		relay:         deps.Relay,
		market:        deps.Market,
		recentDefault: deps.RecentDefault,
	}
	if s.recentDefault <= 0 {
		s.recentDefault = 50
	}
	s.srv = &http.Server{
		Addr:              deps.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes(deps)
	return s
}

func (s *Server) setupRoutes(deps ServerDeps) {
	s.engine.GET("/health", s.health)
	if deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	if deps.Stream != nil {
		s.engine.GET("/ws/realdata", gin.WrapH(deps.Stream))
	}

	api := s.engine.Group("/api")

	rt := api.Group("/realtime")
	rt.GET("/status", s.status)
	rt.POST("/price/subscribe", s.requireUpstream, s.subscribePrice)
	rt.POST("/price/unsubscribe", s.requireUpstream, s.unsubscribePrice)
	rt.DELETE("/price/group/:group_no", s.requireUpstream, s.unregisterGroup)

	cond := api.Group("/conditions", s.requireUpstream)
	cond.GET("", s.conditionList)
	cond.POST("/search", s.conditionSearch)
	cond.POST("/:seq/realtime", s.conditionRealtime)
	cond.DELETE("/:seq/realtime", s.conditionCancel)

	market := api.Group("/market")
	market.GET("/:kind/:item", s.marketLatest)
	market.GET("/:kind/:item/recent", s.marketRecent)
}

// Handler 供测试直接驱动
func (s *Server) Handler() http.Handler { return s.engine }

// Run 监听直到 ctx 取消，随后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("http server stopped")
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}
