package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"kwrelay/internal/application/usecase/relay"
	"kwrelay/internal/domain/model"
	"kwrelay/internal/domain/service"
	"kwrelay/internal/infrastructure/metrics"
)

// Relay 下游命令所需的中继操作
type Relay interface {
	RegisterInstruments(ctx context.Context, req relay.RegisterRequest) (bool, error)
	UnregisterInstruments(ctx context.Context, group string, items, kinds []string) (bool, error)
	UnregisterGroup(ctx context.Context, group string) (bool, error)
	ConditionList(ctx context.Context) (model.Frame, error)
	ConditionSearch(ctx context.Context, q relay.ConditionQuery) (model.Frame, error)
	StartRealtimeCondition(ctx context.Context, seq, marketType string) (model.Frame, error)
	CancelRealtimeCondition(ctx context.Context, seq string) (model.Frame, error)
	Status() relay.Status
}

// Options 下游连接参数
type Options struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	return o
}

// Handler 下游实时数据通道：升级连接、注册监听者、处理命令
type Handler struct {
	relay     Relay
	listeners *service.ListenerRegistry
	metrics   *metrics.Metrics
	opts      Options
	upgrader  websocket.Upgrader

	clients sync.Map // id -> *Client
	wg      sync.WaitGroup
}

// NewHandler 创建下游通道处理器，metrics 可为 nil
func NewHandler(r Relay, listeners *service.ListenerRegistry, m *metrics.Metrics, opts Options) *Handler {
	return &Handler{
		relay:     r,
		listeners: listeners,
		metrics:   m,
		opts:      opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("downstream upgrade failed")
		return
	}

	c := newClient(uuid.NewString(), conn, h.opts)
	l := h.listeners.Add(c.id, c)
	h.clients.Store(c.id, c)
	h.updateGauge()
	log.Info().Str("client", c.id).Str("remote", r.RemoteAddr).Msg("downstream client connected")

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer func() {
			cancel()
			h.release(c, l)
		}()
		sess := &session{h: h, client: c, listener: l}
		c.readPump(func(msg []byte) { sess.handle(ctx, msg) })
	}()
}

// Evicted 监听者因发送失败被移除时调用，关闭对应连接
func (h *Handler) Evicted(id string, err error) {
	if h.metrics != nil {
		h.metrics.ListenerEvictions.Inc()
	}
	if v, ok := h.clients.Load(id); ok {
		c := v.(*Client)
		c.close()
		_ = c.conn.Close()
	}
	h.updateGauge()
}

// Close 关闭所有下游连接并等待读写协程退出
func (h *Handler) Close() {
	h.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		c.close()
		_ = c.conn.Close()
		return true
	})
	h.wg.Wait()
}

func (h *Handler) release(c *Client, l *service.Listener) {
	groups := h.listeners.Remove(l)
	h.clients.Delete(c.id)
	c.close()
	_ = c.conn.Close()
	h.updateGauge()
	log.Info().Str("client", c.id).Strs("groups", groups).Msg("downstream client disconnected")
}

func (h *Handler) updateGauge() {
	if h.metrics != nil {
		h.metrics.Listeners.Set(float64(h.listeners.Len()))
	}
}
