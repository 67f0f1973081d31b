package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"kwrelay/internal/application/port"
	"kwrelay/internal/domain/model"
	"kwrelay/internal/infrastructure/metrics"
)

var (
	// ErrReconnectExhausted 重连次数耗尽，属于致命状态
	ErrReconnectExhausted = errors.New("upstream reconnect attempts exhausted")
	// ErrStopped 传输层已关闭
	ErrStopped = errors.New("upstream transport stopped")
)

// Config 上游连接参数
type Config struct {
	URL                  string
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration // 超过该时长没有任何入站帧视为断线，0 表示不检测
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts uint
}

// Handler 接收循环把每个入站帧交给 Handler，调用发生在接收 goroutine 上
type Handler interface {
	HandleFrame(raw []byte)
}

// HandlerFunc 函数适配器
type HandlerFunc func(raw []byte)

func (f HandlerFunc) HandleFrame(raw []byte) { f(raw) }

type loginRequest struct {
	Trnm  string `json:"trnm"`
	Token string `json:"token"`
}

// Transport 独占唯一一条上游 WebSocket 连接：连接、登录、发送、接收循环、断线重连
type Transport struct {
	cfg     Config
	tokens  port.TokenSource
	metrics *metrics.Metrics
	dialer  *websocket.Dialer

	handler Handler
	onFatal func(error)

	connMu  sync.Mutex // 串行化 Connect
	writeMu sync.Mutex // gorilla 连接只允许一个并发写者

	mu                sync.RWMutex
	conn              *websocket.Conn
	state             port.UpstreamState
	lastConnectedAt   time.Time
	reconnectAttempts uint
	// 跨连接累计，只有上游确认登录后才清零
	backoff *LinearBackOff

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New 创建传输层，需在 Start 之前通过 SetHandler 设置帧处理器
func New(cfg Config, tokens port.TokenSource, m *metrics.Metrics) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:     cfg,
		tokens:  tokens,
		metrics: m,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		handler: HandlerFunc(func([]byte) {}),
		state:   port.StateDisconnected,
		backoff: NewLinearBackOff(cfg.ReconnectBaseDelay, cfg.MaxReconnectAttempts),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetHandler 设置入站帧处理器
func (t *Transport) SetHandler(h Handler) { t.handler = h }

// OnFatal 重连耗尽时回调。回调运行在接收 goroutine 上，不能同步调用 Disconnect。
func (t *Transport) OnFatal(fn func(error)) { t.onFatal = fn }

// Start 建立首个连接。首连失败同样进入有上限的重连流程。
// parent 结束时自动 Disconnect。
func (t *Transport) Start(parent context.Context) error {
	go func() {
		select {
		case <-parent.Done():
			t.Disconnect()
		case <-t.ctx.Done():
		}
	}()

	err := t.Connect(parent)
	if err == nil || errors.Is(err, ErrStopped) {
		return err
	}
	log.Warn().Err(err).Str("url", t.cfg.URL).Msg("initial upstream connect failed, scheduling reconnect")
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.reconnect()
	}()
	return nil
}

// Connect 建立连接并立即发送登录帧，然后启动接收循环。已连接时直接返回。
func (t *Transport) Connect(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.ctx.Err() != nil {
		return ErrStopped
	}
	if t.Connected() {
		return nil
	}
	t.setState(port.StateConnecting)

	token, err := t.tokens.Token(ctx)
	if err != nil {
		t.setState(port.StateDisconnected)
		return fmt.Errorf("get token: %w", err)
	}

	log.Info().Str("url", t.cfg.URL).Msg("upstream connecting")
	conn, _, err := t.dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		t.setState(port.StateDisconnected)
		return fmt.Errorf("dial upstream: %w", err)
	}

	login, _ := json.Marshal(loginRequest{Trnm: model.TrnmLogin, Token: token})
	if err := t.write(conn, login); err != nil {
		_ = conn.Close()
		t.setState(port.StateDisconnected)
		return fmt.Errorf("send login: %w", err)
	}

	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		_ = conn.Close()
		return ErrStopped
	}
	t.conn = conn
	t.state = port.StateConnected
	t.lastConnectedAt = time.Now()
	t.mu.Unlock()
	t.metrics.SetConnected(true)

	t.wg.Add(1)
	go t.readLoop(conn)

	log.Info().Str("url", t.cfg.URL).Msg("upstream connected, login sent")
	return nil
}

// LoginSucceeded 上游确认登录后调用，重连计数清零。
// 拨号成功但登录被拒的连接不清零，反复被拒最终会耗尽重连次数。
func (t *Transport) LoginSucceeded() {
	t.mu.Lock()
	t.backoff.Reset()
	t.reconnectAttempts = 0
	t.mu.Unlock()
}

// Send 发送消息。字符串、[]byte、json.RawMessage 原样写出，其他类型先 JSON 序列化。
// 未连接时先尝试一次 Connect。任何传输层失败都返回 false。
func (t *Transport) Send(msg any) bool {
	payload, err := encode(msg)
	if err != nil {
		log.Error().Err(err).Msg("encode upstream message failed")
		return false
	}

	if !t.Connected() {
		if err := t.Connect(t.ctx); err != nil {
			log.Warn().Err(err).Msg("upstream send: connect failed")
			return false
		}
	}

	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return false
	}

	if err := t.write(conn, payload); err != nil {
		log.Warn().Err(err).Msg("upstream write failed")
		// 关闭后接收循环会发现断线并进入重连
		_ = conn.Close()
		return false
	}
	return true
}

// Drop 关闭当前连接，接收循环随后进入重连流程
func (t *Transport) Drop(reason error) {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return
	}
	log.Warn().Err(reason).Msg("dropping upstream connection")
	_ = conn.Close()
}

// Disconnect 永久关闭传输层，等待接收循环与重连流程退出
func (t *Transport) Disconnect() {
	t.stopOnce.Do(func() {
		t.cancel()
		// 等待进行中的 Connect 结束，此后 Connect 一律返回 ErrStopped
		t.connMu.Lock()
		t.connMu.Unlock()

		t.mu.Lock()
		conn := t.conn
		t.conn = nil
		t.state = port.StateStopped
		t.mu.Unlock()
		t.metrics.SetConnected(false)

		if conn != nil {
			t.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			t.writeMu.Unlock()
			_ = conn.Close()
		}
		log.Info().Msg("upstream disconnected")
	})
	t.wg.Wait()
}

// Connected 当前是否持有可用连接
func (t *Transport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn != nil && t.state == port.StateConnected
}

// State 当前状态
func (t *Transport) State() port.UpstreamState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Stats 连接概况
func (t *Transport) Stats() port.UpstreamStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return port.UpstreamStats{
		State:             t.state,
		Connected:         t.conn != nil && t.state == port.StateConnected,
		LastConnectedAt:   t.lastConnectedAt,
		ReconnectAttempts: t.reconnectAttempts,
	}
}

func (t *Transport) setState(s port.UpstreamState) {
	t.mu.Lock()
	if t.state != port.StateStopped {
		t.state = s
	}
	t.mu.Unlock()
}

func (t *Transport) write(conn *websocket.Conn, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		if t.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(t.cfg.IdleTimeout))
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect(conn, err)
			return
		}
		t.handler.HandleFrame(msg)
	}
}

func (t *Transport) handleDisconnect(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		// 已被替换或已停止
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = nil
	t.state = port.StateDisconnected
	t.mu.Unlock()
	_ = conn.Close()
	t.metrics.SetConnected(false)

	if t.ctx.Err() != nil {
		return
	}
	log.Warn().Err(cause).Msg("upstream connection lost")
	t.reconnect()
}

// reconnect 线性退避重连，次数耗尽后上报致命错误并停止重试
func (t *Transport) reconnect() {
	for {
		t.mu.Lock()
		delay := t.backoff.NextBackOff()
		attempt := t.backoff.Attempt()
		t.mu.Unlock()

		if delay == backoff.Stop {
			err := fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, t.cfg.MaxReconnectAttempts)
			t.setState(port.StateFatal)
			log.Error().Err(err).Str("url", t.cfg.URL).Msg("upstream reconnect gave up")
			if t.onFatal != nil {
				t.onFatal(err)
			}
			return
		}

		t.mu.Lock()
		if t.state != port.StateStopped {
			t.state = port.StateReconnecting
		}
		t.reconnectAttempts = attempt
		t.mu.Unlock()
		t.metrics.ReconnectAttempts.Inc()

		log.Info().
			Uint("attempt", attempt).
			Uint("max_attempts", t.cfg.MaxReconnectAttempts).
			Int64("delay_ms", delay.Milliseconds()).
			Msg("upstream reconnecting")

		select {
		case <-t.ctx.Done():
			return
		case <-time.After(delay):
		}

		err := t.Connect(t.ctx)
		if err == nil {
			return
		}
		if errors.Is(err, ErrStopped) {
			return
		}
		log.Warn().Err(err).Uint("attempt", attempt).Msg("upstream reconnect attempt failed")
	}
}

func encode(msg any) ([]byte, error) {
	switch v := msg.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
