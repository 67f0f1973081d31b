package stream

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"kwrelay/internal/domain/service"
)

// Client 一个下游 WebSocket 连接，发送经过有界队列由 writePump 写出
type Client struct {
	id   string
	conn *websocket.Conn
	opts Options

	mu     sync.RWMutex
	send   chan []byte
	closed bool
}

func newClient(id string, conn *websocket.Conn, opts Options) *Client {
	return &Client{
		id:   id,
		conn: conn,
		opts: opts,
		send: make(chan []byte, opts.SendBuffer),
	}
}

// Send 非阻塞入队；队列已满或连接已关闭时返回 ErrListenerClosed
func (c *Client) Send(msg []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return service.ErrListenerClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return service.ErrListenerClosed
	}
}

// close 关闭发送队列，writePump 随后发送 close 帧并退出
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) readPump(handle func(msg []byte)) {
	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client", c.id).Msg("downstream read error")
			}
			return
		}
		handle(message)
	}
}

func (c *Client) writePump() {
	pingPeriod := (c.opts.PongWait * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("client", c.id).Msg("downstream write error")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
