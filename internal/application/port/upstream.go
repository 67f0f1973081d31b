package port

import (
	"context"
	"time"
)

// TokenSource 上游访问令牌
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	// Invalidate 丢弃缓存的令牌，下次 Token 重新签发
	Invalidate()
}

// UpstreamState 上游连接状态
type UpstreamState string

const (
	StateDisconnected UpstreamState = "DISCONNECTED"
	StateConnecting   UpstreamState = "CONNECTING"
	StateConnected    UpstreamState = "CONNECTED"
	StateReconnecting UpstreamState = "RECONNECTING"
	StateFatal        UpstreamState = "FATAL"
	StateStopped      UpstreamState = "STOPPED"
)

// UpstreamStats 上游连接概况
type UpstreamStats struct {
	State             UpstreamState `json:"state"`
	Connected         bool          `json:"connected"`
	LastConnectedAt   time.Time     `json:"last_connected_at"`
	ReconnectAttempts uint          `json:"reconnect_attempts"`
}

// Upstream 上游传输层。Send 返回 false 表示未送达，不会 panic 或返回错误。
type Upstream interface {
	Send(msg any) bool
	Connected() bool
	Stats() UpstreamStats
	// Drop 关闭当前连接并进入重连流程
	Drop(reason error)
	// LoginSucceeded 上游确认登录，重连计数清零
	LoginSucceeded()
}
