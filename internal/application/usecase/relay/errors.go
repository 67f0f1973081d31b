package relay

import "errors"

var (
	// ErrDuplicateTag 同一交易名已有未完成的请求
	ErrDuplicateTag = errors.New("request with this tag already pending")
	// ErrCorrelationTimeout 超时未收到回复
	ErrCorrelationTimeout = errors.New("timed out waiting for reply")
	// ErrNotDelivered 传输层未能送出请求
	ErrNotDelivered = errors.New("request not delivered upstream")
	// ErrNotConnected 上游未连接
	ErrNotConnected = errors.New("upstream not connected")
	// ErrInvalidRequest 调用方参数错误
	ErrInvalidRequest = errors.New("invalid request")
)

// ErrLoginFailure 上游拒绝登录，当前连接不可用
var ErrLoginFailure = errors.New("upstream login rejected")
