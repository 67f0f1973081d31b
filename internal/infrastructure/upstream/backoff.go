package upstream

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// LinearBackOff 第 n 次重试等待 n*Base，超过 MaxAttempts 后返回 backoff.Stop
type LinearBackOff struct {
	Base        time.Duration
	MaxAttempts uint

	attempt uint
}

// NewLinearBackOff 创建线性退避策略
func NewLinearBackOff(base time.Duration, maxAttempts uint) *LinearBackOff {
	return &LinearBackOff{Base: base, MaxAttempts: maxAttempts}
}

func (b *LinearBackOff) NextBackOff() time.Duration {
	if b.attempt >= b.MaxAttempts {
		return backoff.Stop
	}
	b.attempt++
	return time.Duration(b.attempt) * b.Base
}

func (b *LinearBackOff) Reset() { b.attempt = 0 }

// Attempt 已经发放的等待次数
func (b *LinearBackOff) Attempt() uint { return b.attempt }

var _ backoff.BackOff = (*LinearBackOff)(nil)
