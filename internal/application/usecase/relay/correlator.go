package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"kwrelay/internal/domain/model"
	"kwrelay/internal/infrastructure/metrics"
)

// Sender 请求的出口，返回 false 表示未送达
type Sender interface {
	Send(msg any) bool
}

type pendingRequest struct {
	done     chan model.Frame // 容量 1，只写一次
	deadline time.Time
}

// Correlator 按交易名把回复匹配给等待中的调用方。每个交易名同一时刻至多一个等待者。
type Correlator struct {
	sender  Sender
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewCorrelator 创建关联引擎
func NewCorrelator(sender Sender, m *metrics.Metrics) *Correlator {
	return &Correlator{
		sender:  sender,
		metrics: m,
		pending: make(map[string]*pendingRequest),
	}
}

// SendAndAwait 登记 tag、发送 msg 并等待同 tag 的回复。
// 上游在回复中报告的失败（return_code 非 0）作为数据返回，不转成 error。
func (c *Correlator) SendAndAwait(ctx context.Context, msg any, tag string, timeout time.Duration) (model.Frame, error) {
	p := &pendingRequest{done: make(chan model.Frame, 1), deadline: time.Now().Add(timeout)}

	c.mu.Lock()
	if _, ok := c.pending[tag]; ok {
		c.mu.Unlock()
		return model.Frame{}, fmt.Errorf("%w: %s", ErrDuplicateTag, tag)
	}
	c.pending[tag] = p
	c.mu.Unlock()
	c.metrics.PendingRequests.Inc()

	if !c.sender.Send(msg) {
		c.release(tag, p)
		return model.Frame{}, fmt.Errorf("%w: %s", ErrNotDelivered, tag)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-p.done:
		return f, nil
	case <-timer.C:
		if c.release(tag, p) {
			c.metrics.CorrelationTimeouts.Inc()
			return model.Frame{}, fmt.Errorf("%w: %s after %s", ErrCorrelationTimeout, tag, timeout)
		}
		// 回复与超时同时到达：Resolve 已经摘除条目，结果必然写入 done
		return <-p.done, nil
	case <-ctx.Done():
		if c.release(tag, p) {
			return model.Frame{}, ctx.Err()
		}
		return <-p.done, nil
	}
}

// Resolve 把帧交给等待该 tag 的调用方。摘除与投递在同一临界区决定，
// 之后同 tag 的迟到帧找不到条目，返回 false。
func (c *Correlator) Resolve(f model.Frame) bool {
	c.mu.Lock()
	p, ok := c.pending[f.Trnm]
	if ok {
		delete(c.pending, f.Trnm)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.metrics.PendingRequests.Dec()
	p.done <- f
	return true
}

// release 仅当条目仍是 p 时摘除，返回是否由本次调用摘除
func (c *Correlator) release(tag string, p *pendingRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[tag] != p {
		return false
	}
	delete(c.pending, tag)
	c.metrics.PendingRequests.Dec()
	return true
}

// Pending 当前等待中的 tag
func (c *Correlator) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pending))
	for tag := range c.pending {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
