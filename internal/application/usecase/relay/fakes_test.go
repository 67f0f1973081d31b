package relay

import (
	"context"
	"encoding/json"
	"sync"

	"kwrelay/internal/application/port"
	"kwrelay/internal/domain/model"
)

// fakeUpstream 记录发送的报文，可选地在发送时触发回调
type fakeUpstream struct {
	mu        sync.Mutex
	sent      [][]byte
	deliver   bool
	connected bool
	dropped   []error
	logins    int
	onSend    func(raw []byte)
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{deliver: true, connected: true}
}

func (f *fakeUpstream) Send(msg any) bool {
	var raw []byte
	switch v := msg.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return false
		}
		raw = b
	}
	f.mu.Lock()
	f.sent = append(f.sent, raw)
	deliver, hook := f.deliver, f.onSend
	f.mu.Unlock()
	if deliver && hook != nil {
		hook(raw)
	}
	return deliver
}

func (f *fakeUpstream) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeUpstream) Stats() port.UpstreamStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := port.StateDisconnected
	if f.connected {
		state = port.StateConnected
	}
	return port.UpstreamStats{State: state, Connected: f.connected}
}

func (f *fakeUpstream) Drop(reason error) {
	f.mu.Lock()
	f.dropped = append(f.dropped, reason)
	f.mu.Unlock()
}

func (f *fakeUpstream) LoginSucceeded() {
	f.mu.Lock()
	f.logins++
	f.mu.Unlock()
}

func (f *fakeUpstream) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *fakeUpstream) messages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.sent))
	for _, raw := range f.sent {
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		out = append(out, m)
	}
	return out
}

func (f *fakeUpstream) reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

type pushRecorder struct {
	mu     sync.Mutex
	frames []model.Frame
}

func (p *pushRecorder) Dispatch(f model.Frame) {
	p.mu.Lock()
	p.frames = append(p.frames, f)
	p.mu.Unlock()
}

func (p *pushRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

type countingTokens struct {
	mu          sync.Mutex
	invalidated int
}

func (c *countingTokens) Token(context.Context) (string, error) { return "tok", nil }

func (c *countingTokens) Invalidate() {
	c.mu.Lock()
	c.invalidated++
	c.mu.Unlock()
}

func mustFrame(raw string) model.Frame {
	f, err := model.ParseFrame([]byte(raw))
	if err != nil {
		panic(err)
	}
	return f
}
