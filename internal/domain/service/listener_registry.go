package service

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// AllGroups 广播到全部监听者
const AllGroups = "*"

// ErrListenerClosed 监听者通道不可用
var ErrListenerClosed = errors.New("listener channel closed")

// Sender 下游通道的写端。Send 不应阻塞。
type Sender interface {
	Send(msg []byte) error
}

// Listener 注册表返回的句柄
type Listener struct {
	id     string
	sender Sender
	groups []string
}

func (l *Listener) ID() string { return l.id }

// ListenerRegistry 下游监听者与组成员关系
type ListenerRegistry struct {
	mu        sync.Mutex
	listeners map[*Listener]struct{}
	groups    map[string]map[*Listener]struct{}

	// OnEvict 监听者因发送失败被移除时回调（可选）
	OnEvict func(id string, err error)
}

// NewListenerRegistry 创建监听者注册表
func NewListenerRegistry() *ListenerRegistry {
	return &ListenerRegistry{
		listeners: make(map[*Listener]struct{}),
		groups:    make(map[string]map[*Listener]struct{}),
	}
}

// Add 注册监听者
func (r *ListenerRegistry) Add(id string, sender Sender) *Listener {
	l := &Listener{id: id, sender: sender}
	r.mu.Lock()
	r.listeners[l] = struct{}{}
	r.mu.Unlock()
	return l
}

// Remove 从注册表及其加入过的所有组中移除，返回移除前所在的组
func (r *ListenerRegistry) Remove(l *Listener) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(l)
}

func (r *ListenerRegistry) removeLocked(l *Listener) []string {
	if _, ok := r.listeners[l]; !ok {
		return nil
	}
	delete(r.listeners, l)
	groups := l.groups
	for _, g := range groups {
		if members := r.groups[g]; members != nil {
			delete(members, l)
			if len(members) == 0 {
				delete(r.groups, g)
			}
		}
	}
	l.groups = nil
	return groups
}

// Join 加入组，重复加入无副作用
func (r *ListenerRegistry) Join(l *Listener, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[l]; !ok {
		return
	}
	members := r.groups[group]
	if members == nil {
		members = make(map[*Listener]struct{})
		r.groups[group] = members
	}
	if _, ok := members[l]; ok {
		return
	}
	members[l] = struct{}{}
	l.groups = append(l.groups, group)
}

// Leave 离开组
func (r *ListenerRegistry) Leave(l *Listener, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.groups[group]
	if members == nil {
		return
	}
	delete(members, l)
	if len(members) == 0 {
		delete(r.groups, group)
	}
	for i, g := range l.groups {
		if g == group {
			l.groups = append(l.groups[:i], l.groups[i+1:]...)
			break
		}
	}
}

// Groups 监听者加入的组（按加入顺序）
func (r *ListenerRegistry) Groups(l *Listener) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), l.groups...)
}

// Len 监听者数量
func (r *ListenerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// Broadcast 发送到某组；group 为 "*" 时发送给所有监听者。返回成功送达数。
func (r *ListenerRegistry) Broadcast(group string, msg []byte) int {
	return r.BroadcastGroups([]string{group}, msg)
}

// BroadcastGroups 发送到多个组的并集，每个监听者至多收到一次。
// 单个监听者发送失败会被移出注册表，其余监听者继续投递。
func (r *ListenerRegistry) BroadcastGroups(groups []string, msg []byte) int {
	targets := r.targets(groups)

	delivered := 0
	var failed []*Listener
	var errs []error
	for _, l := range targets {
		if err := l.sender.Send(msg); err != nil {
			failed = append(failed, l)
			errs = append(errs, err)
			continue
		}
		delivered++
	}

	if len(failed) > 0 {
		r.mu.Lock()
		for _, l := range failed {
			r.removeLocked(l)
		}
		r.mu.Unlock()
		for i, l := range failed {
			log.Warn().Err(errs[i]).Str("listener", l.id).Msg("listener send failed, removed")
			if r.OnEvict != nil {
				r.OnEvict(l.id, errs[i])
			}
		}
	}
	return delivered
}

func (r *ListenerRegistry) targets(groups []string) []*Listener {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[*Listener]struct{})
	var out []*Listener
	for _, g := range groups {
		if g == AllGroups {
			out = out[:0]
			for l := range r.listeners {
				out = append(out, l)
			}
			return out
		}
		for l := range r.groups[g] {
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	return out
}
