package service

import (
	"sort"
	"sync"

	"kwrelay/internal/domain/model"
)

// SubscriptionRegistry 客户端侧的订阅镜像：组 -> 标的 -> 数据类型集合。
// 它记录的是“期望状态”而非上游确认状态，重连后按它重放。
type SubscriptionRegistry struct {
	mu     sync.Mutex
	groups map[string]map[string]map[string]struct{}
}

// NewSubscriptionRegistry 创建订阅注册表
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{groups: make(map[string]map[string]map[string]struct{})}
}

// Register 注册标的。refresh=true 先清空该组再添加，否则合并。
func (r *SubscriptionRegistry) Register(group string, items, kinds []string, refresh bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if refresh {
		delete(r.groups, group)
	}
	g := r.groups[group]
	if g == nil {
		g = make(map[string]map[string]struct{})
	}
	for _, item := range items {
		if item == "" {
			continue
		}
		set := g[item]
		if set == nil {
			set = make(map[string]struct{})
		}
		for _, k := range kinds {
			if k != "" {
				set[k] = struct{}{}
			}
		}
		if len(set) > 0 {
			g[item] = set
		}
	}
	if len(g) > 0 {
		r.groups[group] = g
	}
}

// Unregister 移除标的的数据类型；kinds 为 nil 时移除这些标的的全部类型。
// 返回实际被移除的类型（去重排序），用于构造 REMOVE 报文。
func (r *SubscriptionRegistry) Unregister(group string, items, kinds []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := r.groups[group]
	if g == nil {
		return nil
	}
	removed := make(map[string]struct{})
	for _, item := range items {
		set := g[item]
		if set == nil {
			continue
		}
		if kinds == nil {
			for k := range set {
				removed[k] = struct{}{}
			}
			delete(g, item)
			continue
		}
		for _, k := range kinds {
			if _, ok := set[k]; ok {
				removed[k] = struct{}{}
				delete(set, k)
			}
		}
		if len(set) == 0 {
			delete(g, item)
		}
	}
	if len(g) == 0 {
		delete(r.groups, group)
	}
	return sortedKeys(removed)
}

// UnregisterGroup 移除整个组，返回该组原先是否存在
func (r *SubscriptionRegistry) UnregisterGroup(group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.groups[group]
	delete(r.groups, group)
	return ok
}

// Group 返回某组的副本：标的 -> 排序后的类型
func (r *SubscriptionRegistry) Group(group string) map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyGroup(r.groups[group])
}

// GroupsFor 返回包含 (item, kind) 的所有组，按组名排序
func (r *SubscriptionRegistry) GroupsFor(item, kind string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for name, g := range r.groups {
		if set, ok := g[item]; ok {
			if _, ok := set[kind]; ok {
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot 返回全部组的深拷贝
func (r *SubscriptionRegistry) Snapshot() map[string]map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]map[string][]string, len(r.groups))
	for name, g := range r.groups {
		out[name] = copyGroup(g)
	}
	return out
}

// Restore 用持久化快照覆盖当前状态（空集合同样被裁剪）
func (r *SubscriptionRegistry) Restore(groups map[string]map[string][]string) {
	r.mu.Lock()
	r.groups = make(map[string]map[string]map[string]struct{}, len(groups))
	r.mu.Unlock()

	for name, items := range groups {
		for item, kinds := range items {
			r.Register(name, []string{item}, kinds, false)
		}
	}
}

// Len 组数量
func (r *SubscriptionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

func copyGroup(g map[string]map[string]struct{}) map[string][]string {
	if g == nil {
		return nil
	}
	out := make(map[string][]string, len(g))
	for item, set := range g {
		out[item] = sortedKeys(set)
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ConditionSet 实时条件检索订阅集合（仅成员关系）
type ConditionSet struct {
	mu   sync.Mutex
	seqs map[string]struct{}
}

// NewConditionSet 创建条件订阅集合
func NewConditionSet() *ConditionSet {
	return &ConditionSet{seqs: make(map[string]struct{})}
}

func (s *ConditionSet) Add(seq string) {
	s.mu.Lock()
	s.seqs[seq] = struct{}{}
	s.mu.Unlock()
}

// Remove 返回 seq 原先是否存在
func (s *ConditionSet) Remove(seq string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seqs[seq]
	delete(s.seqs, seq)
	return ok
}

func (s *ConditionSet) Has(seq string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seqs[seq]
	return ok
}

// List 排序后的 seq 列表
func (s *ConditionSet) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := sortedKeys(s.seqs)
	if out == nil {
		return []string{}
	}
	return out
}

// Snapshot 组合注册表与条件集合的状态
func Snapshot(subs *SubscriptionRegistry, conds *ConditionSet) model.SubscriptionSnapshot {
	return model.SubscriptionSnapshot{Groups: subs.Snapshot(), Conditions: conds.List()}
}
