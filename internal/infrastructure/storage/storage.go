package storage

import (
	"context"
	"sort"
	"sync"

	"kwrelay/internal/application/port"
	"kwrelay/internal/domain/model"
)

// MemoryStore 进程内订阅存储，未启用数据库时使用
type MemoryStore struct {
	mu         sync.Mutex
	groups     map[string]map[string][]string
	conditions map[string]struct{}
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups:     make(map[string]map[string][]string),
		conditions: make(map[string]struct{}),
	}
}

func (s *MemoryStore) ReplaceGroup(ctx context.Context, group string, items map[string][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group] = copyItems(items)
	return nil
}

func (s *MemoryStore) DeleteGroup(ctx context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, group)
	return nil
}

func (s *MemoryStore) AddCondition(ctx context.Context, seq string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conditions[seq] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveCondition(ctx context.Context, seq string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conditions, seq)
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) (model.SubscriptionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := model.SubscriptionSnapshot{
		Groups:     make(map[string]map[string][]string, len(s.groups)),
		Conditions: make([]string, 0, len(s.conditions)),
	}
	for g, items := range s.groups {
		snap.Groups[g] = copyItems(items)
	}
	for seq := range s.conditions {
		snap.Conditions = append(snap.Conditions, seq)
	}
	sort.Strings(snap.Conditions)
	return snap, nil
}

func (s *MemoryStore) Close() error { return nil }

func copyItems(items map[string][]string) map[string][]string {
	out := make(map[string][]string, len(items))
	for item, kinds := range items {
		out[item] = append([]string(nil), kinds...)
	}
	return out
}

var _ port.SubscriptionStore = (*MemoryStore)(nil)
