package composite

import (
	"context"
	"errors"

	"kwrelay/internal/application/port"
	"kwrelay/internal/domain/model"
)

// Repo 把写操作扇出到全部存储，读取取第一个存储
type Repo struct {
	repos []port.SubscriptionStore
}

func New(repos ...port.SubscriptionStore) *Repo {
	// nil repos are allowed; filter in constructor for safety
	out := make([]port.SubscriptionStore, 0, len(repos))
	for _, r := range repos {
		if r != nil {
			out = append(out, r)
		}
	}
	return &Repo{repos: out}
}

func (r *Repo) each(fn func(port.SubscriptionStore) error) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := fn(repo); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) ReplaceGroup(ctx context.Context, group string, items map[string][]string) error {
	return r.each(func(s port.SubscriptionStore) error { return s.ReplaceGroup(ctx, group, items) })
}

func (r *Repo) DeleteGroup(ctx context.Context, group string) error {
	return r.each(func(s port.SubscriptionStore) error { return s.DeleteGroup(ctx, group) })
}

func (r *Repo) AddCondition(ctx context.Context, seq string) error {
	return r.each(func(s port.SubscriptionStore) error { return s.AddCondition(ctx, seq) })
}

func (r *Repo) RemoveCondition(ctx context.Context, seq string) error {
	return r.each(func(s port.SubscriptionStore) error { return s.RemoveCondition(ctx, seq) })
}

// Load 依次尝试，返回第一个成功的结果
func (r *Repo) Load(ctx context.Context) (model.SubscriptionSnapshot, error) {
	var errs []error
	for _, repo := range r.repos {
		snap, err := repo.Load(ctx)
		if err == nil {
			return snap, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return model.SubscriptionSnapshot{Groups: map[string]map[string][]string{}, Conditions: []string{}}, nil
	}
	return model.SubscriptionSnapshot{}, errors.Join(errs...)
}

func (r *Repo) Close() error {
	return r.each(func(s port.SubscriptionStore) error { return s.Close() })
}

var _ port.SubscriptionStore = (*Repo)(nil)
