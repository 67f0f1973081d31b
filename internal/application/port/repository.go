package port

import (
	"context"

	"kwrelay/internal/domain/model"
)

// SubscriptionStore 订阅镜像的持久化，用于进程重启后恢复
type SubscriptionStore interface {
	// Group operations
	ReplaceGroup(ctx context.Context, group string, items map[string][]string) error
	DeleteGroup(ctx context.Context, group string) error

	// Condition operations
	AddCondition(ctx context.Context, seq string) error
	RemoveCondition(ctx context.Context, seq string) error

	Load(ctx context.Context) (model.SubscriptionSnapshot, error)

	// Connection management
	Close() error
}
