package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"kwrelay/internal/application/port"
	"kwrelay/internal/domain/model"
)

type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS subscriptions (
  group_no TEXT NOT NULL,
  item TEXT NOT NULL,
  kind TEXT NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY(group_no, item, kind)
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_group ON subscriptions(group_no);

CREATE TABLE IF NOT EXISTS condition_subscriptions (
  seq TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL
);
`)
	return err
}

// ReplaceGroup 在一个事务内重写某组的全部行
func (r *Repo) ReplaceGroup(ctx context.Context, group string, items map[string][]string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE group_no=?`, group); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for item, kinds := range items {
		for _, kind := range kinds {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO subscriptions(group_no, item, kind, updated_at) VALUES(?, ?, ?, ?)
				ON CONFLICT(group_no, item, kind) DO UPDATE SET updated_at=excluded.updated_at
			`, group, item, kind, now); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (r *Repo) DeleteGroup(ctx context.Context, group string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE group_no=?`, group)
	return err
}

func (r *Repo) AddCondition(ctx context.Context, seq string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO condition_subscriptions(seq, created_at) VALUES(?, ?)
		ON CONFLICT(seq) DO NOTHING
	`, seq, time.Now().UnixMilli())
	return err
}

func (r *Repo) RemoveCondition(ctx context.Context, seq string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM condition_subscriptions WHERE seq=?`, seq)
	return err
}

func (r *Repo) Load(ctx context.Context) (model.SubscriptionSnapshot, error) {
	snap := model.SubscriptionSnapshot{
		Groups:     make(map[string]map[string][]string),
		Conditions: []string{},
	}

	rows, err := r.db.QueryContext(ctx, `SELECT group_no, item, kind FROM subscriptions ORDER BY group_no, item, kind`)
	if err != nil {
		return snap, err
	}
	defer rows.Close()
	for rows.Next() {
		var group, item, kind string
		if err := rows.Scan(&group, &item, &kind); err != nil {
			return snap, err
		}
		if snap.Groups[group] == nil {
			snap.Groups[group] = make(map[string][]string)
		}
		snap.Groups[group][item] = append(snap.Groups[group][item], kind)
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}

	crows, err := r.db.QueryContext(ctx, `SELECT seq FROM condition_subscriptions ORDER BY seq`)
	if err != nil {
		return snap, err
	}
	defer crows.Close()
	for crows.Next() {
		var seq string
		if err := crows.Scan(&seq); err != nil {
			return snap, err
		}
		snap.Conditions = append(snap.Conditions, seq)
	}
	return snap, crows.Err()
}

var _ port.SubscriptionStore = (*Repo)(nil)
