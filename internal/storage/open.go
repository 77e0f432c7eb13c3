package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "postbot/pkg/logx"
)

// Store is the persistence API used by the poster engine.
//
// UpdatePostIf is the compare-and-set the engine's status transitions are
// built on: concurrent actors (timer callback, cancel handler, sweep) each
// claim a transition by naming the status they read, and the loser of the
// race gets false instead of silently overwriting the winner's write.
type Store interface {
	InsertPost(ctx context.Context, p Post) (Post, error)
	UpdatePost(ctx context.Context, id string, upd PostUpdate) error
	UpdatePostIf(ctx context.Context, id string, expect Status, upd PostUpdate) (bool, error)
	PostByID(ctx context.Context, id string) (Post, error)
	PostsByStatus(ctx context.Context, st Status) ([]Post, error)
	PostsInRange(ctx context.Context, start, end time.Time) ([]Post, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
