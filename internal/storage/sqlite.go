package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "postbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) InsertPost(ctx context.Context, p Post) (Post, error) {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO posts(id, content, status, scheduled_at, posted_at, external_id, error_message, source_ref, attempts, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Content, string(p.Status), nullMillis(p.ScheduledAt), nullMillis(p.PostedAt),
		nullStr(p.ExternalID), nullStr(p.ErrorMessage), nullStr(p.SourceRef), p.Attempts,
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return Post{}, err
	}
	return p, nil
}

func buildPostUpdate(upd PostUpdate) (sets []string, args []any) {
	sets = make([]string, 0, 7)
	args = make([]any, 0, 9)

	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.ScheduledAt != nil {
		sets = append(sets, "scheduled_at = ?")
		args = append(args, nullMillis(*upd.ScheduledAt))
	}
	if upd.PostedAt != nil {
		sets = append(sets, "posted_at = ?")
		args = append(args, nullMillis(*upd.PostedAt))
	}
	if upd.ExternalID != nil {
		sets = append(sets, "external_id = ?")
		args = append(args, nullStr(*upd.ExternalID))
	}
	if upd.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*upd.ErrorMessage))
	}
	if upd.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *upd.Attempts)
	}
	if len(sets) == 0 {
		return nil, nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UnixMilli())
	return sets, args
}

func (s *sqliteStore) UpdatePost(ctx context.Context, id string, upd PostUpdate) error {
	sets, args := buildPostUpdate(upd)
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE posts SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePostIf applies upd only while the post's status still equals expect.
// Returns false (no error) when the row is gone or another writer moved the
// status first; the WHERE clause makes the check and the write one atomic
// statement.
func (s *sqliteStore) UpdatePostIf(ctx context.Context, id string, expect Status, upd PostUpdate) (bool, error) {
	sets, args := buildPostUpdate(upd)
	if len(sets) == 0 {
		return false, nil
	}
	args = append(args, id, string(expect))

	res, err := s.db.ExecContext(ctx,
		"UPDATE posts SET "+strings.Join(sets, ", ")+" WHERE id = ? AND status = ?", args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const postCols = `id, content, status, scheduled_at, posted_at, external_id, error_message, source_ref, attempts, created_at, updated_at`

func (s *sqliteStore) PostByID(ctx context.Context, id string) (Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postCols+` FROM posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	return p, err
}

func (s *sqliteStore) PostsByStatus(ctx context.Context, st Status) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postCols+` FROM posts WHERE status = ? ORDER BY scheduled_at ASC, created_at ASC`, string(st))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

func (s *sqliteStore) PostsInRange(ctx context.Context, start, end time.Time) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postCols+` FROM posts
		 WHERE scheduled_at IS NOT NULL AND scheduled_at >= ? AND scheduled_at < ?
		 ORDER BY scheduled_at ASC`,
		start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

func (s *sqliteStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM posts GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[Status]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(r rowScanner) (Post, error) {
	var (
		p                     Post
		status                string
		schedMS, postMS       sql.NullInt64
		extID, errMsg, srcRef sql.NullString
		createdMS, updatedMS  int64
	)
	err := r.Scan(&p.ID, &p.Content, &status, &schedMS, &postMS, &extID, &errMsg, &srcRef, &p.Attempts, &createdMS, &updatedMS)
	if err != nil {
		return Post{}, err
	}
	p.Status = Status(status)
	if schedMS.Valid {
		p.ScheduledAt = time.UnixMilli(schedMS.Int64)
	}
	if postMS.Valid {
		p.PostedAt = time.UnixMilli(postMS.Int64)
	}
	p.ExternalID = extID.String
	p.ErrorMessage = errMsg.String
	p.SourceRef = srcRef.String
	p.CreatedAt = time.UnixMilli(createdMS)
	p.UpdatedAt = time.UnixMilli(updatedMS)
	return p, nil
}

func collectPosts(rows *sql.Rows) ([]Post, error) {
	var out []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
