package store

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

	"procman/internal/job"
	"procman/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
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

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
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

func (s *sqliteStore) Put(ctx context.Context, st job.Status) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_status(name, state, pid, run_id, last_start, last_exit_code,
		                        consecutive_failures, next_due, error, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET
		   state=excluded.state, pid=excluded.pid, run_id=excluded.run_id,
		   last_start=excluded.last_start, last_exit_code=excluded.last_exit_code,
		   consecutive_failures=excluded.consecutive_failures,
		   next_due=excluded.next_due, error=excluded.error,
		   updated_at=excluded.updated_at`,
		st.Name, st.State.String(), st.PID, st.RunID,
		timeStr(st.LastStart), st.LastExitCode, st.ConsecutiveFailures,
		timeStr(st.NextDue), st.Error, timeStr(st.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) All(ctx context.Context) ([]job.Status, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, state, pid, run_id, last_start, last_exit_code,
		        consecutive_failures, next_due, error, updated_at
		 FROM job_status ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Status
	for rows.Next() {
		var st job.Status
		var state, lastStart, nextDue, updatedAt string
		if err := rows.Scan(&st.Name, &state, &st.PID, &st.RunID, &lastStart,
			&st.LastExitCode, &st.ConsecutiveFailures, &nextDue, &st.Error, &updatedAt); err != nil {
			return nil, err
		}
		st.State = job.ParseState(state)
		st.LastStart = parseTime(lastStart)
		st.NextDue = parseTime(nextDue)
		st.UpdatedAt = parseTime(updatedAt)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM job_status WHERE name = ?`, name)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func timeStr(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
