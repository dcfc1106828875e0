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

	"intentd/internal/intent"
	logx "intentd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const intentColumns = `id, scheduler_type, task_id, intended_date, window_start, window_end, status,
	actual_execution_id, actual_started_at, actual_completed_at, error_message, reason, created_at, updated_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (intent.Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = DefaultPath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLiteStore(db, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path), logx.Duration("busy_timeout", busy))
	return st, nil
}

func newSQLiteStore(db *sql.DB, log logx.Logger) *sqliteStore {
	return &sqliteStore{db: db, log: log}
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

func (s *sqliteStore) Insert(ctx context.Context, in intent.ExecutionIntent) (intent.ExecutionIntent, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_intents(`+intentColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(scheduler_type, task_id, intended_date) DO NOTHING`,
		in.ID, in.SchedulerType, in.TaskID, in.IntendedDate,
		millis(in.WindowStart), millis(in.WindowEnd), string(in.Status),
		nullStr(in.ActualExecutionID), nullMillis(in.ActualStartedAt), nullMillis(in.ActualCompletedAt),
		nullStr(in.ErrorMessage), nullStr(in.Reason), millis(in.CreatedAt), millis(in.UpdatedAt),
	)
	if err != nil {
		return intent.ExecutionIntent{}, false, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return in, true, nil
	}
	existing, err := s.FindByNaturalKey(ctx, in.Key())
	return existing, false, err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (intent.ExecutionIntent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM execution_intents WHERE id = ?`, id)
	return scanOne(row)
}

func (s *sqliteStore) FindByNaturalKey(ctx context.Context, k intent.Key) (intent.ExecutionIntent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM execution_intents
		 WHERE scheduler_type = ? AND task_id = ? AND intended_date = ?`,
		k.SchedulerType, k.TaskID, k.IntendedDate,
	)
	return scanOne(row)
}

func (s *sqliteStore) Transition(ctx context.Context, id string, from intent.Status, u intent.Update) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_intents SET
			status = ?,
			actual_execution_id = COALESCE(?, actual_execution_id),
			actual_started_at = COALESCE(?, actual_started_at),
			actual_completed_at = COALESCE(?, actual_completed_at),
			error_message = COALESCE(?, error_message),
			reason = COALESCE(?, reason),
			updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(u.Status), nullStr(u.ActualExecutionID), nullMillis(u.ActualStartedAt), nullMillis(u.ActualCompletedAt),
		nullStr(u.ErrorMessage), nullStr(u.Reason), millis(u.UpdatedAt),
		id, string(from),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var cur string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM execution_intents WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return intent.ErrNotFound
	}
	if err != nil {
		return err
	}
	return &intent.TransitionError{ID: id, From: from, To: u.Status, Current: intent.Status(cur)}
}

func (s *sqliteStore) FindStalePending(ctx context.Context, now time.Time) ([]intent.ExecutionIntent, error) {
	return s.query(ctx,
		`SELECT `+intentColumns+` FROM execution_intents
		 WHERE status = ? AND window_end < ?
		 ORDER BY intended_date, window_end`,
		string(intent.StatusPending), millis(now),
	)
}

func (s *sqliteStore) FindStaleRunning(ctx context.Context, startedBefore time.Time) ([]intent.ExecutionIntent, error) {
	return s.query(ctx,
		`SELECT `+intentColumns+` FROM execution_intents
		 WHERE status = ? AND actual_started_at < ?
		 ORDER BY actual_started_at`,
		string(intent.StatusRunning), millis(startedBefore),
	)
}

func (s *sqliteStore) LatestForTask(ctx context.Context, schedulerType, taskID string) (intent.ExecutionIntent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM execution_intents
		 WHERE scheduler_type = ? AND task_id = ?
		 ORDER BY intended_date DESC LIMIT 1`,
		schedulerType, taskID,
	)
	return scanOne(row)
}

func (s *sqliteStore) List(ctx context.Context, f intent.Filter) ([]intent.ExecutionIntent, error) {
	var (
		where []string
		args  []any
	)
	if f.SchedulerType != "" {
		where = append(where, "scheduler_type = ?")
		args = append(args, f.SchedulerType)
	}
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.FromDate != "" {
		where = append(where, "intended_date >= ?")
		args = append(args, f.FromDate)
	}
	if f.ToDate != "" {
		where = append(where, "intended_date <= ?")
		args = append(args, f.ToDate)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}

	q := `SELECT ` + intentColumns + ` FROM execution_intents`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY intended_date, scheduler_type, task_id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.query(ctx, q, args...)
}

func (s *sqliteStore) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_intents WHERE status IN (?,?,?) AND created_at < ?`,
		string(intent.StatusCompleted), string(intent.StatusFailed), string(intent.StatusSkipped), millis(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]intent.ExecutionIntent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []intent.ExecutionIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOne(r rowScanner) (intent.ExecutionIntent, error) {
	in, err := scanIntent(r)
	if errors.Is(err, sql.ErrNoRows) {
		return intent.ExecutionIntent{}, intent.ErrNotFound
	}
	return in, err
}

func scanIntent(r rowScanner) (intent.ExecutionIntent, error) {
	var (
		in                     intent.ExecutionIntent
		status                 string
		windowStart, windowEnd int64
		createdAt, updatedAt   int64
		execID, errMsg, reason sql.NullString
		startedAt, completedAt sql.NullInt64
	)
	err := r.Scan(
		&in.ID, &in.SchedulerType, &in.TaskID, &in.IntendedDate, &windowStart, &windowEnd, &status,
		&execID, &startedAt, &completedAt, &errMsg, &reason, &createdAt, &updatedAt,
	)
	if err != nil {
		return intent.ExecutionIntent{}, err
	}
	in.Status = intent.Status(status)
	in.WindowStart = fromMillis(windowStart)
	in.WindowEnd = fromMillis(windowEnd)
	in.ActualExecutionID = execID.String
	if startedAt.Valid {
		in.ActualStartedAt = fromMillis(startedAt.Int64)
	}
	if completedAt.Valid {
		in.ActualCompletedAt = fromMillis(completedAt.Int64)
	}
	in.ErrorMessage = errMsg.String
	in.Reason = reason.String
	in.CreatedAt = fromMillis(createdAt)
	in.UpdatedAt = fromMillis(updatedAt)
	return in, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
