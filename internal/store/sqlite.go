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

	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

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

func (s *sqliteStore) Create(ctx context.Context, rec *task.Record) error {
	if rec.ID != 0 || rec.ParentID != nil {
		return task.ErrAlreadyPersisted
	}
	for _, c := range rec.Children {
		if c.ID != 0 {
			return task.ErrAlreadyPersisted
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	if err := s.insertTx(ctx, tx, rec, nil, now); err != nil {
		return err
	}
	for _, c := range rec.Children {
		pid := rec.ID
		if err := s.insertTx(ctx, tx, c, &pid, now); err != nil {
			return err
		}
		c.ParentID = &pid
	}
	return tx.Commit()
}

func (s *sqliteStore) insertTx(ctx context.Context, tx *sql.Tx, rec *task.Record, parentID *int64, now time.Time) error {
	if rec.State == "" {
		rec.State = task.StatePending
	}
	cfg, err := encodeConfig(rec.Config)
	if err != nil {
		return err
	}
	var notBefore any
	if rec.NotBefore != nil {
		notBefore = rec.NotBefore.UnixMilli()
	}
	var pid any
	if parentID != nil {
		pid = *parentID
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO tasks(state, not_before, retry_limit, timeout_ms, handler_kind, config, owner, parent_id, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		string(rec.State), notBefore, rec.RetryLimit, rec.Timeout.Milliseconds(),
		rec.HandlerKind, cfg, nullStr(rec.Owner), pid,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	rec.ID = id
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

const sqliteSelectCols = `id, state, not_before, retry_limit, timeout_ms, handler_kind, config, owner, parent_id, result_message, warning_message, failure_detail, created_at, updated_at`

func (s *sqliteStore) FetchReady(ctx context.Context, limit int, exclude []int64) ([]*task.Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	q := `SELECT ` + sqliteSelectCols + `
		FROM tasks t
		WHERE t.state = 'pending'
		  AND (t.not_before IS NULL OR t.not_before <= ?)
		  AND NOT EXISTS (
		      SELECT 1 FROM tasks c
		      WHERE c.parent_id = t.id AND c.state IN ('pending','in_progress'))`
	args := []any{time.Now().UnixMilli()}

	if ph, exArgs := excludePlaceholders(exclude); ph != "" {
		q += ` AND t.id NOT IN (` + ph + `)`
		args = append(args, exArgs...)
	}
	q += ` ORDER BY t.id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Persist(ctx context.Context, recs []*task.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Format(time.RFC3339Nano)
	n := 0
	for _, rec := range recs {
		q := `UPDATE tasks SET state=?, result_message=?, warning_message=?, failure_detail=?, updated_at=? WHERE id=?`
		if rec.State == task.StateInProgress {
			// The start transition only lands on rows still pending, so a
			// concurrent cancel is never overwritten.
			q += ` AND state='pending'`
		}
		res, err := tx.ExecContext(ctx, q,
			string(rec.State), nullStr(rec.ResultMessage), nullStr(rec.WarningMessage), nullStr(rec.FailureDetail), now, rec.ID,
		)
		if err != nil {
			return 0, err
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			n++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (*task.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSelectCols+` FROM tasks WHERE id = ?`, id)
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *sqliteStore) Cancel(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var state string
	err = tx.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	switch task.State(state) {
	case task.StateCancelled:
		return tx.Commit() // idempotent
	case task.StatePending:
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET state=?, updated_at=? WHERE id=?`,
			string(task.StateCancelled), time.Now().Format(time.RFC3339Nano), id,
		)
		if err != nil {
			return err
		}
		return tx.Commit()
	default:
		return task.ErrNotCancellable
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*task.Record, error) {
	var (
		rec        task.Record
		state      string
		notBefore  sql.NullInt64
		timeoutMS  int64
		cfg        sql.NullString
		owner      sql.NullString
		parentID   sql.NullInt64
		resultMsg  sql.NullString
		warnMsg    sql.NullString
		failDetail sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&rec.ID, &state, &notBefore, &rec.RetryLimit, &timeoutMS,
		&rec.HandlerKind, &cfg, &owner, &parentID, &resultMsg, &warnMsg, &failDetail,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	rec.State = task.State(state)
	if notBefore.Valid {
		t := time.UnixMilli(notBefore.Int64)
		rec.NotBefore = &t
	}
	rec.Timeout = time.Duration(timeoutMS) * time.Millisecond
	rec.Config, err = decodeConfig(cfg)
	if err != nil {
		return nil, err
	}
	rec.Owner = strOf(owner)
	if parentID.Valid {
		pid := parentID.Int64
		rec.ParentID = &pid
	}
	rec.ResultMessage = strOf(resultMsg)
	rec.WarningMessage = strOf(warnMsg)
	rec.FailureDetail = strOf(failDetail)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return &rec, nil
}
