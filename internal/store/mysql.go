package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS tasks (
    id              BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
    state           VARCHAR(32)  NOT NULL DEFAULT 'pending',
    not_before      DATETIME(6)  NULL,
    retry_limit     INT          NOT NULL DEFAULT 0,
    timeout_ms      BIGINT       NOT NULL DEFAULT 0,
    handler_kind    VARCHAR(128) NOT NULL,
    config          JSON         NULL,
    owner           VARCHAR(255) NULL,
    parent_id       BIGINT UNSIGNED NULL,
    result_message  TEXT         NULL,
    warning_message TEXT         NULL,
    failure_detail  TEXT         NULL,
    created_at      DATETIME(6)  NOT NULL,
    updated_at      DATETIME(6)  NOT NULL,
    KEY idx_tasks_state (state, not_before),
    KEY idx_tasks_parent (parent_id)
)`

type mysqlStore struct {
	db  *sql.DB
	log logx.Logger
}

func openMySQL(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("store: mysql dsn is required")
	}

	// time.Time columns need parseTime; set it rather than depending on the
	// operator remembering the DSN flag.
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	mc.ParseTime = true

	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, mysqlSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &mysqlStore{db: db, log: log}, nil
}

func (s *mysqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *mysqlStore) Create(ctx context.Context, rec *task.Record) error {
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

	now := time.Now().UTC().Round(time.Microsecond)
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

func (s *mysqlStore) insertTx(ctx context.Context, tx *sql.Tx, rec *task.Record, parentID *int64, now time.Time) error {
	if rec.State == "" {
		rec.State = task.StatePending
	}
	cfg, err := encodeConfig(rec.Config)
	if err != nil {
		return err
	}
	var notBefore any
	if rec.NotBefore != nil {
		notBefore = rec.NotBefore.UTC()
	}
	var pid any
	if parentID != nil {
		pid = *parentID
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (state, not_before, retry_limit, timeout_ms, handler_kind, config, owner, parent_id, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		string(rec.State), notBefore, rec.RetryLimit, rec.Timeout.Milliseconds(),
		rec.HandlerKind, cfg, nullStr(rec.Owner), pid, now, now,
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

const mysqlSelectCols = `id, state, not_before, retry_limit, timeout_ms, handler_kind, config, owner, parent_id, result_message, warning_message, failure_detail, created_at, updated_at`

func (s *mysqlStore) FetchReady(ctx context.Context, limit int, exclude []int64) ([]*task.Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	q := `SELECT ` + mysqlSelectCols + `
		FROM tasks t
		WHERE t.state = 'pending'
		  AND (t.not_before IS NULL OR t.not_before <= ?)
		  AND NOT EXISTS (
		      SELECT 1 FROM tasks c
		      WHERE c.parent_id = t.id AND c.state IN ('pending','in_progress'))`
	args := []any{time.Now().UTC()}

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
		rec, err := scanMySQLRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *mysqlStore) Persist(ctx context.Context, recs []*task.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Round(time.Microsecond)
	n := 0
	for _, rec := range recs {
		q := `UPDATE tasks SET state=?, result_message=?, warning_message=?, failure_detail=?, updated_at=? WHERE id=?`
		if rec.State == task.StateInProgress {
			// Start transitions only land on rows still pending; a cancel
			// that raced the dispatch wins.
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

func (s *mysqlStore) Get(ctx context.Context, id int64) (*task.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mysqlSelectCols+` FROM tasks WHERE id = ?`, id)
	rec, err := scanMySQLRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *mysqlStore) Cancel(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var state string
	err = tx.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ? FOR UPDATE`, id).Scan(&state)
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
			string(task.StateCancelled), time.Now().UTC().Round(time.Microsecond), id,
		)
		if err != nil {
			return err
		}
		return tx.Commit()
	default:
		return task.ErrNotCancellable
	}
}

func scanMySQLRecord(row rowScanner) (*task.Record, error) {
	var (
		rec        task.Record
		state      string
		notBefore  sql.NullTime
		timeoutMS  int64
		cfg        sql.NullString
		owner      sql.NullString
		parentID   sql.NullInt64
		resultMsg  sql.NullString
		warnMsg    sql.NullString
		failDetail sql.NullString
	)
	err := row.Scan(&rec.ID, &state, &notBefore, &rec.RetryLimit, &timeoutMS,
		&rec.HandlerKind, &cfg, &owner, &parentID, &resultMsg, &warnMsg, &failDetail,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rec.State = task.State(state)
	if notBefore.Valid {
		t := notBefore.Time
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
	return &rec, nil
}
