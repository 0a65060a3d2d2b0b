package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tasks (
    id              BIGSERIAL PRIMARY KEY,
    state           TEXT        NOT NULL DEFAULT 'pending',
    not_before      TIMESTAMPTZ NULL,
    retry_limit     INT         NOT NULL DEFAULT 0,
    timeout_ms      BIGINT      NOT NULL DEFAULT 0,
    handler_kind    TEXT        NOT NULL,
    config          JSONB       NULL,
    owner           TEXT        NULL,
    parent_id       BIGINT      NULL REFERENCES tasks(id),
    result_message  TEXT        NULL,
    warning_message TEXT        NULL,
    failure_detail  TEXT        NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state, not_before);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id)`

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("store: postgres dsn is required")
	}

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pcfg.MaxConns = 10
	pcfg.HealthCheckPeriod = 30 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *postgresStore) Create(ctx context.Context, rec *task.Record) error {
	if rec.ID != 0 || rec.ParentID != nil {
		return task.ErrAlreadyPersisted
	}
	for _, c := range rec.Children {
		if c.ID != 0 {
			return task.ErrAlreadyPersisted
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

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
	return tx.Commit(ctx)
}

func (s *postgresStore) insertTx(ctx context.Context, tx pgx.Tx, rec *task.Record, parentID *int64, now time.Time) error {
	if rec.State == "" {
		rec.State = task.StatePending
	}
	cfg, err := encodeConfig(rec.Config)
	if err != nil {
		return err
	}
	var owner *string
	if strings.TrimSpace(rec.Owner) != "" {
		owner = &rec.Owner
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO tasks (state, not_before, retry_limit, timeout_ms, handler_kind, config, owner, parent_id, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 RETURNING id`,
		string(rec.State), rec.NotBefore, rec.RetryLimit, rec.Timeout.Milliseconds(),
		rec.HandlerKind, cfg, owner, parentID, now, now,
	).Scan(&rec.ID)
	if err != nil {
		return err
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

const postgresSelectCols = `id, state, not_before, retry_limit, timeout_ms, handler_kind, config, owner, parent_id, result_message, warning_message, failure_detail, created_at, updated_at`

func (s *postgresStore) FetchReady(ctx context.Context, limit int, exclude []int64) ([]*task.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	if exclude == nil {
		exclude = []int64{}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+postgresSelectCols+`
		 FROM tasks t
		 WHERE t.state = 'pending'
		   AND (t.not_before IS NULL OR t.not_before <= now())
		   AND NOT (t.id = ANY($1))
		   AND NOT EXISTS (
		       SELECT 1 FROM tasks c
		       WHERE c.parent_id = t.id AND c.state IN ('pending','in_progress'))
		 ORDER BY t.id ASC
		 LIMIT $2`,
		exclude, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Record
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *postgresStore) Persist(ctx context.Context, recs []*task.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now()
	n := 0
	for _, rec := range recs {
		q := `UPDATE tasks SET state=$1, result_message=$2, warning_message=$3, failure_detail=$4, updated_at=$5 WHERE id=$6`
		if rec.State == task.StateInProgress {
			// Start transitions only land on rows still pending; a cancel
			// that raced the dispatch wins.
			q += ` AND state='pending'`
		}
		tag, err := tx.Exec(ctx, q,
			string(rec.State), nullStr(rec.ResultMessage), nullStr(rec.WarningMessage), nullStr(rec.FailureDetail), now, rec.ID,
		)
		if err != nil {
			return 0, err
		}
		if tag.RowsAffected() > 0 {
			n++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *postgresStore) Get(ctx context.Context, id int64) (*task.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postgresSelectCols+` FROM tasks WHERE id = $1`, id)
	rec, err := scanPostgresRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *postgresStore) Cancel(ctx context.Context, id int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var state string
	err = tx.QueryRow(ctx, `SELECT state FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	switch task.State(state) {
	case task.StateCancelled:
		return tx.Commit(ctx) // idempotent
	case task.StatePending:
		_, err = tx.Exec(ctx,
			`UPDATE tasks SET state=$1, updated_at=now() WHERE id=$2`,
			string(task.StateCancelled), id,
		)
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	default:
		return task.ErrNotCancellable
	}
}

func scanPostgresRecord(row pgx.Row) (*task.Record, error) {
	var (
		rec        task.Record
		state      string
		notBefore  *time.Time
		timeoutMS  int64
		cfgJSON    []byte
		owner      *string
		parentID   *int64
		resultMsg  *string
		warnMsg    *string
		failDetail *string
	)
	err := row.Scan(&rec.ID, &state, &notBefore, &rec.RetryLimit, &timeoutMS,
		&rec.HandlerKind, &cfgJSON, &owner, &parentID, &resultMsg, &warnMsg, &failDetail,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rec.State = task.State(state)
	rec.NotBefore = notBefore
	rec.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if len(cfgJSON) > 0 {
		rec.Config, err = decodeConfigBytes(cfgJSON)
		if err != nil {
			return nil, err
		}
	}
	if owner != nil {
		rec.Owner = *owner
	}
	rec.ParentID = parentID
	if resultMsg != nil {
		rec.ResultMessage = *resultMsg
	}
	if warnMsg != nil {
		rec.WarningMessage = *warnMsg
	}
	if failDetail != nil {
		rec.FailureDetail = *failDetail
	}
	return &rec, nil
}
