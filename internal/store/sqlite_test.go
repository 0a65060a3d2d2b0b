package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "tasks.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteLifecycle(t *testing.T) {
	st := openTestSQLite(t)
	ctx := context.Background()

	parent := task.New("cmd")
	parent.Config = map[string]string{"cmd": "true"}
	parent.Owner = "ops"
	parent.RetryLimit = 2
	parent.Timeout = 5 * time.Second
	child := task.New("cmd")
	if err := parent.AttachChild(child); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := st.Create(ctx, parent); err != nil {
		t.Fatalf("create: %v", err)
	}
	if parent.ID == 0 || child.ID == 0 {
		t.Fatalf("ids not assigned: %d/%d", parent.ID, child.ID)
	}

	// Pending child gates the parent.
	ready, err := st.FetchReady(ctx, 10, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != child.ID {
		t.Fatalf("expected only the child, got %v", ids(ready))
	}

	got := ready[0]
	if got.HandlerKind != "cmd" || got.ParentID == nil || *got.ParentID != parent.ID {
		t.Fatalf("round trip mangled the record: %+v", got)
	}

	// Round-trip the parent's richer fields through Get.
	p, err := st.Get(ctx, parent.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Config["cmd"] != "true" || p.Owner != "ops" || p.RetryLimit != 2 || p.Timeout != 5*time.Second {
		t.Fatalf("parent fields lost: %+v", p)
	}

	// Finish the child; parent becomes ready.
	child.State = task.StateCompleted
	child.ResultMessage = "ok"
	n, err := st.Persist(ctx, []*task.Record{child})
	if err != nil || n != 1 {
		t.Fatalf("persist child: n=%d err=%v", n, err)
	}
	ready, err = st.FetchReady(ctx, 10, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != parent.ID {
		t.Fatalf("expected parent ready, got %v", ids(ready))
	}

	// Exclusion hides it again.
	ready, err = st.FetchReady(ctx, 10, []int64{parent.ID})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("exclude not honored: %v", ids(ready))
	}

	if _, err := st.Get(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteNotBeforeAndCancel(t *testing.T) {
	st := openTestSQLite(t)
	ctx := context.Background()

	delayed := task.New("cmd")
	later := time.Now().Add(time.Hour)
	delayed.NotBefore = &later
	if err := st.Create(ctx, delayed); err != nil {
		t.Fatalf("create: %v", err)
	}

	past := task.New("cmd")
	earlier := time.Now().Add(-time.Hour)
	past.NotBefore = &earlier
	if err := st.Create(ctx, past); err != nil {
		t.Fatalf("create: %v", err)
	}

	ready, err := st.FetchReady(ctx, 10, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != past.ID {
		t.Fatalf("not_before gate broken: %v", ids(ready))
	}

	if err := st.Cancel(ctx, delayed.ID); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if err := st.Cancel(ctx, delayed.ID); err != nil {
		t.Fatalf("cancel cancelled should be idempotent: %v", err)
	}

	past.State = task.StateInProgress
	if _, err := st.Persist(ctx, []*task.Record{past}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := st.Cancel(ctx, past.ID); !errors.Is(err, task.ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
	if err := st.Cancel(ctx, 4242); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// A start write on the cancelled row must not match.
	delayed.State = task.StateInProgress
	n, err := st.Persist(ctx, []*task.Record{delayed})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if n != 0 {
		t.Fatalf("start write on cancelled row wrote %d rows", n)
	}
	got, err := st.Get(ctx, delayed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != task.StateCancelled {
		t.Fatalf("cancelled state overwritten: %s", got.State)
	}
}
