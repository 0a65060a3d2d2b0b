package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"taskmill/internal/eventbus"
	"taskmill/internal/store"
	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

// newTickService starts a service whose timer never fires during the test;
// ticks are driven manually through tick().
func newTickService(t *testing.T, opts Options, st store.Store, reg *task.Registry) *Service {
	t.Helper()
	opts.Interval = time.Hour
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	s := New(opts, st, reg, logx.Nop(), eventbus.New(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func tick(s *Service) {
	s.tickMu.Lock()
	s.runTick(context.Background(), false)
	s.tickMu.Unlock()
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestTickRunsTaskToCompletion(t *testing.T) {
	st := store.NewMemory()
	reg := task.NewRegistry()
	reg.RegisterFunc("ok", func(context.Context, map[string]string) (task.Result, error) {
		return task.Result{OK: true, Message: "done"}, nil
	})
	s := newTickService(t, Options{}, st, reg)

	rec := task.New("ok")
	if err := st.Create(context.Background(), rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	tick(s)
	got, _ := st.Get(context.Background(), rec.ID)
	if got.State != task.StateInProgress {
		t.Fatalf("expected in_progress after launch, got %s", got.State)
	}

	waitFor(t, "completion", func() bool {
		tick(s)
		return s.Counters().Completed == 1
	})

	got, _ = st.Get(context.Background(), rec.ID)
	if got.State != task.StateCompleted || got.ResultMessage != "done" {
		t.Fatalf("terminal write wrong: %+v", got)
	}
	c := s.Counters()
	if c.Succeeded != 1 {
		t.Fatalf("expected 1 success, got %+v", c)
	}
	if snap := s.Snapshot(); snap.InFlight != 0 {
		t.Fatalf("in-flight set not cleared: %+v", snap)
	}
}

func TestParallelLimitCapsLaunches(t *testing.T) {
	st := store.NewMemory()
	reg := task.NewRegistry()
	release := make(chan struct{})
	reg.RegisterFunc("block", func(ctx context.Context, _ map[string]string) (task.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return task.Result{OK: true}, nil
	})
	s := newTickService(t, Options{ParallelLimit: 2}, st, reg)

	var recs []*task.Record
	for i := 0; i < 3; i++ {
		r := task.New("block")
		if err := st.Create(context.Background(), r); err != nil {
			t.Fatalf("create: %v", err)
		}
		recs = append(recs, r)
	}

	tick(s)
	if snap := s.Snapshot(); snap.InFlight != 2 {
		t.Fatalf("expected 2 in flight, got %d", snap.InFlight)
	}
	got, _ := st.Get(context.Background(), recs[2].ID)
	if got.State != task.StatePending {
		t.Fatalf("third task must wait for capacity, got %s", got.State)
	}

	// No capacity and nothing finished: repeated ticks change nothing.
	tick(s)
	if snap := s.Snapshot(); snap.InFlight != 2 {
		t.Fatalf("over-launch at capacity: %d", snap.InFlight)
	}

	close(release)
	waitFor(t, "all three to finish", func() bool {
		tick(s)
		return s.Counters().Completed == 3
	})
	for _, r := range recs {
		got, _ := st.Get(context.Background(), r.ID)
		if got.State != task.StateCompleted {
			t.Fatalf("task %d not completed: %s", r.ID, got.State)
		}
	}
}

func TestParentRunsAfterChildren(t *testing.T) {
	st := store.NewMemory()
	reg := task.NewRegistry()

	var mu sync.Mutex
	var order []string
	reg.RegisterFunc("note", func(_ context.Context, cfg map[string]string) (task.Result, error) {
		mu.Lock()
		order = append(order, cfg["name"])
		mu.Unlock()
		return task.Result{OK: true}, nil
	})
	s := newTickService(t, Options{}, st, reg)

	parent := task.New("note")
	parent.Config = map[string]string{"name": "parent"}
	child := task.New("note")
	child.Config = map[string]string{"name": "child"}
	if err := parent.AttachChild(child); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := st.Create(context.Background(), parent); err != nil {
		t.Fatalf("create: %v", err)
	}

	tick(s)
	got, _ := st.Get(context.Background(), parent.ID)
	if got.State != task.StatePending {
		t.Fatalf("parent must not start while its child is pending, got %s", got.State)
	}

	waitFor(t, "both to finish", func() bool {
		tick(s)
		return s.Counters().Completed == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "child" || order[1] != "parent" {
		t.Fatalf("expected child before parent, got %v", order)
	}
}

func TestUnresolvedFailPolicy(t *testing.T) {
	st := store.NewMemory()
	s := newTickService(t, Options{OnUnresolved: UnresolvedFail}, st, task.NewRegistry())

	rec := task.New("ghost")
	if err := st.Create(context.Background(), rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	tick(s)
	got, _ := st.Get(context.Background(), rec.ID)
	if got.State != task.StateErrored || got.FailureDetail == "" {
		t.Fatalf("expected errored with detail, got %+v", got)
	}
	c := s.Counters()
	if c.Completed != 1 || c.Succeeded != 0 {
		t.Fatalf("counters wrong: %+v", c)
	}
}

func TestUnresolvedWaitPolicy(t *testing.T) {
	st := store.NewMemory()
	reg := task.NewRegistry()
	s := newTickService(t, Options{OnUnresolved: UnresolvedWait}, st, reg)

	rec := task.New("late")
	if err := st.Create(context.Background(), rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	tick(s)
	tick(s)
	got, _ := st.Get(context.Background(), rec.ID)
	if got.State != task.StatePending {
		t.Fatalf("task should stay pending until a handler appears, got %s", got.State)
	}
	if c := s.Counters(); c.Completed != 0 {
		t.Fatalf("nothing should have completed: %+v", c)
	}

	// Handler shows up late; the task runs on the next tick.
	reg.RegisterFunc("late", func(context.Context, map[string]string) (task.Result, error) {
		return task.Result{OK: true}, nil
	})
	waitFor(t, "late handler to run", func() bool {
		tick(s)
		return s.Counters().Completed == 1
	})
	got, _ = st.Get(context.Background(), rec.ID)
	if got.State != task.StateCompleted {
		t.Fatalf("expected completed, got %s", got.State)
	}
}

// cancelRaceStore cancels every record it hands out, modeling an external
// cancel landing between the ready fetch and the start write.
type cancelRaceStore struct {
	*store.Memory
}

func (c *cancelRaceStore) FetchReady(ctx context.Context, limit int, exclude []int64) ([]*task.Record, error) {
	recs, err := c.Memory.FetchReady(ctx, limit, exclude)
	for _, r := range recs {
		_ = c.Memory.Cancel(ctx, r.ID)
	}
	return recs, err
}

func TestCancelRacingDispatchWins(t *testing.T) {
	mem := store.NewMemory()
	st := &cancelRaceStore{Memory: mem}
	reg := task.NewRegistry()
	var ran bool
	reg.RegisterFunc("racy", func(context.Context, map[string]string) (task.Result, error) {
		ran = true
		return task.Result{OK: true}, nil
	})
	s := newTickService(t, Options{}, st, reg)

	rec := task.New("racy")
	if err := mem.Create(context.Background(), rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	tick(s)
	tick(s)

	if ran {
		t.Fatalf("a cancelled record's handler must not execute")
	}
	got, _ := mem.Get(context.Background(), rec.ID)
	if got.State != task.StateCancelled {
		t.Fatalf("cancelled state overwritten by the start write: %s", got.State)
	}
	if snap := s.Snapshot(); snap.InFlight != 0 {
		t.Fatalf("dropped record still tracked: %+v", snap)
	}
	if c := s.Counters(); c.Completed != 0 {
		t.Fatalf("dropped record must not count as completed: %+v", c)
	}
}

func TestCancelledRecordIsNeverDispatched(t *testing.T) {
	st := store.NewMemory()
	reg := task.NewRegistry()
	var ran bool
	reg.RegisterFunc("once", func(context.Context, map[string]string) (task.Result, error) {
		ran = true
		return task.Result{OK: true}, nil
	})
	s := newTickService(t, Options{}, st, reg)

	rec := task.New("once")
	if err := st.Create(context.Background(), rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.Cancel(context.Background(), rec.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	tick(s)
	tick(s)
	if ran {
		t.Fatalf("cancelled record must not execute")
	}
	got, _ := st.Get(context.Background(), rec.ID)
	if got.State != task.StateCancelled {
		t.Fatalf("expected cancelled, got %s", got.State)
	}
}

func TestStopDrainsInFlightWork(t *testing.T) {
	st := store.NewMemory()
	reg := task.NewRegistry()
	reg.RegisterFunc("slow", func(ctx context.Context, _ map[string]string) (task.Result, error) {
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return task.Result{}, ctx.Err()
		}
		return task.Result{OK: true, Message: "made it"}, nil
	})

	s := New(Options{Interval: time.Hour, DrainTimeout: 5 * time.Second}, st, reg, logx.Nop(), nil, nil)
	s.Start(context.Background())

	rec := task.New("slow")
	if err := st.Create(context.Background(), rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	tick(s)
	got, _ := st.Get(context.Background(), rec.ID)
	if got.State != task.StateInProgress {
		t.Fatalf("expected in_progress, got %s", got.State)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Stop(ctx)

	got, _ = st.Get(context.Background(), rec.ID)
	if got.State != task.StateCompleted || got.ResultMessage != "made it" {
		t.Fatalf("drain must persist the outcome, got %+v", got)
	}
}

func TestApplyUpdatesOptions(t *testing.T) {
	st := store.NewMemory()
	s := New(Options{Interval: time.Hour}, st, task.NewRegistry(), logx.Nop(), nil, nil)

	s.Apply(Options{Interval: time.Millisecond, ParallelLimit: 7})
	snap := s.Snapshot()
	if snap.Options.Interval != minInterval {
		t.Fatalf("apply must floor the interval, got %v", snap.Options.Interval)
	}
	if snap.Options.ParallelLimit != 7 {
		t.Fatalf("parallel limit not applied: %+v", snap.Options)
	}
}
