package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"taskmill/internal/eventbus"
	"taskmill/internal/metrics"
	"taskmill/internal/store"
	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

// Service owns the periodic dispatch loop.
//
// One goroutine drives ticks; each tick reconciles finished workers, persists
// their outcomes, and launches new ones up to the parallel limit. Workers run
// concurrently with the driver and report back through their flight handles.
// The in-flight set is mutated only inside a tick, under the tick guard.
type Service struct {
	log      logx.Logger
	bus      eventbus.Bus
	store    store.Store
	handlers *task.Registry
	metrics  *metrics.Set

	// instance tags this scheduler's log lines; useful when several
	// environments write to one sink.
	instance string

	mu         sync.Mutex // guards opts and start/stop state
	opts       Options
	stopCh     chan struct{}
	started    bool
	stopped    bool
	reschedule chan time.Duration
	loopWG     sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc

	// tickMu is the reentrancy guard: regular ticks TryLock and skip when a
	// prior tick still runs; the shutdown drain blocks on it instead.
	tickMu   sync.Mutex
	inflight map[int64]*flight

	ticks       atomic.Uint64
	completed   atomic.Uint64
	succeededCt atomic.Uint64

	snapMu      sync.Mutex
	inflightIDs []int64

	// Unresolved-handler warnings repeat every tick while the record waits;
	// keep the operator signal without the spam.
	warnLimiter *rate.Limiter
}

func New(opts Options, st store.Store, handlers *task.Registry, log logx.Logger, bus eventbus.Bus, m *metrics.Set) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:         log.With(logx.String("comp", "scheduler")),
		bus:         bus,
		store:       st,
		handlers:    handlers,
		metrics:     m,
		instance:    uuid.NewString(),
		opts:        opts.withDefaults(),
		reschedule:  make(chan time.Duration, 1),
		inflight:    map[int64]*flight{},
		warnLimiter: rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
}

// Instance returns this scheduler's identity for diagnostics.
func (s *Service) Instance() string { return s.instance }

// Start launches the tick loop. It is a no-op on a second call.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	// Workers outlive the loop context so the shutdown drain can collect
	// them; runCancel fires only after the drain window closes.
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	cur := s.opts
	s.mu.Unlock()

	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		s.loop(ctx, cur.Interval)
	}()

	s.log.Info("service started",
		logx.String("instance", s.instance),
		logx.Duration("interval", cur.Interval),
		logx.Int("parallel_limit", cur.ParallelLimit))
}

func (s *Service) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case d := <-s.reschedule:
			ticker.Reset(d)
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one dispatch cycle unless the previous one is still going.
func (s *Service) tick(ctx context.Context) {
	if !s.tickMu.TryLock() {
		s.log.Debug("previous tick still running; skipping")
		return
	}
	defer s.tickMu.Unlock()
	s.runTick(ctx, false)
}

// Apply swaps the options snapshot and reschedules the timer when the
// interval changed. Safe to call while the loop is running.
func (s *Service) Apply(opts Options) {
	opts = opts.withDefaults()

	s.mu.Lock()
	old := s.opts
	s.opts = opts
	s.mu.Unlock()

	if old.Interval != opts.Interval {
		select {
		case s.reschedule <- opts.Interval:
		default:
		}
		s.log.Info("tick interval updated",
			logx.Duration("from", old.Interval), logx.Duration("to", opts.Interval))
	}
	if old.ParallelLimit != opts.ParallelLimit {
		s.log.Info("parallel limit updated",
			logx.Int("from", old.ParallelLimit), logx.Int("to", opts.ParallelLimit))
	}
}

// Stop disables the timer, then runs one final tick in drain mode: it blocks
// until any in-progress tick finishes, waits (bounded by DrainTimeout) for
// the remaining workers, and persists their outcomes so nothing is abandoned
// mid-flight.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	opts := s.opts
	s.mu.Unlock()

	s.loopWG.Wait()

	dctx, cancel := context.WithTimeout(ctx, opts.DrainTimeout)
	defer cancel()

	s.tickMu.Lock()
	s.runTick(dctx, true)
	s.tickMu.Unlock()

	// Release any workers that outlived the drain window.
	s.runCancel()

	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Counters returns the running tallies: ticks executed, tasks brought to a
// terminal state, and tasks that completed successfully.
func (s *Service) Counters() Counters {
	return Counters{
		Ticks:     s.ticks.Load(),
		Completed: s.completed.Load(),
		Succeeded: s.succeededCt.Load(),
	}
}

// Snapshot is a diagnostics view; the id list is refreshed at tick boundaries.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	opts := s.opts
	s.mu.Unlock()

	s.snapMu.Lock()
	ids := append([]int64(nil), s.inflightIDs...)
	s.snapMu.Unlock()

	return Snapshot{
		Options:     opts,
		Counters:    s.Counters(),
		InFlight:    len(ids),
		InFlightIDs: ids,
	}
}
