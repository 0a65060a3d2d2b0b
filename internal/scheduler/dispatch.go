package scheduler

import (
	"context"
	"sort"
	"time"

	"taskmill/internal/eventbus"
	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

// storeTimeout bounds one tick's store I/O so a wedged backend cannot pin the
// tick guard forever.
const storeTimeout = 10 * time.Second

// runTick is one dispatch cycle. Callers must hold tickMu.
//
// Regular ticks use a non-blocking finished check; drain mode blocks on each
// worker until ctx expires and never launches new work.
func (s *Service) runTick(ctx context.Context, drain bool) {
	s.mu.Lock()
	opts := s.opts
	s.mu.Unlock()

	s.ticks.Add(1)
	s.metrics.TickObserved()

	tickCtx := ctx
	if !drain {
		var cancel context.CancelFunc
		tickCtx, cancel = context.WithTimeout(ctx, storeTimeout)
		defer cancel()
	}

	nFinished := s.reconcile(tickCtx, ctx, drain)

	if drain {
		if len(s.inflight) > 0 {
			s.log.Warn("drain window closed with tasks still in progress",
				logx.Int("remaining", len(s.inflight)))
		}
		s.refreshSnapshot()
		return
	}

	// Nothing reconciled and no free capacity: skip the store round-trips.
	if nFinished == 0 && opts.ParallelLimit > 0 && len(s.inflight) >= opts.ParallelLimit {
		s.refreshSnapshot()
		return
	}

	fetchN := opts.FetchBatch
	if opts.ParallelLimit > 0 {
		fetchN = opts.ParallelLimit - len(s.inflight)
	}
	if fetchN <= 0 {
		s.refreshSnapshot()
		return
	}

	nStarted := s.launch(tickCtx, opts, fetchN)
	s.refreshSnapshot()

	if s.bus != nil && (nFinished > 0 || nStarted > 0) {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeTick,
			Data: eventbus.TickEvent{Started: nStarted, Finished: nFinished},
		})
	}
}

// reconcile collects finished workers, resolves their outcomes, persists the
// batch, and frees their in-flight slots. A failed write keeps the outcomes
// cached on their flights, so the same terminal values are re-derived and
// replayed next tick. Returns how many records were finalized.
func (s *Service) reconcile(tickCtx, waitCtx context.Context, drain bool) int {
	finished := make([]*flight, 0, len(s.inflight))
	for _, f := range s.inflight {
		var out *outcome
		if drain {
			out = f.wait(waitCtx)
		} else {
			out = f.poll()
		}
		if out != nil {
			finished = append(finished, f)
		}
	}
	if len(finished) == 0 {
		return 0
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].rec.ID < finished[j].rec.ID })

	staged := make([]*task.Record, 0, len(finished))
	for _, f := range finished {
		resolveOutcome(f.rec, *f.out)
		staged = append(staged, f.rec)
	}

	if _, err := s.store.Persist(tickCtx, staged); err != nil {
		s.log.Warn("completion write failed; will retry next tick",
			logx.Err(err), logx.Int("records", len(staged)))
		return 0
	}

	for _, f := range finished {
		delete(s.inflight, f.rec.ID)
		ok := succeeded(f.rec.State)
		s.completed.Add(1)
		if ok {
			s.succeededCt.Add(1)
		}
		s.metrics.TaskCompleted(ok)

		dur := time.Since(f.startedAt)
		log := s.log.With(logx.Int64("task", f.rec.ID), logx.String("handler", f.rec.HandlerKind))
		switch f.rec.State {
		case task.StateCompleted, task.StateCompletedWithWarning:
			log.Info("task finished", logx.String("state", string(f.rec.State)),
				logx.Duration("dur", dur), logx.Int("attempts", f.out.attempts))
		default:
			log.Warn("task finished", logx.String("state", string(f.rec.State)),
				logx.Duration("dur", dur), logx.Int("attempts", f.out.attempts),
				logx.String("detail", f.rec.FailureDetail))
		}
		s.publishTaskEvent(eventbus.TypeTaskFinished, f.rec, f.out.attempts, dur)
	}
	return len(finished)
}

// launch fetches the next ready batch and starts workers for it in ascending
// id order. Returns how many workers were started.
func (s *Service) launch(ctx context.Context, opts Options, fetchN int) int {
	exclude := make([]int64, 0, len(s.inflight))
	for id := range s.inflight {
		exclude = append(exclude, id)
	}

	recs, err := s.store.FetchReady(ctx, fetchN, exclude)
	if err != nil {
		s.log.Warn("ready fetch failed", logx.Err(err))
		return 0
	}
	if len(recs) == 0 {
		return 0
	}

	started := 0
	unresolvable := make([]*task.Record, 0)
	for _, rec := range recs {
		h, err := s.handlers.Resolve(rec.HandlerKind)
		if err != nil {
			if opts.OnUnresolved == UnresolvedWait {
				if s.warnLimiter.Allow() {
					s.log.Warn("no handler registered; leaving task pending",
						logx.Int64("task", rec.ID), logx.String("handler", rec.HandlerKind))
				}
				continue
			}
			rec.State = task.StateErrored
			rec.FailureDetail = err.Error()
			unresolvable = append(unresolvable, rec)
			continue
		}

		// Claim the record before launching its worker. The write is
		// conditional on the row still being pending, so a cancel landing
		// between the ready fetch and this point wins and the record is
		// dropped instead of executed.
		rec.State = task.StateInProgress
		n, err := s.store.Persist(ctx, []*task.Record{rec})
		if err != nil {
			// The row stays pending in the store; the in-flight exclusion
			// keeps it from being re-fetched and the terminal write next
			// tick supersedes the missing in_progress state.
			s.log.Warn("start write failed", logx.Err(err), logx.Int64("task", rec.ID))
		} else if n == 0 {
			s.log.Debug("task no longer pending; dropping",
				logx.Int64("task", rec.ID), logx.String("handler", rec.HandlerKind))
			continue
		}

		f := newFlight(rec)
		s.inflight[rec.ID] = f
		go s.runWorker(s.runCtx, rec, h, f.done)
		started++

		s.log.Debug("task started", logx.Int64("task", rec.ID), logx.String("handler", rec.HandlerKind))
		s.publishTaskEvent(eventbus.TypeTaskStarted, rec, 0, 0)
	}

	if len(unresolvable) > 0 {
		if _, err := s.store.Persist(ctx, unresolvable); err != nil {
			// Still pending in the store; the next tick re-derives the same
			// errored outcome.
			s.log.Warn("unresolvable write failed", logx.Err(err), logx.Int("records", len(unresolvable)))
			return started
		}
		for _, rec := range unresolvable {
			s.completed.Add(1)
			s.metrics.TaskCompleted(false)
			s.publishTaskEvent(eventbus.TypeTaskFinished, rec, 0, 0)
		}
	}
	return started
}

func (s *Service) publishTaskEvent(typ string, rec *task.Record, attempts int, dur time.Duration) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: typ,
		Data: eventbus.TaskEvent{
			ID:          rec.ID,
			HandlerKind: rec.HandlerKind,
			State:       rec.State,
			Attempts:    attempts,
			Duration:    dur,
			Detail:      rec.FailureDetail,
		},
	})
}

// refreshSnapshot mirrors the in-flight set for Snapshot() readers and the
// in-flight gauge. Called at tick boundaries only; the set itself stays
// single-owner.
func (s *Service) refreshSnapshot() {
	ids := make([]int64, 0, len(s.inflight))
	for id := range s.inflight {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	s.snapMu.Lock()
	s.inflightIDs = ids
	s.snapMu.Unlock()

	s.metrics.SetInFlight(len(ids))
}
