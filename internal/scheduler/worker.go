package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

// outcome is a worker's terminal report, collected by the dispatcher on a
// later tick. Exactly one of res/err is meaningful: err != nil means the last
// attempt propagated an error (timedOut tells the resolver which terminal
// state applies), otherwise res holds the handler's verbatim result.
type outcome struct {
	res      task.Result
	err      error
	timedOut bool
	attempts int
}

// flight tracks one record owned by an active worker.
//
// done is buffered so the worker can report and exit without waiting for the
// dispatcher. out caches the received outcome so a failed completion write
// can be replayed on the next tick without losing the report.
type flight struct {
	rec       *task.Record
	done      chan outcome
	out       *outcome
	startedAt time.Time
}

func newFlight(rec *task.Record) *flight {
	return &flight{rec: rec, done: make(chan outcome, 1), startedAt: time.Now()}
}

// poll is the non-blocking finished check used by regular ticks.
func (f *flight) poll() *outcome {
	if f.out != nil {
		return f.out
	}
	select {
	case o := <-f.done:
		f.out = &o
	default:
	}
	return f.out
}

// wait blocks until the worker reports or ctx expires. Used in drain mode.
func (f *flight) wait(ctx context.Context) *outcome {
	if f.out != nil {
		return f.out
	}
	select {
	case o := <-f.done:
		f.out = &o
	case <-ctx.Done():
	}
	return f.out
}

// runWorker executes one record's handler to completion and reports exactly
// once on done. It never touches the store; all persistence happens on the
// dispatcher's next tick.
func (s *Service) runWorker(ctx context.Context, rec *task.Record, h task.Handler, done chan<- outcome) {
	done <- s.executeAttempts(ctx, rec, h)
}

// executeAttempts drives the per-task retry/timeout state machine:
//
//   - attempt budget is RetryLimit+1
//   - each attempt is bounded by the record's timeout, if any
//   - an elapsed deadline is terminal and consumes no further attempts
//   - any other error retries without delay until the budget is spent
//   - a non-error return ends the loop immediately, including ok=false:
//     logical failures are deliberately not retried, only thrown errors are
func (s *Service) executeAttempts(ctx context.Context, rec *task.Record, h task.Handler) (out outcome) {
	log := s.log.With(logx.Int64("task", rec.ID), logx.String("handler", rec.HandlerKind))

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in task handler", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			out.err = fmt.Errorf("handler panic: %v", r)
			out.timedOut = false
		}
	}()

	maxAttempts := rec.RetryLimit + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out.attempts = attempt

		attemptCtx := ctx
		var cancel context.CancelFunc
		if rec.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, rec.Timeout)
		}
		res, err := h.Execute(attemptCtx, rec.Config)
		deadlineHit := attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		if cancel != nil {
			cancel()
		}

		if err == nil {
			// A result that lands despite an elapsed deadline still counts;
			// the deadline only matters when the handler gives up with an
			// error.
			out.res = res
			return out
		}

		// Timeout classification keys off the attempt context's own deadline,
		// not the error value: a handler may legitimately propagate a wrapped
		// DeadlineExceeded from one of its sub-operations, and that stays an
		// ordinary retryable error.
		if deadlineHit {
			out.err = err
			out.timedOut = true
			return out
		}

		lastErr = err
		if ctx.Err() != nil {
			// Shutdown reached the worker; no point burning retries.
			break
		}
		if attempt < maxAttempts {
			log.Debug("task attempt failed; retrying",
				logx.Int("attempt", attempt), logx.Int("max_attempts", maxAttempts), logx.Err(err))
		}
	}

	out.err = lastErr
	return out
}
