// Package supervisor manages long-running goroutines tied to a shared context.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "taskmill/pkg/logx"
)

// Supervisor runs named goroutines with panic recovery and supports a
// graceful, timeout-aware stop.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log logx.Logger

	// Counters are best-effort operational metrics.
	started uint64
	active  int64

	doneOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup
}

// Counters exposes best-effort goroutine counters.
// These are operational signals only (not a synchronization primitive).
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

func New(parent context.Context, log logx.Logger) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    log.With(logx.String("comp", "supervisor")),
		doneCh: make(chan struct{}),
	}
}

// Context returns the supervisor-scoped context handed to goroutines.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Go starts fn under the supervisor. A panic is logged and contained; a
// returned error is logged but does not stop siblings.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	s.wg.Add(1)

	go func() {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in goroutine",
					logx.String("name", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
			atomic.AddInt64(&s.active, -1)
			s.wg.Done()
			s.log.Debug("goroutine stopped",
				logx.String("name", name), logx.Duration("ran", time.Since(start)))
		}()

		s.log.Debug("goroutine started", logx.String("name", name))
		if err := fn(s.ctx); err != nil && s.ctx.Err() == nil {
			s.log.Warn("goroutine exited with error", logx.String("name", name), logx.Err(err))
		}
	}()
}

// Stop cancels the shared context and waits for all goroutines, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor: stop timed out with %d goroutines active", atomic.LoadInt64(&s.active))
	}
}

func (s *Supervisor) Stats() Counters {
	return Counters{
		Active:  atomic.LoadInt64(&s.active),
		Started: atomic.LoadUint64(&s.started),
	}
}
