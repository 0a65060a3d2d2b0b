package task

import "context"

// Result is what a handler reports when it returns without an error.
//
// OK=false means the work ran to completion but did not achieve its goal
// (a logical failure). Logical failures are terminal and are NOT retried;
// only returned errors consume the retry budget.
type Result struct {
	OK      bool
	Message string
	Warning string
}

// Handler executes one task attempt.
//
// The context carries the per-attempt deadline when the record has a timeout;
// implementations must honor cancellation promptly. Unexpected faults are
// reported by returning an error.
type Handler interface {
	Execute(ctx context.Context, cfg map[string]string) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, cfg map[string]string) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, cfg map[string]string) (Result, error) {
	return f(ctx, cfg)
}
