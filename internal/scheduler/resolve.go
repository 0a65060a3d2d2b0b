package scheduler

import "taskmill/internal/task"

// resolveOutcome maps a finished worker's report onto the record's terminal
// state and message fields:
//
//	error classified as timeout     -> timed_out, failure detail captured
//	any other propagated error      -> errored, failure detail captured
//	ok=true, empty warning          -> completed
//	ok=true, non-empty warning      -> completed_with_warning
//	ok=false                        -> failed
//
// Result and warning messages are copied verbatim from the handler in all
// non-error branches.
func resolveOutcome(rec *task.Record, out outcome) {
	if out.err != nil {
		if out.timedOut {
			rec.State = task.StateTimedOut
		} else {
			rec.State = task.StateErrored
		}
		rec.FailureDetail = out.err.Error()
		return
	}

	rec.ResultMessage = out.res.Message
	rec.WarningMessage = out.res.Warning
	switch {
	case out.res.OK && out.res.Warning == "":
		rec.State = task.StateCompleted
	case out.res.OK:
		rec.State = task.StateCompletedWithWarning
	default:
		rec.State = task.StateFailed
	}
}

// succeeded reports whether a terminal state counts toward the success tally.
func succeeded(st task.State) bool {
	return st == task.StateCompleted || st == task.StateCompletedWithWarning
}
