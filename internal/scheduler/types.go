package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// minInterval bounds how fast the loop may tick, no matter what the config says.
const minInterval = 100 * time.Millisecond

// UnresolvedPolicy selects what happens to a ready record whose handler kind
// cannot be resolved.
type UnresolvedPolicy int

const (
	// UnresolvedFail finalizes the record immediately with the resolution
	// error captured in its failure detail.
	UnresolvedFail UnresolvedPolicy = iota

	// UnresolvedWait leaves the record pending and surfaces an operator
	// warning; the record is re-examined every tick until a handler appears
	// or it is cancelled.
	UnresolvedWait
)

func ParseUnresolvedPolicy(raw string) (UnresolvedPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "fail":
		return UnresolvedFail, nil
	case "wait", "pending":
		return UnresolvedWait, nil
	default:
		return UnresolvedFail, fmt.Errorf("scheduler: unknown on_unresolved policy %q", raw)
	}
}

// Options is the scheduler's hot-swappable configuration snapshot.
type Options struct {
	// Interval between dispatch cycles. Floored to minInterval.
	Interval time.Duration

	// ParallelLimit caps concurrently running tasks. 0 means unbounded.
	ParallelLimit int

	// FetchBatch sizes the ready query when ParallelLimit is 0. With a
	// non-zero limit the query is sized to the free capacity instead.
	FetchBatch int

	OnUnresolved UnresolvedPolicy

	// DrainTimeout bounds how long Stop waits for in-flight work.
	DrainTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval < minInterval {
		o.Interval = minInterval
	}
	if o.ParallelLimit < 0 {
		o.ParallelLimit = 0
	}
	if o.FetchBatch <= 0 {
		o.FetchBatch = 32
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
	return o
}

// Counters is the running tally of scheduler activity. Values only grow.
type Counters struct {
	Ticks     uint64 `json:"ticks"`
	Completed uint64 `json:"completed"`
	Succeeded uint64 `json:"succeeded"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Options     Options  `json:"options"`
	Counters    Counters `json:"counters"`
	InFlight    int      `json:"in_flight"`
	InFlightIDs []int64  `json:"in_flight_ids,omitempty"`
}
