// Package task defines the shared task header and dispatcher directive
// vocabulary (spec.md §3.1, §4.3) and the executor outer loop that drives
// a set of heterogeneous tasks to completion.
//
// Per spec.md §9 ("Polymorphic task dispatch"), task kinds are modeled as
// implementations of the Task interface rather than as a struct
// hierarchy: internal/movepart and internal/createreplica each embed a
// *copypart.Task and add their own post-copy steps, and the executor
// dispatches on the interface, never on a type tag.
package task

import (
	"context"
	"time"

	"github.com/funbringer/pg-shardman/internal/reactor"
)

// ExecHint is the dispatcher directive a Step returns, corresponding to
// spec.md §3.1's exec_hint attribute.
type ExecHint int

const (
	// WakeMeAt asks the executor to keep this task on the time-list and
	// re-invoke Step once WakeAt has elapsed.
	WakeMeAt ExecHint = iota
	// WaitOnSocket asks the executor to register Fd with the reactor and
	// re-invoke Step only once that socket becomes readable.
	WaitOnSocket
	// Done tells the executor the task has reached a terminal state;
	// Result distinguishes Success from Failed.
	Done
)

func (h ExecHint) String() string {
	switch h {
	case WakeMeAt:
		return "WAKE_ME_AT"
	case WaitOnSocket:
		return "WAIT_ON_SOCKET"
	case Done:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Result is a task's terminal outcome, corresponding to spec.md §3.1's
// result attribute. InProgress is also used as the zero value before a
// task reaches a terminal state.
type Result int

const (
	InProgress Result = iota
	Success
	Failed
)

func (r Result) String() string {
	switch r {
	case InProgress:
		return "IN_PROGRESS"
	case Success:
		return "SUCCESS"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// StepResult is what a task's Step method returns to the executor: the
// dispatcher directive, plus whichever of WakeAt/Fd/Result is relevant to
// that directive.
type StepResult struct {
	Hint   ExecHint
	WakeAt time.Time // meaningful when Hint == WakeMeAt
	Fd     uintptr   // meaningful when Hint == WaitOnSocket
	Result Result    // meaningful when Hint == Done
}

// Task is the interface the executor dispatches on. Implementations own
// all of their state; the executor only calls Step when the task's
// wake_time has elapsed or its registered socket fired (spec.md §4.3).
type Task interface {
	// Key returns a stable identifier for this task, used as the
	// reactor's bookkeeping key (spec.md §9: "an arena of tasks keyed by
	// stable indices").
	Key() reactor.TaskKey

	// Step advances the task by one increment. It must not block beyond
	// a short sequence of remote calls (spec.md §5, "Suspension points").
	Step(ctx context.Context, now time.Time) StepResult
}
