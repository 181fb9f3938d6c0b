package task

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/funbringer/pg-shardman/internal/clock"
	"github.com/funbringer/pg-shardman/internal/reactor"
	"github.com/funbringer/pg-shardman/internal/signals"
)

// defaultSocketRetryDelay bounds how quickly the executor retries
// registering a task's socket with the reactor after a registration
// failure (e.g. a transient epoll_ctl error), so a single bad
// registration cannot spin the loop.
const defaultSocketRetryDelay = 100 * time.Millisecond

// Executor owns a set of heterogeneous tasks and drives each to
// completion concurrently, dispatching to its Step method whenever its
// deadline elapses or its socket becomes ready, until all finish or a
// signal is observed (spec.md §4.3).
//
// Generalized from the teacher's HealthMonitor.Start/Stop
// goroutine-with-context shape: where the teacher drives one recurring
// check on a ticker, the executor drives N independently-paced tasks
// through a shared reactor.
type Executor struct {
	reactor *reactor.Reactor
	clk     clock.Clock
	sig     *signals.Flags
	log     *logrus.Entry

	tasks      map[reactor.TaskKey]Task
	unfinished int
}

// NewExecutor returns an Executor with no tasks registered yet.
func NewExecutor(r *reactor.Reactor, clk clock.Clock, sig *signals.Flags, log *logrus.Entry) *Executor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{
		reactor: r,
		clk:     clk,
		sig:     sig,
		log:     log,
		tasks:   make(map[reactor.TaskKey]Task),
	}
}

// Add registers t with the executor and arms it to run on the next
// iteration (wake_time = now, per spec.md §3.3: new tasks are
// "initialized with wake_time = now").
func (e *Executor) Add(t Task) {
	e.tasks[t.Key()] = t
	e.unfinished++
	e.reactor.SetWake(t.Key(), e.clk.Now())
}

// NumUnfinished reports how many tasks have not yet reached a terminal
// state.
func (e *Executor) NumUnfinished() int {
	return e.unfinished
}

// Run executes the outer loop of spec.md §4.3 until every task has
// finished or a termination/cancellation signal is observed. It returns
// normally in either case; the caller inspects NumUnfinished (or each
// task's own state) to tell the two apart.
func (e *Executor) Run(ctx context.Context) error {
	for e.unfinished > 0 && !e.sig.Pending() {
		ready, err := e.reactor.Wait()
		if err != nil {
			return err
		}

		if e.sig.Pending() {
			break
		}

		now := e.clk.Now()

		// Sockets that fired this round.
		for _, key := range ready {
			e.dispatch(ctx, key, now)
		}

		// Deadlines that elapsed this round. Re-snapshot Due after each
		// dispatch is unnecessary since SetWake/RegisterSocket already
		// remove a task from the time-list the instant it is
		// dispatched; a second pass over the same (now-stale) Due slice
		// would simply find nothing left to do for those keys.
		for _, key := range e.reactor.Due(now) {
			e.dispatch(ctx, key, now)
		}
	}

	return nil
}

// dispatch invokes t.Step and applies the resulting directive, per
// spec.md §4.3 step 3.
func (e *Executor) dispatch(ctx context.Context, key reactor.TaskKey, now time.Time) {
	t, ok := e.tasks[key]
	if !ok {
		// Already finished and forgotten this round (e.g. reached via
		// both the ready-socket pass and a stale Due entry).
		return
	}

	res := t.Step(ctx, now)
	log := e.log.WithField("task", key).WithField("hint", res.Hint.String())

	switch res.Hint {
	case WakeMeAt:
		log.WithField("wake_at", res.WakeAt).Debug("task rescheduled")
		e.reactor.SetWake(key, res.WakeAt)
	case WaitOnSocket:
		log.Debug("task waiting on socket")
		if err := e.reactor.RegisterSocket(key, res.Fd); err != nil {
			log.WithError(err).Error("failed to register socket, retrying shortly")
			// Fall back to a short retry rather than losing the task.
			e.reactor.SetWake(key, now.Add(defaultSocketRetryDelay))
		}
	case Done:
		log.WithField("result", res.Result.String()).Info("task finished")
		e.reactor.Forget(key)
		delete(e.tasks, key)
		e.unfinished--
	}
}
