package copypart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/funbringer/pg-shardman/internal/sqlclient"
	"github.com/funbringer/pg-shardman/internal/task"
)

// outcome is the internal result of one stage attempt, translated into a
// task.StepResult by Step. Modeled as an explicit enum rather than error
// sentinels plus goto-style cleanup (spec.md §9, "Retry policy as data").
type outcome struct {
	advance bool
	retry   time.Duration // meaningful when !advance && !wait && err == nil
	wait    bool          // meaningful when !advance && err == nil: a socket is pending
	fd      uintptr       // meaningful when wait
	err     error         // non-nil means fail the task outright
}

func advance() outcome                   { return outcome{advance: true} }
func retryAfter(d time.Duration) outcome { return outcome{retry: d} }
func fail(reason error) outcome          { return outcome{err: reason} }
func waitOnSocket(fd uintptr) outcome    { return outcome{wait: true, fd: fd} }

// Step advances the CP task by one stage attempt (spec.md §4.4). It never
// blocks beyond a short sequence of remote calls. Every SQL or connection
// error this state machine can hit (connection refused, constraint
// violation, timeout) is transient by policy and leads to a retry; the
// task ends as task.Failed only when a WAL position read back from a
// worker cannot be parsed as an LSN, or when Stage holds an unknown
// value. Precondition failures that
// should surface as FAILED are the caller's (internal/movepart,
// internal/createreplica) responsibility to check before admitting a task.
func (t *Task) Step(ctx context.Context, now time.Time) task.StepResult {
	var out outcome

	switch t.Stage {
	case StageStartTablesync:
		out = t.stepStartTablesync(ctx)
	case StageStartFinalsync:
		out = t.stepStartFinalsync(ctx)
	case StageFinalize:
		out = t.stepFinalize(ctx)
	case StageDone:
		return task.StepResult{Hint: task.Done, Result: task.Success}
	default:
		return task.StepResult{Hint: task.Done, Result: task.Failed}
	}

	if out.err != nil {
		t.log.WithError(out.err).Error("copy-partition task failed")
		return task.StepResult{Hint: task.Done, Result: task.Failed}
	}

	if out.wait {
		return task.StepResult{Hint: task.WaitOnSocket, Fd: out.fd}
	}

	if out.advance {
		t.log.WithField("stage", t.Stage.String()).Info("copy-partition stage advanced")
		if t.Stage == StageDone {
			return task.StepResult{Hint: task.Done, Result: task.Success}
		}
		return task.StepResult{Hint: task.WakeMeAt, WakeAt: now}
	}

	naptime := out.retry
	if naptime <= 0 {
		naptime = t.retryNaptime
	}
	return task.StepResult{Hint: task.WakeMeAt, WakeAt: now.Add(naptime)}
}

// stepStartTablesync runs the three DROP-IF-EXISTS/CREATE batches of
// spec.md §4.4 step 1, in order, retrying the whole attempt from scratch
// on any transient failure (the batches are individually idempotent, so
// re-running an earlier one after a later one failed is safe).
func (t *Task) stepStartTablesync(ctx context.Context) outcome {
	// spec.md §4.4: "verify that each worker has received all committed
	// metadata... if either lags, sleep cmd_retry_naptime and retry this
	// stage." Both src and dst are checked, unconditionally, so a lagging
	// src (which has not yet learned it is a valid move source) blocks the
	// stage exactly as a lagging dst does.
	dstCaughtUp := t.metaCaughtUp(ctx, t.dst)
	srcCaughtUp := t.metaCaughtUp(ctx, t.src)
	if !dstCaughtUp || !srcCaughtUp {
		return retryAfter(t.retryNaptime)
	}

	if err := t.dst.EnsureConnected(ctx); err != nil {
		return retryAfter(t.retryNaptime)
	}
	if err := t.dst.ExecBatch(ctx, t.dstPrepareBatch()); err != nil {
		return t.transient(err)
	}

	if err := t.src.EnsureConnected(ctx); err != nil {
		return retryAfter(t.retryNaptime)
	}
	if err := t.src.ExecBatch(ctx, t.srcPublicationBatch()); err != nil {
		return t.transient(err)
	}

	if err := t.dst.ExecBatch(ctx, t.dstSubscribeBatch(t.srcConnString)); err != nil {
		return t.transient(err)
	}

	t.Stage = StageStartFinalsync
	return advance()
}

// stepStartFinalsync polls dst's tablesync state until it reaches "ready"
// (pg_subscription_rel.srsubstate = 'r'), then freezes the source table
// and captures src's current WAL position as sync_point, per spec.md §4.4
// step 2. The poll itself is issued asynchronously (sendTablesyncPoll /
// recvTablesyncPoll) since it is the point a task can sit waiting the
// longest: an initial table copy can take a long time to catch up, and
// every other task deserves to keep making progress while this one's
// round trip is outstanding (spec.md §2, §4.2).
func (t *Task) stepStartFinalsync(ctx context.Context) outcome {
	if t.awaitingTablesync {
		return t.recvTablesyncPoll(ctx)
	}
	return t.sendTablesyncPoll(ctx)
}

func (t *Task) sendTablesyncPoll(ctx context.Context) outcome {
	if err := t.dst.EnsureConnected(ctx); err != nil {
		return retryAfter(t.retryNaptime)
	}
	if err := t.dst.AsyncQueryRow(ctx, subscriptionStateQuery, t.LogName); err != nil {
		return t.transient(err)
	}
	fd, err := t.dst.Fd()
	if err != nil {
		return t.transient(err)
	}
	t.awaitingTablesync = true
	return waitOnSocket(fd)
}

// recvTablesyncPoll drains the reply to a previously-sent
// sendTablesyncPoll once dst's socket is readable, and either loops back
// to polling again (not yet ready, or its catalog row doesn't exist yet)
// or proceeds to freeze the source table and then capture sync_point.
func (t *Task) recvTablesyncPoll(ctx context.Context) outcome {
	t.awaitingTablesync = false

	var state string
	if err := t.dst.PollQueryRow(ctx, &state); err != nil {
		if errors.Is(err, sqlclient.ErrNoRows) {
			// Tablesync worker hasn't created its catalog row yet.
			return retryAfter(t.pollInterval)
		}
		return t.transient(err)
	}
	if state != subscriptionReadyState {
		return retryAfter(t.pollInterval)
	}

	if err := t.src.ExecBatch(ctx, t.FreezeSrcTableSQL); err != nil {
		return t.transient(err)
	}

	var lsnText string
	if err := t.src.QueryRow(ctx, currentWALLSNQuery, nil, &lsnText); err != nil {
		return t.transient(err)
	}
	lsn, err := pglogrepl.ParseLSN(lsnText)
	if err != nil {
		return fail(fmt.Errorf("copypart: parse sync_point lsn %q: %w", lsnText, err))
	}
	t.SyncPoint = lsn

	t.Stage = StageFinalize
	return advance()
}

// stepFinalize polls dst's received_lsn until it has caught up to
// sync_point, meaning every row written before the freeze has replicated,
// then marks the task DONE. The copy channel's subscription/slot are left
// in place for the caller (internal/movepart, internal/createreplica) to
// repurpose or tear down, per spec.md §4.4 step 3. Like
// stepStartFinalsync, the poll is asynchronous: this is the other point a
// task can sit waiting for an arbitrary stretch of wall-clock time.
func (t *Task) stepFinalize(ctx context.Context) outcome {
	if t.awaitingReceivedLSN {
		return t.recvFinalizePoll(ctx)
	}
	return t.sendFinalizePoll(ctx)
}

func (t *Task) sendFinalizePoll(ctx context.Context) outcome {
	if err := t.dst.EnsureConnected(ctx); err != nil {
		return retryAfter(t.retryNaptime)
	}
	if err := t.dst.AsyncQueryRow(ctx, receivedLSNQuery, t.LogName); err != nil {
		return t.transient(err)
	}
	fd, err := t.dst.Fd()
	if err != nil {
		return t.transient(err)
	}
	t.awaitingReceivedLSN = true
	return waitOnSocket(fd)
}

func (t *Task) recvFinalizePoll(ctx context.Context) outcome {
	t.awaitingReceivedLSN = false

	var lsnText string
	if err := t.dst.PollQueryRow(ctx, &lsnText); err != nil {
		return t.transient(err)
	}
	received, err := pglogrepl.ParseLSN(lsnText)
	if err != nil {
		return fail(fmt.Errorf("copypart: parse received_lsn %q: %w", lsnText, err))
	}

	if received < t.SyncPoint {
		return retryAfter(t.pollInterval)
	}

	t.Stage = StageDone
	return advance()
}

// metaCaughtUp reports whether node's standing metadata subscription has
// received at least as much WAL as the shardlord had generated at the
// time of the check — the precondition spec.md §4.4 requires of both src
// and dst before START_TABLESYNC touches anything, so neither worker ever
// acts on a stale view of the catalog. Issued as a plain, blocking
// QueryRow pair rather than the async path stepStartFinalsync/stepFinalize
// use: this check runs at most once per START_TABLESYNC attempt (itself
// already throttled to cmd_retry_naptime on failure), so its two round
// trips never approach the wait times those steady-state polls can reach
// (see DESIGN.md).
func (t *Task) metaCaughtUp(ctx context.Context, node *sqlclient.Client) bool {
	var lordLSNText string
	if err := t.meta.QueryRow(ctx, currentWALLSNQuery, nil, &lordLSNText); err != nil {
		return false
	}
	lordLSN, err := pglogrepl.ParseLSN(lordLSNText)
	if err != nil {
		return false
	}

	if err := node.EnsureConnected(ctx); err != nil {
		return false
	}
	var receivedText string
	if err := node.QueryRow(ctx, receivedLSNQuery, []any{metadataSubscriptionName}, &receivedText); err != nil {
		return false
	}
	received, err := pglogrepl.ParseLSN(receivedText)
	if err != nil {
		return false
	}

	return received >= lordLSN
}

// transient classifies err as a retry rather than a failure: every SQL
// error this state machine can hit on its own (connection refused,
// serialization failure, a worker being temporarily down) is handled by
// backing off and trying again, never by giving up (spec.md §8.1,
// "Idempotent retry").
func (t *Task) transient(err error) outcome {
	t.log.WithError(err).Warn("copy-partition step failed, retrying")
	return retryAfter(t.retryNaptime)
}
