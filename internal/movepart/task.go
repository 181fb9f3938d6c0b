// Package movepart implements the Move-Part task-type handler of
// spec.md §4.5: once the embedded copy-partition task reaches DONE, it
// rewires the replication topology among up to four nodes (prev, the
// vacated source, the new destination, next) in the fixed order the
// section specifies, then commits the new ownership to the catalog.
//
// Shaped like the teacher's HealthMonitor wrapping a single recurring
// check: here a *copypart.Task is wrapped and, once it reports Done,
// driven through a second, smaller state machine of its own steps.
package movepart

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/funbringer/pg-shardman/internal/catalog"
	"github.com/funbringer/pg-shardman/internal/clock"
	"github.com/funbringer/pg-shardman/internal/copypart"
	"github.com/funbringer/pg-shardman/internal/reactor"
	"github.com/funbringer/pg-shardman/internal/sqlclient"
	"github.com/funbringer/pg-shardman/internal/task"
)

// stage is the handler's own state, entered only after the embedded CP
// task reaches copypart.StageDone (spec.md §4.5: steps 1-5 run strictly
// after CP's DONE).
type stage int

const (
	stageCopying stage = iota
	stagePrev
	stageDst
	stageSyncPrev
	stageNext
	stageMetadata
	stageDone
)

// Task is a Move-Part task: a *copypart.Task plus the extra neighbors
// and precomputed SQL bundles spec.md §3.1 lists for it.
type Task struct {
	cp *copypart.Task

	PartName string
	PrevNode catalog.NodeID // Invalid if the source had no upstream replica
	NextNode catalog.NodeID // Invalid if the source had no downstream replica

	// PrevSQL reshapes prev's replication config and creates the
	// data_<part>_<prev>_<dst> slot (spec.md §4.5 step 1).
	PrevSQL string
	// DstSQL reshapes dst's replication config and, if NextNode is
	// valid, creates the data_<part>_<dst>_<next> slot (step 2).
	DstSQL string
	// NextSQL attaches next as subscriber to dst (step 4).
	NextSQL string
	// UpdateMetadataSQL is the single local transaction that commits
	// the new ownership/chain linkage to the partitions table (step 5);
	// its triggers drop the now-obsolete LR channel.
	UpdateMetadataSQL string

	syncReplicas bool
	metaStore    catalog.MetadataStore

	prev *sqlclient.Client // nil if PrevNode is Invalid
	next *sqlclient.Client // nil if NextNode is Invalid

	stage stage
	clk   clock.Clock
	log   *logrus.Entry
}

// Config bundles what New needs beyond the task's identifying fields
// and SQL bundles.
type Config struct {
	PrevConnString string // ignored if PrevNode is Invalid
	NextConnString string // ignored if NextNode is Invalid
	SyncReplicas   bool
	MetaStore      catalog.MetadataStore
	Clock          clock.Clock
	Log            *logrus.Entry
}

// New wraps cp (already constructed, not yet stepped) into a Move-Part
// task. cp must still be at its zero stage (START_TABLESYNC).
func New(cp *copypart.Task, part string, prev, next catalog.NodeID, prevSQL, dstSQL, nextSQL, updateMetadataSQL string, cfg Config) *Task {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("handler", "move_part")

	t := &Task{
		cp:                 cp,
		PartName:           part,
		PrevNode:           prev,
		NextNode:           next,
		PrevSQL:            prevSQL,
		DstSQL:             dstSQL,
		NextSQL:            nextSQL,
		UpdateMetadataSQL:  updateMetadataSQL,
		syncReplicas:       cfg.SyncReplicas,
		metaStore:          cfg.MetaStore,
		stage:              stageCopying,
		clk:                cfg.Clock,
		log:                log,
	}
	if prev.IsValid() {
		t.prev = sqlclient.New(cfg.PrevConnString)
	}
	if next.IsValid() {
		t.next = sqlclient.New(cfg.NextConnString)
	}
	return t
}

// Key delegates to the embedded CP task's key: a Move-Part task and its
// CP task are the same unit of work from the reactor's point of view
// (spec.md §9, "Polymorphic task dispatch").
func (t *Task) Key() reactor.TaskKey {
	return t.cp.Key()
}

// Step implements task.Task: while the embedded copy is in progress,
// delegate straight to it; once it reports Done, drive this handler's
// own five-step rewire (spec.md §4.5).
func (t *Task) Step(ctx context.Context, now time.Time) task.StepResult {
	if t.stage == stageCopying {
		res := t.cp.Step(ctx, now)
		if res.Hint != task.Done {
			return res
		}
		if res.Result == task.Failed {
			t.closeAll()
			return res
		}
		t.stage = stagePrev
		return task.StepResult{Hint: task.WakeMeAt, WakeAt: now}
	}

	out := t.runStage(ctx)
	if out.err != nil {
		t.log.WithError(out.err).Error("move-part rewire step failed")
		t.closeAll()
		return task.StepResult{Hint: task.Done, Result: task.Failed}
	}
	if !out.advance {
		naptime := out.retry
		return task.StepResult{Hint: task.WakeMeAt, WakeAt: now.Add(naptime)}
	}

	if t.stage == stageDone {
		t.closeAll()
		return task.StepResult{Hint: task.Done, Result: task.Success}
	}
	return task.StepResult{Hint: task.WakeMeAt, WakeAt: now}
}

type stepOutcome struct {
	advance bool
	retry   time.Duration
	err     error
}

// runStage executes the current post-copy stage and advances to the
// next, skipping steps the topology makes moot (no prev, no next) per
// spec.md §4.5.
func (t *Task) runStage(ctx context.Context) stepOutcome {
	switch t.stage {
	case stagePrev:
		if !t.PrevNode.IsValid() {
			t.stage = stageDst
			return stepOutcome{advance: true}
		}
		if err := t.prev.EnsureConnected(ctx); err != nil {
			return stepOutcome{retry: 10 * timeSecond}
		}
		if err := t.prev.ExecBatch(ctx, t.PrevSQL); err != nil {
			return stepOutcome{retry: 10 * timeSecond}
		}
		t.stage = stageDst
		return stepOutcome{advance: true}

	case stageDst:
		if err := t.cp.Dst().ExecBatch(ctx, t.DstSQL); err != nil {
			return stepOutcome{retry: 10 * timeSecond}
		}
		t.stage = stageSyncPrev
		return stepOutcome{advance: true}

	case stageSyncPrev:
		if t.PrevNode.IsValid() && t.syncReplicas {
			sql := addSyncStandbySQL(standbyNameFor(t.cp.DstNode))
			if err := t.prev.ExecBatch(ctx, sql); err != nil {
				return stepOutcome{retry: 10 * timeSecond}
			}
		}
		t.stage = stageNext
		return stepOutcome{advance: true}

	case stageNext:
		if !t.NextNode.IsValid() {
			t.stage = stageMetadata
			return stepOutcome{advance: true}
		}
		if err := t.next.EnsureConnected(ctx); err != nil {
			return stepOutcome{retry: 10 * timeSecond}
		}
		if err := t.next.ExecBatch(ctx, t.NextSQL); err != nil {
			return stepOutcome{retry: 10 * timeSecond}
		}
		if t.syncReplicas {
			sql := addSyncStandbySQL(standbyNameFor(t.NextNode))
			if err := t.cp.Dst().ExecBatch(ctx, sql); err != nil {
				return stepOutcome{retry: 10 * timeSecond}
			}
		}
		t.stage = stageMetadata
		return stepOutcome{advance: true}

	case stageMetadata:
		if err := t.metaStore.ApplyMovePart(t.PartName, t.cp.SrcNode, t.cp.DstNode, t.PrevNode, t.NextNode); err != nil {
			return stepOutcome{retry: 10 * timeSecond}
		}
		t.stage = stageDone
		return stepOutcome{advance: true}

	default:
		return stepOutcome{advance: true}
	}
}

func (t *Task) closeAll() {
	t.cp.CloseConnections()
	ctx := context.Background()
	if t.prev != nil {
		t.prev.Close(ctx)
	}
	if t.next != nil {
		t.next.Close(ctx)
	}
}

const timeSecond = time.Second

// standbyNameFor is the application_name a node's replication
// connection registers under, used as the synchronous-standby-list
// entry for it (spec.md §4.5 step 3/4).
func standbyNameFor(n catalog.NodeID) string {
	return fmt.Sprintf("shardman_node_%s", n)
}

// addSyncStandbySQL is the catalog-agnostic part of installing a new
// standby into a node's synchronous_standby_names: appending a name is
// generic Postgres configuration, not a catalog-defined reshape, so it
// lives here rather than in a precomputed SQL bundle.
func addSyncStandbySQL(standbyName string) string {
	return fmt.Sprintf(
		`SELECT pg_catalog.set_config('synchronous_standby_names', `+
			`CASE WHEN current_setting('synchronous_standby_names') = '' `+
			`THEN %[1]q ELSE current_setting('synchronous_standby_names') || ',' || %[1]q END, false)`,
		standbyName,
	)
}
