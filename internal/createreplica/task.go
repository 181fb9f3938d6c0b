// Package createreplica implements the Create-Replica task-type handler
// of spec.md §4.6: once the embedded copy-partition task reaches DONE,
// the one-shot copy channel is converted into a permanent data channel
// from src to dst, and the new tail is committed to the catalog.
package createreplica

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/funbringer/pg-shardman/internal/catalog"
	"github.com/funbringer/pg-shardman/internal/clock"
	"github.com/funbringer/pg-shardman/internal/copypart"
	"github.com/funbringer/pg-shardman/internal/reactor"
	"github.com/funbringer/pg-shardman/internal/task"
)

type stage int

const (
	stageCopying stage = iota
	stageDropCopySub
	stagePermanentPublication
	stagePermanentSubscription
	stageSyncAndUnfreeze
	stageMetadata
	stageDone
)

// Task is a Create-Replica task: a *copypart.Task plus the precomputed
// SQL bundles spec.md §4.6 needs to promote the copy channel into a
// standing data channel.
type Task struct {
	cp *copypart.Task

	PartName string

	// CreatePermanentPublicationSQL is catalog-defined SQL that, on src,
	// creates the permanent data publication and the
	// data_<part>_<src>_<dst> replication slot (step 2).
	CreatePermanentPublicationSQL string
	// CreatePermanentSubscriptionSQL is catalog-defined SQL that, on
	// dst, creates the permanent subscription bound to that slot
	// (step 3).
	CreatePermanentSubscriptionSQL string
	// UnfreezeSrcTableSQL makes the source partition table writable
	// again now that it has a steady-state replica (step 4, second
	// half).
	UnfreezeSrcTableSQL string
	// UpdateMetadataSQL commits dst as the new chain tail (step 5).
	UpdateMetadataSQL string

	syncReplicas bool
	metaStore    catalog.MetadataStore

	stage stage
	clk   clock.Clock
	log   *logrus.Entry
}

// Config bundles what New needs beyond the task's identifying fields
// and SQL bundles.
type Config struct {
	SyncReplicas bool
	MetaStore    catalog.MetadataStore
	Clock        clock.Clock
	Log          *logrus.Entry
}

// New wraps cp (already constructed, not yet stepped) into a
// Create-Replica task.
func New(cp *copypart.Task, part, createPublicationSQL, createSubscriptionSQL, unfreezeSrcTableSQL, updateMetadataSQL string, cfg Config) *Task {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("handler", "create_replica")

	return &Task{
		cp:                              cp,
		PartName:                        part,
		CreatePermanentPublicationSQL:   createPublicationSQL,
		CreatePermanentSubscriptionSQL:  createSubscriptionSQL,
		UnfreezeSrcTableSQL:             unfreezeSrcTableSQL,
		UpdateMetadataSQL:               updateMetadataSQL,
		syncReplicas:                    cfg.SyncReplicas,
		metaStore:                       cfg.MetaStore,
		stage:                           stageCopying,
		clk:                             cfg.Clock,
		log:                             log,
	}
}

// Key delegates to the embedded CP task's key.
func (t *Task) Key() reactor.TaskKey {
	return t.cp.Key()
}

// Step implements task.Task, following the same copying-then-own-stages
// shape as internal/movepart.
func (t *Task) Step(ctx context.Context, now time.Time) task.StepResult {
	if t.stage == stageCopying {
		res := t.cp.Step(ctx, now)
		if res.Hint != task.Done {
			return res
		}
		if res.Result == task.Failed {
			t.cp.CloseConnections()
			return res
		}
		t.stage = stageDropCopySub
		return task.StepResult{Hint: task.WakeMeAt, WakeAt: now}
	}

	out := t.runStage(ctx)
	if out.err != nil {
		t.log.WithError(out.err).Error("create-replica promotion step failed")
		t.cp.CloseConnections()
		return task.StepResult{Hint: task.Done, Result: task.Failed}
	}
	if !out.advance {
		return task.StepResult{Hint: task.WakeMeAt, WakeAt: now.Add(out.retry)}
	}

	if t.stage == stageDone {
		t.cp.CloseConnections()
		return task.StepResult{Hint: task.Done, Result: task.Success}
	}
	return task.StepResult{Hint: task.WakeMeAt, WakeAt: now}
}

type stepOutcome struct {
	advance bool
	retry   time.Duration
	err     error
}

// runStage executes the current promotion stage and advances to the
// next, per spec.md §4.6.
func (t *Task) runStage(ctx context.Context) stepOutcome {
	switch t.stage {
	case stageDropCopySub:
		if err := t.cp.Dst().ExecBatch(ctx, dropCopySubscriptionSQL(t.cp.LogName)); err != nil {
			return stepOutcome{retry: 10 * time.Second}
		}
		t.stage = stagePermanentPublication
		return stepOutcome{advance: true}

	case stagePermanentPublication:
		if err := t.cp.Src().ExecBatch(ctx, t.CreatePermanentPublicationSQL); err != nil {
			return stepOutcome{retry: 10 * time.Second}
		}
		t.stage = stagePermanentSubscription
		return stepOutcome{advance: true}

	case stagePermanentSubscription:
		if err := t.cp.Dst().ExecBatch(ctx, t.CreatePermanentSubscriptionSQL); err != nil {
			return stepOutcome{retry: 10 * time.Second}
		}
		t.stage = stageSyncAndUnfreeze
		return stepOutcome{advance: true}

	case stageSyncAndUnfreeze:
		batch := t.UnfreezeSrcTableSQL
		if t.syncReplicas {
			batch = addSyncStandbySQL(t.cp.DstNode) + ";" + batch
		}
		if err := t.cp.Src().ExecBatch(ctx, batch); err != nil {
			return stepOutcome{retry: 10 * time.Second}
		}
		t.stage = stageMetadata
		return stepOutcome{advance: true}

	case stageMetadata:
		if err := t.metaStore.ApplyCreateReplica(t.PartName, t.cp.SrcNode, t.cp.DstNode); err != nil {
			return stepOutcome{retry: 10 * time.Second}
		}
		t.stage = stageDone
		return stepOutcome{advance: true}

	default:
		return stepOutcome{advance: true}
	}
}

func dropCopySubscriptionSQL(logname string) string {
	return fmt.Sprintf("DROP SUBSCRIPTION IF EXISTS %s", logname)
}

func addSyncStandbySQL(node catalog.NodeID) string {
	standbyName := fmt.Sprintf("shardman_node_%s", node)
	return fmt.Sprintf(
		`SELECT pg_catalog.set_config('synchronous_standby_names', `+
			`CASE WHEN current_setting('synchronous_standby_names') = '' `+
			`THEN %[1]q ELSE current_setting('synchronous_standby_names') || ',' || %[1]q END, false)`,
		standbyName,
	)
}
