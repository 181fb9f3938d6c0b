// Package copypart implements the Copy-Partition state machine of
// spec.md §4.4 — the heart of the core. It moves one partition's data
// from a source worker to a destination worker using Postgres logical
// replication, through three strictly-monotonic stages, then leaves the
// data channel in a state suitable for the surrounding topology-reshape
// phase (internal/movepart, internal/createreplica).
//
// The FSM shape (state + per-operation status, advanced by short,
// non-blocking steps) is grounded on
// narendrapsgim-weaviate/cluster/replication/shard_replication_fsm.go;
// the actual SQL vocabulary (publications, slots, subscriptions,
// pgoutput) is grounded on apecloud-myduckserver's
// logrepl.LogicalReplicator.
package copypart

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/sirupsen/logrus"

	"github.com/funbringer/pg-shardman/internal/catalog"
	"github.com/funbringer/pg-shardman/internal/clock"
	"github.com/funbringer/pg-shardman/internal/reactor"
	"github.com/funbringer/pg-shardman/internal/sqlclient"
)

// Stage is the CP task's current position in the state machine. Stages
// only ever increase (spec.md §8.1, "Monotone stage").
type Stage int

const (
	StageStartTablesync Stage = iota
	StageStartFinalsync
	StageFinalize
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageStartTablesync:
		return "START_TABLESYNC"
	case StageStartFinalsync:
		return "START_FINALSYNC"
	case StageFinalize:
		return "FINALIZE"
	case StageDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// metadataSubscriptionName is the name of the standing subscription by
// which every worker replicates the shardlord's command/catalog log.
// START_TABLESYNC uses its received_lsn to confirm a worker has caught
// up on metadata before taking any copy action (spec.md §4.4).
const metadataSubscriptionName = "shardman_meta"

// Task is the shared state of one partition copy from SrcNode to
// DstNode (spec.md §3.1, "Copy-Partition Task").
type Task struct {
	PartName string
	Relation string
	SrcNode  catalog.NodeID
	DstNode  catalog.NodeID

	// LogName is the derived channel identifier used as publication,
	// subscription and replication-slot name on the copy channel
	// (spec.md §3.1, §6.3).
	LogName string

	// CreateDstTableSQL is the precomputed DDL that creates the
	// destination table with the same column and index shape as the
	// source. Table-schema reconstruction is an external collaborator
	// (spec.md §1, "binary helpers"); this core only ever runs SQL it is
	// handed.
	CreateDstTableSQL string

	// FreezeSrcTableSQL is the precomputed, catalog-defined SQL that
	// makes the source table read-only at the START_FINALSYNC transition
	// (spec.md §4.4).
	FreezeSrcTableSQL string

	src *sqlclient.Client
	dst *sqlclient.Client

	meta *sqlclient.Client // shardlord's own session, for pg_current_wal_lsn()

	// srcConnString is threaded through to dstSubscribeBatch, which needs
	// it as the subscription's CONNECTION clause; it is not otherwise
	// used once src (the Client) is connected.
	srcConnString string

	Stage     Stage
	SyncPoint pglogrepl.LSN

	// awaitingTablesync and awaitingReceivedLSN are true while a
	// previously-sent AsyncQueryRow poll (START_FINALSYNC's tablesync-state
	// check, FINALIZE's received_lsn check, respectively) is waiting on
	// dst's socket to become readable. Step resumes by polling the pending
	// reply instead of re-sending the query when one of these is set
	// (spec.md §2, §4.2: overlap this task's round trip with other tasks'
	// progress rather than blocking the executor on it).
	awaitingTablesync   bool
	awaitingReceivedLSN bool

	clk          clock.Clock
	retryNaptime time.Duration
	pollInterval time.Duration
	log          *logrus.Entry
}

// Config bundles the knobs a Task needs beyond its identifying fields.
type Config struct {
	SrcConnString   string
	DstConnString   string
	ShardlordConn   string // used only to read pg_current_wal_lsn() for the metadata-caught-up check
	RetryNaptime    time.Duration
	PollInterval    time.Duration
	Clock           clock.Clock
	Log             *logrus.Entry
}

// New constructs a Task for moving/replicating part (backed by relation)
// from src to dst, ready to run from START_TABLESYNC (spec.md §3.3).
func New(part, relation string, src, dst catalog.NodeID, createDstTableSQL, freezeSrcTableSQL string, cfg Config) *Task {
	logName := LogName(part, src, dst)
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{
		"part": part, "src": src, "dst": dst, "logname": logName,
	})

	return &Task{
		PartName:          part,
		Relation:          relation,
		SrcNode:           src,
		DstNode:           dst,
		LogName:           logName,
		CreateDstTableSQL: createDstTableSQL,
		FreezeSrcTableSQL: freezeSrcTableSQL,
		src:               sqlclient.New(cfg.SrcConnString),
		dst:               sqlclient.New(cfg.DstConnString),
		meta:              sqlclient.New(cfg.ShardlordConn),
		srcConnString:     cfg.SrcConnString,
		Stage:             StageStartTablesync,
		clk:               cfg.Clock,
		retryNaptime:      cfg.RetryNaptime,
		pollInterval:      cfg.PollInterval,
		log:               log,
	}
}

// LogName derives the copy-channel identifier from (part, src, dst),
// per spec.md §6.3: "copy_<part>_<src>_<dst>". It is unique across
// concurrently live CP tasks by construction (spec.md §3.2).
func LogName(part string, src, dst catalog.NodeID) string {
	return fmt.Sprintf("copy_%s_%s_%s", part, src, dst)
}

// DataChannelSlotName derives the steady-state data-channel slot name
// for partition P from node A to node B, per spec.md §6.3:
// "data_<P>_<A>_<B>".
func DataChannelSlotName(part string, from, to catalog.NodeID) string {
	return fmt.Sprintf("data_%s_%s_%s", part, from, to)
}

// Done reports whether the CP state machine has reached its terminal
// DONE stage. Task-type handlers (internal/movepart,
// internal/createreplica) poll this to know when it is safe to start
// their own post-copy steps.
func (t *Task) Done() bool {
	return t.Stage == StageDone
}

// Src and Dst expose the already-connected sessions to the copy
// channel's two endpoints, so a wrapping handler (internal/movepart,
// internal/createreplica) can keep reusing them for its own
// post-copy statements instead of opening new sessions.
func (t *Task) Src() *sqlclient.Client { return t.src }
func (t *Task) Dst() *sqlclient.Client { return t.dst }

// Key implements a stable reactor key for this CP task, derived from its
// LogName (already unique by construction: spec.md §3.2).
func (t *Task) Key() reactor.TaskKey {
	return reactor.TaskKey("cp:" + t.LogName)
}

// CloseConnections releases the task's remote connections (src, dst and
// the shardlord session). Called once the task reaches
// a terminal state (spec.md §3.2) or when the owning handler tears the
// task down after DONE.
func (t *Task) CloseConnections() {
	// Background is appropriate here since shutdown must not be
	// cancellable by the same signal that triggered it.
	ctx := context.Background()
	t.src.Close(ctx)
	t.dst.Close(ctx)
	t.meta.Close(ctx)
}
