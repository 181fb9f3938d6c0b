// Package command models the high-level administrative commands of
// spec.md §1 (move a partition, create a replica, set replication
// level) and decomposes each into the CP-backed tasks §4.5/§4.6
// describe. The command-queue front-end itself (persistent log,
// NOTIFY-driven dispatch) is an external collaborator (spec.md §1); this
// package only supplies the in-process producer the executor consumes,
// per SPEC_FULL.md §C.
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/funbringer/pg-shardman/internal/catalog"
	"github.com/funbringer/pg-shardman/internal/clock"
	"github.com/funbringer/pg-shardman/internal/copypart"
	"github.com/funbringer/pg-shardman/internal/createreplica"
	"github.com/funbringer/pg-shardman/internal/movepart"
	"github.com/funbringer/pg-shardman/internal/task"
)

// Kind identifies what a Command does.
type Kind int

const (
	MovePart Kind = iota
	CreateReplica
	SetReplicationLevel
)

func (k Kind) String() string {
	switch k {
	case MovePart:
		return "move_part"
	case CreateReplica:
		return "create_replica"
	case SetReplicationLevel:
		return "set_replication_level"
	default:
		return "unknown"
	}
}

// Command is a single administrative request, already resolved to node
// ids (worker/partition name resolution, parsing of the operator's
// original text form, is the external command-queue front-end's job:
// spec.md §1, "out of scope").
type Command struct {
	// ID identifies this command's row in the command log (spec.md
	// §6.2). Assigned by NewID at submission time so every task this
	// command yields can be logged against the command that produced
	// it, without this package owning the log itself.
	ID uuid.UUID

	Kind      Kind
	Partition string
	DstNode   catalog.NodeID // MovePart, CreateReplica
	TargetLvl int            // SetReplicationLevel: desired replica count

	// DDL is the precomputed set of SQL bundles a command's tasks need.
	// Table-schema reconstruction and catalog-defined reshape statements
	// are external collaborators (spec.md §1); DDL is how their output
	// reaches this package without this package generating any of it
	// itself.
	DDL DDLBundle
}

// NewID returns a fresh command identifier. The command-queue front-end
// calls this when it persists a newly-submitted command (spec.md §1),
// before handing the Command to Decompose.
func NewID() uuid.UUID {
	return uuid.New()
}

// DDLBundle carries every precomputed SQL string a decomposed task might
// need. Not every field is used by every Kind; Decompose reads only the
// ones its kind requires.
type DDLBundle struct {
	CreateDstTableSQL string
	FreezeSrcTableSQL string

	// Move-Part bundles (spec.md §4.5).
	PrevSQL           string
	DstSQL            string
	NextSQL           string
	UpdateMetadataSQL string

	// Create-Replica bundles (spec.md §4.6).
	CreatePermanentPublicationSQL  string
	CreatePermanentSubscriptionSQL string
	UnfreezeSrcTableSQL            string
}

// ErrSameNode is returned at admission when src_node == dst_node
// (spec.md §8.3).
var ErrSameNode = errors.New("command: source and destination are the same node")

// ErrDestinationOwnsPartition is returned at admission when the
// destination already owns a copy of the partition (spec.md §8.3).
var ErrDestinationOwnsPartition = errors.New("command: destination already owns partition")

// ErrNoPrimary is returned when a partition's chain has no primary
// (impossible catalog state; surfaced rather than silently picking an
// arbitrary copy).
var ErrNoPrimary = errors.New("command: partition has no primary copy")

// Decomposer builds executor-ready tasks from a Command, checking the
// admission preconditions of spec.md §8.3 first so that a task which
// fails admission issues no remote SQL at all (spec.md §8.1, "No orphan
// writes on failure").
type Decomposer struct {
	Store         catalog.MetadataStore
	SyncReplicas  bool
	ShardlordConn string // dsn for the shardlord's own metadata-caught-up check (spec.md §4.4)
	RetryNaptime  time.Duration
	PollInterval  time.Duration
	Clock         clock.Clock
	Log           *logrus.Entry
}

// Decompose validates cmd against the catalog and, if admission passes,
// returns the one or more executor-ready task.Task values it yields.
// On admission failure it returns (nil, err) and is guaranteed to have
// issued no remote SQL (spec.md §8.1).
func (d *Decomposer) Decompose(ctx context.Context, cmd Command) ([]task.Task, error) {
	if d.Log != nil {
		d.Log = d.Log.WithFields(logrus.Fields{"command_id": cmd.ID, "kind": cmd.Kind.String()})
	}
	switch cmd.Kind {
	case MovePart:
		return d.decomposeMovePart(cmd)
	case CreateReplica:
		return d.decomposeCreateReplica(cmd)
	case SetReplicationLevel:
		return d.decomposeSetReplicationLevel(ctx, cmd)
	default:
		return nil, fmt.Errorf("command: unknown kind %v", cmd.Kind)
	}
}

func (d *Decomposer) decomposeMovePart(cmd Command) ([]task.Task, error) {
	part, err := d.Store.ResolvePartition(cmd.Partition)
	if err != nil {
		return nil, err
	}
	primary, ok := part.Primary()
	if !ok {
		return nil, ErrNoPrimary
	}
	srcNode := primary.Node
	// The moved copy is always the partition's primary: Command carries no
	// field naming a source node, so a replica further down the chain
	// cannot be selected for a move through Decompose. The prev/next
	// wiring below still follows whatever links that copy has.
	movingCopy, ok := part.Copy(srcNode)
	if !ok {
		return nil, ErrNoPrimary
	}

	if err := admitMove(part, srcNode, cmd.DstNode); err != nil {
		return nil, err
	}

	dstNodeInfo, err := d.Store.ResolveNode(cmd.DstNode)
	if err != nil {
		return nil, err
	}
	srcNodeInfo, err := d.Store.ResolveNode(srcNode)
	if err != nil {
		return nil, err
	}

	cp := copypart.New(cmd.Partition, part.Relation, srcNode, cmd.DstNode,
		cmd.DDL.CreateDstTableSQL, cmd.DDL.FreezeSrcTableSQL,
		copypart.Config{
			SrcConnString: srcNodeInfo.ConnString,
			DstConnString: dstNodeInfo.ConnString,
			ShardlordConn: d.ShardlordConn,
			RetryNaptime:  d.RetryNaptime,
			PollInterval:  d.PollInterval,
			Clock:         d.Clock,
			Log:           d.Log,
		})

	mpCfg := movepart.Config{
		SyncReplicas: d.SyncReplicas,
		MetaStore:    d.Store,
		Clock:        d.Clock,
		Log:          d.Log,
	}
	if movingCopy.Prev.IsValid() {
		prevInfo, err := d.Store.ResolveNode(movingCopy.Prev)
		if err != nil {
			return nil, err
		}
		mpCfg.PrevConnString = prevInfo.ConnString
	}
	if movingCopy.Next.IsValid() {
		nextInfo, err := d.Store.ResolveNode(movingCopy.Next)
		if err != nil {
			return nil, err
		}
		mpCfg.NextConnString = nextInfo.ConnString
	}

	mp := movepart.New(cp, cmd.Partition, movingCopy.Prev, movingCopy.Next,
		cmd.DDL.PrevSQL, cmd.DDL.DstSQL, cmd.DDL.NextSQL, cmd.DDL.UpdateMetadataSQL, mpCfg)

	return []task.Task{mp}, nil
}

// admitMove implements spec.md §8.3's boundary checks for Move-Part.
func admitMove(part catalog.Partition, src, dst catalog.NodeID) error {
	if src == dst {
		return ErrSameNode
	}
	if part.HasCopy(dst) {
		return ErrDestinationOwnsPartition
	}
	return nil
}

func (d *Decomposer) decomposeCreateReplica(cmd Command) ([]task.Task, error) {
	part, err := d.Store.ResolvePartition(cmd.Partition)
	if err != nil {
		return nil, err
	}
	primary, ok := part.Primary()
	if !ok {
		return nil, ErrNoPrimary
	}
	// The new replica always attaches behind the current tail
	// (spec.md §4.6: "permanent data channel", extending the chain).
	srcNode := tailNode(part, primary)

	if err := admitMove(part, srcNode, cmd.DstNode); err != nil {
		return nil, err
	}

	srcInfo, err := d.Store.ResolveNode(srcNode)
	if err != nil {
		return nil, err
	}
	dstInfo, err := d.Store.ResolveNode(cmd.DstNode)
	if err != nil {
		return nil, err
	}

	cp := copypart.New(cmd.Partition, part.Relation, srcNode, cmd.DstNode,
		cmd.DDL.CreateDstTableSQL, cmd.DDL.FreezeSrcTableSQL,
		copypart.Config{
			SrcConnString: srcInfo.ConnString,
			DstConnString: dstInfo.ConnString,
			ShardlordConn: d.ShardlordConn,
			RetryNaptime:  d.RetryNaptime,
			PollInterval:  d.PollInterval,
			Clock:         d.Clock,
			Log:           d.Log,
		})

	cr := createreplica.New(cp, cmd.Partition,
		cmd.DDL.CreatePermanentPublicationSQL, cmd.DDL.CreatePermanentSubscriptionSQL,
		cmd.DDL.UnfreezeSrcTableSQL, cmd.DDL.UpdateMetadataSQL,
		createreplica.Config{
			SyncReplicas: d.SyncReplicas,
			MetaStore:    d.Store,
			Clock:        d.Clock,
			Log:          d.Log,
		})

	return []task.Task{cr}, nil
}

// tailNode returns the node currently at the end of the chain, starting
// from primary.
func tailNode(part catalog.Partition, primary catalog.PartitionCopy) catalog.NodeID {
	cur := primary
	for cur.Next.IsValid() {
		next, ok := part.Copy(cur.Next)
		if !ok {
			break
		}
		cur = next
	}
	return cur.Node
}

// decomposeSetReplicationLevel is a thin composite over Create-Replica
// (raising the level) and a direct catalog replica removal (lowering it)
// per SPEC_FULL.md §C, reusing the existing machinery rather than a new
// state machine. Lowering is synchronous (a single metadata-store call)
// because removing a replica has no remote reshape of its own in this
// core's scope — the worker's standing subscription is simply abandoned,
// matching spec.md's acknowledged cleanup-debt model (§5,
// "Cancellation and shutdown").
func (d *Decomposer) decomposeSetReplicationLevel(ctx context.Context, cmd Command) ([]task.Task, error) {
	part, err := d.Store.ResolvePartition(cmd.Partition)
	if err != nil {
		return nil, err
	}
	current := len(part.Copies) - 1 // replicas, excluding primary
	if cmd.TargetLvl == current {
		return nil, nil
	}
	if cmd.TargetLvl > current {
		return d.decomposeCreateReplica(cmd)
	}

	primary, ok := part.Primary()
	if !ok {
		return nil, ErrNoPrimary
	}
	tail := tailNode(part, primary)
	if err := d.Store.ApplyRemoveReplica(cmd.Partition, tail); err != nil {
		return nil, err
	}
	return nil, nil
}
