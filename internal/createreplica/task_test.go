package createreplica

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funbringer/pg-shardman/internal/catalog"
	"github.com/funbringer/pg-shardman/internal/clock"
	"github.com/funbringer/pg-shardman/internal/copypart"
)

// fakeStore is a minimal catalog.MetadataStore recording the last
// ApplyCreateReplica call, for tests that only exercise the metadata
// stage.
type fakeStore struct {
	catalog.MetadataStore
	applied bool
	part    string
	src     catalog.NodeID
	dst     catalog.NodeID
}

func (f *fakeStore) ApplyCreateReplica(partition string, src, dst catalog.NodeID) error {
	f.applied = true
	f.part, f.src, f.dst = partition, src, dst
	return nil
}

func newTestCP() *copypart.Task {
	return copypart.New("pt_0", "pt_0", 2, 3, "CREATE TABLE pt_0 (id int)", "ALTER TABLE pt_0 ...", copypart.Config{
		SrcConnString: "host=src",
		DstConnString: "host=dst",
		RetryNaptime:  10 * time.Second,
		PollInterval:  10 * time.Second,
		Clock:         clock.Real{},
	})
}

func TestRunStageMetadataAppliesToStore(t *testing.T) {
	cp := newTestCP()
	store := &fakeStore{}
	cr := New(cp, "pt_0", "", "", "", "", Config{
		MetaStore: store,
		Clock:     clock.Real{},
	})
	cr.stage = stageMetadata

	out := cr.runStage(context.Background())
	require.NoError(t, out.err)
	assert.True(t, out.advance)
	assert.Equal(t, stageDone, cr.stage)

	assert.True(t, store.applied)
	assert.Equal(t, "pt_0", store.part)
	assert.Equal(t, catalog.NodeID(2), store.src)
	assert.Equal(t, catalog.NodeID(3), store.dst)
}

func TestKeyDelegatesToEmbeddedCP(t *testing.T) {
	cp := newTestCP()
	cr := New(cp, "pt_0", "", "", "", "", Config{
		MetaStore: &fakeStore{},
		Clock:     clock.Real{},
	})
	assert.Equal(t, cp.Key(), cr.Key())
}

func TestDropCopySubscriptionSQLNamesTheCopyChannel(t *testing.T) {
	sql := dropCopySubscriptionSQL("copy_pt_0_2_3")
	assert.Contains(t, sql, "copy_pt_0_2_3")
	assert.Contains(t, sql, "DROP SUBSCRIPTION IF EXISTS")
}

func TestAddSyncStandbySQLNamesTheNode(t *testing.T) {
	sql := addSyncStandbySQL(catalog.NodeID(3))
	assert.Contains(t, sql, "shardman_node_3")
	assert.Contains(t, sql, "synchronous_standby_names")
}
