package movepart

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
// ApplyMovePart call, for tests that only exercise the metadata stage.
type fakeStore struct {
	catalog.MetadataStore
	applied bool
	part    string
	src     catalog.NodeID
	dst     catalog.NodeID
	prev    catalog.NodeID
	next    catalog.NodeID
}

func (f *fakeStore) ApplyMovePart(partition string, src, dst, prev, next catalog.NodeID) error {
	f.applied = true
	f.part, f.src, f.dst, f.prev, f.next = partition, src, dst, prev, next
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

func TestRunStagePrevSkipsWhenNoPrevNode(t *testing.T) {
	cp := newTestCP()
	mp := New(cp, "pt_0", catalog.Invalid, catalog.Invalid, "", "", "", "", Config{
		MetaStore: &fakeStore{},
		Clock:     clock.Real{},
	})
	mp.stage = stagePrev

	out := mp.runStage(context.Background())
	assert.True(t, out.advance)
	assert.Equal(t, stageDst, mp.stage)
}

func TestRunStageNextSkipsWhenNoNextNode(t *testing.T) {
	cp := newTestCP()
	mp := New(cp, "pt_0", catalog.Invalid, catalog.Invalid, "", "", "", "", Config{
		MetaStore: &fakeStore{},
		Clock:     clock.Real{},
	})
	mp.stage = stageNext

	out := mp.runStage(context.Background())
	assert.True(t, out.advance)
	assert.Equal(t, stageMetadata, mp.stage)
}

func TestRunStageMetadataAppliesToStore(t *testing.T) {
	cp := newTestCP()
	store := &fakeStore{}
	mp := New(cp, "pt_0", catalog.NodeID(1), catalog.NodeID(4), "", "", "", "", Config{
		MetaStore: store,
		Clock:     clock.Real{},
	})
	mp.stage = stageMetadata

	out := mp.runStage(context.Background())
	require.NoError(t, out.err)
	assert.True(t, out.advance)
	assert.Equal(t, stageDone, mp.stage)

	assert.True(t, store.applied)
	assert.Equal(t, "pt_0", store.part)
	assert.Equal(t, catalog.NodeID(2), store.src)
	assert.Equal(t, catalog.NodeID(3), store.dst)
	assert.Equal(t, catalog.NodeID(1), store.prev)
	assert.Equal(t, catalog.NodeID(4), store.next)
}

func TestKeyDelegatesToEmbeddedCP(t *testing.T) {
	cp := newTestCP()
	mp := New(cp, "pt_0", catalog.Invalid, catalog.Invalid, "", "", "", "", Config{
		MetaStore: &fakeStore{},
		Clock:     clock.Real{},
	})
	assert.Equal(t, cp.Key(), mp.Key())
}

func TestStandbyNameForNamesTheNode(t *testing.T) {
	assert.Equal(t, "shardman_node_3", standbyNameFor(catalog.NodeID(3)))
}

func TestAddSyncStandbySQLEmbedsStandbyName(t *testing.T) {
	sql := addSyncStandbySQL("shardman_node_3")
	assert.Contains(t, sql, "shardman_node_3")
	assert.Contains(t, sql, "synchronous_standby_names")
}
