package copypart

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/funbringer/pg-shardman/internal/catalog"
	"github.com/funbringer/pg-shardman/internal/clock"
	"github.com/funbringer/pg-shardman/internal/reactor"
)

func TestLogNameDerivation(t *testing.T) {
	assert.Equal(t, "copy_pt_0_2_3", LogName("pt_0", 2, 3))
}

func TestDataChannelSlotNameDerivation(t *testing.T) {
	assert.Equal(t, "data_pt_0_2_3", DataChannelSlotName("pt_0", 2, 3))
}

func TestStageStrings(t *testing.T) {
	assert.Equal(t, "START_TABLESYNC", StageStartTablesync.String())
	assert.Equal(t, "START_FINALSYNC", StageStartFinalsync.String())
	assert.Equal(t, "FINALIZE", StageFinalize.String())
	assert.Equal(t, "DONE", StageDone.String())
}

func TestNewStartsAtStartTablesync(t *testing.T) {
	cp := New("pt_0", "pt_0", 2, 3, "CREATE TABLE pt_0 (...)", "ALTER TABLE pt_0 ...", Config{
		SrcConnString: "host=src",
		DstConnString: "host=dst",
		RetryNaptime:  10 * time.Second,
		PollInterval:  10 * time.Second,
		Clock:         clock.Real{},
	})

	assert.Equal(t, StageStartTablesync, cp.Stage)
	assert.Equal(t, catalog.NodeID(2), cp.SrcNode)
	assert.Equal(t, catalog.NodeID(3), cp.DstNode)
	assert.Equal(t, "copy_pt_0_2_3", cp.LogName)
	assert.Equal(t, reactor.TaskKey("cp:copy_pt_0_2_3"), cp.Key())
}
