package copypart

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/funbringer/pg-shardman/internal/clock"
)

func testTask() *Task {
	return New("pt_0", "pt_0", 2, 3, "CREATE TABLE pt_0 (id int)", "ALTER TABLE pt_0 ...", Config{
		SrcConnString: "host=src",
		DstConnString: "host=dst",
		RetryNaptime:  10 * time.Second,
		PollInterval:  10 * time.Second,
		Clock:         clock.Real{},
	})
}

func TestDstPrepareBatchDropsOldSubscription(t *testing.T) {
	cp := testTask()
	batch := cp.dstPrepareBatch()
	assert.Equal(t, "DROP SUBSCRIPTION IF EXISTS copy_pt_0_2_3", batch)
}

func TestSrcPublicationBatchIsFourIdempotentStatements(t *testing.T) {
	cp := testTask()
	batch := cp.srcPublicationBatch()
	stmts := strings.Split(batch, ";")
	assert.Len(t, stmts, 4)
	assert.Contains(t, stmts[0], "DROP PUBLICATION IF EXISTS copy_pt_0_2_3")
	assert.Contains(t, stmts[1], "CREATE PUBLICATION copy_pt_0_2_3 FOR TABLE pt_0")
	assert.Contains(t, stmts[2], "pg_drop_replication_slot")
	assert.Contains(t, stmts[3], "pg_create_logical_replication_slot('copy_pt_0_2_3', 'pgoutput')")
}

func TestDstSubscribeBatchEmbedsSrcConnString(t *testing.T) {
	cp := testTask()
	batch := cp.dstSubscribeBatch("host=src port=5432")

	assert.Contains(t, batch, "CREATE TABLE pt_0 (id int)")
	assert.Contains(t, batch, "CONNECTION 'host=src port=5432'")
	assert.Contains(t, batch, "slot_name = 'copy_pt_0_2_3', create_slot = false")
}
