package copypart

import "fmt"

// The statements below are built as ';'-separated batches and handed to
// sqlclient.Client.ExecBatch, which runs each one in its own transaction
// (spec.md §4.1, §9 "SQL batch semantics"): CREATE_REPLICATION_SLOT in
// particular cannot run in a transaction that already performed writes.
//
// Every batch is DROP-IF-EXISTS-then-CREATE so that re-entering
// START_TABLESYNC after any number of crashes reproduces the same
// terminal effect as running it once (spec.md §8.1, "Idempotent retry").

// dropSubscriptionSQL drops a subscription by name if it exists. Used
// both to clear the copy channel's old subscription before recreating it
// and, by internal/createreplica, to retire the copy-channel subscription
// once the permanent one takes over.
func dropSubscriptionSQL(name string) string {
	return fmt.Sprintf("DROP SUBSCRIPTION IF EXISTS %s", name)
}

// dstPrepareBatch is the dst-side prelude of START_TABLESYNC step 1:
// drop any pre-existing subscription with the task's logname.
func (t *Task) dstPrepareBatch() string {
	return dropSubscriptionSQL(t.LogName)
}

// srcPublicationBatch is START_TABLESYNC step 2: drop any pre-existing
// publication/slot named logname, then create fresh ones for the single
// table being copied. Four statements, each its own transaction.
func (t *Task) srcPublicationBatch() string {
	return fmt.Sprintf(
		"DROP PUBLICATION IF EXISTS %[1]s;"+
			"CREATE PUBLICATION %[1]s FOR TABLE %[2]s;"+
			"SELECT pg_drop_replication_slot('%[1]s') FROM pg_replication_slots WHERE slot_name = '%[1]s';"+
			"SELECT pg_create_logical_replication_slot('%[1]s', 'pgoutput')",
		t.LogName, t.Relation,
	)
}

// dstSubscribeBatch is START_TABLESYNC step 3: drop any pre-existing
// destination table, recreate it from the precomputed DDL, drop any
// pre-existing subscription, and subscribe to src's publication bound to
// the already-created slot, with local (non-synchronous) commit and no
// slot creation by the subscription itself (the slot already exists from
// srcPublicationBatch).
func (t *Task) dstSubscribeBatch(srcConnString string) string {
	return fmt.Sprintf(
		"DROP TABLE IF EXISTS %[1]s;"+
			"%[2]s;"+
			"DROP SUBSCRIPTION IF EXISTS %[3]s;"+
			"CREATE SUBSCRIPTION %[3]s CONNECTION '%[4]s' PUBLICATION %[3]s "+
			"WITH (slot_name = '%[3]s', create_slot = false, synchronous_commit = local, connect = true, enabled = true)",
		t.Relation, t.CreateDstTableSQL, t.LogName, srcConnString,
	)
}

// subscriptionStateQuery returns the query used at START_FINALSYNC to
// read the tablesync state of subscription logname on dst. "r" is the
// pg_subscription_rel.srsubstate value for "ready" (caught up to
// streaming).
const subscriptionStateQuery = `
SELECT r.srsubstate
FROM pg_subscription_rel r
JOIN pg_subscription s ON r.srsubid = s.oid
WHERE s.subname = $1`

// subscriptionReadyState is the srsubstate value meaning "ready"
// (tablesync complete, now streaming).
const subscriptionReadyState = "r"

// currentWALLSNQuery reads the current WAL insert position. Run against
// src at the START_FINALSYNC->FINALIZE transition, right after the freeze,
// to capture sync_point, and against the shardlord's own session for the
// metadata-caught-up precondition.
const currentWALLSNQuery = `SELECT pg_current_wal_lsn()`

// receivedLSNQuery reads how far a named subscription has received WAL
// from its upstream. Used both for the metadata-caught-up precondition
// (against metadataSubscriptionName) and for FINALIZE's progress check
// (against logname).
const receivedLSNQuery = `SELECT received_lsn FROM pg_stat_subscription WHERE subname = $1`
