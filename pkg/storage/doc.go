/*
Package storage persists the node state that must survive a restart.

The Store interface is backed by bbolt: a single-file embedded B+tree with
ACID transactions and no external dependencies, which fits a worker node
that must come back from a crash without an operator. All values are JSON.

# Buckets

	machines   name → {state, disabled, disabled_reason}
	           the last verified state of every machine, written by the
	           machinery manager on every state change and disable
	tasks      task id → {analysis id, machine, state, timestamps}
	           the task lifecycle record, written by the node controller

# Crash recovery

Both buckets exist for one reason: startup recovery. Stored machine states
are overlaid onto the configured pool (machines last seen running get a
stop enqueued), and stored tasks without a terminal state are marked failed
— the process that was driving them is gone.

Writes use db.Update (fsync on commit); reads use db.View and run
concurrently.
*/
package storage
