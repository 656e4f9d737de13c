/*
Package node implements the worker node controller: the component that
accepts task-run requests, hands them to the task runner process and turns
runner notifications into terminal task states.

# Responsibilities

The Controller owns the task lifecycle on this node:

	AddWork ──► acquire machine (typed error when unavailable)
	        ──► record QUEUED in the store
	        ──► dispatch starttask to the runner socket
	        ──► record RUNNING, emit task_running

	runner notification (taskrundone / taskrunfailed)
	        ──► release machine (exactly once)
	        ──► persist DONE or FAILED (terminal states never overwritten)
	        ──► emit the terminal event

Machine acquisition happens before anything else: an unavailable machine is
a typed error with no side effects, so the caller can retry or pick another
machine without leaking state.

StateControl is the unix socket the runner notifies on. Notifications are
applied by a bounded worker pool; on a remote node the task directory is
zipped first so the main controller can collect it, and a zip failure
forces the task to failed.

# Recovery

Start() runs crash recovery from the bbolt store: tasks without a terminal
state failed with the previous process and are marked so (with events), and
machines last seen running or paused get a stop enqueued so the pool starts
from powered-off state.

# Shutdown

Shutdown is split so the node process can interleave its other subsystems:
Drain() disables machinery intake (stop-class actions still pass), tells
the runner to stop everything and waits for the flow count to reach zero;
Stop() then stops the manager's workers and shuts every machine down, last
of all.
*/
package node
