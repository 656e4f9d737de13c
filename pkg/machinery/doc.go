/*
Package machinery schedules state-changing actions over the node's pool of
analysis machines.

The machinery manager is the only component that talks to machinery backends
(QEMU, Lima, containerd, mock). Every machine operation — restoring a
snapshot and starting, stopping, taking a screenshot, dumping guest memory —
is submitted as a work item to one shared queue and executed by a fixed pool
of workers, with per-action expected-state verification, timeouts and
fallbacks.

# Architecture

	┌───────────────────── MACHINERY MANAGER ─────────────────────┐
	│                                                              │
	│   Enqueue(action, machine) ──► shared FIFO queue             │
	│                                     │                        │
	│            ┌────────────────────────┼─────────────────┐      │
	│            ▼                        ▼                 ▼      │
	│        worker 1                 worker 2  ...     worker N   │
	│            │                                                 │
	│            │  per-machine try-lock: items for a busy         │
	│            │  machine are SKIPPED in place, preserving       │
	│            │  per-machine FIFO order                         │
	│            ▼                                                 │
	│   invoke backend action ──► no state change expected?        │
	│            │                      reply success              │
	│            ▼                                                 │
	│      state waiters  ◄── swept by any idle worker:            │
	│            │            poll backend State(m)                │
	│            ▼                                                 │
	│   expected state → success      error state → disable        │
	│   paused → HandlePaused         timeout → fallback or        │
	│                                 disable + cancel func        │
	└──────────────────────────────────────────────────────────────┘

Per-machine ordering is an invariant: two actions for the same machine never
interleave, and they execute in submission order. Actions for different
machines run in parallel up to the worker count.

# Actions

	action           expected state   timeout   fallback
	restore_start    running          180 s     — (cancel: stop)
	norestore_start  running           60 s     — (cancel: stop)
	stop             poweroff          60 s     —
	acpi_stop        poweroff         120 s     stop
	screenshot       running (none)      —      —
	dump_memory      running (none)      —      —

Start actions begin a network capture before the backend starts the machine;
a failed start stops the capture again. Stop actions end the capture after
the backend call, whether it succeeded or not. Capture failures are logged
and never fail the enclosing action.

A machine that times out waiting for its expected state, reports an error
state, or returns an unhandled state is disabled: it is taken out of
rotation, the disable reason is persisted to the node store, and a
machine_disabled event is published.

# Backends

A backend implements the Backend interface: dependency verification, machine
loading, state polling and the action set. Backends are synchronous; the
manager owns all queueing and concurrency. Failures are classified with the
package's error types:

  - ErrStateReached / MachineStateReachedError: the machine is already
    where the action wanted it; treated as success.
  - MachineUnexpectedStateError: the backend saw a state the action cannot
    recover from; the machine is disabled.
  - TransientError: the action failed but the machine is fine; the item
    fails, the machine stays in rotation.
  - ErrNotSupported: the backend does not implement the action
    (e.g. screenshots on containers); the item fails, no disable.

Four backends ship in-tree: qemu (QMP over unix socket), lima (limactl),
container (containerd tasks) and mock (development and tests).

# Control socket

The manager is served over a newline-JSON unix socket for the task-runner
process:

	{"action": "restore_start", "machine": "win10-1"}
	← {"success": true}
	← {"success": false, "reason": "machine does not exist: win10-1"}

# Shutdown

Stop() flips the run flag and joins the workers. ShutdownAll() walks every
backend and stops every machine, marking the ones that refuse as error
state; the node guarantees it runs last, after all other subsystems are
down, so machines started mid-shutdown are still brought down.

# See Also

  - pkg/machine - the pool the manager mutates
  - pkg/taskflow - the main consumer of the control socket
  - pkg/events - machine_disabled event delivery
*/
package machinery
