/*
Package types defines the data model shared across the node's processes.

Machine is an analysis machine: its backend, guest IP, agent port,
platform and runtime flags (state, locked_by, disabled). Task is the work
descriptor read from task.json; TaskRecord is the persisted lifecycle
record (QUEUED → RUNNING → DONE | FAILED, exactly once). Route carries a
task's optional network routing request.

Everything here crosses a process boundary as JSON — the machine snapshot
travels inside starttask requests and machine.json, the task descriptor is
written by the main controller — so fields carry explicit json tags and
enums are string constants.
*/
package types
