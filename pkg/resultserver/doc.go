/*
Package resultserver receives per-task results streamed out of analysis
machines over the network.

Guest agents cannot be trusted and cannot be given filesystem access, so all
result collection runs through one TCP server on the host-only network. The
server demultiplexes inbound connections by source IP: an IP is mapped to
exactly one task at a time, and everything a connection uploads lands in
that task's directory, under strict path and size policies.

# Architecture

	                     control unix socket
	      {"action":"add","ip":…,"task_id":…} → {"status":"ok"}
	                            │
	┌───────────────────────────▼────────────────────────────┐
	│                     ResultServer                        │
	│                                                         │
	│   ip → mapping {task id, start time, cancel context}    │
	│                                                         │
	│   TCP accept ──► peer IP mapped?  ──no──► close         │
	│                       │                                 │
	│                       ▼                                 │
	│            read header line, first token                │
	│                       │                                 │
	│          ┌────────────┴────────────┐                    │
	│          ▼                         ▼                    │
	│        FILE                   SCREENSHOT                │
	│   <category>/<name>        <ms since map>.jpg           │
	│   logs|memory|files        JPEG magic enforced          │
	│   O_CREATE|O_EXCL          cap 4 MiB                    │
	│   cap 128 MiB                                           │
	└─────────────────────────────────────────────────────────┘

# Upload policies

FILE paths are normalized (backslashes to slashes) and rejected when they
contain traversal, NUL bytes or colons; the category must be one of the
task directory's safelisted upload dirs. Banned filename characters are
replaced with X. Files are opened exclusive-create: a guest can never
overwrite a result it already produced.

Size caps are enforced by a counting writer. On overrun the marker

	... (truncated by resultserver)

is appended and the transfer aborts. The cap is 128 MiB for FILE and 4 MiB
for SCREENSHOT uploads.

Unmapping an IP cancels every in-flight transfer for it through the
mapping's context, so a finished or failed task can never keep writing into
its directory.

# Process model

The result server runs as its own OS process (the binary's resultserver
subcommand): a misbehaving guest can exhaust file descriptors or crash the
data plane without taking the node controller down. On Linux the process
raises RLIMIT_NOFILE to its hard limit at startup.
*/
package resultserver
