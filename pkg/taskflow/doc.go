/*
Package taskflow drives a single analysis task from machine start to
collected results.

A Flow is the per-task state machine; the Runner is the worker pool that
executes flows and the control socket the node dispatches work through. The
runner lives in its own OS process (the binary's taskrunner subcommand) and
reaches the machinery manager and result server through their unix sockets.

# Flow phases

	setup          read task.json, write machine.json snapshot,
	               map guest IP → task at the result server (fatal on
	               failure: results would be lost silently)
	start          machinery restore_start, wait for the reply
	online         wait for the guest agent to answer on ip:agent_port,
	               apply the task's network route (rooter), resolve the
	               platform stager, Prepare + DeliverPayload
	analysis       sleep-loop until the task's analysis timeout,
	               calling the stager's CallAtInterval every second
	cleanup        always: stop the machine, unmap the IP, tear the
	               route down, write run_errors.json when anything
	               was recorded

Cleanup is unconditional. Whatever phase fails, a machine that was started
is stopped, a mapped IP is unmapped, and an applied route is removed; the
errors are recorded rather than masking the original failure.

Errors are tracked in an ErrorTracker with a non-fatal list and a single
fatal slot. Only a fatal error fails the task; a missed screenshot or a
capture hiccup is recorded in run_errors.json and the run counts as done.

# Stagers

A stager adapts payload delivery to the guest platform. Stagers register
per (platform, architecture) with a platform-wide default; resolution
prefers the exact pair. The built-in exec stager uploads the task payload
through the guest agent and executes it; a task without a payload file is a
pure monitoring run.

# Runner

The runner consumes start jobs from its control socket on a small worker
pool (default 2):

	{"action": "starttask", "args": {"task_id": …, "machine": {…}}}
	{"action": "stopall" | "enable" | "disable" | "getflowcount"}

stopall cancels running flows (they still clean up) and fails queued ones.
Terminal results are reported to the node's state socket as one-way
messages with subject taskrundone or taskrunfailed; the node owns machine
release and task state persistence.
*/
package taskflow
