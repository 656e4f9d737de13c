/*
Package events provides the node's event stream: a broker that assigns
monotonic ids and distributes events to subscribers.

Everything the main controller needs to observe about this node — task
state transitions and machines being pulled from rotation — flows through
one Broker. Ids start at 1 and strictly increase for the lifetime of the
process, so a consumer can always tell whether it missed something.

# Architecture

	Publish(payload)
	     │  under one lock:
	     │  assign next id, append to replay ring (last 100),
	     ▼
	deliver ──► subscriber channels (buffer 50 each)
	            full buffer → event dropped for that
	            subscriber, never blocks the publisher

Id assignment and delivery happen under the same lock, so each
subscriber channel carries strictly increasing ids and a replayed event
is never seen again as live. A slow subscriber loses events rather than
stalling the node; the gap is visible in the ids it does receive, and
the ring lets it catch up.

# Replay

SubscribeFrom(lastID) replays every retained event with a greater id before
any live event. This backs the status API's Last-Event-Id handling: a
consumer that reconnects within the ring window resumes without loss.

# Event payloads

	{"type": "task_state", "task_id": …, "state":
	        "task_running" | "task_done" | "task_failed"}
	{"type": "machine_disabled", "machine_name": …, "reason": …}
*/
package events
