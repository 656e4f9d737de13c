/*
Package api serves the node's read-only HTTP surface.

The status server exposes what the main controller and operators need to
observe the node; it never mutates state — all writes go through the unix
control sockets.

# Endpoints

	GET /v1/events     node event stream as server-sent events; a
	                   reconnecting consumer presents Last-Event-Id and
	                   events still in the broker's replay ring are
	                   delivered before live ones
	GET /v1/machines   machine pool snapshot
	GET /v1/tasks/{id} persisted task record
	GET /health        component health aggregate
	GET /ready         readiness (machinery, resultserver, taskrunner)
	GET /alive         liveness
	GET /metrics       Prometheus exposition

The event stream writes one SSE frame per event:

	id: 42
	data: {"type":"task_state","task_id":"…","state":"task_done"}

Keep-alive comments go out every 30 seconds so idle streams survive
intermediaries. Task submission and authentication belong to the main
controller, not this node.
*/
package api
