/*
Package ipc is the newline-delimited JSON unix-socket plumbing behind all
of the node's control surfaces.

A Server binds a socket path (replacing a stale socket file from a crashed
predecessor) and calls its handler with each request line; the handler's
return value is the reply, a handler error becomes a failure reply
({"success": false, "reason": …} unless the surface overrides the shape
with SetErrorReply, as the result-server control socket does for its
{"status": …} dialect), and a nil reply means one-way — nothing is
written back. A Client dials fresh per call: Request for request/reply,
Send for one-way messages.

The machinery control socket, the result-server control socket, the task
runner and the node state socket are all instances of this one protocol.
*/
package ipc
