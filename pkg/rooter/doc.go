/*
Package rooter is the client for the external rooter helper, the
privileged process that applies per-task network routes. Requests travel
over the helper's unix socket as newline JSON; EnableRoute returns a
Handle whose Disable tears the route down again. The helper itself is a
separate deployment — this node only asks.
*/
package rooter
