/*
Package machine is the in-memory registry of analysis machines.

The Pool is built from configuration at startup and mutated only by the
machinery manager (states, disables) and the node controller
(acquire/release). AcquireAvailable hands a machine to a task only when it
exists, is enabled, unlocked and powered off, setting locked_by atomically
— at most one task ever holds a machine, and a disabled machine is never
handed out again. All mutators serialize on one lock; reads run
concurrently.
*/
package machine
