/*
Package log wraps zerolog with the node's logging conventions.

Init configures the process-global logger once (level, JSON or console
output, destination); everything else derives child loggers from it:

	logger := log.WithComponent("machinery")
	logger.Info().Str("machine", m.Name).Msg("Machine started")

WithComponent, WithTaskID, WithMachine and WithNodeID attach the standard
correlation fields. Library code never prints; it logs through a child
logger carrying its component name, so one task's trail can be followed
across the node, runner and result server processes by task_id.
*/
package log
