/*
Package metrics provides Prometheus instrumentation and component health
tracking for the node.

Metrics are registered at package init on the default registry and exposed
through the status server's /metrics endpoint. The health checker backs
/health and /ready: components report in as they come up, and readiness
requires the machinery manager, the result server and the task runner.

# Metric inventory

	burrow_machines_total                    gauge, by state
	burrow_machines_disabled                 gauge
	burrow_machines_locked                   gauge
	burrow_machinery_actions_total           counter, by action/outcome
	burrow_machinery_action_duration_seconds histogram, by action
	burrow_machinery_queue_depth             gauge
	burrow_tasks_total                       counter, by terminal state
	burrow_taskflows_active                  gauge
	burrow_result_connections_total          counter
	burrow_result_bytes_total                counter
	burrow_result_uploads_aborted_total      counter, by reason
	burrow_events_emitted_total              counter

The machine gauges are maintained by a Collector polling the pool; the
rest are incremented inline at the point the thing happens.

# Health

RegisterComponent / UpdateComponent feed a process-global health checker.
GetHealth aggregates to healthy/unhealthy; GetReadiness additionally
requires every critical component to have reported in, so a node that has
not yet spawned its child processes answers 503 on /ready.
*/
package metrics
