/*
Package config loads and validates the node configuration file
(burrow.yaml): data directory, result-server listen address, control
socket paths, worker pool sizes, the rooter socket, the status API, and
the machinery sections with their per-backend machine lists.

Defaults are applied before validation; validation rejects configurations
that would violate node invariants later (duplicate machine names,
duplicate guest IPs, machines without an IP or platform), so a bad file
fails at startup instead of mid-task.
*/
package config
