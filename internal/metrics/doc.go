// Package metrics exports the agent's connection, report and signal state
// as Prometheus collectors.
//
// AgentMetrics registers itself with a caller-owned registry, which the
// HTTP API serves on its metrics path.
package metrics
