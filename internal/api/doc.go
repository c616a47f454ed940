// Package api serves the agent's local HTTP endpoint.
//
// Routes:
//   - GET  /healthz and /api/v1/health: liveness
//   - GET  /api/v1/status: connection state, network reachability, current signals
//   - POST /api/v1/brightness: {"screenBrightness": 0..100}, same semantics as the MQTT control topic
//   - GET  /api/v1/history and /api/v1/history/reports: the SQLite journal
//   - GET  <metrics_path>: Prometheus exposition
//
// The listener binds loopback by default. There is no authentication; expose
// it beyond the device only behind something that adds it.
//
// # Graceful Degradation
//
// Journal and control routes answer 503 when their dependency is not
// configured, so the server runs with just a connection manager and a
// signal source.
package api
