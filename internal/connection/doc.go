// Package connection manages the MQTT broker session of the agent.
//
// A Manager runs a single goroutine (Run) that owns the session state
// machine. Connect, Disconnect, Subscribe and transport callbacks are
// marshalled onto that goroutine, so transitions never race.
//
// States:
//
//	disconnected -> connecting -> connected
//	connecting/connected -> reconnecting -> connecting
//	connecting/connected -> failed (attempts exhausted)
//	any -> disconnected (Disconnect)
//
// After a lost or failed session the manager waits
// min(attempt, CapAttempts)*UnitDelay + BaseDelay and dials again, up to
// MaxAttempts times. Failed is terminal until Connect or Reconnect is called.
//
// State changes are published to Watch channels. Subscriptions are
// re-issued on every new session after StabilizationDelay.
package connection
