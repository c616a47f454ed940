// Package network watches OS network reachability.
//
// When a network becomes available the watcher waits a stabilization delay
// and, if the broker session is not connected, asks the connection manager
// to reconnect. Backoff and attempt limits stay with the manager.
package network
