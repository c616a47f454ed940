// Package mqtt is the paho-backed transport for the connection manager.
//
// Dialer implements connection.Dialer over github.com/eclipse/paho.mqtt.golang.
// Every session is mutual TLS (ssl://) with credentials from a certstore.Bundle.
//
// # Reconnection
//
// Paho's auto-reconnect and connect-retry are disabled. A dropped session is
// reported once through the onLost callback passed to Dial and the
// connection manager decides when to dial again, so the backoff schedule
// and attempt limit live in one place.
//
// # Thread Safety
//
// Sessions are safe for concurrent use. Message handlers run on paho
// goroutines (order-matters is off) and must not block for long.
//
// # Usage
//
//	dialer := mqtt.NewDialer(logger.Component("mqtt"))
//	manager := connection.New(connCfg, dialer, connection.WithLogger(logger))
package mqtt
