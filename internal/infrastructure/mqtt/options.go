package mqtt

import (
	"net"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/ams-agent/internal/connection"
)

// Connection constants.
const (
	// defaultConnectTimeout applies when DialParams carries none.
	defaultConnectTimeout = 30 * time.Second

	// defaultSubscribeTimeout is the maximum wait for a SUBACK.
	defaultSubscribeTimeout = 10 * time.Second

	// defaultPublishTimeout bounds how long a publish acknowledgement is awaited for logging.
	defaultPublishTimeout = 10 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// maxPayloadSize guards against runaway payloads (1MB).
	maxPayloadSize = 1 << 20

	// subackFailure is the SUBACK return code for a refused subscription.
	subackFailure = 0x80
)

// buildClientOptions creates paho options for one connect attempt.
//
// This configures:
//   - Broker URL (always ssl://, mutual TLS from the credential bundle)
//   - Client ID, keep-alive and clean session from DialParams
//   - No paho auto-reconnect: the connection manager owns the retry policy
//   - Last will, when one is configured
func buildClientOptions(p connection.DialParams) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker("ssl://" + p.Endpoint)
	opts.SetClientID(p.ClientID)
	opts.SetCleanSession(p.CleanSession)
	opts.SetKeepAlive(p.KeepAlive)

	timeout := p.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	opts.SetConnectTimeout(timeout)

	// Reconnect is driven by the connection manager's backoff.
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	// Deliver messages concurrently so a slow handler cannot stall pings.
	opts.SetOrderMatters(false)

	if p.Credentials != nil {
		opts.SetTLSConfig(p.Credentials.TLSConfig(serverName(p)))
	}

	if p.Will != nil {
		opts.SetBinaryWill(p.Will.Topic, p.Will.Payload, p.Will.QoS, p.Will.Retained)
	}

	return opts
}

// serverName returns the TLS verification name for p.
func serverName(p connection.DialParams) string {
	if p.ServerName != "" {
		return p.ServerName
	}
	host, _, err := net.SplitHostPort(p.Endpoint)
	if err != nil {
		return p.Endpoint
	}
	return host
}
