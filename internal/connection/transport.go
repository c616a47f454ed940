package connection

import (
	"context"
	"time"

	"github.com/nerrad567/ams-agent/internal/certstore"
)

// Target names the broker and the identity used against it.
type Target struct {
	Endpoint    string // host:port
	ClientID    string
	Credentials *certstore.Bundle

	// ServerName overrides the TLS verification name. Defaults to the endpoint host.
	ServerName string
}

// DialParams is everything a Dialer needs for one connect attempt.
type DialParams struct {
	Target
	KeepAlive      time.Duration
	CleanSession   bool
	ConnectTimeout time.Duration
	Will           *Will
}

// MessageHandler receives inbound messages. It runs on a transport goroutine.
type MessageHandler func(topic string, payload []byte)

// Dialer opens broker sessions.
//
// Dial blocks until the broker acknowledges the connection, ctx is done,
// or the attempt fails. onLost is called at most once, from any goroutine,
// when an established session drops.
type Dialer interface {
	Dial(ctx context.Context, p DialParams, onLost func(error)) (Session, error)
}

// Session is one live broker connection.
type Session interface {
	// Publish hands a message to the transport without waiting for acknowledgement.
	Publish(topic string, qos byte, retained bool, payload []byte) error

	// Subscribe blocks until the broker acknowledges the subscription.
	Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error

	// Close releases the connection. It is safe to call more than once.
	Close()
}
