package connection

import (
	"context"
	"errors"
	"fmt"
)

// Errors returned by Manager methods.
var (
	// ErrNotConnected is returned by Publish when the state is not Connected.
	ErrNotConnected = errors.New("connection: not connected")

	// ErrNoCredentials is returned by Connect when the target has no usable
	// bundle.
	ErrNoCredentials = errors.New("connection: no credentials")

	// ErrInvalidTarget is returned by Connect for an empty endpoint or client id.
	ErrInvalidTarget = errors.New("connection: invalid target")

	// ErrNoTarget is returned by Reconnect when no session is wanted.
	ErrNoTarget = errors.New("connection: no target to reconnect")

	// ErrStopped is returned once Run has exited.
	ErrStopped = errors.New("connection: manager stopped")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("connection: already running")

	// ErrInvalidTopic is returned for empty topics or wildcards in a publish topic.
	ErrInvalidTopic = errors.New("connection: invalid topic")

	// ErrInvalidQoS is returned for QoS values above 2.
	ErrInvalidQoS = errors.New("connection: invalid QoS")

	// ErrNilHandler is returned by Subscribe without a handler.
	ErrNilHandler = errors.New("connection: nil handler")
)

// ConnectErrorKind classifies a failed connect attempt.
type ConnectErrorKind int

const (
	// TransportFailure covers network and TLS errors.
	TransportFailure ConnectErrorKind = iota + 1
	// AuthFailure means the broker refused the client.
	AuthFailure
	// Timeout means no CONNACK arrived in time.
	Timeout
)

// String returns the kind name.
func (k ConnectErrorKind) String() string {
	switch k {
	case TransportFailure:
		return "transport failure"
	case AuthFailure:
		return "auth failure"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ConnectError is what a Dialer returns when a session cannot be established.
// Every kind is retried with backoff.
type ConnectError struct {
	Kind ConnectErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection: %s", e.Kind)
	}
	return fmt.Sprintf("connection: %s: %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// classify turns any dial error into a *ConnectError.
func classify(err error) *ConnectError {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ConnectError{Kind: Timeout, Err: err}
	}
	return &ConnectError{Kind: TransportFailure, Err: err}
}
