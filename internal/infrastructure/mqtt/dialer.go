package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/nerrad567/ams-agent/internal/connection"
)

// Logger is the subset of slog used by this package.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// Dialer opens paho-backed broker sessions.
//
// It implements connection.Dialer. Each Dial builds a fresh paho client
// with auto-reconnect disabled; retry policy belongs to the caller.
type Dialer struct {
	logger Logger

	// newClient is replaced in tests.
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
}

// NewDialer creates a Dialer. A nil logger discards output.
func NewDialer(logger Logger) *Dialer {
	if logger == nil {
		logger = discard{}
	}
	return &Dialer{
		logger:    logger,
		newClient: pahomqtt.NewClient,
	}
}

// Dial connects to the broker and waits for the CONNACK.
//
// Parameters:
//   - ctx: Cancels the attempt; the half-open client is torn down
//   - p: Endpoint, identity, session and will settings
//   - onLost: Called at most once when the established session drops
//
// Returns:
//   - connection.Session: The live session
//   - error: A *connection.ConnectError describing why the attempt failed
func (d *Dialer) Dial(ctx context.Context, p connection.DialParams, onLost func(error)) (connection.Session, error) {
	opts := buildClientOptions(p)

	var lostOnce sync.Once
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		d.logger.Warn("mqtt connection lost", "endpoint", p.Endpoint, "error", err)
		if onLost != nil {
			lostOnce.Do(func() { onLost(err) })
		}
	})

	client := d.newClient(opts)
	token := client.Connect()

	timeout := time.NewTimer(opts.ConnectTimeout + time.Second)
	defer timeout.Stop()

	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		kind := connection.TransportFailure
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = connection.Timeout
		}
		return nil, &connection.ConnectError{Kind: kind, Err: fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())}
	case <-timeout.C:
		client.Disconnect(0)
		return nil, &connection.ConnectError{Kind: connection.Timeout, Err: fmt.Errorf("%w: %w", ErrConnectionFailed, ErrTimeout)}
	}

	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, classifyConnectError(err)
	}

	d.logger.Debug("mqtt connected", "endpoint", p.Endpoint, "client_id", p.ClientID)

	return &session{client: client, logger: d.logger}, nil
}

// classifyConnectError maps paho and TLS failures onto connection error kinds.
func classifyConnectError(err error) *connection.ConnectError {
	wrapped := fmt.Errorf("%w: %w", ErrConnectionFailed, err)

	switch {
	case errors.Is(err, packets.ErrorRefusedNotAuthorised),
		errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
		errors.Is(err, packets.ErrorRefusedIDRejected):
		return &connection.ConnectError{Kind: connection.AuthFailure, Err: wrapped}
	case errors.Is(err, context.DeadlineExceeded):
		return &connection.ConnectError{Kind: connection.Timeout, Err: wrapped}
	}

	var (
		unknownAuthority x509.UnknownAuthorityError
		invalidCert      x509.CertificateInvalidError
		hostname         x509.HostnameError
		verify           *tls.CertificateVerificationError
		alert            tls.AlertError
	)
	if errors.As(err, &unknownAuthority) || errors.As(err, &invalidCert) ||
		errors.As(err, &hostname) || errors.As(err, &verify) || errors.As(err, &alert) {
		return &connection.ConnectError{Kind: connection.AuthFailure, Err: wrapped}
	}

	return &connection.ConnectError{Kind: connection.TransportFailure, Err: wrapped}
}

type discard struct{}

func (discard) Error(string, ...any) {}
func (discard) Warn(string, ...any)  {}
func (discard) Debug(string, ...any) {}
