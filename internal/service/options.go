package service

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/nerrad567/ams-agent/internal/certstore"
	"github.com/nerrad567/ams-agent/internal/connection"
	"github.com/nerrad567/ams-agent/internal/signals"
)

// SignalSource is a signals.Source the service can drive. A source the
// service opens itself is run on its own goroutine when it has
// Run(ctx) error, and closed on Stop.
type SignalSource = signals.Source

type runnable interface {
	Run(ctx context.Context) error
}

// CredentialLoader reads the client certificate bundle.
type CredentialLoader func(certstore.Paths) (*certstore.Bundle, error)

// Option configures a Service.
type Option func(*Service)

// WithDialer replaces the MQTT dialer.
func WithDialer(d connection.Dialer) Option {
	return func(s *Service) { s.dialer = d }
}

// WithSignalSource replaces the source selected by signals.source.
// The caller keeps ownership; Stop does not close it.
func WithSignalSource(src SignalSource) Option {
	return func(s *Service) { s.source = src }
}

// Clock is the time source shared by every component.
type Clock interface {
	clock.WithTicker
	clock.WithDelayedExecution
}

// WithClock sets the time source for every timer in the agent.
func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithRegistry sets the Prometheus registry the agent's metrics are
// registered with. By default the service creates its own.
func WithRegistry(r *prometheus.Registry) Option {
	return func(s *Service) { s.registry = r }
}

// WithCredentialLoader replaces certstore.Load.
func WithCredentialLoader(fn CredentialLoader) Option {
	return func(s *Service) { s.loadCredentials = fn }
}
