package network

import (
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/nerrad567/ams-agent/internal/connection"
	"github.com/nerrad567/ams-agent/internal/signals"
)

const (
	// DefaultStabilizationDelay is the wait after a network comes up before reconnecting.
	DefaultStabilizationDelay = 2 * time.Second

	reconnectCallTimeout = 5 * time.Second
)

// Reconnector is the part of the connection manager the watcher drives.
type Reconnector interface {
	Reconnect(ctx context.Context) error
	IsConnected() bool
}

// Logger is the logging interface used by Watcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// Option configures a Watcher.
type Option func(*Watcher)

// WithClock sets the timer source.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(w *Watcher) { w.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// Watcher turns OS reachability callbacks into reconnect triggers.
//
// It keeps no retry count of its own. A lost network only marks the link
// unreachable for the publish gate; the broker session is left for the
// connection manager to notice.
type Watcher struct {
	rc     Reconnector
	delay  time.Duration
	clock  clock.WithDelayedExecution
	logger Logger

	mu        sync.Mutex
	reachable bool
	timer     clock.Timer
	seq       uint64
	stopped   bool
}

// New creates a watcher that starts out reachable.
func New(rc Reconnector, delay time.Duration, opts ...Option) *Watcher {
	if delay <= 0 {
		delay = DefaultStabilizationDelay
	}
	w := &Watcher{
		rc:        rc,
		delay:     delay,
		clock:     clock.RealClock{},
		logger:    noopLogger{},
		reachable: true,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnAvailable schedules a reconnect after the stabilization delay.
// A pending timer is replaced rather than stacked.
func (w *Watcher) OnAvailable() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.reachable = true
	w.stopTimerLocked()

	w.seq++
	seq := w.seq
	// The callback may run under the clock's lock; hand off before taking w.mu.
	w.timer = w.clock.AfterFunc(w.delay, func() { go w.stabilized(seq) })
	w.logger.Debug("network available, waiting to stabilise", "delay", w.delay)
}

// OnLost marks the network unreachable and cancels a pending reconnect.
// It does not disconnect the broker session.
func (w *Watcher) OnLost() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reachable {
		w.logger.Info("network lost")
	}
	w.reachable = false
	w.stopTimerLocked()
}

// OnCapabilitiesChanged treats gaining internet as available, only when the
// network was unreachable, and losing it as lost.
func (w *Watcher) OnCapabilitiesChanged(hasInternet bool) {
	if !hasInternet {
		w.OnLost()
		return
	}
	if !w.Reachable() {
		w.OnAvailable()
	}
}

// Reachable reports the last known network state.
func (w *Watcher) Reachable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reachable
}

// IsConnected is the publish gate: the broker session is Connected and the
// network has not been reported lost.
func (w *Watcher) IsConnected() bool {
	return w.Reachable() && w.rc.IsConnected()
}

// Run feeds connectivity changes into the watcher until ctx is done or
// feed is closed. Other change kinds are ignored.
func (w *Watcher) Run(ctx context.Context, feed <-chan signals.Change) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-feed:
			if !ok {
				return nil
			}
			if c.Kind != signals.KindConnectivity {
				continue
			}
			if !c.Connectivity.Available {
				w.OnLost()
				continue
			}
			w.OnCapabilitiesChanged(c.Connectivity.HasInternet)
		}
	}
}

// Stop cancels the pending timer. Later callbacks are ignored.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.stopTimerLocked()
}

func (w *Watcher) stabilized(seq uint64) {
	w.mu.Lock()
	if w.stopped || seq != w.seq || !w.reachable {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.mu.Unlock()

	if w.rc.IsConnected() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reconnectCallTimeout)
	defer cancel()

	err := w.rc.Reconnect(ctx)
	switch {
	case err == nil:
		w.logger.Info("network stable, reconnecting")
	case errors.Is(err, connection.ErrNoTarget), errors.Is(err, connection.ErrStopped):
		w.logger.Debug("network stable, no session wanted", "error", err)
	default:
		w.logger.Warn("reconnect trigger failed", "error", err)
	}
}

func (w *Watcher) stopTimerLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.seq++
}
