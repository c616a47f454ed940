package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/nerrad567/ams-agent/internal/connection"
)

// DefaultCooldown is the minimum interval between sends on one throttle.
const DefaultCooldown = 2000 * time.Millisecond

// Reason explains a skipped send.
type Reason int

const (
	// NotConnected means the gate reported no usable connection.
	NotConnected Reason = iota + 1
	// RateLimited means the cooldown since the last send has not elapsed.
	RateLimited
	// PublishFailed means the transport rejected the message for another reason.
	PublishFailed
)

// String returns the reason name.
func (r Reason) String() string {
	switch r {
	case NotConnected:
		return "not connected"
	case RateLimited:
		return "rate limited"
	case PublishFailed:
		return "publish failed"
	default:
		return "none"
	}
}

// Result is the outcome of TrySend. A zero Reason means the message was sent.
type Result struct {
	Reason Reason
	Err    error // set for PublishFailed
}

// Sent reports whether the message went to the publisher.
func (r Result) Sent() bool {
	return r.Reason == 0
}

// String returns "sent" or "skipped: <reason>".
func (r Result) String() string {
	if r.Sent() {
		return "sent"
	}
	return "skipped: " + r.Reason.String()
}

// Gate reports whether publishing is currently possible.
type Gate interface {
	IsConnected() bool
}

// Publisher performs the wire operation.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error
}

// Logger is the logging interface used by Throttle.
type Logger interface {
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}

// Option configures a Throttle.
type Option func(*Throttle)

// WithClock sets the time source. Tests use a fake clock.
func WithClock(c clock.PassiveClock) Option {
	return func(t *Throttle) { t.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(t *Throttle) { t.logger = l }
}

// Throttle gates one stream of publishes by connection state and cooldown.
//
// The connection gate is checked before the cooldown, so a disconnected
// throttle reports NotConnected even when the cooldown has elapsed.
// Callers are serialized; the last-sent time is consistent across goroutines.
type Throttle struct {
	gate     Gate
	pub      Publisher
	cooldown time.Duration
	clock    clock.PassiveClock
	logger   Logger

	mu       sync.Mutex
	limiter  *rate.Limiter
	lastSent time.Time
}

// New creates a Throttle. A non-positive cooldown uses DefaultCooldown.
func New(gate Gate, pub Publisher, cooldown time.Duration, opts ...Option) *Throttle {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	t := &Throttle{
		gate:     gate,
		pub:      pub,
		cooldown: cooldown,
		clock:    clock.RealClock{},
		logger:   noopLogger{},
		limiter:  rate.NewLimiter(rate.Every(cooldown), 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TrySend publishes payload on topic if both gates pass.
func (t *Throttle) TrySend(ctx context.Context, topic string, payload []byte, qos byte) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.gate.IsConnected() {
		t.logger.Debug("publish skipped", "topic", topic, "reason", NotConnected.String())
		return Result{Reason: NotConnected}
	}

	// The limiter's float token maths rounds differently per cooldown, so
	// the gate itself compares durations. The cooldown must be exceeded.
	now := t.clock.Now()
	if !t.lastSent.IsZero() && now.Sub(t.lastSent) <= t.cooldown {
		t.logger.Debug("publish skipped", "topic", topic, "reason", RateLimited.String())
		return Result{Reason: RateLimited}
	}

	if err := t.pub.Publish(ctx, topic, payload, qos); err != nil {
		if errors.Is(err, connection.ErrNotConnected) {
			return Result{Reason: NotConnected}
		}
		return Result{Reason: PublishFailed, Err: err}
	}

	// Only a successful send starts the cooldown.
	t.limiter.ReserveN(now, 1)
	t.lastSent = now
	return Result{}
}

// LastSent returns the time of the last successful send, zero if none.
func (t *Throttle) LastSent() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSent
}

// Cooldown returns the configured interval.
func (t *Throttle) Cooldown() time.Duration {
	return t.cooldown
}
