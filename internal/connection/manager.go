package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"k8s.io/utils/clock"
)

// commandBuffer bounds queued commands. Transport and timer callbacks post
// into it, so it must absorb a burst while the loop handles one command.
const commandBuffer = 64

// Logger is the logging surface the manager needs.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

type subscription struct {
	topic    string
	qos      byte
	handler  MessageHandler
	active   bool
	failures int
	missing  bool
	retry    clock.Timer
}

// Manager owns one broker session and its reconnect policy.
//
// All state lives on the goroutine running Run. Public methods and
// transport callbacks send closures to it, so the state machine has a
// single writer. Publish and Status read a snapshot guarded by mu.
type Manager struct {
	cfg    Config
	dialer Dialer
	clock  clock.WithDelayedExecution
	logger Logger

	cmds    chan func()
	done    chan struct{}
	running atomic.Bool

	// sendMu orders senders against the drain in Run. A command accepted
	// while sealed is false is always executed.
	sendMu sync.RWMutex
	sealed bool

	// Loop-owned.
	runCtx         context.Context
	machine        *fsm.FSM
	target         *Target
	wanted         bool
	attempt        int
	gen            uint64
	session        Session
	dialCancel     context.CancelFunc
	reconnectTimer clock.Timer
	reconnectSeq   uint64
	stabilizeTimer clock.Timer
	stabilized     bool
	subs           map[string]*subscription
	lastErr        error
	nextRetry      time.Time
	stopped        bool

	mu      sync.RWMutex
	status  Status
	current Session

	watchMu   sync.Mutex
	watchers  map[int]chan Event
	nextWatch int
	closed    bool
}

// New creates a Manager in the Disconnected state. Run must be started
// before any other method is called.
func New(cfg Config, dialer Dialer, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		dialer:   dialer,
		clock:    clock.RealClock{},
		logger:   noopLogger{},
		cmds:     make(chan func(), commandBuffer),
		done:     make(chan struct{}),
		subs:     make(map[string]*subscription),
		watchers: make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.machine = newStateMachine(m.onEnter)
	m.status = Status{State: StateDisconnected, Since: m.clock.Now()}
	return m
}

// Run processes commands until ctx is done. On exit the session is closed,
// timers are stopped and every Watch channel is closed. Commands still
// queued at exit are run after teardown, where their generation checks
// close any session a late dial delivered.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	m.runCtx = ctx

	defer func() {
		m.teardown()
		close(m.done)
		m.sendMu.Lock()
		m.sealed = true
		m.sendMu.Unlock()
		m.drain()
		m.closeWatchers()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-m.cmds:
			cmd()
		}
	}
}

// Connect starts a session against target. It returns once the request is
// queued; progress is reported as events.
//
// Connect is a no-op while Connecting or Connected. From Reconnecting it
// skips the remaining backoff, and from Failed it resets the attempt counter.
func (m *Manager) Connect(ctx context.Context, target Target) error {
	if !target.Credentials.Valid() {
		return ErrNoCredentials
	}
	if target.Endpoint == "" || target.ClientID == "" {
		return ErrInvalidTarget
	}

	return m.do(ctx, func() error {
		t := target
		m.target = &t
		m.wanted = true
		m.resume()
		return nil
	})
}

// Reconnect re-dials the last target if a session is wanted and not
// already Connecting or Connected.
func (m *Manager) Reconnect(ctx context.Context) error {
	return m.do(ctx, func() error {
		if m.target == nil || !m.wanted {
			return ErrNoTarget
		}
		m.resume()
		return nil
	})
}

// Disconnect closes the session and cancels every pending timer.
// Calling it again, or after Run has exited, is a no-op.
func (m *Manager) Disconnect(ctx context.Context) error {
	err := m.do(ctx, func() error {
		m.wanted = false
		m.target = nil
		m.release()
		m.attempt = 0
		m.fire(eventClose, transition{})
		return nil
	})
	if errors.Is(err, ErrStopped) {
		return nil
	}
	return err
}

// Subscribe registers handler for topic. The subscription is issued after
// the stabilization delay following every Connected transition, and
// immediately if that delay has already passed.
func (m *Manager) Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > 2 {
		return ErrInvalidQoS
	}
	if handler == nil {
		return ErrNilHandler
	}

	return m.do(ctx, func() error {
		if old, ok := m.subs[topic]; ok && old.retry != nil {
			old.retry.Stop()
		}
		sub := &subscription{topic: topic, qos: qos, handler: handler}
		m.subs[topic] = sub
		if m.session != nil && m.stabilized {
			m.issue(sub)
		}
		return nil
	})
}

// Publish sends payload on topic. It fails with ErrNotConnected unless the
// state is Connected, and never waits for broker acknowledgement.
func (m *Manager) Publish(_ context.Context, topic string, payload []byte, qos byte) error {
	return m.publish(topic, payload, qos, false)
}

// PublishRetained is Publish with the retain flag set.
func (m *Manager) PublishRetained(_ context.Context, topic string, payload []byte, qos byte) error {
	return m.publish(topic, payload, qos, true)
}

func (m *Manager) publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := validatePublishTopic(topic); err != nil {
		return err
	}
	if qos > 2 {
		return ErrInvalidQoS
	}

	m.mu.RLock()
	s := m.current
	state := m.status.State
	m.mu.RUnlock()

	if state != StateConnected || s == nil {
		return ErrNotConnected
	}
	if err := s.Publish(topic, qos, retained, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Status returns a snapshot of the current state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.status
	s.MissingSubscriptions = append([]string(nil), m.status.MissingSubscriptions...)
	return s
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.State
}

// IsConnected reports whether the state is Connected.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// do runs fn on the loop and waits for its result.
func (m *Manager) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	cmd := func() {
		if m.stopped {
			errc <- ErrStopped
			return
		}
		errc <- fn()
	}

	if err := m.enqueue(ctx, cmd); err != nil {
		return err
	}

	select {
	case err := <-errc:
		return err
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn from a transport or timer goroutine. It reports false if
// the manager has stopped, in which case fn will never run.
func (m *Manager) post(fn func()) bool {
	return m.enqueue(context.Background(), fn) == nil
}

// enqueue hands cmd to the loop. It fails with ErrStopped once Run has
// exited.
func (m *Manager) enqueue(ctx context.Context, cmd func()) error {
	m.sendMu.RLock()
	defer m.sendMu.RUnlock()
	if m.sealed {
		return ErrStopped
	}
	select {
	case m.cmds <- cmd:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain runs commands left in the queue after Run's loop has exited.
func (m *Manager) drain() {
	for {
		select {
		case cmd := <-m.cmds:
			cmd()
		default:
			return
		}
	}
}

// resume moves a wanted session towards Connecting.
func (m *Manager) resume() {
	switch State(m.machine.Current()) {
	case StateConnecting, StateConnected:
		return
	case StateReconnecting:
		m.stopReconnectTimer()
	case StateFailed, StateDisconnected:
		m.attempt = 0
	}
	m.dial()
}

func (m *Manager) dial() {
	m.gen++
	gen := m.gen
	target := *m.target

	ctx, cancel := context.WithCancel(m.runCtx)
	m.dialCancel = cancel

	params := DialParams{
		Target:         target,
		KeepAlive:      m.cfg.KeepAlive,
		CleanSession:   m.cfg.CleanSession,
		ConnectTimeout: m.cfg.ConnectTimeout,
		Will:           m.cfg.Will,
	}

	m.fire(eventDial, transition{})
	m.logger.Info("connecting to broker", "endpoint", target.Endpoint, "client_id", target.ClientID, "attempt", m.attempt)

	onLost := func(err error) {
		m.post(func() { m.handleLost(gen, err) })
	}

	go func() {
		defer cancel()
		s, err := m.dialer.Dial(ctx, params, onLost)
		if !m.post(func() { m.handleDialResult(gen, s, err) }) && s != nil {
			s.Close()
		}
	}()
}

func (m *Manager) handleDialResult(gen uint64, s Session, err error) {
	if gen != m.gen || !m.wanted {
		// Disconnect or a newer dial superseded this attempt.
		if s != nil {
			s.Close()
		}
		return
	}
	m.dialCancel = nil

	if err != nil {
		ce := classify(err)
		m.lastErr = ce
		m.logger.Warn("connect failed", "kind", ce.Kind.String(), "error", ce.Err, "attempt", m.attempt)
		m.scheduleReconnect(ce)
		return
	}

	m.session = s
	m.attempt = 0
	m.lastErr = nil
	m.setCurrent(s)
	m.stabilized = false
	m.stabilizeTimer = m.clock.AfterFunc(m.cfg.StabilizationDelay, func() {
		m.post(func() { m.handleStabilized(gen) })
	})
	m.fire(eventEstablished, transition{})
	m.logger.Info("connected to broker")
}

func (m *Manager) handleLost(gen uint64, err error) {
	if gen != m.gen || m.session == nil {
		return
	}
	if err == nil {
		err = errors.New("connection lost")
	}
	m.logger.Warn("connection lost", "error", err)

	m.closeSession()
	m.lastErr = err
	m.scheduleReconnect(err)
}

// scheduleReconnect applies the backoff policy after a failed or lost session.
func (m *Manager) scheduleReconnect(cause error) {
	if m.attempt >= m.cfg.MaxAttempts {
		reason := fmt.Sprintf("reconnect attempts exhausted (%d): %v", m.attempt, cause)
		m.nextRetry = time.Time{}
		m.fire(eventExhausted, transition{err: cause, reason: reason})
		m.logger.Error("giving up on broker", "attempts", m.attempt, "error", cause)
		return
	}

	m.attempt++
	delay := m.cfg.Backoff(m.attempt)
	m.reconnectSeq++
	seq := m.reconnectSeq
	m.nextRetry = m.clock.Now().Add(delay)
	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		m.post(func() { m.handleReconnectTimer(seq) })
	})
	m.fire(eventLost, transition{err: cause, delay: delay})
	m.logger.Info("reconnect scheduled", "attempt", m.attempt, "delay", delay)
}

func (m *Manager) handleReconnectTimer(seq uint64) {
	if seq != m.reconnectSeq || m.reconnectTimer == nil || !m.wanted {
		return
	}
	if State(m.machine.Current()) != StateReconnecting {
		return
	}
	m.reconnectTimer = nil
	m.nextRetry = time.Time{}
	m.dial()
}

func (m *Manager) handleStabilized(gen uint64) {
	if gen != m.gen || m.session == nil {
		return
	}
	m.stabilizeTimer = nil
	m.stabilized = true
	for _, sub := range m.subs {
		m.issue(sub)
	}
}

// issue sends one subscription on the current session.
func (m *Manager) issue(sub *subscription) {
	gen := m.gen
	s := m.session
	handler := m.wrapHandler(sub.topic, sub.handler)
	topic, qos := sub.topic, sub.qos
	ctx := m.runCtx

	go func() {
		err := s.Subscribe(ctx, topic, qos, handler)
		m.post(func() { m.handleSubscribeResult(gen, sub, err) })
	}()
}

func (m *Manager) handleSubscribeResult(gen uint64, sub *subscription, err error) {
	if gen != m.gen || m.session == nil || m.subs[sub.topic] != sub {
		return
	}

	if err == nil {
		sub.active = true
		sub.failures = 0
		if sub.missing {
			sub.missing = false
			m.refreshMissing()
		}
		m.logger.Debug("subscribed", "topic", sub.topic, "qos", sub.qos)
		m.emit(Event{Kind: EventSubscribed, To: StateConnected, Topic: sub.topic, At: m.clock.Now()})
		return
	}

	sub.failures++
	if sub.failures == 1 {
		m.logger.Warn("subscribe failed, retrying", "topic", sub.topic, "error", err, "delay", m.cfg.SubscribeRetryDelay)
		sub.retry = m.clock.AfterFunc(m.cfg.SubscribeRetryDelay, func() {
			m.post(func() {
				sub.retry = nil
				if gen == m.gen && m.session != nil && m.subs[sub.topic] == sub {
					m.issue(sub)
				}
			})
		})
		return
	}

	m.logger.Error("subscribe failed, continuing without it", "topic", sub.topic, "error", err)
	sub.missing = true
	m.refreshMissing()
	m.emit(Event{Kind: EventSubscribeFailed, To: StateConnected, Topic: sub.topic, Err: err, At: m.clock.Now()})
}

// wrapHandler recovers from handler panics so one bad message cannot kill
// the transport goroutine.
func (m *Manager) wrapHandler(topic string, h MessageHandler) MessageHandler {
	return func(t string, payload []byte) {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("message handler panic", "topic", topic, "panic", r)
			}
		}()
		h(t, payload)
	}
}

// closeSession drops the live session and everything tied to it.
func (m *Manager) closeSession() {
	if m.stabilizeTimer != nil {
		m.stabilizeTimer.Stop()
		m.stabilizeTimer = nil
	}
	m.stabilized = false
	for _, sub := range m.subs {
		if sub.retry != nil {
			sub.retry.Stop()
			sub.retry = nil
		}
		sub.active = false
		sub.failures = 0
	}
	if m.session != nil {
		m.session.Close()
		m.session = nil
	}
	m.setCurrent(nil)
}

// release cancels an in-flight dial, pending timers and the live session.
func (m *Manager) release() {
	m.gen++
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.stopReconnectTimer()
	m.closeSession()
}

func (m *Manager) stopReconnectTimer() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.reconnectSeq++
	m.nextRetry = time.Time{}
}

func (m *Manager) teardown() {
	m.stopped = true
	m.wanted = false
	m.release()
	m.fire(eventClose, transition{})
}

// fire triggers a state machine event. Events that do not apply to the
// current state are ignored.
func (m *Manager) fire(event string, t transition) {
	if !m.machine.Can(event) {
		return
	}
	if err := m.machine.Event(context.Background(), event, t); isFsmRealError(err) {
		m.logger.Error("state machine error", "event", event, "error", err)
	}
}

// onEnter publishes a state change. It runs inside fsm.Event.
func (m *Manager) onEnter(from, to State, t transition) {
	now := m.clock.Now()

	m.mu.Lock()
	m.status.State = to
	m.status.Since = now
	m.status.Attempt = m.attempt
	m.status.LastError = m.lastErr
	m.status.NextRetry = m.nextRetry
	m.status.Reason = ""
	if to == StateFailed {
		m.status.Reason = t.reason
	}
	m.mu.Unlock()

	m.emit(Event{
		Kind:    EventStateChanged,
		From:    from,
		To:      to,
		Attempt: m.attempt,
		Delay:   t.delay,
		Err:     t.err,
		Reason:  t.reason,
		At:      now,
	})
}

func (m *Manager) setCurrent(s Session) {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
}

func (m *Manager) refreshMissing() {
	var missing []string
	for topic, sub := range m.subs {
		if sub.missing {
			missing = append(missing, topic)
		}
	}
	m.mu.Lock()
	m.status.MissingSubscriptions = missing
	m.mu.Unlock()
}

func validatePublishTopic(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	for _, r := range topic {
		if r == '+' || r == '#' {
			return ErrInvalidTopic
		}
	}
	return nil
}
