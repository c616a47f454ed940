package connection

import "time"

// EventKind identifies what an Event reports.
type EventKind int

const (
	// EventStateChanged reports a state machine transition.
	EventStateChanged EventKind = iota + 1
	// EventSubscribed reports a subscription acknowledged by the broker.
	EventSubscribed
	// EventSubscribeFailed reports a subscription that failed its retry.
	EventSubscribeFailed
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventSubscribed:
		return "subscribed"
	case EventSubscribeFailed:
		return "subscribe_failed"
	default:
		return "unknown"
	}
}

// Event is delivered to every Watch channel in the order it happened.
type Event struct {
	Kind    EventKind
	From    State
	To      State
	Attempt int

	// Delay is the scheduled reconnect delay when To is StateReconnecting.
	Delay time.Duration

	Topic  string
	Err    error
	Reason string
	At     time.Time
}

// defaultWatchBuffer is used when Watch is called with a buffer below 1.
const defaultWatchBuffer = 32

// Watch returns a channel receiving every future Event and a func that
// stops delivery. A watcher that falls behind loses events rather than
// blocking the manager. The channel is closed when Run exits or cancel
// is called.
func (m *Manager) Watch(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = defaultWatchBuffer
	}
	ch := make(chan Event, buffer)

	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextWatch
	m.nextWatch++
	m.watchers[id] = ch

	return ch, func() {
		m.watchMu.Lock()
		defer m.watchMu.Unlock()
		if c, ok := m.watchers[id]; ok {
			delete(m.watchers, id)
			close(c)
		}
	}
}

func (m *Manager) emit(ev Event) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	for id, ch := range m.watchers {
		select {
		case ch <- ev:
		default:
			m.logger.Warn("dropping connection event for slow watcher", "watcher", id, "kind", ev.Kind.String(), "to", string(ev.To))
		}
	}
}

func (m *Manager) closeWatchers() {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	m.closed = true
	for id, ch := range m.watchers {
		delete(m.watchers, id)
		close(ch)
	}
}
