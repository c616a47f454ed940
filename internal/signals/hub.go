package signals

import "sync"

const defaultWatchBuffer = 16

// Hub fans changes out to watchers. A watcher whose buffer is full misses
// the change; sources are never blocked by a slow consumer.
type Hub struct {
	mu       sync.Mutex
	watchers map[int]chan Change
	next     int
	closed   bool
	dropped  func(Change)
}

// NewHub creates a hub. onDrop, if non-nil, is called for each missed delivery.
func NewHub(onDrop func(Change)) *Hub {
	return &Hub{watchers: make(map[int]chan Change), dropped: onDrop}
}

// Watch implements Watcher. The returned func unsubscribes and closes the channel.
func (h *Hub) Watch(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = defaultWatchBuffer
	}
	ch := make(chan Change, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.watchers[id]; ok {
				delete(h.watchers, id)
				close(c)
			}
		})
	}
}

// Publish delivers c to every watcher without blocking.
func (h *Hub) Publish(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.watchers {
		select {
		case ch <- c:
		default:
			if h.dropped != nil {
				h.dropped(c)
			}
		}
	}
}

// Close closes every watcher channel. Later Watch calls get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.watchers {
		delete(h.watchers, id)
		close(ch)
	}
}
