package events

import (
	"sync"
	"sync/atomic"
)

const defaultBuffer = 64

type subscription struct {
	resource string
	ch       chan Event
}

// Hub fans events out to in-process subscribers. A subscriber whose buffer is
// full misses the event; the drop is counted and reported via OnDrop.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  uint64
	buffer  int
	closed  bool
	dropped atomic.Int64

	// OnDrop, if set, is called for every dropped delivery.
	OnDrop func(Event)
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		subs:   make(map[uint64]*subscription),
		buffer: buffer,
	}
}

func (h *Hub) Notify(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, s := range h.subs {
		if s.resource != "" && s.resource != e.Resource {
			continue
		}
		select {
		case s.ch <- e:
		default:
			h.dropped.Add(1)
			if h.OnDrop != nil {
				h.OnDrop(e)
			}
		}
	}
}

// Subscribe registers a subscriber for resource ("" = every resource). The
// returned cancel func closes the channel and is safe to call more than once.
func (h *Hub) Subscribe(resource string) (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = &subscription{resource: resource, ch: ch}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if s, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(s.ch)
			}
		})
	}
}

func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later Notify calls are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
}
