// Package broadcast routes state transitions to the subscribers of a scope
// (a session or job id). Delivery is best effort with no replay.
package broadcast

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/avatarcore/internal/clock"
)

const DefaultBuffer = 256

// Event is one published message. Seq increases per hub.
type Event struct {
	Scope   string    `json:"scope"`
	Type    string    `json:"type"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
	Seq     uint64    `json:"seq"`
}

// DropObserver is told about every event a slow subscriber missed.
type DropObserver func(scope, eventType string)

type Hub struct {
	mu          sync.Mutex
	clock       clock.Clock
	buffer      int
	nextSubID   int
	seq         uint64
	subscribers map[string]map[int]chan Event
	dropped     atomic.Uint64
	onDrop      DropObserver
}

type Option func(*Hub)

func WithClock(c clock.Clock) Option { return func(h *Hub) { h.clock = c } }

func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithDropObserver(fn DropObserver) Option { return func(h *Hub) { h.onDrop = fn } }

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clock:       clock.System(),
		buffer:      DefaultBuffer,
		subscribers: make(map[string]map[int]chan Event),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a listener for scope. The returned cancel func closes
// the channel and is safe to call more than once.
func (h *Hub) Subscribe(scope string) (<-chan Event, func()) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	h.nextSubID++
	id := h.nextSubID
	if _, ok := h.subscribers[scope]; !ok {
		h.subscribers[scope] = make(map[int]chan Event)
	}
	h.subscribers[scope][id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.subscribers[scope]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(h.subscribers, scope)
		}
	}
}

// Publish delivers to every current subscriber of scope and returns how many
// received the event. Publishing is serialised so each subscriber observes
// events in call order. A full subscriber buffer drops the event for that
// subscriber only.
func (h *Hub) Publish(scope, eventType string, payload any) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[scope]
	if len(subs) == 0 {
		return 0
	}
	h.seq++
	evt := Event{Scope: scope, Type: eventType, Payload: payload, At: h.clock.Now(), Seq: h.seq}
	delivered := 0
	for _, ch := range subs {
		select {
		case ch <- evt:
			delivered++
		default:
			h.dropped.Add(1)
			if h.onDrop != nil {
				h.onDrop(scope, eventType)
			}
		}
	}
	return delivered
}

// Subscribers counts current listeners of scope.
func (h *Hub) Subscribers(scope string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[scope])
}

// Dropped is the total number of undelivered events since start.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
