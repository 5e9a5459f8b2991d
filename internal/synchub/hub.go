// ABOUTME: In-process pub/sub fan-out of conversation events to live subscribers
// ABOUTME: Bounded per-subscriber queues drop oldest stream events, never lifecycle

package synchub

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/gmkit/gm-gateway/internal/agent"
	"github.com/gmkit/gm-gateway/internal/store"
)

// Event types carried by the hub.
const (
	TypeMessageCreated      = "message_created"
	TypeStream              = "stream"
	TypeSessionUpdated      = "session_updated"
	TypeConversationUpdated = "conversation_updated"
)

// Event is one hub notification. Exactly one of the optional payload
// fields is set, depending on Type.
type Event struct {
	Type           string              `json:"type"`
	ConversationID string              `json:"conversation_id"`
	SessionID      string              `json:"session_id,omitempty"`
	Status         store.SessionStatus `json:"status,omitempty"`
	Message        *store.Message      `json:"message,omitempty"`
	Chunk          *agent.Block        `json:"chunk,omitempty"`
	Conversation   *store.Conversation `json:"conversation,omitempty"`
	Error          string              `json:"error,omitempty"`
	// Replay marks stream events re-sent to a late subscriber so clients
	// can deduplicate by offset.
	Replay bool `json:"replay,omitempty"`
}

// IsLifecycle reports whether the event is a lifecycle (non-stream) event.
// Lifecycle events are never dropped and also go to the global channel.
func (e Event) IsLifecycle() bool {
	return e.Type != TypeStream
}

// DefaultBufferSize is the per-subscriber queue bound before oldest
// stream events start being dropped.
const DefaultBufferSize = 256

// GlobalConversation subscribes to lifecycle events across all
// conversations, for sidebar-style listeners.
const GlobalConversation = "*"

// Subscription is one subscriber's handle. Events arrive in publish order
// on the channel returned by Events.
type Subscription struct {
	id             string
	conversationID string
	limit          int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	dropped int
	closed  bool

	out  chan Event
	done chan struct{}
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.id }

// ConversationID returns the conversation this subscription follows.
func (s *Subscription) ConversationID() string { return s.conversationID }

// Events returns the ordered delivery channel. It is closed when the
// subscription is dropped.
func (s *Subscription) Events() <-chan Event { return s.out }

// Dropped returns how many stream events were discarded due to backlog.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// enqueue appends an event to the backlog, evicting the oldest stream
// event when the queue is at its bound. Lifecycle events are never
// evicted, so a backlog of only lifecycle events may exceed the bound.
func (s *Subscription) enqueue(ev Event, logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if len(s.queue) >= s.limit {
		if i := oldestStreamIndex(s.queue); i >= 0 {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.dropped++
			logger.Warn("subscriber backlog full, dropped oldest stream event",
				"subscription_id", s.id,
				"conversation_id", s.conversationID,
				"dropped_total", s.dropped)
		}
	}

	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

func oldestStreamIndex(queue []Event) int {
	for i, ev := range queue {
		if !ev.IsLifecycle() {
			return i
		}
	}
	return -1
}

// pump moves events from the backlog to the delivery channel in order.
func (s *Subscription) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

// close releases the backlog and wakes the pump. Idempotent.
func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()

	close(s.done)
}

// Hub fans conversation events out to subscribers. One hub per process.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool

	bufferSize int
	logger     *slog.Logger
	sessions   SessionSource
}

// Option customizes a Hub.
type Option func(*Hub)

// WithBufferSize overrides the per-subscriber queue bound.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// New creates a hub backed by sessions for resume lookups.
func New(sessions SessionSource, logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		subs:       make(map[string]map[*Subscription]struct{}),
		bufferSize: DefaultBufferSize,
		logger:     logger.With("component", "synchub"),
		sessions:   sessions,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new subscriber for a conversation. Pass
// GlobalConversation to receive lifecycle events for every conversation.
func (h *Hub) Subscribe(conversationID string) *Subscription {
	sub := &Subscription{
		id:             uuid.New().String(),
		conversationID: conversationID,
		limit:          h.bufferSize,
		out:            make(chan Event),
		done:           make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub
	}
	set, ok := h.subs[conversationID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[conversationID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	go sub.pump()

	h.logger.Debug("subscriber attached", "subscription_id", sub.id, "conversation_id", conversationID)
	return sub
}

// Unsubscribe drops a subscriber and releases its backlog. Safe to call
// for an already-dropped subscription.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	if set, ok := h.subs[sub.conversationID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.conversationID)
		}
	}
	h.mu.Unlock()

	sub.close()
}

// Publish delivers the event to every subscriber of its conversation.
// Lifecycle events additionally go to global subscribers. Delivery is
// best-effort and never blocks the publisher.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	targets := make([]*Subscription, 0, 4)
	for sub := range h.subs[ev.ConversationID] {
		targets = append(targets, sub)
	}
	if ev.IsLifecycle() {
		for sub := range h.subs[GlobalConversation] {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.enqueue(ev, h.logger)
	}
}

// SubscriberCount returns the number of live subscribers for a
// conversation. Diagnostics only.
func (h *Hub) SubscriberCount(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[conversationID])
}

// Close drops every subscriber. Publish and Subscribe become no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Subscription
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.subs = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}
