// ABOUTME: Tests for hub fan-out, backlog bounds, and resume classification
// ABOUTME: Stream events may be dropped under pressure; lifecycle events never are

package synchub

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmkit/gm-gateway/internal/store"
)

// stubSessions is a SessionSource returning a fixed session.
type stubSessions struct {
	session *store.Session
	err     error
}

func (s *stubSessions) LatestSession(ctx context.Context, conversationID string) (*store.Session, error) {
	return s.session, s.err
}

func newTestHub(t *testing.T, sessions SessionSource, opts ...Option) *Hub {
	t.Helper()
	if sessions == nil {
		sessions = &stubSessions{}
	}
	h := New(sessions, slog.Default(), opts...)
	t.Cleanup(h.Close)
	return h
}

// receive pulls one event or fails the test.
func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHub_DeliversInOrder(t *testing.T) {
	h := newTestHub(t, nil)
	sub := h.Subscribe("conv-1")

	h.Publish(Event{Type: TypeMessageCreated, ConversationID: "conv-1"})
	h.Publish(Event{Type: TypeStream, ConversationID: "conv-1", SessionID: "s-1"})
	h.Publish(Event{Type: TypeSessionUpdated, ConversationID: "conv-1", SessionID: "s-1"})

	assert.Equal(t, TypeMessageCreated, receive(t, sub).Type)
	assert.Equal(t, TypeStream, receive(t, sub).Type)
	assert.Equal(t, TypeSessionUpdated, receive(t, sub).Type)
}

func TestHub_ConversationIsolation(t *testing.T) {
	h := newTestHub(t, nil)
	sub1 := h.Subscribe("conv-1")
	sub2 := h.Subscribe("conv-2")

	h.Publish(Event{Type: TypeMessageCreated, ConversationID: "conv-1"})

	assert.Equal(t, "conv-1", receive(t, sub1).ConversationID)

	select {
	case ev := <-sub2.Events():
		t.Fatalf("conv-2 subscriber received foreign event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_GlobalReceivesLifecycleOnly(t *testing.T) {
	h := newTestHub(t, nil)
	global := h.Subscribe(GlobalConversation)

	h.Publish(Event{Type: TypeStream, ConversationID: "conv-1", SessionID: "s-1"})
	h.Publish(Event{Type: TypeSessionUpdated, ConversationID: "conv-1", SessionID: "s-1"})

	ev := receive(t, global)
	assert.Equal(t, TypeSessionUpdated, ev.Type, "stream events must not reach the global channel")
}

func TestHub_MultipleSubscribersAllReceive(t *testing.T) {
	h := newTestHub(t, nil)
	a := h.Subscribe("conv-1")
	b := h.Subscribe("conv-1")

	h.Publish(Event{Type: TypeMessageCreated, ConversationID: "conv-1"})

	assert.Equal(t, TypeMessageCreated, receive(t, a).Type)
	assert.Equal(t, TypeMessageCreated, receive(t, b).Type)
}

func TestSubscription_BacklogDropsOldestStreamOnly(t *testing.T) {
	// Exercise the backlog directly, without a pump, so the eviction
	// decision is deterministic.
	sub := &Subscription{
		id:    "test",
		limit: 3,
		out:   make(chan Event),
		done:  make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)
	logger := slog.Default()

	sub.enqueue(Event{Type: TypeMessageCreated}, logger)
	sub.enqueue(Event{Type: TypeStream, SessionID: "s-1"}, logger)
	sub.enqueue(Event{Type: TypeStream, SessionID: "s-2"}, logger)
	sub.enqueue(Event{Type: TypeSessionUpdated, SessionID: "s-9"}, logger)

	require.Len(t, sub.queue, 3)
	assert.Equal(t, TypeMessageCreated, sub.queue[0].Type)
	assert.Equal(t, "s-2", sub.queue[1].SessionID, "oldest stream event s-1 was evicted")
	assert.Equal(t, TypeSessionUpdated, sub.queue[2].Type)
	assert.Equal(t, 1, sub.Dropped())
}

func TestSubscription_LifecycleOnlyBacklogExceedsBound(t *testing.T) {
	sub := &Subscription{
		id:    "test",
		limit: 2,
		out:   make(chan Event),
		done:  make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)
	logger := slog.Default()

	for i := 0; i < 4; i++ {
		sub.enqueue(Event{Type: TypeSessionUpdated}, logger)
	}

	// No stream events to evict, so nothing is lost.
	assert.Len(t, sub.queue, 4)
	assert.Equal(t, 0, sub.Dropped())
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := newTestHub(t, nil)
	sub := h.Subscribe("conv-1")

	h.Unsubscribe(sub)

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok, "events channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("events channel not closed after unsubscribe")
	}

	// Publishing after drop must not panic or block.
	h.Publish(Event{Type: TypeStream, ConversationID: "conv-1"})
	h.Unsubscribe(sub) // idempotent
}

func TestHub_CloseDropsAllSubscribers(t *testing.T) {
	h := New(&stubSessions{}, slog.Default())
	a := h.Subscribe("conv-1")
	b := h.Subscribe("conv-2")

	h.Close()

	for _, sub := range []*Subscription{a, b} {
		select {
		case _, ok := <-sub.Events():
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("events channel not closed after hub close")
		}
	}
}

func TestHub_ResumeModes(t *testing.T) {
	completedAt := time.Now()
	cases := []struct {
		name    string
		session *store.Session
		mode    ResumeMode
	}{
		{"no session", nil, ModeIdle},
		{"pending", &store.Session{ID: "s", Status: store.SessionPending}, ModeAttach},
		{"processing", &store.Session{ID: "s", Status: store.SessionProcessing}, ModeAttach},
		{"completed", &store.Session{
			ID:          "s",
			Status:      store.SessionCompleted,
			CompletedAt: &completedAt,
			Response:    &store.SessionResponse{Text: "pong", AssistantMessageID: "m-2"},
		}, ModeReplay},
		{"error", &store.Session{ID: "s", Status: store.SessionError, Error: "boom"}, ModeTerminal},
		{"timeout", &store.Session{ID: "s", Status: store.SessionTimeout}, ModeTerminal},
		{"cancelled", &store.Session{ID: "s", Status: store.SessionCancelled}, ModeTerminal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHub(t, &stubSessions{session: tc.session})

			res, err := h.Resume(context.Background(), "conv-1")
			require.NoError(t, err)
			assert.Equal(t, tc.mode, res.Mode)
			if tc.session == nil {
				assert.Nil(t, res.Session)
			} else {
				require.NotNil(t, res.Session)
				assert.Equal(t, tc.session.Status, res.Session.Status)
			}
		})
	}
}

func TestHub_ResumeReplayCarriesResponseText(t *testing.T) {
	sess := &store.Session{
		ID:       "s-1",
		Status:   store.SessionCompleted,
		Response: &store.SessionResponse{Text: "pong", AssistantMessageID: "m-2"},
	}
	h := newTestHub(t, &stubSessions{session: sess})

	res, err := h.Resume(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, ModeReplay, res.Mode)
	require.NotNil(t, res.Session.Response)
	assert.Equal(t, "pong", res.Session.Response.Text)
}
