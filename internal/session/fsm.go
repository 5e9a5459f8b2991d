// ABOUTME: Explicit per-session state machine with validated transitions and history
// ABOUTME: Watchdog timer forces timeout; completion future resolves exactly once

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gmkit/gm-gateway/internal/agent"
	"github.com/gmkit/gm-gateway/internal/fault"
)

// State is one node in the session lifecycle diagram.
type State string

const (
	StatePending        State = "pending"
	StateAcquiringAgent State = "acquiring_agent"
	StateAgentAcquired  State = "agent_acquired"
	StateSendingPrompt  State = "sending_prompt"
	StateProcessing     State = "processing"
	StateCompleted      State = "completed"
	StateError          State = "error"
	StateTimeout        State = "timeout"
	StateCancelled      State = "cancelled"
)

// IsTerminal reports whether the state has no outgoing transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateError, StateTimeout, StateCancelled:
		return true
	}
	return false
}

// legalTransitions is the full transition table. Terminal failure states
// are reachable from every non-terminal state; completed only from
// processing.
var legalTransitions = map[State][]State{
	StatePending:        {StateAcquiringAgent, StateError, StateTimeout, StateCancelled},
	StateAcquiringAgent: {StateAgentAcquired, StateError, StateTimeout, StateCancelled},
	StateAgentAcquired:  {StateSendingPrompt, StateError, StateTimeout, StateCancelled},
	StateSendingPrompt:  {StateProcessing, StateError, StateTimeout, StateCancelled},
	StateProcessing:     {StateCompleted, StateError, StateTimeout, StateCancelled},
}

// ErrInvalidTransition is returned when a transition is not in the legal
// set for the current state. The FSM is left unchanged.
var ErrInvalidTransition = errors.New("invalid transition")

// DefaultTimeout is the watchdog deadline for a session.
const DefaultTimeout = 120 * time.Second

// Well-known data bag keys.
const (
	KeyAgentConnectionTime  = "agentConnectionTime"
	KeyPromptSentTime       = "promptSentTime"
	KeyResponseReceivedTime = "responseReceivedTime"
	KeyFullText             = "fullText"
	KeyBlocks               = "blocks"
	KeyError                = "error"
	KeyStackTrace           = "stackTrace"
)

// HistoryEntry records one transition.
type HistoryEntry struct {
	State     State          `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
	Reason    string         `json:"reason,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Outcome is the resolved value of the completion future.
type Outcome struct {
	State State
	Data  map[string]any
}

// Summary is a copy-safe snapshot of an FSM for diagnostics.
type Summary struct {
	SessionID      string         `json:"session_id"`
	ConversationID string         `json:"conversation_id"`
	State          State          `json:"state"`
	CreatedAt      time.Time      `json:"created_at"`
	LastTransition time.Time      `json:"last_transition"`
	History        []HistoryEntry `json:"history"`
	Error          string         `json:"error,omitempty"`
}

// FSM is the explicit state machine for one session. Transition is the
// only mutation path; every observable state change is serialised through
// it and appended to the history buffer. A watchdog armed at construction
// forces the timeout state if the FSM is still non-terminal when it fires.
type FSM struct {
	sessionID      string
	conversationID string
	userMessageID  string

	mu        sync.Mutex
	state     State
	history   []HistoryEntry
	data      map[string]any
	createdAt time.Time
	lastAt    time.Time

	watchdog *time.Timer
	done     chan struct{} // closed exactly once, on the terminal transition
	outcome  Outcome
}

// New constructs an FSM in the pending state and arms the watchdog for
// timeout. A timeout of zero uses DefaultTimeout.
func New(sessionID, conversationID, userMessageID string, timeout time.Duration) *FSM {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	now := time.Now()
	f := &FSM{
		sessionID:      sessionID,
		conversationID: conversationID,
		userMessageID:  userMessageID,
		state:          StatePending,
		data:           make(map[string]any),
		createdAt:      now,
		lastAt:         now,
		done:           make(chan struct{}),
	}
	f.history = append(f.history, HistoryEntry{State: StatePending, Timestamp: now, Reason: "created"})

	f.watchdog = time.AfterFunc(timeout, f.watchdogFired)
	return f
}

// SessionID returns the session identifier.
func (f *FSM) SessionID() string { return f.sessionID }

// ConversationID returns the conversation identifier.
func (f *FSM) ConversationID() string { return f.conversationID }

// UserMessageID returns the originating user message identifier.
func (f *FSM) UserMessageID() string { return f.userMessageID }

// State returns the current state.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Transition moves the FSM to newState, recording reason and merging
// details into the per-session data bag.
//
// Illegal transitions fail with ErrInvalidTransition and leave the FSM
// untouched. A terminal-to-terminal attempt is a no-op (nil error): the
// watchdog and normal completion may race, and whichever loses must not
// fail loudly or resolve the future twice.
func (f *FSM) Transition(newState State, reason string, details map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state.IsTerminal() {
		if newState.IsTerminal() {
			return nil
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f.state, newState)
	}

	if !transitionAllowed(f.state, newState) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f.state, newState)
	}

	now := time.Now()
	f.state = newState
	f.lastAt = now
	f.history = append(f.history, HistoryEntry{
		State:     newState,
		Timestamp: now,
		Reason:    reason,
		Details:   copyBag(details),
	})
	for k, v := range details {
		f.data[k] = v
	}

	if newState.IsTerminal() {
		f.watchdog.Stop()
		f.outcome = Outcome{State: newState, Data: copyBag(f.data)}
		close(f.done)
	}

	return nil
}

func transitionAllowed(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// watchdogFired forces the timeout state. If the FSM already reached a
// terminal state the transition is a no-op.
func (f *FSM) watchdogFired() {
	_ = f.Transition(StateTimeout, "watchdog expired", map[string]any{
		KeyError: "session timed out",
	})
}

// AppendChunk accumulates a streamed block into the data bag: the block is
// appended to the blocks list and any text is appended to fullText.
func (f *FSM) AppendChunk(block agent.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state.IsTerminal() {
		return
	}

	blocks, _ := f.data[KeyBlocks].([]agent.Block)
	f.data[KeyBlocks] = append(blocks, block)

	if block.Text != "" {
		text, _ := f.data[KeyFullText].(string)
		f.data[KeyFullText] = text + block.Text
	}
}

// Chunks returns a copy of the blocks streamed so far, in arrival order.
func (f *FSM) Chunks() []agent.Block {
	f.mu.Lock()
	defer f.mu.Unlock()

	blocks, _ := f.data[KeyBlocks].([]agent.Block)
	out := make([]agent.Block, len(blocks))
	copy(out, blocks)
	return out
}

// Data returns a copy of the data bag.
func (f *FSM) Data() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyBag(f.data)
}

// Done returns a channel closed when the FSM reaches a terminal state.
func (f *FSM) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the FSM reaches a terminal state or ctx expires. On
// completed it returns the outcome; on any other terminal state it returns
// a classified error carrying the bag's error text.
func (f *FSM) Await(ctx context.Context) (*Outcome, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	f.mu.Lock()
	outcome := f.outcome
	f.mu.Unlock()

	if outcome.State == StateCompleted {
		return &outcome, nil
	}

	msg, _ := outcome.Data[KeyError].(string)
	if msg == "" {
		msg = "session did not complete"
	}
	var kind fault.Kind
	switch outcome.State {
	case StateTimeout:
		kind = fault.KindTimeout
	case StateCancelled:
		kind = fault.KindCancelled
	default:
		kind = fault.KindAgent
	}
	return &outcome, fault.New(kind, "session %s: %s", f.sessionID, msg)
}

// LastTransition returns the time of the most recent transition.
func (f *FSM) LastTransition() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAt
}

// Summary returns a copy-safe snapshot for diagnostics.
func (f *FSM) Summary() Summary {
	f.mu.Lock()
	defer f.mu.Unlock()

	history := make([]HistoryEntry, len(f.history))
	copy(history, f.history)

	errText, _ := f.data[KeyError].(string)
	return Summary{
		SessionID:      f.sessionID,
		ConversationID: f.conversationID,
		State:          f.state,
		CreatedAt:      f.createdAt,
		LastTransition: f.lastAt,
		History:        history,
		Error:          errText,
	}
}

func copyBag(bag map[string]any) map[string]any {
	if bag == nil {
		return nil
	}
	out := make(map[string]any, len(bag))
	for k, v := range bag {
		out[k] = v
	}
	return out
}
