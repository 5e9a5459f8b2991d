// ABOUTME: Orchestrator from inbound user message to persisted assistant reply
// ABOUTME: Synchronous intake, single-in-flight background run per conversation, cancel

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/gmkit/gm-gateway/internal/agent"
	"github.com/gmkit/gm-gateway/internal/fault"
	"github.com/gmkit/gm-gateway/internal/session"
	"github.com/gmkit/gm-gateway/internal/store"
	"github.com/gmkit/gm-gateway/internal/synchub"
)

// DefaultAcquireTimeout bounds the wait for the requested agent to be
// available before the session fails.
const DefaultAcquireTimeout = 60 * time.Second

// Request is one inbound dispatch.
type Request struct {
	ConversationID string
	Content        string
	// AgentID overrides the conversation's nominal agent when set.
	AgentID        string
	IdempotencyKey string
	FolderContext  string
}

// Handle is the synchronous result of a dispatch. The background run
// continues after it is returned; callers observe progress through the
// FSM's completion future or by subscribing to StreamID on the hub.
type Handle struct {
	Message        *store.Message
	Session        *store.Session
	IdempotencyKey string
	// StreamID keys the hub subscription for this dispatch.
	StreamID string
	// FSM is nil when Replayed and the original FSM has been swept.
	FSM *session.FSM
	// Replayed is true when the idempotency key matched an earlier
	// dispatch; no new session was started.
	Replayed bool
}

// Dispatcher closes the loop between an inbound user message and a
// persisted assistant reply: persist, register, run the agent, stream,
// persist the reply, settle the session.
type Dispatcher struct {
	store    store.Store
	agents   *agent.Manager
	registry *session.Registry
	hub      *synchub.Hub
	logger   *slog.Logger

	sessionTimeout time.Duration
	acquireTimeout time.Duration

	mu      sync.Mutex
	gates   map[string]*convGate // conversationID -> single-slot gate
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithSessionTimeout overrides the FSM watchdog deadline.
func WithSessionTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.sessionTimeout = d }
}

// WithAcquireTimeout overrides the agent acquisition deadline.
func WithAcquireTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.acquireTimeout = d }
}

// New creates a Dispatcher wired to its collaborators.
func New(st store.Store, agents *agent.Manager, registry *session.Registry, hub *synchub.Hub, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:          st,
		agents:         agents,
		registry:       registry,
		hub:            hub,
		logger:         logger.With("component", "dispatcher"),
		sessionTimeout: session.DefaultTimeout,
		acquireTimeout: DefaultAcquireTimeout,
		gates:          make(map[string]*convGate),
		cancels:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch persists the user message, creates and registers the session,
// publishes message_created, and hands the rest to a background task. It
// returns as soon as the message and session are durable.
//
// A repeat delivery whose idempotency key matches an earlier dispatch
// gets the original message and session back; no second agent run starts.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Handle, error) {
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.New().String()
	}

	msg, err := d.store.AppendMessage(ctx, req.ConversationID, store.RoleUser, req.Content, key)
	if err != nil {
		return nil, err
	}

	// An idempotent replay returns the message row the first delivery
	// created; its session already exists, no matter how many dispatches
	// have happened in the conversation since.
	existing, err := d.store.SessionForUserMessage(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		fsm, _ := d.registry.Get(existing.ID)
		return &Handle{
			Message:        msg,
			Session:        existing,
			IdempotencyKey: key,
			StreamID:       req.ConversationID,
			FSM:            fsm,
			Replayed:       true,
		}, nil
	}

	agentID := req.AgentID
	if agentID == "" {
		conv, err := d.store.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		agentID = conv.AgentID
	}

	sess, err := d.store.CreateSession(ctx, req.ConversationID, msg.ID)
	if err != nil {
		return nil, err
	}

	fsm := d.registry.Create(sess.ID, req.ConversationID, msg.ID, d.sessionTimeout)

	d.hub.Publish(synchub.Event{
		Type:           synchub.TypeMessageCreated,
		ConversationID: req.ConversationID,
		Message:        msg,
	})

	d.wg.Add(1)
	go d.run(fsm, sess, agentID, req.Content, req.FolderContext)

	d.logger.Info("dispatch accepted",
		"conversation_id", req.ConversationID,
		"session_id", sess.ID,
		"message_id", msg.ID,
		"agent_id", agentID)

	return &Handle{
		Message:        msg,
		Session:        sess,
		IdempotencyKey: key,
		StreamID:       req.ConversationID,
		FSM:            fsm,
	}, nil
}

// Cancel aborts a session from any non-terminal state. Cancelling an
// already-terminal session is a no-op.
func (d *Dispatcher) Cancel(sessionID string) error {
	fsm, ok := d.registry.Get(sessionID)
	if !ok {
		return fault.New(fault.KindNotFound, "session %s not found", sessionID)
	}

	if err := fsm.Transition(session.StateCancelled, "cancelled by client", map[string]any{
		session.KeyError: "cancelled by client",
	}); err != nil {
		return fmt.Errorf("cancel session %s: %w", sessionID, err)
	}

	d.mu.Lock()
	cancel := d.cancels[sessionID]
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	d.logger.Info("session cancelled", "session_id", sessionID)
	return nil
}

// Close aborts all in-flight runs and waits for them to settle.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	for _, cancel := range d.cancels {
		cancel()
	}
	d.mu.Unlock()

	d.wg.Wait()
}

// convGate serializes a conversation's sessions. refs counts the runs
// holding or waiting on the slot, so an idle gate can be dropped.
type convGate struct {
	slot chan struct{}
	refs int
}

// retainGate returns the conversation's single-slot admission gate,
// creating it on first use. The caller counts as a holder until
// releaseGate.
func (d *Dispatcher) retainGate(conversationID string) *convGate {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.gates[conversationID]
	if !ok {
		g = &convGate{slot: make(chan struct{}, 1)}
		d.gates[conversationID] = g
	}
	g.refs++
	return g
}

// releaseGate drops the caller's hold and removes the gate once no run
// uses it, keeping the map from growing with every conversation ever
// dispatched.
func (d *Dispatcher) releaseGate(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.gates[conversationID]
	if !ok {
		return
	}
	g.refs--
	if g.refs <= 0 {
		delete(d.gates, conversationID)
	}
}

// run is the background task for one session. It owns the FSM until the
// terminal transition and is the only writer of the session row after
// creation.
func (d *Dispatcher) run(fsm *session.FSM, sess *store.Session, agentID, prompt, folderContext string) {
	defer d.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.mu.Lock()
	d.cancels[sess.ID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.cancels, sess.ID)
		d.mu.Unlock()
	}()

	// The watchdog or an external cancel settles the FSM; either way the
	// agent run must stop consuming resources.
	go func() {
		<-fsm.Done()
		cancel()
	}()

	// One in-flight session per conversation. Waiting here, not in the
	// intake path, keeps dispatch latency flat while preserving order.
	gate := d.retainGate(fsm.ConversationID())
	defer d.releaseGate(fsm.ConversationID())
	select {
	case gate.slot <- struct{}{}:
		defer func() { <-gate.slot }()
	case <-ctx.Done():
		d.settleFailure(fsm, sess, "aborted while queued", ctx.Err())
		return
	}

	if err := fsm.Transition(session.StateAcquiringAgent, "acquiring agent", nil); err != nil {
		d.settleFailure(fsm, sess, "acquire transition refused", err)
		return
	}

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, d.acquireTimeout)
	runner, err := d.agents.Acquire(acquireCtx, agentID)
	cancelAcquire()
	if err != nil {
		d.settleFailure(fsm, sess, fmt.Sprintf("agent %s unavailable", agentID), err)
		return
	}

	if err := fsm.Transition(session.StateAgentAcquired, "agent acquired", map[string]any{
		session.KeyAgentConnectionTime: time.Now(),
	}); err != nil {
		d.settleFailure(fsm, sess, "agent_acquired transition refused", err)
		return
	}

	if err := fsm.Transition(session.StateSendingPrompt, "sending prompt", map[string]any{
		session.KeyPromptSentTime: time.Now(),
	}); err != nil {
		d.settleFailure(fsm, sess, "sending_prompt transition refused", err)
		return
	}

	var firstChunk sync.Once
	onChunk := func(block agent.Block) {
		firstChunk.Do(func() {
			_ = fsm.Transition(session.StateProcessing, "first chunk received", nil)
			processing := store.SessionProcessing
			if _, err := d.store.UpdateSession(ctx, sess.ID, store.SessionPatch{Status: &processing}); err != nil {
				d.logger.Warn("failed to persist processing status", "session_id", sess.ID, "error", err)
			}
		})

		fsm.AppendChunk(block)

		chunk := block
		d.hub.Publish(synchub.Event{
			Type:           synchub.TypeStream,
			ConversationID: fsm.ConversationID(),
			SessionID:      sess.ID,
			Chunk:          &chunk,
		})
	}

	result, err := runner.Run(ctx, agent.Invocation{Prompt: prompt, FolderContext: folderContext}, onChunk)
	if err != nil {
		d.settleFailure(fsm, sess, "agent run failed", err)
		return
	}

	d.settleSuccess(ctx, fsm, sess, result)
}

// settleSuccess persists the assistant reply, marks the session
// completed, resolves the FSM, and notifies subscribers.
func (d *Dispatcher) settleSuccess(ctx context.Context, fsm *session.FSM, sess *store.Session, result *agent.Result) {
	finalText := result.FinalText
	if finalText == "" {
		finalText, _ = fsm.Data()[session.KeyFullText].(string)
	}

	// An agent may resolve without streaming a single chunk.
	if fsm.State() == session.StateSendingPrompt {
		_ = fsm.Transition(session.StateProcessing, "agent resolved without chunks", nil)
	}

	assistant, err := d.store.AppendMessage(ctx, fsm.ConversationID(), store.RoleAssistant, finalText, "")
	if err != nil {
		d.settleFailure(fsm, sess, "failed to persist assistant message", err)
		return
	}

	now := time.Now()
	completed := store.SessionCompleted
	if _, err := d.store.UpdateSession(ctx, sess.ID, store.SessionPatch{
		Status:      &completed,
		CompletedAt: &now,
		Response: &store.SessionResponse{
			Text:               finalText,
			AssistantMessageID: assistant.ID,
		},
	}); err != nil {
		d.settleFailure(fsm, sess, "failed to persist completion", err)
		return
	}

	_ = fsm.Transition(session.StateCompleted, "agent completed", map[string]any{
		session.KeyResponseReceivedTime: now,
		session.KeyFullText:             finalText,
	})

	d.hub.Publish(synchub.Event{
		Type:           synchub.TypeSessionUpdated,
		ConversationID: fsm.ConversationID(),
		SessionID:      sess.ID,
		Status:         store.SessionCompleted,
		Message:        assistant,
	})

	d.logger.Info("session completed",
		"session_id", sess.ID,
		"conversation_id", fsm.ConversationID(),
		"assistant_message_id", assistant.ID,
		"response_bytes", len(finalText))
}

// settleFailure resolves the FSM on the failure path, persists the
// terminal status, and notifies subscribers. If the FSM already reached a
// terminal state (watchdog or cancel), that state wins and err only
// informs the log.
func (d *Dispatcher) settleFailure(fsm *session.FSM, sess *store.Session, reason string, err error) {
	_ = fsm.Transition(session.StateError, reason, map[string]any{
		session.KeyError:      err.Error(),
		session.KeyStackTrace: fmt.Sprintf("%+v", pkgerrors.WithStack(err)),
	})

	// Persistence must survive the run context being cancelled.
	ctx, cancelPersist := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelPersist()

	outcome, _ := fsm.Await(ctx)
	state := session.StateError
	errText := err.Error()
	if outcome != nil {
		state = outcome.State
		if msg, ok := outcome.Data[session.KeyError].(string); ok && msg != "" {
			errText = msg
		}
	}

	status := terminalStatus(state)
	now := time.Now()
	patch := store.SessionPatch{
		Status:      &status,
		CompletedAt: &now,
	}
	if status != store.SessionCompleted {
		patch.Error = &errText
	}
	if _, perr := d.store.UpdateSession(ctx, sess.ID, patch); perr != nil {
		d.logger.Error("failed to persist terminal session status",
			"session_id", sess.ID, "status", status, "error", perr)
	}

	d.hub.Publish(synchub.Event{
		Type:           synchub.TypeSessionUpdated,
		ConversationID: fsm.ConversationID(),
		SessionID:      sess.ID,
		Status:         status,
		Error:          errText,
	})

	d.logger.Warn("session failed",
		"session_id", sess.ID,
		"conversation_id", fsm.ConversationID(),
		"status", status,
		"reason", reason,
		"error", err)
}

// terminalStatus maps a terminal FSM state to its persisted status.
func terminalStatus(s session.State) store.SessionStatus {
	switch s {
	case session.StateCompleted:
		return store.SessionCompleted
	case session.StateTimeout:
		return store.SessionTimeout
	case session.StateCancelled:
		return store.SessionCancelled
	default:
		return store.SessionError
	}
}
