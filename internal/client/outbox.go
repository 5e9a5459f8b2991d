// ABOUTME: Client-side FIFO offline queue for outbound dispatches
// ABOUTME: Flushes in order with exponential backoff; ops survive hard failure for manual retry

package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Retry policy for one queued operation.
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 16 * time.Second
	// maxAttempts is the total tries per operation before Flush gives up
	// and leaves the op queued for manual retry.
	maxAttempts = 5
)

// Op is one queued dispatch. The idempotency key is generated once at
// enqueue time and reused on every retry, so duplicate deliveries after a
// partial failure collapse server-side.
type Op struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	Content        string    `json:"content"`
	FolderContext  string    `json:"folder_context,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
}

// Sender delivers one operation to the server.
type Sender interface {
	Send(ctx context.Context, op Op) error
}

// Outbox accumulates dispatches while offline and flushes them in FIFO
// order on reconnect. Order is preserved: a flush never skips past a
// failing operation.
type Outbox struct {
	mu     sync.Mutex
	queue  []*Op
	sender Sender
	logger *slog.Logger
}

// NewOutbox creates an empty outbox that flushes through sender.
func NewOutbox(sender Sender, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		sender: sender,
		logger: logger.With("component", "outbox"),
	}
}

// Enqueue appends a dispatch to the queue and tags it with a fresh
// idempotency key. Returns the queued op.
func (o *Outbox) Enqueue(conversationID, agentID, content, folderContext string) Op {
	op := &Op{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		AgentID:        agentID,
		Content:        content,
		FolderContext:  folderContext,
		IdempotencyKey: uuid.New().String(),
		EnqueuedAt:     time.Now(),
	}

	o.mu.Lock()
	o.queue = append(o.queue, op)
	depth := len(o.queue)
	o.mu.Unlock()

	o.logger.Debug("operation queued", "op_id", op.ID, "conversation_id", conversationID, "depth", depth)
	return *op
}

// Len returns the number of queued operations.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Pending returns a snapshot of the queue in flush order.
func (o *Outbox) Pending() []Op {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Op, len(o.queue))
	for i, op := range o.queue {
		out[i] = *op
	}
	return out
}

// Flush sends queued operations in order. Each operation is retried with
// exponential backoff (1s doubling to a 16s cap, five attempts total).
// When an operation exhausts its attempts it stays at the head of the
// queue and Flush returns the failure; nothing behind it is attempted.
func (o *Outbox) Flush(ctx context.Context) error {
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return nil
		}
		op := o.queue[0]
		o.mu.Unlock()

		if err := o.send(ctx, op); err != nil {
			o.logger.Warn("flush halted, operation remains queued",
				"op_id", op.ID,
				"attempts", op.Attempts,
				"error", err)
			return fmt.Errorf("flush op %s: %w", op.ID, err)
		}

		o.mu.Lock()
		// Head is only ever removed here, so it is still op.
		o.queue = o.queue[1:]
		o.mu.Unlock()

		o.logger.Debug("operation flushed", "op_id", op.ID, "attempts", op.Attempts)
	}
}

// send runs the retry loop for one operation.
func (o *Outbox) send(ctx context.Context, op *Op) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialBackoff
	policy.MaxInterval = maxBackoff
	policy.Multiplier = 2
	policy.MaxElapsedTime = 0

	attempt := func() error {
		op.Attempts++
		if err := o.sender.Send(ctx, *op); err != nil {
			op.LastError = err.Error()
			return err
		}
		op.LastError = ""
		return nil
	}

	return backoff.Retry(attempt,
		backoff.WithContext(backoff.WithMaxRetries(policy, maxAttempts-1), ctx))
}
