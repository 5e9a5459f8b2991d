// ABOUTME: Reconciliation for reconnecting subscribers
// ABOUTME: Classifies the conversation's latest session into a resume mode

package synchub

import (
	"context"
	"fmt"

	"github.com/gmkit/gm-gateway/internal/store"
)

// SessionSource is the slice of the store the hub needs for Resume.
type SessionSource interface {
	LatestSession(ctx context.Context, conversationID string) (*store.Session, error)
}

// ResumeMode tells a reconnecting client how to reconcile.
type ResumeMode string

const (
	// ModeIdle means no session has ever run in the conversation.
	ModeIdle ResumeMode = "idle"
	// ModeAttach means a session is in flight; the live stream continues.
	ModeAttach ResumeMode = "attach"
	// ModeReplay means the latest session completed; the full response
	// text travels in the session.
	ModeReplay ResumeMode = "replay"
	// ModeTerminal means the latest session ended in error, timeout, or
	// cancellation.
	ModeTerminal ResumeMode = "terminal"
)

// Resumption is the answer to a resume call.
type Resumption struct {
	Mode    ResumeMode     `json:"mode"`
	Session *store.Session `json:"session,omitempty"`
}

// Resume classifies the conversation's latest session so a reconnecting
// subscriber knows whether to attach live, render a replayed response,
// surface a terminal error, or do nothing.
func (h *Hub) Resume(ctx context.Context, conversationID string) (*Resumption, error) {
	sess, err := h.sessions.LatestSession(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", conversationID, err)
	}
	if sess == nil {
		return &Resumption{Mode: ModeIdle}, nil
	}

	switch sess.Status {
	case store.SessionPending, store.SessionProcessing:
		return &Resumption{Mode: ModeAttach, Session: sess}, nil
	case store.SessionCompleted:
		return &Resumption{Mode: ModeReplay, Session: sess}, nil
	default:
		return &Resumption{Mode: ModeTerminal, Session: sess}, nil
	}
}
