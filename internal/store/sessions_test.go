// ABOUTME: Tests for session persistence and terminal-status immutability
// ABOUTME: Covers latest lookup, patch application, and audit event emission

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSession(t *testing.T, s *SQLiteStore) (*Conversation, *Message, *Session) {
	t.Helper()
	ctx := context.Background()

	conv := seedConversation(t, s)
	msg, err := s.AppendMessage(ctx, conv.ID, RoleUser, "run this", "")
	require.NoError(t, err)
	sess, err := s.CreateSession(ctx, conv.ID, msg.ID)
	require.NoError(t, err)
	return conv, msg, sess
}

func TestCreateSession(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	conv, msg, sess := seedSession(t, s)

	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, conv.ID, sess.ConversationID)
	assert.Equal(t, msg.ID, sess.UserMessageID)
	assert.Equal(t, SessionPending, sess.Status)
	assert.Nil(t, sess.CompletedAt)
	assert.Nil(t, sess.Response)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess, got)

	events, err := s.ListSessionEvents(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventSessionCreated, events[0].Type)
}

func TestCreateSession_Validation(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.CreateSession(context.Background(), "", "")
	require.Error(t, err)

	_, err = s.CreateSession(context.Background(), "missing-conv", "missing-msg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSessionForUserMessage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	conv := seedConversation(t, s)
	msg1, err := s.AppendMessage(ctx, conv.ID, RoleUser, "first", "")
	require.NoError(t, err)

	// No session yet.
	got, err := s.SessionForUserMessage(ctx, msg1.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	sess1, err := s.CreateSession(ctx, conv.ID, msg1.ID)
	require.NoError(t, err)

	got, err = s.SessionForUserMessage(ctx, msg1.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sess1.ID, got.ID)

	// Newer sessions for other messages don't shadow the lookup.
	msg2, err := s.AppendMessage(ctx, conv.ID, RoleUser, "second", "")
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, conv.ID, msg2.ID)
	require.NoError(t, err)

	got, err = s.SessionForUserMessage(ctx, msg1.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sess1.ID, got.ID)
}

func TestLatestSession(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	conv := seedConversation(t, s)

	// No sessions yet.
	latest, err := s.LatestSession(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)

	msg1, err := s.AppendMessage(ctx, conv.ID, RoleUser, "first", "")
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, conv.ID, msg1.ID)
	require.NoError(t, err)

	msg2, err := s.AppendMessage(ctx, conv.ID, RoleUser, "second", "")
	require.NoError(t, err)
	sess2, err := s.CreateSession(ctx, conv.ID, msg2.ID)
	require.NoError(t, err)

	latest, err = s.LatestSession(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, sess2.ID, latest.ID)
}

func TestUpdateSession_CompletedRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	conv, _, sess := seedSession(t, s)

	assistant, err := s.AppendMessage(ctx, conv.ID, RoleAssistant, "pong", "")
	require.NoError(t, err)

	now := time.Now()
	completed := SessionCompleted
	updated, err := s.UpdateSession(ctx, sess.ID, SessionPatch{
		Status:      &completed,
		CompletedAt: &now,
		Response: &SessionResponse{
			Text:               "pong",
			AssistantMessageID: assistant.ID,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, SessionCompleted, updated.Status)
	require.NotNil(t, updated.CompletedAt)
	require.NotNil(t, updated.Response)
	assert.Equal(t, "pong", updated.Response.Text)
	assert.Equal(t, assistant.ID, updated.Response.AssistantMessageID)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, got.Status)
	require.NotNil(t, got.Response)
	assert.Equal(t, "pong", got.Response.Text)

	events, err := s.ListSessionEvents(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventSessionCompleted, events[1].Type)
}

func TestUpdateSession_TerminalRowsAreImmutable(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, _, sess := seedSession(t, s)

	errText := "agent exploded"
	errStatus := SessionError
	updated, err := s.UpdateSession(ctx, sess.ID, SessionPatch{Status: &errStatus, Error: &errText})
	require.NoError(t, err)
	assert.Equal(t, SessionError, updated.Status)

	// A late timeout write (watchdog racing completion) must not win.
	timeoutStatus := SessionTimeout
	after, err := s.UpdateSession(ctx, sess.ID, SessionPatch{Status: &timeoutStatus})
	require.NoError(t, err)
	assert.Equal(t, SessionError, after.Status)
	assert.Equal(t, "agent exploded", after.Error)

	// And only one terminal event exists.
	events, err := s.ListSessionEvents(ctx, sess.ID)
	require.NoError(t, err)
	terminal := 0
	for _, e := range events {
		switch e.Type {
		case EventSessionCompleted, EventSessionError, EventSessionTimeout, EventSessionCancelled:
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
}

func TestUpdateSession_NotFound(t *testing.T) {
	s := setupTestStore(t)

	status := SessionProcessing
	_, err := s.UpdateSession(context.Background(), "missing", SessionPatch{Status: &status})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestValidateIntegrity_HealthyStore(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	conv, _, sess := seedSession(t, s)

	assistant, err := s.AppendMessage(ctx, conv.ID, RoleAssistant, "done", "k-a")
	require.NoError(t, err)
	completed := SessionCompleted
	_, err = s.UpdateSession(ctx, sess.ID, SessionPatch{
		Status:   &completed,
		Response: &SessionResponse{Text: "done", AssistantMessageID: assistant.ID},
	})
	require.NoError(t, err)

	report, err := s.ValidateIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK, "violations: %v", report.Violations)
	assert.Empty(t, report.Violations)
}
