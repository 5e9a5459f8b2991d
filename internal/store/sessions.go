// ABOUTME: Session persistence for agent invocations
// ABOUTME: UpdateSession applies patches transactionally with the matching audit event

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/gmkit/gm-gateway/internal/fault"
)

const sessionColumns = `id, conversation_id, user_message_id, status, started_at, completed_at, response_text, response_message_id, error`

// CreateSession creates a pending session for a user message and emits the
// session.created event in the same transaction. started_at is clamped so
// the per-conversation sequence of session start times is non-decreasing.
func (s *SQLiteStore) CreateSession(ctx context.Context, conversationID, userMessageID string) (*Session, error) {
	if conversationID == "" || userMessageID == "" {
		return nil, fault.New(fault.KindValidation, "conversation_id and user_message_id are required")
	}

	sess := &Session{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		UserMessageID:  userMessageID,
		Status:         SessionPending,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var prev int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(started_at), 0) FROM sessions WHERE conversation_id = ?`,
			conversationID,
		).Scan(&prev); err != nil {
			return fault.Database(err, "reading last session start")
		}

		ts := micros(time.Now())
		if ts < prev {
			ts = prev
		}
		sess.StartedAt = fromMicros(ts)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, conversation_id, user_message_id, status, started_at)
			VALUES (?, ?, ?, ?, ?)
		`, sess.ID, conversationID, userMessageID, string(sess.Status), ts); err != nil {
			if isConstraintViolation(err) {
				return fault.New(fault.KindNotFound, "conversation %s or message %s not found", conversationID, userMessageID)
			}
			return fault.Database(err, "inserting session")
		}

		return s.appendEventTx(ctx, tx, EventSessionCreated, map[string]any{
			"user_message_id": userMessageID,
		}, EventRefs{ConversationID: conversationID, SessionID: sess.ID})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("created session", "id", sess.ID, "conversation_id", conversationID)
	return sess, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?
	`, id)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.KindNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, fault.Database(err, "querying session")
	}
	return sess, nil
}

// LatestSession returns the most recent session for a conversation by
// started_at, or nil if the conversation has no sessions.
func (s *SQLiteStore) LatestSession(ctx context.Context, conversationID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE conversation_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`, conversationID)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Database(err, "querying latest session")
	}
	return sess, nil
}

// SessionForUserMessage returns the session created for a user message,
// or nil if none exists. Each user message has at most one session; if
// duplicates ever slip in, the earliest wins.
func (s *SQLiteStore) SessionForUserMessage(ctx context.Context, userMessageID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE user_message_id = ?
		ORDER BY started_at ASC, id ASC
		LIMIT 1
	`, userMessageID)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Database(err, "querying session for user message")
	}
	return sess, nil
}

// UpdateSession applies a patch to a session. The row update and the
// session.* audit event matching the new status are written in the same
// transaction; on failure the caller's view of the session is unchanged.
//
// A session that has already reached a terminal status is never modified:
// the call is a no-op returning the current row. This makes racing
// terminal writers (watchdog versus normal completion) safe.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, patch SessionPatch) (*Session, error) {
	var updated *Session

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
		current, err := scanSession(row)
		if err == sql.ErrNoRows {
			return fault.New(fault.KindNotFound, "session %s not found", id)
		}
		if err != nil {
			return fault.Database(err, "querying session")
		}

		if current.Status.IsTerminal() {
			s.logger.Debug("ignoring update to terminal session", "id", id, "status", current.Status)
			updated = current
			return nil
		}

		// Deep snapshot; the patch is applied to the copy and only
		// persisted if the whole transaction commits.
		next := snapshotSession(current)
		if patch.Status != nil {
			next.Status = *patch.Status
		}
		if patch.CompletedAt != nil {
			t := patch.CompletedAt.UTC()
			next.CompletedAt = &t
		}
		if patch.Response != nil {
			resp := *patch.Response
			next.Response = &resp
		}
		if patch.Error != nil {
			next.Error = *patch.Error
		}

		var completedAt any
		if next.CompletedAt != nil {
			completedAt = micros(*next.CompletedAt)
		}
		var responseText, responseMessageID any
		if next.Response != nil {
			responseText = next.Response.Text
			responseMessageID = next.Response.AssistantMessageID
		}
		var errText any
		if next.Error != "" {
			errText = next.Error
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, completed_at = ?, response_text = ?, response_message_id = ?, error = ?
			WHERE id = ?
		`, string(next.Status), completedAt, responseText, responseMessageID, errText, id); err != nil {
			return fault.Database(err, "updating session")
		}

		if patch.Status != nil && *patch.Status != current.Status {
			data := map[string]any{"status": string(next.Status)}
			if next.Error != "" {
				data["error"] = next.Error
			}
			if err := s.appendEventTx(ctx, tx, sessionEventType(next.Status), data,
				EventRefs{ConversationID: next.ConversationID, SessionID: id}); err != nil {
				return err
			}
		}

		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("updated session", "id", id, "status", updated.Status)
	return updated, nil
}

// sessionEventType maps a session status to its audit event type.
func sessionEventType(status SessionStatus) EventType {
	switch status {
	case SessionProcessing:
		return EventSessionProcessing
	case SessionCompleted:
		return EventSessionCompleted
	case SessionTimeout:
		return EventSessionTimeout
	case SessionCancelled:
		return EventSessionCancelled
	default:
		return EventSessionError
	}
}

// snapshotSession returns a deep copy of a session.
func snapshotSession(sess *Session) *Session {
	next := *sess
	if sess.CompletedAt != nil {
		t := *sess.CompletedAt
		next.CompletedAt = &t
	}
	if sess.Response != nil {
		resp := *sess.Response
		next.Response = &resp
	}
	return &next
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var status string
	var startedAt int64
	var completedAt sql.NullInt64
	var responseText, responseMessageID, errText sql.NullString

	err := row.Scan(&sess.ID, &sess.ConversationID, &sess.UserMessageID, &status,
		&startedAt, &completedAt, &responseText, &responseMessageID, &errText)
	if err != nil {
		return nil, err
	}

	sess.Status = SessionStatus(status)
	sess.StartedAt = fromMicros(startedAt)
	if completedAt.Valid {
		t := fromMicros(completedAt.Int64)
		sess.CompletedAt = &t
	}
	if responseText.Valid || responseMessageID.Valid {
		sess.Response = &SessionResponse{
			Text:               responseText.String,
			AssistantMessageID: responseMessageID.String,
		}
	}
	if errText.Valid {
		sess.Error = errText.String
	}
	return &sess, nil
}
