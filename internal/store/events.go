// ABOUTME: Append-only audit event log
// ABOUTME: Events are written in the same transaction as the mutation they describe

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/gmkit/gm-gateway/internal/fault"
)

// AppendEvent appends an audit event in its own transaction. Most events
// are written via appendEventTx inside the mutation that caused them; this
// entry point exists for callers recording standalone occurrences.
func (s *SQLiteStore) AppendEvent(ctx context.Context, typ EventType, data map[string]any, refs EventRefs) (*Event, error) {
	var event *Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		event, err = s.insertEvent(ctx, tx, typ, data, refs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// appendEventTx appends an audit event inside an existing transaction.
func (s *SQLiteStore) appendEventTx(ctx context.Context, tx *sql.Tx, typ EventType, data map[string]any, refs EventRefs) error {
	_, err := s.insertEvent(ctx, tx, typ, data, refs)
	return err
}

func (s *SQLiteStore) insertEvent(ctx context.Context, tx *sql.Tx, typ EventType, data map[string]any, refs EventRefs) (*Event, error) {
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "encoding event data")
	}

	event := &Event{
		ID:             uuid.New().String(),
		Type:           typ,
		ConversationID: refs.ConversationID,
		SessionID:      refs.SessionID,
		MessageID:      refs.MessageID,
		Data:           data,
		CreatedAt:      fromMicros(micros(time.Now())),
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, type, conversation_id, session_id, message_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.ID, string(typ),
		nullString(refs.ConversationID), nullString(refs.SessionID), nullString(refs.MessageID),
		string(payload), micros(event.CreatedAt)); err != nil {
		return nil, fault.Database(err, "inserting event")
	}

	return event, nil
}

// nullString returns nil for empty strings, otherwise the string itself.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ListEvents returns events for a conversation in chronological order.
// limit <= 0 means no limit.
func (s *SQLiteStore) ListEvents(ctx context.Context, conversationID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, conversation_id, session_id, message_id, data, created_at
		FROM events
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fault.Database(err, "querying events")
	}
	defer rows.Close()

	return collectEvents(rows)
}

// ListSessionEvents returns all events tagged with a session in
// chronological order.
func (s *SQLiteStore) ListSessionEvents(ctx context.Context, sessionID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, conversation_id, session_id, message_id, data, created_at
		FROM events
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fault.Database(err, "querying session events")
	}
	defer rows.Close()

	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		var event Event
		var typ, payload string
		var conversationID, sessionID, messageID sql.NullString
		var createdAt int64

		if err := rows.Scan(&event.ID, &typ, &conversationID, &sessionID, &messageID, &payload, &createdAt); err != nil {
			return nil, fault.Database(err, "scanning event row")
		}

		event.Type = EventType(typ)
		event.ConversationID = conversationID.String
		event.SessionID = sessionID.String
		event.MessageID = messageID.String
		event.CreatedAt = fromMicros(createdAt)
		if err := json.Unmarshal([]byte(payload), &event.Data); err != nil {
			return nil, fault.Database(err, "decoding event data")
		}

		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Database(err, "iterating event rows")
	}
	return events, nil
}
