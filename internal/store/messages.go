// ABOUTME: Message persistence with idempotent append and monotonic ordering
// ABOUTME: AppendMessage commits row, audit event, and idempotency record atomically

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/gmkit/gm-gateway/internal/fault"
)

// AppendMessage appends a message to a conversation.
//
// If idempotencyKey is non-empty and a non-expired record exists for it,
// the original message is returned verbatim: no new row, no new event, no
// timestamp change. Otherwise the message row, the message.created event,
// the conversation updated_at bump, and the idempotency record are all
// committed in a single transaction.
//
// Within a conversation, created_at is strictly increasing: if the wall
// clock has not advanced past the previous message, the timestamp is
// bumped by one microsecond.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, role Role, content, idempotencyKey string) (*Message, error) {
	if conversationID == "" {
		return nil, fault.New(fault.KindValidation, "conversation_id is required")
	}
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return nil, fault.New(fault.KindValidation, "invalid role %q", role)
	}

	if idempotencyKey != "" {
		if msg, err := s.lookupIdempotent(ctx, idempotencyKey); err != nil {
			return nil, err
		} else if msg != nil {
			s.logger.Debug("idempotent replay", "key", idempotencyKey, "message_id", msg.ID)
			return msg, nil
		}
	}

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM conversations WHERE id = ?`, conversationID,
		).Scan(&status)
		if err == sql.ErrNoRows || (err == nil && status == string(ConversationDeleted)) {
			return fault.New(fault.KindNotFound, "conversation %s not found", conversationID)
		}
		if err != nil {
			return fault.Database(err, "checking conversation")
		}

		var prev int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(created_at), 0) FROM messages WHERE conversation_id = ?`,
			conversationID,
		).Scan(&prev); err != nil {
			return fault.Database(err, "reading last message timestamp")
		}

		ts := micros(time.Now())
		if ts <= prev {
			ts = prev + 1
		}
		msg.CreatedAt = fromMicros(ts)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, msg.ID, msg.ConversationID, string(msg.Role), msg.Content, ts); err != nil {
			return fault.Database(err, "inserting message")
		}

		if err := s.appendEventTx(ctx, tx, EventMessageCreated, map[string]any{
			"role": string(role),
		}, EventRefs{ConversationID: conversationID, MessageID: msg.ID}); err != nil {
			return err
		}

		if err := s.touchConversationTx(ctx, tx, conversationID, ts); err != nil {
			return err
		}

		if idempotencyKey != "" {
			// An expired record under the same key no longer deduplicates;
			// clear it so the fresh append can claim the key.
			cutoff := micros(time.Now().Add(-IdempotencyTTL))
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM idempotency_keys WHERE key = ? AND created_at <= ?
			`, idempotencyKey, cutoff); err != nil {
				return fault.Database(err, "expiring idempotency key")
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO idempotency_keys (key, message_id, created_at)
				VALUES (?, ?, ?)
			`, idempotencyKey, msg.ID, micros(time.Now())); err != nil {
				if isConstraintViolation(err) {
					// A concurrent append with the same key committed first.
					return errIdempotencyRace
				}
				return fault.Database(err, "recording idempotency key")
			}
		}

		return nil
	})

	if err == errIdempotencyRace {
		if msg, lookErr := s.lookupIdempotent(ctx, idempotencyKey); lookErr == nil && msg != nil {
			return msg, nil
		}
		return nil, fault.Database(err, "idempotency lookup after race")
	}
	if err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		s.idempotency.Put(idempotencyKey, msg.ID)
	}

	s.logger.Debug("appended message",
		"id", msg.ID,
		"conversation_id", conversationID,
		"role", role,
	)
	return msg, nil
}

// errIdempotencyRace signals that another transaction committed the same
// idempotency key between our lookup and our insert.
var errIdempotencyRace = fault.New(fault.KindConflict, "idempotency key already committed")

// lookupIdempotent returns the message previously committed under key, or
// nil if the key is absent or expired.
func (s *SQLiteStore) lookupIdempotent(ctx context.Context, key string) (*Message, error) {
	if id, ok := s.idempotency.Get(key); ok {
		return s.GetMessage(ctx, id)
	}

	cutoff := micros(time.Now().Add(-IdempotencyTTL))
	row := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.conversation_id, m.role, m.content, m.created_at
		FROM idempotency_keys k
		JOIN messages m ON m.id = k.message_id
		WHERE k.key = ? AND k.created_at > ?
	`, key, cutoff)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Database(err, "looking up idempotency key")
	}

	s.idempotency.Put(key, msg.ID)
	return msg, nil
}

// GetMessage retrieves a single message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, role, content, created_at
		FROM messages WHERE id = ?
	`, id)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.KindNotFound, "message %s not found", id)
	}
	if err != nil {
		return nil, fault.Database(err, "querying message")
	}
	return msg, nil
}

// ListMessages returns messages for a conversation ordered ascending by
// created_at. limit <= 0 means no limit.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?
	`, conversationID, limit, offset)
	if err != nil {
		return nil, fault.Database(err, "querying messages")
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fault.Database(err, "scanning message row")
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Database(err, "iterating message rows")
	}
	return messages, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var role string
	var createdAt int64

	if err := row.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &createdAt); err != nil {
		return nil, err
	}

	msg.Role = Role(role)
	msg.CreatedAt = fromMicros(createdAt)
	return &msg, nil
}
