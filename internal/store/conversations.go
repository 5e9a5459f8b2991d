// ABOUTME: Conversation CRUD for the SQLite store
// ABOUTME: Soft delete only; updated_at advances monotonically on every child mutation

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/gmkit/gm-gateway/internal/fault"
)

const conversationColumns = `id, agent_id, title, status, source, external_id, project_path, created_at, updated_at`

// CreateConversation creates a new active conversation bound to agentID.
func (s *SQLiteStore) CreateConversation(ctx context.Context, agentID, title string) (*Conversation, error) {
	if agentID == "" {
		return nil, fault.New(fault.KindValidation, "agent_id is required")
	}

	now := time.Now().UTC()
	conv := &Conversation{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Title:     title,
		Status:    ConversationActive,
		Source:    SourceGUI,
		CreatedAt: fromMicros(micros(now)),
		UpdatedAt: fromMicros(micros(now)),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, agent_id, title, status, source, external_id, project_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, conv.ID, conv.AgentID, conv.Title, string(conv.Status), string(conv.Source),
		conv.ExternalID, conv.ProjectPath, micros(conv.CreatedAt), micros(conv.UpdatedAt))
	if err != nil {
		return nil, fault.Database(err, "inserting conversation")
	}

	s.logger.Debug("created conversation", "id", conv.ID, "agent_id", agentID)
	return conv, nil
}

// GetConversation retrieves a conversation by ID. Soft-deleted
// conversations are treated as absent.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = ? AND status != 'deleted'
	`, id)

	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.KindNotFound, "conversation %s not found", id)
	}
	if err != nil {
		return nil, fault.Database(err, "querying conversation")
	}
	return conv, nil
}

// ListConversations returns non-deleted conversations ordered by most
// recent activity.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE status != 'deleted'
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fault.Database(err, "querying conversations")
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fault.Database(err, "scanning conversation row")
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Database(err, "iterating conversation rows")
	}
	return convs, nil
}

// UpdateConversation applies a partial update, advances updated_at, and
// emits a conversation.updated event in the same transaction.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (*Conversation, error) {
	var updated *Conversation

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+conversationColumns+`
			FROM conversations
			WHERE id = ? AND status != 'deleted'
		`, id)
		conv, err := scanConversation(row)
		if err == sql.ErrNoRows {
			return fault.New(fault.KindNotFound, "conversation %s not found", id)
		}
		if err != nil {
			return fault.Database(err, "querying conversation")
		}

		if patch.Title != nil {
			conv.Title = *patch.Title
		}
		if patch.Status != nil {
			conv.Status = *patch.Status
		}

		ts := nextUpdatedAt(micros(conv.UpdatedAt))
		conv.UpdatedAt = fromMicros(ts)

		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET title = ?, status = ?, updated_at = ? WHERE id = ?
		`, conv.Title, string(conv.Status), ts, id); err != nil {
			return fault.Database(err, "updating conversation")
		}

		if err := s.appendEventTx(ctx, tx, EventConversationUpdated, map[string]any{
			"title":  conv.Title,
			"status": string(conv.Status),
		}, EventRefs{ConversationID: id}); err != nil {
			return err
		}

		updated = conv
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("updated conversation", "id", id)
	return updated, nil
}

// DeleteConversation soft-deletes a conversation. Rows are never physically
// removed. Returns false if the conversation does not exist or is already
// deleted.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = 'deleted', updated_at = MAX(?, updated_at + 1)
		WHERE id = ? AND status != 'deleted'
	`, micros(time.Now()), id)
	if err != nil {
		return false, fault.Database(err, "deleting conversation")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fault.Database(err, "getting rows affected")
	}
	if affected == 0 {
		return false, nil
	}

	s.logger.Debug("soft-deleted conversation", "id", id)
	return true, nil
}

// touchConversationTx advances a conversation's updated_at within a
// transaction. The MAX(.., updated_at + 1) keeps updated_at monotonic even
// when the wall clock has not advanced.
func (s *SQLiteStore) touchConversationTx(ctx context.Context, tx *sql.Tx, id string, at int64) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = MAX(?, updated_at + 1) WHERE id = ?
	`, at, id); err != nil {
		return fault.Database(err, "touching conversation")
	}
	return nil
}

// nextUpdatedAt returns a timestamp strictly after prev even if the wall
// clock has not advanced past it.
func nextUpdatedAt(prev int64) int64 {
	now := micros(time.Now())
	if now <= prev {
		return prev + 1
	}
	return now
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var status, source string
	var createdAt, updatedAt int64

	err := row.Scan(&conv.ID, &conv.AgentID, &conv.Title, &status, &source,
		&conv.ExternalID, &conv.ProjectPath, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	conv.Status = ConversationStatus(status)
	conv.Source = ConversationSource(source)
	conv.CreatedAt = fromMicros(createdAt)
	conv.UpdatedAt = fromMicros(updatedAt)
	return &conv, nil
}
