// ABOUTME: Store interface and entity types for gm-gateway persistence
// ABOUTME: Defines Conversation, Message, Session, Event structs and the Store contract

package store

import (
	"context"
	"time"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
	ConversationDeleted  ConversationStatus = "deleted"
)

// ConversationSource records where a conversation originated.
type ConversationSource string

const (
	SourceGUI      ConversationSource = "gui"
	SourceImported ConversationSource = "imported"
)

// Conversation is one chat thread bound to a nominal agent.
type Conversation struct {
	ID        string
	AgentID   string
	Title     string
	Status    ConversationStatus
	CreatedAt time.Time
	UpdatedAt time.Time

	// Provenance for histories imported from external agent directories.
	Source      ConversationSource
	ExternalID  string
	ProjectPath string
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn within a conversation. Messages are totally ordered
// within a conversation by (CreatedAt, ID) with CreatedAt strictly
// increasing per conversation.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	CreatedAt      time.Time
}

// SessionStatus is the persisted lifecycle state of an agent invocation.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionError      SessionStatus = "error"
	SessionTimeout    SessionStatus = "timeout"
	SessionCancelled  SessionStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionError, SessionTimeout, SessionCancelled:
		return true
	}
	return false
}

// SessionResponse is the final agent output attached to a completed session.
type SessionResponse struct {
	Text               string `json:"text"`
	AssistantMessageID string `json:"assistant_message_id"`
}

// Session is one agent invocation triggered by a user message. Exactly one
// terminal status change happens per session; after that only cleanup
// touches the row.
type Session struct {
	ID             string
	ConversationID string
	UserMessageID  string
	Status         SessionStatus
	StartedAt      time.Time
	CompletedAt    *time.Time
	Response       *SessionResponse
	Error          string
}

// EventType names an audit event.
type EventType string

const (
	EventMessageCreated      EventType = "message.created"
	EventSessionCreated      EventType = "session.created"
	EventSessionProcessing   EventType = "session.processing"
	EventSessionCompleted    EventType = "session.completed"
	EventSessionError        EventType = "session.error"
	EventSessionTimeout      EventType = "session.timeout"
	EventSessionCancelled    EventType = "session.cancelled"
	EventConversationUpdated EventType = "conversation.updated"
)

// Event is an append-only audit record. Events are never mutated.
type Event struct {
	ID             string
	Type           EventType
	ConversationID string
	SessionID      string
	MessageID      string
	Data           map[string]any
	CreatedAt      time.Time
}

// EventRefs carries the optional entity references for AppendEvent.
type EventRefs struct {
	ConversationID string
	SessionID      string
	MessageID      string
}

// ConversationPatch is a partial update for UpdateConversation. Nil fields
// are left untouched.
type ConversationPatch struct {
	Title  *string
	Status *ConversationStatus
}

// SessionPatch is a partial update for UpdateSession. Nil fields are left
// untouched.
type SessionPatch struct {
	Status      *SessionStatus
	CompletedAt *time.Time
	Response    *SessionResponse
	Error       *string
}

// IntegrityReport is the result of ValidateIntegrity.
type IntegrityReport struct {
	OK         bool
	Violations []string
}

// IdempotencyTTL is how long a client-supplied idempotency key deduplicates
// message creation. Keys older than this are treated as absent.
const IdempotencyTTL = 24 * time.Hour

// Store is the transactional persistence contract for the core.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, agentID, title string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (*Conversation, error)
	DeleteConversation(ctx context.Context, id string) (bool, error)

	// Messages
	AppendMessage(ctx context.Context, conversationID string, role Role, content, idempotencyKey string) (*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error)

	// Sessions
	CreateSession(ctx context.Context, conversationID, userMessageID string) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	LatestSession(ctx context.Context, conversationID string) (*Session, error)
	SessionForUserMessage(ctx context.Context, userMessageID string) (*Session, error)
	UpdateSession(ctx context.Context, id string, patch SessionPatch) (*Session, error)

	// Audit
	AppendEvent(ctx context.Context, typ EventType, data map[string]any, refs EventRefs) (*Event, error)
	ListEvents(ctx context.Context, conversationID string, limit int) ([]*Event, error)
	ListSessionEvents(ctx context.Context, sessionID string) ([]*Event, error)

	ValidateIntegrity(ctx context.Context) (*IntegrityReport, error)

	Close() error
}
