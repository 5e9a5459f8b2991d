// ABOUTME: HTTP API handlers for conversations, messages, sessions, diagnostics
// ABOUTME: Wire DTOs use camelCase; errors map through the fault taxonomy

package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gmkit/gm-gateway/internal/dispatch"
	"github.com/gmkit/gm-gateway/internal/fault"
	"github.com/gmkit/gm-gateway/internal/store"
)

// ConversationDTO is the wire shape of a conversation.
type ConversationDTO struct {
	ID          string `json:"id"`
	AgentID     string `json:"agentId"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Source      string `json:"source,omitempty"`
	ExternalID  string `json:"externalId,omitempty"`
	ProjectPath string `json:"projectPath,omitempty"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

// MessageDTO is the wire shape of a message.
type MessageDTO struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	CreatedAt      string `json:"createdAt"`
}

// SessionResponseDTO is the final agent output on a completed session.
type SessionResponseDTO struct {
	Text               string `json:"text"`
	AssistantMessageID string `json:"assistantMessageId"`
}

// SessionDTO is the wire shape of a session.
type SessionDTO struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversationId"`
	UserMessageID  string              `json:"userMessageId"`
	Status         string              `json:"status"`
	StartedAt      string              `json:"startedAt"`
	CompletedAt    string              `json:"completedAt,omitempty"`
	Response       *SessionResponseDTO `json:"response,omitempty"`
	Error          string              `json:"error,omitempty"`
}

// EventDTO is the wire shape of an audit event.
type EventDTO struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	ConversationID string         `json:"conversationId,omitempty"`
	SessionID      string         `json:"sessionId,omitempty"`
	MessageID      string         `json:"messageId,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	CreatedAt      string         `json:"createdAt"`
}

func toConversationDTO(c *store.Conversation) ConversationDTO {
	return ConversationDTO{
		ID:          c.ID,
		AgentID:     c.AgentID,
		Title:       c.Title,
		Status:      string(c.Status),
		Source:      string(c.Source),
		ExternalID:  c.ExternalID,
		ProjectPath: c.ProjectPath,
		CreatedAt:   c.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toMessageDTO(m *store.Message) MessageDTO {
	return MessageDTO{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           string(m.Role),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toSessionDTO(s *store.Session) SessionDTO {
	dto := SessionDTO{
		ID:             s.ID,
		ConversationID: s.ConversationID,
		UserMessageID:  s.UserMessageID,
		Status:         string(s.Status),
		StartedAt:      s.StartedAt.UTC().Format(time.RFC3339Nano),
		Error:          s.Error,
	}
	if s.CompletedAt != nil {
		dto.CompletedAt = s.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	if s.Response != nil {
		dto.Response = &SessionResponseDTO{
			Text:               s.Response.Text,
			AssistantMessageID: s.Response.AssistantMessageID,
		}
	}
	return dto
}

func toEventDTO(e *store.Event) EventDTO {
	return EventDTO{
		ID:             e.ID,
		Type:           string(e.Type),
		ConversationID: e.ConversationID,
		SessionID:      e.SessionID,
		MessageID:      e.MessageID,
		Data:           e.Data,
		CreatedAt:      e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err through the fault taxonomy and logs server faults.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := fault.HTTPStatus(err)
	if status >= 500 {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(fault.KindOf(err)),
	})
}

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	AgentID string `json:"agentId"`
	Title   string `json:"title,omitempty"`
}

func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, r, fault.New(fault.KindValidation, "invalid request body: %v", err))
		return
	}

	conv, err := g.store.CreateConversation(r.Context(), req.AgentID, req.Title)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"conversation": toConversationDTO(conv)})
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := g.store.ListConversations(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	dtos := make([]ConversationDTO, 0, len(convs))
	for _, c := range convs {
		dtos = append(dtos, toConversationDTO(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": dtos})
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.store.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": toConversationDTO(conv)})
}

// UpdateConversationRequest is the JSON request body for POST /api/conversations/{id}.
type UpdateConversationRequest struct {
	Title  *string `json:"title,omitempty"`
	Status *string `json:"status,omitempty"`
}

func (g *Gateway) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	var req UpdateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, r, fault.New(fault.KindValidation, "invalid request body: %v", err))
		return
	}

	patch := store.ConversationPatch{Title: req.Title}
	if req.Status != nil {
		status := store.ConversationStatus(*req.Status)
		patch.Status = &status
	}

	conv, err := g.store.UpdateConversation(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": toConversationDTO(conv)})
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	// 404 for unknown conversations rather than an empty list.
	if _, err := g.store.GetConversation(r.Context(), conversationID); err != nil {
		g.writeError(w, r, err)
		return
	}

	msgs, err := g.store.ListMessages(r.Context(), conversationID, -1, 0)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	dtos := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		dtos = append(dtos, toMessageDTO(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": dtos})
}

// DispatchMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type DispatchMessageRequest struct {
	Content        string `json:"content"`
	AgentID        string `json:"agentId,omitempty"`
	FolderContext  string `json:"folderContext,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

func (g *Gateway) handleDispatchMessage(w http.ResponseWriter, r *http.Request) {
	var req DispatchMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, r, fault.New(fault.KindValidation, "invalid request body: %v", err))
		return
	}

	handle, err := g.dispatcher.Dispatch(r.Context(), dispatch.Request{
		ConversationID: r.PathValue("id"),
		Content:        req.Content,
		AgentID:        req.AgentID,
		FolderContext:  req.FolderContext,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message":        toMessageDTO(handle.Message),
		"session":        toSessionDTO(handle.Session),
		"idempotencyKey": handle.IdempotencyKey,
	})
}

func (g *Gateway) handleLatestSession(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	if _, err := g.store.GetConversation(r.Context(), conversationID); err != nil {
		g.writeError(w, r, err)
		return
	}

	sess, err := g.store.LatestSession(r.Context(), conversationID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	response := map[string]any{
		"session": nil,
		"events":  []EventDTO{},
	}
	if sess != nil {
		events, err := g.store.ListSessionEvents(r.Context(), sess.ID)
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		dtos := make([]EventDTO, 0, len(events))
		for _, e := range events {
			dtos = append(dtos, toEventDTO(e))
		}
		response["session"] = toSessionDTO(sess)
		response["events"] = dtos
	}
	writeJSON(w, http.StatusOK, response)
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := g.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionDTO(sess)})
}

func (g *Gateway) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	diag := g.registry.Diagnostics()

	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":        time.Now().UTC().Format(time.RFC3339Nano),
		"activeSessions":   diag.ActiveCount,
		"terminalSessions": diag.TerminalCount,
		"total":            diag.Total,
		"active":           diag.Active,
		"recentTerminal":   diag.RecentTerminal,
	})
}
