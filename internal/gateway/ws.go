// ABOUTME: WebSocket streaming endpoint carrying hub events to clients
// ABOUTME: Client frames subscribe to conversations or cancel sessions

package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/gmkit/gm-gateway/internal/synchub"
)

// outboundBuffer decouples hub fan-out from the socket writer.
const outboundBuffer = 64

// ClientFrame is one message from client to server.
type ClientFrame struct {
	Type           string `json:"type"` // "subscribe" | "cancel"
	ConversationID string `json:"conversationId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
}

// ServerFrame is one message from server to client. Event frames reuse
// the hub's discriminated shape; resume and error frames are synthesized
// by the connection itself.
type ServerFrame struct {
	Type           string           `json:"type"`
	ConversationID string           `json:"conversationId,omitempty"`
	SessionID      string           `json:"sessionId,omitempty"`
	Status         string           `json:"status,omitempty"`
	Error          string           `json:"error,omitempty"`
	Message        *MessageDTO      `json:"message,omitempty"`
	Chunk          any              `json:"chunk,omitempty"`
	Replay         bool             `json:"replay,omitempty"`
	Mode           string           `json:"mode,omitempty"`
	Session        *SessionDTO      `json:"session,omitempty"`
	Conversation   *ConversationDTO `json:"conversation,omitempty"`
}

func toServerFrame(ev synchub.Event) ServerFrame {
	frame := ServerFrame{
		Type:           ev.Type,
		ConversationID: ev.ConversationID,
		SessionID:      ev.SessionID,
		Status:         string(ev.Status),
		Error:          ev.Error,
		Replay:         ev.Replay,
	}
	if ev.Message != nil {
		dto := toMessageDTO(ev.Message)
		frame.Message = &dto
	}
	if ev.Chunk != nil {
		frame.Chunk = ev.Chunk
	}
	if ev.Conversation != nil {
		dto := toConversationDTO(ev.Conversation)
		frame.Conversation = &dto
	}
	return frame
}

// handleStream upgrades to WebSocket and bridges hub subscriptions onto
// the socket. One connection may follow several conversations.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	out := make(chan ServerFrame, outboundBuffer)
	done := make(chan struct{})

	var mu sync.Mutex
	subs := make(map[string]*synchub.Subscription)

	defer func() {
		close(done)
		mu.Lock()
		for _, sub := range subs {
			g.hub.Unsubscribe(sub)
		}
		mu.Unlock()
	}()

	// Single writer; hub forwarders feed out.
	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case frame := <-out:
				if err := wsjson.Write(ctx, conn, frame); err != nil {
					writeErr <- err
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case err := <-writeErr:
			g.logger.Debug("websocket writer stopped", "error", err)
			return
		default:
		}

		var frame ClientFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				return
			}
			g.logger.Debug("websocket read ended", "error", err)
			return
		}

		switch frame.Type {
		case "subscribe":
			g.subscribeConn(ctx, frame.ConversationID, &mu, subs, out, done)
		case "cancel":
			if err := g.dispatcher.Cancel(frame.SessionID); err != nil {
				send(out, done, ServerFrame{
					Type:      "error",
					SessionID: frame.SessionID,
					Error:     err.Error(),
				})
			}
		default:
			send(out, done, ServerFrame{Type: "error", Error: "unknown frame type: " + frame.Type})
		}
	}
}

// subscribeConn attaches the connection to a conversation's fan-out and
// answers with the resume reconciliation for it.
func (g *Gateway) subscribeConn(ctx context.Context, conversationID string, mu *sync.Mutex, subs map[string]*synchub.Subscription, out chan ServerFrame, done chan struct{}) {
	if conversationID == "" {
		send(out, done, ServerFrame{Type: "error", Error: "subscribe requires conversationId"})
		return
	}

	mu.Lock()
	if _, exists := subs[conversationID]; exists {
		mu.Unlock()
		return
	}
	sub := g.hub.Subscribe(conversationID)
	subs[conversationID] = sub
	mu.Unlock()

	resumption, err := g.hub.Resume(ctx, conversationID)
	if err != nil {
		g.logger.Warn("resume failed", "conversation_id", conversationID, "error", err)
		send(out, done, ServerFrame{Type: "error", ConversationID: conversationID, Error: err.Error()})
	} else {
		frame := ServerFrame{
			Type:           "resume",
			ConversationID: conversationID,
			Mode:           string(resumption.Mode),
		}
		if resumption.Session != nil {
			dto := toSessionDTO(resumption.Session)
			frame.Session = &dto
		}
		send(out, done, frame)

		// A mid-stream attach replays the chunks produced so far, tagged
		// so the client can reconcile them against live events.
		if resumption.Mode == synchub.ModeAttach && resumption.Session != nil {
			if fsm, ok := g.registry.Get(resumption.Session.ID); ok {
				for _, block := range fsm.Chunks() {
					chunk := block
					send(out, done, toServerFrame(synchub.Event{
						Type:           synchub.TypeStream,
						ConversationID: conversationID,
						SessionID:      resumption.Session.ID,
						Chunk:          &chunk,
						Replay:         true,
					}))
				}
			}
		}
	}

	go func() {
		for ev := range sub.Events() {
			send(out, done, toServerFrame(ev))
		}
	}()
}

// send enqueues a frame unless the connection is gone.
func send(out chan ServerFrame, done chan struct{}, frame ServerFrame) {
	select {
	case out <- frame:
	case <-done:
	}
}
