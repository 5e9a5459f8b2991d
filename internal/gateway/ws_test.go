// ABOUTME: WebSocket endpoint tests over a real upgraded connection
// ABOUTME: Covers resume classification, mid-stream attach replay, and cancel frames

package gateway

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmkit/gm-gateway/internal/agent"
)

func dialWS(t *testing.T, f *apiFixture) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(f.server.URL, "http", "ws", 1) + "/gm/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerFrame {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var frame ServerFrame
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame ClientFrame) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, frame))
}

func TestWS_SubscribeIdleConversation(t *testing.T) {
	f := setupAPI(t)
	id := createConversation(t, f, "claude-code")

	conn := dialWS(t, f)
	writeFrame(t, conn, ClientFrame{Type: "subscribe", ConversationID: id})

	frame := readFrame(t, conn)
	assert.Equal(t, "resume", frame.Type)
	assert.Equal(t, id, frame.ConversationID)
	assert.Equal(t, "idle", frame.Mode)
	assert.Nil(t, frame.Session)
}

func TestWS_AttachReplaysStreamedChunks(t *testing.T) {
	f := setupAPI(t)

	// Streams two chunks and then holds the session open until cancelled.
	require.NoError(t, f.agents.Register("claude-code", agent.Func(
		func(ctx context.Context, inv agent.Invocation, onChunk agent.ChunkFunc) (*agent.Result, error) {
			onChunk(agent.Block{Type: agent.BlockText, Text: "he"})
			onChunk(agent.Block{Type: agent.BlockText, Text: "llo"})
			<-ctx.Done()
			return nil, ctx.Err()
		})))

	id := createConversation(t, f, "claude-code")
	status, body := doJSON(t, http.MethodPost, f.url("/gm/api/conversations/"+id+"/messages"), map[string]any{
		"content": "stream it",
	})
	require.Equal(t, http.StatusCreated, status)
	sessionID := body["session"].(map[string]any)["id"].(string)

	// Wait for both chunks to land before attaching.
	require.Eventually(t, func() bool {
		fsm, ok := f.registry.Get(sessionID)
		return ok && len(fsm.Chunks()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	conn := dialWS(t, f)
	writeFrame(t, conn, ClientFrame{Type: "subscribe", ConversationID: id})

	resume := readFrame(t, conn)
	require.Equal(t, "resume", resume.Type)
	assert.Equal(t, "attach", resume.Mode)
	require.NotNil(t, resume.Session)
	assert.Equal(t, sessionID, resume.Session.ID)

	// The chunks streamed before we attached arrive again, tagged as
	// replays so the client can reconcile them against live events.
	texts := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		frame := readFrame(t, conn)
		require.Equal(t, "stream", frame.Type)
		assert.True(t, frame.Replay)
		assert.Equal(t, sessionID, frame.SessionID)
		chunk, ok := frame.Chunk.(map[string]any)
		require.True(t, ok)
		texts = append(texts, chunk["text"].(string))
	}
	assert.Equal(t, []string{"he", "llo"}, texts)

	// Cancelling over the socket settles the session; subscribers get the
	// terminal notification as a live (non-replay) event.
	writeFrame(t, conn, ClientFrame{Type: "cancel", SessionID: sessionID})
	for {
		frame := readFrame(t, conn)
		if frame.Type == "session_updated" {
			assert.Equal(t, "cancelled", frame.Status)
			assert.False(t, frame.Replay)
			break
		}
	}
}

func TestWS_CancelUnknownSessionReportsError(t *testing.T) {
	f := setupAPI(t)

	conn := dialWS(t, f)
	writeFrame(t, conn, ClientFrame{Type: "cancel", SessionID: "missing"})

	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Error, "not found")
}

func TestWS_UnknownFrameType(t *testing.T) {
	f := setupAPI(t)

	conn := dialWS(t, f)
	writeFrame(t, conn, ClientFrame{Type: "bogus"})

	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Error, "unknown frame type")
}
