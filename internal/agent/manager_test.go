// ABOUTME: Tests for the agent manager
// ABOUTME: Covers registration, bounded acquisition, and the scripted agent

package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_RegisterAndGet(t *testing.T) {
	m := NewManager(nil)

	require.NoError(t, m.Register("claude-code", Echo()))

	a, ok := m.Get("claude-code")
	assert.True(t, ok)
	assert.NotNil(t, a)
	assert.True(t, m.IsOnline("claude-code"))
	assert.False(t, m.IsOnline("gemini-cli"))
	assert.Equal(t, []string{"claude-code"}, m.List())
}

func TestManager_RegisterDuplicate(t *testing.T) {
	m := NewManager(nil)

	require.NoError(t, m.Register("claude-code", Echo()))
	err := m.Register("claude-code", Echo())
	require.ErrorIs(t, err, ErrAgentAlreadyRegistered)
}

func TestManager_Unregister(t *testing.T) {
	m := NewManager(nil)

	require.NoError(t, m.Register("claude-code", Echo()))
	m.Unregister("claude-code")
	assert.False(t, m.IsOnline("claude-code"))

	// Unregistering an unknown agent is a no-op.
	m.Unregister("never-registered")
}

func TestManager_AcquireImmediate(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Register("claude-code", Echo()))

	a, err := m.Acquire(context.Background(), "claude-code")
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestManager_AcquireWaitsForRegistration(t *testing.T) {
	m := NewManager(nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = m.Register("claude-code", Echo())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	a, err := m.Acquire(ctx, "claude-code")
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestManager_AcquireTimesOut(t *testing.T) {
	m := NewManager(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := m.Acquire(ctx, "offline")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScripted_ReplaysBlocks(t *testing.T) {
	s := &Scripted{
		Blocks: []Block{
			{Type: BlockThinking, Text: "hmm"},
			{Type: BlockText, Text: "po"},
			{Type: BlockText, Text: "ng"},
		},
		FinalText: "pong",
	}

	var got []Block
	result, err := s.Run(context.Background(), Invocation{Prompt: "ping"}, func(b Block) {
		got = append(got, b)
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", result.FinalText)
	require.Len(t, got, 3)
	assert.Equal(t, BlockThinking, got[0].Type)
}

func TestScripted_Error(t *testing.T) {
	boom := errors.New("boom")
	s := &Scripted{
		Blocks: []Block{{Type: BlockText, Text: "partial"}},
		Err:    boom,
	}

	chunks := 0
	_, err := s.Run(context.Background(), Invocation{}, func(Block) { chunks++ })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, chunks, "chunks before the failure are still delivered")
}

func TestScripted_HangRespectsCancellation(t *testing.T) {
	s := &Scripted{Hang: true}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := s.Run(ctx, Invocation{}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestEcho_StreamsPromptBack(t *testing.T) {
	var got []Block
	result, err := Echo().Run(context.Background(), Invocation{Prompt: "hello"}, func(b Block) {
		got = append(got, b)
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", result.FinalText)
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Text)
}
