// ABOUTME: Agent collaborator contract and the tagged block union for streamed output
// ABOUTME: An Agent accepts a prompt and produces chunks followed by a final result

package agent

import (
	"context"
	"encoding/json"
)

// BlockType tags a streamed chunk from an agent.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockCode       BlockType = "code"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
	BlockBash       BlockType = "bash"
	BlockSystem     BlockType = "system"
)

// Block is one streamed chunk. The core only inspects Type and Text for
// its ordering and accumulation logic; Payload is forwarded opaquely to
// subscribers.
type Block struct {
	Type    BlockType       `json:"type"`
	Text    string          `json:"text,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Invocation is one prompt sent to an agent.
type Invocation struct {
	Prompt        string
	FolderContext string
}

// Usage reports token consumption for an invocation, when the agent
// provides it.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Result is the final output of an invocation.
type Result struct {
	FinalText string
	Usage     *Usage
}

// ChunkFunc receives streamed blocks. It is called zero or more times
// before Run returns, always from the goroutine running the invocation.
type ChunkFunc func(Block)

// Agent is an external command-line AI assistant, seen by the core as an
// opaque runner with a streaming callback. Cancelling ctx must abort the
// invocation promptly.
type Agent interface {
	Run(ctx context.Context, inv Invocation, onChunk ChunkFunc) (*Result, error)
}

// Func adapts a function to the Agent interface.
type Func func(ctx context.Context, inv Invocation, onChunk ChunkFunc) (*Result, error)

func (f Func) Run(ctx context.Context, inv Invocation, onChunk ChunkFunc) (*Result, error) {
	return f(ctx, inv, onChunk)
}
