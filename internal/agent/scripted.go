// ABOUTME: Scripted in-process agent for tests and local demos
// ABOUTME: Emits a fixed block sequence with optional pacing, then resolves or fails

package agent

import (
	"context"
	"time"
)

// Scripted is an Agent that replays a fixed block sequence. Used by tests
// and by the demo wiring when no real CLI agent is attached.
type Scripted struct {
	// Blocks are emitted in order before the final result.
	Blocks []Block
	// FinalText is the result text on success.
	FinalText string
	// Err, if set, is returned after the blocks instead of a result.
	Err error
	// ChunkDelay paces block emission. Zero means emit immediately.
	ChunkDelay time.Duration
	// Hang, if true, blocks until ctx is cancelled without resolving.
	Hang bool
}

// Run implements Agent.
func (s *Scripted) Run(ctx context.Context, inv Invocation, onChunk ChunkFunc) (*Result, error) {
	if s.Hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	for _, block := range s.Blocks {
		if s.ChunkDelay > 0 {
			select {
			case <-time.After(s.ChunkDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if onChunk != nil {
			onChunk(block)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return &Result{FinalText: s.FinalText}, nil
}

// Echo returns a Scripted agent that streams the prompt back one word at a
// time. Handy as a default demo agent.
func Echo() Agent {
	return Func(func(ctx context.Context, inv Invocation, onChunk ChunkFunc) (*Result, error) {
		if onChunk != nil {
			onChunk(Block{Type: BlockText, Text: inv.Prompt})
		}
		return &Result{FinalText: inv.Prompt}, nil
	})
}
