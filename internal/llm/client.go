package llm

import "context"

// CompletionRequest carries one conversational turn. SessionID is the opaque
// conversation handle minted by NewSession; Context is the layered memory
// block assembled by the pipeline.
type CompletionRequest struct {
	SessionID string
	Context   string
	Turn      string
}

// Client is the completion backend. Implementations must treat SessionID as
// the continuity key: two completions with the same handle belong to the
// same conversation.
type Client interface {
	// NewSession mints a fresh conversation handle.
	NewSession(ctx context.Context) (string, error)
	// Complete produces the raw model output for one turn.
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	Close()
}
