package engine

import (
	"context"

	"github.com/firebase/genkit/go/ai"
)

// GenerateRequest is one model invocation. Tools, when present, are
// declared to the model but never executed by the model layer; requested
// calls come back in GenerateResult for the engine to dispatch.
type GenerateRequest struct {
	// Model is the provider-qualified model name.
	Model  string
	System string
	// Messages is the full conversation so far, including any tool
	// request/response messages from earlier iterations of this turn.
	Messages []*ai.Message

	Temperature     *float32
	MaxOutputTokens *int

	Tools []ToolDescriptor
}

// GenerateResult is the normalized outcome of one model invocation.
type GenerateResult struct {
	// Text is the natural-language output, empty when the model chose to
	// call tools instead.
	Text string
	// ToolRequests are the tool calls issued in this response, in the
	// order the model requested them.
	ToolRequests []ToolCallRequest
	// Message is the raw model message, re-injected into the conversation
	// before tool results on the next iteration.
	Message *ai.Message
	// Usage holds this call's token counters.
	Usage Usage
}

// ChunkFunc receives incremental output. reasoning is true for thought
// fragments, false for answer text. Returning an error aborts generation.
type ChunkFunc func(fragment string, reasoning bool) error

// ModelClient abstracts the generative model provider. The production
// implementation is genkit-backed (see genkit.go); tests use a scripted
// fake (see testing.go).
type ModelClient interface {
	Generate(ctx context.Context, req *GenerateRequest, onChunk ChunkFunc) (*GenerateResult, error)
}
