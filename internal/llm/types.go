// Package llm adapts language-model backends to the coordinator's
// request/response shape.
package llm

import (
	"context"

	"github.com/lexiqai/call-coordinator/internal/conversation"
)

// SystemContext is the per-call framing sent with every request
type SystemContext struct {
	CallID   string
	Prompt   string
	Language string
	// Greeting asks for the opening line; history is empty
	Greeting bool
}

// Response is the agent's next line
type Response struct {
	Text     string
	Language string
	Emotion  string
}

// Provider generates the agent's next utterance from the conversation so far
type Provider interface {
	Name() string
	Generate(ctx context.Context, history []conversation.Turn, sc SystemContext) (*Response, error)
}

const greetingInstruction = "The call has just connected. Greet the caller briefly and ask how you can help."
