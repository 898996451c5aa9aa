// Package llm provides pluggable chat-completion providers used for answer
// generation: OpenAI, Anthropic, and a local Ollama-compatible server.
package llm

import "context"

// Message roles understood by every provider.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation sent to the model.
type Message struct {
	Role    string
	Content string
}

// Request is a provider-independent generation request.
type Request struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Result is the full response of a non-streaming generation.
type Result struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Chunk is one streamed text delta. Err is set at most once, as the final
// chunk before the channel closes.
type Chunk struct {
	Text string
	Err  error
}

// Provider generates text from a prompt.
type Provider interface {
	// Generate produces a complete response.
	Generate(ctx context.Context, req Request) (*Result, error)

	// GenerateStream produces the response incrementally. The returned
	// channel is closed when generation completes, fails, or the context is
	// cancelled.
	GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error)

	// Model returns the model identifier, used in cache keys.
	Model() string

	// HealthCheck verifies the provider is usable without spending tokens.
	HealthCheck(ctx context.Context) error
}
