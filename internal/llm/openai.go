package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	openai "github.com/sashabaranov/go-openai"

	"convorag/internal/apperrors"
)

// OpenAIConfig configures the OpenAI chat provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIProvider generates answers through the OpenAI chat completion API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider validates the configuration and builds the provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.Validation("openai llm provider requires an API key")
	}
	if cfg.Model == "" {
		return nil, apperrors.Validation("openai llm provider requires a model")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}, nil
}

// Generate produces a complete response.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.chatRequest(req, false))
	if err != nil {
		return nil, translateLLMError("openai", err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperrors.New(apperrors.KindLLM, "openai returned no choices")
	}
	return &Result{
		Text:      resp.Choices[0].Message.Content,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}, nil
}

// GenerateStream produces the response incrementally.
func (p *OpenAIProvider) GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.chatRequest(req, true))
	if err != nil {
		return nil, translateLLMError("openai", err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			resp, recvErr := stream.Recv()
			if errors.Is(recvErr, io.EOF) {
				return
			}
			if recvErr != nil {
				emit(ctx, out, Chunk{Err: translateLLMError("openai", recvErr)})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if delta := resp.Choices[0].Delta.Content; delta != "" {
				if !emit(ctx, out, Chunk{Text: delta}) {
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *OpenAIProvider) chatRequest(req Request, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}

// Model returns the configured model identifier.
func (p *OpenAIProvider) Model() string { return p.model }

// HealthCheck validates configuration without spending tokens.
func (p *OpenAIProvider) HealthCheck(context.Context) error {
	if p.client == nil || p.model == "" {
		return apperrors.New(apperrors.KindLLM, "openai llm provider not configured")
	}
	return nil
}

// emit sends a chunk unless the consumer has gone away.
func emit(ctx context.Context, out chan<- Chunk, chunk Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// translateLLMError maps client errors into the llm error kind, marking rate
// limits, server errors, and network failures as transient.
func translateLLMError(provider string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		transient := apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
		return &apperrors.Error{
			Kind:      apperrors.KindLLM,
			Message:   fmt.Sprintf("%s request failed (status %d)", provider, apiErr.HTTPStatusCode),
			Cause:     err,
			Transient: transient,
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &apperrors.Error{
			Kind:      apperrors.KindLLM,
			Message:   fmt.Sprintf("%s request failed (network)", provider),
			Cause:     err,
			Transient: true,
		}
	}
	return apperrors.Wrap(apperrors.KindLLM, fmt.Sprintf("%s request failed", provider), err)
}
