package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"convorag/internal/apperrors"
)

// AnthropicConfig configures the Anthropic chat provider.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// AnthropicProvider generates answers through the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider validates the configuration and builds the provider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.Validation("anthropic llm provider requires an API key")
	}
	if cfg.Model == "" {
		return nil, apperrors.Validation("anthropic llm provider requires a model")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
	}, nil
}

// Generate produces a complete response.
func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	message, err := p.client.Messages.New(ctx, p.messageParams(req))
	if err != nil {
		return nil, translateAnthropicError(err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Result{
		Text:      text.String(),
		TokensIn:  int(message.Usage.InputTokens),
		TokensOut: int(message.Usage.OutputTokens),
	}, nil
}

// GenerateStream produces the response incrementally.
func (p *AnthropicProvider) GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.messageParams(req))

	out := make(chan Chunk)
	go func() {
		defer close(out)
		for stream.Next() {
			event := stream.Current()
			deltaEvent, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			textDelta, ok := deltaEvent.Delta.AsAny().(anthropic.TextDelta)
			if !ok || textDelta.Text == "" {
				continue
			}
			if !emit(ctx, out, Chunk{Text: textDelta.Text}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(ctx, out, Chunk{Err: translateAnthropicError(err)})
		}
	}()
	return out, nil
}

func (p *AnthropicProvider) messageParams(req Request) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(req.Temperature),
		Messages:    messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params
}

// Model returns the configured model identifier.
func (p *AnthropicProvider) Model() string { return p.model }

// HealthCheck validates configuration without spending tokens.
func (p *AnthropicProvider) HealthCheck(context.Context) error {
	if p.model == "" {
		return apperrors.New(apperrors.KindLLM, "anthropic llm provider not configured")
	}
	return nil
}

// translateAnthropicError maps SDK errors into the llm error kind.
func translateAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		transient := apiErr.StatusCode == 429 || apiErr.StatusCode == 529 || apiErr.StatusCode >= 500
		return &apperrors.Error{
			Kind:      apperrors.KindLLM,
			Message:   fmt.Sprintf("anthropic request failed (status %d)", apiErr.StatusCode),
			Cause:     err,
			Transient: transient,
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &apperrors.Error{
			Kind:      apperrors.KindLLM,
			Message:   "anthropic request failed (network)",
			Cause:     err,
			Transient: true,
		}
	}
	return apperrors.Wrap(apperrors.KindLLM, "anthropic request failed", err)
}
