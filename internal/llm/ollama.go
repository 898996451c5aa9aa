package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"convorag/internal/apperrors"
)

// Defaults for the local provider.
const (
	DefaultOllamaBaseURL = "http://localhost:11434"
	ollamaTimeout        = 300 * time.Second
)

// OllamaConfig configures the local Ollama-compatible provider.
type OllamaConfig struct {
	BaseURL string
	Model   string
}

// OllamaProvider generates answers through a local Ollama-compatible chat
// API. Streaming responses arrive as newline-delimited JSON.
type OllamaProvider struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaProvider builds the local provider.
func NewOllamaProvider(cfg OllamaConfig) (*OllamaProvider, error) {
	if cfg.Model == "" {
		return nil, apperrors.Validation("local llm provider requires a model")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}
	return &OllamaProvider{
		baseURL: baseURL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: ollamaTimeout},
	}, nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// Generate produces a complete response.
func (p *OllamaProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	resp, err := p.post(ctx, p.chatRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, apperrors.Wrap(apperrors.KindLLM, "decoding ollama response", err)
	}
	return &Result{
		Text:      chatResp.Message.Content,
		TokensIn:  chatResp.PromptEvalCount,
		TokensOut: chatResp.EvalCount,
	}, nil
}

// GenerateStream produces the response incrementally from the NDJSON stream.
func (p *OllamaProvider) GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	resp, err := p.post(ctx, p.chatRequest(req, true))
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var chunk ollamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				// Skip malformed lines; the stream may interleave keepalives.
				continue
			}
			if chunk.Message.Content != "" {
				if !emit(ctx, out, Chunk{Text: chunk.Message.Content}) {
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			emit(ctx, out, Chunk{Err: &apperrors.Error{
				Kind:      apperrors.KindLLM,
				Message:   "reading ollama stream",
				Cause:     err,
				Transient: true,
			}})
		}
	}()
	return out, nil
}

func (p *OllamaProvider) chatRequest(req Request, stream bool) ollamaChatRequest {
	messages := make([]ollamaMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, ollamaMessage{Role: m.Role, Content: m.Content})
	}
	return ollamaChatRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   stream,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
}

func (p *OllamaProvider) post(ctx context.Context, body ollamaChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindLLM, "marshaling ollama request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindLLM, "building ollama request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &apperrors.Error{
			Kind:      apperrors.KindLLM,
			Message:   "calling ollama",
			Cause:     err,
			Transient: true,
		}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &apperrors.Error{
			Kind:      apperrors.KindLLM,
			Message:   fmt.Sprintf("ollama returned status %d", resp.StatusCode),
			Transient: resp.StatusCode >= 500,
		}
	}
	return resp, nil
}

// Model returns the configured model identifier.
func (p *OllamaProvider) Model() string { return p.model }

// HealthCheck probes the server's version endpoint.
func (p *OllamaProvider) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/version", nil)
	if err != nil {
		return apperrors.Wrap(apperrors.KindLLM, "building ollama health request", err)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return apperrors.Wrap(apperrors.KindLLM, "ollama unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperrors.Newf(apperrors.KindLLM, "ollama health returned status %d", resp.StatusCode)
	}
	return nil
}
