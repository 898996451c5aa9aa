package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convorag/internal/apperrors"
	"convorag/internal/retry"
)

func TestOllamaGenerate(t *testing.T) {
	var captured ollamaChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{
			Message:         ollamaMessage{Role: "assistant", Content: "forty-two"},
			Done:            true,
			PromptEvalCount: 12,
			EvalCount:       3,
		})
	}))
	defer server.Close()

	p, err := NewOllamaProvider(OllamaConfig{BaseURL: server.URL, Model: "llama3.2"})
	require.NoError(t, err)

	result, err := p.Generate(context.Background(), Request{
		System:      "answer tersely",
		Messages:    []Message{{Role: RoleUser, Content: "what is the answer?"}},
		Temperature: 0.2,
		MaxTokens:   64,
	})
	require.NoError(t, err)

	assert.Equal(t, "forty-two", result.Text)
	assert.Equal(t, 12, result.TokensIn)
	assert.Equal(t, 3, result.TokensOut)

	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, RoleUser, captured.Messages[1].Role)
	assert.False(t, captured.Stream)
	assert.InDelta(t, 0.2, captured.Options.Temperature, 1e-9)
}

func TestOllamaGenerateStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		_ = enc.Encode(ollamaChatResponse{Message: ollamaMessage{Content: "Hello"}})
		_ = enc.Encode(ollamaChatResponse{Message: ollamaMessage{Content: ", world"}})
		_ = enc.Encode(ollamaChatResponse{Done: true, EvalCount: 2})
	}))
	defer server.Close()

	p, err := NewOllamaProvider(OllamaConfig{BaseURL: server.URL, Model: "llama3.2"})
	require.NoError(t, err)

	stream, err := p.GenerateStream(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "greet"}},
	})
	require.NoError(t, err)

	var full string
	for chunk := range stream {
		require.NoError(t, chunk.Err)
		full += chunk.Text
	}
	assert.Equal(t, "Hello, world", full)
}

func TestOllamaServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p, err := NewOllamaProvider(OllamaConfig{BaseURL: server.URL, Model: "llama3.2"})
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.Error(t, err)

	var ae *apperrors.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperrors.KindLLM, ae.Kind)
	assert.True(t, ae.Transient, "5xx must be retryable")
}

func TestOllamaClientErrorNotTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	p, err := NewOllamaProvider(OllamaConfig{BaseURL: server.URL, Model: "missing"})
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	var ae *apperrors.Error
	require.ErrorAs(t, err, &ae)
	assert.False(t, ae.Transient)
}

// scriptedProvider returns canned results, failing the first n calls.
type scriptedProvider struct {
	failures int
	calls    int
	result   Result
}

func (s *scriptedProvider) Generate(context.Context, Request) (*Result, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, &apperrors.Error{Kind: apperrors.KindLLM, Message: "simulated", Transient: true}
	}
	result := s.result
	return &result, nil
}

func (s *scriptedProvider) GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	result, err := s.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan Chunk, 1)
	out <- Chunk{Text: result.Text}
	close(out)
	return out, nil
}

func (s *scriptedProvider) Model() string                     { return "scripted" }
func (s *scriptedProvider) HealthCheck(context.Context) error { return nil }

func fastRetryConfig() *retry.Config {
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = time.Millisecond
	return cfg
}

func TestRetryingProviderGenerate(t *testing.T) {
	scripted := &scriptedProvider{failures: 2, result: Result{Text: "ok"}}
	p := NewRetryingProvider(scripted, fastRetryConfig(), zerolog.Nop())

	result, err := p.Generate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, 3, scripted.calls)
}

func TestRetryingProviderStreamEstablishment(t *testing.T) {
	scripted := &scriptedProvider{failures: 1, result: Result{Text: "streamed"}}
	p := NewRetryingProvider(scripted, fastRetryConfig(), zerolog.Nop())

	stream, err := p.GenerateStream(context.Background(), Request{})
	require.NoError(t, err)

	chunk := <-stream
	assert.Equal(t, "streamed", chunk.Text)
	assert.Equal(t, 2, scripted.calls)
}

func TestProviderConfigValidation(t *testing.T) {
	_, err := NewOpenAIProvider(OpenAIConfig{Model: "gpt-4o-mini"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	_, err = NewAnthropicProvider(AnthropicConfig{Model: "claude-sonnet-4-0"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	_, err = NewOllamaProvider(OllamaConfig{})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}
