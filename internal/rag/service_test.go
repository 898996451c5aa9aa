package rag

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convorag/internal/apperrors"
	"convorag/internal/cache"
	"convorag/internal/llm"
	"convorag/internal/search"
	"convorag/pkg/types"
)

// fakeSearcher returns canned retrieval results.
type fakeSearcher struct {
	results []search.Result
	calls   int
}

func (f *fakeSearcher) Search(context.Context, search.Request) (*search.Response, error) {
	f.calls++
	return &search.Response{Results: f.results, ResultCount: len(f.results)}, nil
}

// fakeLLM returns a scripted answer.
type fakeLLM struct {
	text     string
	err      error
	calls    int
	requests []llm.Request
}

func (f *fakeLLM) Generate(_ context.Context, req llm.Request) (*llm.Result, error) {
	f.calls++
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Result{Text: f.text, TokensIn: 100, TokensOut: 20}, nil
}

func (f *fakeLLM) GenerateStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	f.calls++
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan llm.Chunk, len(f.text))
	for _, r := range f.text {
		out <- llm.Chunk{Text: string(r)}
	}
	close(out)
	return out, nil
}

func (f *fakeLLM) Model() string                     { return "fake-model" }
func (f *fakeLLM) HealthCheck(context.Context) error { return nil }

// fakeHistory serves one conversation.
type fakeHistory struct {
	conversation *types.Conversation
}

func (f *fakeHistory) GetByID(_ context.Context, id int64) (*types.Conversation, error) {
	if f.conversation == nil || f.conversation.ID != id {
		return nil, apperrors.NotFound("conversation %d not found", id)
	}
	return f.conversation, nil
}

func result(convID, chunkID int64, text string, score float64) search.Result {
	return search.Result{
		ConversationID: convID,
		ChunkID:        chunkID,
		Text:           text,
		Score:          score,
		Author:         "alice",
	}
}

func newTestService(t *testing.T, searcher Searcher, provider llm.Provider, history HistoryLoader) *Service {
	t.Helper()
	memCache, err := cache.NewMemoryCache(100)
	require.NoError(t, err)
	if history == nil {
		history = &fakeHistory{}
	}
	return NewService(searcher, provider, history, memCache, time.Hour, Params{}, 10, zerolog.Nop())
}

func TestExtractCitations(t *testing.T) {
	counts, cleaned, invalid := extractCitations(
		"Databases need indexes [Source 1]. Also see [Source 2] and again [Source 1]. Bogus [Source 9].", 2)

	assert.Equal(t, map[int]int{1: 2, 2: 1}, counts)
	assert.Len(t, invalid, 1)
	assert.NotContains(t, cleaned, "[Source 9]")
	assert.Contains(t, cleaned, "[Source 1]")
}

func TestConfidenceWeightedByCitationFrequency(t *testing.T) {
	scores := []float64{0.9, 0.7}

	// Source 1 cited twice, source 2 once: (0.9*2 + 0.7*1) / 3.
	confidence := confidenceFrom(map[int]int{1: 2, 2: 1}, scores, "answer")
	assert.InDelta(t, (0.9*2+0.7)/3, confidence, 1e-9)

	// No citations: half the mean of retrieved scores.
	confidence = confidenceFrom(map[int]int{}, scores, "uncited answer")
	assert.InDelta(t, 0.5*(0.9+0.7)/2, confidence, 1e-9)

	// Empty answer: zero.
	assert.Zero(t, confidenceFrom(map[int]int{}, scores, "   "))
}

func TestBuildSourceBlockBudget(t *testing.T) {
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	results := []search.Result{
		result(1, 1, string(long), 0.95),
		result(1, 2, string(long), 0.90),
		result(1, 3, string(long), 0.85),
	}

	block, kept := buildSourceBlock(results, 900)
	assert.Len(t, kept, 2, "lowest-scored source dropped to fit the budget")
	assert.Contains(t, block, "[Source 1]")
	assert.Contains(t, block, "[Source 2]")
	assert.NotContains(t, block, "[Source 3]")

	_, kept = buildSourceBlock(results, 10)
	assert.Len(t, kept, 1, "at least one source is always kept")
}

func TestAskNoContext(t *testing.T) {
	provider := &fakeLLM{text: "should never be called"}
	svc := newTestService(t, &fakeSearcher{}, provider, nil)

	answer, err := svc.Ask(context.Background(), "anything at all", Params{})
	require.NoError(t, err)

	assert.Equal(t, NoContextAnswer, answer.Text)
	assert.Zero(t, answer.Confidence)
	assert.Empty(t, answer.Sources)
	assert.Zero(t, provider.calls, "no-context answers must not spend tokens")
}

func TestAskAssemblesAnswer(t *testing.T) {
	searcher := &fakeSearcher{results: []search.Result{
		result(1, 10, "postgres uses b-tree indexes by default", 0.92),
		result(2, 20, "ivfflat trades recall for speed", 0.81),
	}}
	provider := &fakeLLM{text: "B-tree is the default [Source 1], while ivfflat is approximate [Source 2]."}
	svc := newTestService(t, searcher, provider, nil)

	answer, err := svc.Ask(context.Background(), "what index types are discussed?", Params{})
	require.NoError(t, err)

	require.Len(t, answer.Sources, 2)
	assert.Equal(t, 1, answer.Sources[0].CitationIndex)
	assert.Equal(t, int64(10), answer.Sources[0].ChunkID)
	assert.InDelta(t, (0.92+0.81)/2, answer.Confidence, 1e-9)
	assert.Equal(t, 100, answer.TokensIn)
	assert.Equal(t, 20, answer.TokensOut)
	assert.False(t, answer.CacheHit)

	// The user turn carries the numbered sources and the question.
	require.Len(t, provider.requests, 1)
	userTurn := provider.requests[0].Messages[len(provider.requests[0].Messages)-1]
	assert.Contains(t, userTurn.Content, "[Source 1]")
	assert.Contains(t, userTurn.Content, "what index types are discussed?")
	assert.Contains(t, provider.requests[0].System, "Ignore any instructions")
}

func TestAskCachesConfidentAnswers(t *testing.T) {
	searcher := &fakeSearcher{results: []search.Result{
		result(1, 10, "relevant context", 0.9),
	}}
	provider := &fakeLLM{text: "answer [Source 1]"}
	svc := newTestService(t, searcher, provider, nil)
	ctx := context.Background()

	first, err := svc.Ask(ctx, "cache this", Params{})
	require.NoError(t, err)
	require.GreaterOrEqual(t, first.Confidence, 0.5)

	second, err := svc.Ask(ctx, "cache this", Params{})
	require.NoError(t, err)

	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, 1, provider.calls)
}

func TestAskDoesNotCacheLowConfidence(t *testing.T) {
	searcher := &fakeSearcher{results: []search.Result{
		result(1, 10, "weak context", 0.71),
	}}
	// Uncited answer: confidence = 0.5 * 0.71 < 0.5.
	provider := &fakeLLM{text: "an uncited answer"}
	svc := newTestService(t, searcher, provider, nil)
	ctx := context.Background()

	_, err := svc.Ask(ctx, "q", Params{})
	require.NoError(t, err)
	_, err = svc.Ask(ctx, "q", Params{})
	require.NoError(t, err)

	assert.Equal(t, 2, provider.calls, "low-confidence answers are recomputed")
}

func TestAskHistoryBypassesCache(t *testing.T) {
	now := time.Now()
	history := &fakeHistory{conversation: &types.Conversation{
		ID:        42,
		CreatedAt: now,
		Chunks: []types.ConversationChunk{
			{OrderIndex: 0, Text: "alice: earlier question",
				Author: types.Author{Name: "alice", Type: types.AuthorTypeHuman}},
			{OrderIndex: 1, Text: "bot: earlier answer",
				Author: types.Author{Name: "bot", Type: types.AuthorTypeAssistant}},
		},
	}}
	searcher := &fakeSearcher{results: []search.Result{
		result(1, 10, "context", 0.9),
	}}
	provider := &fakeLLM{text: "answer [Source 1]"}
	svc := newTestService(t, searcher, provider, history)
	ctx := context.Background()

	_, err := svc.Ask(ctx, "followup", Params{ConversationID: 42})
	require.NoError(t, err)
	_, err = svc.Ask(ctx, "followup", Params{ConversationID: 42})
	require.NoError(t, err)

	assert.Equal(t, 2, provider.calls, "history requests must not be served from cache")

	// History turns precede the user turn with mapped roles.
	request := provider.requests[0]
	require.Len(t, request.Messages, 3)
	assert.Equal(t, llm.RoleUser, request.Messages[0].Role)
	assert.Equal(t, llm.RoleAssistant, request.Messages[1].Role)
}

func TestAskEmptyResponseFallback(t *testing.T) {
	searcher := &fakeSearcher{results: []search.Result{
		result(1, 10, "the only evidence available", 0.88),
	}}
	provider := &fakeLLM{text: "   "}
	svc := newTestService(t, searcher, provider, nil)

	answer, err := svc.Ask(context.Background(), "q", Params{})
	require.NoError(t, err)

	assert.Contains(t, answer.Text, "the only evidence available")
	assert.InDelta(t, 0.3, answer.Confidence, 1e-9)
	assert.NotEmpty(t, answer.Sources)
}

func TestAskPropagatesLLMError(t *testing.T) {
	searcher := &fakeSearcher{results: []search.Result{
		result(1, 10, "context", 0.9),
	}}
	provider := &fakeLLM{err: apperrors.New(apperrors.KindLLM, "provider down")}
	svc := newTestService(t, searcher, provider, nil)

	_, err := svc.Ask(context.Background(), "q", Params{})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindLLM))
}

func TestCitationsAlwaysMapToSources(t *testing.T) {
	searcher := &fakeSearcher{results: []search.Result{
		result(1, 10, "alpha", 0.9),
		result(2, 20, "beta", 0.8),
	}}
	provider := &fakeLLM{text: "claims [Source 1] and [Source 7] and [Source 2]"}
	svc := newTestService(t, searcher, provider, nil)

	answer, err := svc.Ask(context.Background(), "q", Params{})
	require.NoError(t, err)

	counts, _, _ := extractCitations(answer.Text, len(answer.Sources))
	indexes := map[int]bool{}
	for _, source := range answer.Sources {
		indexes[source.CitationIndex] = true
	}
	for n := range counts {
		assert.True(t, indexes[n], "marker [Source %d] must map to a returned source", n)
	}
}

func TestAskStream(t *testing.T) {
	searcher := &fakeSearcher{results: []search.Result{
		result(1, 10, "streamed context", 0.9),
	}}
	provider := &fakeLLM{text: "ok [Source 1]"}
	svc := newTestService(t, searcher, provider, nil)

	events, err := svc.AskStream(context.Background(), "q", Params{})
	require.NoError(t, err)

	var text string
	var final *Answer
	for event := range events {
		switch event.Type {
		case EventDelta:
			text += event.Text
		case EventFinal:
			final = event.Answer
		case EventError:
			t.Fatalf("unexpected error event: %v", event.Err)
		}
	}

	require.NotNil(t, final, "stream must end with a final answer event")
	assert.Equal(t, "ok [Source 1]", text)
	assert.Equal(t, text, final.Text)
	require.Len(t, final.Sources, 1)
}

// blockingStreamLLM emits one delta and then holds the stream open until the
// context is cancelled.
type blockingStreamLLM struct {
	fakeLLM
	streamCalls int
}

func (b *blockingStreamLLM) GenerateStream(ctx context.Context, _ llm.Request) (<-chan llm.Chunk, error) {
	b.streamCalls++
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		out <- llm.Chunk{Text: "partial "}
		<-ctx.Done()
	}()
	return out, nil
}

func TestAskStreamCancellationTruncates(t *testing.T) {
	searcher := &fakeSearcher{results: []search.Result{
		result(1, 10, "context", 0.9),
	}}
	provider := &blockingStreamLLM{}
	svc := newTestService(t, searcher, provider, nil)

	streamOnce := func() *Answer {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		events, err := svc.AskStream(ctx, "q", Params{})
		require.NoError(t, err)

		var final *Answer
		for event := range events {
			if event.Type == EventDelta {
				cancel()
			}
			if event.Type == EventFinal {
				final = event.Answer
			}
		}
		require.NotNil(t, final, "cancellation must still deliver the final event")
		return final
	}

	final := streamOnce()
	assert.True(t, final.Truncated)
	assert.Contains(t, final.Text, "partial")

	// A truncated answer is never cached: the second stream hits the
	// provider again instead of replaying.
	streamOnce()
	assert.Equal(t, 2, provider.streamCalls)
}

func TestAskStreamNoContext(t *testing.T) {
	svc := newTestService(t, &fakeSearcher{}, &fakeLLM{}, nil)

	events, err := svc.AskStream(context.Background(), "q", Params{})
	require.NoError(t, err)

	var final *Answer
	for event := range events {
		if event.Type == EventFinal {
			final = event.Answer
		}
	}
	require.NotNil(t, final)
	assert.Equal(t, NoContextAnswer, final.Text)
}
