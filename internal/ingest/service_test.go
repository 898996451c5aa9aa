package ingest

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convorag/internal/apperrors"
	"convorag/internal/chunking"
	"convorag/internal/embeddings"
	"convorag/pkg/types"
)

const testDimension = 16

// fakeStore records saved conversations and assigns IDs.
type fakeStore struct {
	mu      sync.Mutex
	saved   []*types.Conversation
	missing []types.ConversationChunk
	updated map[int64]types.Embedding
	saveErr error
}

func (f *fakeStore) SaveConversation(_ context.Context, conversation *types.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	conversation.ID = int64(len(f.saved) + 1)
	for i := range conversation.Chunks {
		conversation.Chunks[i].ID = int64(100*len(f.saved) + i + 1)
		conversation.Chunks[i].ConversationID = conversation.ID
	}
	f.saved = append(f.saved, conversation)
	return nil
}

func (f *fakeStore) ChunksMissingEmbeddings(_ context.Context, limit int) ([]types.ConversationChunk, error) {
	if limit < len(f.missing) {
		return f.missing[:limit], nil
	}
	return f.missing, nil
}

func (f *fakeStore) UpdateChunkEmbedding(_ context.Context, chunkID int64, embedding types.Embedding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updated == nil {
		f.updated = map[int64]types.Embedding{}
	}
	f.updated[chunkID] = embedding
	return nil
}

// countingInvalidator counts cache invalidations.
type countingInvalidator struct {
	mu    sync.Mutex
	calls int
}

func (c *countingInvalidator) InvalidateAll(context.Context) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}

func newTestService(t *testing.T, embedder embeddings.Provider, store Store,
	invalidator Invalidator, partial bool) *Service {
	t.Helper()
	chunker, err := chunking.New(chunking.Params{
		MaxChunkChars:        120,
		MinChunkChars:        10,
		SplitOnSpeakerChange: true,
	})
	require.NoError(t, err)
	return NewService(chunker, embedder, store, invalidator, partial, zerolog.Nop())
}

func message(author string, authorType types.AuthorType, text string) types.Message {
	return types.Message{
		Author: types.Author{Name: author, Type: authorType},
		Text:   text,
	}
}

func TestIngestValidation(t *testing.T) {
	embedder, err := embeddings.NewLocalProvider(testDimension)
	require.NoError(t, err)
	svc := newTestService(t, embedder, &fakeStore{}, &countingInvalidator{}, false)
	ctx := context.Background()

	_, err = svc.Ingest(ctx, Request{})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	_, err = svc.Ingest(ctx, Request{Messages: []types.Message{
		message("alice", types.AuthorTypeHuman, "   "),
	}})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	_, err = svc.Ingest(ctx, Request{Messages: []types.Message{
		message("alice", "alien", "hello"),
	}})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestIngestPersistsEmbeddedChunks(t *testing.T) {
	embedder, err := embeddings.NewLocalProvider(testDimension)
	require.NoError(t, err)
	store := &fakeStore{}
	invalidator := &countingInvalidator{}
	svc := newTestService(t, embedder, store, invalidator, false)

	resp, err := svc.Ingest(context.Background(), Request{
		ScenarioTitle: "support call",
		Messages: []types.Message{
			message("alice", types.AuthorTypeHuman, "my deploy keeps failing with a timeout"),
			message("bot", types.AuthorTypeAssistant, "which stage of the pipeline times out?"),
			message("alice", types.AuthorTypeHuman, "the integration test stage, after about ten minutes"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), resp.ConversationID)
	assert.Positive(t, resp.ChunkCount)
	assert.Equal(t, resp.ChunkCount, resp.EmbeddingCount)
	assert.Empty(t, resp.FailedChunks)
	assert.Equal(t, 1, invalidator.calls, "ingest commit must invalidate search cache")

	require.Len(t, store.saved, 1)
	saved := store.saved[0]
	assert.Equal(t, "support call", saved.ScenarioTitle)
	for i, chunk := range saved.Chunks {
		assert.Equal(t, i, chunk.OrderIndex, "order indexes are contiguous from 0")
		assert.Equal(t, testDimension, chunk.Embedding.Dimension())
	}
}

func TestIngestPreservesMessageContent(t *testing.T) {
	embedder, err := embeddings.NewLocalProvider(testDimension)
	require.NoError(t, err)
	store := &fakeStore{}
	svc := newTestService(t, embedder, store, &countingInvalidator{}, false)

	messages := []types.Message{
		message("alice", types.AuthorTypeHuman, "first message about databases"),
		message("bot", types.AuthorTypeAssistant, "second message about indexes"),
		message("carol", types.AuthorTypeHuman, "third message about query planners and statistics"),
	}
	_, err = svc.Ingest(context.Background(), Request{Messages: messages})
	require.NoError(t, err)

	var concatenated strings.Builder
	for _, chunk := range store.saved[0].Chunks {
		concatenated.WriteString(chunk.Text)
	}
	for _, m := range messages {
		assert.Contains(t, concatenated.String(), strings.TrimSpace(m.Text),
			"no message content may be lost in chunking")
	}
}

// failingEmbedder fails EmbedBatch always, and Embed for selected texts.
type failingEmbedder struct {
	inner    embeddings.Provider
	failText string
}

func (f *failingEmbedder) Embed(ctx context.Context, text string) (types.Embedding, error) {
	if strings.Contains(text, f.failText) {
		return nil, apperrors.New(apperrors.KindEmbedding, "simulated embed failure")
	}
	return f.inner.Embed(ctx, text)
}

func (f *failingEmbedder) EmbedBatch(context.Context, []string) ([]types.Embedding, error) {
	return nil, apperrors.New(apperrors.KindEmbedding, "simulated batch failure")
}

func (f *failingEmbedder) Dimension() int                        { return f.inner.Dimension() }
func (f *failingEmbedder) Model() string                         { return f.inner.Model() }
func (f *failingEmbedder) HealthCheck(ctx context.Context) error { return f.inner.HealthCheck(ctx) }

func TestIngestBatchFailureFailsByDefault(t *testing.T) {
	local, err := embeddings.NewLocalProvider(testDimension)
	require.NoError(t, err)
	store := &fakeStore{}
	svc := newTestService(t, &failingEmbedder{inner: local}, store, &countingInvalidator{}, false)

	_, err = svc.Ingest(context.Background(), Request{Messages: []types.Message{
		message("alice", types.AuthorTypeHuman, "this will not be persisted"),
	}})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindEmbedding))
	assert.Empty(t, store.saved, "failed ingest must leave no visible state")
}

func TestIngestPartialEmbeddings(t *testing.T) {
	local, err := embeddings.NewLocalProvider(testDimension)
	require.NoError(t, err)
	store := &fakeStore{}
	embedder := &failingEmbedder{inner: local, failText: "poison"}
	svc := newTestService(t, embedder, store, &countingInvalidator{}, true)

	resp, err := svc.Ingest(context.Background(), Request{Messages: []types.Message{
		message("alice", types.AuthorTypeHuman, "a perfectly ordinary first message"),
		message("bob", types.AuthorTypeHuman, "the poison message that cannot be embedded"),
	}})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.FailedChunks)
	assert.Less(t, resp.EmbeddingCount, resp.ChunkCount)

	require.Len(t, store.saved, 1)
	unembedded := 0
	for _, chunk := range store.saved[0].Chunks {
		if !chunk.HasEmbedding() {
			unembedded++
		}
	}
	assert.Equal(t, len(resp.FailedChunks), unembedded)
}

func TestIngestConcurrentConversations(t *testing.T) {
	embedder, err := embeddings.NewLocalProvider(testDimension)
	require.NoError(t, err)
	store := &fakeStore{}
	svc := newTestService(t, embedder, store, &countingInvalidator{}, false)

	const workers = 8
	responses := make([]*Response, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = svc.Ingest(context.Background(), Request{
				ScenarioTitle: "conversation " + strconv.Itoa(i),
				Messages: []types.Message{
					message("alice", types.AuthorTypeHuman, "independent message number "+strconv.Itoa(i)),
				},
			})
		}(i)
	}
	wg.Wait()

	ids := map[int64]bool{}
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		ids[responses[i].ConversationID] = true
	}
	assert.Len(t, ids, workers, "every ingest gets its own conversation id")
	assert.Len(t, store.saved, workers)
	for _, saved := range store.saved {
		for _, chunk := range saved.Chunks {
			assert.Equal(t, saved.ID, chunk.ConversationID)
		}
	}
}

func TestReembedMissing(t *testing.T) {
	embedder, err := embeddings.NewLocalProvider(testDimension)
	require.NoError(t, err)
	store := &fakeStore{missing: []types.ConversationChunk{
		{ID: 7, ConversationID: 1, OrderIndex: 0, Text: "alice: backfill me",
			Author: types.Author{Name: "alice", Type: types.AuthorTypeHuman}},
		{ID: 8, ConversationID: 1, OrderIndex: 1, Text: "bob: me too",
			Author: types.Author{Name: "bob", Type: types.AuthorTypeHuman}},
	}}
	invalidator := &countingInvalidator{}
	svc := newTestService(t, embedder, store, invalidator, false)

	updated, err := svc.ReembedMissing(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, 2, updated)
	assert.Len(t, store.updated, 2)
	assert.Equal(t, testDimension, store.updated[7].Dimension())
	assert.Equal(t, 1, invalidator.calls)
}

func TestReembedMissingNothingToDo(t *testing.T) {
	embedder, err := embeddings.NewLocalProvider(testDimension)
	require.NoError(t, err)
	invalidator := &countingInvalidator{}
	svc := newTestService(t, embedder, &fakeStore{}, invalidator, false)

	updated, err := svc.ReembedMissing(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, updated)
	assert.Zero(t, invalidator.calls)
}
