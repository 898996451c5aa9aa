// Package mcp exposes the conversation archive to MCP clients over stdio:
// ingestion, retrieval, conversation management, and retrieval-augmented
// answering as typed tools.
package mcp

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"convorag/internal/apperrors"
	"convorag/internal/ingest"
	"convorag/internal/rag"
	"convorag/internal/search"
	"convorag/internal/storage"
	"convorag/pkg/types"
)

// ServerName identifies this server to MCP clients.
const ServerName = "convorag"

// Version is reported during the MCP handshake.
const Version = "1.0.0"

// Ingestor is the ingest orchestrator dependency.
type Ingestor interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Response, error)
}

// Searcher is the search orchestrator dependency.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// Asker is the RAG orchestrator dependency.
type Asker interface {
	Ask(ctx context.Context, query string, params rag.Params) (*rag.Answer, error)
}

// Server bridges MCP clients with the conversation archive.
type Server struct {
	mcp      *mcp.Server
	ingestor Ingestor
	searcher Searcher
	asker    Asker
	store    storage.ConversationStore
	logger   zerolog.Logger
}

// NewServer builds the MCP server and registers all tools.
func NewServer(ingestor Ingestor, searcher Searcher, asker Asker, store storage.ConversationStore, logger zerolog.Logger) (*Server, error) {
	if ingestor == nil || searcher == nil || asker == nil || store == nil {
		return nil, errors.New("all tool dependencies are required")
	}

	s := &Server{
		ingestor: ingestor,
		searcher: searcher,
		asker:    asker,
		store:    store,
		logger:   logger,
	}
	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    ServerName,
		Version: Version,
	}, nil)
	s.registerTools()
	return s, nil
}

// SearchInput is the input schema of search_conversations. TopK is a pointer
// so an absent value defaults while an explicit zero is rejected.
type SearchInput struct {
	Query    string  `json:"query" jsonschema:"the search query"`
	TopK     *int    `json:"top_k,omitempty" jsonschema:"maximum number of results, default 5"`
	MinScore float64 `json:"min_score,omitempty" jsonschema:"minimum relevance score between 0 and 1"`
}

// SearchOutput is the output schema of search_conversations.
type SearchOutput struct {
	Results     []search.Result `json:"results" jsonschema:"matching chunks ordered by relevance"`
	ResultCount int             `json:"result_count" jsonschema:"number of results returned"`
}

// IngestInput is the input schema of ingest_conversation.
type IngestInput struct {
	ScenarioTitle string          `json:"scenario_title,omitempty" jsonschema:"short title describing the conversation"`
	OriginalTitle string          `json:"original_title,omitempty" jsonschema:"title the conversation carried at its origin"`
	URL           string          `json:"url,omitempty" jsonschema:"source URL of the conversation"`
	Messages      []types.Message `json:"messages" jsonschema:"ordered conversation messages"`
}

// ListInput is the input schema of get_conversations.
type ListInput struct {
	Skip  int `json:"skip,omitempty" jsonschema:"number of conversations to skip"`
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of conversations, default 100"`
}

// ListOutput is the output schema of get_conversations.
type ListOutput struct {
	Conversations []storage.ConversationSummary `json:"conversations" jsonschema:"conversation summaries, newest first"`
	Total         int64                         `json:"total" jsonschema:"total number of stored conversations"`
}

// ConversationInput is the input schema of get_conversation and
// delete_conversation.
type ConversationInput struct {
	ID int64 `json:"id" jsonschema:"conversation identifier"`
}

// DeleteOutput is the output schema of delete_conversation.
type DeleteOutput struct {
	Deleted bool  `json:"deleted" jsonschema:"whether the conversation was removed"`
	ID      int64 `json:"id" jsonschema:"identifier of the removed conversation"`
}

// AskInput is the input schema of rag_ask.
type AskInput struct {
	Query          string  `json:"query" jsonschema:"the question to answer"`
	TopK           *int    `json:"top_k,omitempty" jsonschema:"number of chunks to retrieve, default 5"`
	MinScore       float64 `json:"min_score,omitempty" jsonschema:"minimum relevance score, default 0.7"`
	ConversationID int64   `json:"conversation_id,omitempty" jsonschema:"conversation to use as dialogue history"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_conversations",
		Description: "Semantic search over archived conversations. Returns the chunks most relevant to the query with scores between 0 and 1.",
	}, s.handleSearch)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "ingest_conversation",
		Description: "Store a conversation in the archive. Messages are chunked, embedded, and become searchable immediately.",
	}, s.handleIngest)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_conversations",
		Description: "List archived conversations, newest first, with chunk counts.",
	}, s.handleList)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_conversation",
		Description: "Load one conversation with all its chunks in order.",
	}, s.handleGet)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "delete_conversation",
		Description: "Remove a conversation and all its chunks from the archive.",
	}, s.handleDelete)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "rag_ask",
		Description: "Answer a question grounded in the archived conversations, with [Source N] citations and a confidence score.",
	}, s.handleAsk)
}

func (s *Server) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, SearchOutput, error) {
	req := search.Request{Query: input.Query, TopK: search.DefaultTopK}
	if input.TopK != nil {
		if *input.TopK <= 0 {
			return nil, SearchOutput{}, apperrors.Validation("top_k must be a positive integer")
		}
		req.TopK = *input.TopK
	}
	if input.MinScore > 0 {
		minScore := input.MinScore
		req.Filters = &search.Filters{MinScore: &minScore}
	}

	resp, err := s.searcher.Search(ctx, req)
	if err != nil {
		s.logToolError("search_conversations", err)
		return nil, SearchOutput{}, toolError(err)
	}
	return nil, SearchOutput{Results: resp.Results, ResultCount: resp.ResultCount}, nil
}

func (s *Server) handleIngest(ctx context.Context, _ *mcp.CallToolRequest, input IngestInput) (*mcp.CallToolResult, *ingest.Response, error) {
	resp, err := s.ingestor.Ingest(ctx, ingest.Request{
		ScenarioTitle: input.ScenarioTitle,
		OriginalTitle: input.OriginalTitle,
		URL:           input.URL,
		Messages:      input.Messages,
	})
	if err != nil {
		s.logToolError("ingest_conversation", err)
		return nil, nil, toolError(err)
	}
	return nil, resp, nil
}

func (s *Server) handleList(ctx context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, ListOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 100
	}
	summaries, err := s.store.List(ctx, input.Skip, limit)
	if err != nil {
		s.logToolError("get_conversations", err)
		return nil, ListOutput{}, toolError(err)
	}
	total, err := s.store.Count(ctx)
	if err != nil {
		s.logToolError("get_conversations", err)
		return nil, ListOutput{}, toolError(err)
	}
	return nil, ListOutput{Conversations: summaries, Total: total}, nil
}

func (s *Server) handleGet(ctx context.Context, _ *mcp.CallToolRequest, input ConversationInput) (*mcp.CallToolResult, *types.Conversation, error) {
	if input.ID <= 0 {
		return nil, nil, apperrors.Validation("conversation id must be a positive integer")
	}
	conversation, err := s.store.GetByID(ctx, input.ID)
	if err != nil {
		s.logToolError("get_conversation", err)
		return nil, nil, toolError(err)
	}
	return nil, conversation, nil
}

func (s *Server) handleDelete(ctx context.Context, _ *mcp.CallToolRequest, input ConversationInput) (*mcp.CallToolResult, DeleteOutput, error) {
	if input.ID <= 0 {
		return nil, DeleteOutput{}, apperrors.Validation("conversation id must be a positive integer")
	}
	if err := s.store.Delete(ctx, input.ID); err != nil {
		s.logToolError("delete_conversation", err)
		return nil, DeleteOutput{}, toolError(err)
	}
	return nil, DeleteOutput{Deleted: true, ID: input.ID}, nil
}

func (s *Server) handleAsk(ctx context.Context, _ *mcp.CallToolRequest, input AskInput) (*mcp.CallToolResult, *rag.Answer, error) {
	params := rag.Params{
		MinScore:       input.MinScore,
		ConversationID: input.ConversationID,
	}
	if input.TopK != nil {
		if *input.TopK <= 0 {
			return nil, nil, apperrors.Validation("top_k must be a positive integer")
		}
		params.TopK = *input.TopK
	}
	answer, err := s.asker.Ask(ctx, input.Query, params)
	if err != nil {
		s.logToolError("rag_ask", err)
		return nil, nil, toolError(err)
	}
	return nil, answer, nil
}

// Run serves MCP over stdio until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info().Str("server", ServerName).Str("version", Version).Msg("mcp server starting")
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.logger.Info().Msg("mcp server stopped")
	return nil
}

func (s *Server) logToolError(tool string, err error) {
	s.logger.Warn().Str("tool", tool).Err(err).Msg("tool call failed")
}

// toolError keeps validation and not-found messages, which the client can act
// on, and hides backend detail behind a generic message.
func toolError(err error) error {
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation, apperrors.KindNotFound:
		return err
	case apperrors.KindStorage, apperrors.KindEmbedding, apperrors.KindEmbeddingDimension, apperrors.KindLLM:
		return errors.New("a backing service is unavailable, try again later")
	default:
		return errors.New("internal error")
	}
}
