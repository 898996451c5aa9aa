// Package api exposes the HTTP surface: ingestion, search, conversation
// management, retrieval-augmented answering (plain and streamed), health,
// and metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"convorag/internal/apperrors"
	"convorag/internal/di"
	"convorag/internal/ingest"
	"convorag/internal/metrics"
	"convorag/internal/rag"
	"convorag/internal/search"
	"convorag/internal/storage"
)

// maxBodyBytes bounds request bodies; a full conversation fits comfortably.
const maxBodyBytes = 10 << 20

// Ingestor is the ingest orchestrator dependency.
type Ingestor interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Response, error)
	ReembedMissing(ctx context.Context, limit int) (int, error)
}

// Searcher is the search orchestrator dependency.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// Asker is the RAG orchestrator dependency.
type Asker interface {
	Ask(ctx context.Context, query string, params rag.Params) (*rag.Answer, error)
	AskStream(ctx context.Context, query string, params rag.Params) (<-chan rag.StreamEvent, error)
}

// HealthChecker reports component health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]di.ComponentHealth
}

// Handler carries the dependencies of every route.
type Handler struct {
	ingest  Ingestor
	search  Searcher
	rag     Asker
	store   storage.ConversationStore
	health  HealthChecker
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewHandler builds the route handler set.
func NewHandler(ingestor Ingestor, searcher Searcher, asker Asker, store storage.ConversationStore,
	health HealthChecker, m *metrics.Metrics, logger zerolog.Logger) *Handler {
	return &Handler{
		ingest:  ingestor,
		search:  searcher,
		rag:     asker,
		store:   store,
		health:  health,
		metrics: m,
		logger:  logger,
	}
}

// handleIngest serves POST /ingest.
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp, err := h.ingest.Ingest(r.Context(), req)
	if err != nil {
		h.countError(err)
		writeError(w, r, h.logger, err)
		return
	}
	h.metrics.IngestedChunks.Add(float64(resp.ChunkCount))
	h.metrics.EmbeddedChunks.Add(float64(resp.EmbeddingCount))
	writeJSON(w, http.StatusCreated, resp)
}

// handleSearchGet serves GET /search?q=...&top_k=5.
func (h *Handler) handleSearchGet(w http.ResponseWriter, r *http.Request) {
	req := search.Request{
		Query: r.URL.Query().Get("q"),
		TopK:  search.DefaultTopK,
	}
	if raw := r.URL.Query().Get("top_k"); raw != "" {
		topK, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, h.logger, apperrors.Validation("top_k must be an integer"))
			return
		}
		if topK <= 0 {
			writeError(w, r, h.logger, apperrors.Validation("top_k must be a positive integer"))
			return
		}
		req.TopK = topK
	}
	if raw := r.URL.Query().Get("min_score"); raw != "" {
		minScore, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, r, h.logger, apperrors.Validation("min_score must be a number"))
			return
		}
		req.Filters = &search.Filters{MinScore: &minScore}
	}
	h.runSearch(w, r, req)
}

// searchRequest distinguishes an absent top_k from an explicit zero.
type searchRequest struct {
	search.Request
	TopK *int `json:"top_k"`
}

// handleSearchPost serves POST /search with the full filter surface.
func (h *Handler) handleSearchPost(w http.ResponseWriter, r *http.Request) {
	var body searchRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	req := body.Request
	switch {
	case body.TopK == nil:
		req.TopK = search.DefaultTopK
	case *body.TopK <= 0:
		writeError(w, r, h.logger, apperrors.Validation("top_k must be a positive integer"))
		return
	default:
		req.TopK = *body.TopK
	}
	h.runSearch(w, r, req)
}

func (h *Handler) runSearch(w http.ResponseWriter, r *http.Request, req search.Request) {
	resp, err := h.search.Search(r.Context(), req)
	if err != nil {
		h.countError(err)
		writeError(w, r, h.logger, err)
		return
	}
	h.metrics.SearchResultCount.Observe(float64(resp.ResultCount))
	writeJSON(w, http.StatusOK, resp)
}

// handleListConversations serves GET /conversations?skip=0&limit=100.
func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	summaries, err := h.store.List(r.Context(), skip, limit)
	if err != nil {
		h.countError(err)
		writeError(w, r, h.logger, err)
		return
	}
	total, err := h.store.Count(r.Context())
	if err != nil {
		h.countError(err)
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": summaries,
		"total":         total,
		"skip":          skip,
		"limit":         limit,
	})
}

// handleGetConversation serves GET /conversations/{id}.
func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	conversation, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.countError(err)
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conversation)
}

// handleDeleteConversation serves DELETE /conversations/{id}.
func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		h.countError(err)
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// askRequest is the body of POST /rag/ask and /rag/ask-stream. The top-level
// TopK field distinguishes an absent top_k from an explicit zero.
type askRequest struct {
	Query string `json:"query"`
	TopK  *int   `json:"top_k"`
	rag.Params
}

// params resolves the ask parameters, rejecting a non-positive explicit
// top_k.
func (a askRequest) params() (rag.Params, error) {
	p := a.Params
	if a.TopK != nil {
		if *a.TopK <= 0 {
			return p, apperrors.Validation("top_k must be a positive integer")
		}
		p.TopK = *a.TopK
	}
	return p, nil
}

// handleAsk serves POST /rag/ask.
func (h *Handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	params, err := req.params()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	answer, err := h.rag.Ask(r.Context(), req.Query, params)
	if err != nil {
		h.countError(err)
		writeError(w, r, h.logger, err)
		return
	}
	h.metrics.AnswerConfidence.Observe(answer.Confidence)
	writeJSON(w, http.StatusOK, answer)
}

// handleAskStream serves POST /rag/ask-stream as server-sent events:
// data: {"type":"delta","text":...} lines followed by a final
// {"type":"final","answer":...} event.
func (h *Handler) handleAskStream(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	params, err := req.params()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	events, err := h.rag.AskStream(r.Context(), req.Query, params)
	if err != nil {
		h.countError(err)
		writeError(w, r, h.logger, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, h.logger, apperrors.New(apperrors.KindInternal, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for event := range events {
		if event.Type == rag.EventError {
			h.countError(event.Err)
			payload, _ := json.Marshal(map[string]string{
				"type":    rag.EventError,
				"message": publicMessage(event.Err, apperrors.KindOf(event.Err)),
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			return
		}
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()

		if event.Type == rag.EventFinal && event.Answer != nil {
			h.metrics.AnswerConfidence.Observe(event.Answer.Confidence)
		}
	}
}

// handleHealth serves GET /health. Each component is checked once; the
// overall status derives from the same report.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.health.HealthCheck(r.Context())
	status := http.StatusOK
	if !di.OverallHealthy(health) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":     statusWord(status),
		"components": health,
	})
}

// handleReembed serves POST /admin/reembed: it backfills embeddings for up to
// limit chunks persisted without one.
func (h *Handler) handleReembed(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if limit <= 0 {
		writeError(w, r, h.logger, apperrors.Validation("limit must be a positive integer"))
		return
	}

	updated, err := h.ingest.ReembedMissing(r.Context(), limit)
	if err != nil {
		h.countError(err)
		writeError(w, r, h.logger, err)
		return
	}
	h.metrics.EmbeddedChunks.Add(float64(updated))
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

func statusWord(status int) string {
	if status == http.StatusOK {
		return "healthy"
	}
	return "unhealthy"
}

func (h *Handler) countError(err error) {
	h.metrics.ErrorCount.WithLabelValues(string(apperrors.KindOf(err))).Inc()
}

func decodeBody(r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "malformed request body", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.Validation("%s must be an integer", name)
	}
	return value, nil
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.Validation("conversation id must be a positive integer")
	}
	return id, nil
}
