package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/rs/zerolog"

	"convorag/internal/apperrors"
	"convorag/internal/config"
	"convorag/pkg/types"
)

// schemaTemplate is the persisted schema. The vector dimension is fixed at
// startup from configuration; changing it requires a migration.
const schemaTemplate = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS conversations (
	id             SERIAL PRIMARY KEY,
	scenario_title TEXT,
	original_title TEXT,
	url            TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS conversation_chunks (
	id              SERIAL PRIMARY KEY,
	conversation_id INT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	order_index     INT NOT NULL,
	chunk_text      TEXT NOT NULL,
	embedding       VECTOR(%d),
	author_name     TEXT,
	author_type     VARCHAR(16),
	timestamp       TIMESTAMPTZ,
	UNIQUE(conversation_id, order_index)
);

CREATE INDEX IF NOT EXISTS ix_chunks_conversation_id ON conversation_chunks(conversation_id);
CREATE INDEX IF NOT EXISTS ix_conversations_created ON conversations(created_at);

DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1 FROM pg_indexes
		WHERE schemaname = current_schema() AND indexname = 'ix_chunks_embedding'
	) THEN
		EXECUTE 'CREATE INDEX ix_chunks_embedding ON conversation_chunks USING ivfflat (embedding vector_l2_ops) WITH (lists = 100);';
	END IF;
END
$$;
`

// PostgresStore implements Store on Postgres with the pgvector extension.
type PostgresStore struct {
	pool      *pgxpool.Pool
	dimension int
	logger    zerolog.Logger
}

// NewPostgresStore connects, registers the vector codec on every connection,
// and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg *config.StorageConfig, dimension int, logger zerolog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorage, "parsing database url", err)
	}
	poolCfg.MaxConns = int32(cfg.PoolSize + cfg.Overflow)
	poolCfg.MinConns = int32(cfg.PoolSize)
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, translatePGError("connecting to database", err)
	}

	store := &PostgresStore{pool: pool, dimension: dimension, logger: logger}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(schemaTemplate, s.dimension))
	if err != nil && strings.Contains(err.Error(), "ivfflat") {
		// The approximate index needs enough rows to build; a fresh database
		// works fine on the sequential scan until then.
		s.logger.Warn().Err(err).Msg("ivfflat index creation deferred")
		return nil
	}
	if err != nil {
		return translatePGError("ensuring schema", err)
	}
	return nil
}

// SaveConversation inserts the aggregate in one transaction.
func (s *PostgresStore) SaveConversation(ctx context.Context, conversation *types.Conversation) error {
	if err := conversation.Validate(); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "invalid conversation", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return translatePGError("beginning transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx,
		`INSERT INTO conversations (scenario_title, original_title, url)
		 VALUES (NULLIF($1, ''), NULLIF($2, ''), NULLIF($3, ''))
		 RETURNING id, created_at`,
		conversation.ScenarioTitle, conversation.OriginalTitle, conversation.URL,
	).Scan(&conversation.ID, &conversation.CreatedAt)
	if err != nil {
		return translatePGError("inserting conversation", err)
	}

	if err := insertChunks(ctx, tx, conversation.ID, conversation.Chunks); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return translatePGError("committing conversation", err)
	}
	return nil
}

// insertChunks batch-inserts chunks within tx, filling IDs in place.
func insertChunks(ctx context.Context, tx pgx.Tx, conversationID int64, chunks []types.ConversationChunk) error {
	batch := &pgx.Batch{}
	for i := range chunks {
		chunk := &chunks[i]
		chunk.ConversationID = conversationID
		batch.Queue(
			`INSERT INTO conversation_chunks
			 (conversation_id, order_index, chunk_text, embedding, author_name, author_type, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id`,
			chunk.ConversationID, chunk.OrderIndex, chunk.Text,
			embeddingParam(chunk.Embedding), chunk.Author.Name, string(chunk.Author.Type), chunk.Timestamp,
		)
	}

	results := tx.SendBatch(ctx, batch)
	for i := range chunks {
		if err := results.QueryRow().Scan(&chunks[i].ID); err != nil {
			_ = results.Close()
			return translatePGError(fmt.Sprintf("inserting chunk %d", i), err)
		}
	}
	if err := results.Close(); err != nil {
		return translatePGError("closing chunk batch", err)
	}
	return nil
}

// SaveChunks appends chunks to an existing conversation transactionally.
func (s *PostgresStore) SaveChunks(ctx context.Context, conversationID int64, chunks []types.ConversationChunk) error {
	if len(chunks) == 0 {
		return apperrors.Validation("no chunks to save")
	}
	exists, err := s.Exists(ctx, conversationID)
	if err != nil {
		return err
	}
	if !exists {
		return apperrors.NotFound("conversation %d not found", conversationID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return translatePGError("beginning transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertChunks(ctx, tx, conversationID, chunks); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return translatePGError("committing chunks", err)
	}
	return nil
}

// GetByID loads the conversation and its chunks in two round trips.
func (s *PostgresStore) GetByID(ctx context.Context, id int64) (*types.Conversation, error) {
	conversation := &types.Conversation{}
	var scenarioTitle, originalTitle, url *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, scenario_title, original_title, url, created_at
		 FROM conversations WHERE id = $1`, id,
	).Scan(&conversation.ID, &scenarioTitle, &originalTitle, &url, &conversation.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("conversation %d not found", id)
	}
	if err != nil {
		return nil, translatePGError("loading conversation", err)
	}
	conversation.ScenarioTitle = deref(scenarioTitle)
	conversation.OriginalTitle = deref(originalTitle)
	conversation.URL = deref(url)

	conversation.Chunks, err = s.GetByConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	return conversation, nil
}

// List pages conversation summaries, newest first.
func (s *PostgresStore) List(ctx context.Context, skip, limit int) ([]ConversationSummary, error) {
	if skip < 0 {
		return nil, apperrors.Validation("skip must be non-negative, got %d", skip)
	}
	if limit <= 0 || limit > MaxListLimit {
		return nil, apperrors.Validation("limit must be in [1, %d], got %d", MaxListLimit, limit)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.scenario_title, c.original_title, c.url, c.created_at, COUNT(ch.id)
		 FROM conversations c
		 LEFT JOIN conversation_chunks ch ON ch.conversation_id = c.id
		 GROUP BY c.id
		 ORDER BY c.created_at DESC, c.id DESC
		 OFFSET $1 LIMIT $2`, skip, limit)
	if err != nil {
		return nil, translatePGError("listing conversations", err)
	}
	defer rows.Close()

	summaries := make([]ConversationSummary, 0, limit)
	for rows.Next() {
		var (
			summary                          ConversationSummary
			scenarioTitle, originalTitle, url *string
		)
		if err := rows.Scan(&summary.ID, &scenarioTitle, &originalTitle, &url,
			&summary.CreatedAt, &summary.ChunkCount); err != nil {
			return nil, translatePGError("scanning conversation summary", err)
		}
		summary.ScenarioTitle = deref(scenarioTitle)
		summary.OriginalTitle = deref(originalTitle)
		summary.URL = deref(url)
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, translatePGError("iterating conversations", err)
	}
	return summaries, nil
}

// Delete removes a conversation; the foreign key cascades to its chunks.
func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return translatePGError("deleting conversation", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("conversation %d not found", id)
	}
	return nil
}

// Exists reports whether a conversation row is present.
func (s *PostgresStore) Exists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, translatePGError("checking conversation existence", err)
	}
	return exists, nil
}

// Count returns the total number of conversations.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&count); err != nil {
		return 0, translatePGError("counting conversations", err)
	}
	return count, nil
}

// GetByConversation loads a conversation's chunks in order.
func (s *PostgresStore) GetByConversation(ctx context.Context, conversationID int64) ([]types.ConversationChunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, order_index, chunk_text, embedding, author_name, author_type, timestamp
		 FROM conversation_chunks WHERE conversation_id = $1 ORDER BY order_index`, conversationID)
	if err != nil {
		return nil, translatePGError("loading chunks", err)
	}
	defer rows.Close()

	var chunks []types.ConversationChunk
	for rows.Next() {
		var (
			chunk                  types.ConversationChunk
			embedding              *pgvector.Vector
			authorName, authorType *string
		)
		if err := rows.Scan(&chunk.ID, &chunk.ConversationID, &chunk.OrderIndex, &chunk.Text,
			&embedding, &authorName, &authorType, &chunk.Timestamp); err != nil {
			return nil, translatePGError("scanning chunk", err)
		}
		if embedding != nil {
			chunk.Embedding = types.Embedding(embedding.Slice())
		}
		chunk.Author = types.Author{Name: deref(authorName), Type: types.AuthorType(deref(authorType))}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, translatePGError("iterating chunks", err)
	}
	return chunks, nil
}

// ChunksMissingEmbeddings returns chunks persisted without an embedding.
func (s *PostgresStore) ChunksMissingEmbeddings(ctx context.Context, limit int) ([]types.ConversationChunk, error) {
	if limit <= 0 {
		return nil, apperrors.Validation("limit must be positive, got %d", limit)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, order_index, chunk_text, author_name, author_type, timestamp
		 FROM conversation_chunks
		 WHERE embedding IS NULL
		 ORDER BY id
		 LIMIT $1`, limit)
	if err != nil {
		return nil, translatePGError("loading unembedded chunks", err)
	}
	defer rows.Close()

	var chunks []types.ConversationChunk
	for rows.Next() {
		var (
			chunk                  types.ConversationChunk
			authorName, authorType *string
		)
		if err := rows.Scan(&chunk.ID, &chunk.ConversationID, &chunk.OrderIndex, &chunk.Text,
			&authorName, &authorType, &chunk.Timestamp); err != nil {
			return nil, translatePGError("scanning unembedded chunk", err)
		}
		chunk.Author = types.Author{Name: deref(authorName), Type: types.AuthorType(deref(authorType))}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, translatePGError("iterating unembedded chunks", err)
	}
	return chunks, nil
}

// UpdateChunkEmbedding backfills one chunk's embedding.
func (s *PostgresStore) UpdateChunkEmbedding(ctx context.Context, chunkID int64, embedding types.Embedding) error {
	if embedding.Dimension() != s.dimension {
		return apperrors.Newf(apperrors.KindEmbeddingDimension,
			"embedding dimension %d does not match storage dimension %d", embedding.Dimension(), s.dimension)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversation_chunks SET embedding = $1 WHERE id = $2`,
		pgvector.NewVector(embedding), chunkID)
	if err != nil {
		return translatePGError("updating chunk embedding", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("chunk %d not found", chunkID)
	}
	return nil
}

// SimilaritySearch runs an ANN query ordered by L2 distance.
func (s *PostgresStore) SimilaritySearch(ctx context.Context, query types.Embedding, opts SearchOptions) (types.SearchResults, error) {
	if query.Dimension() != s.dimension {
		return nil, apperrors.Newf(apperrors.KindEmbeddingDimension,
			"query dimension %d does not match storage dimension %d", query.Dimension(), s.dimension)
	}
	if opts.Limit <= 0 {
		return nil, apperrors.Validation("search limit must be positive, got %d", opts.Limit)
	}

	queryVec := pgvector.NewVector(query)
	sql := `SELECT id, conversation_id, order_index, chunk_text, author_name, author_type, timestamp,
	               embedding <-> $1 AS distance
	        FROM conversation_chunks
	        WHERE embedding IS NOT NULL`
	args := []any{queryVec}
	if opts.MaxDistance > 0 {
		sql += ` AND embedding <-> $1 <= $2`
		args = append(args, opts.MaxDistance)
	}
	sql += fmt.Sprintf(` ORDER BY distance, conversation_id, order_index LIMIT $%d`, len(args)+1)
	args = append(args, opts.Limit)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, translatePGError("similarity search", err)
	}
	defer rows.Close()

	results := make(types.SearchResults, 0, opts.Limit)
	for rows.Next() {
		var (
			chunk                  types.ConversationChunk
			authorName, authorType *string
			distance               float64
		)
		if err := rows.Scan(&chunk.ID, &chunk.ConversationID, &chunk.OrderIndex, &chunk.Text,
			&authorName, &authorType, &chunk.Timestamp, &distance); err != nil {
			return nil, translatePGError("scanning search result", err)
		}
		chunk.Author = types.Author{Name: deref(authorName), Type: types.AuthorType(deref(authorType))}
		results = append(results, types.SearchResult{
			Chunk: chunk,
			Score: types.ScoreFromDistance(distance),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, translatePGError("iterating search results", err)
	}
	return results, nil
}

// HealthCheck verifies connectivity with a round-trip query.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return translatePGError("health check", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// embeddingParam converts an optional embedding to its SQL parameter; chunks
// persisted before embedding carry NULL.
func embeddingParam(e types.Embedding) any {
	if len(e) == 0 {
		return nil
	}
	return pgvector.NewVector(e)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// transientPGCodes are SQLSTATE classes and codes worth retrying: connection
// failures, resource exhaustion, admin shutdown, and serialization conflicts.
var transientPGCodes = []string{"08", "53", "57", "40001", "40P01"}

// translatePGError maps a database error to the storage kind, classifying
// retryable failures as transient.
func translatePGError(operation string, err error) error {
	transient := false
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		for _, code := range transientPGCodes {
			if strings.HasPrefix(pgErr.Code, code) {
				transient = true
				break
			}
		}
	} else if isTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		transient = true
	}
	return apperrors.Storage(operation, err, transient)
}

// isTimeout matches both pgconn's internal timeout and generic network
// timeouts such as DNS or dial deadlines.
func isTimeout(err error) bool {
	if pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Ensure the concrete store satisfies the full surface.
var _ Store = (*PostgresStore)(nil)
