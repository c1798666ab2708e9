// Package store implements the SQLite-backed chunk store queried by
// the retrieval tool. Chunks arrive with pre-computed embeddings; the
// ingestion pipeline that produces them is an external collaborator.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"policyrag/internal/embedding"
	"policyrag/internal/logging"
	"policyrag/internal/retrieval"
)

// =============================================================================
// CHUNK STORE
// =============================================================================

// ChunkStore provides vector search over per-user document chunks.
// The underlying sql.DB is capped to the governor's pool size as a
// second line of defense; the permit pool is the authoritative bound.
type ChunkStore struct {
	db        *sql.DB
	dbPath    string
	vectorExt bool
}

// Record is one chunk row as loaded into the store.
type Record struct {
	ChunkID       string
	UserID        uuid.UUID
	DocumentID    string
	DocumentTitle string
	Section       string
	Content       string
	TokenCount    int
	Embedding     []float32
}

// Open initializes the chunk store at path, creating the schema and
// applying migrations as needed. maxConns should match the governor's
// DB pool size.
func Open(path string, maxConns int) (*ChunkStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}

	s := &ChunkStore{
		db:        db,
		dbPath:    path,
		vectorExt: vectorExtAvailable,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("chunk store ready at %s (driver=%s, vec=%v)", path, driverName, s.vectorExt)
	return s, nil
}

// UpsertChunk loads one chunk with its pre-computed embedding.
func (s *ChunkStore) UpsertChunk(ctx context.Context, rec Record) error {
	if rec.ChunkID == "" || rec.UserID == uuid.Nil {
		return fmt.Errorf("chunk id and user id are required")
	}
	if len(rec.Embedding) == 0 {
		return fmt.Errorf("chunk %s: embedding is required", rec.ChunkID)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chunks (id, user_id, document_id, document_title, section, content, token_count, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			document_id = excluded.document_id,
			document_title = excluded.document_title,
			section = excluded.section,
			content = excluded.content,
			token_count = excluded.token_count,
			embedding = excluded.embedding`,
		rec.ChunkID, rec.UserID.String(), rec.DocumentID, rec.DocumentTitle,
		rec.Section, rec.Content, rec.TokenCount, EncodeVector(rec.Embedding),
	)
	if err != nil {
		return fmt.Errorf("upsert chunk %s: %w", rec.ChunkID, err)
	}

	if s.vectorExt {
		if err := s.upsertVecIndex(ctx, res, rec); err != nil {
			return err
		}
	}
	return nil
}

// Search returns up to limit chunks for the user, ordered descending
// by cosine similarity to queryEmb. No threshold or budget is applied
// here; the retrieval tool owns that contract.
func (s *ChunkStore) Search(ctx context.Context, userID uuid.UUID, queryEmb []float32, limit int) ([]retrieval.Chunk, error) {
	if limit <= 0 {
		limit = 10
	}
	if s.vectorExt {
		return s.searchVec(ctx, userID, queryEmb, limit)
	}
	return s.searchScan(ctx, userID, queryEmb, limit)
}

// searchScan fetches the user's chunks and ranks them in Go. Per-user
// corpora are small (one policy bundle), so a scoped scan stays cheap.
func (s *ChunkStore) searchScan(ctx context.Context, userID uuid.UUID, queryEmb []float32, limit int) ([]retrieval.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, document_title, section, content, token_count, embedding
		FROM chunks WHERE user_id = ?`, userID.String())
	if err != nil {
		return nil, fmt.Errorf("chunk query: %w", err)
	}
	defer rows.Close()

	var results []retrieval.Chunk
	for rows.Next() {
		var c retrieval.Chunk
		var blob []byte
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.DocumentTitle, &c.Section,
			&c.Text, &c.TokenCount, &blob); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			logging.Get(logging.CategoryStore).Warnf("chunk %s: bad embedding blob: %v", c.ChunkID, err)
			continue
		}
		sim, err := embedding.CosineSimilarity(queryEmb, vec)
		if err != nil {
			logging.Get(logging.CategoryStore).Warnf("chunk %s: %v", c.ChunkID, err)
			continue
		}
		c.UserID = userID
		c.SimilarityScore = sim
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chunk rows: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].SimilarityScore > results[j].SimilarityScore
	})
	if len(results) > limit {
		results = results[:limit]
	}

	logging.StoreDebug("search user=%s returned %d candidates", userID, len(results))
	return results, nil
}

// Stats returns chunk counts for diagnostics.
func (s *ChunkStore) Stats(ctx context.Context) (total int64, users int64, err error) {
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&total); err != nil {
		return 0, 0, err
	}
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT user_id) FROM chunks").Scan(&users); err != nil {
		return 0, 0, err
	}
	return total, users, nil
}

// Close closes the underlying database.
func (s *ChunkStore) Close() error {
	return s.db.Close()
}
