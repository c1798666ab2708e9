package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"policyrag/internal/retrieval"
)

// vec0 index path. Only reached when the sqlite-vec extension was
// compiled in (vectorExt true); the SQL itself is driver-agnostic.

// upsertVecIndex mirrors a chunk row into the vec0 index, keyed by
// the chunks table rowid.
func (s *ChunkStore) upsertVecIndex(ctx context.Context, res sql.Result, rec Record) error {
	var rowid int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT rowid FROM chunks WHERE id = ?", rec.ChunkID).Scan(&rowid); err != nil {
		return fmt.Errorf("resolve rowid for %s: %w", rec.ChunkID, err)
	}
	_ = res // rowid from LastInsertId is unreliable on upsert

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM chunk_vec WHERE rowid = ?", rowid); err != nil {
		return fmt.Errorf("clear vec index for %s: %w", rec.ChunkID, err)
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO chunk_vec (rowid, embedding) VALUES (?, ?)",
		rowid, EncodeVector(rec.Embedding)); err != nil {
		return fmt.Errorf("index chunk %s: %w", rec.ChunkID, err)
	}
	return nil
}

// searchVec runs KNN inside SQLite. The user filter is applied after
// the KNN pass, so it over-fetches to keep enough per-user hits.
func (s *ChunkStore) searchVec(ctx context.Context, userID uuid.UUID, queryEmb []float32, limit int) ([]retrieval.Chunk, error) {
	k := limit * 8
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.document_title, c.section, c.content, c.token_count, v.distance
		FROM chunk_vec v
		JOIN chunks c ON c.rowid = v.rowid
		WHERE v.embedding MATCH ? AND v.k = ? AND c.user_id = ?
		ORDER BY v.distance`,
		EncodeVector(queryEmb), k, userID.String())
	if err != nil {
		return nil, fmt.Errorf("vec query: %w", err)
	}
	defer rows.Close()

	var results []retrieval.Chunk
	for rows.Next() {
		var c retrieval.Chunk
		var distance float64
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.DocumentTitle, &c.Section,
			&c.Text, &c.TokenCount, &distance); err != nil {
			return nil, fmt.Errorf("scan vec row: %w", err)
		}
		c.UserID = userID
		// chunk_vec declares distance_metric=cosine, so distance is
		// in [0,2] and similarity = 1 - distance.
		sim := 1 - distance
		if sim < 0 {
			sim = 0
		}
		c.SimilarityScore = sim
		results = append(results, c)
		if len(results) == limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vec rows: %w", err)
	}
	return results, nil
}
