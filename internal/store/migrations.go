package store

import (
	"fmt"

	"policyrag/internal/logging"
)

// Schema versions:
// v1: chunks table with per-user scoping and embedding blobs
// v2: chunk_vec vec0 index (only when the extension is available)

// Must match embedding.dimensions; sqlite-vec validates vector lengths
// per insert. Cosine metric, so v.distance stays in [0,2] and
// similarity = 1 - distance.
const vecIndexDDL = "CREATE VIRTUAL TABLE IF NOT EXISTS chunk_vec USING vec0(embedding float[1536] distance_metric=cosine)"

// migrate brings the database schema up to date using PRAGMA
// user_version for bookkeeping. Only versions actually applied are
// stamped: a database created without the vec extension stays at v1 so
// a vec-enabled build can finish the v2 migration later.
func (s *ChunkStore) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	applied := version
	if applied < 1 {
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS chunks (
				id             TEXT PRIMARY KEY,
				user_id        TEXT NOT NULL,
				document_id    TEXT NOT NULL,
				document_title TEXT NOT NULL DEFAULT '',
				section        TEXT NOT NULL DEFAULT '',
				content        TEXT NOT NULL,
				token_count    INTEGER NOT NULL,
				embedding      BLOB NOT NULL,
				created_at     DATETIME DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_chunks_user ON chunks(user_id);
			CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
		`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		applied = 1
	}

	if applied < 2 && s.vectorExt {
		if _, err := s.db.Exec(vecIndexDDL); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
		// Backfill rows loaded by builds without the extension.
		if _, err := s.db.Exec(`
			INSERT INTO chunk_vec (rowid, embedding)
			SELECT rowid, embedding FROM chunks
			WHERE rowid NOT IN (SELECT rowid FROM chunk_vec)
		`); err != nil {
			return fmt.Errorf("backfill vec index: %w", err)
		}
		applied = 2
	}

	if applied != version {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", applied)); err != nil {
			return fmt.Errorf("stamp schema version: %w", err)
		}
		logging.Store("schema migrated %d -> %d", version, applied)
	}
	return nil
}
