package store

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestVecIndexDeclaresCosineMetric(t *testing.T) {
	// The search path converts v.distance with 1 - distance, which is
	// only a similarity under the cosine metric. The vec0 default is
	// L2, so the DDL must pin the metric explicitly.
	if !strings.Contains(vecIndexDDL, "distance_metric=cosine") {
		t.Fatalf("vec index DDL does not pin the cosine metric: %s", vecIndexDDL)
	}
}

func TestMigrate_StampsOnlyAppliedVersions(t *testing.T) {
	path := t.TempDir() + "/chunks.db"
	s, err := Open(path, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	want := 1
	if s.vectorExt {
		want = 2
	}
	if version != want {
		t.Fatalf("user_version = %d, want %d (vec=%v); a build without the vec "+
			"extension must not claim the vec migration", version, want, s.vectorExt)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening an already-migrated database is a no-op, not an error,
	// and existing rows survive.
	s, err = Open(path, 1)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	emb := make([]float32, 1536)
	emb[0] = 1
	rec := Record{
		ChunkID:    "chunk-1",
		UserID:     uuid.New(),
		DocumentID: "doc-1",
		Content:    "deductible applies per claim",
		TokenCount: 5,
		Embedding:  emb,
	}
	if err := s.UpsertChunk(context.Background(), rec); err != nil {
		t.Fatalf("UpsertChunk: %v", err)
	}
	total, users, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if total != 1 || users != 1 {
		t.Fatalf("Stats = (%d, %d), want (1, 1)", total, users)
	}
}
