package embeddings

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "modernc.org/sqlite"
)

// newTestStore opens an in-memory database without the sqlite-vec
// extension, so stores built here exercise the degraded path: writes
// succeed, similarity search returns nothing. The embedding endpoint
// returns a fixed vector per prompt so tests are deterministic.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		vec := []float32{3, 4, 0}
		if req.Prompt == "points up" {
			vec = []float32{0, 1, 0}
		}
		json.NewEncoder(w).Encode(embedResponse{Embedding: vec})
	}))
	t.Cleanup(srv.Close)

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	client := New(Config{BaseURL: srv.URL, Model: "test-embed", Dimensions: 3}, testLogger())
	s, err := NewStore(db, client, testLogger())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func TestStoreDegradesWithoutVec(t *testing.T) {
	s := newTestStore(t)
	if s.ANNAvailable() {
		t.Fatal("ANNAvailable() = true without the extension")
	}

	ctx := context.Background()
	if _, err := s.UpsertEmbedding(ctx, "u1", SourceKnowledgeFact, 1, "user lives in austin"); err != nil {
		t.Fatalf("UpsertEmbedding() error = %v", err)
	}

	matches, err := s.SearchSimilarForType(ctx, "u1", "where does the user live", SourceKnowledgeFact, 5, false)
	if err != nil {
		t.Fatalf("SearchSimilarForType() error = %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("search returned %d matches, want 0 without ANN", len(matches))
	}
}

func TestStoreUpsertPreservesRowID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.UpsertEmbedding(ctx, "u1", SourceKnowledgeFact, 7, "first content")
	if err != nil {
		t.Fatalf("first UpsertEmbedding() error = %v", err)
	}
	id2, err := s.UpsertEmbedding(ctx, "u1", SourceKnowledgeFact, 7, "revised content")
	if err != nil {
		t.Fatalf("second UpsertEmbedding() error = %v", err)
	}
	if id1 != id2 {
		t.Errorf("upsert allocated new id %d, want %d reused", id2, id1)
	}

	hash, err := s.ContentHash(ctx, "u1", SourceKnowledgeFact, 7)
	if err != nil {
		t.Fatalf("ContentHash() error = %v", err)
	}
	if hash != HashText("revised content") {
		t.Errorf("ContentHash() = %q, want hash of revised content", hash)
	}

	counts, err := s.Counts(ctx, "u1")
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts[SourceKnowledgeFact] != 1 {
		t.Errorf("counts = %v, want one fact row (upsert, not append)", counts)
	}
}

func TestStoreUpsertVectorRejectsWrongDims(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.UpsertVector(context.Background(), "u1", SourceKnowledgeFact, 1, "text", []float32{1, 0}); err == nil {
		t.Fatal("expected dimension error")
	}
}

func TestStoreUsersAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertEmbedding(ctx, "u1", SourceKnowledgeFact, 1, "alpha"); err != nil {
		t.Fatalf("UpsertEmbedding() error = %v", err)
	}
	if _, err := s.UpsertEmbedding(ctx, "u2", SourceKnowledgeFact, 1, "beta"); err != nil {
		t.Fatalf("UpsertEmbedding() error = %v", err)
	}

	h1, _ := s.ContentHash(ctx, "u1", SourceKnowledgeFact, 1)
	h2, _ := s.ContentHash(ctx, "u2", SourceKnowledgeFact, 1)
	if h1 == h2 {
		t.Error("user rows collided on (source_type, source_id)")
	}
}

func TestStoreDeleteBySource(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertEmbedding(ctx, "u1", SourceKnowledgeFact, 3, "to delete"); err != nil {
		t.Fatalf("UpsertEmbedding() error = %v", err)
	}
	if err := s.DeleteBySource(ctx, "u1", SourceKnowledgeFact, 3); err != nil {
		t.Fatalf("DeleteBySource() error = %v", err)
	}

	hash, err := s.ContentHash(ctx, "u1", SourceKnowledgeFact, 3)
	if err != nil {
		t.Fatalf("ContentHash() error = %v", err)
	}
	if hash != "" {
		t.Errorf("ContentHash() after delete = %q, want empty", hash)
	}

	// Deleting a missing row is not an error.
	if err := s.DeleteBySource(ctx, "u1", SourceKnowledgeFact, 99); err != nil {
		t.Errorf("DeleteBySource(missing) error = %v", err)
	}
}

func TestStoreDeleteByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if _, err := s.UpsertEmbedding(ctx, "u1", SourceKnowledgeFact, i, "fact"); err != nil {
			t.Fatalf("UpsertEmbedding() error = %v", err)
		}
	}
	if _, err := s.UpsertEmbedding(ctx, "u1", SourceKnowledgeGoal, 1, "goal"); err != nil {
		t.Fatalf("UpsertEmbedding() error = %v", err)
	}

	if err := s.DeleteByType(ctx, "u1", SourceKnowledgeFact); err != nil {
		t.Fatalf("DeleteByType() error = %v", err)
	}
	counts, err := s.Counts(ctx, "u1")
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts[SourceKnowledgeFact] != 0 || counts[SourceKnowledgeGoal] != 1 {
		t.Errorf("counts = %v, want facts gone and goal kept", counts)
	}
}

func TestStoreBackfillWithoutANN(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.UpsertEmbedding(ctx, "u1", SourceKnowledgeFact, 1, "fact"); err != nil {
		t.Fatalf("UpsertEmbedding() error = %v", err)
	}
	n, err := s.Backfill(ctx)
	if err != nil {
		t.Fatalf("Backfill() error = %v", err)
	}
	if n != 0 {
		t.Errorf("Backfill() = %d without ANN, want 0", n)
	}
}

func TestHashTextStable(t *testing.T) {
	a := HashText("same input")
	b := HashText("same input")
	c := HashText("different input")
	if a != b {
		t.Error("HashText not deterministic")
	}
	if a == c {
		t.Error("HashText collided on different inputs")
	}
	if len(a) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(a))
	}
}
