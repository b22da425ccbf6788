package embeddings

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Source types for embedding rows. Rows with a knowledge_* source type
// mirror a row in the knowledge store; file_chunk rows mirror indexed
// project files.
const (
	SourceKnowledgeFact = "knowledge_fact"
	SourceKnowledgeGoal = "knowledge_goal"
	SourceFileChunk     = "file_chunk"
)

// recency boost: matches younger than the window get their distance
// reduced by the factor, nudging fresh memories ahead of near-ties.
const (
	recencyBoostWindow = 7 * 24 * time.Hour
	recencyBoostFactor = 0.05
)

// Store generates and persists embeddings. Vectors land in a metadata
// table as little-endian float32 blobs alongside their source text;
// when the sqlite-vec extension is loaded, a vec0 virtual table mirrors
// them under the same rowid for ANN search. Without the extension,
// writes still succeed and searches return nothing, which pushes
// callers onto their keyword fallback.
type Store struct {
	db     *sql.DB
	client *Client
	logger *slog.Logger
	ann    bool
}

// Match is one similarity search hit. Distance is cosine distance:
// 0 identical, 1 orthogonal, 2 opposite.
type Match struct {
	ID          int64
	SourceType  string
	SourceID    int64
	ContentText string
	Distance    float64
	CreatedAt   time.Time
}

// NewStore creates an embedding store on an existing database
// connection. client supplies vector generation and fixes the expected
// dimensions.
func NewStore(db *sql.DB, client *Client, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		client: client,
		logger: logger.With("component", "embeddings"),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s.ann = s.probeVec()
	if s.ann {
		if err := s.migrateVec(); err != nil {
			s.logger.Warn("vec index creation failed, similarity search disabled", "error", err)
			s.ann = false
		}
	} else {
		s.logger.Warn("sqlite-vec extension not loaded, similarity search disabled")
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS embeddings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			source_type TEXT NOT NULL,
			source_id INTEGER NOT NULL,
			content_text TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			vector BLOB NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(user_id, source_type, source_id)
		);

		CREATE INDEX IF NOT EXISTS idx_embeddings_source ON embeddings(user_id, source_type, source_id);
	`)
	return err
}

// probeVec reports whether the sqlite-vec extension is available on
// this connection.
func (s *Store) probeVec() bool {
	var version string
	if err := s.db.QueryRow(`SELECT vec_version()`).Scan(&version); err != nil {
		return false
	}
	s.logger.Debug("sqlite-vec available", "version", version)
	return true
}

func (s *Store) migrateVec() error {
	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS vec_embeddings USING vec0(
			embedding float[%d]
		);
	`, s.client.Dimensions()))
	return err
}

// ANNAvailable reports whether similarity search is operational.
func (s *Store) ANNAvailable() bool { return s.ann }

// Embed generates the normalized vector for text.
func (s *Store) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.client.Embed(ctx, text)
}

// UpsertEmbedding embeds text and stores the vector for
// (user, sourceType, sourceID), replacing any previous one. Returns the
// embedding row id.
func (s *Store) UpsertEmbedding(ctx context.Context, userID, sourceType string, sourceID int64, text string) (int64, error) {
	vec, err := s.client.Embed(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("embed: %w", err)
	}
	return s.UpsertVector(ctx, userID, sourceType, sourceID, text, vec)
}

// UpsertVector stores a precomputed vector. Callers that already
// embedded the text for nearness checks use this to avoid a second
// round-trip to the embedding model.
func (s *Store) UpsertVector(ctx context.Context, userID, sourceType string, sourceID int64, text string, vec []float32) (int64, error) {
	if len(vec) != s.client.Dimensions() {
		return 0, fmt.Errorf("vector has %d dimensions, want %d", len(vec), s.client.Dimensions())
	}
	blob := EncodeVector(Normalize(vec))
	now := time.Now().UTC().Format(time.RFC3339)
	hash := HashText(text)

	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM embeddings WHERE user_id = ? AND source_type = ? AND source_id = ?`,
		userID, sourceType, sourceID).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO embeddings (user_id, source_type, source_id, content_text, content_hash, model, vector, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, userID, sourceType, sourceID, text, hash, s.client.Model(), blob, now)
		if err != nil {
			return 0, fmt.Errorf("insert embedding: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("insert embedding id: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("check existing: %w", err)
	default:
		if _, err := s.db.ExecContext(ctx, `
			UPDATE embeddings SET content_text = ?, content_hash = ?, model = ?, vector = ?, created_at = ?
			WHERE id = ?
		`, text, hash, s.client.Model(), blob, now, id); err != nil {
			return 0, fmt.Errorf("update embedding: %w", err)
		}
	}

	if !s.ann {
		return id, nil
	}
	// vec0 has no upsert; delete then insert under the metadata rowid.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vec_embeddings WHERE rowid = ?`, id); err != nil {
		return 0, fmt.Errorf("clear vec row: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO vec_embeddings (rowid, embedding) VALUES (?, ?)`, id, blob); err != nil {
		return 0, fmt.Errorf("insert vec row: %w", err)
	}
	return id, nil
}

// SearchSimilarForType embeds query and returns the closest stored
// rows of one source type, ordered by ascending cosine distance. With
// recencyBoost set, matches from the last week rank slightly closer.
// Without the ANN index it returns nothing.
func (s *Store) SearchSimilarForType(ctx context.Context, userID, query, sourceType string, limit int, recencyBoost bool) ([]Match, error) {
	if !s.ann {
		return nil, nil
	}
	vec, err := s.client.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.SearchVector(ctx, userID, sourceType, vec, limit, recencyBoost)
}

// SearchSimilar is SearchSimilarForType across every source type.
func (s *Store) SearchSimilar(ctx context.Context, userID, query string, limit int) ([]Match, error) {
	return s.SearchSimilarForType(ctx, userID, query, "", limit, false)
}

// SearchVector searches with a precomputed query vector. sourceType ""
// matches all types.
func (s *Store) SearchVector(ctx context.Context, userID, sourceType string, vec []float32, limit int, recencyBoost bool) ([]Match, error) {
	if !s.ann {
		return nil, nil
	}
	if len(vec) != s.client.Dimensions() {
		return nil, fmt.Errorf("query has %d dimensions, want %d", len(vec), s.client.Dimensions())
	}
	if limit <= 0 {
		limit = 5
	}
	blob := EncodeVector(Normalize(vec))

	// Over-fetch when boosting recency so a fresh row just outside the
	// cutoff can still make the final list.
	fetch := limit
	if recencyBoost {
		fetch = limit * 3
	}

	var rows *sql.Rows
	var err error
	if sourceType == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT e.id, e.source_type, e.source_id, e.content_text, e.created_at,
			       vec_distance_cosine(v.embedding, ?) AS distance
			FROM vec_embeddings v
			JOIN embeddings e ON e.id = v.rowid
			WHERE e.user_id = ?
			ORDER BY distance ASC
			LIMIT ?`, blob, userID, fetch)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT e.id, e.source_type, e.source_id, e.content_text, e.created_at,
			       vec_distance_cosine(v.embedding, ?) AS distance
			FROM vec_embeddings v
			JOIN embeddings e ON e.id = v.rowid
			WHERE e.user_id = ? AND e.source_type = ?
			ORDER BY distance ASC
			LIMIT ?`, blob, userID, sourceType, fetch)
	}
	if err != nil {
		return nil, fmt.Errorf("vec search: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var createdStr string
		if err := rows.Scan(&m.ID, &m.SourceType, &m.SourceID, &m.ContentText, &createdStr, &m.Distance); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if recencyBoost {
		cutoff := time.Now().UTC().Add(-recencyBoostWindow)
		for i := range matches {
			if matches[i].CreatedAt.After(cutoff) {
				matches[i].Distance -= recencyBoostFactor
			}
		}
		sort.SliceStable(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// DeleteBySource removes the embedding mirroring one source row.
// Stores for embedded content call this from their own delete paths so
// the index never points at a missing row.
func (s *Store) DeleteBySource(ctx context.Context, userID, sourceType string, sourceID int64) error {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM embeddings WHERE user_id = ? AND source_type = ? AND source_id = ?`,
		userID, sourceType, sourceID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup embedding: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete embedding: %w", err)
	}
	if s.ann {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM vec_embeddings WHERE rowid = ?`, id); err != nil {
			return fmt.Errorf("delete vec row: %w", err)
		}
	}
	return nil
}

// DeleteByType removes every embedding of one source type for a user.
// The reindex job uses this before a full rebuild.
func (s *Store) DeleteByType(ctx context.Context, userID, sourceType string) error {
	if s.ann {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM vec_embeddings WHERE rowid IN
				(SELECT id FROM embeddings WHERE user_id = ? AND source_type = ?)
		`, userID, sourceType); err != nil {
			return fmt.Errorf("delete vec rows: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE user_id = ? AND source_type = ?`, userID, sourceType); err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	return nil
}

// ContentHash returns the stored text hash for one source row, or ""
// when no embedding exists. The reindex job compares hashes to skip
// unchanged content.
func (s *Store) ContentHash(ctx context.Context, userID, sourceType string, sourceID int64) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT content_hash FROM embeddings WHERE user_id = ? AND source_type = ? AND source_id = ?`,
		userID, sourceType, sourceID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup hash: %w", err)
	}
	return hash, nil
}

// Backfill repopulates the vec index from stored blobs. A database
// restored from a plain-table backup loses the virtual table contents,
// and rows written while the extension was missing are unindexed; the
// reindex job runs this to catch both cases.
func (s *Store) Backfill(ctx context.Context) (int, error) {
	if !s.ann {
		return 0, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, vector FROM embeddings
		WHERE id NOT IN (SELECT rowid FROM vec_embeddings)
	`)
	if err != nil {
		return 0, fmt.Errorf("query unindexed: %w", err)
	}
	defer rows.Close()

	type pending struct {
		id   int64
		blob []byte
	}
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.blob); err != nil {
			return 0, fmt.Errorf("scan unindexed: %w", err)
		}
		todo = append(todo, p)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, p := range todo {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO vec_embeddings (rowid, embedding) VALUES (?, ?)`, p.id, p.blob); err != nil {
			return 0, fmt.Errorf("backfill row %d: %w", p.id, err)
		}
	}
	return len(todo), nil
}

// Counts returns the number of stored embeddings per source type for a
// user.
func (s *Store) Counts(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_type, COUNT(*) FROM embeddings WHERE user_id = ? GROUP BY source_type`, userID)
	if err != nil {
		return nil, fmt.Errorf("count: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		counts[typ] = n
	}
	return counts, rows.Err()
}
