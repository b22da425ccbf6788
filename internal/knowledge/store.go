// Package knowledge provides long-term memory storage: facts, goals,
// and shopping items learned from conversations, deduplicated
// semantically and mirrored into the embedding index for recall.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/penhold/squire/internal/embeddings"
)

// EntityType partitions knowledge items.
type EntityType string

const (
	EntityFact     EntityType = "fact"
	EntityGoal     EntityType = "goal"
	EntityShopping EntityType = "shopping_item"
)

// Fact categories. Facts with an unrecognized category are filed under
// other rather than rejected; losing a fact is worse than misfiling it.
const (
	CategoryName         = "name"
	CategoryLocation     = "location"
	CategoryOccupation   = "occupation"
	CategoryHealth       = "health"
	CategoryMedical      = "medical"
	CategoryFinance      = "finance"
	CategoryHobby        = "hobby"
	CategoryRelationship = "relationship"
	CategoryPreference   = "preference"
	CategoryDeadline     = "deadline"
	CategoryProject      = "project"
	CategoryOther        = "other"
)

var factCategories = map[string]bool{
	CategoryName: true, CategoryLocation: true, CategoryOccupation: true,
	CategoryHealth: true, CategoryMedical: true, CategoryFinance: true,
	CategoryHobby: true, CategoryRelationship: true, CategoryPreference: true,
	CategoryDeadline: true, CategoryProject: true, CategoryOther: true,
}

// NormalizeCategory maps any string onto a known fact category.
func NormalizeCategory(c string) string {
	if factCategories[c] {
		return c
	}
	return CategoryOther
}

// Goal statuses.
const (
	GoalActive    = "active"
	GoalCompleted = "completed"
	GoalAbandoned = "abandoned"
)

// maxContentLen bounds item content; longer input is truncated, not
// rejected.
const maxContentLen = 500

// Item is one knowledge record.
type Item struct {
	ID               int64             `json:"id"`
	UserID           string            `json:"user_id"`
	EntityType       EntityType        `json:"entity_type"`
	Content          string            `json:"content"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Confidence       float64           `json:"confidence"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	LastReferencedAt time.Time         `json:"last_referenced_at,omitempty"` // zero when never surfaced
	SourceSession    string            `json:"source_session,omitempty"`
	EmbeddingID      int64             `json:"embedding_id,omitempty"` // zero when not embedded
}

// Category returns the fact category, or "" for non-facts.
func (i *Item) Category() string { return i.Metadata["category"] }

// GoalStatus returns the goal status, or "" for non-goals.
func (i *Item) GoalStatus() string { return i.Metadata["status"] }

// Description returns the optional goal description.
func (i *Item) Description() string { return i.Metadata["description"] }

// Index is the slice of the embedding store the knowledge store needs:
// nearness checks for dedup and keeping the mirror rows in sync.
type Index interface {
	ANNAvailable() bool
	Embed(ctx context.Context, text string) ([]float32, error)
	SearchVector(ctx context.Context, userID, sourceType string, vec []float32, limit int, recencyBoost bool) ([]embeddings.Match, error)
	UpsertVector(ctx context.Context, userID, sourceType string, sourceID int64, text string, vec []float32) (int64, error)
	DeleteBySource(ctx context.Context, userID, sourceType string, sourceID int64) error
}

// Store manages knowledge item persistence.
type Store struct {
	db        *sql.DB
	index     Index
	threshold float64
	logger    *slog.Logger
}

// NewStore creates a knowledge store using an existing database
// connection. threshold is the cosine distance below which two facts
// of the same category are considered the same fact.
func NewStore(db *sql.DB, index Index, threshold float64, logger *slog.Logger) (*Store, error) {
	if threshold <= 0 {
		threshold = 0.15
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:        db,
		index:     index,
		threshold: threshold,
		logger:    logger.With("component", "knowledge"),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS knowledge_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			confidence REAL NOT NULL DEFAULT 1.0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			last_referenced_at TEXT,
			source_session TEXT,
			embedding_id INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_knowledge_user_type ON knowledge_items(user_id, entity_type);
		CREATE INDEX IF NOT EXISTS idx_knowledge_updated ON knowledge_items(updated_at DESC);
	`)
	return err
}

// sourceTypeFor maps an entity type onto its embedding source type, or
// "" for types that are not embedded.
func sourceTypeFor(et EntityType) string {
	switch et {
	case EntityFact:
		return embeddings.SourceKnowledgeFact
	case EntityGoal:
		return embeddings.SourceKnowledgeGoal
	default:
		return ""
	}
}

// clampContent enforces the content length bound without splitting a
// multi-byte rune.
func clampContent(content string) string {
	runes := []rune(content)
	if len(runes) <= maxContentLen {
		return content
	}
	return string(runes[:maxContentLen])
}

func clampConfidence(c float64) float64 {
	if c <= 0 {
		return 1.0
	}
	if c > 1 {
		return 1.0
	}
	return c
}

// AddItem inserts one item and mirrors it into the embedding index.
// Returns the new row id. An embedding failure does not fail the
// insert; the nightly reindex heals the gap.
func (s *Store) AddItem(ctx context.Context, userID string, et EntityType, content string, metadata map[string]string) (int64, error) {
	if content == "" {
		return 0, fmt.Errorf("content must not be empty")
	}
	metadata = normalizeMetadata(et, metadata)
	id, err := s.insert(ctx, userID, et, clampContent(content), metadata, 1.0, "")
	if err != nil {
		return 0, err
	}
	s.embedItem(ctx, userID, et, id, clampContent(content), nil)
	return id, nil
}

// normalizeMetadata fills required metadata defaults per entity type.
func normalizeMetadata(et EntityType, metadata map[string]string) map[string]string {
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	switch et {
	case EntityFact:
		out["category"] = NormalizeCategory(out["category"])
	case EntityGoal:
		if out["status"] == "" {
			out["status"] = GoalActive
		}
	}
	return out
}

func (s *Store) insert(ctx context.Context, userID string, et EntityType, content string, metadata map[string]string, confidence float64, sessionKey string) (int64, error) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	var session any
	if sessionKey != "" {
		session = sessionKey
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_items (user_id, entity_type, content, metadata, confidence, created_at, updated_at, source_session)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, userID, et, content, string(metaJSON), clampConfidence(confidence), now, now, session)
	if err != nil {
		return 0, fmt.Errorf("insert item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert item id: %w", err)
	}
	return id, nil
}

// embedItem mirrors an item into the embedding index and records the
// resulting embedding id. vec, when non-nil, is reused instead of
// embedding content again. Failures are logged, never returned.
func (s *Store) embedItem(ctx context.Context, userID string, et EntityType, id int64, content string, vec []float32) {
	sourceType := sourceTypeFor(et)
	if sourceType == "" || s.index == nil {
		return
	}
	var err error
	if vec == nil {
		vec, err = s.index.Embed(ctx, content)
		if err != nil {
			s.logger.Warn("embedding failed, item stored without index entry", "item", id, "error", err)
			return
		}
	}
	embID, err := s.index.UpsertVector(ctx, userID, sourceType, id, content, vec)
	if err != nil {
		s.logger.Warn("embedding upsert failed", "item", id, "error", err)
		return
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE knowledge_items SET embedding_id = ? WHERE id = ?`, embID, id); err != nil {
		s.logger.Warn("recording embedding id failed", "item", id, "error", err)
	}
}

// GetByType returns a user's items of one type, newest first. limit <= 0
// means no limit; minConfidence filters out low-confidence rows.
func (s *Store) GetByType(ctx context.Context, userID string, et EntityType, limit int, minConfidence float64) ([]*Item, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, entity_type, content, metadata, confidence, created_at, updated_at, last_referenced_at, source_session, embedding_id
		FROM knowledge_items
		WHERE user_id = ? AND entity_type = ? AND confidence >= ?
		ORDER BY updated_at DESC
		LIMIT ?
	`, userID, et, minConfidence, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// Get returns one item by id, or nil when absent.
func (s *Store) Get(ctx context.Context, userID string, id int64) (*Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, entity_type, content, metadata, confidence, created_at, updated_at, last_referenced_at, source_session, embedding_id
		FROM knowledge_items
		WHERE user_id = ? AND id = ?
	`, userID, id)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	items, err := scanItems(rows)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return items[0], nil
}

// KeywordSearch returns items whose content contains query,
// case-insensitively, most recently updated first. The memory injector
// uses this when similarity search comes back empty.
func (s *Store) KeywordSearch(ctx context.Context, userID string, et EntityType, query string, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 5
	}
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, entity_type, content, metadata, confidence, created_at, updated_at, last_referenced_at, source_session, embedding_id
		FROM knowledge_items
		WHERE user_id = ? AND entity_type = ? AND content LIKE ?
		ORDER BY updated_at DESC
		LIMIT ?
	`, userID, et, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// Update overwrites content and/or metadata of one item. Empty content
// and nil metadata each mean "leave unchanged". Returns false when the
// item does not exist. A content change on an embedded type re-embeds.
func (s *Store) Update(ctx context.Context, userID string, id int64, content string, metadata map[string]string) (bool, error) {
	item, err := s.Get(ctx, userID, id)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}

	newContent := item.Content
	if content != "" {
		newContent = clampContent(content)
	}
	newMeta := item.Metadata
	if metadata != nil {
		newMeta = normalizeMetadata(item.EntityType, metadata)
	}
	metaJSON, err := json.Marshal(newMeta)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	if _, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_items SET content = ?, metadata = ?, updated_at = ? WHERE user_id = ? AND id = ?
	`, newContent, string(metaJSON), now, userID, id); err != nil {
		return false, fmt.Errorf("update item: %w", err)
	}

	if newContent != item.Content {
		s.embedItem(ctx, userID, item.EntityType, id, newContent, nil)
	}
	return true, nil
}

// Delete removes one item and its embedding row. Returns false when
// the item does not exist.
func (s *Store) Delete(ctx context.Context, userID string, id int64) (bool, error) {
	item, err := s.Get(ctx, userID, id)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}

	// Embedding first: a knowledge row without its embedding is a gap
	// the reindex heals, but an embedding without its row is an orphan
	// nothing cleans up.
	if sourceType := sourceTypeFor(item.EntityType); sourceType != "" && s.index != nil {
		if err := s.index.DeleteBySource(ctx, userID, sourceType, id); err != nil {
			return false, fmt.Errorf("delete embedding: %w", err)
		}
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_items WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// TouchReferenced stamps last_referenced_at on the given items. The
// memory injector calls this for every item it surfaces so the summary
// can report which memories actually get used.
func (s *Store) TouchReferenced(ctx context.Context, userID string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE knowledge_items SET last_referenced_at = ? WHERE user_id = ? AND id = ?`,
			now, userID, id); err != nil {
			return fmt.Errorf("touch item %d: %w", id, err)
		}
	}
	return nil
}

// Summary aggregates a user's memory for the memory_summary tool and
// the daily briefing.
type Summary struct {
	TotalFacts     int            `json:"total_facts"`
	TotalGoals     int            `json:"total_goals"`
	FactsLast7Days int            `json:"facts_last_7_days"`
	Categories     map[string]int `json:"categories"`
	OldestFact     string         `json:"oldest_fact,omitempty"`
	OldestFactAt   time.Time      `json:"oldest_fact_at,omitempty"`
	StaleFacts     int            `json:"stale_facts"` // never referenced, or not in 90 days
}

// MemorySummary computes the memory overview for one user.
func (s *Store) MemorySummary(ctx context.Context, userID string) (*Summary, error) {
	sum := &Summary{Categories: make(map[string]int)}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge_items WHERE user_id = ? AND entity_type = ?`,
		userID, EntityFact).Scan(&sum.TotalFacts)
	if err != nil {
		return nil, fmt.Errorf("count facts: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge_items WHERE user_id = ? AND entity_type = ?`,
		userID, EntityGoal).Scan(&sum.TotalGoals)
	if err != nil {
		return nil, fmt.Errorf("count goals: %w", err)
	}

	weekAgo := time.Now().UTC().AddDate(0, 0, -7).Format(time.RFC3339)
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge_items WHERE user_id = ? AND entity_type = ? AND created_at >= ?`,
		userID, EntityFact, weekAgo).Scan(&sum.FactsLast7Days)
	if err != nil {
		return nil, fmt.Errorf("count recent facts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT metadata, COUNT(*) FROM knowledge_items
		WHERE user_id = ? AND entity_type = ?
		GROUP BY metadata
	`, userID, EntityFact)
	if err != nil {
		return nil, fmt.Errorf("category histogram: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var metaJSON string
		var n int
		if err := rows.Scan(&metaJSON, &n); err != nil {
			return nil, err
		}
		var meta map[string]string
		_ = json.Unmarshal([]byte(metaJSON), &meta)
		sum.Categories[NormalizeCategory(meta["category"])] += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var content, createdStr string
	err = s.db.QueryRowContext(ctx, `
		SELECT content, created_at FROM knowledge_items
		WHERE user_id = ? AND entity_type = ?
		ORDER BY created_at ASC LIMIT 1
	`, userID, EntityFact).Scan(&content, &createdStr)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("oldest fact: %w", err)
	}
	if err == nil {
		sum.OldestFact = content
		sum.OldestFactAt, _ = time.Parse(time.RFC3339, createdStr)
	}

	staleCutoff := time.Now().UTC().AddDate(0, 0, -90).Format(time.RFC3339)
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM knowledge_items
		WHERE user_id = ? AND entity_type = ?
		AND (last_referenced_at IS NULL OR last_referenced_at < ?)
	`, userID, EntityFact, staleCutoff).Scan(&sum.StaleFacts)
	if err != nil {
		return nil, fmt.Errorf("count stale: %w", err)
	}

	return sum, nil
}

func scanItems(rows *sql.Rows) ([]*Item, error) {
	var items []*Item
	for rows.Next() {
		var it Item
		var et, metaJSON, createdStr, updatedStr string
		var referencedStr, session sql.NullString
		var embID sql.NullInt64

		err := rows.Scan(&it.ID, &it.UserID, &et, &it.Content, &metaJSON, &it.Confidence,
			&createdStr, &updatedStr, &referencedStr, &session, &embID)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}

		it.EntityType = EntityType(et)
		if err := json.Unmarshal([]byte(metaJSON), &it.Metadata); err != nil {
			it.Metadata = map[string]string{}
		}
		it.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		it.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
		if referencedStr.Valid {
			it.LastReferencedAt, _ = time.Parse(time.RFC3339, referencedStr.String)
		}
		if session.Valid {
			it.SourceSession = session.String
		}
		if embID.Valid {
			it.EmbeddingID = embID.Int64
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}
