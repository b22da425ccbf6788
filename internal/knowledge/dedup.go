package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// candidateLimit is how many nearest neighbours the merge check
// considers before giving up and inserting.
const candidateLimit = 5

// Incoming is one extracted item on its way into the store.
type Incoming struct {
	EntityType EntityType        `json:"entity_type"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
}

// UpsertResult reports what a batch upsert actually did.
type UpsertResult struct {
	Inserted int     `json:"inserted"`
	Merged   int     `json:"merged"`
	Skipped  int     `json:"skipped"`
	IDs      []int64 `json:"ids,omitempty"`
}

// Upsert stores a batch of extracted items, deduplicating each one.
//
// An exact content match (case-insensitive, same entity type) is
// always a skip. Facts additionally get a semantic check: when a
// stored fact of the same category sits within the merge threshold,
// the new wording supersedes it in place, keeping the row id so
// references stay valid. Everything else is a plain insert.
//
// Items that fail individually are skipped, not fatal; one bad
// extraction must not sink the rest of the batch.
func (s *Store) Upsert(ctx context.Context, userID string, items []Incoming, sessionKey string) (*UpsertResult, error) {
	result := &UpsertResult{}
	for _, in := range items {
		id, outcome, err := s.upsertOne(ctx, userID, in, sessionKey)
		if err != nil {
			s.logger.Warn("upsert item failed", "entity_type", in.EntityType, "error", err)
			result.Skipped++
			continue
		}
		switch outcome {
		case outcomeInserted:
			result.Inserted++
			result.IDs = append(result.IDs, id)
		case outcomeMerged:
			result.Merged++
			result.IDs = append(result.IDs, id)
		case outcomeSkipped:
			result.Skipped++
		}
	}
	return result, nil
}

type upsertOutcome int

const (
	outcomeInserted upsertOutcome = iota
	outcomeMerged
	outcomeSkipped
)

func (s *Store) upsertOne(ctx context.Context, userID string, in Incoming, sessionKey string) (int64, upsertOutcome, error) {
	if in.Content == "" {
		return 0, outcomeSkipped, fmt.Errorf("empty content")
	}
	switch in.EntityType {
	case EntityFact, EntityGoal, EntityShopping:
	default:
		return 0, outcomeSkipped, fmt.Errorf("unknown entity type %q", in.EntityType)
	}

	content := clampContent(in.Content)
	metadata := normalizeMetadata(in.EntityType, in.Metadata)

	dupID, err := s.exactMatch(ctx, userID, in.EntityType, content)
	if err != nil {
		return 0, outcomeSkipped, err
	}
	if dupID != 0 {
		return dupID, outcomeSkipped, nil
	}

	if in.EntityType == EntityFact {
		if id, merged, err := s.mergeNearDuplicate(ctx, userID, content, metadata, in.Confidence, sessionKey); err != nil {
			s.logger.Warn("near-duplicate check failed, inserting instead", "error", err)
		} else if merged {
			return id, outcomeMerged, nil
		}
	}

	id, err := s.insert(ctx, userID, in.EntityType, content, metadata, in.Confidence, sessionKey)
	if err != nil {
		return 0, outcomeSkipped, err
	}
	s.embedItem(ctx, userID, in.EntityType, id, content, nil)
	return id, outcomeInserted, nil
}

// exactMatch returns the id of an existing item with identical content
// (ignoring case) and the same entity type, or 0.
func (s *Store) exactMatch(ctx context.Context, userID string, et EntityType, content string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM knowledge_items
		WHERE user_id = ? AND entity_type = ? AND lower(content) = lower(?)
		LIMIT 1
	`, userID, et, content).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("exact match: %w", err)
	}
	return id, nil
}

// mergeNearDuplicate looks for a stored fact close enough in meaning
// and category to be the same fact, and rewrites it in place when
// found. Returns the surviving row id. Without a working vector index
// there is nothing to compare against, so the caller inserts.
func (s *Store) mergeNearDuplicate(ctx context.Context, userID, content string, metadata map[string]string, confidence float64, sessionKey string) (int64, bool, error) {
	if s.index == nil || !s.index.ANNAvailable() {
		return 0, false, nil
	}
	vec, err := s.index.Embed(ctx, content)
	if err != nil {
		return 0, false, fmt.Errorf("embed: %w", err)
	}
	matches, err := s.index.SearchVector(ctx, userID, sourceTypeFor(EntityFact), vec, candidateLimit, false)
	if err != nil {
		return 0, false, fmt.Errorf("search: %w", err)
	}

	for _, m := range matches {
		if m.Distance >= s.threshold {
			break // ordered by distance, nothing closer follows
		}
		existing, err := s.Get(ctx, userID, m.SourceID)
		if err != nil || existing == nil {
			continue
		}
		if !strings.EqualFold(existing.Category(), metadata["category"]) {
			continue
		}
		if err := s.supersede(ctx, userID, existing.ID, content, metadata, confidence, sessionKey, vec); err != nil {
			return 0, false, err
		}
		s.logger.Debug("merged near-duplicate fact",
			"item", existing.ID, "distance", m.Distance, "category", metadata["category"])
		return existing.ID, true, nil
	}
	return 0, false, nil
}

// supersede rewrites an existing fact with fresher wording. The row id
// is preserved and its embedding recomputed from the new content.
func (s *Store) supersede(ctx context.Context, userID string, id int64, content string, metadata map[string]string, confidence float64, sessionKey string, vec []float32) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	var session any
	if sessionKey != "" {
		session = sessionKey
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_items
		SET content = ?, metadata = ?, confidence = ?, updated_at = ?, source_session = COALESCE(?, source_session)
		WHERE user_id = ? AND id = ?
	`, content, string(metaJSON), clampConfidence(confidence), now, session, userID, id); err != nil {
		return fmt.Errorf("supersede: %w", err)
	}

	s.embedItem(ctx, userID, EntityFact, id, content, vec)
	return nil
}

// Reindex re-embeds every fact and goal missing an index entry.
// Returns the number of items healed. The overnight maintenance job
// runs this so embedding outages stay temporary.
func (s *Store) Reindex(ctx context.Context, userID string) (int, error) {
	if s.index == nil || !s.index.ANNAvailable() {
		return 0, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, content FROM knowledge_items
		WHERE user_id = ? AND entity_type IN (?, ?) AND embedding_id IS NULL
	`, userID, EntityFact, EntityGoal)
	if err != nil {
		return 0, fmt.Errorf("query unindexed: %w", err)
	}
	type pending struct {
		id      int64
		et      EntityType
		content string
	}
	var todo []pending
	for rows.Next() {
		var p pending
		var et string
		if err := rows.Scan(&p.id, &et, &p.content); err != nil {
			rows.Close()
			return 0, err
		}
		p.et = EntityType(et)
		todo = append(todo, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	healed := 0
	for _, p := range todo {
		before := s.embeddingID(ctx, p.id)
		s.embedItem(ctx, userID, p.et, p.id, p.content, nil)
		if s.embeddingID(ctx, p.id) != before {
			healed++
		}
	}
	return healed, nil
}

func (s *Store) embeddingID(ctx context.Context, id int64) int64 {
	var embID sql.NullInt64
	_ = s.db.QueryRowContext(ctx, `SELECT embedding_id FROM knowledge_items WHERE id = ?`, id).Scan(&embID)
	return embID.Int64
}
