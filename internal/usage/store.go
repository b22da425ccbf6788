// Package usage provides persistent token usage and cost tracking for
// provider calls. Records are append-only and indexed by timestamp and
// user for the budget queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/penhold/squire/internal/config"
	"github.com/penhold/squire/internal/llm"
)

// Kinds of work a record can be attributed to.
const (
	KindInteractive = "interactive" // a user message
	KindScheduled   = "scheduled"   // a proactive fire
	KindAuxiliary   = "auxiliary"   // classification, compaction, embedding prompts
)

// Record is one provider call's token usage and cost.
type Record struct {
	ID         string
	Timestamp  time.Time
	RequestID  string
	UserID     string
	SessionKey string
	Model      string
	Provider   string
	Category   string // classifier verdict that routed the call
	Kind       string

	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
	CostUSD             float64
}

// Summary holds aggregated token and cost totals.
type Summary struct {
	TotalRecords      int     `json:"total_records"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
}

// Store is an append-only ledger over the shared database connection.
type Store struct {
	db *sql.DB
}

// NewStore creates the ledger and its schema.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		request_id      TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		session_key     TEXT,
		model           TEXT NOT NULL,
		provider        TEXT NOT NULL,
		category        TEXT,
		kind            TEXT NOT NULL,
		input_tokens    INTEGER NOT NULL,
		output_tokens   INTEGER NOT NULL,
		cache_creation  INTEGER NOT NULL DEFAULT 0,
		cache_read      INTEGER NOT NULL DEFAULT 0,
		cost_usd        REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_user_time ON usage_records(user_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Add persists a record. A missing ID gets a UUIDv7; a zero Timestamp
// gets now.
func (s *Store) Add(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Kind == "" {
		rec.Kind = KindInteractive
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, request_id, user_id, session_key, model, provider, category, kind,
			 input_tokens, output_tokens, cache_creation, cache_read, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.RequestID,
		rec.UserID,
		rec.SessionKey,
		rec.Model,
		rec.Provider,
		rec.Category,
		rec.Kind,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CacheCreationTokens,
		rec.CacheReadTokens,
		rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

// SummaryByCategory returns per-category totals for records within [start, end).
func (s *Store) SummaryByCategory(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "category", start, end)
}

// SummaryByKind returns per-kind totals for records within [start, end).
func (s *Store) SummaryByKind(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "kind", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column is a compile-time constant from our own methods, never
	// caller input.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY SUM(cost_usd) DESC`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// UserTokensSince sums a user's input+output tokens for records at or
// after since. The hourly budget check uses a one-hour window.
func (s *Store) UserTokensSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens + output_tokens), 0)
		 FROM usage_records
		 WHERE user_id = ? AND timestamp >= ?`,
		userID, since.UTC().Format(time.RFC3339),
	)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("query user tokens: %w", err)
	}
	return total, nil
}

// SpendSince sums cost across all users for records at or after since.
func (s *Store) SpendSince(ctx context.Context, since time.Time) (float64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records WHERE timestamp >= ?`,
		since.UTC().Format(time.RFC3339),
	)
	var total float64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("query spend: %w", err)
	}
	return total, nil
}

// ComputeCost calculates USD cost for a call from the per-million
// pricing table. Unlisted models are free (local models).
func ComputeCost(model string, u llm.Usage, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(u.InputTokens+u.CacheCreationTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(u.OutputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}
