package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/penhold/squire/internal/prompts"
)

// SummarizeFunc produces a summary from a fully interpolated prompt.
// The daemon wires this to the router so compaction uses whichever
// provider is healthy.
type SummarizeFunc func(ctx context.Context, prompt string) (string, error)

// CompactionConfig controls when automatic compaction kicks in.
type CompactionConfig struct {
	MaxTokens    int     // context budget the session is measured against
	TriggerRatio float64 // compact when the estimate crosses this share
}

// DefaultCompactionConfig returns the stock thresholds.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		MaxTokens:    60000,
		TriggerRatio: 0.7,
	}
}

// Compactor folds a session file down to a single summary turn.
type Compactor struct {
	log       *Log
	summarize SummarizeFunc
	config    CompactionConfig
	logger    *slog.Logger
}

// NewCompactor creates a compactor over the session log.
func NewCompactor(log *Log, summarize SummarizeFunc, config CompactionConfig, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxTokens <= 0 {
		config = DefaultCompactionConfig()
	}
	return &Compactor{
		log:       log,
		summarize: summarize,
		config:    config,
		logger:    logger.With("component", "compactor"),
	}
}

// NeedsCompaction reports whether a session has grown past the
// configured share of the context budget.
func (c *Compactor) NeedsCompaction(key string) bool {
	turns, err := c.log.Recent(key, 0)
	if err != nil {
		return false
	}
	threshold := int(float64(c.config.MaxTokens) * c.config.TriggerRatio)
	return EstimateTokens(turns) > threshold
}

// Compact summarises a session and rewrites its file to the single
// sentinel turn. Sessions that are empty, or already compacted, are
// left alone.
func (c *Compactor) Compact(ctx context.Context, key string) error {
	turns, err := c.log.Recent(key, 0)
	if err != nil {
		return err
	}
	// A compacted session is a single turn, so this also skips
	// re-compacting an already folded file.
	if len(turns) < 2 {
		return nil
	}

	summary, err := c.summarize(ctx, prompts.CompactionPrompt(RenderTranscript(turns)))
	if err != nil {
		return fmt.Errorf("summarize session: %w", err)
	}
	if err := c.log.Compact(key, summary); err != nil {
		return err
	}
	c.logger.Info("session compacted", "session", key, "turns", len(turns))
	return nil
}
