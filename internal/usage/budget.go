package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/penhold/squire/internal/config"
)

// Budget refusal reasons, surfaced to the user before any provider is
// called.
var (
	ErrRequestTooLarge = errors.New("request exceeds the input token limit")
	ErrHourlyBudget    = errors.New("hourly token budget exhausted")
	ErrDailySpend      = errors.New("daily spend cap reached")
)

// Guard enforces the configured budgets against the ledger. Zero
// limits disable their check.
type Guard struct {
	store   *Store
	budgets config.BudgetsConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewGuard builds a budget guard over the ledger.
func NewGuard(store *Store, budgets config.BudgetsConfig, logger *slog.Logger) *Guard {
	return &Guard{
		store:   store,
		budgets: budgets,
		logger:  logger,
		now:     time.Now,
	}
}

// Check rejects a request that would bust a budget. Ledger read
// failures log a warning and let the request through: a broken meter
// must not silence the assistant.
func (g *Guard) Check(ctx context.Context, userID string, estInputTokens int) error {
	if limit := g.budgets.MaxInputTokens; limit > 0 && estInputTokens > limit {
		return fmt.Errorf("%w: estimated %d tokens, limit %d", ErrRequestTooLarge, estInputTokens, limit)
	}

	now := g.now()

	if limit := g.budgets.UserTokensPerHr; limit > 0 {
		used, err := g.store.UserTokensSince(ctx, userID, now.Add(-time.Hour))
		switch {
		case err != nil:
			g.logger.Warn("hourly budget check failed", "user_id", userID, "error", err)
		case used >= int64(limit):
			return fmt.Errorf("%w: %d tokens used this hour, budget %d", ErrHourlyBudget, used, limit)
		}
	}

	if limit := g.budgets.DailySpendUSD; limit > 0 {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		spent, err := g.store.SpendSince(ctx, midnight)
		switch {
		case err != nil:
			g.logger.Warn("daily spend check failed", "error", err)
		case spent >= limit:
			return fmt.Errorf("%w: $%.2f spent today, cap $%.2f", ErrDailySpend, spent, limit)
		}
	}

	return nil
}
