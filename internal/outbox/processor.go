package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/penhold/squire/internal/events"
)

// Transport delivers one message to the chat platform and returns the
// platform's id for it. Implementations must be safe for sequential
// reuse; the processor never calls them concurrently.
type Transport interface {
	SendMessage(ctx context.Context, chatKey, body, replyTo, parseMode string) (string, error)
}

const (
	defaultPollInterval = time.Second
	defaultRetention    = 7 * 24 * time.Hour
	cleanupEvery        = time.Hour
	drainBatchSize      = 100
)

// Processor drains the queue: a single worker walks pending rows in id
// order, so messages within a chat always leave in enqueue order.
type Processor struct {
	store     *Store
	transport Transport
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger

	lastCleanup time.Time
}

// NewProcessor creates a queue processor. interval <= 0 polls every
// second; rows in a terminal state are kept for seven days.
func NewProcessor(store *Store, transport Transport, interval time.Duration, logger *slog.Logger) *Processor {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:     store,
		transport: transport,
		interval:  interval,
		retention: defaultRetention,
		logger:    logger.With("component", "outbox"),
	}
}

// Start replays interrupted deliveries and runs the polling loop until
// ctx is cancelled. It blocks.
func (p *Processor) Start(ctx context.Context) {
	replayed, err := p.store.ReplayOnStartup(ctx)
	if err != nil {
		p.logger.Error("replay of in-flight messages failed", "error", err)
	} else if replayed > 0 {
		p.logger.Info("requeued messages interrupted mid-delivery", "count", replayed)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Drain(ctx)
			p.maybeCleanup(ctx)
		}
	}
}

// Drain delivers one batch of pending messages, oldest first, stopping
// early if ctx ends. When a delivery fails, the rest of that chat's
// messages are skipped this round so enqueue order inside a chat is
// preserved; other chats keep flowing. Requeued rows are retried on the
// next tick, which gives a natural pause between attempts.
func (p *Processor) Drain(ctx context.Context) {
	batch, err := p.store.PendingBatch(ctx, drainBatchSize)
	if err != nil {
		p.logger.Error("queue poll failed", "error", err)
		return
	}

	blocked := make(map[string]bool)
	for _, m := range batch {
		if ctx.Err() != nil {
			return
		}
		if blocked[m.ChatKey] {
			continue
		}
		if !p.deliver(ctx, m) {
			blocked[m.ChatKey] = true
		}
	}
}

func (p *Processor) deliver(ctx context.Context, m *Message) bool {
	claimed, err := p.store.MarkSending(ctx, m.ID)
	if err != nil {
		p.logger.Error("claim failed", "id", m.ID, "error", err)
		return false
	}
	if !claimed {
		// Someone else resolved the row since the batch was read.
		return true
	}

	transportID, err := p.transport.SendMessage(ctx, m.ChatKey, m.Body, m.ReplyTo, m.ParseMode)
	if err != nil {
		p.handleFailure(ctx, m, err)
		return false
	}

	if err := p.store.MarkSent(ctx, m.ID, transportID); err != nil {
		p.logger.Error("delivered but could not mark sent", "id", m.ID, "error", err)
		return false
	}
	p.logger.Debug("message delivered",
		"id", m.ID,
		"chat", m.ChatKey,
		"transport_id", transportID,
	)
	p.store.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceOutbox,
		Kind:      events.KindDelivered,
		Data:      map[string]any{"queue_id": m.ID, "chat": m.ChatKey, "attempts": m.RetryCount + 1},
	})
	return true
}

func (p *Processor) handleFailure(ctx context.Context, m *Message, sendErr error) {
	if m.RetryCount+1 >= m.MaxRetries {
		p.logger.Warn("message failed permanently",
			"id", m.ID,
			"chat", m.ChatKey,
			"attempts", m.RetryCount+1,
			"error", sendErr,
		)
		if err := p.store.MarkFailed(ctx, m.ID, sendErr.Error()); err != nil {
			p.logger.Error("could not mark failed", "id", m.ID, "error", err)
		}
		p.store.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceOutbox,
			Kind:      events.KindDeliveryFailed,
			Data:      map[string]any{"queue_id": m.ID, "chat": m.ChatKey, "error": sendErr.Error()},
		})
		return
	}

	p.logger.Warn("delivery failed, will retry",
		"id", m.ID,
		"chat", m.ChatKey,
		"attempt", m.RetryCount+1,
		"error", sendErr,
	)
	if err := p.store.Requeue(ctx, m.ID, sendErr.Error()); err != nil {
		p.logger.Error("could not requeue", "id", m.ID, "error", err)
	}
}

func (p *Processor) maybeCleanup(ctx context.Context) {
	if time.Since(p.lastCleanup) < cleanupEvery {
		return
	}
	p.lastCleanup = time.Now()

	deleted, err := p.store.CleanupOld(ctx, p.retention)
	if err != nil {
		p.logger.Warn("queue cleanup failed", "error", err)
		return
	}
	if deleted > 0 {
		p.logger.Debug("cleaned up delivered messages", "count", deleted)
	}
}
