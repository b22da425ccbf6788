package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
)

// maxLabelRunes caps trigger labels. The label becomes the outbound
// placeholder text and the scheduled prompt, so runaway payloads are
// cut before they reach either.
const maxLabelRunes = 120

// handleInbound routes a received MQTT message. Only trigger topic
// payloads are acted on; anything else is logged at debug level.
func (b *Bridge) handleInbound(ctx context.Context, topic string, payload []byte) {
	if topic != b.triggerTopic() {
		b.logger.Debug("mqtt message ignored", "topic", topic, "payload_size", len(payload))
		return
	}

	label := triggerLabel(payload)
	if label == "" {
		b.logger.Warn("mqtt trigger with empty payload ignored", "topic", topic)
		return
	}
	if !b.limiter.allow() {
		return
	}
	if b.trigger == nil {
		b.logger.Warn("mqtt trigger received but no handler wired", "label", label)
		return
	}

	b.logger.Info("mqtt trigger received", "label", label)

	// Each trigger runs a full agent turn; keep the paho callback free.
	go func() {
		if err := b.trigger(ctx, label); err != nil {
			b.logger.Error("mqtt trigger failed", "label", label, "error", err)
		}
	}()
}

// triggerLabel extracts the automation label from a trigger payload.
// A JSON object uses its "label" key; any other payload is the label
// itself. Control characters become spaces, runs of whitespace
// collapse, and the result is length-capped.
func triggerLabel(payload []byte) string {
	text := string(payload)

	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err == nil {
		text, _ = obj["label"].(string)
	}

	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, text)
	text = strings.Join(strings.Fields(text), " ")

	if r := []rune(text); len(r) > maxLabelRunes {
		text = string(r[:maxLabelRunes])
	}
	return text
}

// triggerRateLimiter tracks inbound trigger rates and drops triggers
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type triggerRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newTriggerRateLimiter creates a rate limiter that allows limit
// triggers per interval. Exceeding the limit causes triggers to be
// dropped until the next interval reset.
func newTriggerRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *triggerRateLimiter {
	return &triggerRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled. At each interval boundary it resets the trigger counter
// and logs a warning if any triggers were dropped.
func (r *triggerRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt triggers dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the trigger counter and returns true if the current
// count is within the limit. If over the limit it increments the
// dropped counter and returns false.
func (r *triggerRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
