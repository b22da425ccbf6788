// Package proactive turns scheduler fires into delivered messages.
// Each fire sends a placeholder through the outbound queue, runs the
// conversation engine with full tools, and edits the delivered message
// in place as text streams, so the user watches the reminder being
// worked out rather than staring at silence.
package proactive

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/penhold/squire/internal/assistant"
	"github.com/penhold/squire/internal/markup"
	"github.com/penhold/squire/internal/outbox"
	"github.com/penhold/squire/internal/scheduler"
)

const (
	defaultEditInterval = 1500 * time.Millisecond
	defaultAwaitTimeout = 30 * time.Second
)

// Editor edits a previously delivered message in place.
type Editor interface {
	EditMessage(ctx context.Context, chatKey, messageID, body, parseMode string) error
}

// Runner is the scheduled entry point of the conversation engine.
type Runner interface {
	RunScheduled(ctx context.Context, userID, chatKey, label string, firedAt time.Time, onDelta func(string), onTool func(string)) (*assistant.Reply, error)
}

// Config wires a Pipeline.
type Config struct {
	Outbox *outbox.Store
	Editor Editor
	Runner Runner
	// EditInterval throttles streaming edits; chat transports rate
	// limit edits far below delta frequency. Default 1.5s.
	EditInterval time.Duration
	// AwaitTimeout bounds the wait for the placeholder to clear the
	// queue. Default 30s.
	AwaitTimeout time.Duration
	Logger       *slog.Logger
}

// Pipeline delivers automation fires. Its Fire method is the
// scheduler's fire callback: a nil return is what advances
// last_run_at.
type Pipeline struct {
	outbox   *outbox.Store
	editor   Editor
	runner   Runner
	interval time.Duration
	await    time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewPipeline builds a pipeline from cfg.
func NewPipeline(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.EditInterval
	if interval <= 0 {
		interval = defaultEditInterval
	}
	await := cfg.AwaitTimeout
	if await <= 0 {
		await = defaultAwaitTimeout
	}
	return &Pipeline{
		outbox:   cfg.Outbox,
		editor:   cfg.Editor,
		runner:   cfg.Runner,
		interval: interval,
		await:    await,
		logger:   logger.With("component", "proactive"),
		now:      time.Now,
	}
}

// Fire delivers one automation. The placeholder goes out first and
// carries the label, so even a total engine failure still delivers a
// minimal reminder; the engine run then edits it into the full
// message. An error return means the fire must not count as done.
func (p *Pipeline) Fire(ctx context.Context, a *scheduler.Automation) error {
	chat := a.UserID
	logger := p.logger.With("automation", a.ID, "label", a.Label, "user_id", a.UserID)

	id, err := p.outbox.Enqueue(ctx, outbox.Draft{
		ChatKey: chat,
		Body:    "⏰ " + a.Label,
	})
	if err != nil {
		return fmt.Errorf("enqueue placeholder: %w", err)
	}

	awaitCtx, cancel := context.WithTimeout(ctx, p.await)
	msgID, err := p.outbox.AwaitDelivery(awaitCtx, id, 0)
	cancel()
	if err != nil {
		// The row stays queued; if the transport recovers the user
		// still gets the bare label.
		return fmt.Errorf("placeholder not delivered: %w", err)
	}
	logger.Debug("placeholder delivered", "message_id", msgID)

	stream := &editStream{
		ctx:      ctx,
		editor:   p.editor,
		chat:     chat,
		msgID:    msgID,
		interval: p.interval,
		logger:   logger,
	}

	reply, err := p.runner.RunScheduled(ctx, a.UserID, chat, a.Label, p.now(), stream.onDelta, stream.onTool)
	if err != nil {
		logger.Error("scheduled run failed, placeholder left in place", "error", err)
		return err
	}
	if reply.Text == "" {
		logger.Warn("scheduled run produced no text", "model", reply.Model)
		return nil
	}

	stream.finish(reply.Text)
	logger.Info("reminder delivered",
		"model", reply.Model,
		"chars", len(reply.Text),
		"cancelled", reply.Cancelled,
	)
	return nil
}

// Builtin adapts a fixed-label fire (morning briefing, evening
// check-in) to the scheduler's built-in job shape.
func (p *Pipeline) Builtin(userID, label string) func(ctx context.Context) {
	return func(ctx context.Context) {
		if err := p.Fire(ctx, &scheduler.Automation{UserID: userID, Label: label}); err != nil {
			p.logger.Error("built-in fire failed", "label", label, "error", err)
		}
	}
}

// editStream throttles streamed deltas into in-place edits of the
// delivered placeholder. The buffer resets at each tool boundary: only
// the closing assistant message is persisted, so the display has to
// converge to it, not to the scratch text before a tool call.
type editStream struct {
	ctx      context.Context
	editor   Editor
	chat     string
	msgID    string
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	buf      strings.Builder
	lastEdit time.Time
	lastBody string
}

func (s *editStream) onDelta(delta string) {
	s.mu.Lock()
	s.buf.WriteString(delta)
	if time.Since(s.lastEdit) < s.interval {
		s.mu.Unlock()
		return
	}
	body := s.buf.String()
	s.lastEdit = time.Now()
	s.mu.Unlock()

	s.edit(body, string(markup.ModeMarkdown))
}

func (s *editStream) onTool(name string) {
	s.mu.Lock()
	s.buf.Reset()
	s.lastEdit = time.Now()
	s.mu.Unlock()

	s.edit(fmt.Sprintf("⚙️ Using %s…", name), "")
}

// finish writes the definitive text, skipping the edit when the last
// streamed body already matches.
func (s *editStream) finish(text string) {
	s.mu.Lock()
	skip := s.lastBody == text
	s.mu.Unlock()
	if skip {
		return
	}
	s.edit(text, string(markup.ModeMarkdown))
}

func (s *editStream) edit(body, parseMode string) {
	if err := s.editor.EditMessage(s.ctx, s.chat, s.msgID, body, parseMode); err != nil {
		s.logger.Warn("placeholder edit failed", "error", err)
		return
	}
	s.mu.Lock()
	s.lastBody = body
	s.mu.Unlock()
}
