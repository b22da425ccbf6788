// Package assistant is the conversation engine: it turns one inbound
// user message (or one scheduler fire) into a persisted, replied-to
// exchange. It owns the glue the entry points share: the session lock,
// history loading and trimming, memory injection, budget checks, the
// agent loop, and the usage ledger.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/penhold/squire/internal/agent"
	"github.com/penhold/squire/internal/config"
	"github.com/penhold/squire/internal/llm"
	"github.com/penhold/squire/internal/memory"
	"github.com/penhold/squire/internal/prompts"
	"github.com/penhold/squire/internal/router"
	"github.com/penhold/squire/internal/session"
	"github.com/penhold/squire/internal/tools"
	"github.com/penhold/squire/internal/usage"
)

// Config bounds one engine instance.
type Config struct {
	Persona            string // base system prompt
	HistoryTurns       int    // turns loaded per request, default 40
	ContextTokenBudget int    // history trim budget, default 6000
	PrimaryProvider    string // provider name for ledger records, e.g. "anthropic"

	// Pricing maps model name to per-million-token rates for ledger
	// cost records. Unlisted models cost nothing.
	Pricing map[string]config.PricingEntry
}

// Reply is the outcome of one engine run.
type Reply struct {
	Text      string
	Model     string
	Category  router.Category
	Usage     llm.Usage
	Cancelled bool // user cancelled mid-stream; Text holds the partial output
}

// Engine runs conversations. The loop may be nil when no tool-capable
// provider is configured; runs then go through the router without
// tools.
type Engine struct {
	sessions *session.Manager
	log      *memory.Log
	injector *memory.Injector
	router   *router.Router
	loop     *agent.Loop
	guard    *usage.Guard
	ledger   *usage.Store
	cfg      Config
	logger   *slog.Logger
}

// NewEngine wires the conversation engine. guard and ledger may be nil
// to disable budget enforcement and usage recording.
func NewEngine(sessions *session.Manager, log *memory.Log, injector *memory.Injector, rt *router.Router, loop *agent.Loop, guard *usage.Guard, ledger *usage.Store, cfg Config, logger *slog.Logger) *Engine {
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 40
	}
	if cfg.ContextTokenBudget <= 0 {
		cfg.ContextTokenBudget = 6000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		sessions: sessions,
		log:      log,
		injector: injector,
		router:   rt,
		loop:     loop,
		guard:    guard,
		ledger:   ledger,
		cfg:      cfg,
		logger:   logger.With("component", "assistant"),
	}
}

// Respond handles one interactive user message: persist it, run the
// model over today's session, persist the reply, and return it. A
// budget refusal comes back as a normal Reply with the refusal text;
// an error means nothing useful can be sent.
func (e *Engine) Respond(ctx context.Context, userID, chatKey, text string) (*Reply, error) {
	e.sessions.ClearCancel(userID)

	release, err := e.sessions.Acquire(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	defer release()

	key := session.Key(userID)
	ctx = withIdentity(ctx, userID, chatKey, key)

	if err := e.log.Append(key, memory.Turn{Role: "user", Content: text, CreatedAt: time.Now().UTC()}); err != nil {
		return nil, fmt.Errorf("append user turn: %w", err)
	}

	msgs, err := e.loadHistory(key)
	if err != nil {
		return nil, err
	}

	system := e.injector.SystemPrompt(ctx, e.cfg.Persona, userID, text)
	cat := e.router.Classify(ctx, text)

	if refusal := e.checkBudget(ctx, userID, system, msgs); refusal != "" {
		return &Reply{Text: refusal, Category: cat}, nil
	}

	return e.run(ctx, runParams{
		userID:   userID,
		key:      key,
		query:    text,
		system:   system,
		category: cat,
		kind:     usage.KindInteractive,
		messages: msgs,
	}, nil, nil)
}

// RunScheduled handles one automation fire: it behaves like Respond
// for a synthetic "[Reminder] <label>" message, except the synthetic
// user turn is only written once the stream has begun, so a fire that
// dies before producing anything leaves no trace in the session.
// onDelta and onTool feed the caller's live display and may be nil.
func (e *Engine) RunScheduled(ctx context.Context, userID, chatKey, label string, firedAt time.Time, onDelta func(string), onTool func(name string)) (*Reply, error) {
	release, err := e.sessions.Acquire(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	defer release()

	key := session.Key(userID)
	ctx = withIdentity(ctx, userID, chatKey, key)

	msgs, err := e.loadHistory(key)
	if err != nil {
		return nil, err
	}

	synthetic := prompts.ReminderTurn(label)
	msgs = append(msgs, llm.TextMessage("user", synthetic))

	system := e.injector.SystemPrompt(ctx, e.cfg.Persona, userID, label)
	system += prompts.ReminderPreamble(label, firedAt)
	cat := e.router.Classify(ctx, label)

	if refusal := e.checkBudget(ctx, userID, system, msgs); refusal != "" {
		e.logger.Warn("scheduled run refused by budget",
			"user_id", userID, "label", label, "reason", refusal)
		return nil, errors.New(refusal)
	}

	// The synthetic turn hits the log on the first streamed event.
	wrote := false
	writeSynthetic := func() {
		if wrote {
			return
		}
		wrote = true
		if err := e.log.Append(key, memory.Turn{Role: "user", Content: synthetic, CreatedAt: time.Now().UTC()}); err != nil {
			e.logger.Error("synthetic reminder turn not persisted", "session", key, "error", err)
		}
	}

	return e.run(ctx, runParams{
		userID:    userID,
		key:       key,
		query:     label,
		system:    system,
		category:  cat,
		kind:      usage.KindScheduled,
		messages:  msgs,
		onStarted: writeSynthetic,
	}, onDelta, onTool)
}

// runParams carries one run's inputs through the shared path.
type runParams struct {
	userID    string
	key       string
	query     string
	system    string
	category  router.Category
	kind      string
	messages  []llm.Message
	onStarted func() // first streamed event, before anything is persisted
}

// run drives either the agent loop (tools) or the router (no tools),
// persists the outcome, and records usage.
func (e *Engine) run(ctx context.Context, p runParams, onDelta func(string), onTool func(string)) (*Reply, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var buf strings.Builder
	started := false
	onEvent := func() {
		if !started {
			started = true
			if p.onStarted != nil {
				p.onStarted()
			}
		}
		if e.sessions.CancelRequested(p.userID) {
			cancel()
		}
	}

	if e.loop == nil {
		return e.streamWithoutTools(runCtx, p, &buf, onEvent, onDelta)
	}

	model := e.router.PickAgentModel(p.category)

	emit := func(ev agent.Event) {
		switch ev.Kind {
		case agent.EventText:
			onEvent()
			if runCtx.Err() != nil {
				return // halted between chunks
			}
			buf.WriteString(ev.Text)
			if onDelta != nil {
				onDelta(ev.Text)
			}
		case agent.EventToolStatus:
			onEvent()
			if runCtx.Err() == nil && onTool != nil {
				onTool(ev.ToolName)
			}
		}
	}

	persist := func(assistantBlocks, toolResultBlocks []llm.ContentBlock) error {
		return e.persistToolTurn(p.key, assistantBlocks, toolResultBlocks, model)
	}

	res, err := e.loop.Run(runCtx, model, p.system, p.messages, emit, persist)
	if err != nil {
		if e.cancelled(p.userID, err) {
			return e.finishCancelled(p, &buf, model)
		}
		if buf.Len() > 0 {
			// The stream broke after output reached the user; a
			// fallback would repeat or contradict it.
			return nil, fmt.Errorf("stream broke mid-reply: %w", err)
		}
		e.logger.Warn("agent run failed before any output, rerouting",
			"user_id", p.userID, "model", model, "error", err)
		return e.streamWithoutTools(runCtx, p, &buf, onEvent, onDelta)
	}

	if res.Text != "" {
		if err := e.log.Append(p.key, memory.Turn{
			Role:      "assistant",
			Content:   res.Text,
			ModelUsed: model,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return nil, fmt.Errorf("append assistant turn: %w", err)
		}
	}

	e.recordUsage(ctx, p, model, e.cfg.PrimaryProvider, res.Usage)

	return &Reply{
		Text:     res.Text,
		Model:    model,
		Category: p.category,
		Usage:    res.Usage,
	}, nil
}

// streamWithoutTools is the no-tools path: the router classifies,
// routes, and falls back on its own.
func (e *Engine) streamWithoutTools(ctx context.Context, p runParams, buf *strings.Builder, onEvent func(), onDelta func(string)) (*Reply, error) {
	res, err := e.router.Stream(ctx, p.query, p.messages, p.userID, p.system, func(delta string) {
		onEvent()
		if ctx.Err() != nil {
			return
		}
		buf.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	})
	if err != nil {
		if e.cancelled(p.userID, err) {
			return e.finishCancelled(p, buf, e.router.LastModel())
		}
		return nil, err
	}

	text := buf.String()
	if text != "" {
		if err := e.log.Append(p.key, memory.Turn{
			Role:      "assistant",
			Content:   text,
			ModelUsed: res.Model,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return nil, fmt.Errorf("append assistant turn: %w", err)
		}
	}

	e.recordUsage(ctx, p, res.Model, "", res.Usage)

	return &Reply{
		Text:     text,
		Model:    res.Model,
		Category: p.category,
		Usage:    res.Usage,
	}, nil
}

// finishCancelled persists whatever streamed before the user said stop.
func (e *Engine) finishCancelled(p runParams, buf *strings.Builder, model string) (*Reply, error) {
	text := buf.String()
	if text != "" {
		if err := e.log.Append(p.key, memory.Turn{
			Role:      "assistant",
			Content:   text,
			ModelUsed: model,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			e.logger.Error("partial turn not persisted after cancel", "session", p.key, "error", err)
		}
	}
	e.logger.Info("run cancelled by user", "user_id", p.userID, "partial_chars", len(text))
	return &Reply{Text: text, Model: model, Category: p.category, Cancelled: true}, nil
}

// persistToolTurn writes one tool round-trip as two sentinel-prefixed
// turns, so history reconstruction can replay the structured blocks.
func (e *Engine) persistToolTurn(key string, assistantBlocks, toolResultBlocks []llm.ContentBlock, model string) error {
	enc, err := memory.EncodeToolTurn(assistantBlocks)
	if err != nil {
		return fmt.Errorf("encode assistant blocks: %w", err)
	}
	if err := e.log.Append(key, memory.Turn{Role: "assistant", Content: enc, ModelUsed: model, CreatedAt: time.Now().UTC()}); err != nil {
		return err
	}
	enc, err = memory.EncodeToolTurn(toolResultBlocks)
	if err != nil {
		return fmt.Errorf("encode tool results: %w", err)
	}
	return e.log.Append(key, memory.Turn{Role: "user", Content: enc, CreatedAt: time.Now().UTC()})
}

// loadHistory reads today's session, trims it to the token budget, and
// drops a trailing unresolved tool call.
func (e *Engine) loadHistory(key string) ([]llm.Message, error) {
	turns, err := e.log.Recent(key, e.cfg.HistoryTurns)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}
	turns = memory.TrimToBudget(turns, e.cfg.ContextTokenBudget)
	msgs := memory.ToMessages(turns)
	return memory.DropTrailingOrphan(msgs), nil
}

// checkBudget returns a user-facing refusal, or "" when the run may
// proceed.
func (e *Engine) checkBudget(ctx context.Context, userID, system string, msgs []llm.Message) string {
	if e.guard == nil {
		return ""
	}
	est := len(system) / 4
	for _, m := range msgs {
		est += len(m.Content) / 4
		for _, b := range m.Blocks {
			est += (len(b.Text) + len(b.Content)) / 4
		}
	}
	err := e.guard.Check(ctx, userID, est)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, usage.ErrRequestTooLarge):
		return "That message plus our conversation history is too large for me to process. Try a shorter message, or ask me to compact the session."
	case errors.Is(err, usage.ErrHourlyBudget):
		return "I've hit my hourly token budget. Give me a bit and ask again."
	case errors.Is(err, usage.ErrDailySpend):
		return "I've reached today's spending cap. I'll be back tomorrow, or you can raise the cap in my config."
	default:
		return "I can't take that request right now: " + err.Error()
	}
}

// cancelled distinguishes a user stop from an ordinary context error.
func (e *Engine) cancelled(userID string, err error) bool {
	return errors.Is(err, context.Canceled) && e.sessions.CancelRequested(userID)
}

// recordUsage appends one ledger record. Ledger failures are logged,
// never fatal: metering must not break the conversation.
func (e *Engine) recordUsage(ctx context.Context, p runParams, model, provider string, u llm.Usage) {
	if e.ledger == nil || u.Total() == 0 {
		return
	}
	rec := usage.Record{
		RequestID:           uuid.NewString(),
		UserID:              p.userID,
		SessionKey:          p.key,
		Model:               model,
		Provider:            provider,
		Category:            string(p.category),
		Kind:                p.kind,
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CostUSD:             usage.ComputeCost(model, u, e.cfg.Pricing),
	}
	if err := e.ledger.Add(ctx, rec); err != nil {
		e.logger.Warn("usage record not written", "user_id", p.userID, "error", err)
	}
}

func withIdentity(ctx context.Context, userID, chatKey, sessionKey string) context.Context {
	ctx = tools.WithUserID(ctx, userID)
	ctx = tools.WithChatID(ctx, chatKey)
	return tools.WithSessionKey(ctx, sessionKey)
}
