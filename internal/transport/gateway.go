package transport

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/penhold/squire/internal/assistant"
	"github.com/penhold/squire/internal/markup"
	"github.com/penhold/squire/internal/outbox"
	"github.com/penhold/squire/internal/session"
)

const (
	defaultHandleTimeout = 5 * time.Minute
	typingStopTimeout    = 2 * time.Second
)

// Responder turns one inbound message into the assistant's reply.
// *assistant.Engine is the production implementation.
type Responder interface {
	Respond(ctx context.Context, userID, chatKey, text string) (*assistant.Reply, error)
}

// Chatter is the client surface the gateway drives directly: the
// inbound stream plus the cheap courtesy calls. Replies never go
// through here; they ride the outbound queue.
type Chatter interface {
	Messages() <-chan *Envelope
	SendTyping(ctx context.Context, recipient string, stop bool) error
	SendReceipt(ctx context.Context, recipient string, timestamp int64) error
}

// GatewayConfig wires a Gateway.
type GatewayConfig struct {
	Client    Chatter
	Responder Responder
	Outbox    *outbox.Store
	Sessions  *session.Manager
	// Allowed reports whether a sender id is on the allow-list.
	Allowed func(string) bool
	Logger  *slog.Logger
	// HandleTimeout bounds one message's processing. Default 5m.
	HandleTimeout time.Duration
}

// Gateway consumes inbound envelopes and runs the message pipeline:
// allow-list, rate limit, concurrency cap, then the responder, with
// the reply enqueued for write-ahead delivery. Messages from distinct
// senders are handled concurrently; the session manager serialises
// each sender's own messages.
type Gateway struct {
	client    Chatter
	responder Responder
	outbox    *outbox.Store
	sessions  *session.Manager
	allowed   func(string) bool
	timeout   time.Duration
	logger    *slog.Logger

	wg sync.WaitGroup
}

// NewGateway builds a gateway from cfg.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.HandleTimeout
	if timeout <= 0 {
		timeout = defaultHandleTimeout
	}
	allowed := cfg.Allowed
	if allowed == nil {
		allowed = func(string) bool { return false }
	}
	return &Gateway{
		client:    cfg.Client,
		responder: cfg.Responder,
		outbox:    cfg.Outbox,
		sessions:  cfg.Sessions,
		allowed:   allowed,
		timeout:   timeout,
		logger:    logger.With("component", "gateway"),
	}
}

// Start consumes the inbound stream until ctx is cancelled or the
// stream closes, then waits for in-flight handlers. It blocks.
func (g *Gateway) Start(ctx context.Context) {
	g.logger.Info("chat gateway started")
	for {
		select {
		case <-ctx.Done():
			g.wg.Wait()
			return
		case env, ok := <-g.client.Messages():
			if !ok {
				g.wg.Wait()
				return
			}
			g.dispatch(ctx, env)
		}
	}
}

// dispatch applies the cheap synchronous filters and hands real
// messages to a handler goroutine.
func (g *Gateway) dispatch(ctx context.Context, env *Envelope) {
	if env == nil || env.DataMessage == nil {
		return
	}
	if strings.TrimSpace(env.DataMessage.Message) == "" {
		g.logger.Debug("skipping envelope with no text", "sender", env.Sender())
		return
	}
	sender := env.Sender()
	if sender == "" {
		g.logger.Debug("skipping envelope with no sender")
		return
	}
	if env.DataMessage.GroupInfo != nil {
		g.logger.Debug("ignoring group message", "sender", sender, "group", env.DataMessage.GroupInfo.GroupID)
		return
	}
	if !g.allowed(sender) {
		g.logger.Warn("message from unlisted sender ignored", "sender", sender)
		return
	}

	g.wg.Add(1)
	go g.handle(ctx, env)
}

// handle runs one message through the pipeline.
func (g *Gateway) handle(ctx context.Context, env *Envelope) {
	defer g.wg.Done()

	sender := env.Sender()
	text := strings.TrimSpace(env.DataMessage.Message)

	hctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.client.SendReceipt(hctx, sender, env.MessageTimestamp()); err != nil {
		g.logger.Debug("read receipt not sent", "sender", sender, "error", err)
	}

	if isStopWord(text) {
		g.sessions.RequestCancel(sender)
		g.enqueueText(hctx, sender, "Stopped.")
		return
	}

	if !g.sessions.AllowMessage(sender) {
		g.enqueueText(hctx, sender, g.sessions.RateLimitNotice())
		return
	}

	done, err := g.sessions.BeginRequest(sender)
	if err != nil {
		g.enqueueText(hctx, sender, "I'm still working on your earlier messages — give me a moment and try again.")
		return
	}
	defer done()

	if err := g.client.SendTyping(hctx, sender, false); err != nil {
		g.logger.Debug("typing indicator not sent", "sender", sender, "error", err)
	}
	defer func() {
		// The handler context may already be dead; stop typing on a
		// fresh short one so the indicator never sticks.
		stopCtx, stop := context.WithTimeout(context.Background(), typingStopTimeout)
		defer stop()
		if err := g.client.SendTyping(stopCtx, sender, true); err != nil {
			g.logger.Debug("typing stop not sent", "sender", sender, "error", err)
		}
	}()

	reply, err := g.responder.Respond(hctx, sender, sender, text)
	if err != nil {
		g.logger.Error("message handling failed", "sender", sender, "error", err)
		g.enqueueText(hctx, sender, "Something went wrong on my end and I couldn't finish that. Try again in a moment.")
		return
	}
	if reply.Cancelled {
		// The user asked for silence; they already have the partial.
		return
	}
	if reply.Text == "" {
		g.logger.Warn("model produced no reply text", "sender", sender, "model", reply.Model)
		return
	}

	g.enqueue(hctx, outbox.Draft{
		ChatKey:   sender,
		Body:      reply.Text,
		ParseMode: string(markup.ModeMarkdown),
	})
}

func (g *Gateway) enqueueText(ctx context.Context, chatKey, text string) {
	g.enqueue(ctx, outbox.Draft{ChatKey: chatKey, Body: text})
}

func (g *Gateway) enqueue(ctx context.Context, d outbox.Draft) {
	if _, err := g.outbox.Enqueue(ctx, d); err != nil {
		g.logger.Error("reply not enqueued", "chat", d.ChatKey, "error", err)
	}
}

// isStopWord reports whether text is a bare cancellation command.
func isStopWord(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "stop", "cancel":
		return true
	}
	return false
}
