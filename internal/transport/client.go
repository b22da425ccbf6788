// Package transport connects Squire to a signal-cli style daemon:
// JSON-RPC calls go out over HTTP POST, inbound envelopes arrive over
// a websocket receive stream that reconnects with backoff. The
// Gateway in this package turns those envelopes into assistant runs.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/penhold/squire/internal/config"
	"github.com/penhold/squire/internal/httpkit"
	"github.com/penhold/squire/internal/markup"
)

const (
	rpcTimeout     = 30 * time.Second
	linkTimeout    = 10 * time.Minute // finishLink blocks until the QR is scanned
	inboundBuffer  = 64
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Client is a JSON-RPC client for the signal daemon. It satisfies the
// outbound queue's Transport interface; messages sent through it are
// addressed by the recipient's number.
type Client struct {
	rpcURL  string
	wsURL   string
	account string

	httpc  *http.Client
	linkc  *http.Client
	dialer *websocket.Dialer
	logger *slog.Logger

	nextID   atomic.Int64
	messages chan *Envelope
	backoff  time.Duration
}

// NewClient builds a client for the daemon described by cfg.
func NewClient(cfg config.TransportConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		rpcURL:  strings.TrimRight(cfg.RPCURL, "/"),
		wsURL:   cfg.WSURL,
		account: cfg.Account,
		httpc:   httpkit.NewClient(httpkit.WithTimeout(rpcTimeout)),
		linkc:   httpkit.NewClient(httpkit.WithTimeout(linkTimeout)),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger:   logger.With("component", "transport"),
		messages: make(chan *Envelope, inboundBuffer),
		backoff:  initialBackoff,
	}
}

// Messages is the inbound envelope stream, fed by Listen. The channel
// closes when Listen returns.
func (c *Client) Messages() <-chan *Envelope {
	return c.messages
}

// call performs one JSON-RPC round trip.
func (c *Client) call(ctx context.Context, httpc *http.Client, method string, params map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signal rpc %s: %w", method, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("signal rpc %s: HTTP %d: %s", method, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("signal rpc %s: decode response: %w", method, err)
	}
	if rr.Error != nil {
		return nil, fmt.Errorf("signal rpc %s: %w", method, rr.Error)
	}
	return rr.Result, nil
}

// params builds a parameter map, stamping the account for multi-account
// daemons.
func (c *Client) params(kv map[string]any) map[string]any {
	if c.account != "" {
		kv["account"] = c.account
	}
	return kv
}

// SendMessage delivers body to chatKey and returns the daemon-assigned
// message timestamp as the stable id. Signal renders no markup, so
// markdown bodies are flattened to plain text before sending; replyTo,
// when set to a prior message id, attaches a quote.
func (c *Client) SendMessage(ctx context.Context, chatKey, body, replyTo, parseMode string) (string, error) {
	params := c.params(map[string]any{
		"recipient": []string{chatKey},
		"message":   renderForSignal(body, parseMode),
	})
	if ts, ok := parseMessageID(replyTo); ok {
		params["quoteTimestamp"] = ts
		params["quoteAuthor"] = chatKey
	}

	raw, err := c.call(ctx, c.httpc, "send", params)
	if err != nil {
		return "", err
	}
	var res sendResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("parse send result: %w", err)
	}
	if res.Timestamp == 0 {
		return "", fmt.Errorf("send to %s returned no timestamp", chatKey)
	}
	return strconv.FormatInt(res.Timestamp, 10), nil
}

// EditMessage replaces the text of a previously sent message in place.
// messageID must be an id returned by SendMessage.
func (c *Client) EditMessage(ctx context.Context, chatKey, messageID, body, parseMode string) error {
	ts, ok := parseMessageID(messageID)
	if !ok {
		return fmt.Errorf("edit: %q is not a message id", messageID)
	}
	_, err := c.call(ctx, c.httpc, "send", c.params(map[string]any{
		"recipient":           []string{chatKey},
		"message":             renderForSignal(body, parseMode),
		"editTargetTimestamp": ts,
	}))
	return err
}

// SendTyping starts or stops the typing indicator in the recipient's
// chat.
func (c *Client) SendTyping(ctx context.Context, recipient string, stop bool) error {
	params := c.params(map[string]any{"recipient": []string{recipient}})
	if stop {
		params["stop"] = true
	}
	_, err := c.call(ctx, c.httpc, "sendTyping", params)
	return err
}

// SendReceipt marks the message with the given timestamp as read.
func (c *Client) SendReceipt(ctx context.Context, recipient string, timestamp int64) error {
	_, err := c.call(ctx, c.httpc, "sendReceipt", c.params(map[string]any{
		"recipient":       recipient,
		"targetTimestamp": timestamp,
	}))
	return err
}

// Version returns the daemon's version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	raw, err := c.call(ctx, c.httpc, "version", map[string]any{})
	if err != nil {
		return "", err
	}
	var res versionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("parse version result: %w", err)
	}
	return res.Version, nil
}

// Ping probes daemon reachability.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Version(ctx)
	return err
}

// StartLink begins linking this daemon as a secondary device and
// returns the provisioning URI to render as a QR code.
func (c *Client) StartLink(ctx context.Context) (string, error) {
	raw, err := c.call(ctx, c.httpc, "startLink", map[string]any{})
	if err != nil {
		return "", err
	}
	var res linkResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("parse startLink result: %w", err)
	}
	if res.DeviceLinkURI == "" {
		return "", fmt.Errorf("startLink returned no provisioning URI")
	}
	return res.DeviceLinkURI, nil
}

// FinishLink completes device linking. It blocks until the primary
// device scans the provisioning QR or ctx expires.
func (c *Client) FinishLink(ctx context.Context, deviceLinkURI, deviceName string) error {
	_, err := c.call(ctx, c.linkc, "finishLink", map[string]any{
		"deviceLinkUri": deviceLinkURI,
		"deviceName":    deviceName,
	})
	return err
}

// Listen consumes the daemon's receive stream until ctx is cancelled,
// reconnecting with capped exponential backoff. It blocks, and closes
// Messages on return.
func (c *Client) Listen(ctx context.Context) error {
	defer close(c.messages)

	backoff := c.backoff
	if backoff <= 0 {
		backoff = initialBackoff
	}
	wait := backoff

	for {
		connected, err := c.readStream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			wait = backoff
		}
		c.logger.Warn("receive stream lost, reconnecting",
			"error", err,
			"retry_in", wait,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if wait < maxBackoff {
			wait *= 2
			if wait > maxBackoff {
				wait = maxBackoff
			}
		}
	}
}

// readStream runs one websocket session: dial, then deliver frames
// until the connection breaks. connected reports whether the dial
// succeeded, so the caller can reset its backoff.
func (c *Client) readStream(ctx context.Context) (connected bool, err error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		if resp != nil {
			httpkit.DrainAndClose(resp.Body, 2048)
		}
		return false, fmt.Errorf("dial %s: %w", c.wsURL, err)
	}
	defer conn.Close()
	c.logger.Info("receive stream connected", "url", c.wsURL)

	// Unblock ReadMessage when ctx dies.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		c.route(data)
	}
}

// route parses one receive frame and hands the envelope to the inbound
// channel. A full channel drops the envelope: a stalled consumer must
// not wedge the socket.
func (c *Client) route(data []byte) {
	env := decodeEnvelope(data)
	if env == nil {
		c.logger.Debug("unrecognized receive frame", "bytes", len(data))
		return
	}
	select {
	case c.messages <- env:
	default:
		c.logger.Warn("inbound buffer full, dropping message",
			"sender", env.Sender(),
			"timestamp", env.Timestamp,
		)
	}
}

// decodeEnvelope accepts both receive-frame shapes: the native
// signal-cli JSON-RPC notification and the bare wrapper REST-style
// daemons emit.
func decodeEnvelope(data []byte) *Envelope {
	var note receiveNotification
	if err := json.Unmarshal(data, &note); err == nil && note.Method == "receive" && note.Params.Envelope != nil {
		return note.Params.Envelope
	}
	var frame receiveFrame
	if err := json.Unmarshal(data, &frame); err == nil && frame.Envelope != nil {
		return frame.Envelope
	}
	return nil
}

// renderForSignal flattens markdown to plain text. Signal shows
// whatever bytes it gets, so markup must be stripped, not rendered.
func renderForSignal(body, parseMode string) string {
	if markup.ParseMode(parseMode) == markup.ModeMarkdown {
		return markup.ToPlain(body)
	}
	return body
}

// parseMessageID parses a SendMessage-style id back to the daemon's
// timestamp form.
func parseMessageID(id string) (int64, bool) {
	if id == "" {
		return 0, false
	}
	ts, err := strconv.ParseInt(id, 10, 64)
	if err != nil || ts <= 0 {
		return 0, false
	}
	return ts, true
}
