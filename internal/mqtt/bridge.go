package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/penhold/squire/internal/buildinfo"
	"github.com/penhold/squire/internal/config"
	"github.com/penhold/squire/internal/events"
)

// StatusSource provides runtime data for status topic publishing. The
// concrete adapter is wired in main.go to avoid coupling the MQTT
// package to the outbox and usage stores.
type StatusSource interface {
	// QueueDepth returns the number of undelivered outbound messages.
	QueueDepth(ctx context.Context) (int64, error)
	// TokensToday returns total tokens consumed since midnight.
	TokensToday(ctx context.Context) (int64, error)
}

// TriggerFunc runs a one-shot automation for the given label. The
// bridge calls it once per accepted trigger payload; delivery of the
// result goes through the normal outbound queue, not back over MQTT.
type TriggerFunc func(ctx context.Context, label string) error

// triggersPerMinute bounds how many inbound trigger payloads are acted
// on per minute. Each trigger runs a full agent turn, so the ceiling
// is far lower than a generic message rate limit would be.
const triggersPerMinute = 10

// Bridge manages the MQTT connection, keeps the retained status topic
// current, runs the periodic state publish loop, and routes trigger
// payloads to the automation pipeline.
type Bridge struct {
	cfg        config.MQTTConfig
	instanceID string
	status     StatusSource
	trigger    TriggerFunc
	bus        *events.Bus
	limiter    *triggerRateLimiter
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager

	mu             sync.Mutex
	lastAutomation string
}

// New creates a Bridge but does not connect. Call [Bridge.Start] to
// begin the connection and publish loop. status, trigger, and bus may
// each be nil; the corresponding topics or behaviors are skipped.
func New(cfg config.MQTTConfig, instanceID string, status StatusSource, trigger TriggerFunc, bus *events.Bus, logger *slog.Logger) *Bridge {
	log := logger.With("component", "mqtt")
	return &Bridge{
		cfg:            cfg,
		instanceID:     instanceID,
		status:         status,
		trigger:        trigger,
		bus:            bus,
		limiter:        newTriggerRateLimiter(triggersPerMinute, time.Minute, log),
		logger:         log,
		lastAutomation: "never",
	}
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled. On every (re-)connect it
// publishes the birth message and re-subscribes to the trigger topic.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.statusTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.BrokerURL)
			b.publishStatus(ctx, cm, "online")
			b.subscribeTrigger(ctx, cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.clientID(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handleInbound(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail; autopaho keeps retrying in the background.
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go b.limiter.start(ctx)
	go b.watchEvents(ctx)

	// Run the periodic state publish loop until ctx is cancelled.
	b.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" status before
// closing the MQTT connection. The provided context controls how long
// to wait for the publish and disconnect to complete.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	b.publishStatus(ctx, b.cm, "offline")
	return b.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. Useful for health probes.
func (b *Bridge) AwaitConnection(ctx context.Context) error {
	if b.cm == nil {
		return fmt.Errorf("mqtt bridge not started")
	}
	return b.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (b *Bridge) prefix() string {
	if b.cfg.TopicPrefix != "" {
		return b.cfg.TopicPrefix
	}
	return "squire"
}

// statusTopic carries the retained online/offline flag and the will
// message.
func (b *Bridge) statusTopic() string {
	return b.prefix() + "/status"
}

func (b *Bridge) stateTopic(name string) string {
	return b.prefix() + "/" + name
}

func (b *Bridge) triggerTopic() string {
	if b.cfg.TriggerTopic != "" {
		return b.cfg.TriggerTopic
	}
	return b.prefix() + "/trigger"
}

// clientID derives a stable broker client ID from the persisted
// instance ID so reconnects resume the same session instead of
// accumulating stale ones on the broker.
func (b *Bridge) clientID() string {
	if b.cfg.ClientID != "" {
		return b.cfg.ClientID
	}
	id := b.instanceID
	if len(id) > 8 {
		id = id[:8]
	}
	return "squire-" + id
}

// --- Publishing ---

func (b *Bridge) publishStatus(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.statusTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt status publish failed", "status", status, "error", err)
	} else {
		b.logger.Info("mqtt status published", "status", status)
	}
}

func (b *Bridge) subscribeTrigger(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := b.triggerTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: topic, QoS: 1},
		},
	}); err != nil {
		b.logger.Warn("mqtt trigger subscribe failed", "topic", topic, "error", err)
		return
	}
	b.logger.Info("mqtt trigger topic subscribed", "topic", topic)
}

func (b *Bridge) runLoop(ctx context.Context) {
	interval := time.Duration(b.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Publish immediately on start.
	b.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publishStates(ctx)
		}
	}
}

// publishStates pushes one retained value per state topic. Values are
// plain strings so anything from a dashboard to mosquitto_sub can read
// them without a schema.
func (b *Bridge) publishStates(ctx context.Context) {
	if b.cm == nil {
		return
	}

	states := map[string]string{
		"uptime":  buildinfo.Uptime().Truncate(time.Second).String(),
		"version": buildinfo.Version,
	}

	if b.status != nil {
		if depth, err := b.status.QueueDepth(ctx); err == nil {
			states["queue_depth"] = strconv.FormatInt(depth, 10)
		} else {
			b.logger.Debug("mqtt queue depth unavailable", "error", err)
		}
		if tokens, err := b.status.TokensToday(ctx); err == nil {
			states["tokens_today"] = strconv.FormatInt(tokens, 10)
		} else {
			b.logger.Debug("mqtt token count unavailable", "error", err)
		}
	}

	b.mu.Lock()
	states["last_automation"] = b.lastAutomation
	b.mu.Unlock()

	for name, value := range states {
		if _, err := b.cm.Publish(ctx, &paho.Publish{
			Topic:   b.stateTopic(name),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			b.logger.Debug("mqtt state publish failed", "topic", b.stateTopic(name), "error", err)
		}
	}

	b.logger.Debug("mqtt states published", "topics", len(states))
}

// watchEvents tracks automation completions off the event bus so the
// last_automation topic reflects the most recent briefing or reminder
// without polling the scheduler.
func (b *Bridge) watchEvents(ctx context.Context) {
	if b.bus == nil {
		return
	}
	ch := b.bus.Subscribe(16)
	defer b.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Kind != events.KindAutomationComplete {
				continue
			}
			label, _ := e.Data["label"].(string)
			if label == "" {
				continue
			}
			b.mu.Lock()
			b.lastAutomation = label + " at " + e.Timestamp.Format(time.RFC3339)
			b.mu.Unlock()
		}
	}
}
