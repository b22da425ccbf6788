package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/penhold/squire/internal/events"
)

// maxRecentErrors bounds the in-memory error ring served by
// /diagnostics.
const maxRecentErrors = 50

// ErrorEntry is one failure captured off the event bus.
type ErrorEntry struct {
	Time   time.Time `json:"ts"`
	Source string    `json:"source"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
}

// Collector mirrors the event bus into scrape-friendly state: event
// counts by kind for /metrics and a ring of recent errors for
// /diagnostics. Authoritative numbers (queue depth, token totals) come
// from the stores at scrape time; the collector only tracks what never
// touches a table.
type Collector struct {
	bus    *events.Bus
	logger *slog.Logger

	mu     sync.Mutex
	counts map[string]int64
	errs   []ErrorEntry
}

// NewCollector creates a collector. Call [Collector.Run] to start
// consuming events.
func NewCollector(bus *events.Bus, logger *slog.Logger) *Collector {
	return &Collector{
		bus:    bus,
		logger: logger.With("component", "collector"),
		counts: make(map[string]int64),
	}
}

// Run consumes bus events until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	if c.bus == nil {
		return
	}
	ch := c.bus.Subscribe(128)
	defer c.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.record(e)
		}
	}
}

// record counts the event and, when its data carries an error string,
// appends it to the error ring. All failure kinds (provider_down,
// delivery_failed) put their message under the "error" key, so one
// rule covers them and whatever kinds come later.
func (c *Collector) record(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[e.Kind]++

	detail, _ := e.Data["error"].(string)
	if detail == "" {
		return
	}
	c.errs = append(c.errs, ErrorEntry{
		Time:   e.Timestamp,
		Source: e.Source,
		Kind:   e.Kind,
		Detail: detail,
	})
	if len(c.errs) > maxRecentErrors {
		c.errs = c.errs[len(c.errs)-maxRecentErrors:]
	}
}

// Counts returns a copy of the per-kind event counters.
func (c *Collector) Counts() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Recent returns the captured errors, newest first.
func (c *Collector) Recent() []ErrorEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ErrorEntry, len(c.errs))
	for i, e := range c.errs {
		out[len(c.errs)-1-i] = e
	}
	return out
}
