// Package session owns per-user conversation state that is not
// persisted: the lock that serialises a user's messages, the
// cooperative cancel flag, the sliding-minute rate limiter, and the
// concurrent-request cap. Session keys derive from the UTC date, so a
// conversation rolls over to a fresh transcript at midnight UTC.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/penhold/squire/internal/config"
)

// ErrBusy means the user already has the maximum number of requests in
// flight.
var ErrBusy = errors.New("too many concurrent requests")

// Key returns today's session key for a user: user_<id>_<YYYYMMDD> in
// UTC.
func Key(userID string) string {
	return KeyAt(userID, time.Now())
}

// KeyAt returns the session key for a user at a given instant.
func KeyAt(userID string, t time.Time) string {
	return fmt.Sprintf("user_%s_%s", userID, t.UTC().Format("20060102"))
}

type userState struct {
	sem      chan struct{} // capacity 1: the session lock
	cancel   atomic.Bool
	arrivals []time.Time
	inflight int
}

// Manager tracks per-user state. All methods are safe for concurrent
// use; the per-user lock itself is acquired through Acquire so callers
// can give up when their context ends.
type Manager struct {
	perMinute     int
	maxConcurrent int
	logger        *slog.Logger
	now           func() time.Time

	mu    sync.Mutex
	users map[string]*userState
}

// NewManager creates a session manager. Zero limits disable the
// corresponding check.
func NewManager(cfg config.RateLimitConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		perMinute:     cfg.MessagesPerMinute,
		maxConcurrent: cfg.MaxConcurrent,
		logger:        logger.With("component", "session"),
		now:           time.Now,
		users:         make(map[string]*userState),
	}
}

func (m *Manager) state(userID string) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.users[userID]
	if !ok {
		st = &userState{sem: make(chan struct{}, 1)}
		m.users[userID] = st
	}
	return st
}

// Acquire takes the user's session lock, waiting until it is free or
// ctx ends. The returned release function must be called exactly once.
func (m *Manager) Acquire(ctx context.Context, userID string) (release func(), err error) {
	st := m.state(userID)
	select {
	case st.sem <- struct{}{}:
		return func() { <-st.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestCancel sets the user's cancel flag. Streaming paths check the
// flag between chunks and stop quietly.
func (m *Manager) RequestCancel(userID string) {
	m.state(userID).cancel.Store(true)
	m.logger.Debug("cancel requested", "user", userID)
}

// CancelRequested reports the user's cancel flag.
func (m *Manager) CancelRequested(userID string) bool {
	return m.state(userID).cancel.Load()
}

// ClearCancel resets the flag. Called at the start of each new message
// so an old cancellation never kills a fresh conversation.
func (m *Manager) ClearCancel(userID string) {
	m.state(userID).cancel.Store(false)
}

// AllowMessage records one message arrival and reports whether it fits
// the per-minute window. Refused arrivals are not recorded, so a user
// hammering the limit is not punished past the minute.
func (m *Manager) AllowMessage(userID string) bool {
	if m.perMinute <= 0 {
		return true
	}

	st := m.state(userID)
	now := m.now()
	cutoff := now.Add(-time.Minute)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := st.arrivals[:0]
	for _, at := range st.arrivals {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	st.arrivals = kept

	if len(st.arrivals) >= m.perMinute {
		m.logger.Warn("rate limit hit", "user", userID, "in_window", len(st.arrivals))
		return false
	}
	st.arrivals = append(st.arrivals, now)
	return true
}

// RateLimitNotice is the user-facing refusal for a rate-limited
// message. Sent without any provider call.
func (m *Manager) RateLimitNotice() string {
	return fmt.Sprintf("You're sending messages faster than I can handle — my limit is %d per minute. Give me a moment and try again.", m.perMinute)
}

// BeginRequest claims a concurrency slot for the user. The returned
// done function must be called when the request finishes.
func (m *Manager) BeginRequest(userID string) (done func(), err error) {
	st := m.state(userID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxConcurrent > 0 && st.inflight >= m.maxConcurrent {
		return nil, ErrBusy
	}
	st.inflight++
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		st.inflight--
	}, nil
}
