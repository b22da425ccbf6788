package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()

	if cfg.InitialDelay != 2*time.Second {
		t.Errorf("InitialDelay = %v, want 2s", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 60*time.Second {
		t.Errorf("MaxDelay = %v, want 60s", cfg.MaxDelay)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", cfg.Multiplier)
	}
	if cfg.MaxRetries != 10 {
		t.Errorf("MaxRetries = %d, want 10", cfg.MaxRetries)
	}
	if cfg.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v, want 60s", cfg.PollInterval)
	}
	if cfg.ProbeTimeout != 10*time.Second {
		t.Errorf("ProbeTimeout = %v, want 10s", cfg.ProbeTimeout)
	}
}

func TestWatcherImmediateSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readyCalled atomic.Int32

	m := NewManager(testLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "test-immediate",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
	})

	waitFor(t, w.IsReady, "watcher never became ready")

	if w.LastError() != nil {
		t.Errorf("expected nil LastError, got %v", w.LastError())
	}
	waitFor(t, func() bool { return readyCalled.Load() == 1 }, "OnReady never called")
}

func TestWatcherBackoffThenSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("service down")
	var attempts atomic.Int32

	// Fail 3 times, then succeed.
	probe := func(ctx context.Context) error {
		if attempts.Add(1) <= 3 {
			return errDown
		}
		return nil
	}

	var readyCalled atomic.Int32

	m := NewManager(testLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "test-backoff",
		Probe:   probe,
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
	})

	waitFor(t, w.IsReady, "watcher never recovered during startup backoff")

	if n := attempts.Load(); n < 4 {
		t.Errorf("expected at least 4 probe attempts, got %d", n)
	}
	waitFor(t, func() bool { return readyCalled.Load() == 1 }, "OnReady never called")
}

func TestWatcherExhaustsRetries(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("always down")
	var attempts atomic.Int32

	m := NewManager(testLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "test-exhaust",
		Probe:   func(ctx context.Context) error { attempts.Add(1); return errDown },
		Backoff: testBackoff(),
	})

	// 5 startup attempts with tiny delays, then background polling.
	waitFor(t, func() bool { return attempts.Load() >= 5 }, "startup retries never ran")

	if w.IsReady() {
		t.Error("expected IsReady() == false after exhausting retries")
	}
	if w.LastError() == nil {
		t.Error("expected non-nil LastError")
	}
}

func TestWatcherDownAndRecovery(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Healthy at startup, down for a stretch, then healthy again.
	var failing atomic.Bool
	probe := func(ctx context.Context) error {
		if failing.Load() {
			return errors.New("connection refused")
		}
		return nil
	}

	var downCalled, readyCalled atomic.Int32

	m := NewManager(testLogger())
	w := m.Watch(ctx, WatcherConfig{
		Name:    "test-transitions",
		Probe:   probe,
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
		OnDown:  func(err error) { downCalled.Add(1) },
	})

	waitFor(t, w.IsReady, "watcher never became ready")

	failing.Store(true)
	waitFor(t, func() bool { return !w.IsReady() }, "watcher never noticed the outage")
	waitFor(t, func() bool { return downCalled.Load() == 1 }, "OnDown never called")

	if s := w.Status(); s.LastError == "" {
		t.Error("Status().LastError empty during outage")
	}

	failing.Store(false)
	waitFor(t, w.IsReady, "watcher never recovered")
	waitFor(t, func() bool { return readyCalled.Load() == 2 }, "OnReady not called on recovery")
}

func TestManagerStatus(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(testLogger())
	up := m.Watch(ctx, WatcherConfig{
		Name:    "provider-up",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
	})
	m.Watch(ctx, WatcherConfig{
		Name:    "provider-down",
		Probe:   func(ctx context.Context) error { return errors.New("no route to host") },
		Backoff: testBackoff(),
	})

	waitFor(t, up.IsReady, "healthy watcher never became ready")

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("Status() has %d entries, want 2", len(status))
	}
	if !status["provider-up"].Ready {
		t.Error("provider-up should be ready")
	}
	if status["provider-down"].Ready {
		t.Error("provider-down should not be ready")
	}
	if status["provider-down"].Name != "provider-down" {
		t.Errorf("Name = %q, want provider-down", status["provider-down"].Name)
	}

	m.Stop()
}

func TestWatchValidation(t *testing.T) {
	t.Parallel()
	m := NewManager(testLogger())

	defer func() {
		if recover() == nil {
			t.Error("Watch with empty name should panic")
		}
	}()
	m.Watch(context.Background(), WatcherConfig{
		Probe: func(ctx context.Context) error { return nil },
	})
}
