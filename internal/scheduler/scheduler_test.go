package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(t *testing.T, fire FireFunc) (*Scheduler, *Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Fires run on timer goroutines; a second pool connection to
	// :memory: would see its own empty database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s := New(store, fire, time.UTC, testLogger())
	t.Cleanup(s.Stop)
	return s, store
}

func waitForRowGone(t *testing.T, store *Store, id int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if a == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("automation row never removed")
}

func TestOneShotFiresAndSelfRemoves(t *testing.T) {
	fired := make(chan *Automation, 1)
	s, store := newTestScheduler(t, func(_ context.Context, a *Automation) error {
		fired <- a
		return nil
	})
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fireAt := time.Now().Add(20 * time.Millisecond)
	id, err := s.AddAutomation(ctx, "alice", "take out the trash", "", &fireAt)
	if err != nil {
		t.Fatalf("AddAutomation: %v", err)
	}

	select {
	case a := <-fired:
		if a.UserID != "alice" || a.Label != "take out the trash" {
			t.Errorf("fired automation = %+v", a)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot never fired")
	}

	waitForRowGone(t, store, id)
}

func TestOverdueOneShotFiresOnStartup(t *testing.T) {
	fired := make(chan *Automation, 1)
	s, store := newTestScheduler(t, func(_ context.Context, a *Automation) error {
		fired <- a
		return nil
	})
	ctx := context.Background()

	// Fire time passed while the daemon was down, but recently enough
	// to still deliver.
	fireAt := time.Now().Add(-time.Minute)
	id, err := store.Add(ctx, "alice", "overdue ping", "", &fireAt)
	if err != nil {
		t.Fatalf("store.Add: %v", err)
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case a := <-fired:
		if a.ID != id {
			t.Errorf("fired id = %d, want %d", a.ID, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("overdue one-shot never fired")
	}
}

func TestStaleOneShotDroppedOnStartup(t *testing.T) {
	fired := make(chan *Automation, 1)
	s, store := newTestScheduler(t, func(_ context.Context, a *Automation) error {
		fired <- a
		return nil
	})
	ctx := context.Background()

	fireAt := time.Now().Add(-48 * time.Hour)
	id, err := store.Add(ctx, "alice", "ancient reminder", "", &fireAt)
	if err != nil {
		t.Fatalf("store.Add: %v", err)
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Dropped synchronously during load, before cron starts.
	a, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a != nil {
		t.Error("stale one-shot survived startup")
	}

	select {
	case <-fired:
		t.Error("stale one-shot fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTriggerNowTouchesLastRunOnSuccess(t *testing.T) {
	s, store := newTestScheduler(t, func(context.Context, *Automation) error {
		return nil
	})
	ctx := context.Background()

	id, err := s.AddAutomation(ctx, "alice", "stretch", "0 9 * * *", nil)
	if err != nil {
		t.Fatalf("AddAutomation: %v", err)
	}

	if err := s.TriggerNow(ctx, id); err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}

	a, _ := store.Get(ctx, id)
	if a == nil {
		t.Fatal("recurring automation removed after fire")
	}
	if a.LastRunAt == nil {
		t.Error("last_run_at not set after successful fire")
	}
}

func TestFailedFireLeavesLastRunEmpty(t *testing.T) {
	s, store := newTestScheduler(t, func(context.Context, *Automation) error {
		return fmt.Errorf("provider down")
	})
	ctx := context.Background()

	id, err := s.AddAutomation(ctx, "alice", "stretch", "0 9 * * *", nil)
	if err != nil {
		t.Fatalf("AddAutomation: %v", err)
	}

	if err := s.TriggerNow(ctx, id); err == nil {
		t.Error("TriggerNow swallowed the fire error")
	}

	// The fire never persisted anything, so the automation must not
	// claim it ran.
	a, _ := store.Get(ctx, id)
	if a.LastRunAt != nil {
		t.Errorf("last_run_at = %v after failed fire", a.LastRunAt)
	}
}

func TestAddAutomationRejectsBadCron(t *testing.T) {
	s, store := newTestScheduler(t, func(context.Context, *Automation) error {
		return nil
	})
	ctx := context.Background()

	if _, err := s.AddAutomation(ctx, "alice", "bad", "every tuesday", nil); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}

	all, _ := store.ListAll(ctx)
	if len(all) != 0 {
		t.Errorf("invalid automation was stored: %+v", all)
	}
}

func TestRemoveAutomationEnforcesOwnership(t *testing.T) {
	s, store := newTestScheduler(t, func(context.Context, *Automation) error {
		return nil
	})
	ctx := context.Background()

	id, _ := s.AddAutomation(ctx, "alice", "stretch", "0 9 * * *", nil)

	err := s.RemoveAutomation(ctx, "bob", id)
	if err == nil || !strings.Contains(err.Error(), "no reminder") {
		t.Errorf("cross-user removal err = %v", err)
	}
	if a, _ := store.Get(ctx, id); a == nil {
		t.Fatal("row removed by non-owner")
	}

	if err := s.RemoveAutomation(ctx, "alice", id); err != nil {
		t.Fatalf("owner removal: %v", err)
	}
	if a, _ := store.Get(ctx, id); a != nil {
		t.Error("row still present after owner removal")
	}

	stats := s.Stats()
	if stats["cron_entries"].(int) != 0 {
		t.Errorf("cron entries = %v after removal", stats["cron_entries"])
	}
}

func TestListAutomationsMapsFields(t *testing.T) {
	s, _ := newTestScheduler(t, func(context.Context, *Automation) error {
		return nil
	})
	ctx := context.Background()

	s.AddAutomation(ctx, "alice", "stretch", "0 9 * * *", nil)
	fireAt := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	s.AddAutomation(ctx, "alice", "call dentist", "", &fireAt)

	infos, err := s.ListAutomations(ctx, "alice")
	if err != nil {
		t.Fatalf("ListAutomations: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d reminders, want 2", len(infos))
	}
	if infos[0].Label != "stretch" || infos[0].Cron != "0 9 * * *" || infos[0].FireAt != nil {
		t.Errorf("recurring info = %+v", infos[0])
	}
	if infos[1].Label != "call dentist" || infos[1].Cron != "" || !infos[1].FireAt.Equal(fireAt) {
		t.Errorf("one-shot info = %+v", infos[1])
	}
}

func TestAddBuiltinRejectsBadCron(t *testing.T) {
	s, _ := newTestScheduler(t, func(context.Context, *Automation) error {
		return nil
	})

	if err := s.AddBuiltin("briefing", "not a cron line", func(context.Context) {}); err == nil {
		t.Error("expected error for invalid builtin cron")
	}
	if err := s.AddBuiltin("briefing", "0 7 * * *", func(context.Context) {}); err != nil {
		t.Errorf("valid builtin rejected: %v", err)
	}
}

func TestStopRefusesNewFires(t *testing.T) {
	fired := make(chan *Automation, 1)
	s, _ := newTestScheduler(t, func(_ context.Context, a *Automation) error {
		fired <- a
		return nil
	})
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fireAt := time.Now().Add(50 * time.Millisecond)
	if _, err := s.AddAutomation(ctx, "alice", "late", "", &fireAt); err != nil {
		t.Fatalf("AddAutomation: %v", err)
	}

	s.Stop()

	select {
	case <-fired:
		t.Error("automation fired after Stop")
	case <-time.After(150 * time.Millisecond):
	}
}
