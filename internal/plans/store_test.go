package plans

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, testLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func mustCreate(t *testing.T, s *Store, user, title string, steps ...string) *Plan {
	t.Helper()
	p, err := s.Create(context.Background(), user, title, "", steps)
	if err != nil {
		t.Fatalf("Create(%s): %v", title, err)
	}
	return p
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Create(ctx, "u1", "Learn the piano", "Through the beginner book by December.",
		[]string{"Buy a keyboard", "  ", "Find a teacher", "Book first lesson"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Status != StatusActive {
		t.Errorf("Status = %q, want active", p.Status)
	}
	if p.StepsTotal != 3 {
		t.Fatalf("StepsTotal = %d, want 3 (blank step dropped)", p.StepsTotal)
	}
	for i, st := range p.Steps {
		if st.Position != i+1 {
			t.Errorf("step %d position = %d", i, st.Position)
		}
		if st.Status != StepPending {
			t.Errorf("step %d status = %q", i, st.Status)
		}
	}
	if p.Steps[1].Title != "Find a teacher" {
		t.Errorf("step 2 = %q", p.Steps[1].Title)
	}

	got, err := s.Get(ctx, "u1", p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "Learn the piano" || got.Description == "" || len(got.Steps) != 3 {
		t.Errorf("roundtrip lost data: %+v", got)
	}
}

func TestCreateRequiresTitle(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create(context.Background(), "u1", "  ", "", nil); err == nil {
		t.Fatal("expected an error for a blank title")
	}
}

func TestFindByTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rome := mustCreate(t, s, "u1", "Trip to Rome")
	mustCreate(t, s, "u1", "Trip to Oslo")

	got, err := s.FindByTitle(ctx, "u1", "trip to rome")
	if err != nil {
		t.Fatalf("exact find: %v", err)
	}
	if got.ID != rome.ID {
		t.Errorf("found plan %d, want %d", got.ID, rome.ID)
	}

	if _, err := s.FindByTitle(ctx, "u1", "trip"); err == nil || !strings.Contains(err.Error(), "multiple plans match") {
		t.Errorf("ambiguous find err = %v", err)
	}

	got, err = s.FindByTitle(ctx, "u1", "oslo")
	if err != nil || got.Title != "Trip to Oslo" {
		t.Errorf("substring find = %v, %v", got, err)
	}

	if _, err := s.FindByTitle(ctx, "u1", "mars"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing plan err = %v, want ErrNoRows", err)
	}
}

func TestFindByTitlePrefersActiveOverClosed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := mustCreate(t, s, "u1", "Taxes")
	if err := s.SetStatus(ctx, "u1", old.ID, StatusComplete); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	current := mustCreate(t, s, "u1", "Taxes")

	got, err := s.FindByTitle(ctx, "u1", "taxes")
	if err != nil {
		t.Fatalf("FindByTitle: %v", err)
	}
	if got.ID != current.ID || got.Status != StatusActive {
		t.Errorf("found plan %d (%s), want active %d", got.ID, got.Status, current.ID)
	}
}

func TestListFiltersAndCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, "u1", "Renovate kitchen", "Demolition", "Cabinets")
	if _, err := s.UpdateStep(ctx, "u1", a.ID, 1, StepDone, ""); err != nil {
		t.Fatalf("UpdateStep: %v", err)
	}
	b := mustCreate(t, s, "u1", "Old project")
	if err := s.SetStatus(ctx, "u1", b.ID, StatusComplete); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	active, err := s.List(ctx, "u1", StatusActive)
	if err != nil {
		t.Fatalf("List active: %v", err)
	}
	if len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("active = %+v", active)
	}
	if active[0].StepsDone != 1 || active[0].StepsTotal != 2 {
		t.Errorf("counters = %d/%d, want 1/2", active[0].StepsDone, active[0].StepsTotal)
	}

	all, err := s.List(ctx, "u1", "")
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all = %d plans, want 2", len(all))
	}

	if _, err := s.List(ctx, "u1", "bogus"); err == nil {
		t.Error("expected an error for an unknown status filter")
	}
}

func TestSetStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := mustCreate(t, s, "u1", "Declutter")
	if err := s.SetStatus(ctx, "u1", p.ID, StatusAbandoned); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, _ := s.Get(ctx, "u1", p.ID)
	if got.Status != StatusAbandoned {
		t.Errorf("Status = %q", got.Status)
	}

	if err := s.SetStatus(ctx, "u1", 9999, StatusComplete); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("missing plan err = %v", err)
	}
	if err := s.SetStatus(ctx, "u1", p.ID, "paused"); err == nil {
		t.Error("expected an error for an unknown status")
	}
}

func TestAddStepAppendsPosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := mustCreate(t, s, "u1", "Garden", "Clear beds", "Plant bulbs")
	step, err := s.AddStep(ctx, "u1", p.ID, "Water schedule")
	if err != nil {
		t.Fatalf("AddStep: %v", err)
	}
	if step.Position != 3 {
		t.Errorf("Position = %d, want 3", step.Position)
	}

	if _, err := s.AddStep(ctx, "u1", 9999, "x"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing plan err = %v, want ErrNoRows", err)
	}
	if _, err := s.AddStep(ctx, "u1", p.ID, " "); err == nil {
		t.Error("expected an error for a blank step title")
	}
}

func TestUpdateStep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := mustCreate(t, s, "u1", "Move out", "Give notice", "Pack")

	step, err := s.UpdateStep(ctx, "u1", p.ID, 1, StepDone, "Sent the letter.")
	if err != nil {
		t.Fatalf("UpdateStep: %v", err)
	}
	if step.Status != StepDone || step.Notes != "Sent the letter." {
		t.Errorf("step = %+v", step)
	}

	// Empty status keeps the previous one.
	step, err = s.UpdateStep(ctx, "u1", p.ID, 1, "", "Landlord confirmed.")
	if err != nil {
		t.Fatalf("UpdateStep notes only: %v", err)
	}
	if step.Status != StepDone || step.Notes != "Landlord confirmed." {
		t.Errorf("step after notes update = %+v", step)
	}

	if _, err := s.UpdateStep(ctx, "u1", p.ID, 1, "", ""); err == nil {
		t.Error("expected an error when nothing changes")
	}
	if _, err := s.UpdateStep(ctx, "u1", p.ID, 1, "launched", ""); err == nil {
		t.Error("expected an error for an unknown step status")
	}
	if _, err := s.UpdateStep(ctx, "u1", p.ID, 7, StepDone, ""); err == nil || !strings.Contains(err.Error(), "no step 7") {
		t.Errorf("missing step err = %v", err)
	}
}

func TestRecordAttemptAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := mustCreate(t, s, "u1", "Fix the bike", "Order part")

	if _, err := s.RecordAttempt(ctx, "u1", p.ID, 1, "failed", "shop out of stock"); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if _, err := s.RecordAttempt(ctx, "u1", p.ID, 1, "worked", ""); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	got, err := s.Get(ctx, "u1", p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	attempts := got.Steps[0].Attempts
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if attempts[0].Outcome != "failed" || attempts[1].Outcome != "worked" {
		t.Errorf("attempt order lost: %q then %q", attempts[0].Outcome, attempts[1].Outcome)
	}
	if attempts[0].Notes != "shop out of stock" {
		t.Errorf("attempt notes = %q", attempts[0].Notes)
	}

	if _, err := s.RecordAttempt(ctx, "u1", p.ID, 1, "  ", ""); err == nil {
		t.Error("expected an error for a blank outcome")
	}
}

func TestUserScoping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := mustCreate(t, s, "alice", "Private plan", "Step one")

	if _, err := s.Get(ctx, "bob", p.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("cross-user Get err = %v, want ErrNoRows", err)
	}
	list, err := s.List(ctx, "bob", "")
	if err != nil || len(list) != 0 {
		t.Errorf("cross-user List = %v, %v", list, err)
	}
	if _, err := s.UpdateStep(ctx, "bob", p.ID, 1, StepDone, ""); err == nil {
		t.Error("cross-user step update should fail")
	}
}
