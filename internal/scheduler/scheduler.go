// Package scheduler fires automations: recurring cron wake-ups and
// one-shot reminders, plus the fixed daily jobs (briefing, check-in,
// nightly maintenance). Firing is delegated to a callback so the
// package knows nothing about prompts or transports.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/penhold/squire/internal/tools"
)

// FireFunc handles one automation fire. A nil return means the fire was
// delivered and persisted; only then does last_run_at advance.
type FireFunc func(ctx context.Context, a *Automation) error

const (
	// fireTimeout bounds one fire end to end, model calls included.
	fireTimeout = 5 * time.Minute

	// staleOneShotWindow is how far past its fire time a one-shot may be
	// found at startup and still fire. Older ones are dropped: a
	// reminder delivered days late is worse than an apology never sent.
	staleOneShotWindow = 24 * time.Hour
)

// Scheduler owns the cron runner and the one-shot timers. Recurring
// automations and built-in jobs become cron entries; one-shots become
// timers. Every automation registers under its row id so live
// add/remove stays in step with the store.
type Scheduler struct {
	store  *Store
	fire   FireFunc
	logger *slog.Logger
	cron   *cron.Cron
	loc    *time.Location

	mu      sync.Mutex
	entries map[int64]cron.EntryID
	timers  map[int64]*time.Timer
	started bool
	wg      sync.WaitGroup
}

// New creates a scheduler evaluating cron expressions in loc. A nil loc
// means the system timezone.
func New(store *Store, fire FireFunc, loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")

	cl := cronLogger{logger}
	return &Scheduler{
		store:  store,
		fire:   fire,
		logger: logger,
		loc:    loc,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		entries: make(map[int64]cron.EntryID),
		timers:  make(map[int64]*time.Timer),
	}
}

// AddBuiltin registers a fixed job (briefing, check-in, maintenance)
// that lives outside the automations table. Must be called before
// Start.
func (s *Scheduler) AddBuiltin(label, cronExpr string, job func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(cronExpr, func() {
		if !s.enterFire() {
			return
		}
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
		defer cancel()

		start := time.Now()
		job(ctx)
		s.logger.Debug("builtin job finished", "label", label, "took", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("builtin %q: bad cron %q: %w", label, cronExpr, err)
	}
	return nil
}

// Start loads stored automations, registers them, and starts the cron
// runner. It does not block.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	n, err := s.LoadUserAutomations(ctx)
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "automations", n, "timezone", s.loc.String())
	return nil
}

// Stop halts scheduling and waits for in-flight fires to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// LoadUserAutomations registers every stored automation and returns how
// many are live. One-shots whose fire time passed more than a day ago
// are dropped instead of fired.
func (s *Scheduler) LoadUserAutomations(ctx context.Context) (int, error) {
	all, err := s.store.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	registered := 0
	for _, a := range all {
		if a.OneShot() && time.Until(*a.FireAt) < -staleOneShotWindow {
			if _, err := s.store.Remove(ctx, a.ID); err != nil {
				s.logger.Error("could not drop stale reminder", "id", a.ID, "error", err)
			} else {
				s.logger.Info("dropped reminder missed while down",
					"id", a.ID, "label", a.Label, "fire_at", a.FireAt)
			}
			continue
		}
		if err := s.register(a); err != nil {
			s.logger.Error("could not register automation",
				"id", a.ID, "label", a.Label, "error", err)
			continue
		}
		registered++
	}
	return registered, nil
}

// AddAutomation stores a new automation and registers it live.
// Implements the reminder tools' scheduler contract.
func (s *Scheduler) AddAutomation(ctx context.Context, userID, label, cronExpr string, fireAt *time.Time) (int64, error) {
	if cronExpr != "" {
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return 0, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
		}
	}

	id, err := s.store.Add(ctx, userID, label, cronExpr, fireAt)
	if err != nil {
		return 0, err
	}

	a := &Automation{ID: id, UserID: userID, Label: label, CronExpr: cronExpr, FireAt: fireAt}
	if err := s.register(a); err != nil {
		// The row exists and will register on next startup; the live
		// runner just missed it.
		s.logger.Error("automation stored but not registered", "id", id, "error", err)
	}
	return id, nil
}

// ListAutomations returns a user's automations as reminder summaries.
func (s *Scheduler) ListAutomations(ctx context.Context, userID string) ([]tools.ReminderInfo, error) {
	rows, err := s.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]tools.ReminderInfo, 0, len(rows))
	for _, a := range rows {
		out = append(out, tools.ReminderInfo{
			ID:     a.ID,
			Label:  a.Label,
			Cron:   a.CronExpr,
			FireAt: a.FireAt,
		})
	}
	return out, nil
}

// RemoveAutomation deletes a user's automation and unregisters it.
func (s *Scheduler) RemoveAutomation(ctx context.Context, userID string, id int64) error {
	ok, err := s.store.RemoveOwned(ctx, userID, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no reminder with id %d", id)
	}
	s.unregister(id)
	return nil
}

// TriggerNow fires an automation immediately, bypassing its schedule.
func (s *Scheduler) TriggerNow(ctx context.Context, id int64) error {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("no automation with id %d", id)
	}
	return s.runFire(ctx, a)
}

// Stats reports runner state for the diagnostics surface.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"running":         s.started,
		"cron_entries":    len(s.entries),
		"one_shot_timers": len(s.timers),
	}
}

func (s *Scheduler) register(a *Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.OneShot() {
		delay := time.Until(*a.FireAt)
		if delay < 0 {
			delay = 0
		}
		id := a.ID
		s.timers[id] = time.AfterFunc(delay, func() { s.fireAutomation(id) })
		s.logger.Debug("one-shot registered", "id", id, "label", a.Label, "in", delay)
		return nil
	}

	id := a.ID
	entryID, err := s.cron.AddFunc(a.CronExpr, func() { s.fireAutomation(id) })
	if err != nil {
		return err
	}
	s.entries[id] = entryID
	s.logger.Debug("recurring registered", "id", id, "label", a.Label, "cron", a.CronExpr)
	return nil
}

func (s *Scheduler) unregister(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

// enterFire claims a slot in the in-flight group, refusing once Stop has
// begun so shutdown never races a new fire.
func (s *Scheduler) enterFire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Scheduler) fireAutomation(id int64) {
	if !s.enterFire() {
		return
	}
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	// Fresh row: the automation may have been cancelled since its entry
	// was registered.
	a, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.Error("could not load automation for fire", "id", id, "error", err)
		return
	}
	if a == nil {
		return
	}

	_ = s.runFire(ctx, a)
}

func (s *Scheduler) runFire(ctx context.Context, a *Automation) error {
	s.logger.Info("automation firing", "id", a.ID, "user", a.UserID, "label", a.Label)

	err := s.fire(ctx, a)
	if err != nil {
		s.logger.Error("automation fire failed", "id", a.ID, "label", a.Label, "error", err)
	} else if terr := s.store.TouchLastRun(ctx, a.ID); terr != nil {
		s.logger.Error("could not record last run", "id", a.ID, "error", terr)
	}

	if a.OneShot() {
		if _, rerr := s.store.Remove(ctx, a.ID); rerr != nil {
			s.logger.Error("could not remove fired one-shot", "id", a.ID, "error", rerr)
		}
		s.unregister(a.ID)
	}
	return err
}

// cronLogger adapts slog to the cron runner's logging interface. Cron's
// informational chatter lands at debug; recovered panics land at error.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, kv ...any) {
	c.l.Debug(msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(msg, append([]any{"error", err}, kv...)...)
}
