package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Automation is one scheduled wake-up: either recurring (cron
// expression) or one-shot (absolute fire time), never both.
type Automation struct {
	ID        int64
	UserID    string
	Label     string
	CronExpr  string     // empty for one-shot
	FireAt    *time.Time // nil for recurring
	CreatedAt time.Time
	LastRunAt *time.Time // nil until a fire has been fully persisted
}

// OneShot reports whether the automation fires once and self-removes.
func (a *Automation) OneShot() bool { return a.FireAt != nil }

// Store persists automations in sqlite.
type Store struct {
	db *sql.DB
}

// NewStore wraps db and creates the automations table if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate automations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS automations (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id     TEXT NOT NULL,
			label       TEXT NOT NULL,
			cron_expr   TEXT,
			fire_at     TEXT,
			created_at  TEXT NOT NULL,
			last_run_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_automations_user ON automations(user_id);
	`)
	return err
}

// Add inserts an automation and returns its id. Exactly one of cronExpr
// and fireAt must be set.
func (s *Store) Add(ctx context.Context, userID, label, cronExpr string, fireAt *time.Time) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("add automation: user id is required")
	}
	if label == "" {
		return 0, fmt.Errorf("add automation: label is required")
	}
	if (cronExpr == "") == (fireAt == nil) {
		return 0, fmt.Errorf("add automation: need a cron expression or a fire time, not both")
	}

	var fireStr any
	if fireAt != nil {
		fireStr = fireAt.UTC().Format(time.RFC3339)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO automations (user_id, label, cron_expr, fire_at, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?)`,
		userID, label, cronExpr, fireStr, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("add automation: %w", err)
	}
	return res.LastInsertId()
}

// Get returns one automation, or nil when the row no longer exists.
func (s *Store) Get(ctx context.Context, id int64) (*Automation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, label, cron_expr, fire_at, created_at, last_run_at
		FROM automations WHERE id = ?`, id)
	a, err := scanAutomation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ListForUser returns a user's automations, oldest first.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*Automation, error) {
	return s.list(ctx, `
		SELECT id, user_id, label, cron_expr, fire_at, created_at, last_run_at
		FROM automations WHERE user_id = ? ORDER BY id ASC`, userID)
}

// ListAll returns every automation, for startup registration.
func (s *Store) ListAll(ctx context.Context) ([]*Automation, error) {
	return s.list(ctx, `
		SELECT id, user_id, label, cron_expr, fire_at, created_at, last_run_at
		FROM automations ORDER BY id ASC`)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Automation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	defer rows.Close()

	var out []*Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Remove deletes an automation regardless of owner. Returns false when
// no row matched.
func (s *Store) Remove(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM automations WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("remove automation: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RemoveOwned deletes an automation only when userID owns it.
func (s *Store) RemoveOwned(ctx context.Context, userID string, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM automations WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, fmt.Errorf("remove automation: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// TouchLastRun records that a fire completed and was persisted. Callers
// must not touch on failed fires; a stale last_run_at is what tells an
// operator the automation has not actually been delivering.
func (s *Store) TouchLastRun(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE automations SET last_run_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("touch last run: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAutomation(row rowScanner) (*Automation, error) {
	var (
		a          Automation
		cronExpr   sql.NullString
		fireStr    sql.NullString
		createdStr string
		lastRunStr sql.NullString
	)
	err := row.Scan(&a.ID, &a.UserID, &a.Label, &cronExpr, &fireStr, &createdStr, &lastRunStr)
	if err != nil {
		return nil, err
	}
	a.CronExpr = cronExpr.String
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	if fireStr.Valid {
		t, _ := time.Parse(time.RFC3339, fireStr.String)
		a.FireAt = &t
	}
	if lastRunStr.Valid {
		t, _ := time.Parse(time.RFC3339, lastRunStr.String)
		a.LastRunAt = &t
	}
	return &a, nil
}
