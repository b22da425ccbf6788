// Package plans tracks multi-step undertakings that outlive a single
// conversation: a plan owns ordered steps, each step accumulates an
// append-only trail of attempts. The assistant uses them to pick up
// long-running work where it left off.
package plans

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Plan statuses.
const (
	StatusActive    = "active"
	StatusComplete  = "complete"
	StatusAbandoned = "abandoned"
)

// Step statuses.
const (
	StepPending    = "pending"
	StepInProgress = "in_progress"
	StepDone       = "done"
	StepSkipped    = "skipped"
	StepBlocked    = "blocked"
)

// Plan is one tracked undertaking. Steps is populated by Get; List
// fills only the StepsDone/StepsTotal counters.
type Plan struct {
	ID          int64
	UserID      string
	Title       string
	Description string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Steps      []*Step
	StepsDone  int
	StepsTotal int
}

// Step is one ordered unit of work inside a plan. Positions start at 1
// and are unique within the plan. Attempts is populated by Get.
type Step struct {
	ID        int64
	PlanID    int64
	Position  int
	Title     string
	Status    string
	Notes     string
	UpdatedAt time.Time

	Attempts []*Attempt
}

// Attempt records one try at a step. Attempts are append-only; there
// is no update or delete.
type Attempt struct {
	ID          int64
	StepID      int64
	Outcome     string
	Notes       string
	AttemptedAt time.Time
}

// Store manages plan persistence.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates a plan store using an existing database connection.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger.With("component", "plans")}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS plans (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_plans_user_status ON plans(user_id, status);

		CREATE TABLE IF NOT EXISTS plan_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			plan_id INTEGER NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			title TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			notes TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (plan_id, position)
		);

		CREATE TABLE IF NOT EXISTS plan_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			step_id INTEGER NOT NULL REFERENCES plan_steps(id) ON DELETE CASCADE,
			outcome TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			attempted_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_plan_attempts_step ON plan_attempts(step_id, attempted_at);
	`)
	return err
}

func validPlanStatus(status string) bool {
	switch status {
	case StatusActive, StatusComplete, StatusAbandoned:
		return true
	}
	return false
}

func validStepStatus(status string) bool {
	switch status {
	case StepPending, StepInProgress, StepDone, StepSkipped, StepBlocked:
		return true
	}
	return false
}

// Create inserts a plan with its initial steps in one transaction.
func (s *Store) Create(ctx context.Context, userID, title, description string, steps []string) (*Plan, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("title must not be empty")
	}
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO plans (user_id, title, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, userID, title, strings.TrimSpace(description), StatusActive, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert plan: %w", err)
	}
	planID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert plan id: %w", err)
	}

	pos := 0
	for _, stepTitle := range steps {
		stepTitle = strings.TrimSpace(stepTitle)
		if stepTitle == "" {
			continue
		}
		pos++
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO plan_steps (plan_id, position, title, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, planID, pos, stepTitle, StepPending, now, now); err != nil {
			return nil, fmt.Errorf("insert step %d: %w", pos, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("plan created", "plan", planID, "title", title, "steps", pos)
	return s.Get(ctx, userID, planID)
}

// Get loads one plan with its steps and their attempts.
func (s *Store) Get(ctx context.Context, userID string, id int64) (*Plan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, description, status, created_at, updated_at
		FROM plans WHERE id = ? AND user_id = ?
	`, id, userID)
	p, err := scanPlan(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadSteps(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// FindByTitle resolves a plan by case-insensitive exact title, falling
// back to substring match. Active plans are preferred over closed
// ones. An ambiguous substring is an error so the caller can ask which
// plan was meant.
func (s *Store) FindByTitle(ctx context.Context, userID, title string) (*Plan, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, sql.ErrNoRows
	}

	matches, err := s.findByTitle(ctx, userID, "LOWER(title) = LOWER(?)", title)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		matches, err = s.findByTitle(ctx, userID, "LOWER(title) LIKE '%' || LOWER(?) || '%'", title)
		if err != nil {
			return nil, err
		}
	}

	switch len(matches) {
	case 0:
		return nil, sql.ErrNoRows
	case 1:
		return s.Get(ctx, userID, matches[0].ID)
	default:
		titles := make([]string, 0, len(matches))
		for _, m := range matches {
			titles = append(titles, m.Title)
		}
		return nil, fmt.Errorf("multiple plans match %q: %s", title, strings.Join(titles, "; "))
	}
}

func (s *Store) findByTitle(ctx context.Context, userID, cond, title string) ([]*Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, description, status, created_at, updated_at
		FROM plans
		WHERE user_id = ? AND `+cond+`
		ORDER BY status = 'active' DESC, updated_at DESC
	`, userID, title)
	if err != nil {
		return nil, fmt.Errorf("find plan: %w", err)
	}
	defer rows.Close()

	var out []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	// A unique active match wins even when closed plans share the name.
	if len(out) > 1 && out[0].Status == StatusActive && out[1].Status != StatusActive {
		out = out[:1]
	}
	return out, rows.Err()
}

// List returns plans with their step counters, most recently touched
// first. status filters to one status; "" lists everything.
func (s *Store) List(ctx context.Context, userID, status string) ([]*Plan, error) {
	if status != "" && !validPlanStatus(status) {
		return nil, fmt.Errorf("unknown plan status %q", status)
	}
	query := `
		SELECT p.id, p.user_id, p.title, p.description, p.status, p.created_at, p.updated_at,
			COUNT(s.id),
			COALESCE(SUM(CASE WHEN s.status IN ('done', 'skipped') THEN 1 ELSE 0 END), 0)
		FROM plans p
		LEFT JOIN plan_steps s ON s.plan_id = p.id
		WHERE p.user_id = ?`
	args := []any{userID}
	if status != "" {
		query += ` AND p.status = ?`
		args = append(args, status)
	}
	query += `
		GROUP BY p.id
		ORDER BY p.updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []*Plan
	for rows.Next() {
		var p Plan
		var created, updated string
		if err := rows.Scan(&p.ID, &p.UserID, &p.Title, &p.Description, &p.Status,
			&created, &updated, &p.StepsTotal, &p.StepsDone); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		p.CreatedAt = parseTime(created)
		p.UpdatedAt = parseTime(updated)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// SetStatus moves a plan between active, complete, and abandoned.
func (s *Store) SetStatus(ctx context.Context, userID string, id int64, status string) error {
	if !validPlanStatus(status) {
		return fmt.Errorf("unknown plan status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE plans SET status = ?, updated_at = ? WHERE id = ? AND user_id = ?
	`, status, time.Now().UTC().Format(time.RFC3339), id, userID)
	if err != nil {
		return fmt.Errorf("update plan status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update plan status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("plan %d not found", id)
	}
	return nil
}

// AddStep appends a step at the next free position.
func (s *Store) AddStep(ctx context.Context, userID string, planID int64, title string) (*Step, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("step title must not be empty")
	}
	if _, err := s.Get(ctx, userID, planID); err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var pos int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position), 0) + 1 FROM plan_steps WHERE plan_id = ?
	`, planID).Scan(&pos); err != nil {
		return nil, fmt.Errorf("next position: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO plan_steps (plan_id, position, title, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, planID, pos, title, StepPending, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert step: %w", err)
	}
	stepID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert step id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE plans SET updated_at = ? WHERE id = ?
	`, now, planID); err != nil {
		return nil, fmt.Errorf("touch plan: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &Step{ID: stepID, PlanID: planID, Position: pos, Title: title, Status: StepPending, UpdatedAt: parseTime(now)}, nil
}

// UpdateStep changes a step's status and/or notes, addressed by plan
// and position. Empty strings leave the field unchanged.
func (s *Store) UpdateStep(ctx context.Context, userID string, planID int64, position int, status, notes string) (*Step, error) {
	if status == "" && notes == "" {
		return nil, fmt.Errorf("nothing to update")
	}
	if status != "" && !validStepStatus(status) {
		return nil, fmt.Errorf("unknown step status %q", status)
	}
	step, err := s.getStep(ctx, userID, planID, position)
	if err != nil {
		return nil, err
	}
	if status != "" {
		step.Status = status
	}
	if notes != "" {
		step.Notes = notes
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx, `
		UPDATE plan_steps SET status = ?, notes = ?, updated_at = ? WHERE id = ?
	`, step.Status, step.Notes, now, step.ID); err != nil {
		return nil, fmt.Errorf("update step: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE plans SET updated_at = ? WHERE id = ?
	`, now, planID); err != nil {
		return nil, fmt.Errorf("touch plan: %w", err)
	}
	step.UpdatedAt = parseTime(now)
	return step, nil
}

// RecordAttempt appends one attempt to a step's trail.
func (s *Store) RecordAttempt(ctx context.Context, userID string, planID int64, position int, outcome, notes string) (*Attempt, error) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return nil, fmt.Errorf("outcome must not be empty")
	}
	step, err := s.getStep(ctx, userID, planID, position)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO plan_attempts (step_id, outcome, notes, attempted_at)
		VALUES (?, ?, ?, ?)
	`, step.ID, outcome, strings.TrimSpace(notes), now)
	if err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert attempt id: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE plans SET updated_at = ? WHERE id = ?
	`, now, planID); err != nil {
		return nil, fmt.Errorf("touch plan: %w", err)
	}
	return &Attempt{ID: id, StepID: step.ID, Outcome: outcome, Notes: strings.TrimSpace(notes), AttemptedAt: parseTime(now)}, nil
}

// getStep resolves a step by plan and position, checking plan
// ownership on the way.
func (s *Store) getStep(ctx context.Context, userID string, planID int64, position int) (*Step, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.plan_id, s.position, s.title, s.status, s.notes, s.updated_at
		FROM plan_steps s
		JOIN plans p ON p.id = s.plan_id
		WHERE s.plan_id = ? AND s.position = ? AND p.user_id = ?
	`, planID, position, userID)

	var st Step
	var updated string
	err := row.Scan(&st.ID, &st.PlanID, &st.Position, &st.Title, &st.Status, &st.Notes, &updated)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plan %d has no step %d", planID, position)
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	st.UpdatedAt = parseTime(updated)
	return &st, nil
}

func (s *Store) loadSteps(ctx context.Context, p *Plan) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, position, title, status, notes, updated_at
		FROM plan_steps WHERE plan_id = ? ORDER BY position
	`, p.ID)
	if err != nil {
		return fmt.Errorf("load steps: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*Step)
	for rows.Next() {
		var st Step
		var updated string
		if err := rows.Scan(&st.ID, &st.PlanID, &st.Position, &st.Title, &st.Status, &st.Notes, &updated); err != nil {
			return fmt.Errorf("scan step: %w", err)
		}
		st.UpdatedAt = parseTime(updated)
		p.Steps = append(p.Steps, &st)
		byID[st.ID] = &st
		p.StepsTotal++
		if st.Status == StepDone || st.Status == StepSkipped {
			p.StepsDone++
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(p.Steps) == 0 {
		return nil
	}

	attemptRows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.step_id, a.outcome, a.notes, a.attempted_at
		FROM plan_attempts a
		JOIN plan_steps s ON s.id = a.step_id
		WHERE s.plan_id = ?
		ORDER BY a.attempted_at, a.id
	`, p.ID)
	if err != nil {
		return fmt.Errorf("load attempts: %w", err)
	}
	defer attemptRows.Close()

	for attemptRows.Next() {
		var a Attempt
		var at string
		if err := attemptRows.Scan(&a.ID, &a.StepID, &a.Outcome, &a.Notes, &at); err != nil {
			return fmt.Errorf("scan attempt: %w", err)
		}
		a.AttemptedAt = parseTime(at)
		if st := byID[a.StepID]; st != nil {
			st.Attempts = append(st.Attempts, &a)
		}
	}
	return attemptRows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*Plan, error) {
	var p Plan
	var created, updated string
	err := row.Scan(&p.ID, &p.UserID, &p.Title, &p.Description, &p.Status, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
