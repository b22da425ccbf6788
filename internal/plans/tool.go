package plans

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/penhold/squire/internal/tools"
)

// RegisterTools wires the plan tools into the registry. Plans are
// addressed by id or by title; steps by their position within the plan.
func RegisterTools(r *tools.Registry, store *Store) {
	r.Register(&tools.Tool{
		Name:        "plan_create",
		Description: "Start tracking a multi-step plan. Give the steps up front when they are known; more can be added later.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Short name for the plan.",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "What the plan is for and what done looks like.",
				},
				"steps": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Ordered step titles.",
				},
			},
			"required": []string{"title"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			title, _ := args["title"].(string)
			if strings.TrimSpace(title) == "" {
				return "", fmt.Errorf("title is required")
			}
			description, _ := args["description"].(string)

			var steps []string
			if raw, ok := args["steps"].([]any); ok {
				for _, v := range raw {
					if s, ok := v.(string); ok {
						steps = append(steps, s)
					}
				}
			}

			p, err := store.Create(ctx, tools.UserIDFromContext(ctx), title, description, steps)
			if err != nil {
				return "", err
			}
			return "Created.\n\n" + renderPlan(p), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "plan_list",
		Description: "List tracked plans with their progress. Defaults to active plans.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"status": map[string]any{
					"type":        "string",
					"description": "active, complete, abandoned, or all.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			status, _ := args["status"].(string)
			status = strings.ToLower(strings.TrimSpace(status))
			switch status {
			case "":
				status = StatusActive
			case "all":
				status = ""
			}

			list, err := store.List(ctx, tools.UserIDFromContext(ctx), status)
			if err != nil {
				return "", err
			}
			if len(list) == 0 {
				if status == "" {
					return "No plans tracked yet.", nil
				}
				return fmt.Sprintf("No %s plans.", status), nil
			}
			return renderPlanList(list), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "plan_show",
		Description: "Show one plan in full: steps, notes, and the attempts logged against each step.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"plan": map[string]any{
					"type":        "string",
					"description": "Plan id or title.",
				},
			},
			"required": []string{"plan"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			p, err := resolvePlan(ctx, store, args["plan"])
			if err != nil {
				return "", err
			}
			return renderPlan(p), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "plan_add_step",
		Description: "Append a step to an existing plan.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"plan": map[string]any{
					"type":        "string",
					"description": "Plan id or title.",
				},
				"title": map[string]any{
					"type":        "string",
					"description": "Step title.",
				},
			},
			"required": []string{"plan", "title"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			title, _ := args["title"].(string)
			if strings.TrimSpace(title) == "" {
				return "", fmt.Errorf("title is required")
			}
			p, err := resolvePlan(ctx, store, args["plan"])
			if err != nil {
				return "", err
			}
			step, err := store.AddStep(ctx, tools.UserIDFromContext(ctx), p.ID, title)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Added step %d to %q: %s", step.Position, p.Title, step.Title), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "plan_step",
		Description: "Update one step of a plan: change its status, replace its notes, and/or log an attempt with its outcome.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"plan": map[string]any{
					"type":        "string",
					"description": "Plan id or title.",
				},
				"step": map[string]any{
					"type":        "integer",
					"description": "Step position within the plan, starting at 1.",
				},
				"status": map[string]any{
					"type":        "string",
					"description": "pending, in_progress, done, skipped, or blocked.",
				},
				"notes": map[string]any{
					"type":        "string",
					"description": "Replacement notes for the step.",
				},
				"outcome": map[string]any{
					"type":        "string",
					"description": "When set, logs an attempt with this outcome (e.g. 'worked', 'failed: no response'). The attempt trail is permanent.",
				},
			},
			"required": []string{"plan", "step"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			position, _ := args["step"].(float64)
			if position < 1 {
				return "", fmt.Errorf("step position is required")
			}
			status, _ := args["status"].(string)
			notes, _ := args["notes"].(string)
			outcome, _ := args["outcome"].(string)
			status = strings.ToLower(strings.TrimSpace(status))
			if status == "" && strings.TrimSpace(notes) == "" && strings.TrimSpace(outcome) == "" {
				return "", fmt.Errorf("give at least one of status, notes, outcome")
			}

			p, err := resolvePlan(ctx, store, args["plan"])
			if err != nil {
				return "", err
			}
			user := tools.UserIDFromContext(ctx)

			if strings.TrimSpace(outcome) != "" {
				if _, err := store.RecordAttempt(ctx, user, p.ID, int(position), outcome, ""); err != nil {
					return "", err
				}
			}

			var step *Step
			if status != "" || strings.TrimSpace(notes) != "" {
				step, err = store.UpdateStep(ctx, user, p.ID, int(position), status, strings.TrimSpace(notes))
			} else {
				step, err = store.getStep(ctx, user, p.ID, int(position))
			}
			if err != nil {
				return "", err
			}

			out := fmt.Sprintf("Step %d of %q is now %s.", step.Position, p.Title, step.Status)
			if strings.TrimSpace(outcome) != "" {
				out += " Attempt logged."
			}
			if remaining, err := openSteps(ctx, store, user, p.ID); err == nil && remaining == 0 && p.Status == StatusActive {
				out += " Every step is done or skipped; plan_close can mark the plan complete."
			}
			return out, nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "plan_close",
		Description: "Close a plan as complete or abandoned. Closed plans stay in history and can be listed.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"plan": map[string]any{
					"type":        "string",
					"description": "Plan id or title.",
				},
				"outcome": map[string]any{
					"type":        "string",
					"description": "complete or abandoned. Default complete.",
				},
			},
			"required": []string{"plan"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			outcome, _ := args["outcome"].(string)
			outcome = strings.ToLower(strings.TrimSpace(outcome))
			if outcome == "" {
				outcome = StatusComplete
			}
			if outcome != StatusComplete && outcome != StatusAbandoned {
				return "", fmt.Errorf("outcome must be complete or abandoned")
			}

			p, err := resolvePlan(ctx, store, args["plan"])
			if err != nil {
				return "", err
			}
			if err := store.SetStatus(ctx, tools.UserIDFromContext(ctx), p.ID, outcome); err != nil {
				return "", err
			}
			return fmt.Sprintf("Marked plan %q %s.", p.Title, outcome), nil
		},
	})
}

// resolvePlan accepts a numeric id or a title.
func resolvePlan(ctx context.Context, store *Store, v any) (*Plan, error) {
	user := tools.UserIDFromContext(ctx)
	var p *Plan
	var err error

	switch t := v.(type) {
	case float64:
		p, err = store.Get(ctx, user, int64(t))
	case string:
		t = strings.TrimSpace(t)
		if t == "" {
			return nil, fmt.Errorf("plan is required")
		}
		if id, perr := strconv.ParseInt(t, 10, 64); perr == nil {
			p, err = store.Get(ctx, user, id)
		} else {
			p, err = store.FindByTitle(ctx, user, t)
		}
	default:
		return nil, fmt.Errorf("plan is required")
	}

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no plan matches %v; plan_list shows what is tracked", v)
	}
	return p, err
}

// openSteps counts steps that are neither done nor skipped.
func openSteps(ctx context.Context, store *Store, user string, planID int64) (int, error) {
	p, err := store.Get(ctx, user, planID)
	if err != nil {
		return 0, err
	}
	return p.StepsTotal - p.StepsDone, nil
}

func renderPlan(p *Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan %d: %s (%s)", p.ID, p.Title, p.Status)
	if p.Description != "" {
		fmt.Fprintf(&b, "\n%s", p.Description)
	}
	if len(p.Steps) == 0 {
		b.WriteString("\nNo steps yet; plan_add_step adds one.")
		return b.String()
	}
	fmt.Fprintf(&b, "\n%d/%d steps done:", p.StepsDone, p.StepsTotal)
	for _, st := range p.Steps {
		fmt.Fprintf(&b, "\n%d. [%s] %s", st.Position, st.Status, st.Title)
		if st.Notes != "" {
			fmt.Fprintf(&b, "\n   notes: %s", st.Notes)
		}
		for _, a := range lastAttempts(st.Attempts, 3) {
			fmt.Fprintf(&b, "\n   %s %s", a.AttemptedAt.Format("2006-01-02"), a.Outcome)
			if a.Notes != "" {
				fmt.Fprintf(&b, ": %s", a.Notes)
			}
		}
	}
	return b.String()
}

func renderPlanList(list []*Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d plan(s):", len(list))
	for _, p := range list {
		fmt.Fprintf(&b, "\n- %d: %s (%s", p.ID, p.Title, p.Status)
		if p.Status == StatusActive && p.StepsTotal > 0 {
			fmt.Fprintf(&b, ", %d/%d steps done", p.StepsDone, p.StepsTotal)
		}
		b.WriteString(")")
	}
	return b.String()
}

func lastAttempts(attempts []*Attempt, n int) []*Attempt {
	if len(attempts) <= n {
		return attempts
	}
	return attempts[len(attempts)-n:]
}
