package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ReminderInfo is one automation as the reminder tools present it.
type ReminderInfo struct {
	ID     int64
	Label  string
	Cron   string
	FireAt *time.Time
}

// ReminderScheduler is the slice of the scheduler the reminder tools
// drive. It arrives through a Slot because the scheduler is built
// after the registry.
type ReminderScheduler interface {
	AddAutomation(ctx context.Context, userID, label, cronExpr string, fireAt *time.Time) (int64, error)
	ListAutomations(ctx context.Context, userID string) ([]ReminderInfo, error)
	RemoveAutomation(ctx context.Context, userID string, id int64) error
}

// RegisterReminderTools wires the reminder tools against a scheduler
// slot. loc is the timezone bare clock times are interpreted in.
func (r *Registry) RegisterReminderTools(slot *Slot[ReminderScheduler], loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	sched := func() (ReminderScheduler, error) {
		s, ok := slot.Get()
		if !ok {
			return nil, fmt.Errorf("scheduler not ready")
		}
		return s, nil
	}

	r.Register(&Tool{
		Name:        "set_reminder",
		Description: "Create a recurring reminder on a cron schedule. Use for habits and routines (daily medication, weekly reviews).",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"label": map[string]any{
					"type":        "string",
					"description": "What to remind about (e.g. 'take medication').",
				},
				"cron": map[string]any{
					"type":        "string",
					"description": "Standard 5-field cron expression (e.g. '0 9 * * *' for daily at 9am).",
				},
			},
			"required": []string{"label", "cron"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			s, err := sched()
			if err != nil {
				return "", err
			}
			label, _ := args["label"].(string)
			cronExpr, _ := args["cron"].(string)
			if label == "" || cronExpr == "" {
				return "", fmt.Errorf("label and cron are required")
			}
			id, err := s.AddAutomation(ctx, UserIDFromContext(ctx), label, cronExpr, nil)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Recurring reminder %q set (%s), id %d.", label, cronExpr, id), nil
		},
	})

	r.Register(&Tool{
		Name:        "set_one_time_reminder",
		Description: "Create a reminder that fires once at a given time, then removes itself. Accepts a time ('15:04', '3:04pm', '2025-06-02 09:00', RFC3339), a duration ('45m'), or 'in 2 hours'.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"label": map[string]any{
					"type":        "string",
					"description": "What to remind about.",
				},
				"when": map[string]any{
					"type":        "string",
					"description": "When to fire.",
				},
			},
			"required": []string{"label", "when"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			s, err := sched()
			if err != nil {
				return "", err
			}
			label, _ := args["label"].(string)
			when, _ := args["when"].(string)
			if label == "" || when == "" {
				return "", fmt.Errorf("label and when are required")
			}

			fireAt, err := ParseFireTime(when, time.Now().In(loc), loc)
			if err != nil {
				return "", err
			}
			id, err := s.AddAutomation(ctx, UserIDFromContext(ctx), label, "", &fireAt)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Reminder %q set for %s, id %d.", label, fireAt.Format("Mon 2 Jan 15:04"), id), nil
		},
	})

	r.Register(&Tool{
		Name:        "list_reminders",
		Description: "List the user's reminders and scheduled automations.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			s, err := sched()
			if err != nil {
				return "", err
			}
			items, err := s.ListAutomations(ctx, UserIDFromContext(ctx))
			if err != nil {
				return "", err
			}
			if len(items) == 0 {
				return "No reminders set.", nil
			}
			var sb strings.Builder
			for _, a := range items {
				fmt.Fprintf(&sb, "- [%d] %s", a.ID, a.Label)
				if a.FireAt != nil {
					fmt.Fprintf(&sb, " at %s (one-time)", a.FireAt.In(loc).Format("Mon 2 Jan 15:04"))
				} else if a.Cron != "" {
					fmt.Fprintf(&sb, " (%s)", a.Cron)
				}
				sb.WriteString("\n")
			}
			return sb.String(), nil
		},
	})

	r.Register(&Tool{
		Name:        "cancel_reminder",
		Description: "Cancel a reminder by id.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "integer",
					"description": "The reminder id from list_reminders.",
				},
			},
			"required": []string{"id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			s, err := sched()
			if err != nil {
				return "", err
			}
			id := int64arg(args, "id")
			if id == 0 {
				return "", fmt.Errorf("id is required")
			}
			if err := s.RemoveAutomation(ctx, UserIDFromContext(ctx), id); err != nil {
				return "", err
			}
			return "Reminder cancelled.", nil
		},
	})
}
