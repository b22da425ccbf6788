package calendar

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/penhold/squire/internal/tools"
)

const defaultLookaheadDays = 7

// RegisterTools wires the calendar_events tool into the registry.
func RegisterTools(r *tools.Registry, c *Client) {
	r.Register(&tools.Tool{
		Name:        "calendar_events",
		Description: "List the user's upcoming calendar events. Use for briefings, scheduling questions, or before proposing a meeting time.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"days": map[string]any{
					"type":        "integer",
					"description": "Lookahead window in days from now. Default 7.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			days := defaultLookaheadDays
			if d, ok := args["days"].(float64); ok && d > 0 {
				days = int(d)
			}

			from := c.now().In(c.loc)
			to := from.AddDate(0, 0, days)
			events, err := c.Events(ctx, from, to)
			if err != nil {
				return "", err
			}
			return renderEvents(events, days, c.loc), nil
		},
	})
}

// renderEvents groups events by day. Summaries, locations and
// descriptions are organizer-authored text and get tag-escaped.
func renderEvents(events []Event, days int, loc *time.Location) string {
	if len(events) == 0 {
		return fmt.Sprintf("No events in the next %d days.", days)
	}

	var b strings.Builder
	var lastDay string
	for _, ev := range events {
		start := ev.Start.In(loc)
		day := start.Format("Mon, Jan 2")
		if day != lastDay {
			if lastDay != "" {
				b.WriteString("\n\n")
			}
			b.WriteString(day + ":")
			lastDay = day
		}

		if ev.AllDay {
			fmt.Fprintf(&b, "\n- all day: %s", tools.EscapeExternal(ev.Summary))
		} else {
			fmt.Fprintf(&b, "\n- %s-%s %s",
				start.Format("15:04"),
				ev.End.In(loc).Format("15:04"),
				tools.EscapeExternal(ev.Summary))
		}
		if ev.Location != "" {
			fmt.Fprintf(&b, " (%s)", tools.EscapeExternal(ev.Location))
		}
	}
	return b.String()
}
