package tools

import (
	"fmt"
	"strings"
	"time"
)

// ParseFireTime converts a human-friendly time specification into an
// absolute fire time. Accepted forms, tried in order: a Go duration
// ("30m", "2h"), "in <number> <unit>", RFC3339, "2006-01-02 15:04",
// and bare clock times ("15:04", "3:04pm") which roll to tomorrow when
// already past.
func ParseFireTime(when string, now time.Time, loc *time.Location) (time.Time, error) {
	when = strings.TrimSpace(when)
	if loc == nil {
		loc = time.Local
	}

	if dur, err := time.ParseDuration(when); err == nil && dur > 0 {
		return now.Add(dur), nil
	}

	if strings.HasPrefix(strings.ToLower(when), "in ") {
		dur, err := parseHumanDuration(strings.TrimPrefix(strings.ToLower(when), "in "))
		if err == nil {
			return now.Add(dur), nil
		}
	}

	if t, err := time.Parse(time.RFC3339, when); err == nil {
		return t, nil
	}

	for _, format := range []string{"2006-01-02 15:04", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(format, when, loc); err == nil {
			return t, nil
		}
	}

	for _, format := range []string{"15:04", "3:04pm", "3:04 pm", "3pm"} {
		t, err := time.ParseInLocation(format, when, loc)
		if err != nil {
			continue
		}
		t = time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, loc)
		if !t.After(now) {
			t = t.Add(24 * time.Hour)
		}
		return t, nil
	}

	return time.Time{}, fmt.Errorf("could not parse time %q", when)
}

func parseHumanDuration(s string) (time.Duration, error) {
	parts := strings.Fields(strings.TrimSpace(s))
	if len(parts) < 2 {
		return 0, fmt.Errorf("expected '<number> <unit>'")
	}

	var num int
	if _, err := fmt.Sscanf(parts[0], "%d", &num); err != nil {
		return 0, err
	}

	unit := strings.ToLower(parts[1])
	switch {
	case strings.HasPrefix(unit, "second"):
		return time.Duration(num) * time.Second, nil
	case strings.HasPrefix(unit, "minute"), unit == "min", unit == "mins":
		return time.Duration(num) * time.Minute, nil
	case strings.HasPrefix(unit, "hour"), unit == "hr", unit == "hrs":
		return time.Duration(num) * time.Hour, nil
	case strings.HasPrefix(unit, "day"):
		return time.Duration(num) * 24 * time.Hour, nil
	case strings.HasPrefix(unit, "week"):
		return time.Duration(num) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown unit %q", parts[1])
	}
}
