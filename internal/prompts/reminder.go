package prompts

import (
	"fmt"
	"time"
)

// ReminderTurnPrefix marks a synthetic user turn written by the
// proactive pipeline when an automation fires.
const ReminderTurnPrefix = "[Reminder] "

// ReminderTurn formats the synthetic user turn for a fired automation.
func ReminderTurn(label string) string {
	return ReminderTurnPrefix + label
}

// reminderPreambleTemplate is appended to the system prompt when the
// agent is woken by the scheduler rather than by a user message.
// Format verbs: (1) fired-at timestamp, (2) automation label.
const reminderPreambleTemplate = `

## Scheduled Wake-Up
You have been woken up by a scheduled reminder, not by a message from the
user. Current time: %s. The reminder is: "%s".

Reason about what this reminder is for and act on it. Use your tools to
check calendars, mail, or stored memory if that makes the message more
useful. Then write the message you want the user to see. Do NOT echo the
reminder text back verbatim, and do NOT explain that you were triggered
by a schedule — just deliver the useful thing.`

// ReminderPreamble returns the scheduled-wake-up section of the system
// prompt for one automation fire.
func ReminderPreamble(label string, firedAt time.Time) string {
	return fmt.Sprintf(reminderPreambleTemplate, firedAt.Format("Monday, 2 January 2006 15:04 MST"), label)
}
