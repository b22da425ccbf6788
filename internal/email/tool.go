package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/penhold/squire/internal/fetch"
	"github.com/penhold/squire/internal/tools"
)

// RegisterTools wires the mailbox tools into the registry. from is the
// configured sender identity stamped onto drafts.
func RegisterTools(r *tools.Registry, c *Client, from string) {
	r.Register(&tools.Tool{
		Name:        "email_list",
		Description: "List recent emails in a folder, newest first. Set unseen to true to show only unread mail.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"folder": map[string]any{
					"type":        "string",
					"description": "Mailbox to list. Default INBOX.",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum messages to return. Default 20.",
				},
				"unseen": map[string]any{
					"type":        "boolean",
					"description": "Only messages not yet read.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			opts := ListOptions{Folder: stringArg(args, "folder"), Limit: intArg(args, "limit")}
			if v, ok := args["unseen"].(bool); ok {
				opts.Unseen = v
			}

			envelopes, err := c.ListMessages(ctx, opts)
			if err != nil {
				return "", err
			}
			if len(envelopes) == 0 {
				folder := opts.Folder
				if folder == "" {
					folder = "INBOX"
				}
				if opts.Unseen {
					return fmt.Sprintf("No unread messages in %s.", folder), nil
				}
				return fmt.Sprintf("No messages in %s.", folder), nil
			}
			return renderEnvelopes(envelopes), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "email_search",
		Description: "Search a mail folder by free text, sender, or date range. Returns matching messages newest first; use email_read with a UID to read one.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Free text matched against message content.",
				},
				"from": map[string]any{
					"type":        "string",
					"description": "Sender name or address substring.",
				},
				"since": map[string]any{
					"type":        "string",
					"description": "Only messages on or after this date (YYYY-MM-DD).",
				},
				"before": map[string]any{
					"type":        "string",
					"description": "Only messages before this date (YYYY-MM-DD).",
				},
				"folder": map[string]any{
					"type":        "string",
					"description": "Mailbox to search. Default INBOX.",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum results. Default 20.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			opts := SearchOptions{
				Folder: stringArg(args, "folder"),
				Query:  stringArg(args, "query"),
				From:   stringArg(args, "from"),
				Limit:  intArg(args, "limit"),
			}
			if s := stringArg(args, "since"); s != "" {
				t, err := time.Parse("2006-01-02", s)
				if err != nil {
					return "", fmt.Errorf("since must be YYYY-MM-DD")
				}
				opts.Since = t
			}
			if s := stringArg(args, "before"); s != "" {
				t, err := time.Parse("2006-01-02", s)
				if err != nil {
					return "", fmt.Errorf("before must be YYYY-MM-DD")
				}
				opts.Before = t
			}
			if opts.Query == "" && opts.From == "" && opts.Since.IsZero() && opts.Before.IsZero() {
				return "", fmt.Errorf("give at least one of query, from, since, before")
			}

			envelopes, err := c.SearchMessages(ctx, opts)
			if err != nil {
				return "", err
			}
			if len(envelopes) == 0 {
				return "No messages match.", nil
			}
			return renderEnvelopes(envelopes), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "email_read",
		Description: "Read one email by UID. Marks it as read.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"uid": map[string]any{
					"type":        "integer",
					"description": "Message UID from email_list or email_search.",
				},
				"folder": map[string]any{
					"type":        "string",
					"description": "Mailbox holding the message. Default INBOX.",
				},
			},
			"required": []string{"uid"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			uid := intArg(args, "uid")
			if uid <= 0 {
				return "", fmt.Errorf("uid is required")
			}
			msg, err := c.ReadMessage(ctx, stringArg(args, "folder"), uint32(uid))
			if err != nil {
				return "", err
			}
			return renderMessage(msg), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "email_folders",
		Description: "List mail folders with message and unread counts.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			folders, err := c.ListFolders(ctx)
			if err != nil {
				return "", err
			}
			if len(folders) == 0 {
				return "No folders found.", nil
			}
			return renderFolders(folders), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "email_compose",
		Description: "Write an email draft and file it in the Drafts folder. The body is markdown. Drafts are never sent automatically; the user reviews and sends from their mail client.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Recipient addresses.",
				},
				"cc": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "CC addresses.",
				},
				"subject": map[string]any{
					"type":        "string",
					"description": "Subject line.",
				},
				"body": map[string]any{
					"type":        "string",
					"description": "Message body in markdown.",
				},
			},
			"required": []string{"to", "subject", "body"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			to := stringList(args["to"])
			if len(to) == 0 {
				return "", fmt.Errorf("to is required")
			}
			subject := strings.TrimSpace(stringArg(args, "subject"))
			if subject == "" {
				return "", fmt.Errorf("subject is required")
			}
			body := stringArg(args, "body")
			if strings.TrimSpace(body) == "" {
				return "", fmt.Errorf("body is required")
			}

			msg, err := BuildDraft(Draft{
				From:    from,
				To:      to,
				Cc:      stringList(args["cc"]),
				Subject: subject,
				Body:    body,
			})
			if err != nil {
				return "", err
			}

			folder, err := c.SaveDraft(ctx, msg)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Saved draft %q to %s, addressed to %s. The user can review and send it from their mail client.",
				subject, folder, strings.Join(to, ", ")), nil
		},
	})
}

// --- rendering ---

// renderEnvelopes formats a message listing. Senders and subjects are
// attacker-controlled text and pass through the escaper.
func renderEnvelopes(envelopes []Envelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d message(s), newest first:", len(envelopes))
	for _, env := range envelopes {
		fmt.Fprintf(&b, "\n\nUID %d | %s", env.UID, env.Date.Format("2006-01-02 15:04"))
		if unread(env.Flags) {
			b.WriteString(" | unread")
		}
		fmt.Fprintf(&b, "\nFrom: %s", tools.EscapeExternal(env.From))
		fmt.Fprintf(&b, "\nSubject: %s", tools.EscapeExternal(env.Subject))
	}
	return b.String()
}

func renderMessage(m *Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", tools.EscapeExternal(m.From))
	fmt.Fprintf(&b, "To: %s\n", tools.EscapeExternal(strings.Join(m.To, ", ")))
	if len(m.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", tools.EscapeExternal(strings.Join(m.Cc, ", ")))
	}
	fmt.Fprintf(&b, "Subject: %s\n", tools.EscapeExternal(m.Subject))
	fmt.Fprintf(&b, "Date: %s\n", m.Date.Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "UID: %d\n\n", m.UID)

	switch {
	case m.TextBody != "":
		b.WriteString(tools.EscapeExternal(m.TextBody))
	case m.HTMLBody != "":
		b.WriteString("[html-only message, text extracted]\n\n")
		b.WriteString(tools.EscapeExternal(fetch.ExtractText(m.HTMLBody)))
	default:
		b.WriteString("[no text content]")
	}
	return b.String()
}

func renderFolders(folders []Folder) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d folder(s):", len(folders))
	for _, f := range folders {
		fmt.Fprintf(&b, "\n%s: %d messages", tools.EscapeExternal(f.Name), f.Messages)
		if f.Unseen > 0 {
			fmt.Fprintf(&b, " (%d unread)", f.Unseen)
		}
	}
	return b.String()
}

func unread(flags []string) bool {
	for _, f := range flags {
		if f == `\Seen` {
			return false
		}
	}
	return true
}

// --- argument helpers ---

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]any, key string) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return 0
}

// stringList accepts a JSON array of strings or one comma-separated
// string; models produce both.
func stringList(v any) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case string:
		for _, s := range strings.Split(t, ",") {
			add(s)
		}
	}
	return out
}
