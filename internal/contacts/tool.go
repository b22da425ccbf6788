package contacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/penhold/squire/internal/tools"
)

// RegisterTools wires the contact tools into the registry. Write tools
// only ever create manual contacts; synced rows keep their fields but
// accept extra facts.
func RegisterTools(r *tools.Registry, store *Store) {
	r.Register(&tools.Tool{
		Name:        "contact_save",
		Description: "Save or update a contact. Creates the contact if the name is new, otherwise updates the given fields. Use fact_key/fact_value to attach details like email, phone or birthday.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Full name of the person or organization.",
				},
				"kind": map[string]any{
					"type":        "string",
					"description": "person, organization or group. Default person.",
				},
				"relationship": map[string]any{
					"type":        "string",
					"description": "How the user relates to them (friend, colleague, family, doctor).",
				},
				"note": map[string]any{
					"type":        "string",
					"description": "One-line summary of who this is.",
				},
				"fact_key": map[string]any{
					"type":        "string",
					"description": "Optional attribute to attach (email, phone, birthday, org, address).",
				},
				"fact_value": map[string]any{
					"type":        "string",
					"description": "Value for fact_key.",
				},
			},
			"required": []string{"name"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name, _ := args["name"].(string)
			name = strings.TrimSpace(name)
			if name == "" {
				return "", fmt.Errorf("name is required")
			}

			c, err := store.FindByName(name)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				c = &Contact{Name: name}
			case err != nil:
				return "", fmt.Errorf("lookup contact: %w", err)
			}

			if kind, ok := args["kind"].(string); ok && kind != "" {
				c.Kind = kind
			}
			if rel, ok := args["relationship"].(string); ok && rel != "" {
				c.Relationship = rel
			}
			if note, ok := args["note"].(string); ok && note != "" {
				c.Summary = note
			}
			c.LastSeen = time.Now().UTC()

			saved, err := store.Upsert(c)
			if err != nil {
				return "", fmt.Errorf("save contact: %w", err)
			}

			if key, ok := args["fact_key"].(string); ok && key != "" {
				value, _ := args["fact_value"].(string)
				if strings.TrimSpace(value) == "" {
					return "", fmt.Errorf("fact_value is required when fact_key is set")
				}
				if err := store.SetFact(saved.ID, strings.ToLower(key), value); err != nil {
					return "", fmt.Errorf("save fact: %w", err)
				}
			}
			return fmt.Sprintf("Saved contact %s.", saved.Name), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "contact_search",
		Description: "Look up contacts by name, relationship or notes. An exact name match returns the full card including emails and phone numbers.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Name or free text to search for.",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			query = strings.TrimSpace(query)
			if query == "" {
				return "", fmt.Errorf("query is required")
			}

			if c, err := store.FindByName(query); err == nil {
				full, err := store.GetWithFacts(c.ID)
				if err != nil {
					return "", fmt.Errorf("load contact: %w", err)
				}
				return renderContact(full), nil
			}

			matches, err := store.Search(query)
			if err != nil {
				return "", fmt.Errorf("search contacts: %w", err)
			}
			if len(matches) == 0 {
				matches, err = store.FindByFact("email", query)
				if err != nil {
					return "", fmt.Errorf("search contacts: %w", err)
				}
			}
			if len(matches) == 0 {
				return fmt.Sprintf("No contacts found matching %q.", query), nil
			}
			return renderContactList(matches), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "contact_list",
		Description: "List all known contacts.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			all, err := store.ListAll()
			if err != nil {
				return "", fmt.Errorf("list contacts: %w", err)
			}
			if len(all) == 0 {
				return "No contacts saved yet.", nil
			}
			return renderContactList(all), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "contact_forget",
		Description: "Remove a contact by name. Only do this when the user explicitly asks.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Exact name of the contact to remove.",
				},
			},
			"required": []string{"name"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name, _ := args["name"].(string)
			name = strings.TrimSpace(name)
			if name == "" {
				return "", fmt.Errorf("name is required")
			}
			if err := store.DeleteByName(name); err != nil {
				return "", err
			}
			return fmt.Sprintf("Forgot contact %s.", name), nil
		},
	})
}

// renderContact formats a full contact card. Every field may have come
// off a CardDAV server, so all of them pass through the escaper.
func renderContact(c *Contact) string {
	var b strings.Builder
	b.WriteString(tools.EscapeExternal(c.Name))

	var meta []string
	if c.Kind != "" && c.Kind != "person" {
		meta = append(meta, c.Kind)
	}
	if c.Relationship != "" {
		meta = append(meta, tools.EscapeExternal(c.Relationship))
	}
	if len(meta) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(meta, ", "))
	}
	if c.Summary != "" {
		b.WriteString("\n  ")
		b.WriteString(tools.EscapeExternal(c.Summary))
	}

	keys := make([]string, 0, len(c.Facts))
	for k := range c.Facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n  %s: %s", k, tools.EscapeExternal(strings.Join(c.Facts[k], ", ")))
	}
	if !c.LastSeen.IsZero() {
		fmt.Fprintf(&b, "\n  last mentioned: %s", c.LastSeen.Format("2006-01-02"))
	}
	return b.String()
}

func renderContactList(contacts []*Contact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d contact(s):", len(contacts))
	for _, c := range contacts {
		b.WriteString("\n- ")
		b.WriteString(tools.EscapeExternal(c.Name))
		if c.Relationship != "" {
			fmt.Fprintf(&b, " (%s)", tools.EscapeExternal(c.Relationship))
		}
		if c.Summary != "" {
			b.WriteString(": ")
			b.WriteString(tools.EscapeExternal(c.Summary))
		}
	}
	return b.String()
}
