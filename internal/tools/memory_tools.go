package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/penhold/squire/internal/embeddings"
	"github.com/penhold/squire/internal/knowledge"
)

// KnowledgeAPI is the slice of the knowledge store the memory tools
// drive.
type KnowledgeAPI interface {
	Upsert(ctx context.Context, userID string, items []knowledge.Incoming, sessionKey string) (*knowledge.UpsertResult, error)
	Get(ctx context.Context, userID string, id int64) (*knowledge.Item, error)
	GetByType(ctx context.Context, userID string, et knowledge.EntityType, limit int, minConfidence float64) ([]*knowledge.Item, error)
	KeywordSearch(ctx context.Context, userID string, et knowledge.EntityType, query string, limit int) ([]*knowledge.Item, error)
	Update(ctx context.Context, userID string, id int64, content string, metadata map[string]string) (bool, error)
	Delete(ctx context.Context, userID string, id int64) (bool, error)
	MemorySummary(ctx context.Context, userID string) (*knowledge.Summary, error)
}

// MemorySearcher finds stored items near a query by meaning.
type MemorySearcher interface {
	SearchSimilarForType(ctx context.Context, userID, query, sourceType string, limit int, recencyBoost bool) ([]embeddings.Match, error)
}

// RegisterMemoryTools wires the long-term memory tools against the
// knowledge store.
func (r *Registry) RegisterMemoryTools(ks KnowledgeAPI, search MemorySearcher) {
	r.Register(&Tool{
		Name:        "remember_fact",
		Description: "Store a durable fact about the user for future conversations. Use when the user shares something worth remembering: where they live, what they do, preferences, deadlines, health notes.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content": map[string]any{
					"type":        "string",
					"description": "The fact, phrased as a short statement about the user (e.g. 'User lives in Austin').",
				},
				"category": map[string]any{
					"type":        "string",
					"enum":        []string{"name", "location", "occupation", "health", "medical", "finance", "hobby", "relationship", "preference", "deadline", "project", "other"},
					"description": "The kind of fact.",
				},
			},
			"required": []string{"content", "category"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			content, _ := args["content"].(string)
			category, _ := args["category"].(string)
			if content == "" {
				return "", fmt.Errorf("content is required")
			}

			res, err := ks.Upsert(ctx, UserIDFromContext(ctx), []knowledge.Incoming{{
				EntityType: knowledge.EntityFact,
				Content:    content,
				Metadata:   map[string]string{"category": category},
			}}, SessionKeyFromContext(ctx))
			if err != nil {
				return "", err
			}
			switch {
			case res.Merged > 0:
				return "Updated an existing memory with this wording.", nil
			case res.Inserted > 0:
				return "Remembered.", nil
			default:
				return "Already known.", nil
			}
		},
	})

	r.Register(&Tool{
		Name:        "remember_goal",
		Description: "Store a goal the user is working toward. Goals surface in future conversations until completed or abandoned.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"goal": map[string]any{
					"type":        "string",
					"description": "The goal in a short phrase (e.g. 'Run a marathon').",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Optional detail: timeline, motivation, constraints.",
				},
			},
			"required": []string{"goal"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			goal, _ := args["goal"].(string)
			if goal == "" {
				return "", fmt.Errorf("goal is required")
			}
			md := map[string]string{"status": knowledge.GoalActive}
			if d, _ := args["description"].(string); d != "" {
				md["description"] = d
			}

			res, err := ks.Upsert(ctx, UserIDFromContext(ctx), []knowledge.Incoming{{
				EntityType: knowledge.EntityGoal,
				Content:    goal,
				Metadata:   md,
			}}, SessionKeyFromContext(ctx))
			if err != nil {
				return "", err
			}
			if res.Inserted > 0 {
				return "Goal stored.", nil
			}
			return "That goal is already tracked.", nil
		},
	})

	r.Register(&Tool{
		Name:        "list_goals",
		Description: "List the user's tracked goals with their ids and statuses.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			goals, err := ks.GetByType(ctx, UserIDFromContext(ctx), knowledge.EntityGoal, 0, 0)
			if err != nil {
				return "", err
			}
			if len(goals) == 0 {
				return "No goals tracked.", nil
			}
			var sb strings.Builder
			for _, g := range goals {
				fmt.Fprintf(&sb, "- [%d] %s (%s)", g.ID, g.Content, g.GoalStatus())
				if d := g.Description(); d != "" {
					fmt.Fprintf(&sb, ": %s", d)
				}
				sb.WriteString("\n")
			}
			return sb.String(), nil
		},
	})

	r.Register(&Tool{
		Name:        "update_goal",
		Description: "Change a goal's status when the user completes or drops it.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"goal_id": map[string]any{
					"type":        "integer",
					"description": "The goal id from list_goals.",
				},
				"status": map[string]any{
					"type": "string",
					"enum": []string{"active", "completed", "abandoned"},
				},
			},
			"required": []string{"goal_id", "status"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id := int64arg(args, "goal_id")
			status, _ := args["status"].(string)
			userID := UserIDFromContext(ctx)

			item, err := ks.Get(ctx, userID, id)
			if err != nil {
				return "", err
			}
			if item == nil || item.EntityType != knowledge.EntityGoal {
				return "", fmt.Errorf("no goal with id %d", id)
			}

			md := make(map[string]string, len(item.Metadata))
			for k, v := range item.Metadata {
				md[k] = v
			}
			md["status"] = status
			if _, err := ks.Update(ctx, userID, id, "", md); err != nil {
				return "", err
			}
			return fmt.Sprintf("Goal %q marked %s.", item.Content, status), nil
		},
	})

	r.Register(&Tool{
		Name:        "recall_memory",
		Description: "Search stored facts and goals by meaning. Use when you need something about the user that is not already in your context.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look for (e.g. 'where does the user work').",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("query is required")
			}
			userID := UserIDFromContext(ctx)

			var lines []string
			for _, sourceType := range []string{embeddings.SourceKnowledgeFact, embeddings.SourceKnowledgeGoal} {
				matches, err := search.SearchSimilarForType(ctx, userID, query, sourceType, 5, true)
				if err != nil {
					continue
				}
				for _, m := range matches {
					lines = append(lines, "- "+m.ContentText)
				}
			}
			if len(lines) == 0 {
				// The vector index may be empty or unavailable.
				for _, et := range []knowledge.EntityType{knowledge.EntityFact, knowledge.EntityGoal} {
					items, err := ks.KeywordSearch(ctx, userID, et, query, 5)
					if err != nil {
						continue
					}
					for _, it := range items {
						lines = append(lines, "- "+it.Content)
					}
				}
			}
			if len(lines) == 0 {
				return "Nothing stored matches that.", nil
			}
			return strings.Join(lines, "\n"), nil
		},
	})

	r.Register(&Tool{
		Name:        "forget_memory",
		Description: "Delete a stored fact, goal, or shopping item by id. Use when the user asks you to forget something.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "integer",
					"description": "The item id.",
				},
			},
			"required": []string{"id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id := int64arg(args, "id")
			ok, err := ks.Delete(ctx, UserIDFromContext(ctx), id)
			if err != nil {
				return "", err
			}
			if !ok {
				return fmt.Sprintf("No stored item with id %d.", id), nil
			}
			return "Forgotten.", nil
		},
	})

	r.Register(&Tool{
		Name:        "memory_summary",
		Description: "Summarize what is stored about the user: fact and goal counts, categories, recency.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			sum, err := ks.MemorySummary(ctx, UserIDFromContext(ctx))
			if err != nil {
				return "", err
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "Facts: %d (%d added in the last 7 days)\n", sum.TotalFacts, sum.FactsLast7Days)
			fmt.Fprintf(&sb, "Goals: %d\n", sum.TotalGoals)
			if len(sum.Categories) > 0 {
				sb.WriteString("By category:\n")
				for cat, n := range sum.Categories {
					fmt.Fprintf(&sb, "  %s: %d\n", cat, n)
				}
			}
			if sum.OldestFact != "" {
				fmt.Fprintf(&sb, "Oldest fact (%s): %s\n", sum.OldestFactAt.Format("2006-01-02"), sum.OldestFact)
			}
			fmt.Fprintf(&sb, "Stale facts (unreferenced 90+ days): %d\n", sum.StaleFacts)
			return sb.String(), nil
		},
	})

	r.Register(&Tool{
		Name:        "add_shopping_item",
		Description: "Add an item to the user's shopping list.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"item": map[string]any{
					"type":        "string",
					"description": "The item to buy.",
				},
			},
			"required": []string{"item"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			item, _ := args["item"].(string)
			if item == "" {
				return "", fmt.Errorf("item is required")
			}
			res, err := ks.Upsert(ctx, UserIDFromContext(ctx), []knowledge.Incoming{{
				EntityType: knowledge.EntityShopping,
				Content:    item,
			}}, SessionKeyFromContext(ctx))
			if err != nil {
				return "", err
			}
			if res.Inserted > 0 {
				return fmt.Sprintf("Added %q to the shopping list.", item), nil
			}
			return fmt.Sprintf("%q is already on the list.", item), nil
		},
	})

	r.Register(&Tool{
		Name:        "view_shopping_list",
		Description: "Show the user's shopping list with item ids.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			items, err := ks.GetByType(ctx, UserIDFromContext(ctx), knowledge.EntityShopping, 0, 0)
			if err != nil {
				return "", err
			}
			if len(items) == 0 {
				return "The shopping list is empty.", nil
			}
			var sb strings.Builder
			for _, it := range items {
				fmt.Fprintf(&sb, "- [%d] %s\n", it.ID, it.Content)
			}
			return sb.String(), nil
		},
	})

	r.Register(&Tool{
		Name:        "remove_shopping_item",
		Description: "Remove an item from the shopping list by id.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "integer",
					"description": "The item id from view_shopping_list.",
				},
			},
			"required": []string{"id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id := int64arg(args, "id")
			ok, err := ks.Delete(ctx, UserIDFromContext(ctx), id)
			if err != nil {
				return "", err
			}
			if !ok {
				return fmt.Sprintf("No shopping item with id %d.", id), nil
			}
			return "Removed.", nil
		},
	})
}

// int64arg reads a numeric argument. JSON numbers decode as float64;
// models occasionally send strings.
func int64arg(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case string:
		var n int64
		fmt.Sscanf(v, "%d", &n)
		return n
	default:
		return 0
	}
}
