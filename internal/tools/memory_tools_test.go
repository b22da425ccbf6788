package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/penhold/squire/internal/embeddings"
	"github.com/penhold/squire/internal/knowledge"
)

type fakeKnowledge struct {
	upsertResult *knowledge.UpsertResult
	upserted     []knowledge.Incoming
	sessionKey   string

	items   map[int64]*knowledge.Item
	byType  map[knowledge.EntityType][]*knowledge.Item
	keyword map[string][]*knowledge.Item

	updatedID       int64
	updatedMetadata map[string]string
	deletedID       int64
	summary         *knowledge.Summary
}

func (f *fakeKnowledge) Upsert(_ context.Context, _ string, items []knowledge.Incoming, sessionKey string) (*knowledge.UpsertResult, error) {
	f.upserted = append(f.upserted, items...)
	f.sessionKey = sessionKey
	if f.upsertResult != nil {
		return f.upsertResult, nil
	}
	return &knowledge.UpsertResult{Inserted: len(items)}, nil
}

func (f *fakeKnowledge) Get(_ context.Context, _ string, id int64) (*knowledge.Item, error) {
	return f.items[id], nil
}

func (f *fakeKnowledge) GetByType(_ context.Context, _ string, et knowledge.EntityType, _ int, _ float64) ([]*knowledge.Item, error) {
	return f.byType[et], nil
}

func (f *fakeKnowledge) KeywordSearch(_ context.Context, _ string, _ knowledge.EntityType, query string, _ int) ([]*knowledge.Item, error) {
	return f.keyword[query], nil
}

func (f *fakeKnowledge) Update(_ context.Context, _ string, id int64, _ string, metadata map[string]string) (bool, error) {
	f.updatedID = id
	f.updatedMetadata = metadata
	return true, nil
}

func (f *fakeKnowledge) Delete(_ context.Context, _ string, id int64) (bool, error) {
	f.deletedID = id
	_, ok := f.items[id]
	return ok, nil
}

func (f *fakeKnowledge) MemorySummary(_ context.Context, _ string) (*knowledge.Summary, error) {
	if f.summary != nil {
		return f.summary, nil
	}
	return &knowledge.Summary{}, nil
}

type fakeMemorySearch struct {
	matches map[string][]embeddings.Match
}

func (f *fakeMemorySearch) SearchSimilarForType(_ context.Context, _, _, sourceType string, _ int, _ bool) ([]embeddings.Match, error) {
	return f.matches[sourceType], nil
}

func memoryToolCtx() context.Context {
	ctx := WithUserID(context.Background(), "alice")
	return WithSessionKey(ctx, "user_alice_20250601")
}

func newMemoryRegistry(fk *fakeKnowledge, fs *fakeMemorySearch) *Registry {
	r := NewRegistry(testLogger())
	r.RegisterMemoryTools(fk, fs)
	return r
}

func TestRememberFactResultStrings(t *testing.T) {
	tests := []struct {
		name   string
		result *knowledge.UpsertResult
		want   string
	}{
		{"inserted", &knowledge.UpsertResult{Inserted: 1}, "Remembered."},
		{"merged", &knowledge.UpsertResult{Merged: 1}, "Updated an existing memory with this wording."},
		{"skipped", &knowledge.UpsertResult{Skipped: 1}, "Already known."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fk := &fakeKnowledge{upsertResult: tt.result}
			r := newMemoryRegistry(fk, &fakeMemorySearch{})

			got := r.Dispatch(memoryToolCtx(), "remember_fact", map[string]any{
				"content":  "User lives in Austin",
				"category": "location",
			})
			if got != tt.want {
				t.Errorf("remember_fact = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRememberFactCarriesSessionAndCategory(t *testing.T) {
	fk := &fakeKnowledge{}
	r := newMemoryRegistry(fk, &fakeMemorySearch{})

	r.Dispatch(memoryToolCtx(), "remember_fact", map[string]any{
		"content":  "User works as a nurse",
		"category": "occupation",
	})

	if fk.sessionKey != "user_alice_20250601" {
		t.Errorf("session key = %q", fk.sessionKey)
	}
	if len(fk.upserted) != 1 {
		t.Fatalf("upserted %d items", len(fk.upserted))
	}
	in := fk.upserted[0]
	if in.EntityType != knowledge.EntityFact || in.Metadata["category"] != "occupation" {
		t.Errorf("upserted item = %+v", in)
	}
}

func TestRememberFactRequiresContent(t *testing.T) {
	r := newMemoryRegistry(&fakeKnowledge{}, &fakeMemorySearch{})
	got := r.Dispatch(memoryToolCtx(), "remember_fact", map[string]any{"category": "other"})
	if !strings.Contains(got, "encountered an error") {
		t.Errorf("remember_fact without content = %q", got)
	}
}

func TestRememberGoalDefaultsActive(t *testing.T) {
	fk := &fakeKnowledge{}
	r := newMemoryRegistry(fk, &fakeMemorySearch{})

	got := r.Dispatch(memoryToolCtx(), "remember_goal", map[string]any{
		"goal":        "Run a marathon",
		"description": "train three times weekly",
	})
	if got != "Goal stored." {
		t.Errorf("remember_goal = %q", got)
	}
	in := fk.upserted[0]
	if in.Metadata["status"] != knowledge.GoalActive {
		t.Errorf("status = %q, want active", in.Metadata["status"])
	}
	if in.Metadata["description"] != "train three times weekly" {
		t.Errorf("description = %q", in.Metadata["description"])
	}
}

func TestListGoalsFormatsStatusAndDescription(t *testing.T) {
	fk := &fakeKnowledge{byType: map[knowledge.EntityType][]*knowledge.Item{
		knowledge.EntityGoal: {
			{ID: 7, Content: "Run a marathon", EntityType: knowledge.EntityGoal,
				Metadata: map[string]string{"status": "active", "description": "by October"}},
			{ID: 9, Content: "Learn Spanish", EntityType: knowledge.EntityGoal,
				Metadata: map[string]string{"status": "completed"}},
		},
	}}
	r := newMemoryRegistry(fk, &fakeMemorySearch{})

	got := r.Dispatch(memoryToolCtx(), "list_goals", nil)
	if !strings.Contains(got, "- [7] Run a marathon (active): by October") {
		t.Errorf("list_goals missing detailed goal:\n%s", got)
	}
	if !strings.Contains(got, "- [9] Learn Spanish (completed)") {
		t.Errorf("list_goals missing completed goal:\n%s", got)
	}
}

func TestListGoalsEmpty(t *testing.T) {
	r := newMemoryRegistry(&fakeKnowledge{}, &fakeMemorySearch{})
	if got := r.Dispatch(memoryToolCtx(), "list_goals", nil); got != "No goals tracked." {
		t.Errorf("list_goals = %q", got)
	}
}

func TestUpdateGoalPreservesOtherMetadata(t *testing.T) {
	fk := &fakeKnowledge{items: map[int64]*knowledge.Item{
		7: {ID: 7, Content: "Run a marathon", EntityType: knowledge.EntityGoal,
			Metadata: map[string]string{"status": "active", "description": "by October"}},
	}}
	r := newMemoryRegistry(fk, &fakeMemorySearch{})

	got := r.Dispatch(memoryToolCtx(), "update_goal", map[string]any{
		"goal_id": float64(7),
		"status":  "completed",
	})
	if got != `Goal "Run a marathon" marked completed.` {
		t.Errorf("update_goal = %q", got)
	}
	if fk.updatedMetadata["status"] != "completed" {
		t.Errorf("status not updated: %v", fk.updatedMetadata)
	}
	if fk.updatedMetadata["description"] != "by October" {
		t.Errorf("description lost: %v", fk.updatedMetadata)
	}
}

func TestUpdateGoalRejectsNonGoal(t *testing.T) {
	fk := &fakeKnowledge{items: map[int64]*knowledge.Item{
		3: {ID: 3, Content: "User lives in Austin", EntityType: knowledge.EntityFact},
	}}
	r := newMemoryRegistry(fk, &fakeMemorySearch{})

	got := r.Dispatch(memoryToolCtx(), "update_goal", map[string]any{
		"goal_id": float64(3),
		"status":  "completed",
	})
	if !strings.Contains(got, "no goal with id 3") {
		t.Errorf("update_goal on fact = %q", got)
	}
}

func TestRecallMemoryPrefersVectorMatches(t *testing.T) {
	fs := &fakeMemorySearch{matches: map[string][]embeddings.Match{
		embeddings.SourceKnowledgeFact: {
			{ContentText: "User lives in Austin"},
		},
		embeddings.SourceKnowledgeGoal: {
			{ContentText: "Run a marathon"},
		},
	}}
	r := newMemoryRegistry(&fakeKnowledge{}, fs)

	got := r.Dispatch(memoryToolCtx(), "recall_memory", map[string]any{"query": "where"})
	if !strings.Contains(got, "- User lives in Austin") || !strings.Contains(got, "- Run a marathon") {
		t.Errorf("recall_memory = %q", got)
	}
}

func TestRecallMemoryFallsBackToKeyword(t *testing.T) {
	fk := &fakeKnowledge{keyword: map[string][]*knowledge.Item{
		"Austin": {{ID: 1, Content: "User lives in Austin", EntityType: knowledge.EntityFact}},
	}}
	r := newMemoryRegistry(fk, &fakeMemorySearch{})

	got := r.Dispatch(memoryToolCtx(), "recall_memory", map[string]any{"query": "Austin"})
	if !strings.Contains(got, "User lives in Austin") {
		t.Errorf("recall_memory fallback = %q", got)
	}
}

func TestRecallMemoryNothingStored(t *testing.T) {
	r := newMemoryRegistry(&fakeKnowledge{}, &fakeMemorySearch{})
	got := r.Dispatch(memoryToolCtx(), "recall_memory", map[string]any{"query": "anything"})
	if got != "Nothing stored matches that." {
		t.Errorf("recall_memory = %q", got)
	}
}

func TestForgetMemory(t *testing.T) {
	fk := &fakeKnowledge{items: map[int64]*knowledge.Item{
		4: {ID: 4, Content: "User lives in Austin", EntityType: knowledge.EntityFact},
	}}
	r := newMemoryRegistry(fk, &fakeMemorySearch{})

	if got := r.Dispatch(memoryToolCtx(), "forget_memory", map[string]any{"id": float64(4)}); got != "Forgotten." {
		t.Errorf("forget_memory = %q", got)
	}
	if fk.deletedID != 4 {
		t.Errorf("deleted id = %d", fk.deletedID)
	}
	if got := r.Dispatch(memoryToolCtx(), "forget_memory", map[string]any{"id": float64(99)}); got != "No stored item with id 99." {
		t.Errorf("forget_memory missing = %q", got)
	}
}

func TestMemorySummaryFormatting(t *testing.T) {
	fk := &fakeKnowledge{summary: &knowledge.Summary{
		TotalFacts:     12,
		FactsLast7Days: 3,
		TotalGoals:     2,
		Categories:     map[string]int{"location": 4},
		OldestFact:     "User lives in Austin",
		OldestFactAt:   time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		StaleFacts:     5,
	}}
	r := newMemoryRegistry(fk, &fakeMemorySearch{})

	got := r.Dispatch(memoryToolCtx(), "memory_summary", nil)
	for _, want := range []string{
		"Facts: 12 (3 added in the last 7 days)",
		"Goals: 2",
		"location: 4",
		"Oldest fact (2024-01-15): User lives in Austin",
		"Stale facts (unreferenced 90+ days): 5",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("memory_summary missing %q:\n%s", want, got)
		}
	}
}

func TestShoppingListRoundTrip(t *testing.T) {
	fk := &fakeKnowledge{
		items: map[int64]*knowledge.Item{
			21: {ID: 21, Content: "milk", EntityType: knowledge.EntityShopping},
		},
		byType: map[knowledge.EntityType][]*knowledge.Item{
			knowledge.EntityShopping: {
				{ID: 21, Content: "milk", EntityType: knowledge.EntityShopping},
			},
		},
	}
	r := newMemoryRegistry(fk, &fakeMemorySearch{})
	ctx := memoryToolCtx()

	if got := r.Dispatch(ctx, "add_shopping_item", map[string]any{"item": "milk"}); got != `Added "milk" to the shopping list.` {
		t.Errorf("add_shopping_item = %q", got)
	}
	if fk.upserted[0].EntityType != knowledge.EntityShopping {
		t.Errorf("entity type = %q", fk.upserted[0].EntityType)
	}

	if got := r.Dispatch(ctx, "view_shopping_list", nil); !strings.Contains(got, "- [21] milk") {
		t.Errorf("view_shopping_list = %q", got)
	}

	if got := r.Dispatch(ctx, "remove_shopping_item", map[string]any{"id": float64(21)}); got != "Removed." {
		t.Errorf("remove_shopping_item = %q", got)
	}
}

func TestInt64ArgCoercion(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want int64
	}{
		{"float64", map[string]any{"id": float64(42)}, 42},
		{"int64", map[string]any{"id": int64(7)}, 7},
		{"string", map[string]any{"id": "19"}, 19},
		{"missing", map[string]any{}, 0},
		{"garbage", map[string]any{"id": []string{"x"}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := int64arg(tt.args, "id"); got != tt.want {
				t.Errorf("int64arg = %d, want %d", got, tt.want)
			}
		})
	}
}
