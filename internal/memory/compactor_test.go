package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestCompactorSummarizesAndRewrites(t *testing.T) {
	l := newTestLog(t)
	key := "user_alice_20250601"

	l.Append(key, Turn{Role: "user", Content: "remind me to pay rent"})
	l.Append(key, Turn{Role: "assistant", Content: "Done, set for tomorrow 9am."})

	var gotPrompt string
	summarize := func(_ context.Context, prompt string) (string, error) {
		gotPrompt = prompt
		return "- set a rent reminder", nil
	}

	c := NewCompactor(l, summarize, DefaultCompactionConfig(), testLogger())
	if err := c.Compact(context.Background(), key); err != nil {
		t.Fatalf("compact: %v", err)
	}

	if !strings.Contains(gotPrompt, "remind me to pay rent") {
		t.Error("summarizer prompt missing transcript")
	}

	turns, _ := l.Recent(key, 0)
	if len(turns) != 1 || !strings.HasPrefix(turns[0].Content, CompactedPrefix) {
		t.Errorf("session not folded to summary turn: %+v", turns)
	}
	if !strings.Contains(turns[0].Content, "- set a rent reminder") {
		t.Errorf("summary missing: %q", turns[0].Content)
	}
}

func TestCompactorSkipsShortSessions(t *testing.T) {
	l := newTestLog(t)
	key := "user_alice_20250601"
	l.Append(key, Turn{Role: "user", Content: "hi"})

	called := false
	c := NewCompactor(l, func(context.Context, string) (string, error) {
		called = true
		return "", nil
	}, DefaultCompactionConfig(), testLogger())

	if err := c.Compact(context.Background(), key); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if called {
		t.Error("summarizer should not run for a single-turn session")
	}
	turns, _ := l.Recent(key, 0)
	if len(turns) != 1 || turns[0].Content != "hi" {
		t.Errorf("short session should be untouched: %+v", turns)
	}
}

func TestCompactorSkipsAlreadyCompacted(t *testing.T) {
	l := newTestLog(t)
	key := "user_alice_20250601"
	l.Append(key, Turn{Role: "user", Content: "hello"})
	l.Append(key, Turn{Role: "assistant", Content: "hi"})

	c := NewCompactor(l, func(context.Context, string) (string, error) {
		return "summary", nil
	}, DefaultCompactionConfig(), testLogger())
	if err := c.Compact(context.Background(), key); err != nil {
		t.Fatalf("compact: %v", err)
	}

	calls := 0
	c2 := NewCompactor(l, func(context.Context, string) (string, error) {
		calls++
		return "different summary", nil
	}, DefaultCompactionConfig(), testLogger())
	if err := c2.Compact(context.Background(), key); err != nil {
		t.Fatalf("second compact: %v", err)
	}
	if calls != 0 {
		t.Error("already-compacted session should not be summarized again")
	}
}

func TestCompactorPropagatesSummarizerError(t *testing.T) {
	l := newTestLog(t)
	key := "user_alice_20250601"
	l.Append(key, Turn{Role: "user", Content: "hello"})
	l.Append(key, Turn{Role: "assistant", Content: "hi"})

	c := NewCompactor(l, func(context.Context, string) (string, error) {
		return "", fmt.Errorf("provider down")
	}, DefaultCompactionConfig(), testLogger())

	if err := c.Compact(context.Background(), key); err == nil {
		t.Fatal("expected summarizer error to propagate")
	}

	// The session must be intact after a failed compaction.
	turns, _ := l.Recent(key, 0)
	if len(turns) != 2 {
		t.Errorf("failed compaction altered the session: %+v", turns)
	}
}

func TestNeedsCompaction(t *testing.T) {
	l := newTestLog(t)
	key := "user_alice_20250601"

	c := NewCompactor(l, nil, CompactionConfig{MaxTokens: 100, TriggerRatio: 0.5}, testLogger())
	if c.NeedsCompaction(key) {
		t.Error("empty session should not need compaction")
	}

	l.Append(key, Turn{Role: "user", Content: strings.Repeat("x", 400)}) // ~100 tokens
	if !c.NeedsCompaction(key) {
		t.Error("session past the trigger ratio should need compaction")
	}
}
