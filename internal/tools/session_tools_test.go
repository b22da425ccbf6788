package tools

import (
	"context"
	"strings"
	"testing"
)

type fakeCompactor struct {
	compacted []string
}

func (f *fakeCompactor) Compact(_ context.Context, sessionKey string) error {
	f.compacted = append(f.compacted, sessionKey)
	return nil
}

func TestCompactConversation(t *testing.T) {
	fc := &fakeCompactor{}
	r := NewRegistry(testLogger())
	r.RegisterSessionTools(fc)

	ctx := WithSessionKey(context.Background(), "user_alice_20250601")
	if got := r.Dispatch(ctx, "compact_conversation", nil); got != "Conversation compacted." {
		t.Errorf("compact_conversation = %q", got)
	}
	if len(fc.compacted) != 1 || fc.compacted[0] != "user_alice_20250601" {
		t.Errorf("compacted = %v", fc.compacted)
	}
}

func TestCompactConversationWithoutSession(t *testing.T) {
	r := NewRegistry(testLogger())
	r.RegisterSessionTools(&fakeCompactor{})

	got := r.Dispatch(context.Background(), "compact_conversation", nil)
	if !strings.Contains(got, "no active session") {
		t.Errorf("compact without session = %q", got)
	}
}
