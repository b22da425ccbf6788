package proactive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/penhold/squire/internal/assistant"
	"github.com/penhold/squire/internal/outbox"
	"github.com/penhold/squire/internal/scheduler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

type sentMsg struct {
	chat, body, mode string
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMsg
	err  error
	next int64
}

func (f *fakeTransport) SendMessage(_ context.Context, chatKey, body, _, parseMode string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sentMsg{chat: chatKey, body: body, mode: parseMode})
	f.next++
	return fmt.Sprintf("tid-%d", f.next), nil
}

func (f *fakeTransport) sentMsgs() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

type editCall struct {
	msgID, body, mode string
}

type fakeEditor struct {
	mu    sync.Mutex
	edits []editCall
}

func (f *fakeEditor) EditMessage(_ context.Context, _, messageID, body, parseMode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editCall{msgID: messageID, body: body, mode: parseMode})
	return nil
}

func (f *fakeEditor) editCalls() []editCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]editCall(nil), f.edits...)
}

// step scripts one callback the fake runner plays before returning.
type step struct {
	delta string
	tool  string
}

type fakeRunner struct {
	steps []step
	reply *assistant.Reply
	err   error

	mu       sync.Mutex
	calls    int
	gotUser  string
	gotChat  string
	gotLabel string
}

func (f *fakeRunner) RunScheduled(_ context.Context, userID, chatKey, label string, _ time.Time, onDelta func(string), onTool func(string)) (*assistant.Reply, error) {
	f.mu.Lock()
	f.calls++
	f.gotUser = userID
	f.gotChat = chatKey
	f.gotLabel = label
	f.mu.Unlock()

	for _, s := range f.steps {
		if s.tool != "" && onTool != nil {
			onTool(s.tool)
		}
		if s.delta != "" && onDelta != nil {
			onDelta(s.delta)
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestPipeline(t *testing.T, runner Runner, transport *fakeTransport) (*Pipeline, *fakeEditor) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// The processor goroutine shares the in-memory db with the test.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := outbox.NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go outbox.NewProcessor(store, transport, 10*time.Millisecond, testLogger()).Start(ctx)

	editor := &fakeEditor{}
	p := NewPipeline(Config{
		Outbox:       store,
		Editor:       editor,
		Runner:       runner,
		EditInterval: time.Millisecond,
		AwaitTimeout: 5 * time.Second,
		Logger:       testLogger(),
	})
	return p, editor
}

func TestFireDeliversPlaceholderAndEdits(t *testing.T) {
	runner := &fakeRunner{
		steps: []step{{delta: "Good morning! "}, {delta: "Here's your day."}},
		reply: &assistant.Reply{Text: "Good morning! Here's your day.", Model: "primary-complex"},
	}
	transport := &fakeTransport{}
	p, editor := newTestPipeline(t, runner, transport)

	err := p.Fire(context.Background(), &scheduler.Automation{ID: 3, UserID: "+15550199", Label: "morning briefing"})
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}

	sent := transport.sentMsgs()
	if len(sent) != 1 {
		t.Fatalf("expected 1 delivered placeholder, got %d", len(sent))
	}
	if sent[0].body != "⏰ morning briefing" || sent[0].chat != "+15550199" {
		t.Errorf("unexpected placeholder: %+v", sent[0])
	}

	if runner.gotUser != "+15550199" || runner.gotLabel != "morning briefing" {
		t.Errorf("runner got user %q label %q", runner.gotUser, runner.gotLabel)
	}

	edits := editor.editCalls()
	if len(edits) == 0 {
		t.Fatal("no streaming edits recorded")
	}
	last := edits[len(edits)-1]
	if last.body != "Good morning! Here's your day." {
		t.Errorf("final edit body = %q", last.body)
	}
	if last.mode != "markdown" {
		t.Errorf("final edit mode = %q", last.mode)
	}
}

func TestFireShowsToolStatus(t *testing.T) {
	runner := &fakeRunner{
		steps: []step{
			{delta: "Checking the weather"},
			{tool: "web_search"},
			{delta: "Sunny, 22°C all day."},
		},
		reply: &assistant.Reply{Text: "Sunny, 22°C all day.", Model: "primary-complex"},
	}
	transport := &fakeTransport{}
	p, editor := newTestPipeline(t, runner, transport)

	if err := p.Fire(context.Background(), &scheduler.Automation{ID: 4, UserID: "+15550199", Label: "weather"}); err != nil {
		t.Fatalf("Fire: %v", err)
	}

	edits := editor.editCalls()
	var toolIdx, finalIdx = -1, -1
	for i, e := range edits {
		if e.body == "⚙️ Using web_search…" {
			toolIdx = i
			if e.mode != "" {
				t.Errorf("tool status edit should be plain, got mode %q", e.mode)
			}
		}
		if e.body == "Sunny, 22°C all day." {
			finalIdx = i
		}
	}
	if toolIdx == -1 {
		t.Fatalf("no tool status edit in %v", edits)
	}
	if finalIdx == -1 || finalIdx < toolIdx {
		t.Errorf("final text must replace the tool status, edits: %v", edits)
	}
}

func TestFireRunnerErrorKeepsPlaceholder(t *testing.T) {
	runner := &fakeRunner{err: errors.New("providers down")}
	transport := &fakeTransport{}
	p, editor := newTestPipeline(t, runner, transport)

	err := p.Fire(context.Background(), &scheduler.Automation{ID: 5, UserID: "+15550199", Label: "water plants"})
	if err == nil {
		t.Fatal("expected the fire to report failure")
	}

	if len(transport.sentMsgs()) != 1 {
		t.Errorf("placeholder should still have been delivered")
	}
	if edits := editor.editCalls(); len(edits) != 0 {
		t.Errorf("no edits expected after a failed run, got %v", edits)
	}
}

func TestFirePlaceholderNeverDelivered(t *testing.T) {
	runner := &fakeRunner{reply: &assistant.Reply{Text: "never"}}
	transport := &fakeTransport{err: errors.New("wire down")}
	p, _ := newTestPipeline(t, runner, transport)

	err := p.Fire(context.Background(), &scheduler.Automation{ID: 6, UserID: "+15550199", Label: "doomed"})
	if err == nil {
		t.Fatal("expected an error when the placeholder cannot be delivered")
	}
	if runner.callCount() != 0 {
		t.Error("engine ran without a delivered placeholder")
	}
}

func TestFireEmptyReplyLeavesLabel(t *testing.T) {
	runner := &fakeRunner{reply: &assistant.Reply{Text: "", Model: "local-tiny"}}
	transport := &fakeTransport{}
	p, editor := newTestPipeline(t, runner, transport)

	if err := p.Fire(context.Background(), &scheduler.Automation{ID: 7, UserID: "+15550199", Label: "stand up"}); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if edits := editor.editCalls(); len(edits) != 0 {
		t.Errorf("empty reply must leave the label untouched, got %v", edits)
	}
}

func TestBuiltinFiresWithLabel(t *testing.T) {
	runner := &fakeRunner{reply: &assistant.Reply{Text: "Evening! Here's your recap."}}
	transport := &fakeTransport{}
	p, _ := newTestPipeline(t, runner, transport)

	job := p.Builtin("+15550199", "evening check-in")
	job(context.Background())

	if runner.gotLabel != "evening check-in" {
		t.Errorf("runner got label %q", runner.gotLabel)
	}
	sent := transport.sentMsgs()
	if len(sent) != 1 || sent[0].body != "⏰ evening check-in" {
		t.Errorf("unexpected placeholder for built-in: %v", sent)
	}
}

func TestEditStreamThrottles(t *testing.T) {
	editor := &fakeEditor{}
	s := &editStream{
		ctx:      context.Background(),
		editor:   editor,
		chat:     "+15550199",
		msgID:    "m1",
		interval: time.Hour,
		logger:   testLogger(),
	}

	s.onDelta("first ")
	s.onDelta("second ") // inside the interval, buffered only
	s.finish("first second third")

	edits := editor.editCalls()
	if len(edits) != 2 {
		t.Fatalf("expected 2 edits (initial + final), got %v", edits)
	}
	if edits[0].body != "first " {
		t.Errorf("first edit = %q", edits[0].body)
	}
	if edits[1].body != "first second third" {
		t.Errorf("final edit = %q", edits[1].body)
	}
}

func TestEditStreamSkipsRedundantFinal(t *testing.T) {
	editor := &fakeEditor{}
	s := &editStream{
		ctx:      context.Background(),
		editor:   editor,
		chat:     "+15550199",
		msgID:    "m1",
		interval: time.Nanosecond,
		logger:   testLogger(),
	}

	s.onDelta("the whole reply")
	s.finish("the whole reply")

	if edits := editor.editCalls(); len(edits) != 1 {
		t.Errorf("expected the final edit to be skipped, got %v", edits)
	}
}
