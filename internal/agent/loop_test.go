package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/penhold/squire/internal/llm"
	"github.com/penhold/squire/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type scriptedTurn struct {
	res *llm.Result
	err error
}

// fakeStreamer replays scripted provider turns, driving the streaming
// callbacks the way a real client would.
type fakeStreamer struct {
	turns []scriptedTurn
	calls int
	reqs  []llm.Request
	log   *[]string
}

func (f *fakeStreamer) Name() string { return "fake" }

func (f *fakeStreamer) StreamMessage(ctx context.Context, req llm.Request, onText llm.TextFunc) (*llm.Result, error) {
	return f.StreamWithTools(ctx, req, onText, nil)
}

func (f *fakeStreamer) StreamWithTools(_ context.Context, req llm.Request, onText llm.TextFunc, onTool llm.ToolStartFunc) (*llm.Result, error) {
	idx := f.calls
	f.calls++
	f.reqs = append(f.reqs, req)
	if f.log != nil {
		*f.log = append(*f.log, fmt.Sprintf("call %d", f.calls))
	}

	if idx >= len(f.turns) {
		idx = len(f.turns) - 1
	}
	t := f.turns[idx]
	if t.err != nil {
		return nil, t.err
	}

	for _, b := range t.res.Message.Blocks {
		switch b.Type {
		case "text":
			if onText != nil {
				onText(b.Text)
			}
		case "tool_use":
			if onTool != nil {
				onTool(b.Name, b.ID)
			}
		}
	}
	return t.res, nil
}

func textTurn(text string, usage llm.Usage) scriptedTurn {
	return scriptedTurn{res: &llm.Result{
		Model:      "test-model",
		StopReason: "end_turn",
		Message: llm.Message{
			Role:    "assistant",
			Content: text,
			Blocks:  []llm.ContentBlock{{Type: "text", Text: text}},
		},
		Usage: usage,
	}}
}

func toolTurn(name, id string, input map[string]any, usage llm.Usage) scriptedTurn {
	return scriptedTurn{res: &llm.Result{
		Model:      "test-model",
		StopReason: "tool_use",
		Message: llm.Message{
			Role:   "assistant",
			Blocks: []llm.ContentBlock{{Type: "tool_use", ID: id, Name: name, Input: input}},
		},
		Usage: usage,
	}}
}

func newTestRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(testLogger())
	r.Register(&tools.Tool{
		Name:        "get_weather",
		Description: "test weather tool",
		InputSchema: map[string]any{"type": "object"},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			city, _ := args["city"].(string)
			return "Sunny in " + city, nil
		},
	})
	r.Register(&tools.Tool{
		Name: "broken_tool",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "", fmt.Errorf("backend down")
		},
	})
	return r
}

func newTestLoop(f *fakeStreamer, reg *tools.Registry) *Loop {
	return NewLoop(f, reg, Config{}, testLogger())
}

func userMessages(text string) []llm.Message {
	return []llm.Message{llm.TextMessage("user", text)}
}

func TestRunPlainResponse(t *testing.T) {
	f := &fakeStreamer{turns: []scriptedTurn{
		textTurn("Hello there.", llm.Usage{InputTokens: 10, OutputTokens: 4}),
	}}
	loop := newTestLoop(f, newTestRegistry(t))

	var events []Event
	res, err := loop.Run(context.Background(), "test-model", "be helpful", userMessages("hi"), func(e Event) {
		events = append(events, e)
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Text != "Hello there." || res.StopReason != "end_turn" || res.Iterations != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.Usage.InputTokens != 10 || res.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", res.Usage)
	}
	if len(events) != 1 || events[0].Kind != EventText || events[0].Text != "Hello there." {
		t.Errorf("events = %+v", events)
	}
	if f.reqs[0].System != "be helpful" {
		t.Errorf("system = %q", f.reqs[0].System)
	}
	if len(f.reqs[0].Tools) == 0 {
		t.Error("tool schemas missing from request")
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	f := &fakeStreamer{turns: []scriptedTurn{
		toolTurn("get_weather", "tu_1", map[string]any{"city": "Austin"}, llm.Usage{InputTokens: 20, OutputTokens: 8}),
		textTurn("It is sunny.", llm.Usage{InputTokens: 30, OutputTokens: 5}),
	}}
	loop := newTestLoop(f, newTestRegistry(t))

	var events []Event
	res, err := loop.Run(context.Background(), "test-model", "", userMessages("weather in Austin?"), func(e Event) {
		events = append(events, e)
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Iterations != 2 || res.Text != "It is sunny." {
		t.Errorf("result = %+v", res)
	}

	var kinds []EventKind
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	want := []EventKind{EventToolStatus, EventToolResult, EventToolTurnComplete, EventText}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, kinds[i], want[i])
		}
	}

	if events[1].Result != "Sunny in Austin" {
		t.Errorf("tool result = %q", events[1].Result)
	}

	// The second provider call carries the round-trip.
	second := f.reqs[1].Messages
	if len(second) != 3 {
		t.Fatalf("second call has %d messages, want 3", len(second))
	}
	if second[1].Role != "assistant" || len(second[1].Blocks) == 0 || second[1].Blocks[0].Type != "tool_use" {
		t.Errorf("assistant turn = %+v", second[1])
	}
	tr := second[2]
	if tr.Role != "user" || len(tr.Blocks) != 1 || tr.Blocks[0].ToolUseID != "tu_1" || tr.Blocks[0].Content != "Sunny in Austin" {
		t.Errorf("tool result turn = %+v", tr)
	}
}

func TestUsageAddsAcrossIterations(t *testing.T) {
	f := &fakeStreamer{turns: []scriptedTurn{
		toolTurn("get_weather", "tu_1", map[string]any{"city": "Austin"}, llm.Usage{InputTokens: 100, OutputTokens: 10}),
		toolTurn("get_weather", "tu_2", map[string]any{"city": "Dallas"}, llm.Usage{InputTokens: 150, OutputTokens: 12}),
		textTurn("done", llm.Usage{InputTokens: 200, OutputTokens: 20}),
	}}
	loop := newTestLoop(f, newTestRegistry(t))

	res, err := loop.Run(context.Background(), "test-model", "", userMessages("weather"), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Usage.InputTokens != 450 || res.Usage.OutputTokens != 42 {
		t.Errorf("usage = %+v, want sum across iterations", res.Usage)
	}
	if res.Iterations != 3 {
		t.Errorf("iterations = %d", res.Iterations)
	}
}

func TestPersistRunsBeforeNextIteration(t *testing.T) {
	var log []string
	f := &fakeStreamer{
		log: &log,
		turns: []scriptedTurn{
			toolTurn("get_weather", "tu_1", map[string]any{"city": "Austin"}, llm.Usage{}),
			textTurn("done", llm.Usage{}),
		},
	}
	loop := newTestLoop(f, newTestRegistry(t))

	_, err := loop.Run(context.Background(), "test-model", "", userMessages("hi"), nil,
		func(assistant, results []llm.ContentBlock) error {
			log = append(log, "persist")
			if len(assistant) != 1 || len(results) != 1 {
				t.Errorf("persist blocks = %d/%d", len(assistant), len(results))
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"call 1", "persist", "call 2"}
	if strings.Join(log, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", log, want)
	}
}

func TestPersistErrorAbortsRun(t *testing.T) {
	f := &fakeStreamer{turns: []scriptedTurn{
		toolTurn("get_weather", "tu_1", map[string]any{"city": "Austin"}, llm.Usage{}),
		textTurn("done", llm.Usage{}),
	}}
	loop := newTestLoop(f, newTestRegistry(t))

	_, err := loop.Run(context.Background(), "test-model", "", userMessages("hi"), nil,
		func([]llm.ContentBlock, []llm.ContentBlock) error {
			return fmt.Errorf("disk full")
		})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("err = %v, want persist failure", err)
	}
	if f.calls != 1 {
		t.Errorf("provider called %d times after persist failure, want 1", f.calls)
	}
}

func TestIterationCeiling(t *testing.T) {
	// The model never stops calling tools.
	f := &fakeStreamer{turns: []scriptedTurn{
		toolTurn("get_weather", "tu_x", map[string]any{"city": "Austin"}, llm.Usage{InputTokens: 1}),
	}}
	loop := newTestLoop(f, newTestRegistry(t))

	var turnCompletes int
	res, err := loop.Run(context.Background(), "test-model", "", userMessages("hi"), func(e Event) {
		if e.Kind == EventToolTurnComplete {
			turnCompletes++
		}
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Iterations != 5 {
		t.Errorf("iterations = %d, want 5", res.Iterations)
	}
	if turnCompletes != 5 {
		t.Errorf("tool turn completes = %d, want 5", turnCompletes)
	}
	if f.calls != 5 {
		t.Errorf("provider calls = %d, want 5", f.calls)
	}
}

func TestToolErrorSurfacesAsResult(t *testing.T) {
	f := &fakeStreamer{turns: []scriptedTurn{
		toolTurn("broken_tool", "tu_1", nil, llm.Usage{}),
		textTurn("I could not check that.", llm.Usage{}),
	}}
	loop := newTestLoop(f, newTestRegistry(t))

	var toolResult string
	res, err := loop.Run(context.Background(), "test-model", "", userMessages("hi"), func(e Event) {
		if e.Kind == EventToolResult {
			toolResult = e.Result
		}
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !strings.Contains(toolResult, "Tool broken_tool encountered an error") {
		t.Errorf("tool result = %q", toolResult)
	}
	// The loop kept going; the model saw the error string and answered.
	if res.Text != "I could not check that." {
		t.Errorf("text = %q", res.Text)
	}
}

func TestLoopAddsNoRetryLayer(t *testing.T) {
	// Initiation retry is the client's job. A retryable error from the
	// client means the client's own policy is already exhausted; the
	// loop must pass it through, not start a second retry cycle.
	f := &fakeStreamer{turns: []scriptedTurn{
		{err: &llm.APIError{Provider: "fake", Status: 529, Body: "overloaded"}},
		textTurn("recovered", llm.Usage{}),
	}}
	loop := newTestLoop(f, newTestRegistry(t))

	_, err := loop.Run(context.Background(), "test-model", "", userMessages("hi"), nil, nil)
	if err == nil {
		t.Fatal("expected the client error to surface")
	}
	if f.calls != 1 {
		t.Errorf("provider calls = %d, want 1 (loop must not retry)", f.calls)
	}
}

func TestInitiationAttemptsMatchClientPolicy(t *testing.T) {
	// End to end against a real client: a persistently failing
	// provider gets exactly the client policy's attempt count, not
	// attempts compounded across layers.
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := llm.NewAnthropicClient("test-key", testLogger())
	client.SetBaseURL(srv.URL)
	client.SetRetry(llm.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond})

	loop := NewLoop(client, newTestRegistry(t), Config{}, testLogger())

	_, err := loop.Run(context.Background(), "test-model", "", userMessages("hi"), nil, nil)
	if err == nil {
		t.Fatal("expected failure from a persistently failing provider")
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("provider saw %d HTTP attempts, want exactly 3", got)
	}
}

func TestPermanentErrorFailsRun(t *testing.T) {
	f := &fakeStreamer{turns: []scriptedTurn{
		{err: &llm.APIError{Provider: "fake", Status: 401, Body: "bad key"}},
	}}
	loop := newTestLoop(f, newTestRegistry(t))

	_, err := loop.Run(context.Background(), "test-model", "", userMessages("hi"), nil, nil)
	if err == nil || !strings.Contains(err.Error(), "agent iteration 1") {
		t.Errorf("err = %v", err)
	}
	if f.calls != 1 {
		t.Errorf("provider calls = %d, want 1 (no retry on 401)", f.calls)
	}
}

func TestRunCopiesCallerMessages(t *testing.T) {
	f := &fakeStreamer{turns: []scriptedTurn{
		toolTurn("get_weather", "tu_1", map[string]any{"city": "Austin"}, llm.Usage{}),
		textTurn("done", llm.Usage{}),
	}}
	loop := newTestLoop(f, newTestRegistry(t))

	msgs := userMessages("hi")
	if _, err := loop.Run(context.Background(), "test-model", "", msgs, nil, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Errorf("caller messages mutated: %+v", msgs)
	}
}
