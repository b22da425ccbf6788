package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newOllamaTestClient(t *testing.T, handler http.HandlerFunc) *OllamaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOllamaClient(srv.URL, testLogger())
}

func TestOllamaStreamMessage(t *testing.T) {
	chunks := `{"model":"llama3.1:8b","message":{"role":"assistant","content":"Hi"},"done":false}
{"model":"llama3.1:8b","message":{"role":"assistant","content":" there"},"done":false}
{"model":"llama3.1:8b","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}
`
	c := newOllamaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		io.WriteString(w, chunks)
	})

	var deltas []string
	res, err := c.StreamMessage(context.Background(), Request{
		Model:    "llama3.1:8b",
		System:   "Be brief.",
		Messages: []Message{TextMessage("user", "hi")},
	}, func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("StreamMessage() error = %v", err)
	}

	if res.Message.Content != "Hi there" {
		t.Errorf("Content = %q", res.Message.Content)
	}
	if got := strings.Join(deltas, ""); got != "Hi there" {
		t.Errorf("streamed text = %q", got)
	}
	if res.StopReason != "stop" {
		t.Errorf("StopReason = %q", res.StopReason)
	}
	if res.Usage != (Usage{}) {
		t.Errorf("usage = %+v, want zero", res.Usage)
	}
	if res.Model != "llama3.1:8b" {
		t.Errorf("Model = %q", res.Model)
	}
}

func TestOllamaStreamMessageServerError(t *testing.T) {
	c := newOllamaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	})

	_, err := c.StreamMessage(context.Background(), Request{Model: "missing", Messages: []Message{TextMessage("user", "hi")}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestOllamaPing(t *testing.T) {
	c := newOllamaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s", r.URL.Path)
		}
		io.WriteString(w, `{"models":[]}`)
	})
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestOllamaListModels(t *testing.T) {
	c := newOllamaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"models":[{"name":"llama3.1:8b"},{"name":"all-minilm:latest"}]}`)
	})
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if len(models) != 2 || models[0] != "llama3.1:8b" {
		t.Errorf("models = %v", models)
	}
}
