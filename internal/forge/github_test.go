package forge

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/penhold/squire/internal/tools"
)

// newTestClient points the client at a local server. Enterprise URL
// handling prefixes API paths with /api/v3.
func newTestClient(t *testing.T, handler http.Handler, repos ...string) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New(ts.Client(), "test-token", ts.URL, repos, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

const commitsJSON = `[
	{
		"sha": "a1b2c3d4e5f60789",
		"commit": {"message": "Fix reconnect backoff\n\nLonger body here.", "author": {"name": "Alice Dev", "date": "2026-08-23T10:00:00Z"}},
		"author": {"login": "alice"}
	},
	{
		"sha": "ffee0011223344",
		"commit": {"message": "Bump deps", "author": {"name": "Bob Builder", "date": "2026-08-23T08:00:00Z"}}
	}
]`

func TestRecentCommits(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/app/commits", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("since") == "" {
			t.Error("since param missing")
		}
		if pp := r.URL.Query().Get("per_page"); pp != "20" {
			t.Errorf("per_page = %q", pp)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, commitsJSON)
	})

	c := newTestClient(t, mux, "acme/app")
	commits, err := c.RecentCommits(context.Background(), "acme/app", time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("RecentCommits: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("got %d commits", len(commits))
	}
	if commits[0].Message != "Fix reconnect backoff" {
		t.Errorf("message not cut at first line: %q", commits[0].Message)
	}
	if commits[0].Author != "alice" {
		t.Errorf("author = %q, want login", commits[0].Author)
	}
	if commits[1].Author != "Bob Builder" {
		t.Errorf("author = %q, want commit author name fallback", commits[1].Author)
	}
}

func TestOpenPulls(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/app/pulls", func(w http.ResponseWriter, r *http.Request) {
		if st := r.URL.Query().Get("state"); st != "open" {
			t.Errorf("state = %q", st)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[
			{"number": 12, "title": "Add websocket reconnect", "user": {"login": "bob"}, "draft": true, "created_at": "2026-08-20T09:00:00Z"},
			{"number": 11, "title": "Refactor config", "user": {"login": "alice"}, "created_at": "2026-08-18T09:00:00Z"}
		]`)
	})

	c := newTestClient(t, mux, "acme/app")
	prs, err := c.OpenPulls(context.Background(), "acme/app")
	if err != nil {
		t.Fatalf("OpenPulls: %v", err)
	}
	if len(prs) != 2 {
		t.Fatalf("got %d prs", len(prs))
	}
	if !prs[0].Draft || prs[0].Number != 12 || prs[0].Author != "bob" {
		t.Errorf("prs[0] = %+v", prs[0])
	}
	if prs[1].Draft {
		t.Error("prs[1] marked draft")
	}
}

func TestOpenIssuesFiltersPulls(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/app/issues", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[
			{"number": 7, "title": "Crash on empty config", "user": {"login": "carol"}, "comments": 4, "created_at": "2026-08-19T09:00:00Z"},
			{"number": 12, "title": "PR shadow", "user": {"login": "bob"}, "pull_request": {"url": "https://example.com/pr/12"}}
		]`)
	})

	c := newTestClient(t, mux, "acme/app")
	issues, err := c.OpenIssues(context.Background(), "acme/app")
	if err != nil {
		t.Fatalf("OpenIssues: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("got %d issues, want the PR filtered out", len(issues))
	}
	if issues[0].Number != 7 || issues[0].Comments != 4 {
		t.Errorf("issues[0] = %+v", issues[0])
	}
}

func TestActivityIsolatesRepoFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/good/one/commits", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, commitsJSON)
	})
	mux.HandleFunc("GET /api/v3/repos/good/one/pulls", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[]`)
	})
	mux.HandleFunc("GET /api/v3/repos/good/one/issues", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[]`)
	})

	c := newTestClient(t, mux, "good/one", "bad/two")
	acts, err := c.Activity(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Activity: %v", err)
	}
	if len(acts) != 2 {
		t.Fatalf("got %d repo digests", len(acts))
	}
	if acts[0].Err != nil {
		t.Errorf("good repo errored: %v", acts[0].Err)
	}
	if len(acts[0].Commits) != 2 {
		t.Errorf("good repo commits = %d", len(acts[0].Commits))
	}
	if acts[1].Err == nil {
		t.Error("bad repo did not record its failure")
	}
}

func TestNewRejectsMalformedRepo(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := New(nil, "tok", "", []string{"justname"}, logger); err == nil {
		t.Error("repo without owner accepted")
	}
	if _, err := New(nil, "tok", "", []string{"owner/"}, logger); err == nil {
		t.Error("repo without name accepted")
	}
}

func TestGitHubActivityToolRenders(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/app/commits", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, commitsJSON)
	})
	mux.HandleFunc("GET /api/v3/repos/acme/app/pulls", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[{"number": 3, "title": "Add <b>bold</b> banners", "user": {"login": "mallory"}, "created_at": "2026-08-20T09:00:00Z"}]`)
	})
	mux.HandleFunc("GET /api/v3/repos/acme/app/issues", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[]`)
	})

	c := newTestClient(t, mux, "acme/app")
	reg := tools.NewRegistry(nil)
	RegisterTools(reg, c)

	out := reg.Dispatch(context.Background(), "github_activity", map[string]any{"hours": float64(48)})
	for _, want := range []string{"## acme/app", "a1b2c3d ", "last 48h", "#3 "} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "<b>") {
		t.Errorf("unescaped title in output:\n%s", out)
	}
	if !strings.Contains(out, "&lt;b&gt;") {
		t.Errorf("escaped title missing:\n%s", out)
	}
}

func TestGitHubActivityToolSingleRepo(t *testing.T) {
	var otherHit bool
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/app/", func(w http.ResponseWriter, _ *http.Request) {
		otherHit = true
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("GET /api/v3/repos/solo/repo/commits", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[]`)
	})
	mux.HandleFunc("GET /api/v3/repos/solo/repo/pulls", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[]`)
	})
	mux.HandleFunc("GET /api/v3/repos/solo/repo/issues", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[]`)
	})

	c := newTestClient(t, mux, "acme/app")
	reg := tools.NewRegistry(nil)
	RegisterTools(reg, c)

	out := reg.Dispatch(context.Background(), "github_activity", map[string]any{"repo": "solo/repo"})
	if !strings.Contains(out, "## solo/repo") {
		t.Errorf("requested repo missing:\n%s", out)
	}
	if otherHit {
		t.Error("configured repo queried despite explicit repo arg")
	}
}
