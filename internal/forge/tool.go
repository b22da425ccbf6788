package forge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/penhold/squire/internal/tools"
)

const defaultLookbackHours = 24

// RegisterTools wires the github_activity tool into the registry.
func RegisterTools(r *tools.Registry, c *Client) {
	r.Register(&tools.Tool{
		Name:        "github_activity",
		Description: "Summarize recent activity in the user's GitHub repositories: new commits, open pull requests, open issues. Use for briefings or when the user asks what is happening in their projects.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"repo": map[string]any{
					"type":        "string",
					"description": "A single owner/name repo to inspect. Omit for all configured repos.",
				},
				"hours": map[string]any{
					"type":        "integer",
					"description": "Commit lookback window in hours. Default 24.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			hours := defaultLookbackHours
			if h, ok := args["hours"].(float64); ok && h > 0 {
				hours = int(h)
			}
			since := time.Now().Add(-time.Duration(hours) * time.Hour)

			var acts []RepoActivity
			if repo, ok := args["repo"].(string); ok && repo != "" {
				act := RepoActivity{Repo: repo}
				act.Commits, act.Err = c.RecentCommits(ctx, repo, since)
				if act.Err == nil {
					act.Pulls, act.Err = c.OpenPulls(ctx, repo)
				}
				if act.Err == nil {
					act.Issues, act.Err = c.OpenIssues(ctx, repo)
				}
				acts = []RepoActivity{act}
			} else {
				var err error
				acts, err = c.Activity(ctx, since)
				if err != nil {
					return "", err
				}
			}
			return renderActivity(acts, hours), nil
		},
	})
}

// renderActivity formats the digest. Commit messages, titles and
// author names come from repository contributors, so they are
// tag-escaped before the model sees them.
func renderActivity(acts []RepoActivity, hours int) string {
	var b strings.Builder
	for i, a := range acts {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n", a.Repo)

		if a.Err != nil {
			fmt.Fprintf(&b, "Could not fetch activity: %v", a.Err)
			continue
		}

		fmt.Fprintf(&b, "Commits in the last %dh (%d):", hours, len(a.Commits))
		for _, cm := range a.Commits {
			sha := cm.SHA
			if len(sha) > 7 {
				sha = sha[:7]
			}
			fmt.Fprintf(&b, "\n- %s %s (%s)", sha, tools.EscapeExternal(cm.Message), tools.EscapeExternal(cm.Author))
		}

		fmt.Fprintf(&b, "\nOpen pull requests (%d):", len(a.Pulls))
		for _, pr := range a.Pulls {
			fmt.Fprintf(&b, "\n- #%d %s (%s", pr.Number, tools.EscapeExternal(pr.Title), tools.EscapeExternal(pr.Author))
			if pr.Draft {
				b.WriteString(", draft")
			}
			b.WriteString(")")
		}

		fmt.Fprintf(&b, "\nOpen issues (%d):", len(a.Issues))
		for _, is := range a.Issues {
			fmt.Fprintf(&b, "\n- #%d %s (%s, %d comments)", is.Number, tools.EscapeExternal(is.Title), tools.EscapeExternal(is.Author), is.Comments)
		}
	}
	return b.String()
}
