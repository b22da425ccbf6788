// Package forge surfaces development activity from the user's GitHub
// repositories: recent commits, open pull requests and open issues,
// rolled into a digest the briefing and the github_activity tool share.
package forge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v69/github"
)

const perPage = 20

// Commit is one commit in a repository's recent history.
type Commit struct {
	SHA     string
	Message string
	Author  string
	When    time.Time
}

// PullRequest is an open pull request.
type PullRequest struct {
	Number    int
	Title     string
	Author    string
	Draft     bool
	CreatedAt time.Time
}

// Issue is an open issue.
type Issue struct {
	Number    int
	Title     string
	Author    string
	Comments  int
	CreatedAt time.Time
}

// RepoActivity is the digest for one repository. Err records a fetch
// failure; one broken repo must not empty the whole digest.
type RepoActivity struct {
	Repo    string
	Commits []Commit
	Pulls   []PullRequest
	Issues  []Issue
	Err     error
}

// Client reads activity from a fixed set of repositories.
type Client struct {
	gh     *gogithub.Client
	repos  []string
	logger *slog.Logger
}

// New creates a forge client. repos entries are "owner/name". baseURL
// overrides the API endpoint for GitHub Enterprise; empty means
// github.com.
func New(httpClient *http.Client, token, baseURL string, repos []string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, r := range repos {
		if _, _, err := splitRepo(r); err != nil {
			return nil, err
		}
	}

	gh := gogithub.NewClient(httpClient).WithAuthToken(token)
	if baseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("forge: base url: %w", err)
		}
	}

	return &Client{
		gh:     gh,
		repos:  repos,
		logger: logger.With("component", "forge"),
	}, nil
}

// Configured reports whether any repositories are set up.
func (c *Client) Configured() bool {
	return c != nil && len(c.repos) > 0
}

// Repos returns the configured "owner/name" list.
func (c *Client) Repos() []string {
	out := make([]string, len(c.repos))
	copy(out, c.repos)
	return out
}

// Activity fetches the digest for every configured repository. Fetch
// failures land in the repo's Err field; the error return is only for
// having nothing configured.
func (c *Client) Activity(ctx context.Context, since time.Time) ([]RepoActivity, error) {
	if len(c.repos) == 0 {
		return nil, fmt.Errorf("forge: no repositories configured")
	}

	out := make([]RepoActivity, 0, len(c.repos))
	for _, repo := range c.repos {
		act := RepoActivity{Repo: repo}
		act.Commits, act.Err = c.RecentCommits(ctx, repo, since)
		if act.Err == nil {
			act.Pulls, act.Err = c.OpenPulls(ctx, repo)
		}
		if act.Err == nil {
			act.Issues, act.Err = c.OpenIssues(ctx, repo)
		}
		if act.Err != nil {
			c.logger.Warn("repo activity fetch failed", "repo", repo, "error", act.Err)
		}
		out = append(out, act)
	}
	return out, nil
}

// RecentCommits lists commits on the default branch since the given time.
func (c *Client) RecentCommits(ctx context.Context, repo string, since time.Time) ([]Commit, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	commits, resp, err := c.gh.Repositories.ListCommits(ctx, owner, name, &gogithub.CommitsListOptions{
		Since:       since,
		ListOptions: gogithub.ListOptions{PerPage: perPage},
	})
	if err != nil {
		return nil, fmt.Errorf("forge: list commits: %w", err)
	}
	c.checkRateLimit(resp)

	out := make([]Commit, 0, len(commits))
	for _, rc := range commits {
		author := rc.GetAuthor().GetLogin()
		if author == "" {
			author = rc.GetCommit().GetAuthor().GetName()
		}
		out = append(out, Commit{
			SHA:     rc.GetSHA(),
			Message: firstLine(rc.GetCommit().GetMessage()),
			Author:  author,
			When:    rc.GetCommit().GetAuthor().GetDate().Time,
		})
	}
	return out, nil
}

// OpenPulls lists open pull requests, most recently updated first.
func (c *Client) OpenPulls(ctx context.Context, repo string) ([]PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	prs, resp, err := c.gh.PullRequests.List(ctx, owner, name, &gogithub.PullRequestListOptions{
		State:       "open",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gogithub.ListOptions{PerPage: perPage},
	})
	if err != nil {
		return nil, fmt.Errorf("forge: list pull requests: %w", err)
	}
	c.checkRateLimit(resp)

	out := make([]PullRequest, 0, len(prs))
	for _, pr := range prs {
		out = append(out, PullRequest{
			Number:    pr.GetNumber(),
			Title:     pr.GetTitle(),
			Author:    pr.GetUser().GetLogin(),
			Draft:     pr.GetDraft(),
			CreatedAt: pr.GetCreatedAt().Time,
		})
	}
	return out, nil
}

// OpenIssues lists open issues. The issues API also returns pull
// requests; those are dropped here.
func (c *Client) OpenIssues(ctx context.Context, repo string) ([]Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, name, &gogithub.IssueListByRepoOptions{
		State:       "open",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gogithub.ListOptions{PerPage: perPage},
	})
	if err != nil {
		return nil, fmt.Errorf("forge: list issues: %w", err)
	}
	c.checkRateLimit(resp)

	out := make([]Issue, 0, len(issues))
	for _, is := range issues {
		if is.IsPullRequest() {
			continue
		}
		out = append(out, Issue{
			Number:    is.GetNumber(),
			Title:     is.GetTitle(),
			Author:    is.GetUser().GetLogin(),
			Comments:  is.GetComments(),
			CreatedAt: is.GetCreatedAt().Time,
		})
	}
	return out, nil
}

func (c *Client) checkRateLimit(resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Remaining < 100 {
		c.logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

// splitRepo splits "owner/name" into its parts.
func splitRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo %q: expected owner/name", repo)
	}
	return parts[0], parts[1], nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
