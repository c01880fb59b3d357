package forge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	githubAPIURL      = "https://api.github.com"
	githubAPIVersion  = "2022-11-28"
	githubHTTPTimeout = 30 * time.Second
)

// GitHubClient implements Forge against the GitHub REST API.
type GitHubClient struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewGitHubClient creates a client authenticated with a personal access
// token or app installation token.
func NewGitHubClient(token string) (*GitHubClient, error) {
	if token == "" {
		return nil, fmt.Errorf("github token is required")
	}
	return &GitHubClient{
		client:  &http.Client{Timeout: githubHTTPTimeout},
		baseURL: githubAPIURL,
		token:   token,
	}, nil
}

var _ Forge = (*GitHubClient)(nil)

// CreateIssue opens an issue in repo with the given labels.
func (g *GitHubClient) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (*Issue, error) {
	payload := map[string]interface{}{
		"title": title,
		"body":  body,
	}
	if len(labels) > 0 {
		payload["labels"] = labels
	}

	var resp struct {
		Number  int    `json:"number"`
		URL     string `json:"url"`
		HTMLURL string `json:"html_url"`
	}
	if err := g.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues", repo), payload, &resp); err != nil {
		return nil, fmt.Errorf("create issue in %s: %w", repo, err)
	}

	log.Info().Str("repo", repo).Int("issue", resp.Number).Msg("Issue created")
	return &Issue{Number: resp.Number, URL: resp.URL, HTMLURL: resp.HTMLURL}, nil
}

// PRReviews returns all reviews submitted on a pull request.
func (g *GitHubClient) PRReviews(ctx context.Context, repo string, number int) ([]Review, error) {
	var raw []struct {
		ID          int64  `json:"id"`
		Body        string `json:"body"`
		State       string `json:"state"`
		SubmittedAt string `json:"submitted_at"`
		HTMLURL     string `json:"html_url"`
		User        struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	path := fmt.Sprintf("/repos/%s/pulls/%d/reviews", repo, number)
	if err := g.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("fetch reviews for %s#%d: %w", repo, number, err)
	}

	reviews := make([]Review, 0, len(raw))
	for _, r := range raw {
		reviews = append(reviews, Review{
			ID:          r.ID,
			Body:        r.Body,
			State:       r.State,
			User:        r.User.Login,
			SubmittedAt: r.SubmittedAt,
			HTMLURL:     r.HTMLURL,
		})
	}
	return reviews, nil
}

// PRComments returns the inline code comments on a pull request.
func (g *GitHubClient) PRComments(ctx context.Context, repo string, number int) ([]ReviewComment, error) {
	var raw []struct {
		ID        int64  `json:"id"`
		Body      string `json:"body"`
		Path      string `json:"path"`
		Line      int    `json:"line"`
		Side      string `json:"side"`
		CreatedAt string `json:"created_at"`
		HTMLURL   string `json:"html_url"`
		User      struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	path := fmt.Sprintf("/repos/%s/pulls/%d/comments", repo, number)
	if err := g.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("fetch comments for %s#%d: %w", repo, number, err)
	}

	comments := make([]ReviewComment, 0, len(raw))
	for _, c := range raw {
		side := c.Side
		if side == "" {
			side = "RIGHT"
		}
		comments = append(comments, ReviewComment{
			ID:        c.ID,
			Body:      c.Body,
			Path:      c.Path,
			Line:      c.Line,
			Side:      side,
			User:      c.User.Login,
			CreatedAt: c.CreatedAt,
			HTMLURL:   c.HTMLURL,
		})
	}
	return comments, nil
}

func (g *GitHubClient) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("github API %s %s: status %d: %s", method, path, resp.StatusCode, truncateBody(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncateBody(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
