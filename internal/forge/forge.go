// Package forge talks to the code host: issue creation, pull-request review
// retrieval, and webhook event verification.
package forge

import "context"

// Issue is a created issue.
type Issue struct {
	Number  int    `json:"number"`
	URL     string `json:"url"`
	HTMLURL string `json:"html_url"`
}

// Review is a pull-request review.
type Review struct {
	ID          int64  `json:"id"`
	Body        string `json:"body"`
	State       string `json:"state"`
	User        string `json:"user"`
	SubmittedAt string `json:"submitted_at,omitempty"`
	HTMLURL     string `json:"html_url"`
}

// ReviewComment is an inline code comment on a pull request.
type ReviewComment struct {
	ID        int64  `json:"id"`
	Body      string `json:"body"`
	Path      string `json:"path"`
	Line      int    `json:"line,omitempty"`
	Side      string `json:"side"`
	User      string `json:"user"`
	CreatedAt string `json:"created_at"`
	HTMLURL   string `json:"html_url"`
}

// Forge is the code-host surface the pipeline needs. Repo identifiers are in
// "owner/repo" form.
type Forge interface {
	CreateIssue(ctx context.Context, repo, title, body string, labels []string) (*Issue, error)
	PRReviews(ctx context.Context, repo string, number int) ([]Review, error)
	PRComments(ctx context.Context, repo string, number int) ([]ReviewComment, error)
}
