package forge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// SignatureHeader carries the webhook payload signature.
const SignatureHeader = "X-Hub-Signature-256"

// EventHeader names the webhook event type.
const EventHeader = "X-GitHub-Event"

// EventKind is the normalized webhook event the pipeline reacts to.
type EventKind string

const (
	EventPROpened         EventKind = "pr_opened"
	EventPRMerged         EventKind = "pr_merged"
	EventPRClosed         EventKind = "pr_closed"
	EventChangesRequested EventKind = "changes_requested"
	EventApproved         EventKind = "approved"
	EventCommented        EventKind = "commented"
	EventIgnored          EventKind = "ignored"
)

// Event is a verified, decoded webhook delivery.
type Event struct {
	Kind     EventKind
	Repo     string
	PRNumber int
	PRURL    string
	PRTitle  string
	Branch   string
	Reviewer string
	Feedback string
}

// Sign computes the hex HMAC-SHA256 signature for body in header form.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

type webhookPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		HTML   string `json:"html_url"`
		Merged bool   `json:"merged"`
		Head   struct {
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
	Review struct {
		State string `json:"state"`
		Body  string `json:"body"`
		User  struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"review"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// ParseEvent decodes a GitHub-style webhook delivery into a normalized
// Event. Deliveries the pipeline does not act on come back as EventIgnored.
func ParseEvent(eventName string, body []byte) (*Event, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	if p.PullRequest.HTML == "" {
		return &Event{Kind: EventIgnored}, nil
	}

	ev := &Event{
		Kind:     EventIgnored,
		Repo:     p.Repository.FullName,
		PRNumber: p.PullRequest.Number,
		PRURL:    p.PullRequest.HTML,
		PRTitle:  p.PullRequest.Title,
		Branch:   p.PullRequest.Head.Ref,
	}

	switch eventName {
	case "pull_request":
		switch p.Action {
		case "opened", "reopened", "ready_for_review":
			ev.Kind = EventPROpened
		case "closed":
			if p.PullRequest.Merged {
				ev.Kind = EventPRMerged
			} else {
				ev.Kind = EventPRClosed
			}
		}
	case "pull_request_review":
		if p.Action != "submitted" {
			break
		}
		ev.Reviewer = p.Review.User.Login
		ev.Feedback = p.Review.Body
		switch strings.ToLower(p.Review.State) {
		case "changes_requested":
			ev.Kind = EventChangesRequested
		case "approved":
			ev.Kind = EventApproved
		case "commented":
			ev.Kind = EventCommented
		}
	}
	return ev, nil
}
