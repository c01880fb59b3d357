package models

import (
	"fmt"
	"strconv"
	"time"
)

// TaskKeyPrefix is the store key prefix for tasks.
const TaskKeyPrefix = "task:"

// TopicTaskKeyPrefix maps a topic id to its current task id, keeping task
// creation idempotent per topic.
const TopicTaskKeyPrefix = "topic_task:"

// PRTaskKeyPrefix maps a pull-request URL back to the task whose fix opened
// it, so webhook deliveries can find the task.
const PRTaskKeyPrefix = "pr_task:"

// Task is a classified, actionable topic targeted for a code change.
type Task struct {
	ID              string     `json:"id"`
	TopicID         string     `json:"topic_id"`
	Category        Category   `json:"category"`
	Title           string     `json:"title"`
	Summary         string     `json:"summary"`
	Severity        string     `json:"severity,omitempty"`
	SuggestedAction string     `json:"suggested_action,omitempty"`
	Confidence      float64    `json:"confidence"`
	Product         string     `json:"product"`
	Status          TaskStatus `json:"status"`
	IssueURL        string     `json:"issue_url,omitempty"`
	IssueNumber     int        `json:"issue_number,omitempty"`
	FixStatus       FixStatus  `json:"fix_status"`
	FixReason       string     `json:"fix_reason,omitempty"`
	PRURL           string     `json:"pr_url,omitempty"`
	Branch          string     `json:"branch,omitempty"`
	FixIterations   int        `json:"fix_iterations"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Key returns the store key for this task.
func (t *Task) Key() string { return TaskKeyPrefix + t.ID }

// Fields encodes the task as a flat field map for the store.
func (t *Task) Fields() map[string]string {
	f := map[string]string{
		"topic_id":         t.TopicID,
		"category":         string(t.Category),
		"title":            t.Title,
		"summary":          t.Summary,
		"severity":         t.Severity,
		"suggested_action": t.SuggestedAction,
		"confidence":       strconv.FormatFloat(t.Confidence, 'f', -1, 64),
		"product":          t.Product,
		"status":           string(t.Status),
		"issue_url":        t.IssueURL,
		"issue_number":     strconv.Itoa(t.IssueNumber),
		"fix_status":       string(t.FixStatus),
		"fix_reason":       t.FixReason,
		"pr_url":           t.PRURL,
		"branch":           t.Branch,
		"fix_iterations":   strconv.Itoa(t.FixIterations),
	}
	putTime(f, "created_at", t.CreatedAt)
	putTime(f, "updated_at", t.UpdatedAt)
	return f
}

// TaskFromFields decodes a task from its stored field map.
func TaskFromFields(id string, f map[string]string) (*Task, error) {
	category, err := ParseCategory(f["category"])
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	status := TaskStatus(f["status"])
	if !status.Valid() {
		return nil, fmt.Errorf("task %s: invalid status %q", id, f["status"])
	}
	fixStatus := FixStatus(f["fix_status"])
	if !fixStatus.Valid() {
		return nil, fmt.Errorf("task %s: invalid fix_status %q", id, f["fix_status"])
	}
	if f["topic_id"] == "" {
		return nil, fmt.Errorf("task %s: missing topic_id", id)
	}
	return &Task{
		ID:              id,
		TopicID:         f["topic_id"],
		Category:        category,
		Title:           f["title"],
		Summary:         f["summary"],
		Severity:        f["severity"],
		SuggestedAction: f["suggested_action"],
		Confidence:      fieldFloat(f, "confidence"),
		Product:         f["product"],
		Status:          status,
		IssueURL:        f["issue_url"],
		IssueNumber:     fieldInt(f, "issue_number"),
		FixStatus:       fixStatus,
		FixReason:       f["fix_reason"],
		PRURL:           f["pr_url"],
		Branch:          f["branch"],
		FixIterations:   fieldInt(f, "fix_iterations"),
		CreatedAt:       fieldTime(f, "created_at"),
		UpdatedAt:       fieldTime(f, "updated_at"),
	}, nil
}
