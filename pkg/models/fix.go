package models

import (
	"fmt"
	"time"

	"github.com/Raptors65/darwin/pkg/similarity"
)

// FixKeyPrefix is the store key prefix for successful fixes.
const FixKeyPrefix = "fix:success:"

// SuccessfulFix records a merged pull request produced by the fix runner.
// It is written once when the PR merges and is immutable thereafter.
type SuccessfulFix struct {
	TaskID       string    `json:"task_id"`
	TopicID      string    `json:"topic_id"`
	Category     Category  `json:"category"`
	Title        string    `json:"title"`
	Summary      string    `json:"summary"`
	Product      string    `json:"product"`
	PRURL        string    `json:"pr_url"`
	PRTitle      string    `json:"pr_title,omitempty"`
	Branch       string    `json:"branch,omitempty"`
	MergedAt     time.Time `json:"merged_at"`
	FilesChanged []string  `json:"files_changed,omitempty"`
	Embedding    []float32 `json:"-"`
}

// Key returns the store key for this fix record.
func (x *SuccessfulFix) Key() string { return FixKeyPrefix + x.TaskID }

// Fields encodes the fix as a flat field map for the store.
func (x *SuccessfulFix) Fields() map[string]string {
	f := map[string]string{
		"task_id":   x.TaskID,
		"topic_id":  x.TopicID,
		"category":  string(x.Category),
		"title":     x.Title,
		"summary":   x.Summary,
		"product":   x.Product,
		"pr_url":    x.PRURL,
		"pr_title":  x.PRTitle,
		"branch":    x.Branch,
		"embedding": string(similarity.Encode(x.Embedding)),
	}
	putTime(f, "merged_at", x.MergedAt)
	putList(f, "files_changed", x.FilesChanged)
	return f
}

// FixFromFields decodes a successful fix from its stored field map.
func FixFromFields(taskID string, f map[string]string, dim int) (*SuccessfulFix, error) {
	category, err := ParseCategory(f["category"])
	if err != nil {
		return nil, fmt.Errorf("fix %s: %w", taskID, err)
	}
	embedding, err := similarity.Decode([]byte(f["embedding"]), dim)
	if err != nil {
		return nil, fmt.Errorf("fix %s: embedding: %w", taskID, err)
	}
	return &SuccessfulFix{
		TaskID:       taskID,
		TopicID:      f["topic_id"],
		Category:     category,
		Title:        f["title"],
		Summary:      f["summary"],
		Product:      f["product"],
		PRURL:        f["pr_url"],
		PRTitle:      f["pr_title"],
		Branch:       f["branch"],
		MergedAt:     fieldTime(f, "merged_at"),
		FilesChanged: fieldList(f, "files_changed"),
		Embedding:    embedding,
	}, nil
}
