package models

import (
	"fmt"
	"strconv"
	"time"
)

// RuleKey returns the store key for a rule under a product namespace.
func RuleKey(product, id string) string {
	return "rule:" + product + ":" + id
}

// RuleKeyPattern returns the scan pattern matching all rules for a product.
func RuleKeyPattern(product string) string {
	return "rule:" + product + ":*"
}

// Rule is a short, reusable instruction included in future fix prompts.
// Rules are deduplicated by normalized content per product.
type Rule struct {
	ID            string       `json:"id"`
	Product       string       `json:"product"`
	Content       string       `json:"content"`
	Category      RuleCategory `json:"category"`
	Source        RuleSource   `json:"source"`
	SourceTaskID  string       `json:"source_task_id,omitempty"`
	Reviewer      string       `json:"reviewer,omitempty"`
	TimesApplied  int          `json:"times_applied"`
	LastAppliedAt time.Time    `json:"last_applied_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Key returns the store key for this rule.
func (r *Rule) Key() string { return RuleKey(r.Product, r.ID) }

// Fields encodes the rule as a flat field map for the store.
func (r *Rule) Fields() map[string]string {
	f := map[string]string{
		"content":        r.Content,
		"category":       string(r.Category),
		"source":         string(r.Source),
		"source_task_id": r.SourceTaskID,
		"reviewer":       r.Reviewer,
		"times_applied":  strconv.Itoa(r.TimesApplied),
	}
	putTime(f, "last_applied_at", r.LastAppliedAt)
	putTime(f, "created_at", r.CreatedAt)
	return f
}

// RuleFromFields decodes a rule from its stored field map.
func RuleFromFields(product, id string, f map[string]string) (*Rule, error) {
	category := RuleCategory(f["category"])
	if !category.Valid() {
		return nil, fmt.Errorf("rule %s/%s: invalid category %q", product, id, f["category"])
	}
	source := RuleSource(f["source"])
	if !source.Valid() {
		return nil, fmt.Errorf("rule %s/%s: invalid source %q", product, id, f["source"])
	}
	return &Rule{
		ID:            id,
		Product:       product,
		Content:       f["content"],
		Category:      category,
		Source:        source,
		SourceTaskID:  f["source_task_id"],
		Reviewer:      f["reviewer"],
		TimesApplied:  fieldInt(f, "times_applied"),
		LastAppliedAt: fieldTime(f, "last_applied_at"),
		CreatedAt:     fieldTime(f, "created_at"),
	}, nil
}
