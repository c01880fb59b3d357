// Package models contains domain models for the darwin pipeline.
package models

import "fmt"

// Category classifies a topic or task.
type Category string

const (
	CategoryBug     Category = "BUG"
	CategoryFeature Category = "FEATURE"
	CategoryUX      Category = "UX"
	CategoryOther   Category = "OTHER"
)

var AllCategories = []Category{CategoryBug, CategoryFeature, CategoryUX, CategoryOther}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryBug, CategoryFeature, CategoryUX, CategoryOther:
		return true
	}
	return false
}

// Actionable reports whether tasks should be created for this category.
func (c Category) Actionable() bool {
	return c.Valid() && c != CategoryOther
}

// ParseCategory validates a raw category string from the store or an LLM.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("invalid category %q", s)
	}
	return c, nil
}

// TopicStatus is the lifecycle state of a topic.
type TopicStatus string

const (
	TopicOpen   TopicStatus = "open"
	TopicClosed TopicStatus = "closed"
)

func (s TopicStatus) Valid() bool {
	return s == TopicOpen || s == TopicClosed
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskOpen, TaskInProgress, TaskDone:
		return true
	}
	return false
}

// FixStatus tracks the automated fix attempt on a task.
type FixStatus string

const (
	FixNone      FixStatus = "none"
	FixRunning   FixStatus = "running"
	FixCompleted FixStatus = "completed"
	FixFailed    FixStatus = "failed"
)

func (s FixStatus) Valid() bool {
	switch s {
	case FixNone, FixRunning, FixCompleted, FixFailed:
		return true
	}
	return false
}

// RuleCategory classifies a learned rule.
type RuleCategory string

const (
	RuleStyle      RuleCategory = "style"
	RuleConvention RuleCategory = "convention"
	RuleWorkflow   RuleCategory = "workflow"
	RuleConstraint RuleCategory = "constraint"
)

func (c RuleCategory) Valid() bool {
	switch c {
	case RuleStyle, RuleConvention, RuleWorkflow, RuleConstraint:
		return true
	}
	return false
}

// RuleSource records where a rule came from.
type RuleSource string

const (
	RuleManual         RuleSource = "manual"
	RuleReviewFeedback RuleSource = "review_feedback"
)

func (s RuleSource) Valid() bool {
	return s == RuleManual || s == RuleReviewFeedback
}
