package models

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryValidation(t *testing.T) {
	for _, c := range AllCategories {
		assert.True(t, c.Valid(), "category %s", c)
	}
	assert.False(t, Category("bug").Valid(), "categories are case-sensitive")
	assert.False(t, Category("").Valid())

	assert.True(t, CategoryBug.Actionable())
	assert.True(t, CategoryFeature.Actionable())
	assert.True(t, CategoryUX.Actionable())
	assert.False(t, CategoryOther.Actionable())

	_, err := ParseCategory("SOMETHING")
	assert.Error(t, err)
}

func TestSignalFieldsRoundTrip(t *testing.T) {
	now := time.Unix(1756200000, 0).UTC()
	s := &Signal{
		Hash:       "abc123",
		Text:       "Sync fails after update",
		Normalized: "sync fails after update",
		Source:     "reddit",
		URL:        "https://example.com/post",
		Title:      "Sync broken",
		Author:     "someone",
		Product:    "joplin",
		TopicID:    "t-1",
		FirstSeen:  now,
		LastSeen:   now.Add(time.Hour),
	}

	back, err := SignalFromFields(s.Hash, s.Fields())
	require.NoError(t, err)
	assert.Equal(t, s, back)
	assert.Equal(t, "signal:abc123", s.Key())
}

func TestTopicFieldsRoundTrip(t *testing.T) {
	now := time.Unix(1756200000, 0).UTC()
	topic := &Topic{
		ID:          "t-1",
		Title:       "Sync failures",
		Summary:     "Users report sync errors",
		Status:      TopicOpen,
		Product:     "joplin",
		Category:    CategoryBug,
		SignalCount: 3,
		Centroid:    []float32{0.6, 0.8, 0, 0},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	back, err := TopicFromFields(topic.ID, topic.Fields(), 4)
	require.NoError(t, err)
	assert.Equal(t, topic.SignalCount, back.SignalCount)
	for i := range topic.Centroid {
		assert.InDelta(t, topic.Centroid[i], back.Centroid[i], 1e-6)
	}

	// Centroid width mismatch is an invariant violation, not silently fixed.
	_, err = TopicFromFields(topic.ID, topic.Fields(), 8)
	assert.Error(t, err)
}

func TestTaskFieldsRoundTrip(t *testing.T) {
	now := time.Unix(1756200000, 0).UTC()
	task := &Task{
		ID:              "task-1",
		TopicID:         "t-1",
		Category:        CategoryBug,
		Title:           "Fix sync",
		Summary:         "Sync fails on large notebooks",
		Severity:        "high",
		SuggestedAction: "Guard against nil cursor",
		Confidence:      0.92,
		Product:         "joplin",
		Status:          TaskInProgress,
		IssueURL:        "https://github.com/x/y/issues/7",
		IssueNumber:     7,
		FixStatus:       FixRunning,
		PRURL:           "https://github.com/x/y/pull/8",
		Branch:          "darwin/task-1",
		FixIterations:   1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	back, err := TaskFromFields(task.ID, task.Fields())
	require.NoError(t, err)
	assert.Equal(t, task.TopicID, back.TopicID)
	assert.Equal(t, task.IssueNumber, back.IssueNumber)
	assert.InDelta(t, task.Confidence, back.Confidence, 1e-12)
	assert.Equal(t, task.FixStatus, back.FixStatus)
	assert.Equal(t, task.FixIterations, back.FixIterations)
}

func TestTaskFromFieldsRejectsBadEnums(t *testing.T) {
	task := &Task{
		ID: "task-1", TopicID: "t-1", Category: CategoryBug,
		Status: TaskOpen, FixStatus: FixNone,
	}
	f := task.Fields()
	f["fix_status"] = "exploded"
	_, err := TaskFromFields(task.ID, f)
	assert.Error(t, err)

	f = task.Fields()
	f["topic_id"] = ""
	_, err = TaskFromFields(task.ID, f)
	assert.Error(t, err)
}

func TestFixFieldsRoundTrip(t *testing.T) {
	fix := &SuccessfulFix{
		TaskID:       "task-1",
		TopicID:      "t-1",
		Category:     CategoryBug,
		Title:        "Fix sync",
		Summary:      "Guard nil cursor",
		Product:      "joplin",
		PRURL:        "https://github.com/x/y/pull/8",
		PRTitle:      "fix: guard nil cursor during sync",
		Branch:       "darwin/task-1",
		MergedAt:     time.Unix(1756200000, 0).UTC(),
		FilesChanged: []string{"sync/cursor.ts", "sync/cursor_test.ts"},
		Embedding:    []float32{1, 0, 0},
	}

	back, err := FixFromFields(fix.TaskID, fix.Fields(), 3)
	require.NoError(t, err)
	assert.Equal(t, fix.FilesChanged, back.FilesChanged)
	assert.Equal(t, fix.PRTitle, back.PRTitle)
	assert.True(t, math.Abs(float64(back.Embedding[0]-1)) < 1e-6)
}

func TestRuleFieldsRoundTrip(t *testing.T) {
	rule := &Rule{
		ID:           "r1",
		Product:      "joplin",
		Content:      "Use early returns",
		Category:     RuleStyle,
		Source:       RuleReviewFeedback,
		SourceTaskID: "task-1",
		Reviewer:     "alice",
		TimesApplied: 3,
		CreatedAt:    time.Unix(1756200000, 0).UTC(),
	}

	back, err := RuleFromFields(rule.Product, rule.ID, rule.Fields())
	require.NoError(t, err)
	assert.Equal(t, rule.Content, back.Content)
	assert.Equal(t, rule.TimesApplied, back.TimesApplied)
	assert.True(t, back.LastAppliedAt.IsZero())
	assert.Equal(t, "rule:joplin:r1", rule.Key())
}
