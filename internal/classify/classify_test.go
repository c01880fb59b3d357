package classify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raptors65/darwin/internal/llm"
	"github.com/Raptors65/darwin/internal/store"
	"github.com/Raptors65/darwin/internal/store/memory"
	"github.com/Raptors65/darwin/pkg/models"
	"github.com/Raptors65/darwin/pkg/similarity"
)

const testDim = 4

// stubLLM returns canned responses in order, recording prompts.
type stubLLM struct {
	responses []string
	prompts   []string
	err       error
}

func (s *stubLLM) Complete(_ context.Context, prompt string, _ int) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.prompts = append(s.prompts, prompt)
	if len(s.responses) == 0 {
		return "", errors.New("no canned response left")
	}
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return resp, nil
}

func seedTopic(t *testing.T, st store.Store, id string, signalTexts ...string) *models.Topic {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	topic := &models.Topic{
		ID:          id,
		Title:       "login crashes",
		Status:      models.TopicOpen,
		Product:     "joplin",
		SignalCount: len(signalTexts),
		Centroid:    similarity.Normalize([]float32{1, 0, 0, 0}),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, st.SetFields(ctx, topic.Key(), topic.Fields()))
	for i, text := range signalTexts {
		sig := &models.Signal{
			Hash:       id + "-sig-" + string(rune('a'+i)),
			Text:       text,
			Normalized: text,
			Product:    "joplin",
			TopicID:    id,
			FirstSeen:  now,
			LastSeen:   now,
		}
		require.NoError(t, st.SetFields(ctx, sig.Key(), sig.Fields()))
		require.NoError(t, st.Push(ctx, store.TopicSignalsPrefix+id, sig.Hash))
	}
	return topic
}

func TestClassifyCreatesTask(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedTopic(t, st, "t1", "app crashes when I log in", "login screen freezes then closes")

	stub := &stubLLM{responses: []string{`{
		"category": "BUG",
		"title": "Fix login crash",
		"summary": "Users report the app crashes during login.",
		"severity": "high",
		"suggested_action": "Guard the auth callback against a nil session.",
		"confidence": 0.9
	}`}}
	c := New(st, stub, testDim, 0.5)

	task, err := c.Classify(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, models.CategoryBug, task.Category)
	assert.Equal(t, models.TaskOpen, task.Status)
	assert.Equal(t, models.FixNone, task.FixStatus)
	assert.Equal(t, "t1", task.TopicID)
	assert.Equal(t, "joplin", task.Product)
	assert.InDelta(t, 0.9, task.Confidence, 1e-9)

	// The prompt carries the topic's signal excerpts.
	require.Len(t, stub.prompts, 1)
	assert.Contains(t, stub.prompts[0], "app crashes when I log in")

	// Topic absorbed the classification.
	fields, err := st.Get(ctx, models.TopicKeyPrefix+"t1")
	require.NoError(t, err)
	assert.Equal(t, "BUG", fields["category"])
	assert.Equal(t, "Fix login crash", fields["title"])

	// Task is persisted and reachable via the topic mapping.
	mapping, err := st.Get(ctx, models.TopicTaskKeyPrefix+"t1")
	require.NoError(t, err)
	assert.Equal(t, task.ID, mapping["task_id"])
}

func TestClassifyNonActionable(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedTopic(t, st, "t1", "love this app, five stars")

	stub := &stubLLM{responses: []string{`{
		"category": "OTHER",
		"title": "Praise",
		"summary": "Users are happy.",
		"severity": "low",
		"suggested_action": "",
		"confidence": 0.9
	}`}}
	c := New(st, stub, testDim, 0.5)

	task, err := c.Classify(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, task)

	// Category still lands on the topic, but no task or mapping appears.
	fields, err := st.Get(ctx, models.TopicKeyPrefix+"t1")
	require.NoError(t, err)
	assert.Equal(t, "OTHER", fields["category"])

	_, err = st.Get(ctx, models.TopicTaskKeyPrefix+"t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClassifyLowConfidence(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedTopic(t, st, "t1", "something about search maybe")

	stub := &stubLLM{responses: []string{`{
		"category": "BUG",
		"title": "Possible search issue",
		"summary": "Unclear reports about search.",
		"severity": "low",
		"suggested_action": "Investigate.",
		"confidence": 0.3
	}`}}
	c := New(st, stub, testDim, 0.5)

	task, err := c.Classify(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestClassifyRefreshesExistingTask(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedTopic(t, st, "t1", "export to pdf is broken")

	response := `{
		"category": "BUG",
		"title": "Fix PDF export",
		"summary": "Export produces empty files.",
		"severity": "medium",
		"suggested_action": "Flush the writer before closing.",
		"confidence": 0.8
	}`
	c := New(st, &stubLLM{responses: []string{response}}, testDim, 0.5)

	first, err := c.Classify(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, first)

	// Re-classification updates the same task instead of creating another.
	updated := `{
		"category": "BUG",
		"title": "Fix empty PDF export output",
		"summary": "Export produces empty files on all platforms.",
		"severity": "high",
		"suggested_action": "Flush the writer before closing.",
		"confidence": 0.85
	}`
	c2 := New(st, &stubLLM{responses: []string{updated}}, testDim, 0.5)
	second, err := c2.Classify(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Fix empty PDF export output", second.Title)
	assert.Equal(t, "high", second.Severity)

	keys, err := st.Keys(ctx, models.TaskKeyPrefix+"*")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestClassifyDoneTaskGetsSuccessor(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedTopic(t, st, "t1", "dark mode resets on restart")

	response := `{
		"category": "BUG",
		"title": "Persist dark mode setting",
		"summary": "Theme choice is lost across restarts.",
		"severity": "medium",
		"suggested_action": "Write the theme to settings on change.",
		"confidence": 0.8
	}`
	c := New(st, &stubLLM{responses: []string{response, response}}, testDim, 0.5)

	first, err := c.Classify(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, first)

	// Close out the first task; a later classification starts fresh.
	require.NoError(t, st.SetFields(ctx, first.Key(), map[string]string{"status": string(models.TaskDone)}))

	second, err := c.Classify(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestClassifyInvalidSchema(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedTopic(t, st, "t1", "some report")

	stub := &stubLLM{responses: []string{`{
		"category": "URGENT",
		"title": "Bad category",
		"summary": "",
		"severity": "high",
		"suggested_action": "",
		"confidence": 0.9
	}`}}
	c := New(st, stub, testDim, 0.5)

	_, err := c.Classify(ctx, "t1")
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrPermanent)
}

func TestClassifyExcerptCaps(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	texts := make([]string, 12)
	for i := range texts {
		texts[i] = string(long)
	}
	seedTopic(t, st, "t1", texts...)

	c := New(st, &stubLLM{}, testDim, 0.5)
	excerpts, err := c.signalExcerpts(ctx, "t1")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(excerpts), excerptsTotalCap)
	// Each included excerpt is truncated to the per-signal cap.
	assert.NotContains(t, excerpts, string(long))
}

func TestClassifyUnknownTopic(t *testing.T) {
	c := New(memory.New(), &stubLLM{}, testDim, 0.5)
	_, err := c.Classify(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
