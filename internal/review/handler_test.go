package review

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raptors65/darwin/internal/forge"
	"github.com/Raptors65/darwin/internal/learning"
	"github.com/Raptors65/darwin/internal/store"
	"github.com/Raptors65/darwin/internal/store/memory"
	"github.com/Raptors65/darwin/pkg/models"
	"github.com/Raptors65/darwin/pkg/similarity"
)

const testDim = 4

const prURL = "https://github.com/acme/joplin/pull/7"

type flatEmbedder struct{}

func (flatEmbedder) Embed(string) ([]float32, error) {
	return similarity.Normalize([]float32{1, 0, 0, 0}), nil
}
func (flatEmbedder) Dimensions() int { return testDim }

type cannedLLM struct{ response string }

func (c *cannedLLM) Complete(context.Context, string, int) (string, error) {
	return c.response, nil
}

func testHandler(t *testing.T, llmResponse string) (*Handler, *memory.Store, *learning.Store) {
	t.Helper()
	st := memory.New()
	learn := learning.New(st, flatEmbedder{})
	h := New(st, learn, &cannedLLM{response: llmResponse}, nil, nil, false)
	return h, st, learn
}

func seedFixedTask(t *testing.T, st store.Store, id string, status models.TaskStatus, fixStatus models.FixStatus) *models.Task {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	task := &models.Task{
		ID:        id,
		TopicID:   "topic-" + id,
		Category:  models.CategoryBug,
		Title:     "Fix login crash",
		Summary:   "App crashes during login.",
		Product:   "joplin",
		Status:    status,
		FixStatus: fixStatus,
		PRURL:     prURL,
		Branch:    "darwin/" + id,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.SetFields(ctx, task.Key(), task.Fields()))
	require.NoError(t, st.SetFields(ctx, models.PRTaskKeyPrefix+prURL, map[string]string{"task_id": id}))
	return task
}

func taskFields(t *testing.T, st store.Store, id string) map[string]string {
	t.Helper()
	fields, err := st.Get(context.Background(), models.TaskKeyPrefix+id)
	require.NoError(t, err)
	return fields
}

func TestPROpened(t *testing.T) {
	h, st, _ := testHandler(t, "")
	seedFixedTask(t, st, "t1", models.TaskOpen, models.FixRunning)

	err := h.Handle(context.Background(), &forge.Event{Kind: forge.EventPROpened, PRURL: prURL})
	require.NoError(t, err)
	assert.Equal(t, string(models.TaskInProgress), taskFields(t, st, "t1")["status"])
}

func TestPRMerged(t *testing.T) {
	ctx := context.Background()
	h, st, learn := testHandler(t, "")
	seedFixedTask(t, st, "t1", models.TaskInProgress, models.FixRunning)

	err := h.Handle(ctx, &forge.Event{Kind: forge.EventPRMerged, PRURL: prURL, PRTitle: "Fix login crash"})
	require.NoError(t, err)

	fields := taskFields(t, st, "t1")
	assert.Equal(t, string(models.TaskDone), fields["status"])
	assert.Equal(t, string(models.FixCompleted), fields["fix_status"])

	// The merged fix is retrievable by similarity.
	vec, _ := flatEmbedder{}.Embed("")
	fixes, err := learn.SimilarFixes(ctx, vec, "joplin", 3)
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	assert.Equal(t, "t1", fixes[0].Fix.TaskID)
	assert.Equal(t, "Fix login crash", fixes[0].Fix.PRTitle)
}

func TestPRMergedDuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	h, st, _ := testHandler(t, "")
	seedFixedTask(t, st, "t1", models.TaskInProgress, models.FixRunning)

	ev := &forge.Event{Kind: forge.EventPRMerged, PRURL: prURL, PRTitle: "original"}
	require.NoError(t, h.Handle(ctx, ev))

	// Redelivery with different metadata changes nothing.
	ev2 := &forge.Event{Kind: forge.EventPRMerged, PRURL: prURL, PRTitle: "changed"}
	require.NoError(t, h.Handle(ctx, ev2))

	fields, err := st.Get(ctx, models.FixKeyPrefix+"t1")
	require.NoError(t, err)
	assert.Equal(t, "original", fields["pr_title"])
}

func TestPRClosedWithoutMerge(t *testing.T) {
	h, st, _ := testHandler(t, "")
	seedFixedTask(t, st, "t1", models.TaskInProgress, models.FixRunning)

	err := h.Handle(context.Background(), &forge.Event{Kind: forge.EventPRClosed, PRURL: prURL})
	require.NoError(t, err)

	fields := taskFields(t, st, "t1")
	assert.Equal(t, string(models.TaskOpen), fields["status"])
	assert.Equal(t, string(models.FixFailed), fields["fix_status"])

	// No success record for an unmerged PR.
	_, err = st.Get(context.Background(), models.FixKeyPrefix+"t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChangesRequestedExtractsRules(t *testing.T) {
	ctx := context.Background()
	h, st, learn := testHandler(t, `{"rules": [{"content": "Use early returns", "category": "style"}]}`)
	seedFixedTask(t, st, "t1", models.TaskInProgress, models.FixCompleted)

	ev := &forge.Event{
		Kind:     forge.EventChangesRequested,
		PRURL:    prURL,
		Reviewer: "alice",
		Feedback: "use early returns",
	}
	require.NoError(t, h.Handle(ctx, ev))

	rules, err := learn.ListRules(ctx, "joplin")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "Use early returns", rules[0].Content)
	assert.Equal(t, models.RuleStyle, rules[0].Category)
	assert.Equal(t, models.RuleReviewFeedback, rules[0].Source)
	assert.Equal(t, "t1", rules[0].SourceTaskID)
	assert.Equal(t, "alice", rules[0].Reviewer)
	assert.Equal(t, 0, rules[0].TimesApplied)

	// Identical feedback again deduplicates and bumps usage.
	require.NoError(t, h.Handle(ctx, ev))
	rules, err = learn.ListRules(ctx, "joplin")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 1, rules[0].TimesApplied)
}

func TestApprovedIsNoOp(t *testing.T) {
	h, st, _ := testHandler(t, "")
	seedFixedTask(t, st, "t1", models.TaskInProgress, models.FixCompleted)

	err := h.Handle(context.Background(), &forge.Event{Kind: forge.EventApproved, PRURL: prURL})
	require.NoError(t, err)

	fields := taskFields(t, st, "t1")
	assert.Equal(t, string(models.TaskInProgress), fields["status"])
	assert.Equal(t, string(models.FixCompleted), fields["fix_status"])
}

func TestUnknownPRDiscarded(t *testing.T) {
	h, _, _ := testHandler(t, "")

	// Human-authored PR the pipeline never opened.
	err := h.Handle(context.Background(), &forge.Event{
		Kind:  forge.EventPRMerged,
		PRURL: "https://github.com/acme/joplin/pull/999",
	})
	require.NoError(t, err)
}

func TestIgnoredEvent(t *testing.T) {
	h, _, _ := testHandler(t, "")
	require.NoError(t, h.Handle(context.Background(), &forge.Event{Kind: forge.EventIgnored}))
}
