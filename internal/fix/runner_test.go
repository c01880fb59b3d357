package fix

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raptors65/darwin/internal/config"
	"github.com/Raptors65/darwin/internal/forge"
	"github.com/Raptors65/darwin/internal/learning"
	"github.com/Raptors65/darwin/internal/store"
	"github.com/Raptors65/darwin/internal/store/memory"
	"github.com/Raptors65/darwin/pkg/models"
	"github.com/Raptors65/darwin/pkg/similarity"
)

const testDim = 4

type flatEmbedder struct{}

func (flatEmbedder) Embed(string) ([]float32, error) {
	return similarity.Normalize([]float32{1, 0, 0, 0}), nil
}
func (flatEmbedder) Dimensions() int { return testDim }

// stubAgent returns a fixed result, optionally blocking until released.
type stubAgent struct {
	mu      sync.Mutex
	result  *Result
	err     error
	release chan struct{}
	runs    int
	lastReq *Request
}

func (a *stubAgent) Run(_ context.Context, req *Request) (*Result, error) {
	a.mu.Lock()
	a.runs++
	a.lastReq = req
	release := a.release
	a.mu.Unlock()

	if release != nil {
		<-release
	}
	if a.err != nil {
		return nil, a.err
	}
	return a.result, nil
}

func testRunner(t *testing.T, agent Agent) (*Runner, *memory.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.EmbeddingDim = testDim
	cfg.SetProductRepos(map[string]string{"joplin": "acme/joplin"})

	st := memory.New()
	learn := learning.New(st, flatEmbedder{})
	return NewRunner(st, learn, flatEmbedder{}, agent, cfg), st
}

func seedTask(t *testing.T, st store.Store, id string, fixStatus models.FixStatus) *models.Task {
	t.Helper()
	now := time.Now().UTC()
	task := &models.Task{
		ID:              id,
		TopicID:         "topic-" + id,
		Category:        models.CategoryBug,
		Title:           "Fix login crash",
		Summary:         "App crashes during login.",
		SuggestedAction: "Guard the auth callback.",
		Confidence:      0.9,
		Product:         "joplin",
		Status:          models.TaskOpen,
		FixStatus:       fixStatus,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, st.SetFields(context.Background(), task.Key(), task.Fields()))
	return task
}

func TestStartCompletesFix(t *testing.T) {
	ctx := context.Background()
	agent := &stubAgent{result: &Result{
		Branch:       "darwin/t1",
		PRURL:        "https://github.com/acme/joplin/pull/7",
		FilesChanged: []string{"src/auth.ts"},
	}}
	r, st := testRunner(t, agent)
	seedTask(t, st, "t1", models.FixNone)

	out, err := r.Start(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.FixCompleted, out.Task.FixStatus)
	assert.Equal(t, "https://github.com/acme/joplin/pull/7", out.Task.PRURL)
	assert.Equal(t, []string{"src/auth.ts"}, out.FilesChanged)

	// Webhooks resolve the task through the PR mapping.
	mapping, err := st.Get(ctx, models.PRTaskKeyPrefix+"https://github.com/acme/joplin/pull/7")
	require.NoError(t, err)
	assert.Equal(t, "t1", mapping["task_id"])

	// The prompt includes the learned-context sections.
	assert.Contains(t, agent.lastReq.Prompt, "Coding Style Rules")
	assert.Contains(t, agent.lastReq.Prompt, "No similar past fixes")
}

func TestStartRecordsFailure(t *testing.T) {
	ctx := context.Background()
	agent := &stubAgent{err: errors.New("agent exploded")}
	r, st := testRunner(t, agent)
	seedTask(t, st, "t1", models.FixNone)

	_, err := r.Start(ctx, "t1")
	require.Error(t, err)

	fields, err := st.Get(ctx, models.TaskKeyPrefix+"t1")
	require.NoError(t, err)
	assert.Equal(t, string(models.FixFailed), fields["fix_status"])
	assert.Contains(t, fields["fix_reason"], "agent exploded")
}

func TestStartRetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	agent := &stubAgent{result: &Result{Branch: "b", PRURL: "https://example.com/pr/1"}}
	r, st := testRunner(t, agent)
	seedTask(t, st, "t1", models.FixFailed)

	out, err := r.Start(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.FixCompleted, out.Task.FixStatus)
}

func TestStartRejectsCompleted(t *testing.T) {
	r, st := testRunner(t, &stubAgent{})
	seedTask(t, st, "t1", models.FixCompleted)

	_, err := r.Start(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrFixCompleted)
}

func TestStartConcurrentAtMostOnce(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	agent := &stubAgent{
		result:  &Result{Branch: "b", PRURL: "https://example.com/pr/1"},
		release: release,
	}
	r, st := testRunner(t, agent)
	seedTask(t, st, "t1", models.FixNone)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Start(ctx, "t1")
			errs <- err
		}()
	}

	// Let the loser observe the conflict before releasing the winner.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	var won, conflicted int
	for err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrFixInProgress):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, conflicted)
	assert.Equal(t, 1, agent.runs)
}

func TestStartNoRepoConfigured(t *testing.T) {
	r, st := testRunner(t, &stubAgent{})
	task := seedTask(t, st, "t1", models.FixNone)
	task.Product = "unknown"
	require.NoError(t, st.SetFields(context.Background(), task.Key(), map[string]string{"product": "unknown"}))

	_, err := r.Start(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrNoRepo)
}

func TestStartIncrementsRuleUsage(t *testing.T) {
	ctx := context.Background()
	agent := &stubAgent{result: &Result{Branch: "b", PRURL: "https://example.com/pr/1"}}
	r, st := testRunner(t, agent)
	seedTask(t, st, "t1", models.FixNone)

	learn := learning.New(st, flatEmbedder{})
	rule, _, err := learn.UpsertRule(ctx, &models.Rule{
		Product: "joplin", Content: "Use early returns", Category: models.RuleStyle, Source: models.RuleManual,
	})
	require.NoError(t, err)

	_, err = r.Start(ctx, "t1")
	require.NoError(t, err)

	got, err := learn.GetRule(ctx, "joplin", rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TimesApplied)
	assert.Contains(t, agent.lastReq.Prompt, "Use early returns")
}

func TestIterate(t *testing.T) {
	ctx := context.Background()
	agent := &stubAgent{result: &Result{Branch: "darwin/t1", PRURL: "https://example.com/pr/1"}}
	r, st := testRunner(t, agent)
	task := seedTask(t, st, "t1", models.FixCompleted)
	task.Branch = "darwin/t1"

	reviews := []forge.Review{{Body: "use early returns", State: "CHANGES_REQUESTED", User: "alice"}}
	comments := []forge.ReviewComment{{Body: "rename this", Path: "src/auth.ts", Line: 12, User: "alice"}}

	out, err := r.Iterate(ctx, task, reviews, comments)
	require.NoError(t, err)
	assert.Equal(t, models.FixCompleted, out.Task.FixStatus)
	assert.Equal(t, 1, out.Task.FixIterations)

	assert.Equal(t, "darwin/t1", agent.lastReq.Branch)
	assert.Contains(t, agent.lastReq.Prompt, "use early returns")
	assert.Contains(t, agent.lastReq.Prompt, "src/auth.ts:12")
}

func TestIterateBudgetExhausted(t *testing.T) {
	r, st := testRunner(t, &stubAgent{})
	task := seedTask(t, st, "t1", models.FixCompleted)
	task.FixIterations = 3
	require.NoError(t, st.SetFields(context.Background(), task.Key(), map[string]string{"fix_iterations": "3"}))

	_, err := r.Iterate(context.Background(), task, nil, nil)
	assert.ErrorIs(t, err, ErrIterationsExhausted)
}
