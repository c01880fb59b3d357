// Package fix drives the external coding agent: it guards the at-most-one
// run per task, assembles learned context into the prompt, and records the
// outcome on the task.
package fix

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Raptors65/darwin/internal/config"
	"github.com/Raptors65/darwin/internal/forge"
	"github.com/Raptors65/darwin/internal/learning"
	"github.com/Raptors65/darwin/internal/store"
	"github.com/Raptors65/darwin/pkg/models"
)

var (
	// ErrFixInProgress means another run holds the task.
	ErrFixInProgress = errors.New("fix already running for task")

	// ErrFixCompleted means the task already has a successful fix.
	ErrFixCompleted = errors.New("fix already completed for task")

	// ErrNoRepo means the task's product has no configured repository.
	ErrNoRepo = errors.New("no repository configured for product")

	// ErrIterationsExhausted means the auto-iterate budget is spent.
	ErrIterationsExhausted = errors.New("fix iteration budget exhausted")
)

// Outcome is the result of a completed run, returned to API callers.
type Outcome struct {
	Task         *models.Task `json:"task"`
	FilesChanged []string     `json:"files_changed,omitempty"`
}

// Runner owns fix execution for tasks.
type Runner struct {
	store      store.Store
	learn      *learning.Store
	embed      learning.Embedder
	agent      Agent
	cfg        *config.Config
	iterations int
}

// NewRunner wires a Runner. The learning store supplies prompt context; the
// agent does the actual coding.
func NewRunner(st store.Store, learn *learning.Store, embed learning.Embedder, agent Agent, cfg *config.Config) *Runner {
	return &Runner{
		store:      st,
		learn:      learn,
		embed:      embed,
		agent:      agent,
		cfg:        cfg,
		iterations: cfg.FixAutoIterMax,
	}
}

// Start runs the agent for a task. Exactly one concurrent caller wins the
// none-or-failed to running transition; the rest get ErrFixInProgress or
// ErrFixCompleted.
func (r *Runner) Start(ctx context.Context, taskID string) (*Outcome, error) {
	task, err := r.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	repo, ok := r.cfg.RepoFor(task.Product)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRepo, task.Product)
	}

	if err := r.claim(ctx, task); err != nil {
		return nil, err
	}

	prompt, err := r.buildContext(ctx, task)
	if err != nil {
		return nil, r.fail(ctx, task, fmt.Errorf("build fix context: %w", err))
	}

	result, err := r.agent.Run(ctx, &Request{
		TaskID:   task.ID,
		Repo:     repo,
		Product:  task.Product,
		Category: string(task.Category),
		Title:    task.Title,
		Prompt:   prompt,
	})
	if err != nil {
		return nil, r.fail(ctx, task, err)
	}
	return r.complete(ctx, task, result)
}

// Iterate re-runs the agent on an existing PR branch with reviewer feedback.
// Called by the review handler when changes are requested and auto-iterate
// is enabled.
func (r *Runner) Iterate(ctx context.Context, task *models.Task, reviews []forge.Review, comments []forge.ReviewComment) (*Outcome, error) {
	if task.FixIterations >= r.iterations {
		return nil, fmt.Errorf("%w: task %s at %d", ErrIterationsExhausted, task.ID, task.FixIterations)
	}
	repo, okRepo := r.cfg.RepoFor(task.Product)
	if !okRepo {
		return nil, fmt.Errorf("%w: %s", ErrNoRepo, task.Product)
	}

	// Re-entry from a finished run; the PR is open and awaiting changes.
	ok, err := r.transition(ctx, task, string(task.FixStatus), map[string]string{
		"fix_status":     string(models.FixRunning),
		"fix_iterations": fmt.Sprintf("%d", task.FixIterations+1),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFixInProgress, task.ID)
	}
	task.FixStatus = models.FixRunning
	task.FixIterations++

	result, err := r.agent.Run(ctx, &Request{
		TaskID:    task.ID,
		Repo:      repo,
		Product:   task.Product,
		Category:  string(task.Category),
		Title:     task.Title,
		Branch:    task.Branch,
		Iteration: task.FixIterations,
		Prompt:    buildFeedbackPrompt(task, reviews, comments),
	})
	if err != nil {
		return nil, r.fail(ctx, task, err)
	}
	return r.complete(ctx, task, result)
}

// claim performs the guarded none-or-failed to running transition.
func (r *Runner) claim(ctx context.Context, task *models.Task) error {
	for _, from := range []models.FixStatus{models.FixNone, models.FixFailed} {
		ok, err := r.transition(ctx, task, string(from), map[string]string{
			"fix_status": string(models.FixRunning),
			"fix_reason": "",
		})
		if err != nil {
			return err
		}
		if ok {
			task.FixStatus = models.FixRunning
			task.FixReason = ""
			return nil
		}
	}

	// Lost the race or the fix is past running; report which.
	current, err := r.loadTask(ctx, task.ID)
	if err != nil {
		return err
	}
	if current.FixStatus == models.FixCompleted {
		return fmt.Errorf("%w: %s", ErrFixCompleted, task.ID)
	}
	return fmt.Errorf("%w: %s", ErrFixInProgress, task.ID)
}

func (r *Runner) buildContext(ctx context.Context, task *models.Task) (string, error) {
	vec, err := r.embed.Embed(task.Title + "\n" + task.Summary)
	if err != nil {
		return "", fmt.Errorf("embed task: %w", err)
	}
	fixes, err := r.learn.SimilarFixes(ctx, vec, task.Product, learning.SimilarFixesK)
	if err != nil {
		return "", err
	}
	rules, err := r.learn.TopRules(ctx, task.Product, learning.TopRulesK)
	if err != nil {
		return "", err
	}
	for _, rule := range rules {
		if err := r.learn.IncrementUsage(ctx, rule.Product, rule.ID); err != nil {
			log.Warn().Err(err).Str("rule", rule.ID).Msg("Failed to record rule usage")
		}
	}

	return buildFixPrompt(task, learning.FormatRulesForPrompt(rules), learning.FormatSimilarFixes(fixes)), nil
}

func (r *Runner) complete(ctx context.Context, task *models.Task, result *Result) (*Outcome, error) {
	ok, err := r.transition(ctx, task, string(models.FixRunning), map[string]string{
		"fix_status": string(models.FixCompleted),
		"pr_url":     result.PRURL,
		"branch":     result.Branch,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("fix_status changed under running task %s", task.ID)
	}
	task.FixStatus = models.FixCompleted
	task.PRURL = result.PRURL
	task.Branch = result.Branch

	// Webhook deliveries carry the PR URL, not the task id.
	if err := r.store.SetFields(ctx, models.PRTaskKeyPrefix+result.PRURL, map[string]string{
		"task_id": task.ID,
	}); err != nil {
		return nil, fmt.Errorf("write pr task mapping: %w", err)
	}

	log.Info().Str("task", task.ID).Str("pr_url", result.PRURL).
		Int("files_changed", len(result.FilesChanged)).Msg("Fix completed")
	return &Outcome{Task: task, FilesChanged: result.FilesChanged}, nil
}

// fail records the failure on the task and returns the original error.
// Failed fixes are not retried automatically; operators or review events
// re-enter.
func (r *Runner) fail(ctx context.Context, task *models.Task, runErr error) error {
	ok, err := r.transition(ctx, task, string(models.FixRunning), map[string]string{
		"fix_status": string(models.FixFailed),
		"fix_reason": runErr.Error(),
	})
	if err != nil {
		log.Error().Err(err).Str("task", task.ID).Msg("Failed to record fix failure")
	} else if ok {
		task.FixStatus = models.FixFailed
		task.FixReason = runErr.Error()
	}
	log.Error().Err(runErr).Str("task", task.ID).Msg("Fix failed")
	return runErr
}

func (r *Runner) transition(ctx context.Context, task *models.Task, expect string, fields map[string]string) (bool, error) {
	fields["updated_at"] = fmt.Sprintf("%d", time.Now().UTC().Unix())
	return r.store.CompareAndSet(ctx, task.Key(), "fix_status", expect, []store.FieldWrite{
		{Key: task.Key(), Fields: fields},
	})
}

func (r *Runner) loadTask(ctx context.Context, taskID string) (*models.Task, error) {
	fields, err := r.store.Get(ctx, models.TaskKeyPrefix+taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	return models.TaskFromFields(taskID, fields)
}
