// Package review reacts to pull-request webhook events: task state
// transitions, success recording, and rule extraction from reviewer
// feedback.
package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Raptors65/darwin/internal/fix"
	"github.com/Raptors65/darwin/internal/forge"
	"github.com/Raptors65/darwin/internal/learning"
	"github.com/Raptors65/darwin/internal/llm"
	"github.com/Raptors65/darwin/internal/store"
	"github.com/Raptors65/darwin/pkg/models"
)

// Handler applies webhook events to task state. Signatures are verified at
// the HTTP layer before events reach the handler.
type Handler struct {
	store       store.Store
	learn       *learning.Store
	llm         llm.Client
	forge       forge.Forge
	runner      *fix.Runner
	autoIterate bool
}

// New wires a Handler. forge and runner may be nil; rule extraction then
// falls back to the event's review body and auto-iteration is disabled.
func New(st store.Store, learn *learning.Store, client llm.Client, fg forge.Forge, runner *fix.Runner, autoIterate bool) *Handler {
	return &Handler{
		store:       st,
		learn:       learn,
		llm:         client,
		forge:       fg,
		runner:      runner,
		autoIterate: autoIterate && runner != nil,
	}
}

// Handle applies one verified event. Events for pull requests the pipeline
// did not open are logged and discarded.
func (h *Handler) Handle(ctx context.Context, ev *forge.Event) error {
	if ev.Kind == forge.EventIgnored {
		return nil
	}

	task, err := h.taskForPR(ctx, ev.PRURL)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Info().Str("pr_url", ev.PRURL).Str("event", string(ev.Kind)).
				Msg("Webhook for unknown pull request, discarding")
			return nil
		}
		return err
	}

	switch ev.Kind {
	case forge.EventPROpened:
		return h.prOpened(ctx, task)
	case forge.EventPRMerged:
		return h.prMerged(ctx, task, ev)
	case forge.EventPRClosed:
		return h.prClosed(ctx, task)
	case forge.EventChangesRequested:
		return h.changesRequested(ctx, task, ev)
	case forge.EventApproved, forge.EventCommented:
		log.Debug().Str("task", task.ID).Str("event", string(ev.Kind)).Msg("Review event, no state change")
		return nil
	}
	return nil
}

func (h *Handler) prOpened(ctx context.Context, task *models.Task) error {
	if task.Status == models.TaskDone {
		return nil
	}
	if err := h.setTask(ctx, task, map[string]string{
		"status": string(models.TaskInProgress),
	}); err != nil {
		return err
	}
	log.Info().Str("task", task.ID).Msg("Pull request opened, task in progress")
	return nil
}

func (h *Handler) prMerged(ctx context.Context, task *models.Task, ev *forge.Event) error {
	// Forges redeliver; a merged task stays merged.
	if task.Status == models.TaskDone {
		return nil
	}
	if err := h.setTask(ctx, task, map[string]string{
		"status":     string(models.TaskDone),
		"fix_status": string(models.FixCompleted),
	}); err != nil {
		return err
	}
	task.Status = models.TaskDone
	task.FixStatus = models.FixCompleted

	if err := h.learn.StoreSuccess(ctx, task, ev.PRTitle, time.Now().UTC()); err != nil {
		return fmt.Errorf("store success for task %s: %w", task.ID, err)
	}
	log.Info().Str("task", task.ID).Str("pr_url", ev.PRURL).Msg("Pull request merged, task done")
	return nil
}

func (h *Handler) prClosed(ctx context.Context, task *models.Task) error {
	if task.Status == models.TaskDone {
		return nil
	}
	if err := h.setTask(ctx, task, map[string]string{
		"status":     string(models.TaskOpen),
		"fix_status": string(models.FixFailed),
		"fix_reason": "pull request closed without merge",
	}); err != nil {
		return err
	}
	log.Info().Str("task", task.ID).Msg("Pull request closed without merge, task reopened")
	return nil
}

func (h *Handler) changesRequested(ctx context.Context, task *models.Task, ev *forge.Event) error {
	reviews, comments := h.fetchFeedback(ctx, ev)

	h.extractRules(ctx, task, ev, reviews, comments)

	if !h.autoIterate {
		return nil
	}
	if _, err := h.runner.Iterate(ctx, task, reviews, comments); err != nil {
		// Iteration failures surface on the task; the review itself was
		// handled.
		log.Error().Err(err).Str("task", task.ID).Msg("Auto-iteration failed")
	}
	return nil
}

// fetchFeedback pulls the full review thread from the forge, falling back
// to the event's own review body.
func (h *Handler) fetchFeedback(ctx context.Context, ev *forge.Event) ([]forge.Review, []forge.ReviewComment) {
	fallback := []forge.Review{{Body: ev.Feedback, State: "CHANGES_REQUESTED", User: ev.Reviewer}}
	if h.forge == nil || ev.Repo == "" || ev.PRNumber == 0 {
		return fallback, nil
	}

	reviews, err := h.forge.PRReviews(ctx, ev.Repo, ev.PRNumber)
	if err != nil {
		log.Warn().Err(err).Str("pr_url", ev.PRURL).Msg("Failed to fetch reviews, using event body")
		return fallback, nil
	}
	comments, err := h.forge.PRComments(ctx, ev.Repo, ev.PRNumber)
	if err != nil {
		log.Warn().Err(err).Str("pr_url", ev.PRURL).Msg("Failed to fetch inline comments")
		comments = nil
	}
	if len(reviews) == 0 {
		reviews = fallback
	}
	return reviews, comments
}

// extractRules distills the feedback into rules and upserts each one.
// Extraction is best-effort; failures never block event handling.
func (h *Handler) extractRules(ctx context.Context, task *models.Task, ev *forge.Event, reviews []forge.Review, comments []forge.ReviewComment) {
	feedback := collectFeedback(reviews, comments)
	extracted, err := learning.ExtractRules(ctx, h.llm, feedback)
	if err != nil {
		log.Warn().Err(err).Str("task", task.ID).Msg("Rule extraction failed")
		return
	}
	for _, r := range extracted {
		_, created, err := h.learn.UpsertRule(ctx, &models.Rule{
			Product:      task.Product,
			Content:      r.Content,
			Category:     r.Category,
			Source:       models.RuleReviewFeedback,
			SourceTaskID: task.ID,
			Reviewer:     ev.Reviewer,
		})
		if err != nil {
			log.Warn().Err(err).Str("task", task.ID).Msg("Failed to upsert extracted rule")
			continue
		}
		if created {
			log.Info().Str("task", task.ID).Str("content", r.Content).
				Str("category", string(r.Category)).Msg("Learned rule from review feedback")
		}
	}
}

func collectFeedback(reviews []forge.Review, comments []forge.ReviewComment) string {
	var out string
	for _, r := range reviews {
		if r.Body != "" {
			out += r.Body + "\n"
		}
	}
	for _, c := range comments {
		if c.Body != "" {
			out += c.Body + "\n"
		}
	}
	return out
}

func (h *Handler) taskForPR(ctx context.Context, prURL string) (*models.Task, error) {
	mapping, err := h.store.Get(ctx, models.PRTaskKeyPrefix+prURL)
	if err != nil {
		return nil, err
	}
	taskID := mapping["task_id"]
	fields, err := h.store.Get(ctx, models.TaskKeyPrefix+taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s for pr %s: %w", taskID, prURL, err)
	}
	return models.TaskFromFields(taskID, fields)
}

func (h *Handler) setTask(ctx context.Context, task *models.Task, fields map[string]string) error {
	fields["updated_at"] = fmt.Sprintf("%d", time.Now().UTC().Unix())
	return h.store.SetFields(ctx, task.Key(), fields)
}
