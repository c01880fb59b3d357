// Package classify turns clustered topics into actionable tasks via an LLM
// with a structured response schema.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Raptors65/darwin/internal/llm"
	"github.com/Raptors65/darwin/internal/store"
	"github.com/Raptors65/darwin/pkg/models"
)

const (
	// maxSignals is how many of the topic's most recent signals feed the prompt.
	maxSignals = 10

	// excerptMaxLen truncates each signal excerpt.
	excerptMaxLen = 500

	// excerptsTotalCap bounds the combined excerpt section.
	excerptsTotalCap = 4000

	// responseMaxTokens caps the completion.
	responseMaxTokens = 1024
)

const classifyPrompt = `You are triaging user feedback for the product "%s". A group of similar reports has been clustered into one topic.

Topic title: %s

User reports:
%s

Classify this topic. Return ONLY a JSON object:
{
  "category": "BUG" | "FEATURE" | "UX" | "OTHER",
  "title": "short imperative title for a work item",
  "summary": "2-3 sentence summary of what users are reporting",
  "severity": "low" | "medium" | "high" | "critical",
  "suggested_action": "one sentence describing the likely code change",
  "confidence": 0.0-1.0
}

RULES:
- BUG: something is broken or behaves incorrectly
- FEATURE: users ask for new functionality
- UX: existing functionality works but is confusing or awkward
- OTHER: praise, spam, support questions, anything not actionable as a code change
- confidence reflects how sure you are of the category given the reports`

// Result is the structured classification the LLM must return.
type Result struct {
	Category        string  `json:"category"`
	Title           string  `json:"title"`
	Summary         string  `json:"summary"`
	Severity        string  `json:"severity"`
	SuggestedAction string  `json:"suggested_action"`
	Confidence      float64 `json:"confidence"`
}

// Classifier loads a topic, prompts the LLM and materializes the outcome.
type Classifier struct {
	store         store.Store
	llm           llm.Client
	dim           int
	confidenceMin float64
}

// New creates a Classifier. confidenceMin is the actionability floor.
func New(st store.Store, client llm.Client, dim int, confidenceMin float64) *Classifier {
	return &Classifier{store: st, llm: client, dim: dim, confidenceMin: confidenceMin}
}

// Classify processes one topic id popped from the classify queue. The
// returned task is nil when the topic was judged non-actionable.
func (c *Classifier) Classify(ctx context.Context, topicID string) (*models.Task, error) {
	fields, err := c.store.Get(ctx, models.TopicKeyPrefix+topicID)
	if err != nil {
		return nil, fmt.Errorf("load topic %s: %w", topicID, err)
	}
	topic, err := models.TopicFromFields(topicID, fields, c.dim)
	if err != nil {
		return nil, err
	}

	excerpts, err := c.signalExcerpts(ctx, topicID)
	if err != nil {
		return nil, err
	}

	var result Result
	prompt := fmt.Sprintf(classifyPrompt, topic.Product, topic.Title, excerpts)
	if err := llm.CompleteJSON(ctx, c.llm, prompt, responseMaxTokens, &result); err != nil {
		return nil, err
	}
	category, err := validate(&result)
	if err != nil {
		return nil, fmt.Errorf("%w: topic %s: %v", llm.ErrPermanent, topicID, err)
	}

	// The topic always absorbs the classification, task or not.
	now := time.Now().UTC()
	if err := c.store.SetFields(ctx, topic.Key(), map[string]string{
		"title":      result.Title,
		"summary":    result.Summary,
		"category":   string(category),
		"updated_at": fmt.Sprintf("%d", now.Unix()),
	}); err != nil {
		return nil, fmt.Errorf("update topic %s: %w", topicID, err)
	}

	if !category.Actionable() || result.Confidence < c.confidenceMin {
		log.Info().Str("topic", topicID).Str("category", string(category)).
			Float64("confidence", result.Confidence).Msg("Topic not actionable")
		return nil, nil
	}

	return c.materializeTask(ctx, topic, &result, category, now)
}

// materializeTask creates the topic's task, or refreshes it when a non-done
// task already exists. The topic_task mapping makes creation idempotent.
func (c *Classifier) materializeTask(ctx context.Context, topic *models.Topic, result *Result, category models.Category, now time.Time) (*models.Task, error) {
	mappingKey := models.TopicTaskKeyPrefix + topic.ID

	if mapping, err := c.store.Get(ctx, mappingKey); err == nil {
		existingID := mapping["task_id"]
		taskFields, err := c.store.Get(ctx, models.TaskKeyPrefix+existingID)
		if err == nil {
			existing, err := models.TaskFromFields(existingID, taskFields)
			if err != nil {
				return nil, err
			}
			if existing.Status != models.TaskDone {
				return c.refreshTask(ctx, existing, result, category, now)
			}
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load topic task mapping: %w", err)
	}

	task := &models.Task{
		ID:              uuid.NewString(),
		TopicID:         topic.ID,
		Category:        category,
		Title:           result.Title,
		Summary:         result.Summary,
		Severity:        result.Severity,
		SuggestedAction: result.SuggestedAction,
		Confidence:      result.Confidence,
		Product:         topic.Product,
		Status:          models.TaskOpen,
		FixStatus:       models.FixNone,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.store.SetFields(ctx, task.Key(), task.Fields()); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := c.store.SetFields(ctx, mappingKey, map[string]string{"task_id": task.ID}); err != nil {
		return nil, fmt.Errorf("write topic task mapping: %w", err)
	}

	log.Info().Str("task", task.ID).Str("topic", topic.ID).
		Str("category", string(category)).Str("severity", task.Severity).
		Msg("Task created")
	return task, nil
}

func (c *Classifier) refreshTask(ctx context.Context, task *models.Task, result *Result, category models.Category, now time.Time) (*models.Task, error) {
	task.Category = category
	task.Title = result.Title
	task.Summary = result.Summary
	task.Severity = result.Severity
	task.SuggestedAction = result.SuggestedAction
	task.Confidence = result.Confidence
	task.UpdatedAt = now

	if err := c.store.SetFields(ctx, task.Key(), task.Fields()); err != nil {
		return nil, fmt.Errorf("refresh task %s: %w", task.ID, err)
	}
	log.Info().Str("task", task.ID).Str("topic", task.TopicID).
		Msg("Existing task refreshed with new classification")
	return task, nil
}

// signalExcerpts formats the topic's most recent signals for the prompt,
// applying the per-excerpt and total caps.
func (c *Classifier) signalExcerpts(ctx context.Context, topicID string) (string, error) {
	hashes, err := c.store.Range(ctx, store.TopicSignalsPrefix+topicID, -maxSignals, -1)
	if err != nil {
		return "", fmt.Errorf("load topic signals: %w", err)
	}

	var b strings.Builder
	for _, h := range hashes {
		fields, err := c.store.Get(ctx, models.SignalKeyPrefix+h)
		if err != nil {
			continue // signal may have expired; classification degrades gracefully
		}
		excerpt := truncate(fields["text"], excerptMaxLen)
		entry := "- " + excerpt + "\n"
		if b.Len()+len(entry) > excerptsTotalCap {
			break
		}
		b.WriteString(entry)
	}
	if b.Len() == 0 {
		return "- (no signal text available)\n", nil
	}
	return b.String(), nil
}

func validate(r *Result) (models.Category, error) {
	category, err := models.ParseCategory(r.Category)
	if err != nil {
		return "", err
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return "", fmt.Errorf("confidence %v out of range", r.Confidence)
	}
	if strings.TrimSpace(r.Title) == "" {
		return "", fmt.Errorf("empty title")
	}
	return category, nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
