package worker

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/Raptors65/darwin/internal/classify"
	"github.com/Raptors65/darwin/internal/llm"
	"github.com/Raptors65/darwin/internal/store"
)

// classifyMaxRetries is the transport-error budget per topic.
const classifyMaxRetries = 5

// TaskLauncher optionally starts fix execution for a newly created task.
type TaskLauncher interface {
	Launch(ctx context.Context, taskID string)
}

// ClassifyWorker drains queue:to-classify, turning topics into tasks.
type ClassifyWorker struct {
	store      store.Store
	classifier *classify.Classifier
	launcher   TaskLauncher
}

// NewClassifyWorker wires a classify worker. launcher may be nil.
func NewClassifyWorker(st store.Store, c *classify.Classifier, launcher TaskLauncher) *ClassifyWorker {
	return &ClassifyWorker{store: st, classifier: c, launcher: launcher}
}

// Run loops until ctx is cancelled. Transport errors retry with backoff up
// to a budget; schema errors get exactly one retry before the topic id is
// dead-lettered.
func (w *ClassifyWorker) Run(ctx context.Context) error {
	log.Info().Msg("Classify worker started")
	storeFailures := 0
	for {
		topicID, err := w.store.Pop(ctx, store.QueueToClassify, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			storeFailures++
			log.Error().Err(err).Msg("Classify queue pop failed")
			if err := sleepCtx(ctx, backoffDelay(storeFailures)); err != nil {
				return err
			}
			continue
		}
		storeFailures = 0
		if topicID == "" {
			continue
		}
		if err := w.processTopic(ctx, topicID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Str("topic", topicID).Msg("Classification processing failed")
		}
	}
}

func (w *ClassifyWorker) processTopic(ctx context.Context, topicID string) error {
	var lastErr error
	schemaRetried := false
	for attempt := 0; attempt <= classifyMaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoffDelay(attempt-1)); err != nil {
				return err
			}
		}

		task, err := w.classifier.Classify(ctx, topicID)
		if err == nil {
			if task != nil && w.launcher != nil {
				w.launcher.Launch(ctx, task.ID)
			}
			return nil
		}
		if errors.Is(err, store.ErrNotFound) {
			log.Debug().Str("topic", topicID).Msg("Queued topic missing, dropping")
			return nil
		}
		lastErr = err

		if errors.Is(err, llm.ErrPermanent) {
			// One retry for a malformed response, then give up.
			if schemaRetried {
				moveToDead(ctx, w.store, store.QueueToClassify, topicID, err)
				return nil
			}
			schemaRetried = true
			log.Warn().Err(err).Str("topic", topicID).Msg("Classification response invalid, retrying once")
			continue
		}
		log.Warn().Err(err).Str("topic", topicID).Int("attempt", attempt+1).
			Msg("Classification failed")
	}
	moveToDead(ctx, w.store, store.QueueToClassify, topicID, lastErr)
	return nil
}
