package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Raptors65/darwin/internal/cluster"
	"github.com/Raptors65/darwin/internal/store"
	"github.com/Raptors65/darwin/pkg/models"
)

// TextEmbedder produces unit-normalized vectors for signal text.
type TextEmbedder interface {
	Embed(text string) ([]float32, error)
}

// EmbedWorker drains queue:to-embed: embed each signal, then cluster it.
type EmbedWorker struct {
	store   store.Store
	embed   TextEmbedder
	cluster *cluster.Clusterer
}

// NewEmbedWorker wires an embed worker.
func NewEmbedWorker(st store.Store, embed TextEmbedder, cl *cluster.Clusterer) *EmbedWorker {
	return &EmbedWorker{store: st, embed: embed, cluster: cl}
}

// Run loops until ctx is cancelled. Store errors are retried with capped
// backoff; provider errors dead-letter the signal after the retry budget.
func (w *EmbedWorker) Run(ctx context.Context) error {
	log.Info().Msg("Embed worker started")
	storeFailures := 0
	for {
		hash, err := w.store.Pop(ctx, store.QueueToEmbed, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			storeFailures++
			log.Error().Err(err).Msg("Embed queue pop failed")
			if err := sleepCtx(ctx, backoffDelay(storeFailures)); err != nil {
				return err
			}
			continue
		}
		storeFailures = 0
		if hash == "" {
			continue // poll timeout
		}
		// Store errors surface here; a popped signal must end up either
		// clustered or back in the queue, never dropped.
		for attempt := 0; ; attempt++ {
			err := w.processSignal(ctx, hash)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				w.requeue(ctx, hash)
				return ctx.Err()
			}
			log.Error().Err(err).Str("signal", hash).Int("attempt", attempt+1).
				Msg("Embed processing failed, retrying")
			if err := sleepCtx(ctx, backoffDelay(attempt)); err != nil {
				w.requeue(ctx, hash)
				return err
			}
		}
	}
}

// requeue returns a popped hash to the queue during shutdown so the signal
// survives the restart.
func (w *EmbedWorker) requeue(ctx context.Context, hash string) {
	if err := w.store.Push(context.WithoutCancel(ctx), store.QueueToEmbed, hash); err != nil {
		log.Error().Err(err).Str("signal", hash).Msg("Requeue on shutdown failed")
	}
}

func (w *EmbedWorker) processSignal(ctx context.Context, hash string) error {
	fields, err := w.store.Get(ctx, models.SignalKeyPrefix+hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Enqueue/write races are bounded; a missing record is stale.
			log.Debug().Str("signal", hash).Msg("Queued signal record missing, dropping")
			return nil
		}
		return err
	}
	sig, err := models.SignalFromFields(hash, fields)
	if err != nil {
		moveToDead(ctx, w.store, store.QueueToEmbed, hash, err)
		return nil
	}
	if sig.TopicID != "" {
		return nil // already clustered
	}

	vec, err := w.embedWithRetry(ctx, sig)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		moveToDead(ctx, w.store, store.QueueToEmbed, hash, err)
		return nil
	}

	out, err := w.cluster.Assign(ctx, sig, vec)
	if err != nil {
		return fmt.Errorf("assign signal %s: %w", hash, err)
	}
	log.Info().Str("signal", hash).Str("action", string(out.Action)).
		Str("topic", out.TopicID).Float64("similarity", out.Similarity).
		Msg("Signal clustered")
	return nil
}

func (w *EmbedWorker) embedWithRetry(ctx context.Context, sig *models.Signal) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= embedMaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoffDelay(attempt-1)); err != nil {
				return nil, err
			}
		}
		vec, err := w.embed.Embed(sig.Normalized)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		log.Warn().Err(err).Str("signal", sig.Hash).Int("attempt", attempt+1).
			Msg("Embedding failed")
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", embedMaxRetries+1, lastErr)
}
