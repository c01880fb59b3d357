// Package worker runs the background pipeline loops: embedding and
// clustering of ingested signals, and topic classification.
package worker

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/Raptors65/darwin/internal/store"
)

// pollTimeout bounds each blocking queue pop.
const pollTimeout = 1 * time.Second

// embedMaxRetries is the provider-error budget before a signal is
// dead-lettered.
const embedMaxRetries = 5

// Backoff and restart knobs; variables so tests can shrink them.
var (
	retryBaseDelay  = 500 * time.Millisecond
	retryMaxDelay   = 30 * time.Second
	restartCooldown = 5 * time.Second
)

// deadLetter records why an item was given up on.
type deadLetter struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// moveToDead pushes an item onto a queue's dead-letter list.
func moveToDead(ctx context.Context, st store.Store, queue, id string, cause error) {
	entry, err := json.Marshal(deadLetter{ID: id, Reason: cause.Error()})
	if err != nil {
		entry = []byte(id)
	}
	if err := st.Push(ctx, queue+store.DeadSuffix, string(entry)); err != nil {
		log.Error().Err(err).Str("queue", queue).Str("id", id).Msg("Failed to dead-letter item")
		return
	}
	log.Warn().Str("queue", queue).Str("id", id).Err(cause).Msg("Item moved to dead-letter queue")
}

// backoffDelay returns the delay before retry attempt n (0-based),
// exponential with a cap.
func backoffDelay(attempt int) time.Duration {
	d := retryBaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return d
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
