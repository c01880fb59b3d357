package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Raptors65/darwin/internal/store"
	"github.com/Raptors65/darwin/pkg/models"
)

// Service ingests signals: normalize, dedupe on content hash, store and
// queue for embedding.
type Service struct {
	store        store.Store
	backpressure int64
}

// NewService creates the ingest service. backpressure is the to-embed queue
// depth past which batch responses carry a delayed hint; zero disables it.
func NewService(st store.Store, backpressure int64) *Service {
	return &Service{store: st, backpressure: backpressure}
}

// Ingest processes a single signal. One signal failing never fails a batch,
// so storage errors come back as a result with status error rather than a
// Go error.
func (s *Service) Ingest(ctx context.Context, in models.SignalInput) models.IngestResult {
	normalized := Normalize(in.Text)
	if !ValidSignal(normalized, in.Product) {
		return models.IngestResult{SignalID: in.ID, Status: models.IngestInvalid}
	}

	hash := Hash(normalized)
	now := time.Now().UTC()
	sig := models.Signal{
		Hash:       hash,
		Text:       in.Text,
		Normalized: normalized,
		Source:     in.Source,
		URL:        in.URL,
		Title:      in.Title,
		Author:     in.Author,
		Product:    in.Product,
		FirstSeen:  now,
		LastSeen:   now,
	}

	// CreateNX stores the record and enqueues it in one step, so two
	// concurrent submissions of the same text produce exactly one queue
	// entry.
	created, err := s.store.CreateNX(ctx, sig.Key(), sig.Fields(), store.QueueToEmbed, hash)
	if err != nil {
		log.Error().Err(err).Str("hash", shortHash(hash)).Msg("Signal store failed")
		return models.IngestResult{
			SignalID: in.ID,
			Hash:     hash,
			Status:   models.IngestError,
			Error:    err.Error(),
		}
	}

	if !created {
		// Duplicate: refresh last_seen, leave everything else untouched.
		if err := s.store.SetFields(ctx, sig.Key(), map[string]string{
			"last_seen": fmt.Sprintf("%d", now.Unix()),
		}); err != nil {
			log.Warn().Err(err).Str("hash", shortHash(hash)).Msg("last_seen update failed")
		}
		log.Debug().Str("hash", shortHash(hash)).Msg("Duplicate signal")
		return models.IngestResult{SignalID: in.ID, Hash: hash, Status: models.IngestDuplicate}
	}

	log.Info().Str("hash", shortHash(hash)).Str("product", in.Product).
		Msg("New signal queued for embedding")
	return models.IngestResult{SignalID: in.ID, Hash: hash, Status: models.IngestQueued}
}

// IngestBatch processes signals in order and aggregates the outcomes.
func (s *Service) IngestBatch(ctx context.Context, inputs []models.SignalInput) models.BatchResult {
	batch := models.BatchResult{
		Total:   len(inputs),
		Results: make([]models.IngestResult, 0, len(inputs)),
	}

	for _, in := range inputs {
		res := s.Ingest(ctx, in)
		batch.Results = append(batch.Results, res)
		switch res.Status {
		case models.IngestQueued:
			batch.Queued++
		case models.IngestDuplicate:
			batch.Duplicates++
		case models.IngestInvalid:
			batch.Invalid++
		case models.IngestError:
			batch.Errors++
		}
	}

	if s.backpressure > 0 {
		depth, err := s.store.Len(ctx, store.QueueToEmbed)
		if err == nil && depth >= s.backpressure {
			batch.Delayed = true
			log.Warn().Int64("depth", depth).Msg("Embed queue over backpressure threshold")
		}
	}

	log.Info().Int("total", batch.Total).Int("queued", batch.Queued).
		Int("duplicates", batch.Duplicates).Int("invalid", batch.Invalid).
		Int("errors", batch.Errors).
		Msg("Batch ingest complete")
	return batch
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
