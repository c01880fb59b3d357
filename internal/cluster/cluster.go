// Package cluster assigns embedded signals to topics by online
// nearest-neighbor search over topic centroids.
package cluster

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Raptors65/darwin/internal/config"
	"github.com/Raptors65/darwin/internal/store"
	"github.com/Raptors65/darwin/pkg/models"
	"github.com/Raptors65/darwin/pkg/similarity"
)

const (
	// knnCandidates is how many neighbors the topic search returns.
	knnCandidates = 5

	// tieTolerance is the similarity band within which candidates count as
	// tied and fall back to created_at, then id. Keeps replay deterministic.
	tieTolerance = 1e-6

	// attachMaxRetries bounds the optimistic-concurrency retry loop.
	attachMaxRetries = 16

	// titleMaxLen truncates the auto-generated topic title.
	titleMaxLen = 120
)

// Action is the clustering decision for one signal.
type Action string

const (
	ActionAttached Action = "attached"
	ActionTriaged  Action = "triaged"
	ActionCreated  Action = "created"
)

// Outcome reports what Assign did with a signal.
type Outcome struct {
	Action     Action
	TopicID    string
	Similarity float64
}

// Clusterer performs threshold-based online clustering.
type Clusterer struct {
	store         store.Store
	spec          store.IndexSpec
	thresholdHigh float64
	thresholdLow  float64
}

// New creates a Clusterer using the configured thresholds and vector width.
func New(st store.Store, cfg *config.Config) *Clusterer {
	return &Clusterer{
		store:         st,
		spec:          store.TopicsIndex(cfg.EmbeddingDim),
		thresholdHigh: cfg.ClusterThresholdHigh,
		thresholdLow:  cfg.ClusterThresholdLow,
	}
}

// Assign clusters one embedded signal: attach to the best open topic of the
// same product above the high threshold, park in triage inside the ambiguous
// band, or open a new topic below it. vec must be unit-normalized.
func (c *Clusterer) Assign(ctx context.Context, sig *models.Signal, vec []float32) (*Outcome, error) {
	matches, err := c.store.Search(ctx, c.spec, vec, knnCandidates, map[string]string{
		"status":  string(models.TopicOpen),
		"product": sig.Product,
	})
	if err != nil {
		return nil, fmt.Errorf("topic search: %w", err)
	}

	bestKey, bestSim, err := c.pickBest(ctx, matches)
	if err != nil {
		return nil, err
	}

	switch {
	case bestKey != "" && bestSim >= c.thresholdHigh:
		topicID := strings.TrimPrefix(bestKey, models.TopicKeyPrefix)
		if err := c.attach(ctx, bestKey, sig, vec); err != nil {
			return nil, err
		}
		return &Outcome{Action: ActionAttached, TopicID: topicID, Similarity: bestSim}, nil

	case bestKey != "" && bestSim >= c.thresholdLow:
		// Ambiguous: no topic is mutated, the signal waits for a human.
		if err := c.store.Push(ctx, store.QueueTriage, sig.Hash); err != nil {
			return nil, fmt.Errorf("push triage: %w", err)
		}
		return &Outcome{Action: ActionTriaged, Similarity: bestSim}, nil

	default:
		topicID, err := c.createTopic(ctx, sig, vec)
		if err != nil {
			return nil, err
		}
		return &Outcome{Action: ActionCreated, TopicID: topicID, Similarity: bestSim}, nil
	}
}

// pickBest resolves the winning candidate. Matches arrive similarity-
// descending; candidates within tieTolerance of the top are tied and the
// lowest created_at wins, then the lexicographically smallest id.
func (c *Clusterer) pickBest(ctx context.Context, matches []store.Match) (string, float64, error) {
	if len(matches) == 0 {
		return "", 0, nil
	}

	top := matches[0].Similarity
	tied := matches[:1]
	for _, m := range matches[1:] {
		if top-m.Similarity <= tieTolerance {
			tied = append(tied, m)
		}
	}
	if len(tied) == 1 {
		return tied[0].ID, top, nil
	}

	bestKey := ""
	var bestCreated time.Time
	for _, m := range tied {
		fields, err := c.store.Get(ctx, m.ID)
		if err != nil {
			return "", 0, fmt.Errorf("load tied topic %s: %w", m.ID, err)
		}
		topic, err := models.TopicFromFields(strings.TrimPrefix(m.ID, models.TopicKeyPrefix), fields, c.spec.Dim)
		if err != nil {
			return "", 0, err
		}
		if bestKey == "" ||
			topic.CreatedAt.Before(bestCreated) ||
			(topic.CreatedAt.Equal(bestCreated) && m.ID < bestKey) {
			bestKey = m.ID
			bestCreated = topic.CreatedAt
		}
	}
	return bestKey, top, nil
}

// attach folds the signal into the topic centroid under optimistic
// concurrency: the signal's topic_id is set by the same conditional write
// that increments signal_count, so each contribution counts exactly once.
func (c *Clusterer) attach(ctx context.Context, topicKey string, sig *models.Signal, vec []float32) error {
	for attempt := 0; attempt < attachMaxRetries; attempt++ {
		fields, err := c.store.Get(ctx, topicKey)
		if err != nil {
			return fmt.Errorf("load topic %s: %w", topicKey, err)
		}
		topicID := strings.TrimPrefix(topicKey, models.TopicKeyPrefix)
		topic, err := models.TopicFromFields(topicID, fields, c.spec.Dim)
		if err != nil {
			return err
		}

		centroid, err := similarity.WeightedMean(topic.Centroid, topic.SignalCount, vec)
		if err != nil {
			return fmt.Errorf("topic %s: %w", topicKey, err)
		}

		now := time.Now().UTC()
		writes := []store.FieldWrite{
			{
				Key: topicKey,
				Fields: map[string]string{
					"centroid":     string(similarity.Encode(centroid)),
					"signal_count": strconv.Itoa(topic.SignalCount + 1),
					"updated_at":   strconv.FormatInt(now.Unix(), 10),
				},
			},
			{
				Key:    sig.Key(),
				Fields: map[string]string{"topic_id": topicID},
			},
		}

		ok, err := c.store.CompareAndSet(ctx, topicKey, "signal_count",
			strconv.Itoa(topic.SignalCount), writes)
		if err != nil {
			return fmt.Errorf("attach to %s: %w", topicKey, err)
		}
		if ok {
			if err := c.store.IndexVector(ctx, c.spec, topicKey, centroid, map[string]string{
				"status":  string(topic.Status),
				"product": topic.Product,
			}); err != nil {
				return fmt.Errorf("reindex topic %s: %w", topicKey, err)
			}
			if err := c.store.Push(ctx, store.TopicSignalsPrefix+topicID, sig.Hash); err != nil {
				return fmt.Errorf("record topic membership: %w", err)
			}
			sig.TopicID = topicID
			log.Debug().Str("topic", topicID).Int("signals", topic.SignalCount+1).
				Msg("Signal attached to topic")
			return nil
		}
		// Another worker moved the centroid first; re-read and retry.
	}
	return fmt.Errorf("attach to %s: too many concurrent centroid updates", topicKey)
}

// createTopic opens a new single-signal topic and enqueues it for
// classification in the same atomic step.
func (c *Clusterer) createTopic(ctx context.Context, sig *models.Signal, vec []float32) (string, error) {
	now := time.Now().UTC()
	topic := models.Topic{
		ID:          uuid.NewString(),
		Title:       firstLine(sig.Text),
		Status:      models.TopicOpen,
		Product:     sig.Product,
		SignalCount: 1,
		Centroid:    vec,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	created, err := c.store.CreateNX(ctx, topic.Key(), topic.Fields(), store.QueueToClassify, topic.ID)
	if err != nil {
		return "", fmt.Errorf("create topic: %w", err)
	}
	if !created {
		return "", fmt.Errorf("create topic: id collision on %s", topic.ID)
	}

	if err := c.store.SetFields(ctx, sig.Key(), map[string]string{"topic_id": topic.ID}); err != nil {
		return "", fmt.Errorf("set signal topic: %w", err)
	}
	if err := c.store.Push(ctx, store.TopicSignalsPrefix+topic.ID, sig.Hash); err != nil {
		return "", fmt.Errorf("record topic membership: %w", err)
	}
	if err := c.store.IndexVector(ctx, c.spec, topic.Key(), vec, map[string]string{
		"status":  string(topic.Status),
		"product": topic.Product,
	}); err != nil {
		return "", fmt.Errorf("index topic %s: %w", topic.ID, err)
	}

	sig.TopicID = topic.ID
	log.Info().Str("topic", topic.ID).Str("product", topic.Product).
		Str("title", topic.Title).Msg("New topic created")
	return topic.ID, nil
}

// firstLine returns the first non-empty line of text, truncated for use as a
// topic title.
func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) > titleMaxLen {
			return string(runes[:titleMaxLen])
		}
		return line
	}
	return ""
}
