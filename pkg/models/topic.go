package models

import (
	"fmt"
	"time"

	"github.com/Raptors65/darwin/pkg/similarity"
)

// TopicKeyPrefix is the store key prefix for topics.
const TopicKeyPrefix = "topic:"

// Topic is an online cluster of semantically similar signals, represented
// by the unit-normalized running mean of their embeddings.
type Topic struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Summary     string      `json:"summary,omitempty"`
	Status      TopicStatus `json:"status"`
	Product     string      `json:"product"`
	Category    Category    `json:"category,omitempty"`
	SignalCount int         `json:"signal_count"`
	Centroid    []float32   `json:"-"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Key returns the store key for this topic.
func (t *Topic) Key() string { return TopicKeyPrefix + t.ID }

// Fields encodes the topic as a flat field map for the store.
// The centroid is stored in its canonical binary encoding.
func (t *Topic) Fields() map[string]string {
	f := map[string]string{
		"title":        t.Title,
		"summary":      t.Summary,
		"status":       string(t.Status),
		"product":      t.Product,
		"category":     string(t.Category),
		"signal_count": fmt.Sprintf("%d", t.SignalCount),
		"centroid":     string(similarity.Encode(t.Centroid)),
	}
	putTime(f, "created_at", t.CreatedAt)
	putTime(f, "updated_at", t.UpdatedAt)
	return f
}

// TopicFromFields decodes a topic from its stored field map.
// dim is the expected centroid width; a mismatch is an invariant violation.
func TopicFromFields(id string, f map[string]string, dim int) (*Topic, error) {
	status := TopicStatus(f["status"])
	if !status.Valid() {
		return nil, fmt.Errorf("topic %s: invalid status %q", id, f["status"])
	}
	var category Category
	if raw := f["category"]; raw != "" {
		c, err := ParseCategory(raw)
		if err != nil {
			return nil, fmt.Errorf("topic %s: %w", id, err)
		}
		category = c
	}
	centroid, err := similarity.Decode([]byte(f["centroid"]), dim)
	if err != nil {
		return nil, fmt.Errorf("topic %s: centroid: %w", id, err)
	}
	return &Topic{
		ID:          id,
		Title:       f["title"],
		Summary:     f["summary"],
		Status:      status,
		Product:     f["product"],
		Category:    category,
		SignalCount: fieldInt(f, "signal_count"),
		Centroid:    centroid,
		CreatedAt:   fieldTime(f, "created_at"),
		UpdatedAt:   fieldTime(f, "updated_at"),
	}, nil
}
