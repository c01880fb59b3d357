package models

import (
	"fmt"
	"time"
)

// SignalKeyPrefix is the store key prefix for signals.
const SignalKeyPrefix = "signal:"

// Signal is a single piece of user feedback, identified by the SHA-256 hash
// of its normalized text. Signals are never deleted by the pipeline.
type Signal struct {
	Hash       string    `json:"hash"`
	Text       string    `json:"text"`
	Normalized string    `json:"normalized"`
	Source     string    `json:"source"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Author     string    `json:"author,omitempty"`
	Product    string    `json:"product"`
	TopicID    string    `json:"topic_id,omitempty"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// Key returns the store key for this signal.
func (s *Signal) Key() string { return SignalKeyPrefix + s.Hash }

// Fields encodes the signal as a flat field map for the store.
func (s *Signal) Fields() map[string]string {
	f := map[string]string{
		"text":       s.Text,
		"normalized": s.Normalized,
		"source":     s.Source,
		"url":        s.URL,
		"title":      s.Title,
		"author":     s.Author,
		"product":    s.Product,
		"topic_id":   s.TopicID,
	}
	putTime(f, "first_seen", s.FirstSeen)
	putTime(f, "last_seen", s.LastSeen)
	return f
}

// SignalFromFields decodes a signal from its stored field map.
func SignalFromFields(hash string, f map[string]string) (*Signal, error) {
	if f["text"] == "" && f["normalized"] == "" {
		return nil, fmt.Errorf("signal %s: empty record", hash)
	}
	return &Signal{
		Hash:       hash,
		Text:       f["text"],
		Normalized: f["normalized"],
		Source:     f["source"],
		URL:        f["url"],
		Title:      f["title"],
		Author:     f["author"],
		Product:    f["product"],
		TopicID:    f["topic_id"],
		FirstSeen:  fieldTime(f, "first_seen"),
		LastSeen:   fieldTime(f, "last_seen"),
	}, nil
}

// SignalInput is the wire format accepted by POST /ingest.
// Fields beyond this set are ignored.
type SignalInput struct {
	ID        string `json:"id,omitempty"`
	Text      string `json:"text"`
	Source    string `json:"source"`
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
	Author    string `json:"author,omitempty"`
	Product   string `json:"product"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// IngestStatus is the per-item outcome of an ingest.
type IngestStatus string

const (
	IngestQueued    IngestStatus = "queued"
	IngestDuplicate IngestStatus = "duplicate"
	IngestInvalid   IngestStatus = "invalid"
	IngestError     IngestStatus = "error"
)

// IngestResult is the outcome for one signal in a batch.
type IngestResult struct {
	SignalID string       `json:"signal_id,omitempty"`
	Hash     string       `json:"signal_hash,omitempty"`
	Status   IngestStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
}

// BatchResult aggregates a batch ingest.
type BatchResult struct {
	Total      int            `json:"total"`
	Queued     int            `json:"queued"`
	Duplicates int            `json:"duplicates"`
	Invalid    int            `json:"invalid"`
	Errors     int            `json:"errors"`
	Delayed    bool           `json:"delayed,omitempty"`
	Results    []IngestResult `json:"results"`
}
