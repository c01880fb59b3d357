// Package store defines the key/value, queue, and vector-index interfaces
// backing the darwin pipeline, with interchangeable in-memory and Redis
// implementations.
package store

import (
	"context"
	"errors"
	"time"
)

// Queue names used by the pipeline.
const (
	QueueToEmbed    = "queue:to-embed"
	QueueToClassify = "queue:to-classify"
	QueueTriage     = "queue:triage"

	// DeadSuffix is appended to a queue name for its dead-letter list.
	DeadSuffix = ":dead"
)

// TopicSignalsPrefix names the per-topic list of attached signal hashes,
// appended in attach order so recency is positional.
const TopicSignalsPrefix = "topic_signals:"

// Index names.
const (
	IndexTopics = "idx:topics"
	IndexFixes  = "idx:successful_fixes"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrUnavailable is returned when the backend cannot be reached.
	ErrUnavailable = errors.New("store: unavailable")
)

// FieldWrite is one record write inside a conditional multi-key update.
type FieldWrite struct {
	Key    string
	Fields map[string]string
}

// Match is a single KNN search result.
type Match struct {
	ID         string
	Similarity float64
}

// IndexSpec declares a vector index: flat, cosine metric, fixed dimension.
// FilterFields lists the record fields the index can filter on.
type IndexSpec struct {
	Name         string
	Prefix       string
	VectorField  string
	Dim          int
	FilterFields []string
}

// TopicsIndex returns the spec for the topic centroid index.
func TopicsIndex(dim int) IndexSpec {
	return IndexSpec{
		Name:         IndexTopics,
		Prefix:       "topic:",
		VectorField:  "centroid",
		Dim:          dim,
		FilterFields: []string{"status", "product"},
	}
}

// FixesIndex returns the spec for the successful-fix embedding index.
func FixesIndex(dim int) IndexSpec {
	return IndexSpec{
		Name:         IndexFixes,
		Prefix:       "fix:success:",
		VectorField:  "embedding",
		Dim:          dim,
		FilterFields: []string{"category", "product"},
	}
}

// RecordStore provides flat field-map records keyed by string.
type RecordStore interface {
	// Get returns all fields of a record, or ErrNotFound.
	Get(ctx context.Context, key string) (map[string]string, error)

	// Exists reports whether a record exists.
	Exists(ctx context.Context, key string) (bool, error)

	// SetFields merges fields into a record, creating it if absent.
	SetFields(ctx context.Context, key string, fields map[string]string) error

	// CreateNX atomically writes a new record and appends member to queue.
	// If the key already exists nothing is written and false is returned.
	CreateNX(ctx context.Context, key string, fields map[string]string, queue, member string) (bool, error)

	// CompareAndSet applies all writes iff guardKey's guardField currently
	// equals expect. Returns false on guard mismatch. Used for optimistic
	// concurrency on centroid updates and fix-status transitions.
	CompareAndSet(ctx context.Context, guardKey, guardField, expect string, writes []FieldWrite) (bool, error)

	// IncrBy atomically adds delta to an integer field and returns the result.
	IncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// Delete removes a record, reporting whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Keys returns all keys matching a glob pattern. Intended for small
	// namespaces (rules); not used on hot paths.
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Queues provides durable FIFO lists with blocking pop.
type Queues interface {
	// Push appends members to the tail of a queue.
	Push(ctx context.Context, queue string, members ...string) error

	// Pop removes the head of a queue, blocking up to timeout.
	// Returns "" with a nil error when the queue stays empty.
	Pop(ctx context.Context, queue string, timeout time.Duration) (string, error)

	// Len returns the queue length.
	Len(ctx context.Context, queue string) (int64, error)

	// Range returns members between start and stop inclusive; negative
	// offsets count from the tail, Redis LRANGE style.
	Range(ctx context.Context, queue string, start, stop int64) ([]string, error)
}

// VectorIndex provides approximate nearest-neighbor search over fixed-width
// vectors with cosine similarity.
type VectorIndex interface {
	// EnsureIndex creates the index if it does not exist. Removing an index
	// is safe; it is rebuildable from records.
	EnsureIndex(ctx context.Context, spec IndexSpec) error

	// IndexVector registers (or replaces) a vector for key along with its
	// filterable metadata fields.
	IndexVector(ctx context.Context, spec IndexSpec, key string, vec []float32, meta map[string]string) error

	// RemoveVector drops a vector from the index.
	RemoveVector(ctx context.Context, spec IndexSpec, key string) error

	// Search returns up to k matches ordered by descending cosine
	// similarity, restricted to records whose metadata equals every
	// filter entry.
	Search(ctx context.Context, spec IndexSpec, vec []float32, k int, filter map[string]string) ([]Match, error)
}

// Store aggregates the three planes plus lifecycle.
type Store interface {
	RecordStore
	Queues
	VectorIndex

	Ping(ctx context.Context) error
	Close() error
}

// composite overlays a separate vector-index backend (e.g. pgvector) on a
// base store that provides records and queues.
type composite struct {
	Store
	idx VectorIndex
}

// WithVectorIndex returns a Store that routes vector operations to idx and
// everything else to base.
func WithVectorIndex(base Store, idx VectorIndex) Store {
	return &composite{Store: base, idx: idx}
}

func (c *composite) EnsureIndex(ctx context.Context, spec IndexSpec) error {
	return c.idx.EnsureIndex(ctx, spec)
}

func (c *composite) IndexVector(ctx context.Context, spec IndexSpec, key string, vec []float32, meta map[string]string) error {
	return c.idx.IndexVector(ctx, spec, key, vec, meta)
}

func (c *composite) RemoveVector(ctx context.Context, spec IndexSpec, key string) error {
	return c.idx.RemoveVector(ctx, spec, key)
}

func (c *composite) Search(ctx context.Context, spec IndexSpec, vec []float32, k int, filter map[string]string) ([]Match, error) {
	return c.idx.Search(ctx, spec, vec, k, filter)
}
