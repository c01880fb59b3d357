// Package memory provides a typed in-memory implementation of store.Store,
// used for tests and for STORE_URL=memory://.
package memory

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Raptors65/darwin/internal/store"
	"github.com/Raptors65/darwin/pkg/similarity"
)

type vectorEntry struct {
	vec  []float32
	meta map[string]string
}

type queue struct {
	items  []string
	notify chan struct{}
}

// Store is an in-memory store.Store. All operations that the Redis backend
// performs atomically (CreateNX, CompareAndSet, IncrBy) are serialized under
// a single mutex here, which gives the same observable guarantees.
type Store struct {
	mu      sync.Mutex
	records map[string]map[string]string
	queues  map[string]*queue
	indices map[string]map[string]vectorEntry
	closed  bool
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		records: make(map[string]map[string]string),
		queues:  make(map[string]*queue),
		indices: make(map[string]map[string]vectorEntry),
	}
}

func (s *Store) Get(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make(map[string]string, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key]
	return ok, nil
}

func (s *Store) SetFields(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setFieldsLocked(key, fields)
	return nil
}

func (s *Store) setFieldsLocked(key string, fields map[string]string) {
	rec, ok := s.records[key]
	if !ok {
		rec = make(map[string]string, len(fields))
		s.records[key] = rec
	}
	for k, v := range fields {
		rec[k] = v
	}
}

func (s *Store) CreateNX(ctx context.Context, key string, fields map[string]string, queueName, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; ok {
		return false, nil
	}
	s.setFieldsLocked(key, fields)
	s.pushLocked(queueName, member)
	return true, nil
}

func (s *Store) CompareAndSet(ctx context.Context, guardKey, guardField, expect string, writes []store.FieldWrite) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[guardKey]
	if rec == nil || rec[guardField] != expect {
		return false, nil
	}
	for _, w := range writes {
		s.setFieldsLocked(w.Key, w.Fields)
	}
	return true, nil
}

func (s *Store) IncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		rec = make(map[string]string)
		s.records[key] = rec
	}
	cur, _ := strconv.ParseInt(rec[field], 10, 64)
	cur += delta
	rec[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key]
	delete(s.records, key)
	return ok, nil
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for key := range s.records {
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) getQueueLocked(name string) *queue {
	q, ok := s.queues[name]
	if !ok {
		q = &queue{notify: make(chan struct{}, 1)}
		s.queues[name] = q
	}
	return q
}

func (s *Store) pushLocked(name, member string) {
	q := s.getQueueLocked(name)
	q.items = append(q.items, member)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (s *Store) Push(ctx context.Context, name string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		s.pushLocked(name, m)
	}
	return nil
}

func (s *Store) Pop(ctx context.Context, name string, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		q := s.getQueueLocked(name)
		if len(q.items) > 0 {
			head := q.items[0]
			q.items = q.items[1:]
			// Wake another waiter if items remain.
			if len(q.items) > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			s.mu.Unlock()
			return head, nil
		}
		notify := q.notify
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", nil
		case <-notify:
		}
	}
}

func (s *Store) Len(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.getQueueLocked(name).items)), nil
}

func (s *Store) Range(ctx context.Context, name string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.getQueueLocked(name).items
	n := int64(len(items))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, items[start:stop+1])
	return out, nil
}

func (s *Store) EnsureIndex(ctx context.Context, spec store.IndexSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.indices[spec.Name]; !ok {
		s.indices[spec.Name] = make(map[string]vectorEntry)
	}
	return nil
}

func (s *Store) IndexVector(ctx context.Context, spec store.IndexSpec, key string, vec []float32, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indices[spec.Name]
	if !ok {
		idx = make(map[string]vectorEntry)
		s.indices[spec.Name] = idx
	}
	cp := make([]float32, len(vec))
	copy(cp, vec)
	m := make(map[string]string, len(meta))
	for k, v := range meta {
		m[k] = v
	}
	idx[key] = vectorEntry{vec: cp, meta: m}
	return nil
}

func (s *Store) RemoveVector(ctx context.Context, spec store.IndexSpec, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.indices[spec.Name], key)
	return nil
}

func (s *Store) Search(ctx context.Context, spec store.IndexSpec, vec []float32, k int, filter map[string]string) ([]store.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []store.Match
	for key, entry := range s.indices[spec.Name] {
		ok := true
		for f, want := range filter {
			if entry.meta[f] != want {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		matches = append(matches, store.Match{
			ID:         key,
			Similarity: similarity.Cosine(vec, entry.vec),
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrUnavailable
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Compile-time check: Store must satisfy store.Store.
var _ store.Store = (*Store)(nil)
