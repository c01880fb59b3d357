// Package redis implements store.Store on a Redis backend with RediSearch
// vector indices, mirroring the persisted layout documented in the store
// package: records as hashes, queues as lists, KNN via FT.SEARCH.
package redis

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"

	"github.com/Raptors65/darwin/internal/store"
	"github.com/Raptors65/darwin/pkg/similarity"
)

const (
	defaultMaxIdle     = 8
	defaultMaxActive   = 32
	defaultIdleTimeout = 240 * time.Second

	// knnScoreField is the alias RediSearch returns cosine distance under.
	knnScoreField = "__knn_score"
)

// createNX writes a new hash and enqueues its key in one atomic step.
// KEYS[1]=record, KEYS[2]=queue; ARGV[1]=member, ARGV[2..]=field/value pairs.
var createNXScript = redis.NewScript(2, `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// compareAndSet applies multi-key hash writes iff the guard field matches.
// KEYS[1]=guard key, KEYS[2..]=write keys.
// ARGV[1]=guard field, ARGV[2]=expected value,
// ARGV[3..]=(key index, field, value) triplets.
var compareAndSetScript = redis.NewScript(0, `
local nkeys = tonumber(ARGV[1])
local guard = ARGV[2]
local field = ARGV[3]
local expect = ARGV[4]
if redis.call('HGET', guard, field) ~= expect then
  return 0
end
local i = 5 + nkeys
local keys = {}
for k = 1, nkeys do
  keys[k] = ARGV[4 + k]
end
while i <= #ARGV do
  redis.call('HSET', keys[tonumber(ARGV[i])], ARGV[i+1], ARGV[i+2])
  i = i + 3
end
return 1
`)

// Store is a Redis-backed store.Store.
type Store struct {
	pool *redis.Pool
}

// Dial connects to a Redis URL (redis://host:port/db) and verifies the
// connection.
func Dial(ctx context.Context, rawURL string) (*Store, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}

	pool := &redis.Pool{
		MaxIdle:     defaultMaxIdle,
		MaxActive:   defaultMaxActive,
		IdleTimeout: defaultIdleTimeout,
		Wait:        true,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialURLContext(ctx, rawURL)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	s := &Store{pool: pool}
	if err := s.Ping(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) conn(ctx context.Context) (redis.Conn, error) {
	c, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return c, nil
}

func (s *Store) Get(ctx context.Context, key string) (map[string]string, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	fields, err := redis.StringMap(redis.DoContext(c, ctx, "HGETALL", key))
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	return fields, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer c.Close()
	return redis.Bool(redis.DoContext(c, ctx, "EXISTS", key))
}

func (s *Store) SetFields(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	args := redis.Args{}.Add(key)
	for k, v := range fields {
		args = args.Add(k, v)
	}
	if _, err := redis.DoContext(c, ctx, "HSET", args...); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

func (s *Store) CreateNX(ctx context.Context, key string, fields map[string]string, queue, member string) (bool, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer c.Close()

	args := redis.Args{}.Add(key, queue, member)
	for k, v := range fields {
		args = args.Add(k, v)
	}
	created, err := redis.Int(createNXScript.DoContext(ctx, c, args...))
	if err != nil {
		return false, fmt.Errorf("create %s: %w", key, err)
	}
	return created == 1, nil
}

func (s *Store) CompareAndSet(ctx context.Context, guardKey, guardField, expect string, writes []store.FieldWrite) (bool, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer c.Close()

	args := redis.Args{}.Add(strconv.Itoa(len(writes)), guardKey, guardField, expect)
	for _, w := range writes {
		args = args.Add(w.Key)
	}
	for i, w := range writes {
		for k, v := range w.Fields {
			args = args.Add(strconv.Itoa(i+1), k, v)
		}
	}
	ok, err := redis.Int(compareAndSetScript.DoContext(ctx, c, args...))
	if err != nil {
		return false, fmt.Errorf("compare-and-set %s: %w", guardKey, err)
	}
	return ok == 1, nil
}

func (s *Store) IncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	return redis.Int64(redis.DoContext(c, ctx, "HINCRBY", key, field, delta))
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer c.Close()
	n, err := redis.Int(redis.DoContext(c, ctx, "DEL", key))
	return n > 0, err
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var keys []string
	cursor := 0
	for {
		values, err := redis.Values(redis.DoContext(c, ctx, "SCAN", cursor, "MATCH", pattern, "COUNT", 200))
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		var batch []string
		if _, err := redis.Scan(values, &cursor, &batch); err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (s *Store) Push(ctx context.Context, queue string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	args := redis.Args{}.Add(queue).AddFlat(members)
	_, err = redis.DoContext(c, ctx, "RPUSH", args...)
	return err
}

func (s *Store) Pop(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return "", err
	}
	defer c.Close()

	// BLPOP takes the timeout in (possibly fractional) seconds.
	values, err := redis.Values(redis.DoContext(c, ctx, "BLPOP", queue, timeout.Seconds()))
	if err == redis.ErrNil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("blpop %s: %w", queue, err)
	}
	var popped, member string
	if _, err := redis.Scan(values, &popped, &member); err != nil {
		return "", err
	}
	return member, nil
}

func (s *Store) Range(ctx context.Context, queue string, start, stop int64) ([]string, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return redis.Strings(redis.DoContext(c, ctx, "LRANGE", queue, start, stop))
}

func (s *Store) Len(ctx context.Context, queue string) (int64, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	return redis.Int64(redis.DoContext(c, ctx, "LLEN", queue))
}

func (s *Store) EnsureIndex(ctx context.Context, spec store.IndexSpec) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	args := redis.Args{}.Add(spec.Name, "ON", "HASH", "PREFIX", 1, spec.Prefix, "SCHEMA")
	for _, f := range spec.FilterFields {
		args = args.Add(f, "TAG")
	}
	args = args.Add(spec.VectorField, "VECTOR", "FLAT", 6,
		"TYPE", "FLOAT32",
		"DIM", spec.Dim,
		"DISTANCE_METRIC", "COSINE")

	_, err = redis.DoContext(c, ctx, "FT.CREATE", args...)
	if err != nil && strings.Contains(err.Error(), "Index already exists") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ft.create %s: %w", spec.Name, err)
	}
	log.Info().Str("index", spec.Name).Int("dim", spec.Dim).Msg("Created vector index")
	return nil
}

// IndexVector writes the vector and filter fields into the record hash; the
// index covers the key prefix, so the hash write is the index write.
func (s *Store) IndexVector(ctx context.Context, spec store.IndexSpec, key string, vec []float32, meta map[string]string) error {
	fields := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		fields[k] = v
	}
	fields[spec.VectorField] = string(similarity.Encode(vec))
	return s.SetFields(ctx, key, fields)
}

func (s *Store) RemoveVector(ctx context.Context, spec store.IndexSpec, key string) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	_, err = redis.DoContext(c, ctx, "HDEL", key, spec.VectorField)
	return err
}

func (s *Store) Search(ctx context.Context, spec store.IndexSpec, vec []float32, k int, filter map[string]string) ([]store.Match, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	query := fmt.Sprintf("%s=>[KNN %d @%s $vec AS %s]", filterExpr(spec, filter), k, spec.VectorField, knnScoreField)
	args := redis.Args{}.Add(spec.Name, query,
		"PARAMS", 2, "vec", similarity.Encode(vec),
		"SORTBY", knnScoreField, "ASC",
		"RETURN", 1, knnScoreField,
		"LIMIT", 0, k,
		"DIALECT", 2)

	values, err := redis.Values(redis.DoContext(c, ctx, "FT.SEARCH", args...))
	if err != nil {
		return nil, fmt.Errorf("ft.search %s: %w", spec.Name, err)
	}
	return parseSearchReply(values)
}

// filterExpr builds the RediSearch tag filter, "*" when unfiltered.
func filterExpr(spec store.IndexSpec, filter map[string]string) string {
	if len(filter) == 0 {
		return "*"
	}
	var parts []string
	for _, f := range spec.FilterFields {
		if v, ok := filter[f]; ok {
			parts = append(parts, fmt.Sprintf("@%s:{%s}", f, escapeTag(v)))
		}
	}
	if len(parts) == 0 {
		return "*"
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// escapeTag escapes RediSearch tag syntax characters in a filter value.
func escapeTag(v string) string {
	var b strings.Builder
	for _, r := range v {
		if strings.ContainsRune(`,.<>{}[]"':;!@#$%^&*()-+=~ |/\`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// parseSearchReply decodes an FT.SEARCH reply: total count followed by
// alternating keys and field/value arrays.
func parseSearchReply(values []interface{}) ([]store.Match, error) {
	if len(values) == 0 {
		return nil, nil
	}
	var matches []store.Match
	for i := 1; i+1 < len(values); i += 2 {
		key, err := redis.String(values[i], nil)
		if err != nil {
			return nil, fmt.Errorf("search reply key: %w", err)
		}
		fields, err := redis.StringMap(values[i+1], nil)
		if err != nil {
			return nil, fmt.Errorf("search reply fields: %w", err)
		}
		distance, err := strconv.ParseFloat(fields[knnScoreField], 64)
		if err != nil {
			return nil, fmt.Errorf("search reply score %q: %w", fields[knnScoreField], err)
		}
		matches = append(matches, store.Match{
			ID:         key,
			Similarity: similarity.DistanceToSimilarity(distance),
		})
	}
	return matches, nil
}

func (s *Store) Ping(ctx context.Context) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if _, err := redis.DoContext(c, ctx, "PING"); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.pool.Close()
}

// Compile-time check: Store must satisfy store.Store.
var _ store.Store = (*Store)(nil)
