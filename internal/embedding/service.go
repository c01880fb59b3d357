package embedding

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Raptors65/darwin/internal/config"
)

// cacheMaxEntries bounds the in-process embedding cache. Signals in the same
// topic repeat near-identical text, so even a small cache earns its keep.
const cacheMaxEntries = 2048

// Service wraps an embedding model with a result cache and dimension checks.
type Service struct {
	model Model

	mu    sync.Mutex
	cache map[string][]float32
	order []string
}

// NewService builds the provider named by cfg.EmbeddingProvider and verifies
// it produces vectors of the configured width.
func NewService(cfg *config.Config) (*Service, error) {
	model, err := GetModel(cfg.EmbeddingProvider, Options{
		APIKey:     cfg.EmbeddingAPIKey,
		BaseURL:    cfg.EmbeddingBaseURL,
		ModelName:  cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDim,
	})
	if err != nil {
		return nil, err
	}
	if model.Dimensions() != cfg.EmbeddingDim {
		_ = model.Close()
		return nil, fmt.Errorf("embedding provider %s produces %d-dim vectors, config wants %d",
			cfg.EmbeddingProvider, model.Dimensions(), cfg.EmbeddingDim)
	}

	log.Info().
		Str("provider", model.Version()).
		Str("model", model.Name()).
		Int("dim", model.Dimensions()).
		Msg("Embedding service ready")

	return &Service{
		model: model,
		cache: make(map[string][]float32),
	}, nil
}

func (s *Service) Name() string    { return s.model.Name() }
func (s *Service) Version() string { return s.model.Version() }
func (s *Service) Dimensions() int { return s.model.Dimensions() }

// Embed returns the embedding for text, serving repeats from cache.
func (s *Service) Embed(text string) ([]float32, error) {
	key := cacheKey(text)

	s.mu.Lock()
	if vec, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return vec, nil
	}
	s.mu.Unlock()

	vec, err := s.model.Embed(text)
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}
	if len(vec) != s.model.Dimensions() {
		return nil, fmt.Errorf("model returned %d-dim vector, want %d", len(vec), s.model.Dimensions())
	}

	s.put(key, vec)
	return vec, nil
}

// EmbedBatch embeds texts in order, batching only the cache misses.
func (s *Service) EmbedBatch(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	s.mu.Lock()
	for i, t := range texts {
		if vec, ok := s.cache[cacheKey(t)]; ok {
			out[i] = vec
		} else {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, t)
		}
	}
	s.mu.Unlock()

	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := s.model.EmbedBatch(missTexts)
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("model returned %d vectors for %d texts", len(vecs), len(missTexts))
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		s.put(cacheKey(texts[i]), vecs[j])
	}
	return out, nil
}

// Close releases model resources.
func (s *Service) Close() error {
	return s.model.Close()
}

// put inserts into the cache, evicting oldest-inserted entries at capacity.
func (s *Service) put(key string, vec []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache[key]; ok {
		return
	}
	if len(s.order) >= cacheMaxEntries {
		evict := s.order[0]
		s.order = s.order[1:]
		delete(s.cache, evict)
	}
	s.cache[key] = vec
	s.order = append(s.order, key)
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
