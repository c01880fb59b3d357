package embedding

import (
	"hash/fnv"
	"strings"

	"github.com/Raptors65/darwin/pkg/similarity"
)

const (
	// LocalModelVersion identifies the built-in feature-hashing model.
	LocalModelVersion = "local"
	// LocalModelName is the human-readable name for the built-in model.
	LocalModelName = "feature-hash-v1"
	// LocalDimensions is the vector width of the built-in model.
	LocalDimensions = 384
)

// localModel embeds text by hashing word unigrams and bigrams into a fixed
// number of signed buckets. It is deterministic, dependency-free and good
// enough for near-duplicate grouping; swap in the openai provider for
// semantic quality.
type localModel struct {
	dimensions int
}

func init() {
	RegisterModel(ModelMetadata{
		Name:        LocalModelName,
		Version:     LocalModelVersion,
		Dimensions:  LocalDimensions,
		Description: "Deterministic feature-hashing embeddings, no external service",
		Default:     true,
	}, newLocalModel)
}

func newLocalModel(opts Options) (Model, error) {
	dim := opts.Dimensions
	if dim <= 0 {
		dim = LocalDimensions
	}
	return &localModel{dimensions: dim}, nil
}

func (m *localModel) Name() string    { return LocalModelName }
func (m *localModel) Version() string { return LocalModelVersion }
func (m *localModel) Dimensions() int { return m.dimensions }
func (m *localModel) Close() error    { return nil }

func (m *localModel) Embed(text string) ([]float32, error) {
	vec := make([]float32, m.dimensions)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return vec, nil
	}

	for i, tok := range tokens {
		m.addFeature(vec, tok)
		if i+1 < len(tokens) {
			m.addFeature(vec, tok+" "+tokens[i+1])
		}
	}
	return similarity.Normalize(vec), nil
}

func (m *localModel) EmbedBatch(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := m.Embed(t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// addFeature hashes a feature to a bucket and a sign, spreading mass across
// the vector without a learned vocabulary.
func (m *localModel) addFeature(vec []float32, feature string) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()

	bucket := int(sum % uint64(m.dimensions))
	if sum&(1<<63) != 0 {
		vec[bucket]--
	} else {
		vec[bucket]++
	}
}

// Compile-time check that localModel implements Model.
var _ Model = (*localModel)(nil)
