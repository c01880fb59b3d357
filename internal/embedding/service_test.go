package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raptors65/darwin/internal/config"
	"github.com/Raptors65/darwin/pkg/similarity"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := config.Default()
	svc, err := NewService(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestLocalModelDeterministic(t *testing.T) {
	svc := newTestService(t)

	a, err := svc.Embed("the sync button does nothing on mobile")
	require.NoError(t, err)
	b, err := svc.Embed("the sync button does nothing on mobile")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, config.DefaultEmbeddingDim)
	assert.InDelta(t, 1.0, similarity.Cosine(a, a), 1e-6, "embeddings are unit-normalized")
}

func TestLocalModelSimilarTextsScoreHigher(t *testing.T) {
	svc := newTestService(t)

	base, err := svc.Embed("sync fails on mobile after update")
	require.NoError(t, err)
	near, err := svc.Embed("sync fails on my mobile after the update")
	require.NoError(t, err)
	far, err := svc.Embed("please add dark mode to the editor")
	require.NoError(t, err)

	assert.Greater(t, similarity.Cosine(base, near), similarity.Cosine(base, far))
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	svc := newTestService(t)

	texts := []string{"first report", "second report", "first report"}
	vecs, err := svc.EmbedBatch(texts)
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	// Identical inputs produce identical vectors (third is a cache hit).
	assert.Equal(t, vecs[0], vecs[2])
	assert.NotEqual(t, vecs[0], vecs[1])
}

func TestEmbedEmptyText(t *testing.T) {
	svc := newTestService(t)

	vec, err := svc.Embed("")
	require.NoError(t, err)
	assert.Len(t, vec, config.DefaultEmbeddingDim)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestDimensionMismatchRejected(t *testing.T) {
	cfg := config.Default()
	cfg.EmbeddingDim = 128

	// The local model honors the configured width, so this succeeds.
	svc, err := NewService(cfg)
	require.NoError(t, err)
	assert.Equal(t, 128, svc.Dimensions())
	_ = svc.Close()
}

func TestUnknownProviderRejected(t *testing.T) {
	cfg := config.Default()
	cfg.EmbeddingProvider = "bogus"
	_, err := NewService(cfg)
	assert.Error(t, err)
}
