package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raptors65/darwin/internal/store"
)

func TestFilterExpr(t *testing.T) {
	spec := store.TopicsIndex(4)

	assert.Equal(t, "*", filterExpr(spec, nil))
	assert.Equal(t, "(@status:{open})", filterExpr(spec, map[string]string{"status": "open"}))
	assert.Equal(t, "(@status:{open} @product:{acme\\-app})",
		filterExpr(spec, map[string]string{"status": "open", "product": "acme-app"}))

	// Fields the index does not declare are ignored rather than miscompiled.
	assert.Equal(t, "*", filterExpr(spec, map[string]string{"severity": "high"}))
}

func TestEscapeTag(t *testing.T) {
	assert.Equal(t, "plain", escapeTag("plain"))
	assert.Equal(t, `my\-product\.v2`, escapeTag("my-product.v2"))
	assert.Equal(t, `a\ b`, escapeTag("a b"))
}

func TestParseSearchReply(t *testing.T) {
	reply := []interface{}{
		int64(2),
		[]byte("topic:a"),
		[]interface{}{[]byte(knnScoreField), []byte("0.25")},
		[]byte("topic:b"),
		[]interface{}{[]byte(knnScoreField), []byte("0.5")},
	}

	matches, err := parseSearchReply(reply)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "topic:a", matches[0].ID)
	assert.InDelta(t, 0.75, matches[0].Similarity, 1e-9)
	assert.Equal(t, "topic:b", matches[1].ID)
	assert.InDelta(t, 0.5, matches[1].Similarity, 1e-9)
}

func TestParseSearchReplyEmpty(t *testing.T) {
	matches, err := parseSearchReply([]interface{}{int64(0)})
	require.NoError(t, err)
	assert.Empty(t, matches)
}
