package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	response string
	err      error
}

func (s *stubClient) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return s.response, s.err
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"prose around", "Sure, here you go:\n{\"a\":1}\nHope that helps.", `{"a":1}`},
		{"code fence", "```json\n{\"a\": {\"b\": 2}}\n```", `{"a": {"b": 2}}`},
		{"braces in strings", `{"text":"use {x} here"}`, `{"text":"use {x} here"}`},
		{"escaped quote", `{"text":"she said \"hi\" {"}`, `{"text":"she said \"hi\" {"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractJSON(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExtractJSONErrors(t *testing.T) {
	_, err := ExtractJSON("no json here")
	assert.Error(t, err)

	_, err = ExtractJSON(`{"unterminated": true`)
	assert.Error(t, err)
}

func TestCompleteJSON(t *testing.T) {
	c := &stubClient{response: "Result:\n{\"category\": \"BUG\", \"confidence\": 0.9}"}

	var out struct {
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
	}
	require.NoError(t, CompleteJSON(context.Background(), c, "classify", 512, &out))
	assert.Equal(t, "BUG", out.Category)
	assert.Equal(t, 0.9, out.Confidence)
}

func TestCompleteJSONMalformedIsPermanent(t *testing.T) {
	c := &stubClient{response: "I cannot answer that."}

	var out map[string]any
	err := CompleteJSON(context.Background(), c, "classify", 512, &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPermanent))
}

func TestIsRetriable(t *testing.T) {
	assert.False(t, isRetriable(errors.New("401 unauthorized")))
	assert.False(t, isRetriable(errors.New("invalid_request_error: bad prompt")))
	assert.True(t, isRetriable(errors.New("529 overloaded_error")))
	assert.True(t, isRetriable(errors.New("connection reset by peer")))
}
