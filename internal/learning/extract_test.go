package learning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raptors65/darwin/pkg/models"
)

type cannedLLM struct {
	response string
	called   bool
}

func (c *cannedLLM) Complete(context.Context, string, int) (string, error) {
	c.called = true
	return c.response, nil
}

func TestExtractRules(t *testing.T) {
	stub := &cannedLLM{response: `{"rules": [
		{"content": "Use early returns instead of nested conditionals", "category": "style"},
		{"content": "Run prettier before committing", "category": "WORKFLOW"},
		{"content": "", "category": "style"},
		{"content": "Avoid global state", "category": "bogus"}
	]}`}

	rules, err := ExtractRules(context.Background(), stub, "please use early returns here and run prettier")
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, models.RuleStyle, rules[0].Category)
	assert.Equal(t, models.RuleWorkflow, rules[1].Category) // case-insensitive
	assert.Equal(t, models.RuleConvention, rules[2].Category)
}

func TestExtractRulesShortFeedback(t *testing.T) {
	stub := &cannedLLM{response: `{"rules": []}`}
	rules, err := ExtractRules(context.Background(), stub, "lgtm")
	require.NoError(t, err)
	assert.Nil(t, rules)
	assert.False(t, stub.called)
}

func TestExtractRulesUnparseable(t *testing.T) {
	stub := &cannedLLM{response: "sorry, I cannot help with that"}
	rules, err := ExtractRules(context.Background(), stub, "use dependency injection for the storage layer")
	require.NoError(t, err)
	assert.Empty(t, rules)
}
