// Package llm provides the language-model boundary used for classification,
// rule extraction and fix-context prompts.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// ErrPermanent marks provider failures that retrying cannot fix (bad request,
// auth, malformed prompt). Callers dead-letter instead of backing off.
var ErrPermanent = errors.New("permanent llm error")

// Client is a text-completion provider.
type Client interface {
	// Complete sends a single-turn prompt and returns the response text.
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// CompleteJSON runs the prompt and unmarshals the response into out. Models
// often wrap JSON in prose or code fences, so the first balanced JSON object
// in the response is used.
func CompleteJSON(ctx context.Context, c Client, prompt string, maxTokens int, out any) error {
	text, err := c.Complete(ctx, prompt, maxTokens)
	if err != nil {
		return err
	}
	raw, err := ExtractJSON(text)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: unmarshal response: %v", ErrPermanent, err)
	}
	return nil
}

// ExtractJSON returns the first balanced top-level JSON object in text.
func ExtractJSON(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object in response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unterminated JSON object in response")
}
