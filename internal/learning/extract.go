package learning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Raptors65/darwin/internal/llm"
	"github.com/Raptors65/darwin/pkg/models"
)

const (
	// feedbackMinLen skips feedback too short to generalize from.
	feedbackMinLen = 10

	// feedbackMaxLen truncates feedback before prompting.
	feedbackMaxLen = 2000

	extractMaxTokens = 1024
)

const extractPrompt = `You are analyzing code review feedback to extract generalizable coding rules.

Given this code review feedback:
"%s"

Extract actionable coding style rules that should be remembered for future fixes on this codebase.

Only extract rules that are:
1. **Generalizable** - Apply broadly, not just to this specific change
2. **Actionable** - Clear what the developer should do
3. **About code quality** - Style, conventions, patterns, or constraints

Categories:
- **style**: Code formatting, naming, structure preferences
- **convention**: Project-specific patterns or practices
- **workflow**: Process or tooling preferences
- **constraint**: Things to avoid or limitations

Return a JSON object with this structure:
{"rules": [{"content": "rule description", "category": "style|convention|workflow|constraint"}]}

If the feedback is too specific to extract generalizable rules, return: {"rules": []}

Examples of GOOD rules to extract:
- "Use early returns instead of nested conditionals"
- "Add JSDoc comments to exported functions"
- "Use async/await instead of .then() chains"
- "Keep functions under 50 lines"

Examples of feedback that should NOT become rules:
- "Fix the typo on line 42" (too specific)
- "This function should return null" (task-specific)

Return ONLY the JSON object, no additional text.`

// ExtractedRule is one rule recovered from review feedback.
type ExtractedRule struct {
	Content  string              `json:"content"`
	Category models.RuleCategory `json:"category"`
}

type extractResult struct {
	Rules []ExtractedRule `json:"rules"`
}

// ExtractRules asks the LLM to distill review feedback into reusable rules.
// Unusable feedback or an unparseable response yields an empty slice, not an
// error; rule extraction is best-effort.
func ExtractRules(ctx context.Context, client llm.Client, feedback string) ([]ExtractedRule, error) {
	feedback = strings.TrimSpace(feedback)
	if len(feedback) < feedbackMinLen {
		return nil, nil
	}
	if len(feedback) > feedbackMaxLen {
		feedback = feedback[:feedbackMaxLen]
	}

	var result extractResult
	prompt := fmt.Sprintf(extractPrompt, feedback)
	if err := llm.CompleteJSON(ctx, client, prompt, extractMaxTokens, &result); err != nil {
		if errors.Is(err, llm.ErrPermanent) {
			log.Warn().Err(err).Msg("Rule extraction response unparseable")
			return nil, nil
		}
		return nil, err
	}

	valid := make([]ExtractedRule, 0, len(result.Rules))
	for _, r := range result.Rules {
		r.Content = strings.TrimSpace(r.Content)
		if r.Content == "" {
			continue
		}
		r.Category = models.RuleCategory(strings.ToLower(strings.TrimSpace(string(r.Category))))
		if !r.Category.Valid() {
			r.Category = models.RuleConvention
		}
		valid = append(valid, r)
	}
	log.Info().Int("rules", len(valid)).Msg("Extracted rules from review feedback")
	return valid, nil
}
