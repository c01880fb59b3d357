package fix

import (
	"fmt"
	"strings"

	"github.com/Raptors65/darwin/internal/forge"
	"github.com/Raptors65/darwin/pkg/models"
)

const fixPrompt = `You are a skilled software engineer fixing a bug or implementing a feature.

## Task Information
- **Category**: %s
- **Title**: %s
- **Summary**: %s
- **Suggested Action**: %s

## Coding Style Rules for %s
These rules were learned from past code reviews. Follow them when making changes:

%s

## Similar Past Fixes (Learn from these!)
%s

## Instructions

1. **Follow Style Rules**: Review the coding style rules above and apply them to your changes.
2. **Review Past Fixes**: Look at similar fixes for patterns and guidance.
3. **Explore**: Understand the codebase structure and find the relevant files.
4. **Analyze**: Read the relevant files to understand the current implementation.
5. **Plan**: Think about the minimal changes needed, following style rules and patterns.
6. **Fix**: Make the necessary code changes. Keep changes focused and minimal.
7. **Verify**: Review your changes to ensure they address the issue and follow the rules.

## Guidelines

- Make minimal, targeted changes
- Follow the existing code style and conventions
- Follow the style rules listed above - they come from real code reviews!
- Add comments if the fix is non-obvious
- If you're unsure about something, err on the side of making a smaller change
- If similar fixes exist, consider following the same patterns

Begin by exploring the codebase to find the relevant code for this issue.`

const feedbackPrompt = `You are a skilled software engineer addressing code review feedback on a pull request.

## Original Task Information
- **Category**: %s
- **Title**: %s
- **Summary**: %s

## Review Feedback to Address

A human reviewer has requested changes to your pull request. Here is their feedback:

### Review Comments
%s

### Inline Code Comments
%s

## Instructions

1. **Read the feedback carefully**: Understand what the reviewer is asking for.
2. **Locate the relevant code**: Find the files mentioned in the feedback.
3. **Make the requested changes**: Address each piece of feedback.
4. **Be thorough**: Make sure you address ALL comments, not just some of them.

## Guidelines

- Address ALL feedback from the reviewer
- Keep changes focused on what was requested
- Follow the existing code style and conventions
- If a comment is unclear, make your best effort to address it

Begin by reading the files mentioned in the review comments.`

func buildFixPrompt(task *models.Task, styleRules, similarFixes string) string {
	return fmt.Sprintf(fixPrompt,
		task.Category, task.Title, task.Summary, task.SuggestedAction,
		task.Product, styleRules, similarFixes)
}

func buildFeedbackPrompt(task *models.Task, reviews []forge.Review, comments []forge.ReviewComment) string {
	reviewText, inlineText := formatReviewFeedback(reviews, comments)
	return fmt.Sprintf(feedbackPrompt, task.Category, task.Title, task.Summary, reviewText, inlineText)
}

// formatReviewFeedback renders review-level and inline comments with their
// file and line context.
func formatReviewFeedback(reviews []forge.Review, comments []forge.ReviewComment) (string, string) {
	var reviewParts []string
	for _, r := range reviews {
		if r.Body == "" {
			continue
		}
		user := r.User
		if user == "" {
			user = "Reviewer"
		}
		state := r.State
		if state == "" {
			state = "COMMENTED"
		}
		reviewParts = append(reviewParts, fmt.Sprintf("**%s** (%s):\n%s", user, state, r.Body))
	}
	reviewText := "No review-level comments."
	if len(reviewParts) > 0 {
		reviewText = strings.Join(reviewParts, "\n\n")
	}

	var inlineParts []string
	for _, c := range comments {
		user := c.User
		if user == "" {
			user = "Reviewer"
		}
		if c.Line > 0 {
			inlineParts = append(inlineParts, fmt.Sprintf("**%s:%d** (%s):\n%s", c.Path, c.Line, user, c.Body))
		} else {
			inlineParts = append(inlineParts, fmt.Sprintf("**%s** (%s):\n%s", c.Path, user, c.Body))
		}
	}
	inlineText := "No inline code comments."
	if len(inlineParts) > 0 {
		inlineText = strings.Join(inlineParts, "\n\n")
	}

	return reviewText, inlineText
}
