package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/Raptors65/darwin/internal/config"
)

const (
	retryMaxAttempts = 4
	retryBaseDelay   = 500 * time.Millisecond
	retryMaxDelay    = 30 * time.Second
	requestTimeout   = 60 * time.Second
)

// AnthropicClient is the production Client backed by the Anthropic API, with
// client-side rate limiting and a circuit breaker in front of retries.
type AnthropicClient struct {
	client  anthropic.Client
	model   string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewAnthropicClient builds the client from config. The API key is required.
func NewAnthropicClient(cfg *config.Config) (*AnthropicClient, error) {
	if cfg.LLMAPIKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for the anthropic provider")
	}

	rps := cfg.LLMRPS
	if rps <= 0 {
		rps = 2
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "anthropic",
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})

	return &AnthropicClient{
		client:  anthropic.NewClient(option.WithAPIKey(cfg.LLMAPIKey)),
		model:   cfg.LLMModel,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		breaker: breaker,
	}, nil
}

// Complete sends a single-turn prompt, retrying transient failures with
// exponential backoff.
func (c *AnthropicClient) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	var lastErr error
	delay := retryBaseDelay

	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}

		text, err := c.breaker.Execute(func() (any, error) {
			return c.call(ctx, prompt, maxTokens)
		})
		if err == nil {
			if attempt > 0 {
				log.Debug().Int("attempt", attempt+1).Msg("LLM call succeeded after retry")
			}
			return text.(string), nil
		}

		lastErr = err
		if !isRetriable(err) {
			return "", fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("LLM call failed, retrying")
	}
	return "", fmt.Errorf("llm call failed after %d attempts: %w", retryMaxAttempts, lastErr)
}

func (c *AnthropicClient) call(ctx context.Context, prompt string, maxTokens int) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := c.client.Messages.New(attemptCtx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("empty response from model %s", c.model)
	}
	return sb.String(), nil
}

// isRetriable reports whether a provider error is worth another attempt.
// Overload, timeouts and 5xx responses are transient; auth and bad-request
// responses are not.
func isRetriable(err error) bool {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"401", "403", "invalid_request", "not_found_error"} {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	return true
}

// Compile-time check that AnthropicClient implements Client.
var _ Client = (*AnthropicClient)(nil)
