package fix

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/Raptors65/darwin/internal/llm"
)

const maxPromptSize = 256 * 1024

// Request is what the coding agent receives for one run.
type Request struct {
	TaskID    string `json:"task_id"`
	Repo      string `json:"repo"`
	Product   string `json:"product"`
	Category  string `json:"category"`
	Title     string `json:"title"`
	Branch    string `json:"branch,omitempty"` // existing PR branch on feedback runs
	Iteration int    `json:"iteration"`
	Prompt    string `json:"prompt"`
}

// Result is what the agent reports back after a run.
type Result struct {
	Branch       string   `json:"branch"`
	PRURL        string   `json:"pr_url"`
	PRTitle      string   `json:"pr_title,omitempty"`
	FilesChanged []string `json:"files_changed,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// Agent executes one coding run: clone, edit, commit, open or update a PR.
// The sandboxing and tool use are the agent's business; the pipeline only
// hands in context and records the outcome.
type Agent interface {
	Run(ctx context.Context, req *Request) (*Result, error)
}

// CLIAgent shells out to an external agent wrapper. The request is written
// to stdin as JSON; the wrapper prints a Result JSON object on stdout.
type CLIAgent struct {
	command string
	timeout time.Duration
}

// NewCLIAgent wraps the given shell command with a per-run timeout.
func NewCLIAgent(command string, timeout time.Duration) (*CLIAgent, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("agent command is required")
	}
	return &CLIAgent{command: command, timeout: timeout}, nil
}

var _ Agent = (*CLIAgent)(nil)

func (a *CLIAgent) Run(ctx context.Context, req *Request) (*Result, error) {
	if len(req.Prompt) > maxPromptSize {
		return nil, fmt.Errorf("prompt exceeds maximum size of %d bytes", maxPromptSize)
	}
	req.Prompt = sanitizePrompt(req.Prompt)

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode agent request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", a.command) // #nosec G204 -- command comes from operator config
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(), "DARWIN_TASK_ID="+req.TaskID)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Info().Str("task", req.TaskID).Str("repo", req.Repo).
		Int("iteration", req.Iteration).Msg("Invoking coding agent")

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("agent timed out after %s", a.timeout)
		}
		return nil, fmt.Errorf("agent failed: %w (stderr: %s)", err, tail(stderr.String(), 500))
	}

	// The wrapper may print progress before the final JSON object.
	raw, err := llm.ExtractJSON(stdout.String())
	if err != nil {
		return nil, fmt.Errorf("agent produced no result object: %w", err)
	}
	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("decode agent result: %w", err)
	}
	if result.PRURL == "" {
		return nil, fmt.Errorf("agent finished without a pull request: %s", tail(result.Message, 200))
	}
	return &result, nil
}

// sanitizePrompt removes null bytes and control characters, keeping the
// whitespace that is meaningful in prompts.
func sanitizePrompt(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 32 || r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		return -1
	}, s)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}
