package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// CLIReviewer invokes the reviewer agent as a subprocess that streams
// JSON events (system/init, assistant, user, result) on stdout. The
// review timeout is independent of the execute timeout.
type CLIReviewer struct {
	command string
	timeout time.Duration
	retry   RetryOptions
}

func NewCLIReviewer(command string, timeout time.Duration, retry RetryOptions) *CLIReviewer {
	return &CLIReviewer{
		command: command,
		timeout: timeout,
		retry:   retry,
	}
}

type reviewerStreamEvent struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype,omitempty"`
	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMs   int64   `json:"duration_ms,omitempty"`
}

// Review runs one reviewer invocation, retrying only on rate limits.
func (r *CLIReviewer) Review(ctx context.Context, req ReviewRequest) (*ReviewResult, error) {
	var result *ReviewResult
	err := RetryWithBackoff(ctx, func() error {
		var runErr error
		result, runErr = r.runOnce(ctx, req)
		return runErr
	}, r.retry)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *CLIReviewer) runOnce(ctx context.Context, req ReviewRequest) (*ReviewResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, r.command,
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	)
	cmd.Dir = req.WorkDir
	cmd.Stdin = strings.NewReader(req.Prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start reviewer: %w", err)
	}

	var final *reviewerStreamEvent
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event reviewerStreamEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			log.Debug().Str("line", line).Msg("skipping non-JSON reviewer output")
			continue
		}
		if event.Type == "result" {
			final = &event
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, newReviewError(ErrKindTimeout,
			fmt.Errorf("review timed out after %s", r.timeout))
	}
	if waitErr != nil {
		combined := stderr.String()
		if DetectRateLimit(combined) {
			return nil, newReviewError(ErrKindRateLimit,
				fmt.Errorf("reviewer rate limited: %s", strings.TrimSpace(combined)))
		}
		return nil, newReviewError(ErrKindUnknown,
			fmt.Errorf("reviewer exited: %w: %s", waitErr, strings.TrimSpace(combined)))
	}
	if final == nil {
		return nil, newReviewError(ErrKindParseError,
			fmt.Errorf("reviewer produced no result event"))
	}
	if final.IsError {
		if DetectRateLimit(final.Result) {
			return nil, newReviewError(ErrKindRateLimit,
				fmt.Errorf("reviewer rate limited: %s", final.Result))
		}
		return nil, newReviewError(ErrKindUnknown,
			fmt.Errorf("reviewer error: %s", final.Result))
	}

	durationMs := final.DurationMs
	if durationMs == 0 {
		durationMs = time.Since(start).Milliseconds()
	}
	return &ReviewResult{
		Success:    true,
		Output:     final.Result,
		CostUSD:    final.TotalCostUSD,
		DurationMs: durationMs,
	}, nil
}
