package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
)

// OpencodeExecutor drives a local opencode server. Any number of
// executions run in parallel, each bound to a working directory.
type OpencodeExecutor struct {
	baseURL string
	model   string
	client  *retryablehttp.Client
	// streaming must not be retried mid-flight
	streamClient *http.Client
}

func NewOpencodeExecutor(baseURL, model string) *OpencodeExecutor {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil
	return &OpencodeExecutor{
		baseURL:      strings.TrimRight(baseURL, "/"),
		model:        model,
		client:       client,
		streamClient: &http.Client{},
	}
}

func (e *OpencodeExecutor) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("executor returned status %d for %s", resp.StatusCode, path)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Health gates startup on the executor being reachable.
func (e *OpencodeExecutor) Health(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("executor is not reachable at %s: %w", e.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("executor health returned status %d", resp.StatusCode)
	}
	return nil
}

// Start creates a session for the chunk's working directory and sends
// the prompt. It does not block on execution.
func (e *OpencodeExecutor) Start(ctx context.Context, req StartRequest) (string, error) {
	var session struct {
		ID string `json:"id"`
	}
	err := e.postJSON(ctx, "/session", map[string]string{
		"directory": req.WorkDir,
	}, &session)
	if err != nil {
		return "", fmt.Errorf("failed to create executor session: %w", err)
	}

	model := req.Model
	if model == "" {
		model = e.model
	}
	prompt := fmt.Sprintf("%s\n\n%s", req.Title, req.Description)
	err = e.postJSON(ctx, "/session/"+session.ID+"/prompt", map[string]interface{}{
		"model": model,
		"parts": []map[string]string{
			{"type": "text", "text": prompt},
		},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to send prompt: %w", err)
	}

	log.Debug().
		Str("chunk_id", req.ChunkID).
		Str("session_id", session.ID).
		Str("work_dir", req.WorkDir).
		Msg("started executor session")

	return session.ID, nil
}

type executorEvent struct {
	Type       string `json:"type"`
	Properties struct {
		SessionID string          `json:"sessionID"`
		CallID    string          `json:"callID"`
		Tool      string          `json:"tool"`
		State     string          `json:"state"`
		Input     json.RawMessage `json:"input"`
		Output    json.RawMessage `json:"output"`
		Status    string          `json:"status"`
		Text      string          `json:"text"`
		Error     string          `json:"error"`
	} `json:"properties"`
}

// Await consumes the executor's SSE stream until the session completes,
// fails, or the timeout elapses. Tool updates are forwarded to
// onToolCall as they arrive.
func (e *OpencodeExecutor) Await(ctx context.Context, sessionID string, timeout time.Duration, onToolCall func(ToolCall)) (*ExecutionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := e.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open executor event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("executor event stream returned status %d", resp.StatusCode)
	}

	var output strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var event executorEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			log.Debug().Err(err).Msg("skipping malformed executor event")
			continue
		}
		if event.Properties.SessionID != sessionID {
			continue
		}

		switch event.Type {
		case "tool.update":
			if onToolCall != nil {
				onToolCall(ToolCall{
					CallID: event.Properties.CallID,
					Tool:   event.Properties.Tool,
					State:  ToolCallState(event.Properties.State),
					Input:  event.Properties.Input,
					Output: event.Properties.Output,
				})
			}
		case "text.chunk":
			output.WriteString(event.Properties.Text)
		case "session.complete":
			return &ExecutionResult{
				Status: ExecutionCompleted,
				Output: output.String(),
			}, nil
		case "error":
			return &ExecutionResult{
				Status: ExecutionFailed,
				Output: output.String(),
				Error:  event.Properties.Error,
			}, nil
		case "session.status":
			switch event.Properties.Status {
			case "cancelled", "aborted":
				return &ExecutionResult{
					Status: ExecutionCancelled,
					Output: output.String(),
				}, nil
			case "failed":
				return &ExecutionResult{
					Status: ExecutionFailed,
					Output: output.String(),
					Error:  event.Properties.Error,
				}, nil
			}
		}
	}

	if ctx.Err() == context.DeadlineExceeded {
		return &ExecutionResult{
			Status: ExecutionTimeout,
			Output: output.String(),
			Error:  fmt.Sprintf("execution exceeded %s", timeout),
		}, nil
	}
	if ctx.Err() == context.Canceled {
		return &ExecutionResult{
			Status: ExecutionCancelled,
			Output: output.String(),
		}, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("executor event stream failed: %w", err)
	}
	return nil, fmt.Errorf("executor event stream closed before session %s completed", sessionID)
}

func (e *OpencodeExecutor) Abort(ctx context.Context, sessionID string) error {
	return e.postJSON(ctx, "/session/"+sessionID+"/abort", map[string]string{}, nil)
}
