// Package agent wraps the two black-box agents: the long-running
// executor (opencode protocol, local HTTP + SSE) and the short
// synchronous reviewer (CLI subprocess streaming JSON). The scheduler
// never sees their prompts or outputs except the structured review
// verdict.
package agent

import (
	"context"
	"encoding/json"
	"time"
)

type ToolCallState string

const (
	ToolCallStatePending   ToolCallState = "pending"
	ToolCallStateRunning   ToolCallState = "running"
	ToolCallStateCompleted ToolCallState = "completed"
	ToolCallStateError     ToolCallState = "error"
)

// ToolCall is one streamed executor tool invocation. Duplicate call ids
// update in place.
type ToolCall struct {
	CallID string          `json:"call_id"`
	Tool   string          `json:"tool"`
	State  ToolCallState   `json:"state"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimeout   ExecutionStatus = "timeout"
)

type ExecutionResult struct {
	Status ExecutionStatus `json:"status"`
	Output string          `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type StartRequest struct {
	ChunkID     string
	Title       string
	Description string
	WorkDir     string
	Model       string
}

// Executor models execution as start + await on a handle so the caller
// can interpose cancellation between them.
type Executor interface {
	Start(ctx context.Context, req StartRequest) (sessionID string, err error)
	Await(ctx context.Context, sessionID string, timeout time.Duration, onToolCall func(ToolCall)) (*ExecutionResult, error)
	Abort(ctx context.Context, sessionID string) error
	Health(ctx context.Context) error
}

type ReviewRequest struct {
	ChunkID string
	Prompt  string
	WorkDir string
}

type ReviewResult struct {
	Success    bool    `json:"success"`
	Output     string  `json:"output"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	DurationMs int64   `json:"duration_ms"`
}

type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (*ReviewResult, error)
}
