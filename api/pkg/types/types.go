package types

import (
	"time"

	"gorm.io/datatypes"
)

// Project is the root of ownership. Deleting a project cascades to all
// of its specs, chunks, workers and queue entries.
type Project struct {
	ID          string         `json:"id" gorm:"primaryKey"`
	Name        string         `json:"name"`
	Directory   string         `json:"directory"` // local path, must exist
	Description string         `json:"description,omitempty" gorm:"type:text"`
	Config      datatypes.JSONType[ProjectConfig] `json:"config"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ProjectConfig carries per-project overrides for agent invocation.
type ProjectConfig struct {
	ExecutorModel       string `json:"executor_model,omitempty"`
	ChunkTimeoutSeconds int    `json:"chunk_timeout_seconds,omitempty"`
}

type SpecStatus string

const (
	SpecStatusDraft     SpecStatus = "draft"
	SpecStatusReady     SpecStatus = "ready"
	SpecStatusRunning   SpecStatus = "running"
	SpecStatusReview    SpecStatus = "review"
	SpecStatusCompleted SpecStatus = "completed"
	SpecStatusMerged    SpecStatus = "merged"
)

func (s SpecStatus) String() string {
	return string(s)
}

// Spec is a natural-language feature description with an ordered set of
// chunks. Exactly one run-all session may be active per spec.
type Spec struct {
	ID                   string     `json:"id" gorm:"primaryKey"`
	ProjectID            string     `json:"project_id" gorm:"index"`
	Title                string     `json:"title"`
	Content              string     `json:"content" gorm:"type:text"`
	Version              int        `json:"version"`
	Status               SpecStatus `json:"status" gorm:"index"`
	BranchName           string     `json:"branch_name,omitempty"`
	OriginalBranch       string     `json:"original_branch,omitempty"`
	PRNumber             int        `json:"pr_number,omitempty"`
	PRURL                string     `json:"pr_url,omitempty"`
	PRMerged             bool       `json:"pr_merged"`
	WorktreePath         string     `json:"worktree_path,omitempty"`
	WorktreeCreatedAt    *time.Time `json:"worktree_created_at,omitempty"`
	WorktreeLastActivity *time.Time `json:"worktree_last_activity,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

type ChunkStatus string

const (
	ChunkStatusPending   ChunkStatus = "pending"
	ChunkStatusRunning   ChunkStatus = "running"
	ChunkStatusCompleted ChunkStatus = "completed"
	ChunkStatusFailed    ChunkStatus = "failed"
	ChunkStatusCancelled ChunkStatus = "cancelled"
)

type ReviewStatus string

const (
	ReviewStatusPass     ReviewStatus = "pass"
	ReviewStatusNeedsFix ReviewStatus = "needs_fix"
	ReviewStatusFail     ReviewStatus = "fail"
)

// Chunk is a unit of work assigned to the executor agent. Dependencies
// reference chunks in the same spec and are always acyclic; Order is a
// user-visible tie-break, never a scheduling constraint.
type Chunk struct {
	ID             string                      `json:"id" gorm:"primaryKey"`
	SpecID         string                      `json:"spec_id" gorm:"index"`
	Title          string                      `json:"title"`
	Description    string                      `json:"description" gorm:"type:text"`
	Order          int                         `json:"order" gorm:"column:chunk_order"`
	ParentChunkID  string                      `json:"parent_chunk_id,omitempty" gorm:"index"`
	Status         ChunkStatus                 `json:"status" gorm:"index"`
	Dependencies   datatypes.JSONSlice[string] `json:"dependencies"`
	Output         string                      `json:"output,omitempty" gorm:"type:text"`
	OutputSummary  string                      `json:"output_summary,omitempty" gorm:"type:text"`
	Error          string                      `json:"error,omitempty" gorm:"type:text"`
	ReviewStatus   ReviewStatus                `json:"review_status,omitempty"`
	ReviewFeedback string                      `json:"review_feedback,omitempty" gorm:"type:text"`
	CommitHash     string                      `json:"commit_hash,omitempty"`
	StartedAt      *time.Time                  `json:"started_at,omitempty"`
	CompletedAt    *time.Time                  `json:"completed_at,omitempty"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}

// IsFixChunk reports whether the chunk was spawned from a needs_fix
// review verdict: a fix chunk's sole dependency is its parent.
func (c *Chunk) IsFixChunk() bool {
	return c.ParentChunkID != ""
}

type ToolCallStatus string

const (
	ToolCallStatusRunning   ToolCallStatus = "running"
	ToolCallStatusCompleted ToolCallStatus = "completed"
	ToolCallStatusError     ToolCallStatus = "error"
)

// ChunkToolCall records one executor tool invocation, correlated to the
// executor's call id. Append-only per execution; duplicate call ids
// update in place.
type ChunkToolCall struct {
	ID          string         `json:"id" gorm:"primaryKey"`
	ChunkID     string         `json:"chunk_id" gorm:"index"`
	CallID      string         `json:"call_id" gorm:"index"`
	Tool        string         `json:"tool"`
	Input       datatypes.JSON `json:"input,omitempty"`
	Output      datatypes.JSON `json:"output,omitempty"`
	Status      ToolCallStatus `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

type WorkerStatus string

const (
	WorkerStatusIdle      WorkerStatus = "idle"
	WorkerStatusRunning   WorkerStatus = "running"
	WorkerStatusPaused    WorkerStatus = "paused"
	WorkerStatusCompleted WorkerStatus = "completed"
	WorkerStatusFailed    WorkerStatus = "failed"
)

// IsActive reports whether the worker occupies a pool slot.
func (s WorkerStatus) IsActive() bool {
	return s == WorkerStatusIdle || s == WorkerStatusRunning || s == WorkerStatusPaused
}

type WorkerStep string

const (
	WorkerStepExecuting WorkerStep = "executing"
	WorkerStepReviewing WorkerStep = "reviewing"
)

// WorkerProgress is updated at chunk boundaries while a worker drives a
// headless run-all session.
type WorkerProgress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
}

// Worker is a background slot running one spec headlessly.
type Worker struct {
	ID             string                             `json:"id" gorm:"primaryKey"`
	SpecID         string                             `json:"spec_id" gorm:"index"`
	ProjectID      string                             `json:"project_id" gorm:"index"`
	Status         WorkerStatus                       `json:"status" gorm:"index"`
	CurrentChunkID string                             `json:"current_chunk_id,omitempty"`
	CurrentStep    WorkerStep                         `json:"current_step,omitempty"`
	Progress       datatypes.JSONType[WorkerProgress] `json:"progress"`
	Error          string                             `json:"error,omitempty" gorm:"type:text"`
	StartedAt      *time.Time                         `json:"started_at,omitempty"`
	CompletedAt    *time.Time                         `json:"completed_at,omitempty"`
	CreatedAt      time.Time                          `json:"created_at"`
	UpdatedAt      time.Time                          `json:"updated_at"`
}

// QueueItem is a spec waiting for a free worker slot. The queue drains
// in (priority DESC, added_at ASC) order.
type QueueItem struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	SpecID    string    `json:"spec_id" gorm:"index"`
	ProjectID string    `json:"project_id" gorm:"index"`
	Priority  int       `json:"priority"`
	AddedAt   time.Time `json:"added_at"`
}

// WizardState persists the spec-studio wizard's in-progress state. The
// wizard itself is an external collaborator; the core only stores its
// payload.
type WizardState struct {
	SpecID    string         `json:"spec_id" gorm:"primaryKey"`
	State     datatypes.JSON `json:"state"`
	UpdatedAt time.Time      `json:"updated_at"`
}
