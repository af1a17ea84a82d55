package types

import "time"

type EventType string

// Session events, emitted on the spec's live stream in the order the
// session observes them.
const (
	EventChunkStart       EventType = "chunk_start"
	EventToolCall         EventType = "tool_call"
	EventChunkComplete    EventType = "chunk_complete"
	EventReviewStart      EventType = "review_start"
	EventReviewComplete   EventType = "review_complete"
	EventError            EventType = "error"
	EventGitCommit        EventType = "git_commit"
	EventGitCommitSkipped EventType = "git_commit_skipped"
	EventGitPushFailed    EventType = "git_push_failed"
	EventWorktreeCreated  EventType = "worktree_created"
	EventWorktreeReused   EventType = "worktree_reused"
	EventWorktreeDisabled EventType = "worktree_disabled"
	EventFixChunkCreated  EventType = "fix_chunk_created"
	EventStopped          EventType = "stopped"
	EventAllComplete      EventType = "all_complete"
)

// Worker pool and queue events, published to the workers topic.
const (
	EventWorkerStarted        EventType = "worker_started"
	EventWorkerProgress       EventType = "worker_progress"
	EventWorkerChunkStart     EventType = "worker_chunk_start"
	EventWorkerChunkComplete  EventType = "worker_chunk_complete"
	EventWorkerReviewStart    EventType = "worker_review_start"
	EventWorkerReviewComplete EventType = "worker_review_complete"
	EventWorkerPaused         EventType = "worker_paused"
	EventWorkerResumed        EventType = "worker_resumed"
	EventWorkerCompleted      EventType = "worker_completed"
	EventWorkerFailed         EventType = "worker_failed"
	EventWorkerStopped        EventType = "worker_stopped"
	EventQueueUpdated         EventType = "queue_updated"
)

// Event is the wire shape for both session streams and the workers
// topic. Store writes for a chunk are always durable before the
// corresponding event is emitted.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SpecID    string    `json:"spec_id,omitempty"`
	ChunkID   string    `json:"chunk_id,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`

	Message      string          `json:"message,omitempty"`
	ToolCall     *ChunkToolCall  `json:"tool_call,omitempty"`
	ReviewStatus ReviewStatus    `json:"review_status,omitempty"`
	FixChunkID   string          `json:"fix_chunk_id,omitempty"`
	CommitHash   string          `json:"commit_hash,omitempty"`
	FilesChanged int             `json:"files_changed,omitempty"`
	WorktreePath string          `json:"worktree_path,omitempty"`
	PRURL        string          `json:"pr_url,omitempty"`
	PRNumber     int             `json:"pr_number,omitempty"`
	Passed       int             `json:"passed,omitempty"`
	Failed       int             `json:"failed,omitempty"`
	Fixes        int             `json:"fixes,omitempty"`
	Progress     *WorkerProgress `json:"progress,omitempty"`
	Queue        []*QueueItem    `json:"queue,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType) Event {
	return Event{Type: t, Timestamp: time.Now()}
}

// WorkersSnapshot is sent as the first frame on the workers SSE stream.
type WorkersSnapshot struct {
	Workers []*Worker    `json:"workers"`
	Queue   []*QueueItem `json:"queue"`
}
