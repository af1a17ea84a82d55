package store

import (
	"context"
	"errors"

	"github.com/specwright/specwright/api/pkg/types"
)

// ErrNotFound is returned for lookups of missing rows.
var ErrNotFound = errors.New("not found")

type ListSpecsQuery struct {
	ProjectID string
	Status    types.SpecStatus
}

type ListWorkersQuery struct {
	SpecID     string
	ActiveOnly bool
}

// Store is the single source of truth. All session state other than the
// abort flag is reconstructible from it. Writes are durable before any
// event referencing them is emitted.
type Store interface {
	// projects
	CreateProject(ctx context.Context, project *types.Project) (*types.Project, error)
	GetProject(ctx context.Context, id string) (*types.Project, error)
	ListProjects(ctx context.Context) ([]*types.Project, error)
	UpdateProject(ctx context.Context, project *types.Project) error
	// DeleteProject cascades to specs, chunks, tool calls, workers and
	// queue entries.
	DeleteProject(ctx context.Context, id string) error

	// specs
	CreateSpec(ctx context.Context, spec *types.Spec) (*types.Spec, error)
	GetSpec(ctx context.Context, id string) (*types.Spec, error)
	ListSpecs(ctx context.Context, q *ListSpecsQuery) ([]*types.Spec, error)
	UpdateSpec(ctx context.Context, spec *types.Spec) error
	DeleteSpec(ctx context.Context, id string) error
	// ListSpecsWithWorktrees returns specs that currently own a worktree.
	ListSpecsWithWorktrees(ctx context.Context) ([]*types.Spec, error)

	// chunks
	CreateChunk(ctx context.Context, chunk *types.Chunk) (*types.Chunk, error)
	GetChunk(ctx context.Context, id string) (*types.Chunk, error)
	// ChunksBySpec returns chunks in chunk_order ascending.
	ChunksBySpec(ctx context.Context, specID string) ([]*types.Chunk, error)
	UpdateChunk(ctx context.Context, chunk *types.Chunk) error
	DeleteChunk(ctx context.Context, id string) error
	// UpdateChunkDependencies rejects any assignment that closes a cycle.
	UpdateChunkDependencies(ctx context.Context, chunkID string, dependencies []string) error
	// ReorderChunks reassigns chunk_order to match ids; chunks not
	// listed retain their relative order after the listed ones.
	ReorderChunks(ctx context.Context, specID string, ids []string) error
	// InsertFixChunk allocates a chunk depending solely on its parent,
	// ordered just after it.
	InsertFixChunk(ctx context.Context, parentID, title, description string) (*types.Chunk, error)

	// tool calls
	UpsertToolCall(ctx context.Context, call *types.ChunkToolCall) (*types.ChunkToolCall, error)
	ListToolCalls(ctx context.Context, chunkID string) ([]*types.ChunkToolCall, error)

	// workers
	CreateWorker(ctx context.Context, worker *types.Worker) (*types.Worker, error)
	GetWorker(ctx context.Context, id string) (*types.Worker, error)
	ListWorkers(ctx context.Context, q *ListWorkersQuery) ([]*types.Worker, error)
	UpdateWorker(ctx context.Context, worker *types.Worker) error
	CountActiveWorkers(ctx context.Context) (int, error)
	// FailActiveWorkers marks workers left active by a previous process
	// as failed; used on startup reconstruction.
	FailActiveWorkers(ctx context.Context, reason string) (int, error)

	// queue
	AddQueueItem(ctx context.Context, item *types.QueueItem) (*types.QueueItem, error)
	ListQueue(ctx context.Context) ([]*types.QueueItem, error)
	RemoveQueueItem(ctx context.Context, id string) error
	RemoveQueueItemBySpec(ctx context.Context, specID string) error
	// ReorderQueue reassigns priority so the given order is preserved;
	// items not listed retain relative order after listed ones.
	ReorderQueue(ctx context.Context, ids []string) error

	// wizard state
	GetWizardState(ctx context.Context, specID string) (*types.WizardState, error)
	SetWizardState(ctx context.Context, state *types.WizardState) error
	DeleteWizardState(ctx context.Context, specID string) error
}
