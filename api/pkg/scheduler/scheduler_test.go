package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specwright/specwright/api/pkg/types"
)

func chunk(id string, order int, status types.ChunkStatus, deps ...string) *types.Chunk {
	return &types.Chunk{
		ID:           id,
		Order:        order,
		Status:       status,
		Dependencies: deps,
	}
}

func ids(chunks []*types.Chunk) []string {
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.ID)
	}
	return out
}

func TestReady_NoDependencies(t *testing.T) {
	chunks := []*types.Chunk{
		chunk("b", 1, types.ChunkStatusPending),
		chunk("a", 0, types.ChunkStatusPending),
	}
	ready := Ready(chunks, map[string]bool{}, map[string]bool{}, map[string]bool{})
	assert.Equal(t, []string{"a", "b"}, ids(ready))
}

func TestReady_Diamond(t *testing.T) {
	chunks := []*types.Chunk{
		chunk("a", 0, types.ChunkStatusPending),
		chunk("b", 1, types.ChunkStatusPending, "a"),
		chunk("c", 2, types.ChunkStatusPending, "a"),
		chunk("d", 3, types.ChunkStatusPending, "b", "c"),
	}

	completed := map[string]bool{}
	ready := Ready(chunks, completed, map[string]bool{}, map[string]bool{})
	assert.Equal(t, []string{"a"}, ids(ready))

	completed["a"] = true
	ready = Ready(chunks, completed, map[string]bool{}, map[string]bool{})
	assert.Equal(t, []string{"b", "c"}, ids(ready))

	completed["b"] = true
	ready = Ready(chunks, completed, map[string]bool{}, map[string]bool{})
	assert.Equal(t, []string{"c"}, ids(ready))

	completed["c"] = true
	ready = Ready(chunks, completed, map[string]bool{}, map[string]bool{})
	assert.Equal(t, []string{"d"}, ids(ready))
}

func TestReady_FailedDependencyBlocksDependents(t *testing.T) {
	chunks := []*types.Chunk{
		chunk("a", 0, types.ChunkStatusFailed),
		chunk("b", 1, types.ChunkStatusPending, "a"),
		chunk("c", 2, types.ChunkStatusPending),
	}
	failed := map[string]bool{"a": true}
	ready := Ready(chunks, map[string]bool{}, map[string]bool{}, failed)
	// b waits on a forever, c is independent
	assert.Equal(t, []string{"c"}, ids(ready))
}

func TestReady_ResumeSkipsCompleted(t *testing.T) {
	chunks := []*types.Chunk{
		chunk("a", 0, types.ChunkStatusCompleted),
		chunk("b", 1, types.ChunkStatusPending, "a"),
	}
	// a resumed run seeds completed from chunk status
	completed := map[string]bool{"a": true}
	ready := Ready(chunks, completed, map[string]bool{}, map[string]bool{})
	assert.Equal(t, []string{"b"}, ids(ready))
}

func TestReady_FailedAndCancelledAreRerunnable(t *testing.T) {
	chunks := []*types.Chunk{
		chunk("a", 0, types.ChunkStatusFailed),
		chunk("b", 1, types.ChunkStatusCancelled),
		chunk("c", 2, types.ChunkStatusRunning),
	}
	ready := Ready(chunks, map[string]bool{}, map[string]bool{}, map[string]bool{})
	assert.Equal(t, []string{"a", "b"}, ids(ready))
}

func TestValidateAcyclic_Valid(t *testing.T) {
	chunks := []*types.Chunk{
		chunk("a", 0, types.ChunkStatusPending),
		chunk("b", 1, types.ChunkStatusPending, "a"),
		chunk("c", 2, types.ChunkStatusPending, "a", "b"),
	}
	assert.NoError(t, ValidateAcyclic(chunks))
}

func TestValidateAcyclic_Cycle(t *testing.T) {
	chunks := []*types.Chunk{
		chunk("a", 0, types.ChunkStatusPending, "c"),
		chunk("b", 1, types.ChunkStatusPending, "a"),
		chunk("c", 2, types.ChunkStatusPending, "b"),
	}
	err := ValidateAcyclic(chunks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidateAcyclic_SelfCycle(t *testing.T) {
	chunks := []*types.Chunk{
		chunk("a", 0, types.ChunkStatusPending, "a"),
	}
	assert.Error(t, ValidateAcyclic(chunks))
}

func TestValidateAcyclic_UnknownDependency(t *testing.T) {
	chunks := []*types.Chunk{
		chunk("a", 0, types.ChunkStatusPending, "ghost"),
	}
	err := ValidateAcyclic(chunks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown")
}

func TestLayers(t *testing.T) {
	chunks := []*types.Chunk{
		chunk("a", 0, types.ChunkStatusPending),
		chunk("b", 1, types.ChunkStatusPending, "a"),
		chunk("c", 2, types.ChunkStatusPending, "a"),
		chunk("d", 3, types.ChunkStatusPending, "b", "c"),
	}
	layers := Layers(chunks)
	require.Len(t, layers, 3)
	assert.Equal(t, []string{"a"}, ids(layers[0]))
	assert.Equal(t, []string{"b", "c"}, ids(layers[1]))
	assert.Equal(t, []string{"d"}, ids(layers[2]))
}

func TestLayers_Empty(t *testing.T) {
	assert.Nil(t, Layers(nil))
}

func TestCriticalPath(t *testing.T) {
	chunks := []*types.Chunk{
		chunk("a", 0, types.ChunkStatusPending),
		chunk("b", 1, types.ChunkStatusPending, "a"),
		chunk("c", 2, types.ChunkStatusPending, "b"),
		chunk("d", 3, types.ChunkStatusPending, "a"),
	}
	assert.Equal(t, []string{"a", "b", "c"}, CriticalPath(chunks))
}

func TestCriticalPath_Empty(t *testing.T) {
	assert.Empty(t, CriticalPath(nil))
}
