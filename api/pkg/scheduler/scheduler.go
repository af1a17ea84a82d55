// Package scheduler computes readiness over a chunk dependency DAG. It
// never dispatches work itself; callers thread their own completed /
// running / failed sets through each tick so the package stays pure.
package scheduler

import (
	"fmt"
	"sort"

	"github.com/specwright/specwright/api/pkg/types"
)

// Ready returns the chunks eligible for dispatch, in chunk order
// ascending. A chunk is ready iff it is not already tracked in any of
// the caller's sets, its status permits (re-)execution, and every
// dependency is completed. Successful chunks are skipped so a resumed
// run only executes the remainder.
func Ready(chunks []*types.Chunk, completed, running, failed map[string]bool) []*types.Chunk {
	var ready []*types.Chunk
	for _, chunk := range chunks {
		if completed[chunk.ID] || running[chunk.ID] || failed[chunk.ID] {
			continue
		}

		switch chunk.Status {
		case types.ChunkStatusPending, types.ChunkStatusFailed, types.ChunkStatusCancelled:
		default:
			continue
		}

		depsMet := true
		for _, dep := range chunk.Dependencies {
			if !completed[dep] {
				depsMet = false
				break
			}
		}
		if depsMet {
			ready = append(ready, chunk)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Order < ready[j].Order
	})
	return ready
}

// ValidateAcyclic checks that the dependency relation over the given
// chunks contains no cycle and references no chunk outside the set.
func ValidateAcyclic(chunks []*types.Chunk) error {
	deps := make(map[string][]string, len(chunks))
	for _, chunk := range chunks {
		deps[chunk.ID] = chunk.Dependencies
	}

	for id, ds := range deps {
		for _, d := range ds {
			if _, ok := deps[d]; !ok {
				return fmt.Errorf("chunk %s depends on unknown chunk %s", id, d)
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(deps))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("dependency cycle involving chunk %s", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for id := range deps {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
