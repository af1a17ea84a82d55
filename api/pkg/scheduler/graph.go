package scheduler

import (
	"sort"

	"github.com/specwright/specwright/api/pkg/types"
)

// Layers arranges chunks by longest path from a root: a node's layer is
// one more than the maximum layer of its dependencies, roots at layer
// zero. Within a layer, chunks come back in chunk order ascending.
func Layers(chunks []*types.Chunk) [][]*types.Chunk {
	byID := make(map[string]*types.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	depth := make(map[string]int, len(chunks))
	var depthOf func(id string) int
	depthOf = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		// mark before recursing so a malformed cycle terminates
		depth[id] = 0
		chunk, ok := byID[id]
		if !ok {
			return 0
		}
		max := -1
		for _, dep := range chunk.Dependencies {
			if d := depthOf(dep); d > max {
				max = d
			}
		}
		depth[id] = max + 1
		return max + 1
	}

	maxDepth := 0
	for _, c := range chunks {
		if d := depthOf(c.ID); d > maxDepth {
			maxDepth = d
		}
	}

	layers := make([][]*types.Chunk, maxDepth+1)
	for _, c := range chunks {
		d := depth[c.ID]
		layers[d] = append(layers[d], c)
	}
	for _, layer := range layers {
		sort.SliceStable(layer, func(i, j int) bool {
			return layer[i].Order < layer[j].Order
		})
	}
	if len(chunks) == 0 {
		return nil
	}
	return layers
}

// CriticalPath returns the ids of the longest dependency chain, from
// root to leaf, tie-broken by chunk order. Purely informational.
func CriticalPath(chunks []*types.Chunk) []string {
	byID := make(map[string]*types.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	type chain struct {
		length int
		path   []string
	}
	memo := make(map[string]chain, len(chunks))

	var longestTo func(id string) chain
	longestTo = func(id string) chain {
		if c, ok := memo[id]; ok {
			return c
		}
		memo[id] = chain{} // cycle guard
		chunk, ok := byID[id]
		if !ok {
			return chain{}
		}

		best := chain{length: 1, path: []string{id}}
		deps := append([]string(nil), chunk.Dependencies...)
		sort.SliceStable(deps, func(i, j int) bool {
			a, b := byID[deps[i]], byID[deps[j]]
			if a == nil || b == nil {
				return deps[i] < deps[j]
			}
			return a.Order < b.Order
		})
		for _, dep := range deps {
			sub := longestTo(dep)
			if sub.length+1 > best.length {
				best = chain{
					length: sub.length + 1,
					path:   append(append([]string(nil), sub.path...), id),
				}
			}
		}
		memo[id] = best
		return best
	}

	ordered := append([]*types.Chunk(nil), chunks...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Order < ordered[j].Order
	})

	best := chain{}
	for _, c := range ordered {
		if got := longestTo(c.ID); got.length > best.length {
			best = got
		}
	}
	return best.path
}
