package graph

import (
	"container/heap"

	"github.com/aretw0/orchestra/pkg/domain"
)

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// orderIndices is Kahn's algorithm with a min-heap ready queue.
// Indices follow ascending node ID, so the heap yields the lowest ID first.
func (c *Compiled) orderIndices() []int {
	indeg := make([]int, len(c.indeg))
	copy(indeg, c.indeg)

	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		u := heap.Pop(ready).(int)
		out = append(out, u)
		for _, v := range c.outgoing[u] {
			indeg[v]--
			if indeg[v] == 0 {
				heap.Push(ready, v)
			}
		}
	}
	return out
}

// Order returns the deterministic topological order.
func (c *Compiled) Order() []domain.NodeID {
	idx := c.orderIndices()
	out := make([]domain.NodeID, len(idx))
	for i, u := range idx {
		out[i] = c.ids[u]
	}
	return out
}

// Levels groups nodes by topological depth. Nodes in the same level have no
// data dependency on each other and may be dispatched in parallel.
func (c *Compiled) Levels() [][]domain.NodeID {
	maxDepth := 0
	for _, d := range c.depth {
		if d > maxDepth {
			maxDepth = d
		}
	}
	levels := make([][]domain.NodeID, maxDepth+1)
	for i, d := range c.depth {
		levels[d] = append(levels[d], c.ids[i])
	}
	return levels
}

func (c *Compiled) computeDepth() []int {
	depth := make([]int, len(c.ids))
	for _, u := range c.orderIndices() {
		for _, p := range c.incoming[u] {
			if depth[p]+1 > depth[u] {
				depth[u] = depth[p] + 1
			}
		}
	}
	return depth
}

// findCycle runs a depth-first search over ascending indices and returns one
// stable cycle witness (first node repeated at the end), or nil.
func (c *Compiled) findCycle() []domain.NodeID {
	const (
		white = iota
		gray
		black
	)

	color := make([]int, len(c.ids))
	parent := make([]int, len(c.ids))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range c.outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// back edge u -> v closes v ... u -> v
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range c.ids {
		if color[i] == white && dfs(i) {
			break
		}
	}
	if cycle == nil {
		return nil
	}

	out := make([]domain.NodeID, len(cycle))
	for i := range cycle {
		out[i] = c.ids[cycle[len(cycle)-1-i]]
	}
	return out
}
