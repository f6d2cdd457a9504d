// SPDX-License-Identifier: Apache-2.0

// Package topo implements a stable topological sort: given a sequence of
// items and a dependency relation between them, it produces an ordering in
// which every item follows all of its prerequisites while disturbing the
// input order as little as possible.
package topo

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"
)

// CycleError is raised when the dependency graph contains a cycle. Nodes
// lists every item the sort could not emit, ordered by input position: the
// cycle's participants plus any item blocked behind them.
type CycleError[T comparable] struct {
	Nodes []T
}

func (e *CycleError[T]) Error() string {
	parts := make([]string, len(e.Nodes))
	for i, n := range e.Nodes {
		parts[i] = fmt.Sprintf("%v", n)
	}
	return fmt.Sprintf("dependency graph loop detected among %s", strings.Join(parts, ", "))
}

// DanglingDependencyError is raised when an item depends on something absent
// from the input sequence.
type DanglingDependencyError[T comparable] struct {
	Node T
}

func (e *DanglingDependencyError[T]) Error() string {
	return fmt.Sprintf("dependency graph references a non-existent node %v", e.Node)
}

// indexedItem pairs an item with its position in the original input, so the
// min-heap can always pop the lowest-index ready candidate.
type indexedItem[T any] struct {
	index int
	item  T
}

type itemHeap[T any] []indexedItem[T]

func (h itemHeap[T]) Len() int           { return len(h) }
func (h itemHeap[T]) Less(i, j int) bool { return h[i].index < h[j].index }
func (h itemHeap[T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap[T]) Push(x any)        { *h = append(*h, x.(indexedItem[T])) }
func (h *itemHeap[T]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Sort returns items ordered so that every item appears after all of its
// prerequisites, as reported by deps. Ties are broken by input order: among
// items that are simultaneously ready to emit, the one that appeared
// earliest in items is emitted first.
//
// deps may be called more than once for the same item (each time it is
// popped, and again when it is not yet ready); callers with an expensive
// lookup should have it consult a precomputed map.
func Sort[T comparable](items []T, deps func(T) []T) ([]T, error) {
	ordering := make(map[T]int, len(items))
	pq := &itemHeap[T]{}
	heap.Init(pq)
	for i, it := range items {
		ordering[it] = i
		heap.Push(pq, indexedItem[T]{index: i, item: it})
	}

	output := make(map[T]bool, len(items))
	result := make([]T, 0, len(items))
	blockedOn := map[T]map[T]bool{}

	seenSinceChange := 0
	for pq.Len() > 0 {
		if seenSinceChange == pq.Len() {
			return nil, cycleOrDangling(ordering, pq, blockedOn)
		}

		next := heap.Pop(pq).(indexedItem[T])
		n := next.item

		ready := true
		for _, d := range deps(n) {
			if !output[d] {
				ready = false
				break
			}
		}

		changed := false
		if ready {
			changed = true
			output[n] = true
			result = append(result, n)
			waiting := blockedOn[n]
			delete(blockedOn, n)
			waitingItems := make([]T, 0, len(waiting))
			for w := range waiting {
				waitingItems = append(waitingItems, w)
			}
			sort.Slice(waitingItems, func(i, j int) bool {
				return ordering[waitingItems[i]] < ordering[waitingItems[j]]
			})
			for _, w := range waitingItems {
				heap.Push(pq, indexedItem[T]{index: ordering[w], item: w})
			}
		} else {
			for _, d := range deps(n) {
				if output[d] {
					continue
				}
				if blockedOn[d] == nil {
					blockedOn[d] = map[T]bool{}
				}
				if !blockedOn[d][n] {
					blockedOn[d][n] = true
					changed = true
				}
			}
		}

		if changed {
			seenSinceChange = 0
		} else {
			seenSinceChange++
		}
	}

	if len(blockedOn) > 0 {
		return nil, cycleOrDangling(ordering, pq, blockedOn)
	}

	return result, nil
}

func cycleOrDangling[T comparable](ordering map[T]int, pq *itemHeap[T], blockedOn map[T]map[T]bool) error {
	for bad := range blockedOn {
		if _, ok := ordering[bad]; !ok {
			return &DanglingDependencyError[T]{Node: bad}
		}
	}

	unresolved := map[T]bool{}
	for _, it := range *pq {
		unresolved[it.item] = true
	}
	for blocker, waiters := range blockedOn {
		unresolved[blocker] = true
		for w := range waiters {
			unresolved[w] = true
		}
	}

	nodes := make([]T, 0, len(unresolved))
	for n := range unresolved {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return ordering[nodes[i]] < ordering[nodes[j]] })
	return &CycleError[T]{Nodes: nodes}
}
