package workflow

import (
	"fmt"
	"sort"
	"sync"
)

// DependencyGraph tracks unmet dependencies between todo items and yields
// execution order. All methods are safe for concurrent use.
type DependencyGraph struct {
	mu         sync.Mutex
	items      map[string]*TodoItem
	inDegree   map[string]int
	dependents map[string][]string
}

// NewDependencyGraph builds a graph from the list's items. The list must
// already have passed Validate; unknown edges are still rejected here so a
// graph can never be built from an inconsistent list.
func NewDependencyGraph(list *TodoList) (*DependencyGraph, error) {
	g := &DependencyGraph{
		items:      make(map[string]*TodoItem, len(list.Items)),
		inDegree:   make(map[string]int, len(list.Items)),
		dependents: make(map[string][]string),
	}
	for i := range list.Items {
		item := &list.Items[i]
		g.items[item.ID] = item
		g.inDegree[item.ID] = 0
	}
	for i := range list.Items {
		item := &list.Items[i]
		for _, dep := range item.Dependencies {
			if _, ok := g.items[dep]; !ok {
				return nil, fmt.Errorf("task %s depends on non-existent task %s", item.ID, dep)
			}
			g.inDegree[item.ID]++
			g.dependents[dep] = append(g.dependents[dep], item.ID)
		}
	}
	return g, nil
}

// TopologicalOrder returns all items in dependency order using Kahn's
// algorithm. Ready ties are broken by ascending priority, then id for
// determinism.
func (g *DependencyGraph) TopologicalOrder() ([]*TodoItem, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	degree := make(map[string]int, len(g.inDegree))
	for id, d := range g.inDegree {
		degree[id] = d
	}

	var ready []string
	for id, d := range degree {
		if d == 0 {
			ready = append(ready, id)
		}
	}

	var order []*TodoItem
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			a, b := g.items[ready[i]], g.items[ready[j]]
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			return a.ID < b.ID
		})
		id := ready[0]
		ready = ready[1:]
		order = append(order, g.items[id])
		for _, dep := range g.dependents[id] {
			degree[dep]--
			if degree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(g.items) {
		return nil, fmt.Errorf("circular dependency detected: %d tasks could not be ordered", len(g.items)-len(order))
	}
	return order, nil
}

// MarkCompleted removes a finished task and returns the ids of tasks whose
// last unmet dependency it was.
func (g *DependencyGraph) MarkCompleted(taskID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var newlyReady []string
	for _, dep := range g.dependents[taskID] {
		if _, ok := g.inDegree[dep]; !ok {
			continue
		}
		g.inDegree[dep]--
		if g.inDegree[dep] == 0 {
			newlyReady = append(newlyReady, dep)
		}
	}
	delete(g.inDegree, taskID)
	return newlyReady
}

// RemainingCount returns the number of tasks not yet completed.
func (g *DependencyGraph) RemainingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inDegree)
}
