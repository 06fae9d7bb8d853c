package taskgraph

import (
	"fmt"
	"sync"

	"github.com/capsulecraft/orchestrator/pkg/corekit"
)

// node wraps a Task with its derived reverse-adjacency (dependents).
type node struct {
	task       *Task
	dependents []string
}

// Graph is a directed acyclic graph of Tasks for one request, the same
// shape as the teacher's WorkflowDAG generalized from opaque node IDs to
// full Task values.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*node
}

func New() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// AddTask inserts or replaces a task and rebuilds dependent edges.
func (g *Graph) AddTask(t *Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.nodes[t.ID]; ok {
		existing.task = t
	} else {
		g.nodes[t.ID] = &node{task: t}
	}
	g.rebuildDependentsLocked()
}

func (g *Graph) rebuildDependentsLocked() {
	for _, n := range g.nodes {
		n.dependents = nil
	}
	for id, n := range g.nodes {
		for _, dep := range n.task.Dependencies {
			if depNode, ok := g.nodes[dep]; ok {
				depNode.dependents = append(depNode.dependents, id)
			}
		}
	}
}

// Validate checks that every dependency reference exists and that the
// graph contains no cycle.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for id, n := range g.nodes {
		for _, dep := range n.task.Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				return fmt.Errorf("%w: task %s depends on unknown task %s", corekit.ErrDecomposition, id, dep)
			}
		}
	}

	visited := make(map[string]bool)
	inStack := make(map[string]bool)
	for id := range g.nodes {
		if !visited[id] {
			if g.hasCycle(id, visited, inStack) {
				return corekit.ErrCyclicGraph
			}
		}
	}
	return nil
}

func (g *Graph) hasCycle(id string, visited, inStack map[string]bool) bool {
	visited[id] = true
	inStack[id] = true
	for _, dep := range g.nodes[id].dependents {
		if !visited[dep] {
			if g.hasCycle(dep, visited, inStack) {
				return true
			}
		} else if inStack[dep] {
			return true
		}
	}
	inStack[id] = false
	return false
}

// Task returns the task with the given id, or nil.
func (g *Graph) Task(id string) *Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.nodes[id]; ok {
		return n.task
	}
	return nil
}

// Tasks returns every task in the graph, order unspecified.
func (g *Graph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Task, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n.task)
	}
	return out
}

func (g *Graph) allDepsTerminal(id string) bool {
	for _, dep := range g.nodes[id].task.Dependencies {
		status := g.nodes[dep].task.Status
		if status != StatusCompleted && status != StatusSkipped {
			return false
		}
	}
	return true
}

// ReadyTasks returns ids of pending tasks whose dependencies have all
// completed (or been skipped).
func (g *Graph) ReadyTasks() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ready []string
	for id, n := range g.nodes {
		if n.task.Status == StatusPending && g.allDepsTerminal(id) {
			ready = append(ready, id)
		}
	}
	return ready
}

// MarkStatus transitions a task's status. Marking a task Failed propagates
// Skipped to every downstream dependent, the same cascading-skip behavior
// as the teacher's markDependentsSkipped.
func (g *Graph) MarkStatus(id string, status TaskStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	n.task.Status = status
	if status == StatusFailed {
		g.skipDependents(id)
	}
}

func (g *Graph) skipDependents(id string) {
	for _, dep := range g.nodes[id].dependents {
		depNode := g.nodes[dep]
		if depNode != nil && depNode.task.Status == StatusPending {
			depNode.task.Status = StatusSkipped
			g.skipDependents(dep)
		}
	}
}

// IsComplete reports whether every task has reached a terminal status.
func (g *Graph) IsComplete() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, n := range g.nodes {
		switch n.task.Status {
		case StatusPending, StatusRunning, StatusReady:
			return false
		}
	}
	return true
}

// TopologicalOrder returns task ids via Kahn's algorithm.
func (g *Graph) TopologicalOrder() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		inDegree[id] = len(n.task.Dependencies)
	}

	var queue []string
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	var result []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)
		for _, dep := range g.nodes[current].dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	return result
}

// ExecutionLevels groups task ids by the maximum parallelism available:
// all tasks in a level have every dependency satisfied by an earlier
// level, so the scheduler can dispatch an entire level concurrently.
func (g *Graph) ExecutionLevels() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var levels [][]string
	processed := make(map[string]bool)

	for {
		var level []string
		for id, n := range g.nodes {
			if processed[id] {
				continue
			}
			ready := true
			for _, dep := range n.task.Dependencies {
				if !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			break
		}
		for _, id := range level {
			processed[id] = true
		}
		levels = append(levels, level)
	}
	return levels
}

func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
