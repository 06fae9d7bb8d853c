// Package taskgraph implements the Task Graph Builder (spec component C3):
// decomposing a request into a DAG of atomic tasks, with an LLM-first
// strategy that falls back to a deterministic rule-based decomposition
// when the LLM can't produce a schema-valid plan.
package taskgraph

import "time"

// TaskStatus is a task's position in its execution lifecycle.
type TaskStatus int

const (
	StatusPending TaskStatus = iota
	StatusReady
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusSkipped
)

func (s TaskStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// TaskKind categorizes what a task produces, driving tier routing and
// validation strategy downstream.
type TaskKind string

const (
	KindDesign       TaskKind = "design"
	KindCode         TaskKind = "code"
	KindTest         TaskKind = "test"
	KindDoc          TaskKind = "doc"
	KindConfig       TaskKind = "config"
	KindReview       TaskKind = "review"
	KindSandboxCheck TaskKind = "sandbox_check"
)

// Task is one atomic unit of work in a request's decomposition.
type Task struct {
	ID           string
	RequestID    string
	Kind         TaskKind
	Description  string
	Dependencies []string
	ComplexityHint string // "trivial"|"simple"|"medium"|"complex"|"very_complex", feeds the Tier Router
	TierOverride string   // explicit tier override from the plan, if any
	InputHash    string   // stable hash of (description, dependencies, kind) for dedup lookups
	Status       TaskStatus
	CreatedAt    time.Time
}
