package memory

import "context"

// TaskGraphTemplate is the shape of a past request's decomposition that
// MemoryStore hands back as a prior for a new, similar request.
type TaskGraphTemplate struct {
	RequestID string
	Summary   string
	TaskKinds []string
}

// Match is one search() hit: a past request's task graph template plus
// its similarity score against the query.
type Match struct {
	Template TaskGraphTemplate
	Score    float64
}

// Outcome records what happened to a request, fed back into the store via
// record() so future search()es can favor templates that actually
// succeeded.
type Outcome struct {
	RequestID string
	Succeeded bool
	TaskKinds []string
}

// Store is the MemoryStore contract (spec glossary): search(query, k) is
// best-effort and may legally return no matches; record(request, outcome)
// is fire-and-forget from the caller's perspective.
type Store interface {
	Search(ctx context.Context, query string, k int) ([]Match, error)
	Record(ctx context.Context, requestText string, outcome Outcome) error
}
