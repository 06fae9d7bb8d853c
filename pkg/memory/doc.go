// Package memory implements the MemoryStore contract: a best-effort prior
// for the decomposition stage (C3). Before decomposing a request, the
// workflow engine calls Search with the incoming request text and
// discards the matches; taskgraph.Decompose does not take them, so a
// Match's TaskGraphTemplate does not shape the graph. An empty result is
// a legal answer, not a failure.
//
// # Store interface
//
//	type Store interface {
//	    Search(ctx context.Context, query string, k int) ([]Match, error)
//	    Record(ctx context.Context, requestText string, outcome Outcome) error
//	}
//
// Record is called once a request finishes (success or failure); only
// successful outcomes are surfaced by Search, so a template that actually
// worked outranks one that merely resembles the query.
//
// # Backend implementations
//
// RedisStore keeps one bounded list per namespace (LPUSH+LTRIM), shared
// across orchestrator replicas. InMemoryStore holds the same records in a
// mutex-protected slice, for tests and single-process runs with no Redis
// available.
//
// # Similarity scoring
//
// Search tokenizes the query and each stored request's text and scores
// them by Jaccard token overlap. This is a cheap, dependency-free stand-in
// for a real embedding-based similarity search; swapping in a vector index
// later only touches rankMatches, not the Store contract or its callers.
package memory
