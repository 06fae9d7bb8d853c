// Package capsule implements the Capsule Assembler & Delivery collaborator
// (spec component C7): it turns every validated TaskResult from a finished
// workflow into one signed, versioned, immutable artifact bundle and,
// when requested, delivers it to a VCSTarget with at-least-once semantics.
package capsule

import "time"

// Lifecycle is a Capsule's position in its state machine: only a
// finalized capsule may be signed, and only a signed+finalized capsule
// may be delivered.
type Lifecycle string

const (
	StateDraft     Lifecycle = "draft"
	StateFinalized Lifecycle = "finalized"
	StateDelivered Lifecycle = "delivered"
	StateArchived  Lifecycle = "archived"
)

// Manifest describes what a capsule contains at a glance.
type Manifest struct {
	Name         string   `json:"name"`
	Language     string   `json:"language"`
	EntryPoints  []string `json:"entry_points"`
	Dependencies []string `json:"dependencies"`
}

// PathConflict records two task outputs claiming the same file path; the
// later-DAG-depth result wins and the loser is dropped but logged here.
type PathConflict struct {
	Path        string `json:"path"`
	WinningTask string `json:"winning_task"`
	LosingTask  string `json:"losing_task"`
}

// Report is the capsule's aggregate validation summary: per-task
// confidence plus anything assembly itself had to resolve or degrade on.
type Report struct {
	TaskConfidences map[string]float64 `json:"task_confidences"`
	PathConflicts   []PathConflict     `json:"path_conflicts,omitempty"`
	Degraded        bool               `json:"degraded"`
	DegradedReason  string             `json:"degraded_reason,omitempty"`
}

// DeliveryReceipt is recorded alongside a finalized capsule, never inside
// its signed bytes, so delivery can mutate it after finalization without
// invalidating the signature (spec §8's explicit design decision).
type DeliveryReceipt struct {
	RepoID       string    `json:"repo_id"`
	URL          string    `json:"url"`
	CommitSHA    string    `json:"commit_sha"`
	AttemptCount int       `json:"attempt_count"`
	DeliveredAt  time.Time `json:"delivered_at"`
	Partial      bool      `json:"partial"`
	ResumeToken  string    `json:"resume_token,omitempty"`
}

// Capsule is the immutable, signed, versioned artifact bundle spec §3
// defines. Files and Tests are POSIX-style, case-sensitive, deduplicated
// path -> content maps; canonicalization (sorted paths, LF line endings,
// trimmed trailing whitespace, UTF-8) must be applied before Sign is
// called, since Signature covers exactly that canonical byte form.
type Capsule struct {
	ID            string            `json:"capsule_id"`
	Version       int               `json:"version"`
	ParentVersion int               `json:"parent_version,omitempty"`
	Manifest      Manifest          `json:"manifest"`
	Files         map[string][]byte `json:"files"`
	Tests         map[string][]byte `json:"tests"`
	Report        Report            `json:"report"`
	Signature     []byte            `json:"signature,omitempty"`
	State         Lifecycle         `json:"state"`
	CreatedAt     time.Time         `json:"created_at"`

	// Delivery is metadata, deliberately outside the signed surface.
	Delivery *DeliveryReceipt `json:"delivery,omitempty"`
}

// AllPaths returns every file and test path, for canonicalization and
// packaging.
func (c *Capsule) AllPaths() []string {
	paths := make([]string, 0, len(c.Files)+len(c.Tests))
	for p := range c.Files {
		paths = append(paths, p)
	}
	for p := range c.Tests {
		paths = append(paths, p)
	}
	return paths
}
