package capsule

import (
	"context"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/capsulecraft/orchestrator/pkg/corekit"
	"github.com/capsulecraft/orchestrator/pkg/executor"
	"github.com/capsulecraft/orchestrator/pkg/taskgraph"
)

// Assembler implements C7's assembly stage: collecting validated task
// outputs, resolving path conflicts, canonicalizing, and signing.
type Assembler struct {
	Organizer Organizer
	Secret    []byte
	Clock     func() time.Time
}

// NewAssembler wires an Assembler. secret is the HMAC signing key; a nil
// Organizer falls back to the deterministic layout for every assembly.
func NewAssembler(organizer Organizer, secret []byte) *Assembler {
	if organizer == nil {
		organizer = LLMOrganizer{}
	}
	return &Assembler{Organizer: organizer, Secret: secret, Clock: time.Now}
}

// Assemble runs spec §4.7 steps 1-5, producing an unsigned draft
// Capsule; Finalize signs it (step 6). graph supplies each task's DAG depth for conflict resolution;
// results must already be filtered to the workflow's terminal set (the
// caller decides which non-critical failures still allow assembly).
func (a *Assembler) Assemble(ctx context.Context, capsuleID string, version int, graph *taskgraph.Graph, results []executor.TaskResult, language string) (*Capsule, error) {
	depth := taskDepths(graph)

	validated := make([]executor.TaskResult, 0, len(results))
	for _, r := range results {
		if r.Status == executor.StatusValidated {
			validated = append(validated, r)
		}
	}

	taskOutputs := make(map[string][]string, len(validated))
	for _, r := range validated {
		paths := r.Artifact.Paths()
		sort.Strings(paths)
		taskOutputs[r.TaskID] = paths
	}

	layout, err := a.Organizer.Propose(ctx, language, taskOutputs)
	if err != nil {
		layout = deterministicLayout(language, taskOutputs)
	}

	files, conflicts := resolveConflicts(validated, layout, depth)

	tests := splitTests(files)
	for p := range tests {
		delete(files, p)
	}

	files = Canonicalize(files)
	tests = Canonicalize(tests)

	confidences := make(map[string]float64, len(results))
	degraded := false
	var degradedReason string
	for _, r := range results {
		confidences[r.TaskID] = r.Confidence
		if r.Status != executor.StatusValidated {
			degraded = true
			degradedReason = "one or more non-critical tasks did not validate"
		}
	}

	manifest := inferManifest(capsuleID, language, files)

	c := &Capsule{
		ID:        capsuleID,
		Version:   version,
		Manifest:  manifest,
		Files:     files,
		Tests:     tests,
		State:     StateDraft,
		CreatedAt: a.now(),
		Report: Report{
			TaskConfidences: confidences,
			PathConflicts:   conflicts,
			Degraded:        degraded,
			DegradedReason:  degradedReason,
		},
	}
	if version > 1 {
		c.ParentVersion = version - 1
	}
	return c, nil
}

// Finalize signs the capsule over its current canonical content and
// transitions it to StateFinalized. Only a draft may be finalized.
func (a *Assembler) Finalize(c *Capsule) error {
	if c.State != StateDraft {
		return corekit.NewClassifiedError("capsule.finalize", corekit.KindPermanent, c.ID, corekit.ErrAlreadyFinalized)
	}
	c.Signature = Sign(a.Secret, c.Files, c.Tests)
	c.State = StateFinalized
	return nil
}

func (a *Assembler) now() time.Time {
	if a.Clock != nil {
		return a.Clock()
	}
	return time.Now()
}

// taskDepths derives each task's DAG depth (its index in
// graph.ExecutionLevels()) so conflict resolution can prefer the result
// from the task reachable via the longest dependency chain.
func taskDepths(graph *taskgraph.Graph) map[string]int {
	depth := make(map[string]int)
	if graph == nil {
		return depth
	}
	for level, ids := range graph.ExecutionLevels() {
		for _, id := range ids {
			depth[id] = level
		}
	}
	return depth
}

// resolveConflicts applies layout to each task's content and, when two
// tasks claim the same final path, keeps the one from the later DAG
// depth (spec §4.7 step 3), logging a PathConflict for the loser.
func resolveConflicts(results []executor.TaskResult, layout map[string]string, depth map[string]int) (map[string][]byte, []PathConflict) {
	byResult := make(map[string]executor.TaskResult, len(results))
	for _, r := range results {
		byResult[r.TaskID] = r
	}

	winner := make(map[string]string) // final path -> owning task id
	files := make(map[string][]byte)
	var conflicts []PathConflict

	taskIDs := make([]string, 0, len(results))
	for _, r := range results {
		taskIDs = append(taskIDs, r.TaskID)
	}
	sort.Strings(taskIDs)

	for _, taskID := range taskIDs {
		r := byResult[taskID]
		for origPath, content := range r.Artifact.Files {
			finalPath, ok := layout[origPath]
			if !ok {
				finalPath = origPath
			}
			existingTask, taken := winner[finalPath]
			if !taken {
				winner[finalPath] = taskID
				files[finalPath] = content
				continue
			}
			if depth[taskID] >= depth[existingTask] {
				if existingTask != taskID {
					conflicts = append(conflicts, PathConflict{Path: finalPath, WinningTask: taskID, LosingTask: existingTask})
				}
				winner[finalPath] = taskID
				files[finalPath] = content
			} else {
				conflicts = append(conflicts, PathConflict{Path: finalPath, WinningTask: existingTask, LosingTask: taskID})
			}
		}
	}
	return files, conflicts
}

// splitTests partitions any path living under a tests/ or test/ directory
// (or ending in a language-conventional test suffix) out of files, since
// Capsule keeps tests in a dedicated map.
func splitTests(files map[string][]byte) map[string][]byte {
	tests := make(map[string][]byte)
	for p, content := range files {
		if looksLikeTest(p) {
			tests[p] = content
		}
	}
	return tests
}

func looksLikeTest(p string) bool {
	lower := strings.ToLower(p)
	if strings.HasPrefix(lower, "tests/") || strings.HasPrefix(lower, "test/") || strings.Contains(lower, "/tests/") || strings.Contains(lower, "/test/") {
		return true
	}
	base := path.Base(lower)
	return strings.HasSuffix(base, "_test.go") || strings.HasSuffix(base, ".test.ts") ||
		strings.HasSuffix(base, ".test.js") || strings.HasPrefix(base, "test_")
}

// inferManifest derives the manifest's name, entry points, and
// dependencies (spec §4.7 step 5). Entry point detection is the same
// heuristic across languages: the first file (in sorted path order)
// containing a symbol matching that language's executable-entry
// convention.
func inferManifest(capsuleID, language string, files map[string][]byte) Manifest {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var entryPoints []string
	for _, p := range paths {
		if isEntryPoint(language, p, files[p]) {
			entryPoints = append(entryPoints, p)
			break
		}
	}

	return Manifest{
		Name:         capsuleID,
		Language:     language,
		EntryPoints:  entryPoints,
		Dependencies: parseDeclaredDeps(language, files),
	}
}

func isEntryPoint(language, path string, content []byte) bool {
	text := string(content)
	switch strings.ToLower(language) {
	case "go", "golang":
		return strings.Contains(text, "package main") && strings.Contains(text, "func main(")
	case "python", "python3":
		return strings.Contains(text, "if __name__") && strings.Contains(text, "__main__")
	case "javascript", "node", "typescript":
		return strings.HasSuffix(path, "index.js") || strings.HasSuffix(path, "index.ts") || strings.HasSuffix(path, "main.js")
	default:
		return strings.HasPrefix(path, "src/main.") || strings.Contains(path, "/main.")
	}
}

// parseDeclaredDeps extracts dependency names from the language-idiomatic
// manifest file if present (go.mod's require lines, or a Python
// requirements.txt); absent a recognized manifest it returns nil
// rather than guessing.
func parseDeclaredDeps(language string, files map[string][]byte) []string {
	switch strings.ToLower(language) {
	case "go", "golang":
		if data, ok := files["go.mod"]; ok {
			return parseGoModRequires(string(data))
		}
	case "python", "python3":
		if data, ok := files["requirements.txt"]; ok {
			return parseRequirementsTxt(string(data))
		}
	}
	return nil
}

func parseGoModRequires(modText string) []string {
	var deps []string
	inBlock := false
	for _, line := range strings.Split(modText, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "require ("):
			inBlock = true
		case inBlock && trimmed == ")":
			inBlock = false
		case inBlock:
			if fields := strings.Fields(trimmed); len(fields) >= 1 {
				deps = append(deps, fields[0])
			}
		case strings.HasPrefix(trimmed, "require "):
			if fields := strings.Fields(strings.TrimPrefix(trimmed, "require ")); len(fields) >= 1 {
				deps = append(deps, fields[0])
			}
		}
	}
	return deps
}

func parseRequirementsTxt(text string) []string {
	var deps []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		name := trimmed
		for _, sep := range []string{"==", ">=", "<=", "~=", ">", "<"} {
			if idx := strings.Index(trimmed, sep); idx != -1 {
				name = trimmed[:idx]
				break
			}
		}
		deps = append(deps, strings.TrimSpace(name))
	}
	return deps
}
