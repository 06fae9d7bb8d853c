package capsule

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Organizer proposes where a flat set of task outputs should live in the
// final capsule. LLMOrganizer asks an LLM for a language-appropriate
// layout; deterministicLayout (used on any parse failure, and whenever no
// LLMClient is configured) is the guaranteed-safe fallback.
type Organizer interface {
	// Propose maps each taskID's declared output path to its final
	// capsule path. Implementations may reparent files into src/, tests/,
	// etc., but must not invent or drop task ids.
	Propose(ctx context.Context, language string, taskOutputs map[string][]string) (map[string]string, error)
}

// LLMClient is the minimal contract the organizer needs from an LLM
// provider, the same one-string-in-one-string-out shape taskgraph.Decompose
// uses, keeping this package's dependency surface equally small.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

const organizerSystemPrompt = `You are organizing generated source files into a clean project layout
for a %s project. Given a JSON object mapping task id to a list of
proposed file paths, respond with ONLY a JSON object mapping each
original path to its final path in the project, preserving every input
path as a key. No prose, no markdown fences.`

// LLMOrganizer asks client for a layout and falls back to
// deterministicLayout whenever the LLM's response doesn't parse as a
// complete JSON object (spec §4.7 step 2: "on parse failure, fall back to
// a deterministic layout").
type LLMOrganizer struct {
	Client LLMClient
}

func (o LLMOrganizer) Propose(ctx context.Context, language string, taskOutputs map[string][]string) (map[string]string, error) {
	if o.Client == nil {
		return deterministicLayout(language, taskOutputs), nil
	}

	allPaths := make(map[string]struct{})
	for _, paths := range taskOutputs {
		for _, p := range paths {
			allPaths[p] = struct{}{}
		}
	}

	payload, err := json.Marshal(taskOutputs)
	if err != nil {
		return deterministicLayout(language, taskOutputs), nil
	}
	prompt := fmt.Sprintf(organizerSystemPrompt, language) + "\n\n" + string(payload)

	raw, err := o.Client.Complete(ctx, prompt)
	if err != nil {
		return deterministicLayout(language, taskOutputs), nil
	}

	proposed, ok := parseLayout(raw, allPaths)
	if !ok {
		return deterministicLayout(language, taskOutputs), nil
	}
	return proposed, nil
}

// parseLayout validates that the LLM's response is a JSON object naming
// exactly the input paths (no invented or dropped keys).
func parseLayout(raw string, want map[string]struct{}) (map[string]string, bool) {
	text := extractJSONObject(raw)
	var proposed map[string]string
	if err := json.Unmarshal([]byte(text), &proposed); err != nil {
		return nil, false
	}
	if len(proposed) != len(want) {
		return nil, false
	}
	for p := range want {
		if _, ok := proposed[p]; !ok {
			return nil, false
		}
	}
	return proposed, true
}

func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return text
	}
	return text[start : end+1]
}

// deterministicLayout applies the fixed fallback shape: every output,
// test files included, is kept at its original relative path under src/.
// The assembler splits test files into the capsule's Tests map after the
// layout is applied.
func deterministicLayout(_ string, taskOutputs map[string][]string) map[string]string {
	layout := make(map[string]string)
	taskIDs := make([]string, 0, len(taskOutputs))
	for id := range taskOutputs {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)

	for _, id := range taskIDs {
		for _, path := range taskOutputs[id] {
			layout[path] = "src/" + path
		}
	}
	return layout
}
