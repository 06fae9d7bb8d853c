package taskgraph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/capsulecraft/orchestrator/pkg/corekit"
)

// LLMClient is the minimal contract Decompose needs from an LLM provider.
// pkg/llm's Provider implementations are adapted down to this shape by
// their callers, keeping this package's dependency surface small.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// planTask is the wire shape the decomposition prompt asks the LLM to
// return — a flat array of tasks naming their own dependencies by a
// caller-local label the LLM chooses, remapped to stable task ids after
// parsing.
type planTask struct {
	Label        string   `json:"label"`
	Kind         string   `json:"kind"`
	Description  string   `json:"description"`
	DependsOn    []string `json:"depends_on"`
	Complexity   string   `json:"complexity"`
}

const decompositionSystemPrompt = `You decompose a software change request into a minimal DAG of atomic
tasks. Respond with ONLY a JSON array, no prose, matching this shape:
[{"label":"t1","kind":"design|code|test|doc|config|review|sandbox_check","description":"...","depends_on":["t0"],"complexity":"trivial|simple|medium|complex|very_complex"}]
Every "depends_on" entry must name another task's "label" in this same array. The first task(s) must have an empty depends_on.`

// Decompose turns requestText into a validated task Graph. It tries the
// LLM first with one corrective retry on a schema-invalid response, then
// falls back to a deterministic rule-based pipeline so a request never
// fails outright just because the LLM returned malformed JSON.
func Decompose(ctx context.Context, requestID, requestText string, client LLMClient) (*Graph, error) {
	if client != nil {
		if tasks, err := decomposeViaLLM(ctx, client, requestText); err == nil {
			return buildGraph(requestID, tasks)
		}
		if tasks, err := decomposeViaLLM(ctx, client, correctivePrompt(requestText)); err == nil {
			return buildGraph(requestID, tasks)
		}
	}
	return buildGraph(requestID, ruleBasedPlan(requestText))
}

func correctivePrompt(requestText string) string {
	return fmt.Sprintf("Your previous response was not valid JSON matching the required schema. Try again, responding with ONLY the JSON array, for this request:\n%s", requestText)
}

func decomposeViaLLM(ctx context.Context, client LLMClient, requestText string) ([]planTask, error) {
	raw, err := client.Complete(ctx, decompositionSystemPrompt+"\n\nRequest:\n"+requestText)
	if err != nil {
		return nil, corekit.NewClassifiedError("taskgraph.decompose", corekit.KindTransient, "", err)
	}

	jsonText := extractJSON(raw)
	var tasks []planTask
	if jsonErr := json.Unmarshal([]byte(jsonText), &tasks); jsonErr != nil {
		return nil, fmt.Errorf("%w: %v", corekit.ErrDecomposition, jsonErr)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: empty plan", corekit.ErrDecomposition)
	}
	for _, t := range tasks {
		if t.Label == "" || t.Kind == "" {
			return nil, fmt.Errorf("%w: task missing label or kind", corekit.ErrDecomposition)
		}
	}
	return tasks, nil
}

// extractJSON pulls the first top-level JSON array out of a possibly
// chatty LLM response (code fences, leading/trailing prose).
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end < start {
		return text
	}
	return text[start : end+1]
}

// ruleBasedPlan is the deterministic fallback: a fixed design -> code
// pipeline with test and doc tasks that each depend on code, the minimum any "write some code" request needs,
// used when the LLM can't produce a schema-valid decomposition. Requests
// that look like a migration or cross-system integration get an extra
// sandbox_check task so the assembled result is actually run, not just
// statically validated.
func ruleBasedPlan(requestText string) []planTask {
	complexity := "medium"
	lower := strings.ToLower(requestText)
	needsSandboxCheck := false
	switch {
	case strings.Contains(lower, "migrat") || strings.Contains(lower, "distributed") || strings.Contains(lower, "integrat"):
		complexity = "complex"
		needsSandboxCheck = true
	case len(requestText) < 200 && !strings.Contains(lower, "integrat"):
		complexity = "simple"
	}

	tasks := []planTask{
		{Label: "design", Kind: string(KindDesign), Description: "Create project scaffold and module layout.", Complexity: complexity},
		{Label: "code", Kind: string(KindCode), Description: requestText, DependsOn: []string{"design"}, Complexity: complexity},
		{Label: "test", Kind: string(KindTest), Description: "Write tests covering the generated code.", DependsOn: []string{"code"}, Complexity: complexity},
		{Label: "doc", Kind: string(KindDoc), Description: "Document the generated change.", DependsOn: []string{"code"}, Complexity: "trivial"},
	}
	if needsSandboxCheck {
		tasks = append(tasks, planTask{
			Label: "sandbox_check", Kind: string(KindSandboxCheck),
			Description: "Run the assembled change in the sandbox to confirm it builds and passes.",
			DependsOn:   []string{"test"}, Complexity: complexity,
		})
	}
	return tasks
}

// buildGraph assigns stable task ids (requestID + ordinal + kind, per
// spec's task_id stability requirement so retries and resumes address the
// same task), remaps label-based dependencies to those ids, computes each
// task's dedup input hash, and validates the resulting DAG.
func buildGraph(requestID string, tasks []planTask) (*Graph, error) {
	labelToID := make(map[string]string, len(tasks))
	for i, t := range tasks {
		labelToID[t.Label] = fmt.Sprintf("%s-%03d-%s", requestID, i, t.Kind)
	}

	g := New()
	for i, t := range tasks {
		deps := make([]string, 0, len(t.DependsOn))
		for _, label := range t.DependsOn {
			if id, ok := labelToID[label]; ok {
				deps = append(deps, id)
			}
		}
		task := &Task{
			ID:             labelToID[t.Label],
			RequestID:      requestID,
			Kind:           TaskKind(t.Kind),
			Description:    t.Description,
			Dependencies:   deps,
			ComplexityHint: t.Complexity,
			Status:         StatusPending,
		}
		task.InputHash = inputHash(task)
		_ = i
		g.AddTask(task)
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// inputHash is a stable fingerprint of a task's semantic content, used by
// the Task Executor to look up a cached result in MemoryStore before
// re-running identical work.
func inputHash(t *Task) string {
	h := sha256.New()
	h.Write([]byte(t.Kind))
	h.Write([]byte("\x00"))
	h.Write([]byte(t.Description))
	for _, d := range t.Dependencies {
		h.Write([]byte("\x00"))
		h.Write([]byte(d))
	}
	return hex.EncodeToString(h.Sum(nil))
}
