package taskgraph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	responses []string
	calls     int
	err       error
}

func (s *stubClient) Complete(ctx context.Context, prompt string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return s.responses[idx], nil
}

func TestGraphCycleDetection(t *testing.T) {
	g := New()
	g.AddTask(&Task{ID: "a", Dependencies: []string{"b"}})
	g.AddTask(&Task{ID: "b", Dependencies: []string{"a"}})

	err := g.Validate()
	require.Error(t, err)
}

func TestGraphReadyAndExecutionLevels(t *testing.T) {
	g := New()
	g.AddTask(&Task{ID: "scaffold", Status: StatusPending})
	g.AddTask(&Task{ID: "codegen", Dependencies: []string{"scaffold"}, Status: StatusPending})
	g.AddTask(&Task{ID: "test", Dependencies: []string{"codegen"}, Status: StatusPending})
	require.NoError(t, g.Validate())

	ready := g.ReadyTasks()
	assert.Equal(t, []string{"scaffold"}, ready)

	levels := g.ExecutionLevels()
	require.Len(t, levels, 3)
	assert.Equal(t, []string{"scaffold"}, levels[0])

	order := g.TopologicalOrder()
	assert.Equal(t, []string{"scaffold", "codegen", "test"}, order)
}

func TestMarkFailedSkipsDependents(t *testing.T) {
	g := New()
	g.AddTask(&Task{ID: "scaffold"})
	g.AddTask(&Task{ID: "codegen", Dependencies: []string{"scaffold"}})
	g.AddTask(&Task{ID: "test", Dependencies: []string{"codegen"}})

	g.MarkStatus("scaffold", StatusFailed)

	assert.Equal(t, StatusSkipped, g.Task("codegen").Status)
	assert.Equal(t, StatusSkipped, g.Task("test").Status)
}

func TestDecomposeViaLLMWithValidPlan(t *testing.T) {
	client := &stubClient{responses: []string{`[
		{"label":"t0","kind":"design","description":"design it","depends_on":[],"complexity":"simple"},
		{"label":"t1","kind":"code","description":"write it","depends_on":["t0"],"complexity":"medium"}
	]`}}

	g, err := Decompose(context.Background(), "req-1", "build a thing", client)
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())

	ready := g.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Contains(t, ready[0], "req-1-000-design")
}

func TestDecomposeFallsBackAfterMalformedPlan(t *testing.T) {
	client := &stubClient{responses: []string{"not json at all", "still not json"}}

	g, err := Decompose(context.Background(), "req-2", "do a complex distributed migration", client)
	require.NoError(t, err)
	assert.Equal(t, 5, g.Len(), "a migration/integration request picks up the extra sandbox_check task")
}

func TestDecomposeFallsBackOnClientError(t *testing.T) {
	client := &stubClient{err: errors.New("network down")}

	g, err := Decompose(context.Background(), "req-3", "small fix", client)
	require.NoError(t, err)
	assert.Equal(t, 4, g.Len())
}
