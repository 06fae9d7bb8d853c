package tierrouter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capsulecraft/orchestrator/pkg/taskgraph"
)

func TestResolveTierDefaultMapping(t *testing.T) {
	r := New(Config{})

	assert.Equal(t, T0, r.ResolveTier(&taskgraph.Task{ComplexityHint: "trivial"}))
	assert.Equal(t, T1, r.ResolveTier(&taskgraph.Task{ComplexityHint: "simple"}))
	assert.Equal(t, T2, r.ResolveTier(&taskgraph.Task{ComplexityHint: "medium"}))
	assert.Equal(t, T2, r.ResolveTier(&taskgraph.Task{ComplexityHint: "complex"}))
	assert.Equal(t, T3, r.ResolveTier(&taskgraph.Task{ComplexityHint: "very_complex"}))
	assert.Equal(t, T1, r.ResolveTier(&taskgraph.Task{ComplexityHint: "unknown"}))
}

func TestResolveTierExplicitOverrideWins(t *testing.T) {
	r := New(Config{})
	task := &taskgraph.Task{ComplexityHint: "trivial", TierOverride: "T3"}
	assert.Equal(t, T3, r.ResolveTier(task))
}

func TestResolveTierBumpsOnSustainedFailure(t *testing.T) {
	r := New(Config{MinSamplesForBump: 4, SuccessRateFloor: 0.5})
	task := &taskgraph.Task{ComplexityHint: "medium"}

	assert.Equal(t, T2, r.ResolveTier(task))

	for i := 0; i < 3; i++ {
		r.RecordOutcome(T2, "llm:anthropic", false)
	}
	r.RecordOutcome(T2, "llm:anthropic", true)

	assert.Equal(t, T3, r.ResolveTier(task))
}

func TestProvidersReturnsPreferenceOrder(t *testing.T) {
	r := New(Config{
		ProviderPreferences: map[Tier][]string{
			T2: {"llm:anthropic", "llm:bedrock"},
		},
	})
	assert.Equal(t, []string{"llm:anthropic", "llm:bedrock"}, r.Providers(T2))
}
