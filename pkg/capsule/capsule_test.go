package capsule_test

import (
	"context"
	"testing"

	"github.com/capsulecraft/orchestrator/pkg/capsule"
	"github.com/capsulecraft/orchestrator/pkg/corekit"
	"github.com/capsulecraft/orchestrator/pkg/executor"
	"github.com/capsulecraft/orchestrator/pkg/taskgraph"
	"github.com/capsulecraft/orchestrator/pkg/vcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeNormalizesLineEndingsAndTrailingWhitespace(t *testing.T) {
	files := map[string][]byte{
		"main.go": []byte("package main\r\n\r\nfunc main() {}   \r\n"),
	}
	out := capsule.Canonicalize(files)
	assert.Equal(t, "package main\n\nfunc main() {}\n", string(out["main.go"]))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	files := map[string][]byte{"main.go": []byte("package main\n")}
	tests := map[string][]byte{"main_test.go": []byte("package main\n")}
	secret := []byte("top-secret")

	sig := capsule.Sign(secret, files, tests)
	assert.True(t, capsule.Verify(secret, files, tests, sig))
}

func TestVerifyFailsOnTamperedContent(t *testing.T) {
	files := map[string][]byte{"main.go": []byte("package main\n")}
	tests := map[string][]byte{}
	secret := []byte("top-secret")

	sig := capsule.Sign(secret, files, tests)
	files["main.go"] = []byte("package main\n// tampered\n")
	assert.False(t, capsule.Verify(secret, files, tests, sig))
}

func TestPackageUnpackageZipRoundTrip(t *testing.T) {
	c := &capsule.Capsule{
		Files: map[string][]byte{"main.go": []byte("package main\n")},
		Tests: map[string][]byte{"main_test.go": []byte("package main\n")},
	}
	data, err := capsule.Package(c, capsule.FormatZip)
	require.NoError(t, err)

	out, err := capsule.Unpackage(data, capsule.FormatZip)
	require.NoError(t, err)
	assert.Equal(t, []byte("package main\n"), out["main.go"])
	assert.Equal(t, []byte("package main\n"), out["tests/main_test.go"])
}

func TestPackageUnpackageTarRoundTrip(t *testing.T) {
	c := &capsule.Capsule{
		Files: map[string][]byte{"main.go": []byte("package main\n")},
	}
	data, err := capsule.Package(c, capsule.FormatTar)
	require.NoError(t, err)

	out, err := capsule.Unpackage(data, capsule.FormatTar)
	require.NoError(t, err)
	assert.Equal(t, []byte("package main\n"), out["main.go"])
}

func TestPackageIsDeterministicAcrossBuilds(t *testing.T) {
	c := &capsule.Capsule{
		Files: map[string][]byte{"b.go": []byte("b"), "a.go": []byte("a")},
	}
	first, err := capsule.Package(c, capsule.FormatZip)
	require.NoError(t, err)
	second, err := capsule.Package(c, capsule.FormatZip)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func buildGraph(t *testing.T) *taskgraph.Graph {
	t.Helper()
	g := taskgraph.New()
	g.AddTask(&taskgraph.Task{ID: "r1-000-design", Kind: taskgraph.KindDesign})
	g.AddTask(&taskgraph.Task{ID: "r1-001-code", Kind: taskgraph.KindCode, Dependencies: []string{"r1-000-design"}})
	return g
}

func TestAssembleCollectsOnlyValidatedResults(t *testing.T) {
	g := buildGraph(t)
	results := []executor.TaskResult{
		{TaskID: "r1-000-design", Status: executor.StatusValidated, Confidence: 0.95,
			Artifact: corekit.Artifact{Files: map[string][]byte{"go.mod": []byte("module demo\n")}}},
		{TaskID: "r1-001-code", Status: executor.StatusValidated, Confidence: 0.9,
			Artifact: corekit.Artifact{Files: map[string][]byte{"main.go": []byte("package main\nfunc main(){}\n")}}},
		{TaskID: "r1-002-docs", Status: executor.StatusFailed, Confidence: 0.0},
	}

	asm := capsule.NewAssembler(nil, []byte("secret"))
	c, err := asm.Assemble(context.Background(), "cap-1", 1, g, results, "go")
	require.NoError(t, err)

	assert.Contains(t, c.Files, "src/go.mod")
	assert.Contains(t, c.Files, "src/main.go")
	assert.True(t, c.Report.Degraded)
	assert.Equal(t, capsule.StateDraft, c.State)
}

func TestAssembleConflictResolutionPrefersLaterDAGDepth(t *testing.T) {
	g := buildGraph(t)
	results := []executor.TaskResult{
		{TaskID: "r1-000-design", Status: executor.StatusValidated,
			Artifact: corekit.Artifact{Files: map[string][]byte{"shared.go": []byte("from scaffold\n")}}},
		{TaskID: "r1-001-code", Status: executor.StatusValidated,
			Artifact: corekit.Artifact{Files: map[string][]byte{"shared.go": []byte("from codegen\n")}}},
	}

	asm := capsule.NewAssembler(nil, []byte("secret"))
	c, err := asm.Assemble(context.Background(), "cap-1", 1, g, results, "go")
	require.NoError(t, err)

	assert.Equal(t, "from codegen\n", string(c.Files["src/shared.go"]))
	require.Len(t, c.Report.PathConflicts, 1)
	assert.Equal(t, "r1-001-code", c.Report.PathConflicts[0].WinningTask)
}

func TestFinalizeSignsAndTransitionsState(t *testing.T) {
	g := buildGraph(t)
	results := []executor.TaskResult{
		{TaskID: "r1-000-design", Status: executor.StatusValidated,
			Artifact: corekit.Artifact{Files: map[string][]byte{"main.go": []byte("package main\n")}}},
	}
	asm := capsule.NewAssembler(nil, []byte("secret"))
	c, err := asm.Assemble(context.Background(), "cap-1", 1, g, results, "go")
	require.NoError(t, err)

	require.NoError(t, asm.Finalize(c))
	assert.Equal(t, capsule.StateFinalized, c.State)
	assert.True(t, capsule.Verify([]byte("secret"), c.Files, c.Tests, c.Signature))
}

func TestDeliverPushesFinalizedCapsuleAndRecordsReceipt(t *testing.T) {
	g := buildGraph(t)
	results := []executor.TaskResult{
		{TaskID: "r1-000-design", Status: executor.StatusValidated,
			Artifact: corekit.Artifact{Files: map[string][]byte{"main.go": []byte("package main\n")}}},
	}
	asm := capsule.NewAssembler(nil, []byte("secret"))
	c, err := asm.Assemble(context.Background(), "cap-1", 1, g, results, "go")
	require.NoError(t, err)
	require.NoError(t, asm.Finalize(c))

	target := vcs.NewFakeTarget()
	delivery := capsule.NewDelivery(target, nil)
	receipt, err := delivery.Deliver(context.Background(), c, "demo-app", true)
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.CommitSHA)
	assert.False(t, receipt.Partial)
}

func TestDeliverRejectsUnfinalizedCapsule(t *testing.T) {
	c := &capsule.Capsule{ID: "cap-1", Version: 1, State: capsule.StateDraft}
	delivery := capsule.NewDelivery(vcs.NewFakeTarget(), nil)
	_, err := delivery.Deliver(context.Background(), c, "demo-app", true)
	assert.Error(t, err)
}
