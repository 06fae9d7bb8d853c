package validator_test

import (
	"context"
	"testing"

	"github.com/capsulecraft/orchestrator/pkg/corekit"
	"github.com/capsulecraft/orchestrator/pkg/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCleanGoFileHasNoFindings(t *testing.T) {
	v := validator.New()
	artifact := corekit.Artifact{Files: map[string][]byte{
		"main.go": []byte("package main\n\nfunc main() {}\n"),
	}}

	report, err := v.Validate(context.Background(), artifact, "go")
	require.NoError(t, err)
	assert.Equal(t, 0, report.ErrorCount())
}

func TestValidateFlagsSyntaxError(t *testing.T) {
	v := validator.New()
	artifact := corekit.Artifact{Files: map[string][]byte{
		"broken.go": []byte("package main\n\nfunc main( {\n"),
	}}

	report, err := v.Validate(context.Background(), artifact, "go")
	require.NoError(t, err)
	require.Greater(t, report.ErrorCount(), 0)
	assert.Equal(t, validator.LevelError, report.Findings[0].Level)
}

func TestValidateFlagsDestructivePattern(t *testing.T) {
	v := validator.New()
	artifact := corekit.Artifact{Files: map[string][]byte{
		"script.py": []byte("import os\nos.system('echo hi')\nDROP TABLE users;\n"),
	}}

	report, err := v.Validate(context.Background(), artifact, "python")
	require.NoError(t, err)
	assert.Equal(t, 1, report.ErrorCount())
}

func TestValidateCoverageReflectsTestFiles(t *testing.T) {
	v := validator.New()
	artifact := corekit.Artifact{Files: map[string][]byte{
		"add.go":      []byte("package main\n\nfunc Add(a, b int) int { return a + b }\n"),
		"add_test.go": []byte("package main\n\nfunc TestAdd(t *testing.T) {}\n"),
	}}

	report, err := v.Validate(context.Background(), artifact, "go")
	require.NoError(t, err)
	assert.Equal(t, 1.0, report.Coverage)
}

func TestValidateRespectsCancellation(t *testing.T) {
	v := validator.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	artifact := corekit.Artifact{Files: map[string][]byte{"a.go": []byte("package main\n")}}
	_, err := v.Validate(ctx, artifact, "go")
	require.Error(t, err)
	assert.Equal(t, corekit.KindCancellation, corekit.KindOf(err))
}
