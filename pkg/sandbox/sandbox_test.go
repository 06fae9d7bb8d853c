package sandbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/capsulecraft/orchestrator/pkg/corekit"
	"github.com/capsulecraft/orchestrator/pkg/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunUnknownLanguageIsPermanent(t *testing.T) {
	sb := sandbox.New(t.TempDir())
	artifact := corekit.Artifact{Files: map[string][]byte{"main.cbl": []byte("IDENTIFICATION DIVISION.\n")}}

	_, err := sb.Run(context.Background(), artifact, "cobol", sandbox.Limits{})
	require.Error(t, err)
	assert.Equal(t, corekit.KindPermanent, corekit.KindOf(err))
}

func TestRunPythonPrintsExpectedOutput(t *testing.T) {
	sb := sandbox.New(t.TempDir())
	artifact := corekit.Artifact{Files: map[string][]byte{
		"main.py": []byte("print(2 + 3)\n"),
	}}

	result, err := sb.Run(context.Background(), artifact, "python3", sandbox.Limits{
		WallClock: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "5")
}

func TestRunRespectsWallClockTimeout(t *testing.T) {
	sb := sandbox.New(t.TempDir())
	artifact := corekit.Artifact{Files: map[string][]byte{
		"main.py": []byte("import time\ntime.sleep(5)\n"),
	}}

	result, err := sb.Run(context.Background(), artifact, "python3", sandbox.Limits{
		WallClock: 200 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Equal(t, corekit.KindTransient, corekit.KindOf(err))
	assert.True(t, result.TimedOut)
}

func TestRunIsCancellable(t *testing.T) {
	sb := sandbox.New(t.TempDir())
	artifact := corekit.Artifact{Files: map[string][]byte{
		"main.py": []byte("import time\ntime.sleep(5)\n"),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := sb.Run(ctx, artifact, "python3", sandbox.Limits{WallClock: 10 * time.Second})
	require.Error(t, err)
	assert.Equal(t, corekit.KindCancellation, corekit.KindOf(err))
}
