// Package sandbox implements the Sandbox collaborator used by the Task
// Executor's stage 4 (spec §4.5): run(artifact, language, limits) ->
// { exit_code, stdout, stderr, duration }, enforcing cpu/memory/wall_clock
// caps and killing the process on cancellation. Network access is not
// blocked: the child only gets an environment stripped to PATH and HOME
// (with blank proxy variables when Limits.NetworkOff is set).
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/capsulecraft/orchestrator/pkg/corekit"
)

// Limits mirrors the spec's resource caps: { cpu, memory, wall_clock,
// network=off }. Zero values mean "no cap" except WallClock, which always
// defaults (see Run) so a misconfigured caller can't hang forever.
type Limits struct {
	CPU         time.Duration
	MemoryBytes int64
	WallClock   time.Duration
	NetworkOff  bool
}

// Result is run()'s return value: { exit_code, stdout, stderr, duration }.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Sandbox is the runtime-validation contract.
type Sandbox interface {
	Run(ctx context.Context, artifact corekit.Artifact, language string, limits Limits) (Result, error)
}

// runner knows how to turn an artifact written to a working directory into
// the argv of the command that executes it.
type runner func(workDir string, artifact corekit.Artifact) (name string, args []string, err error)

var runners = map[string]runner{
	"go":     runGo,
	"golang": runGo,
	"python": runPython,
	"python3": runPython,
}

// LocalExecSandbox runs artifacts as local OS processes under cpu and
// memory limits applied via the shell's ulimit builtin and a wall-clock
// deadline, killing the process group on cancellation. It applies no
// network isolation beyond the stripped environment (see sandboxEnv). It
// is the default Sandbox implementation; a containerized one (gVisor,
// firecracker, Docker) can satisfy the same interface without the
// executor changing.
type LocalExecSandbox struct {
	baseDir string
}

// New constructs a LocalExecSandbox. baseDir is the parent directory under
// which each Run gets its own scratch subdirectory; an empty baseDir uses
// os.TempDir().
func New(baseDir string) *LocalExecSandbox {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &LocalExecSandbox{baseDir: baseDir}
}

func (s *LocalExecSandbox) Run(ctx context.Context, artifact corekit.Artifact, language string, limits Limits) (Result, error) {
	build, ok := runners[language]
	if !ok {
		return Result{}, corekit.NewClassifiedError("sandbox.Run", corekit.KindPermanent, "",
			fmt.Errorf("no sandbox runner registered for language %q", language))
	}

	workDir, err := os.MkdirTemp(s.baseDir, "sandbox-*")
	if err != nil {
		return Result{}, corekit.NewClassifiedError("sandbox.Run", corekit.KindTransient, "", err)
	}
	defer os.RemoveAll(workDir)

	if err := writeArtifact(workDir, artifact); err != nil {
		return Result{}, corekit.NewClassifiedError("sandbox.Run", corekit.KindTransient, "", err)
	}

	name, args, err := build(workDir, artifact)
	if err != nil {
		return Result{}, corekit.NewClassifiedError("sandbox.Run", corekit.KindPermanent, "", err)
	}

	wallClock := limits.WallClock
	if wallClock <= 0 {
		wallClock = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, wallClock)
	defer cancel()

	start := time.Now()
	result, runErr := execWithLimits(runCtx, workDir, name, args, limits)
	result.Duration = time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		return result, corekit.NewClassifiedError("sandbox.Run", corekit.KindTransient, "", context.DeadlineExceeded)
	}
	if ctx.Err() != nil {
		return result, corekit.NewClassifiedError("sandbox.Run", corekit.KindCancellation, "", ctx.Err())
	}
	if runErr != nil {
		// A nonzero exit is not itself a sandbox failure: the caller (C5
		// stage 4 -> stage 5 confidence scoring) reads ExitCode, it does
		// not need run() to fail just because the artifact's own program
		// returned nonzero.
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return result, corekit.NewClassifiedError("sandbox.Run", corekit.KindTransient, "", runErr)
		}
	}
	return result, nil
}

func writeArtifact(workDir string, artifact corekit.Artifact) error {
	for path, content := range artifact.Files {
		full := filepath.Join(workDir, filepath.Clean(path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, content, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func runGo(workDir string, artifact corekit.Artifact) (string, []string, error) {
	return "go", []string{"run", "."}, nil
}

func runPython(workDir string, artifact corekit.Artifact) (string, []string, error) {
	entry := "main.py"
	if _, ok := artifact.Files[entry]; !ok {
		for path := range artifact.Files {
			if filepath.Ext(path) == ".py" {
				entry = path
				break
			}
		}
	}
	return "python3", []string{entry}, nil
}

// execWithLimits runs name/args in workDir in its own process group (so a
// timeout or cancellation kills every descendant it spawned), with cpu
// and address-space caps applied via the shell's ulimit builtin before
// exec — os/exec has no pre-exec hook, so the shell is the only portable
// way to set rlimits on the child before it execs the real program.
func execWithLimits(ctx context.Context, workDir, name string, args []string, limits Limits) (Result, error) {
	shellCmd, shellArgs := wrapWithUlimit(name, args, limits)
	cmd := exec.Command(shellCmd, shellArgs...)
	cmd.Dir = workDir
	cmd.Env = sandboxEnv(limits)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Result{}, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	var once sync.Once
	killGroup := func() {
		once.Do(func() {
			if cmd.Process != nil {
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
		})
	}

	select {
	case <-ctx.Done():
		killGroup()
		<-done
		waitErr = ctx.Err()
	case waitErr = <-done:
	}

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	} else if waitErr == ctx.Err() {
		exitCode = -1
	}

	result := Result{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}

	if waitErr == ctx.Err() {
		return result, waitErr
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return result, exitErr
	}
	return result, waitErr
}

// wrapWithUlimit builds a `sh -c` invocation that applies cpu-time
// (ulimit -t, seconds) and address-space (ulimit -v, KiB) limits in the
// shell before exec'ing name/args, so the limits bind to the artifact's
// process rather than the shell itself.
func wrapWithUlimit(name string, args []string, limits Limits) (string, []string) {
	var script bytes.Buffer
	if limits.CPU > 0 {
		secs := int(limits.CPU.Seconds())
		if secs < 1 {
			secs = 1
		}
		fmt.Fprintf(&script, "ulimit -t %d; ", secs)
	}
	if limits.MemoryBytes > 0 {
		kib := limits.MemoryBytes / 1024
		if kib < 1 {
			kib = 1
		}
		fmt.Fprintf(&script, "ulimit -v %d; ", kib)
	}
	script.WriteString(`exec "$0" "$@"`)

	shellArgs := append([]string{"-c", script.String(), name}, args...)
	return "sh", shellArgs
}

// sandboxEnv strips the parent's environment down to the minimum needed to
// run a build/interpreter toolchain, which also serves as the cheapest
// form of network=off: no proxy or credential env vars reach the child.
func sandboxEnv(limits Limits) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.TempDir(),
	}
	if limits.NetworkOff {
		env = append(env, "http_proxy=", "https_proxy=", "no_proxy=*")
	}
	return env
}
