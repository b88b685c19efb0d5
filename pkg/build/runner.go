package build

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/dd0wney/vsd-backend/pkg/env"
	"github.com/dd0wney/vsd-backend/pkg/events"
	"github.com/dd0wney/vsd-backend/pkg/logging"
)

// LineSink receives each line of merged build output as it becomes available
type LineSink func(line string)

// artifactFiles is the fixed set of build artifacts copied from the working
// build directory into the stable per-board output directory.
var artifactFiles = []string{
	"zephyr/zephyr.dts",
	"zephyr/zephyr.elf",
	"zephyr/.config",
}

// Runner supervises external build subprocesses for one workspace
type Runner struct {
	env *env.Config
	log *logging.Logger

	// compose builds the invocation; replaceable in tests.
	compose func(boardName, appPath, buildDir, boardsRoot string) string
}

// NewRunner creates a build runner
func NewRunner(cfg *env.Config, log *logging.Logger) *Runner {
	if log == nil {
		log = logging.NewDefaultLogger()
	}
	return &Runner{env: cfg, log: log, compose: ComposeWestCommand}
}

// SetComposer overrides how the build invocation is composed, allowing a
// different build tool to be substituted for the default west command.
func (r *Runner) SetComposer(fn func(boardName, appPath, buildDir, boardsRoot string) string) {
	r.compose = fn
}

// Run removes any stale build directory, spawns the composed build command
// with merged stdout/stderr and streams its output line-by-line to sink. The
// cancel signal is observed cooperatively: when it fires the subprocess is
// terminated and output captured so far is preserved. Artifacts are copied to
// the stable per-board output directory whether or not the build succeeded.
//
// A failing external build is reported in the Result; Run itself only returns
// an error for precondition failures.
func (r *Runner) Run(ctx context.Context, boardName, appPath string, sink LineSink, cancel *events.Signal) (*Result, error) {
	buildDir := r.env.BuildDir()
	if err := os.RemoveAll(buildDir); err != nil {
		return nil, fmt.Errorf("failed to remove stale build directory: %w", err)
	}
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create build directory: %w", err)
	}

	command := r.compose(boardName, appPath, buildDir, r.env.Workspace)
	r.log.Info("starting build", logging.String("board", boardName), logging.String("command", command))

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open build output pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start build command: %w", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	if cancel == nil {
		cancel = events.NewSignal()
	}

	var out []byte
	cancelled := false

read:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break read
			}
			out = append(out, line...)
			out = append(out, '\n')
			if sink != nil {
				sink(line + "\n")
			}
		case <-cancel.Done():
			cancelled = true
			r.log.Warn("aborting build", logging.String("board", boardName))
			cmd.Process.Signal(syscall.SIGTERM)
			break read
		case <-ctx.Done():
			cancelled = true
			cmd.Process.Signal(syscall.SIGTERM)
			break read
		}
	}

	// Keep draining so the subprocess can't block on a full pipe while it
	// shuts down.
	go func() {
		for range lines {
		}
	}()

	waitErr := cmd.Wait()

	result := &Result{
		OutputDir: r.env.BuildsDir(boardName),
		Log:       out,
	}
	switch {
	case cancelled:
		result.Status = StatusCancelled
	case waitErr == nil:
		result.Status = StatusSucceeded
	default:
		result.Status = StatusFailed
	}
	if state := cmd.ProcessState; state != nil && state.Exited() {
		result.Exited = true
		result.ExitCode = state.ExitCode()
	}

	if err := r.collectArtifacts(buildDir, result); err != nil {
		return nil, err
	}

	r.log.Info("build finished",
		logging.String("board", boardName),
		logging.String("status", result.Status.String()),
		logging.String("output_dir", result.OutputDir))
	return result, nil
}

// collectArtifacts copies the fixed artifact set into the stable per-board
// output directory, overwriting any prior contents, and persists the full
// build log
func (r *Runner) collectArtifacts(buildDir string, result *Result) error {
	if err := os.RemoveAll(result.OutputDir); err != nil {
		return fmt.Errorf("failed to discard old build artifacts: %w", err)
	}
	if err := os.MkdirAll(result.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create build output directory: %w", err)
	}

	for _, rel := range artifactFiles {
		src := filepath.Join(buildDir, rel)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(result.OutputDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("failed to create artifact directory: %w", err)
		}
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("failed to copy artifact %s: %w", rel, err)
		}
	}

	logPath := filepath.Join(result.OutputDir, "build.log")
	if err := os.WriteFile(logPath, result.Log, 0o644); err != nil {
		return fmt.Errorf("failed to persist build log: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
