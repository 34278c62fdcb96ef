package estimator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// processWaitDelay bounds how long Wait blocks on output pipes after the
// process was killed on context cancellation.
const processWaitDelay = 5 * time.Second

// Runner runs an external program and waits for it to exit.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs programs with os/exec. A cancelled context kills the
// process; output lines are forwarded to the logger.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner creates an ExecRunner logging program output to logger
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = processWaitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err = cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", filepath.Base(name), err)
	}

	logger := r.logger.With(slog.String("process", filepath.Base(name)), slog.Int("pid", cmd.Process.Pid))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		forwardOutput(stdout, logger, slog.LevelDebug)
	}()
	go func() {
		defer wg.Done()
		forwardOutput(stderr, logger, slog.LevelWarn)
	}()
	wg.Wait()

	if err = cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s %s: %w", filepath.Base(name), strings.Join(args, " "), errors.Join(ctxErr, err))
		}
		return fmt.Errorf("%s %s exited with error: %w", filepath.Base(name), strings.Join(args, " "), err)
	}

	return nil
}

func forwardOutput(r io.Reader, logger *slog.Logger, level slog.Level) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Log(context.Background(), level, line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
		logger.Warn(fmt.Sprintf("error reading process output: %s", err.Error()))
	}
}

// FindRuntime resolves the path of an estimator control program. When dir is
// empty the program is looked up in PATH.
func FindRuntime(dir, runtime string) (string, error) {
	if dir != "" {
		return filepath.Join(dir, runtime), nil
	}

	binPath, err := exec.LookPath(runtime)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("`%s` not found in PATH: %w", runtime, err)
		}
		return "", fmt.Errorf("failed to locate `%s`: %w", runtime, err)
	}

	return binPath, nil
}
