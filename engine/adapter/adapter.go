// Package adapter wraps external formatter binaries behind a uniform
// invocation contract. Every launch is argument-vector only; no shell ever
// interprets input-derived strings.
package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"time"

	"github.com/fmtd/fmtd/engine/core"
	"github.com/fmtd/fmtd/engine/profile"
	"github.com/fmtd/fmtd/pkg/config"
	"github.com/fmtd/fmtd/pkg/logger"
)

// Invocation describes one formatter run. Exactly one of Input (stdin mode)
// or TargetPath (file and dir modes) carries the payload.
type Invocation struct {
	Profile *profile.Profile
	// Input is piped through stdin for ModeStdin profiles.
	Input []byte
	// TargetPath is the file or directory argument for ModeFile/ModeDir.
	TargetPath string
	// Dir is the working directory for the process; required for ModeDir.
	Dir string
}

// Adapter supervises external formatter processes. It holds configuration
// only and no per-job state, so one instance serves all workers.
type Adapter struct {
	cfg config.ExecConfig
}

func New(cfg config.ExecConfig) *Adapter {
	return &Adapter{cfg: cfg}
}

// Timeout resolves the effective wall-clock budget for a profile.
func (a *Adapter) Timeout(p *profile.Profile) time.Duration {
	if p != nil && p.Timeout > 0 {
		return p.Timeout
	}
	return a.cfg.Timeout
}

// Invoke runs the formatter and classifies the outcome:
//   - exit 0: the ExecutionResult carries the formatted output;
//   - non-zero exit: a FormattingError with stderr verbatim, alongside the
//     partial result for diagnostics;
//   - budget exceeded: TimedOut, with the process group forcibly reaped;
//   - missing or unexecutable binary: AdapterConfigurationError;
//   - caller cancellation: the context error, untranslated.
func (a *Adapter) Invoke(ctx context.Context, inv Invocation) (*core.ExecutionResult, error) {
	p := inv.Profile
	if p == nil {
		return nil, core.Internal(errors.New("invocation without profile"), nil)
	}
	cmdCtx, cancel := context.WithTimeout(ctx, a.Timeout(p))
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, p.Path(), a.buildArgs(inv)...)
	configurePlatform(cmd, a.cfg.KillGrace)
	if inv.Dir != "" {
		cmd.Dir = inv.Dir
	}
	if p.Mode == profile.ModeStdin {
		cmd.Stdin = bytes.NewReader(inv.Input)
	}
	stdout := newLimitedBuffer(a.cfg.MaxStdout)
	stderr := newLimitedBuffer(a.cfg.MaxStderr)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := &core.ExecutionResult{
		Stderr:   stderr.String(),
		Duration: duration,
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case runErr == nil:
		output, err := a.collectOutput(inv, stdout)
		if err != nil {
			return result, err
		}
		result.Output = output
		logger.FromContext(ctx).Debug("formatter run complete",
			"profile", p.ID, "duration", duration, "bytes", len(output))
		return result, nil
	case cmdCtx.Err() == context.DeadlineExceeded:
		return result, core.Timeout(
			fmt.Errorf("formatter %q exceeded %s budget", p.ID, a.Timeout(p)),
			map[string]any{"profile": p.ID, "timeout": a.Timeout(p).String()},
		)
	case ctx.Err() != nil:
		// Cooperative cancellation by the caller; not a formatter fault.
		return result, ctx.Err()
	default:
		return result, a.classifyRunError(p, runErr, result)
	}
}

func (a *Adapter) buildArgs(inv Invocation) []string {
	args := append([]string(nil), inv.Profile.Args...)
	switch inv.Profile.Mode {
	case profile.ModeFile, profile.ModeDir:
		if inv.TargetPath != "" {
			args = append(args, inv.TargetPath)
		}
	}
	return args
}

// collectOutput reads the formatted bytes according to the invocation mode.
// File-mode formatters rewrite the target in place, so the file is read back.
func (a *Adapter) collectOutput(inv Invocation, stdout *limitedBuffer) ([]byte, error) {
	switch inv.Profile.Mode {
	case profile.ModeFile:
		data, err := os.ReadFile(inv.TargetPath)
		if err != nil {
			return nil, core.Internal(
				fmt.Errorf("failed to read formatted file back: %w", err),
				map[string]any{"profile": inv.Profile.ID},
			)
		}
		return data, nil
	default:
		if stdout.Truncated() {
			return nil, core.Internal(
				fmt.Errorf("formatter output exceeded %d byte limit", a.cfg.MaxStdout),
				map[string]any{"profile": inv.Profile.ID, "written": stdout.Written()},
			)
		}
		return stdout.Bytes(), nil
	}
}

func (a *Adapter) classifyRunError(p *profile.Profile, runErr error, result *core.ExecutionResult) error {
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		// The tool ran and rejected its input: a caller-facing formatting
		// failure, not a system fault.
		return core.Formatting(
			fmt.Errorf("formatter %q exited %d", p.ID, exitErr.ExitCode()),
			map[string]any{
				"profile":   p.ID,
				"exit_code": exitErr.ExitCode(),
				"stderr":    result.Stderr,
			},
		)
	}
	if errors.Is(runErr, exec.ErrNotFound) || errors.Is(runErr, fs.ErrPermission) {
		return core.AdapterConfig(
			fmt.Errorf("formatter binary %q unusable: %w", p.Path(), runErr),
			map[string]any{"profile": p.ID, "binary": p.Path()},
		)
	}
	return core.Internal(
		fmt.Errorf("formatter %q failed to start: %w", p.ID, runErr),
		map[string]any{"profile": p.ID},
	)
}
