// Package executor runs one formatting job end to end: it acquires a scoped
// working area, materializes input, drives the formatter adapter, and
// normalizes the outcome. Working directories are exclusively owned by one
// execution and removed on every exit path.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fmtd/fmtd/engine/adapter"
	"github.com/fmtd/fmtd/engine/core"
	"github.com/fmtd/fmtd/engine/profile"
	"github.com/fmtd/fmtd/pkg/logger"
)

// RepoRef points at a read-only source to fetch instead of inline content.
type RepoRef struct {
	URL      string   `json:"url"`
	Revision string   `json:"revision,omitempty"`
	Patterns []string `json:"patterns,omitempty"`
}

// Request is one unit of work handed over by the dispatcher.
type Request struct {
	Key core.Key
	// Profile drives inline formatting; repo requests detect per file.
	Profile *profile.Profile
	Inline  []byte
	Repo    *RepoRef
	// Filename is the detection hint that accompanied inline content.
	Filename string
}

// Executor owns the working-area root and the collaborators needed to run a
// job. Safe for concurrent use by all pool workers.
type Executor struct {
	adapter  *adapter.Adapter
	registry *profile.Registry
	workRoot string
	fetch    fetchFunc
}

// fetchFunc is swapped in tests to avoid network access.
type fetchFunc func(ctx context.Context, ref *RepoRef, dir string) error

func New(adp *adapter.Adapter, registry *profile.Registry, dataRoot string) (*Executor, error) {
	workRoot := filepath.Join(dataRoot, "work")
	if err := os.MkdirAll(workRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work root: %w", err)
	}
	return &Executor{
		adapter:  adp,
		registry: registry,
		workRoot: workRoot,
		fetch:    fetchRepo,
	}, nil
}

// Execute runs the request to a terminal outcome. The scoped working
// directory is cleaned up on success, failure, timeout and cancellation.
func (e *Executor) Execute(ctx context.Context, req *Request) (*core.ExecutionResult, error) {
	workdir, err := os.MkdirTemp(e.workRoot, "job-")
	if err != nil {
		return nil, core.Internal(fmt.Errorf("failed to acquire working dir: %w", err), nil)
	}
	defer func() {
		if rmErr := os.RemoveAll(workdir); rmErr != nil {
			logger.FromContext(ctx).Warn("failed to remove working dir", "dir", workdir, "error", rmErr)
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var result *core.ExecutionResult
	if req.Repo != nil {
		result, err = e.executeRepo(ctx, req, workdir)
	} else {
		result, err = e.executeInline(ctx, req, workdir)
	}
	if result != nil {
		result.Key = req.Key
	}
	return result, err
}

func (e *Executor) executeInline(ctx context.Context, req *Request, workdir string) (*core.ExecutionResult, error) {
	p := req.Profile
	inv := adapter.Invocation{Profile: p, Dir: workdir}
	var target string
	switch p.Mode {
	case profile.ModeStdin:
		inv.Input = req.Inline
	case profile.ModeFile:
		target = filepath.Join(workdir, "input"+inputExtension(req, p))
		if err := os.WriteFile(target, req.Inline, 0o644); err != nil {
			return nil, core.Internal(fmt.Errorf("failed to materialize input: %w", err), nil)
		}
		inv.TargetPath = target
	case profile.ModeDir:
		target = filepath.Join(workdir, "input"+inputExtension(req, p))
		if err := os.WriteFile(target, req.Inline, 0o644); err != nil {
			return nil, core.Internal(fmt.Errorf("failed to materialize input: %w", err), nil)
		}
		inv.TargetPath = "."
	}
	result, err := e.adapter.Invoke(ctx, inv)
	if err != nil || p.Mode != profile.ModeDir {
		return result, err
	}
	// dir-mode formatters rewrite in place and keep stdout for their own logs
	data, readErr := os.ReadFile(target)
	if readErr != nil {
		return nil, core.Internal(fmt.Errorf("failed to read formatted file back: %w", readErr), nil)
	}
	result.Output = data
	return result, nil
}

func inputExtension(req *Request, p *profile.Profile) string {
	if ext := filepath.Ext(req.Filename); ext != "" {
		return ext
	}
	if len(p.Extensions) > 0 {
		return p.Extensions[0]
	}
	return ""
}

// executeRepo fetches the reference read-only into the scoped directory,
// formats every matching file, and returns the formatted tree as a JSON
// object keyed by repository-relative path.
func (e *Executor) executeRepo(ctx context.Context, req *Request, workdir string) (*core.ExecutionResult, error) {
	log := logger.FromContext(ctx)
	checkout := filepath.Join(workdir, "src")
	if err := e.fetch(ctx, req.Repo, checkout); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	files, err := e.matchFiles(checkout, req.Repo.Patterns)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	formatted := make(map[string]string, len(files))
	var diagnostics []string
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := e.registry.Detect(nil, rel)
		if err != nil {
			continue // unformattable path, not an error for repo jobs
		}
		output, err := e.formatRepoFile(ctx, p, checkout, rel)
		if err != nil {
			if core.IsCode(err, core.CodeFormattingFailed) {
				diagnostics = append(diagnostics, fmt.Sprintf("%s: %v", rel, err))
				continue
			}
			return nil, err
		}
		formatted[rel] = string(output)
	}
	if len(formatted) == 0 && len(diagnostics) > 0 {
		return nil, core.Formatting(
			fmt.Errorf("no file in %s formatted cleanly", req.Repo.URL),
			map[string]any{"diagnostics": diagnostics},
		)
	}
	payload, err := json.Marshal(formatted)
	if err != nil {
		return nil, core.Internal(fmt.Errorf("failed to encode repo result: %w", err), nil)
	}
	log.Info("repository formatted",
		"url", req.Repo.URL, "files", len(formatted), "skipped", len(diagnostics))
	return &core.ExecutionResult{
		Output:   payload,
		Stderr:   strings.Join(diagnostics, "\n"),
		Duration: time.Since(start),
	}, nil
}

func (e *Executor) formatRepoFile(ctx context.Context, p *profile.Profile, checkout, rel string) ([]byte, error) {
	abs := filepath.Join(checkout, rel)
	inv := adapter.Invocation{Profile: p, Dir: checkout}
	switch p.Mode {
	case profile.ModeStdin:
		content, err := os.ReadFile(abs)
		if err != nil {
			return nil, core.Internal(fmt.Errorf("failed to read %s: %w", rel, err), nil)
		}
		inv.Input = content
	default:
		inv.TargetPath = abs
	}
	result, err := e.adapter.Invoke(ctx, inv)
	if err != nil {
		return nil, err
	}
	if p.Mode == profile.ModeDir {
		// dir-mode formatters rewrite in place and keep stdout for logs
		data, readErr := os.ReadFile(abs)
		if readErr != nil {
			return nil, core.Internal(fmt.Errorf("failed to read %s back: %w", rel, readErr), nil)
		}
		return data, nil
	}
	return result.Output, nil
}

// matchFiles lists repository-relative paths selected by the glob patterns,
// defaulting to every file with a registered extension. Paths are returned
// sorted so repo results are deterministic.
func (e *Executor) matchFiles(checkout string, patterns []string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(checkout, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(checkout, path)
		if err != nil {
			return err
		}
		if selected(rel, patterns) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, core.Internal(fmt.Errorf("failed to scan checkout: %w", err), nil)
	}
	sort.Strings(out)
	return out, nil
}

func selected(rel string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if ok, err := filepath.Match(pattern, rel); err == nil && ok {
			return true
		}
		if ok, err := filepath.Match(pattern, filepath.Base(rel)); err == nil && ok {
			return true
		}
	}
	return false
}
