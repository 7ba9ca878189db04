package profile

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/fmtd/fmtd/engine/core"
	"github.com/fmtd/fmtd/pkg/config"
	"github.com/fmtd/fmtd/pkg/logger"
)

// -----------------------------------------------------------------------------
// Invocation Mode
// -----------------------------------------------------------------------------

// Mode selects the adapter calling convention for a formatter binary.
type Mode string

const (
	// ModeStdin pipes the input through stdin and reads stdout.
	ModeStdin Mode = "stdin"
	// ModeFile writes the input to a temp file, passes its path, reads it back.
	ModeFile Mode = "file"
	// ModeDir points the formatter at a working directory of files.
	ModeDir Mode = "dir"
)

// -----------------------------------------------------------------------------
// Profile
// -----------------------------------------------------------------------------

// Profile is the immutable (language, invocation template, version) triple
// identifying how to format a given content type.
type Profile struct {
	ID         string        `json:"id"`
	Language   string        `json:"language"`
	Binary     string        `json:"binary"`
	Args       []string      `json:"args,omitempty"`
	Mode       Mode          `json:"mode"`
	Version    string        `json:"version,omitempty"`
	VersionArg string        `json:"version_arg,omitempty"`
	Extensions []string      `json:"extensions,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`

	// resolvedPath is the absolute binary path discovered during Validate.
	resolvedPath string
}

// Path returns the validated absolute binary path, falling back to the
// declared binary name before validation has run.
func (p *Profile) Path() string {
	if p.resolvedPath != "" {
		return p.resolvedPath
	}
	return p.Binary
}

// -----------------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------------

// Registry holds the formatter capability table. It is constructed once at
// startup from configuration, validated, and then shared read-only; no
// mutation happens after Validate returns.
type Registry struct {
	ordered    []*Profile
	byID       map[string]*Profile
	byExt      map[string]*Profile
	byLanguage map[string]*Profile
}

// NewRegistry builds the registry from the configured capability table.
func NewRegistry(table []config.FormatterConfig) (*Registry, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("formatter capability table is empty")
	}
	r := &Registry{
		byID:       make(map[string]*Profile, len(table)),
		byExt:      make(map[string]*Profile),
		byLanguage: make(map[string]*Profile, len(table)),
	}
	for i := range table {
		entry := &table[i]
		p := &Profile{
			ID:         entry.ID,
			Language:   strings.ToLower(entry.Language),
			Binary:     entry.Binary,
			Args:       append([]string(nil), entry.Args...),
			Mode:       Mode(entry.Mode),
			Version:    entry.Version,
			VersionArg: entry.VersionArg,
			Extensions: normalizeExtensions(entry.Extensions),
			Timeout:    entry.Timeout,
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate profile id %q", p.ID)
		}
		r.byID[p.ID] = p
		for _, ext := range p.Extensions {
			if owner, claimed := r.byExt[ext]; claimed {
				return nil, fmt.Errorf("extension %q claimed by both %q and %q", ext, owner.ID, p.ID)
			}
			r.byExt[ext] = p
		}
		if _, claimed := r.byLanguage[p.Language]; !claimed {
			r.byLanguage[p.Language] = p
		}
		r.ordered = append(r.ordered, p)
	}
	return r, nil
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

// Get looks up a profile by its identifier.
func (r *Registry) Get(id string) (*Profile, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// ByLanguage looks up a profile by its language tag.
func (r *Registry) ByLanguage(lang string) (*Profile, bool) {
	p, ok := r.byLanguage[strings.ToLower(lang)]
	return p, ok
}

// ByExtension looks up a profile by a filename extension (with leading dot).
func (r *Registry) ByExtension(ext string) (*Profile, bool) {
	p, ok := r.byExt[strings.ToLower(ext)]
	return p, ok
}

// Profiles returns the capability table in declaration order.
func (r *Registry) Profiles() []*Profile {
	return r.ordered
}

// Validate resolves every declared binary and probes its version. It runs
// once at startup, before the registry is shared; a missing or unexecutable
// binary fails the boot rather than surfacing mid-job.
func (r *Registry) Validate(ctx context.Context) error {
	for _, p := range r.ordered {
		if err := r.validateProfile(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// ValidateProfile resolves and probes a single profile, leaving the rest of
// the table untouched. One-shot invocations use it so an unrelated missing
// binary does not block the run.
func (r *Registry) ValidateProfile(ctx context.Context, id string) error {
	p, ok := r.byID[id]
	if !ok {
		return core.AdapterConfig(
			fmt.Errorf("unknown formatter profile %q", id),
			map[string]any{"profile": id},
		)
	}
	return r.validateProfile(ctx, p)
}

func (r *Registry) validateProfile(ctx context.Context, p *Profile) error {
	log := logger.FromContext(ctx)
	path, err := exec.LookPath(p.Binary)
	if err != nil {
		return core.AdapterConfig(
			fmt.Errorf("formatter binary %q for profile %q not found: %w", p.Binary, p.ID, err),
			map[string]any{"profile": p.ID, "binary": p.Binary},
		)
	}
	p.resolvedPath = path
	if p.VersionArg != "" {
		version, err := probeVersion(ctx, path, p.VersionArg)
		if err != nil {
			return core.AdapterConfig(
				fmt.Errorf("formatter %q failed version probe: %w", p.ID, err),
				map[string]any{"profile": p.ID, "binary": path},
			)
		}
		if p.Version == "" {
			p.Version = version
		}
	}
	log.Debug("validated formatter profile",
		"profile", p.ID, "binary", path, "version", p.Version)
	return nil
}

func probeVersion(ctx context.Context, path, versionArg string) (string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(probeCtx, path, versionArg)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	line, _, _ := bytes.Cut(bytes.TrimSpace(out), []byte("\n"))
	return string(line), nil
}
