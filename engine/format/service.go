// Package format exposes the orchestration surface consumed by the HTTP
// boundary and the CLI: resolve a request to a profile and content address,
// run it through the dispatcher, and report job state.
package format

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fmtd/fmtd/engine/core"
	"github.com/fmtd/fmtd/engine/dispatch"
	"github.com/fmtd/fmtd/engine/executor"
	"github.com/fmtd/fmtd/engine/profile"
)

// Request is the boundary-level formatting request: inline content with
// optional hints, or a repository reference.
type Request struct {
	Content  []byte
	Filename string
	// Language explicitly names a profile language, bypassing detection.
	Language string
	// ProfileID explicitly names a profile, bypassing detection.
	ProfileID string
	Repo      *executor.RepoRef
}

// repoProfileID namespaces repository jobs in the content-address space.
const repoProfileID = "repo"

type Service struct {
	registry   *profile.Registry
	dispatcher *dispatch.Dispatcher
}

func NewService(registry *profile.Registry, dispatcher *dispatch.Dispatcher) *Service {
	return &Service{registry: registry, dispatcher: dispatcher}
}

// Resolve classifies the request into an executable form with a
// deterministic job identifier. No job is admitted yet.
func (s *Service) Resolve(req *Request) (*executor.Request, error) {
	if req.Repo != nil {
		if strings.TrimSpace(req.Repo.URL) == "" {
			return nil, core.NewError(errors.New("repository url is required"), core.CodeInvalidArgument, nil)
		}
		return &executor.Request{
			Key:  repoKey(req.Repo),
			Repo: req.Repo,
		}, nil
	}
	if len(req.Content) == 0 {
		return nil, core.NewError(errors.New("content is required"), core.CodeInvalidArgument, nil)
	}
	p, err := s.resolveProfile(req)
	if err != nil {
		return nil, err
	}
	return &executor.Request{
		Key:      core.ComputeKey(req.Content, p.ID, p.Version),
		Profile:  p,
		Inline:   req.Content,
		Filename: req.Filename,
	}, nil
}

func (s *Service) resolveProfile(req *Request) (*profile.Profile, error) {
	if req.ProfileID != "" {
		p, ok := s.registry.Get(req.ProfileID)
		if !ok {
			return nil, core.NoProfileFound(
				fmt.Errorf("unknown profile %q", req.ProfileID),
				map[string]any{"profile": req.ProfileID},
			)
		}
		return p, nil
	}
	if req.Language != "" {
		p, ok := s.registry.ByLanguage(req.Language)
		if !ok {
			return nil, core.NoProfileFound(
				fmt.Errorf("no formatter registered for language %q", req.Language),
				map[string]any{"language": req.Language},
			)
		}
		return p, nil
	}
	return s.registry.Detect(req.Content, req.Filename)
}

// repoKey derives the job identifier for a repository reference from its
// canonical fields; the fetched content is unknown until checkout.
func repoKey(ref *executor.RepoRef) core.Key {
	canonical := strings.Join(append([]string{ref.URL, ref.Revision}, ref.Patterns...), "\x00")
	return core.ComputeKey([]byte(canonical), repoProfileID, "")
}

// Format resolves, admits, and waits for the terminal outcome. Detection
// failures surface before any job is queued.
func (s *Service) Format(ctx context.Context, req *Request) (*core.ExecutionResult, error) {
	resolved, err := s.Resolve(req)
	if err != nil {
		return nil, err
	}
	view, err := s.dispatcher.Submit(ctx, resolved)
	if err != nil {
		return nil, err
	}
	return s.dispatcher.Await(ctx, view.ID)
}

// Submit resolves and admits without waiting.
func (s *Service) Submit(ctx context.Context, req *Request) (dispatch.View, error) {
	resolved, err := s.Resolve(req)
	if err != nil {
		return dispatch.View{}, err
	}
	return s.dispatcher.Submit(ctx, resolved)
}

func (s *Service) Status(id core.Key) (dispatch.View, error) {
	return s.dispatcher.Status(id)
}

func (s *Service) Result(ctx context.Context, id core.Key) (*core.ExecutionResult, error) {
	return s.dispatcher.Await(ctx, id)
}

func (s *Service) Cancel(id core.Key) error {
	return s.dispatcher.Cancel(id)
}

func (s *Service) Profiles() []*profile.Profile {
	return s.registry.Profiles()
}

func (s *Service) Stats() (queued, running int) {
	return s.dispatcher.Stats()
}
