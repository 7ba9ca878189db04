package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/sethvargo/go-retry"

	"github.com/fmtd/fmtd/engine/core"
)

// fetchRepo performs a shallow, read-only checkout of the reference into dir.
// Transient transport failures are retried with exponential backoff; a bad
// URL, missing repository, required authentication, or unknown revision are
// permanent and surface immediately as SourceFetchError.
func fetchRepo(ctx context.Context, ref *RepoRef, dir string) error {
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := cloneAndCheckout(ctx, ref, dir)
		if err == nil || isPermanentFetchError(err) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return core.SourceFetch(
			fmt.Errorf("failed to fetch %s@%s: %w", ref.URL, ref.Revision, err),
			map[string]any{"url": ref.URL, "revision": ref.Revision},
		)
	}
	return nil
}

func cloneAndCheckout(ctx context.Context, ref *RepoRef, dir string) error {
	// A failed attempt may leave a partial clone behind; start clean.
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:   ref.URL,
		Depth: 1,
	})
	if err != nil {
		return err
	}
	if ref.Revision == "" {
		return nil
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(ref.Revision))
	if err != nil {
		// The shallow clone may simply not contain the revision; deepen once
		// before giving up on it.
		if fetchErr := repo.FetchContext(ctx, &git.FetchOptions{Depth: 0}); fetchErr != nil &&
			!errors.Is(fetchErr, git.NoErrAlreadyUpToDate) {
			return err
		}
		if hash, err = repo.ResolveRevision(plumbing.Revision(ref.Revision)); err != nil {
			return err
		}
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return err
	}
	return worktree.Checkout(&git.CheckoutOptions{Hash: *hash})
}

func isPermanentFetchError(err error) bool {
	switch {
	case errors.Is(err, git.ErrRepositoryNotExists),
		errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, plumbing.ErrReferenceNotFound):
		return true
	}
	return false
}
