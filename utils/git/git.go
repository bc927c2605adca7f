package git

import (
	"context"
	"errors"
	"fmt"
	"os"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// ErrRevisionNotFound is returned by Checkout when the revision resolves to
// no remote branch, tag or commit in the repository.
var ErrRevisionNotFound = errors.New("revision not found")

// originHEAD records the remote default branch. go-git clones do not create
// it, and the worktree HEAD detaches on the first checkout, so it is written
// explicitly at clone time.
const originHEAD = plumbing.ReferenceName("refs/remotes/origin/HEAD")

type GitClient interface {
	CloneOrFetch(ctx context.Context, url, path string) error
	Checkout(path, revision string) (string, error)
	CleanUp(path string) error
}

type gitClient struct {
	token string
}

func NewGitClient(token string) GitClient {
	return &gitClient{
		token: token,
	}
}

func (g *gitClient) CloneOrFetch(ctx context.Context, url, path string) error {
	// Need to clone the repository
	if _, err := os.Stat(path); os.IsNotExist(err) {
		var authOption *http.BasicAuth

		if g.token != "" {
			// A personal access token is used in place of a password
			// because tokens can easily be revoked.
			authOption = &http.BasicAuth{
				Username: "git", // can be anything except an empty string
				Password: g.token,
			}
		}

		r, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
			Auth: authOption,
			URL:  url,
		})
		if err != nil {
			return fmt.Errorf("failed to clone repository: %w", err)
		}

		return recordDefaultBranch(r)
	}

	// Fetch the latest changes if it's already cloned
	r, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	err = r.FetchContext(ctx, &git.FetchOptions{
		Force: true,
		Tags:  git.AllTags,
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("failed to fetch repository: %w", err)
	}

	return nil
}

// Checkout moves the worktree to revision and returns the resolved commit
// SHA. Revision may be a branch, a tag or a commit SHA; empty tracks the
// remote default branch.
func (g *gitClient) Checkout(path, revision string) (string, error) {
	r, err := git.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("failed to open repository: %w", err)
	}

	w, err := r.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}

	hash, err := resolveRevision(r, revision)
	if err != nil {
		return "", err
	}

	err = w.Checkout(&git.CheckoutOptions{
		Hash:  hash,
		Force: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to checkout revision %q: %w", revision, err)
	}

	return hash.String(), nil
}

func (g *gitClient) CleanUp(path string) error {
	err := os.RemoveAll(path)
	if err != nil {
		return fmt.Errorf("failed to clean up repository: %w", err)
	}

	return nil
}

// recordDefaultBranch writes refs/remotes/origin/HEAD as a symbolic ref to
// the branch HEAD points at. At clone time HEAD is still attached, so this
// captures the remote default branch; fetches advance the target ref, which
// keeps empty-revision resolution tracking new commits.
func recordDefaultBranch(r *git.Repository) error {
	head, err := r.Reference(plumbing.HEAD, false)
	if err != nil {
		return fmt.Errorf("failed to read HEAD: %w", err)
	}
	if head.Type() != plumbing.SymbolicReference || !head.Target().IsBranch() {
		// Detached HEAD upstream; empty revisions fall back to it as-is.
		return nil
	}

	remoteRef := plumbing.NewRemoteReferenceName("origin", head.Target().Short())
	err = r.Storer.SetReference(plumbing.NewSymbolicReference(originHEAD, remoteRef))
	if err != nil {
		return fmt.Errorf("failed to record default branch: %w", err)
	}

	return nil
}

// resolveRevision turns a human-readable revision into a commit hash,
// trying remote branches first, then tags, then a raw SHA.
func resolveRevision(r *git.Repository, revision string) (plumbing.Hash, error) {
	if revision == "" {
		// The worktree HEAD is detached after the first checkout and
		// never moves on fetch; the recorded origin/HEAD does.
		if ref, err := r.Reference(originHEAD, true); err == nil {
			return ref.Hash(), nil
		}
		revision = "HEAD"
	}

	candidates := []plumbing.Revision{
		plumbing.Revision(plumbing.NewRemoteReferenceName("origin", revision)),
		plumbing.Revision(plumbing.NewTagReferenceName(revision)),
		plumbing.Revision(revision),
	}
	for _, rev := range candidates {
		hash, err := r.ResolveRevision(rev)
		if err == nil {
			return *hash, nil
		}
	}

	return plumbing.ZeroHash, fmt.Errorf("%w: %q", ErrRevisionNotFound, revision)
}
