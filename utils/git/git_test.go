package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initOrigin(t *testing.T) (string, *gogit.Repository) {
	t.Helper()

	dir := t.TempDir()
	r, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)

	return dir, r
}

func commitFile(t *testing.T, r *gogit.Repository, dir, name, content, message string) string {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))

	w, err := r.Worktree()
	require.NoError(t, err)
	_, err = w.Add(name)
	require.NoError(t, err)

	hash, err := w.Commit(message, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  "tester",
			Email: "tester@example.com",
			When:  time.Now(),
		},
	})
	require.NoError(t, err)

	return hash.String()
}

func TestGitClient_EmptyRevisionTracksDefaultBranch(t *testing.T) {
	originDir, origin := initOrigin(t)
	first := commitFile(t, origin, originDir, "app.yaml", "a: 1", "first")

	checkout := filepath.Join(t.TempDir(), "checkout")
	g := NewGitClient("")

	err := g.CloneOrFetch(context.Background(), originDir, checkout)
	require.NoError(t, err)
	sha, err := g.Checkout(checkout, "")
	require.NoError(t, err)
	assert.Equal(t, first, sha)

	// A new commit on the origin default branch must be picked up by the
	// next fetch + empty-revision checkout, not pinned to the first SHA.
	second := commitFile(t, origin, originDir, "app.yaml", "a: 2", "second")

	err = g.CloneOrFetch(context.Background(), originDir, checkout)
	require.NoError(t, err)
	sha, err = g.Checkout(checkout, "")
	require.NoError(t, err)
	assert.Equal(t, second, sha)
}

func TestGitClient_CheckoutRevisions(t *testing.T) {
	originDir, origin := initOrigin(t)
	first := commitFile(t, origin, originDir, "app.yaml", "a: 1", "first")

	checkout := filepath.Join(t.TempDir(), "checkout")
	g := NewGitClient("")
	require.NoError(t, g.CloneOrFetch(context.Background(), originDir, checkout))

	tests := []struct {
		name     string
		revision string
		want     string
		err      error
	}{
		{name: "Branch", revision: "master", want: first},
		{name: "Commit SHA", revision: first, want: first},
		{name: "Empty tracks default branch", revision: "", want: first},
		{name: "Unknown revision", revision: "does-not-exist", err: ErrRevisionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sha, err := g.Checkout(checkout, tt.revision)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, sha)
		})
	}
}

func TestGitClient_CheckoutTag(t *testing.T) {
	originDir, origin := initOrigin(t)
	first := commitFile(t, origin, originDir, "app.yaml", "a: 1", "first")

	head, err := origin.Head()
	require.NoError(t, err)
	_, err = origin.CreateTag("v1.0.0", head.Hash(), nil)
	require.NoError(t, err)

	second := commitFile(t, origin, originDir, "app.yaml", "a: 2", "second")

	checkout := filepath.Join(t.TempDir(), "checkout")
	g := NewGitClient("")
	require.NoError(t, g.CloneOrFetch(context.Background(), originDir, checkout))

	sha, err := g.Checkout(checkout, "v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, first, sha)

	sha, err = g.Checkout(checkout, "master")
	require.NoError(t, err)
	assert.Equal(t, second, sha)
}

func TestGitClient_CloneOrFetch_CleanUp(t *testing.T) {
	originDir, origin := initOrigin(t)
	commitFile(t, origin, originDir, "app.yaml", "a: 1", "first")

	checkout := filepath.Join(t.TempDir(), "checkout")
	g := NewGitClient("")

	err := g.CloneOrFetch(context.Background(), originDir, checkout)
	require.NoError(t, err)

	// Second call fetches instead of cloning
	err = g.CloneOrFetch(context.Background(), originDir, checkout)
	require.NoError(t, err)

	err = g.CloneOrFetch(context.Background(), filepath.Join(t.TempDir(), "missing"), filepath.Join(t.TempDir(), "other"))
	assert.ErrorContains(t, err, "failed to clone repository")

	err = g.CleanUp(checkout)
	require.NoError(t, err)
	_, err = os.Stat(checkout)
	assert.True(t, os.IsNotExist(err))
}
