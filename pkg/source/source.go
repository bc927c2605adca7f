// Package source resolves a repository/path/revision tuple into an ordered,
// deduplicated set of declarative object definitions.
package source

import (
	"context"
	"errors"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/gitopsd/gitopsd/pkg/apis/application/v1alpha1"
	"github.com/gitopsd/gitopsd/pkg/apperr"
	"github.com/gitopsd/gitopsd/pkg/diff"
	"github.com/gitopsd/gitopsd/utils/git"
)

// DesiredManifestSet is the resolved desired state at a single revision.
// Immutable once returned; a new revision produces a new set.
type DesiredManifestSet struct {
	// Revision is the commit SHA the set was resolved from.
	Revision string
	// Objects is in dependency order and free of identity collisions.
	Objects []*unstructured.Unstructured
}

// DeepCopy returns a set whose objects the caller may mutate freely.
func (s *DesiredManifestSet) DeepCopy() *DesiredManifestSet {
	out := &DesiredManifestSet{Revision: s.Revision}
	for _, obj := range s.Objects {
		out.Objects = append(out.Objects, obj.DeepCopy())
	}
	return out
}

type Adapter interface {
	Resolve(ctx context.Context, appName string, src v1alpha1.ApplicationSource) (*DesiredManifestSet, error)
	CleanUp(appName string, src v1alpha1.ApplicationSource) error
}

type adapter struct {
	gitClient git.GitClient

	// cacheTTL bounds how long a resolution may be served without going
	// back to the remote. Zero disables caching.
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	set       *DesiredManifestSet
	fetchedAt time.Time
}

func NewAdapter(gitClient git.GitClient, cacheTTL time.Duration) Adapter {
	return &adapter{
		gitClient: gitClient,
		cacheTTL:  cacheTTL,
		cache:     make(map[string]cacheEntry),
	}
}

func (a *adapter) Resolve(ctx context.Context, appName string, src v1alpha1.ApplicationSource) (*DesiredManifestSet, error) {
	key := cacheKey(appName, src)

	a.mu.Lock()
	entry, ok := a.cache[key]
	a.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < a.cacheTTL {
		log.WithField("application", appName).Debugf("Serving manifests for revision %s from cache", entry.set.Revision)
		return entry.set.DeepCopy(), nil
	}

	repoPath := RepoPath(appName, src.RepoURL)

	log.Debugf("Cloning repository %s to %s", src.RepoURL, repoPath)
	if err := a.gitClient.CloneOrFetch(ctx, src.RepoURL, repoPath); err != nil {
		return nil, apperr.Wrap(apperr.SourceUnavailable, err)
	}

	sha, err := a.gitClient.Checkout(repoPath, src.Revision)
	if err != nil {
		if errors.Is(err, git.ErrRevisionNotFound) {
			return nil, apperr.Wrap(apperr.RevisionNotFound, err)
		}
		return nil, apperr.Wrap(apperr.SourceUnavailable, err)
	}
	log.Debugf("Checked out revision %q at %s", src.Revision, sha)

	objs, err := LoadManifests(path.Join(repoPath, src.Path))
	if err != nil {
		return nil, err
	}

	if err := checkIdentities(objs); err != nil {
		return nil, err
	}
	diff.SortByDependency(objs)

	set := &DesiredManifestSet{Revision: sha, Objects: objs}

	a.mu.Lock()
	a.cache[key] = cacheEntry{set: set, fetchedAt: time.Now()}
	a.mu.Unlock()

	return set.DeepCopy(), nil
}

func (a *adapter) CleanUp(appName string, src v1alpha1.ApplicationSource) error {
	a.mu.Lock()
	delete(a.cache, cacheKey(appName, src))
	a.mu.Unlock()

	return a.gitClient.CleanUp(RepoPath(appName, src.RepoURL))
}

// RepoPath is the per-application checkout directory for a repository.
func RepoPath(appName, repoURL string) string {
	return path.Join(os.TempDir(), appName, strings.Replace(repoURL, "/", "_", -1))
}

func cacheKey(appName string, src v1alpha1.ApplicationSource) string {
	return appName + "|" + src.RepoURL + "|" + src.Path + "|" + src.Revision
}

// checkIdentities rejects sets containing two objects with the same
// group/kind/namespace/name. A collision is fatal to this resolution and
// not retried until the source changes.
func checkIdentities(objs []*unstructured.Unstructured) error {
	seen := make(map[v1alpha1.ResourceIdentity]struct{}, len(objs))
	for _, obj := range objs {
		id := diff.Identity(obj)
		if _, ok := seen[id]; ok {
			return apperr.New(apperr.ConflictingIdentity, "duplicate object %s in desired set", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
