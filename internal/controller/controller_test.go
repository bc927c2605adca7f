package controller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/gitopsd/gitopsd/common"
	"github.com/gitopsd/gitopsd/pkg/apis/application/v1alpha1"
	"github.com/gitopsd/gitopsd/pkg/apperr"
	"github.com/gitopsd/gitopsd/pkg/cluster"
	"github.com/gitopsd/gitopsd/pkg/diff"
	"github.com/gitopsd/gitopsd/pkg/registry"
	"github.com/gitopsd/gitopsd/pkg/source"
)

type fakeSource struct {
	set     *source.DesiredManifestSet
	err     error
	cleaned bool
}

func (f *fakeSource) Resolve(_ context.Context, _ string, _ v1alpha1.ApplicationSource) (*source.DesiredManifestSet, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.set.DeepCopy(), nil
}

func (f *fakeSource) CleanUp(_ string, _ v1alpha1.ApplicationSource) error {
	f.cleaned = true
	return nil
}

type fakeReader struct {
	objs []*unstructured.Unstructured
	err  error
}

func (f *fakeReader) List(_ context.Context, _ v1alpha1.ApplicationDestination, _ map[string]string) (*cluster.LiveObjectSet, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &cluster.LiveObjectSet{Objects: f.objs}, nil
}

type fakeExecutor struct {
	applied []*diff.Plan
	err     error
}

func (f *fakeExecutor) Apply(_ context.Context, _ *v1alpha1.Application, plan *diff.Plan) (*v1alpha1.SyncResult, error) {
	f.applied = append(f.applied, plan)
	result := &v1alpha1.SyncResult{ID: "test", Phase: v1alpha1.SyncPhaseSucceeded}
	if f.err != nil {
		result.Phase = v1alpha1.SyncPhaseError
		result.Message = f.err.Error()
	}
	return result, f.err
}

func newFakeApp(name string, automated *v1alpha1.AutomatedSyncPolicy) *v1alpha1.Application {
	return &v1alpha1.Application{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec: v1alpha1.ApplicationSpec{
			Source: v1alpha1.ApplicationSource{
				RepoURL:  "https://example.com/voting.git",
				Path:     "manifests",
				Revision: "main",
			},
			Destination: v1alpha1.ApplicationDestination{Namespace: "voting"},
			SyncPolicy:  v1alpha1.SyncPolicy{Automated: automated},
		},
	}
}

func newManifest(kind, name string) *unstructured.Unstructured {
	apiVersion := "v1"
	if kind == "Deployment" {
		apiVersion = "apps/v1"
	}
	return &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": apiVersion,
			"kind":       kind,
			"metadata": map[string]interface{}{
				"name":      name,
				"namespace": "voting",
			},
		},
	}
}

func newFakeController(src *fakeSource, reader *fakeReader, executor *fakeExecutor) (*Controller, *registry.Registry) {
	reg := registry.New(20)
	config := DefaultConfig()
	config.DegradedThreshold = 3
	return NewController(reg, src, reader, executor, config), reg
}

func Test_Reconcile_AutomatedSync(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{set: &source.DesiredManifestSet{
		Revision: "abc123",
		Objects:  []*unstructured.Unstructured{newManifest("Deployment", "vote")},
	}}
	executor := &fakeExecutor{}
	c, reg := newFakeController(src, &fakeReader{}, executor)

	reg.Upsert(newFakeApp("voting", &v1alpha1.AutomatedSyncPolicy{}))
	app, _ := reg.Get("voting")

	err := c.reconcile(ctx, app)
	require.NoError(t, err)

	require.Len(t, executor.applied, 1)
	changes := executor.applied[0].Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, diff.OpCreate, changes[0].Type)
	// The tracking identity was stamped before diffing
	assert.True(t, common.IsTracked(changes[0].Desired, "voting"))

	status, _ := reg.Get("voting")
	assert.Equal(t, v1alpha1.SyncStatusSynced, status.Status.SyncStatus)
	assert.Equal(t, v1alpha1.HealthStatusHealthy, status.Status.HealthStatus)
	assert.Equal(t, "abc123", status.Status.Revision)
	assert.NotNil(t, reg.LatestResult("voting"))
}

func Test_Reconcile_ManualWaitsForRequest(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{set: &source.DesiredManifestSet{
		Revision: "abc123",
		Objects:  []*unstructured.Unstructured{newManifest("Deployment", "vote")},
	}}
	executor := &fakeExecutor{}
	c, reg := newFakeController(src, &fakeReader{}, executor)

	reg.Upsert(newFakeApp("voting", nil))
	app, _ := reg.Get("voting")

	err := c.reconcile(ctx, app)
	require.NoError(t, err)

	// Manual policy: the plan is staged, nothing is applied
	assert.Empty(t, executor.applied)
	assert.NotNil(t, reg.StagedPlan("voting"))
	status, _ := reg.Get("voting")
	assert.Equal(t, v1alpha1.SyncStatusOutOfSync, status.Status.SyncStatus)

	// An explicit request releases the staged sync on the next cycle
	reg.RequestSync("voting")
	err = c.reconcile(ctx, app)
	require.NoError(t, err)
	assert.Len(t, executor.applied, 1)
}

func Test_Reconcile_SelfHealPolicy(t *testing.T) {
	ctx := context.Background()

	drifted := newManifest("Deployment", "vote")
	common.SetTrackingLabel(drifted, "voting")
	drifted.Object["spec"] = map[string]interface{}{"replicas": int64(3)}

	desired := newManifest("Deployment", "vote")
	desired.Object["spec"] = map[string]interface{}{"replicas": int64(1)}

	newController := func(automated *v1alpha1.AutomatedSyncPolicy) (*Controller, *registry.Registry, *fakeExecutor) {
		src := &fakeSource{set: &source.DesiredManifestSet{
			Revision: "abc123",
			Objects:  []*unstructured.Unstructured{desired},
		}}
		executor := &fakeExecutor{}
		c, reg := newFakeController(src, &fakeReader{objs: []*unstructured.Unstructured{drifted}}, executor)

		reg.Upsert(newFakeApp("voting", automated))
		// Already synced at the revision the source still reports
		reg.UpdateStatus("voting", func(status *v1alpha1.ApplicationStatus) {
			status.Revision = "abc123"
			status.LastSyncAt = metav1.Now()
		})
		return c, reg, executor
	}

	t.Run("without self-heal drift at the same revision stays out of sync", func(t *testing.T) {
		c, reg, executor := newController(&v1alpha1.AutomatedSyncPolicy{})
		app, _ := reg.Get("voting")

		require.NoError(t, c.reconcile(ctx, app))
		assert.Empty(t, executor.applied)
		status, _ := reg.Get("voting")
		assert.Equal(t, v1alpha1.SyncStatusOutOfSync, status.Status.SyncStatus)
	})

	t.Run("with self-heal drift triggers a sync", func(t *testing.T) {
		c, reg, executor := newController(&v1alpha1.AutomatedSyncPolicy{SelfHeal: true})
		app, _ := reg.Get("voting")

		require.NoError(t, c.reconcile(ctx, app))
		assert.Len(t, executor.applied, 1)
	})
}

func Test_Reconcile_FailureAccounting(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{err: apperr.New(apperr.SourceUnavailable, "repository unreachable")}
	c, reg := newFakeController(src, &fakeReader{}, &fakeExecutor{})

	reg.Upsert(newFakeApp("voting", &v1alpha1.AutomatedSyncPolicy{}))
	app, _ := reg.Get("voting")

	// Three consecutive failures cross the degraded threshold
	for i := 0; i < 3; i++ {
		err := c.reconcile(ctx, app)
		require.Error(t, err)
		c.recordFailure("voting", err)
	}

	status, _ := reg.Get("voting")
	assert.Equal(t, v1alpha1.HealthStatusDegraded, status.Status.HealthStatus)
	assert.Equal(t, 3, status.Status.ConsecutiveFailures)

	// A success resets the accounting
	src.err = nil
	src.set = &source.DesiredManifestSet{Revision: "abc123"}
	require.NoError(t, c.reconcile(ctx, app))

	status, _ = reg.Get("voting")
	assert.Equal(t, v1alpha1.HealthStatusHealthy, status.Status.HealthStatus)
	assert.Equal(t, 0, status.Status.ConsecutiveFailures)
}

func Test_Reconcile_NonRetryableDegradesImmediately(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{err: apperr.New(apperr.ConflictingIdentity, "duplicate object core/ConfigMap/voting/cfg")}
	c, reg := newFakeController(src, &fakeReader{}, &fakeExecutor{})

	reg.Upsert(newFakeApp("voting", &v1alpha1.AutomatedSyncPolicy{}))
	app, _ := reg.Get("voting")

	err := c.reconcile(ctx, app)
	require.Error(t, err)
	c.recordFailure("voting", err)

	status, _ := reg.Get("voting")
	assert.Equal(t, v1alpha1.HealthStatusDegraded, status.Status.HealthStatus)
	assert.Equal(t, 1, status.Status.ConsecutiveFailures)
}

func Test_TickCoalescing(t *testing.T) {
	c, _ := newFakeController(&fakeSource{}, &fakeReader{}, &fakeExecutor{})

	// Two ticks before any processing collapse into one pending item
	c.requestAppRefresh("voting")
	c.requestAppRefresh("voting")
	assert.Equal(t, 1, c.appRefreshQueue.Len())

	// Ticks arriving while the item is being processed collapse into
	// exactly one follow-up run
	key, _ := c.appRefreshQueue.Get()
	c.requestAppRefresh("voting")
	c.requestAppRefresh("voting")
	c.appRefreshQueue.Done(key)
	assert.Equal(t, 1, c.appRefreshQueue.Len())
}

func Test_Teardown(t *testing.T) {
	ctx := context.Background()

	tracked := newManifest("ConfigMap", "cfg")
	common.SetTrackingLabel(tracked, "voting")

	src := &fakeSource{}
	executor := &fakeExecutor{}
	c, _ := newFakeController(src, &fakeReader{objs: []*unstructured.Unstructured{tracked}}, executor)

	t.Run("prune-on-delete removes tracked resources", func(t *testing.T) {
		app := newFakeApp("voting", &v1alpha1.AutomatedSyncPolicy{})
		app.Spec.SyncPolicy.PruneOnDelete = true
		c.tombstones["voting"] = app

		require.NoError(t, c.teardown(ctx, "voting"))

		require.Len(t, executor.applied, 1)
		changes := executor.applied[0].Changes()
		require.Len(t, changes, 1)
		assert.Equal(t, diff.OpPrune, changes[0].Type)
		assert.True(t, src.cleaned)
	})

	t.Run("without prune-on-delete resources are retained", func(t *testing.T) {
		executor.applied = nil
		app := newFakeApp("voting", nil)
		c.tombstones["voting"] = app

		require.NoError(t, c.teardown(ctx, "voting"))
		assert.Empty(t, executor.applied)
		assert.True(t, src.cleaned)
	})

	t.Run("unknown application is a no-op", func(t *testing.T) {
		require.NoError(t, c.teardown(ctx, "never-seen"))
	})
}

func Test_Phase(t *testing.T) {
	c, _ := newFakeController(&fakeSource{}, &fakeReader{}, &fakeExecutor{})

	assert.Equal(t, PhaseIdle, c.Phase("voting"))
	c.setPhase("voting", PhaseComparing)
	assert.Equal(t, PhaseComparing, c.Phase("voting"))
	c.setPhase("voting", PhaseIdle)
	assert.Equal(t, PhaseIdle, c.Phase("voting"))
}
