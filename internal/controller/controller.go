package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"

	"github.com/gitopsd/gitopsd/common"
	"github.com/gitopsd/gitopsd/pkg/apis/application/v1alpha1"
	"github.com/gitopsd/gitopsd/pkg/apperr"
	"github.com/gitopsd/gitopsd/pkg/cluster"
	"github.com/gitopsd/gitopsd/pkg/diff"
	"github.com/gitopsd/gitopsd/pkg/metrics"
	"github.com/gitopsd/gitopsd/pkg/registry"
	"github.com/gitopsd/gitopsd/pkg/source"
	"github.com/gitopsd/gitopsd/pkg/syncer"
)

// Phase is the reconciliation state of one application. At most one
// reconciliation per application is in flight at a time; the workqueue's
// dirty set coalesces ticks arriving mid-run into a single follow-up.
type Phase string

const (
	PhaseIdle      Phase = "Idle"
	PhaseComparing Phase = "Comparing"
	PhaseSyncing   Phase = "Syncing"
)

type Config struct {
	// ResyncInterval is the cadence at which every registered application
	// is re-enqueued regardless of events.
	ResyncInterval time.Duration
	// DegradedThreshold is the number of consecutive reconciliation
	// failures after which an application is marked Degraded. Retries
	// continue indefinitely either way.
	DegradedThreshold int
	// BackoffBase and BackoffCap bound the per-application retry backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func DefaultConfig() Config {
	return Config{
		ResyncInterval:    3 * time.Minute,
		DegradedThreshold: 5,
		BackoffBase:       time.Second,
		BackoffCap:        5 * time.Minute,
	}
}

type Controller struct {
	registry      *registry.Registry
	sourceAdapter source.Adapter
	clusterReader cluster.Reader
	executor      syncer.Executor
	config        Config

	// appRefreshQueue reconciles applications; keys are application names,
	// so pending requests for the same application collapse into one.
	appRefreshQueue workqueue.RateLimitingInterface

	// tombstones keeps the last seen spec of deleted applications so
	// teardown (prune-on-delete, checkout cleanup) can run after the
	// registry entry is gone.
	tombstoneMu sync.Mutex
	tombstones  map[string]*v1alpha1.Application

	phaseMu sync.RWMutex
	phases  map[string]Phase
}

func NewController(
	reg *registry.Registry,
	sourceAdapter source.Adapter,
	clusterReader cluster.Reader,
	executor syncer.Executor,
	config Config,
) *Controller {
	return &Controller{
		registry:      reg,
		sourceAdapter: sourceAdapter,
		clusterReader: clusterReader,
		executor:      executor,
		config:        config,
		appRefreshQueue: workqueue.NewNamedRateLimitingQueue(
			workqueue.NewItemExponentialFailureRateLimiter(config.BackoffBase, config.BackoffCap),
			"application-reconcile",
		),
		tombstones: make(map[string]*v1alpha1.Application),
		phases:     make(map[string]Phase),
	}
}

func (c *Controller) Run(numWorkers int, stopCh <-chan struct{}) error {
	log.Info("Starting controller")

	defer func() {
		log.Debugf("Shutting down controller")
		c.appRefreshQueue.ShutDown()
	}()

	go c.consumeRegistryEvents(stopCh)

	// Periodic resync enqueues every application each interval.
	go wait.Until(c.resyncAll, c.config.ResyncInterval, stopCh)

	for i := 0; i < numWorkers; i++ {
		// Wait every 1 second to process the next item in the queue
		go wait.Until(c.applicationRefreshWorker, 1*time.Second, stopCh)
	}

	<-stopCh

	return nil
}

// Phase reports the reconciliation phase of the named application.
func (c *Controller) Phase(appName string) Phase {
	c.phaseMu.RLock()
	defer c.phaseMu.RUnlock()
	if phase, ok := c.phases[appName]; ok {
		return phase
	}
	return PhaseIdle
}

func (c *Controller) setPhase(appName string, phase Phase) {
	c.phaseMu.Lock()
	defer c.phaseMu.Unlock()
	if phase == PhaseIdle {
		delete(c.phases, appName)
		return
	}
	c.phases[appName] = phase
}

func (c *Controller) consumeRegistryEvents(stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case event := <-c.registry.Events():
			switch event.Type {
			case registry.EventAdded, registry.EventModified, registry.EventSyncRequested:
				log.WithField("application", event.App.Name).Debugf("Application %s", event.Type)
				c.requestAppRefresh(event.App.Name)
			case registry.EventDeleted:
				log.WithField("application", event.App.Name).Debugf("Application deleted")
				c.tombstoneMu.Lock()
				c.tombstones[event.App.Name] = event.App
				c.tombstoneMu.Unlock()
				c.requestAppRefresh(event.App.Name)
			}
		}
	}
}

func (c *Controller) resyncAll() {
	for _, name := range c.registry.Names() {
		c.requestAppRefresh(name)
	}
}

func (c *Controller) requestAppRefresh(appName string) {
	c.appRefreshQueue.Add(appName)
}

func (c *Controller) applicationRefreshWorker() {
	for c.processNextAppRefreshItem() {
	}
}

func (c *Controller) processNextAppRefreshItem() bool {
	ctx := context.Background()

	appKey, shutdown := c.appRefreshQueue.Get()
	if shutdown {
		return false
	}

	// We wrap this block in a func so we can defer Done.
	err := func(appName string) error {
		defer c.appRefreshQueue.Done(appName)

		app, ok := c.registry.Get(appName)
		if !ok {
			// Deleted while queued or mid-processing
			if err := c.teardown(ctx, appName); err != nil {
				c.appRefreshQueue.AddRateLimited(appName)
				return fmt.Errorf("error tearing down application: %w", err)
			}
			c.appRefreshQueue.Forget(appName)
			return nil
		}

		if err := c.reconcile(ctx, app); err != nil {
			c.recordFailure(appName, err)
			c.appRefreshQueue.AddRateLimited(appName)
			return fmt.Errorf("error reconciling application %s: %w", appName, err)
		}
		c.appRefreshQueue.Forget(appName)

		return nil
	}(appKey.(string))

	if err != nil {
		utilruntime.HandleError(err)
	}

	return true
}

// reconcile drives one application through Comparing and, when allowed by
// policy, Syncing. Errors bubble up for rate-limited requeueing.
func (c *Controller) reconcile(ctx context.Context, app *v1alpha1.Application) error {
	logCtx := log.WithField("application", app.Name)
	started := time.Now()
	defer func() {
		metrics.ReconcileDuration.WithLabelValues(app.Name).Observe(time.Since(started).Seconds())
		c.setPhase(app.Name, PhaseIdle)
	}()

	c.setPhase(app.Name, PhaseComparing)
	logCtx.Info("Comparing application state")

	desired, err := c.sourceAdapter.Resolve(ctx, app.Name, app.Spec.Source)
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues(app.Name, "error").Inc()
		return fmt.Errorf("error resolving manifests: %w", err)
	}

	// Stamp the tracking identity before diffing so adoption of matching
	// but untracked objects shows up as a label patch.
	for _, obj := range desired.Objects {
		common.SetTrackingLabel(obj, app.Name)
	}

	live, err := c.clusterReader.List(ctx, app.Spec.Destination, map[string]string{
		common.LabelKeyAppInstance: app.Name,
	})
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues(app.Name, "error").Inc()
		return fmt.Errorf("error listing live state: %w", err)
	}
	if live.Partial() {
		// Reconcile the kinds that could be read; the rest surface as a
		// warning, never as a blanket failure.
		for groupKind, readErr := range live.Failed {
			logCtx.Warningf("Skipping unreadable kind %s: %s", groupKind, readErr)
		}
	}

	revisionChanged := app.Status.Revision != desired.Revision
	plan := diff.Calculate(desired.Objects, live.Objects, diff.Options{
		AppName: app.Name,
		Prune:   app.Spec.SyncPolicy.HasPrune(),
	})

	if !plan.HasChanges() {
		logCtx.Debug("No changes in resources")
		c.registry.UpdateStatus(app.Name, func(status *v1alpha1.ApplicationStatus) {
			status.SyncStatus = v1alpha1.SyncStatusSynced
			status.HealthStatus = v1alpha1.HealthStatusHealthy
			status.Revision = desired.Revision
			status.ConsecutiveFailures = 0
			status.Message = ""
		})
		metrics.ReconcileTotal.WithLabelValues(app.Name, "synced").Inc()
		return nil
	}

	if !c.shouldSync(app, revisionChanged) {
		logCtx.Infof("Application is out of sync (%d operations staged)", len(plan.Changes()))
		c.registry.StagePlan(app.Name, plan)
		c.registry.UpdateStatus(app.Name, func(status *v1alpha1.ApplicationStatus) {
			status.SyncStatus = v1alpha1.SyncStatusOutOfSync
			status.Revision = desired.Revision
		})
		metrics.ReconcileTotal.WithLabelValues(app.Name, "out_of_sync").Inc()
		return nil
	}

	c.setPhase(app.Name, PhaseSyncing)
	c.registry.UpdateStatus(app.Name, func(status *v1alpha1.ApplicationStatus) {
		status.HealthStatus = v1alpha1.HealthStatusProgressing
	})
	logCtx.Infof("Syncing application to revision %s (%d operations)", desired.Revision, len(plan.Changes()))

	result, err := c.executor.Apply(ctx, app, plan)
	if result != nil {
		c.registry.RecordSyncResult(app.Name, result)
	}
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues(app.Name, "error").Inc()
		return fmt.Errorf("error applying sync plan: %w", err)
	}

	c.registry.StagePlan(app.Name, nil)
	c.registry.UpdateStatus(app.Name, func(status *v1alpha1.ApplicationStatus) {
		status.SyncStatus = v1alpha1.SyncStatusSynced
		status.HealthStatus = v1alpha1.HealthStatusHealthy
		status.Revision = desired.Revision
		status.LastSyncAt = metav1.Now()
		status.ConsecutiveFailures = 0
		status.Message = ""
	})
	metrics.ReconcileTotal.WithLabelValues(app.Name, "synced").Inc()
	logCtx.WithField("reason", common.SuccessSynced).Info(common.MessageResourceSynced)

	return nil
}

// shouldSync decides whether an out-of-sync application proceeds to
// Syncing. Automated policy syncs on a new revision, on first sync, or on
// any drift when self-heal is on. Manual policy waits for an explicit
// request. A pending request always wins.
func (c *Controller) shouldSync(app *v1alpha1.Application, revisionChanged bool) bool {
	if c.registry.ConsumeSyncRequest(app.Name) {
		return true
	}
	if !app.Spec.SyncPolicy.IsAutomated() {
		return false
	}
	if app.Spec.SyncPolicy.HasSelfHeal() {
		return true
	}
	return revisionChanged || app.Status.LastSyncAt.IsZero()
}

// teardown runs after an application is removed from the registry: prune
// tracked live objects when the policy asks for it, then drop the checkout.
func (c *Controller) teardown(ctx context.Context, appName string) error {
	c.tombstoneMu.Lock()
	app, ok := c.tombstones[appName]
	c.tombstoneMu.Unlock()
	if !ok {
		// Never seen by this process; nothing to clean up.
		return nil
	}

	logCtx := log.WithField("application", appName)

	if app.Spec.SyncPolicy.PruneOnDelete {
		live, err := c.clusterReader.List(ctx, app.Spec.Destination, map[string]string{
			common.LabelKeyAppInstance: appName,
		})
		if err != nil {
			return fmt.Errorf("error listing resources for teardown: %w", err)
		}

		plan := diff.Calculate(nil, live.Objects, diff.Options{AppName: appName, Prune: true})
		if plan.HasChanges() {
			logCtx.Infof("Pruning %d resources on delete", len(plan.Changes()))
			if _, err := c.executor.Apply(ctx, app, plan); err != nil {
				return fmt.Errorf("error pruning resources: %w", err)
			}
		}
	}

	if err := c.sourceAdapter.CleanUp(appName, app.Spec.Source); err != nil {
		return fmt.Errorf("error cleaning up repository: %w", err)
	}

	c.tombstoneMu.Lock()
	delete(c.tombstones, appName)
	c.tombstoneMu.Unlock()
	logCtx.Info("Application torn down")

	return nil
}

// recordFailure updates failure accounting on the application status.
// Reconciliation never gives up: non-retryable errors degrade the
// application immediately but the key is still requeued at the backoff cap.
func (c *Controller) recordFailure(appName string, err error) {
	threshold := c.config.DegradedThreshold
	retryable := apperr.IsRetryable(err)

	c.registry.UpdateStatus(appName, func(status *v1alpha1.ApplicationStatus) {
		status.ConsecutiveFailures++
		status.Message = err.Error()
		if !retryable || status.ConsecutiveFailures >= threshold {
			status.HealthStatus = v1alpha1.HealthStatusDegraded
		}
	})
}
