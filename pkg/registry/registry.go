// Package registry is the in-process index of declared Applications: their
// specs, reconciliation status and sync history. The reconciliation loop is
// its only writer for status fields; specs change only through registry
// events (file watcher or operator action).
package registry

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/apimachinery/pkg/api/equality"

	"github.com/gitopsd/gitopsd/pkg/apis/application/v1alpha1"
	"github.com/gitopsd/gitopsd/pkg/diff"
)

type EventType string

const (
	EventAdded         EventType = "Added"
	EventModified      EventType = "Modified"
	EventDeleted       EventType = "Deleted"
	EventSyncRequested EventType = "SyncRequested"
)

type Event struct {
	Type EventType
	App  *v1alpha1.Application
}

type Registry struct {
	mu            sync.RWMutex
	apps          map[string]*v1alpha1.Application
	history       map[string][]v1alpha1.SyncResult
	stagedPlans   map[string]*diff.Plan
	syncRequested map[string]bool

	historyLimit int
	events       chan Event
}

func New(historyLimit int) *Registry {
	return &Registry{
		apps:          make(map[string]*v1alpha1.Application),
		history:       make(map[string][]v1alpha1.SyncResult),
		stagedPlans:   make(map[string]*diff.Plan),
		syncRequested: make(map[string]bool),
		historyLimit:  historyLimit,
		events:        make(chan Event, 64),
	}
}

// Events delivers registry changes to the reconciliation loop.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Upsert registers or updates an application. Status is preserved across
// spec updates; an unchanged spec emits no event.
func (r *Registry) Upsert(app *v1alpha1.Application) {
	r.mu.Lock()
	existing, ok := r.apps[app.Name]

	eventType := EventAdded
	if ok {
		if equality.Semantic.DeepEqual(existing.Spec, app.Spec) {
			r.mu.Unlock()
			return
		}
		eventType = EventModified
		app = app.DeepCopy()
		app.Status = existing.Status
	} else {
		app = app.DeepCopy()
	}
	r.apps[app.Name] = app
	r.mu.Unlock()

	r.events <- Event{Type: eventType, App: app.DeepCopy()}
}

// Delete removes an application from the registry. The deleted spec is
// carried on the event so the loop can decide about prune-on-delete.
func (r *Registry) Delete(name string) {
	r.mu.Lock()
	app, ok := r.apps[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.apps, name)
	delete(r.history, name)
	delete(r.stagedPlans, name)
	delete(r.syncRequested, name)
	r.mu.Unlock()

	r.events <- Event{Type: EventDeleted, App: app}
}

func (r *Registry) Get(name string) (*v1alpha1.Application, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[name]
	if !ok {
		return nil, false
	}
	return app.DeepCopy(), true
}

// Names returns all registered application names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := maps.Keys(r.apps)
	slices.Sort(names)
	return names
}

// UpdateStatus applies mutate to the stored status of the named app.
func (r *Registry) UpdateStatus(name string, mutate func(*v1alpha1.ApplicationStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.apps[name]
	if !ok {
		return
	}
	mutate(&app.Status)
}

// RecordSyncResult appends to the app's history, dropping the oldest entry
// past the cap. History is append-only; only the latest is authoritative.
func (r *Registry) RecordSyncResult(name string, result *v1alpha1.SyncResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.apps[name]; !ok {
		return
	}
	history := append(r.history[name], *result.DeepCopy())
	if len(history) > r.historyLimit {
		history = history[len(history)-r.historyLimit:]
	}
	r.history[name] = history
}

func (r *Registry) History(name string) []v1alpha1.SyncResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	history := r.history[name]
	out := make([]v1alpha1.SyncResult, len(history))
	copy(out, history)
	return out
}

func (r *Registry) LatestResult(name string) *v1alpha1.SyncResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	history := r.history[name]
	if len(history) == 0 {
		return nil
	}
	return history[len(history)-1].DeepCopy()
}

// StagePlan parks an out-of-sync plan for a manual-policy application
// until an operator confirms it.
func (r *Registry) StagePlan(name string, plan *diff.Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stagedPlans[name] = plan
}

func (r *Registry) StagedPlan(name string) *diff.Plan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stagedPlans[name]
}

// RequestSync marks a manual application for syncing on its next cycle and
// wakes the reconciliation loop.
func (r *Registry) RequestSync(name string) {
	r.mu.Lock()
	app, ok := r.apps[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.syncRequested[name] = true
	r.mu.Unlock()

	r.events <- Event{Type: EventSyncRequested, App: app.DeepCopy()}
}

// ConsumeSyncRequest returns whether a manual sync was requested and
// clears the mark.
func (r *Registry) ConsumeSyncRequest(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	requested := r.syncRequested[name]
	delete(r.syncRequested, name)
	return requested
}
