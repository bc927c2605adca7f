package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Application declares one sync unit: a manifest source, a destination and a
// sync policy. Applications are declared as YAML documents in the application
// directory, one document per Application.
type Application struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ApplicationSpec   `json:"spec,omitempty"`
	Status ApplicationStatus `json:"status,omitempty"`
}

type ApplicationSpec struct {
	Source      ApplicationSource      `json:"source,omitempty"`
	Destination ApplicationDestination `json:"destination,omitempty"`
	SyncPolicy  SyncPolicy             `json:"syncPolicy,omitempty"`
}

type ApplicationSource struct {
	RepoURL string `json:"repoURL,omitempty"`
	Path    string `json:"path,omitempty"`
	// Revision is a branch, tag or commit SHA. Empty tracks the remote HEAD.
	Revision string `json:"revision,omitempty"`
}

type ApplicationDestination struct {
	Server    string `json:"server,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

type SyncPolicy struct {
	// Automated enables syncing without an operator trigger. Nil means manual.
	Automated *AutomatedSyncPolicy `json:"automated,omitempty"`
	// PruneOnDelete removes tracked live objects when the Application itself
	// is deleted. Off by default.
	PruneOnDelete bool `json:"pruneOnDelete,omitempty"`
}

type AutomatedSyncPolicy struct {
	// Prune allows the executor to delete tracked live objects that are no
	// longer present in the desired set.
	Prune bool `json:"prune,omitempty"`
	// SelfHeal re-syncs on detected drift even when the source revision is
	// unchanged.
	SelfHeal bool `json:"selfHeal,omitempty"`
}

// IsAutomated reports whether out-of-sync state triggers a sync without an
// operator action.
func (p SyncPolicy) IsAutomated() bool {
	return p.Automated != nil
}

func (p SyncPolicy) HasPrune() bool {
	return p.Automated != nil && p.Automated.Prune
}

func (p SyncPolicy) HasSelfHeal() bool {
	return p.Automated != nil && p.Automated.SelfHeal
}

type ApplicationStatus struct {
	SyncStatus   SyncStatusCode   `json:"syncStatus,omitempty"`
	HealthStatus HealthStatusCode `json:"healthStatus,omitempty"`
	// Revision is the last commit SHA the application was compared against.
	Revision   string      `json:"revision,omitempty"`
	LastSyncAt metav1.Time `json:"lastSyncAt,omitempty"`
	// ConsecutiveFailures counts reconciliation failures since the last
	// success. Crossing the degraded threshold flips HealthStatus, it never
	// stops retries.
	ConsecutiveFailures int `json:"consecutiveFailures,omitempty"`
	// Message carries the last error surfaced to the operator, if any.
	Message string `json:"message,omitempty"`
}

type SyncStatusCode string

const (
	SyncStatusUnknown   SyncStatusCode = "Unknown"
	SyncStatusSynced    SyncStatusCode = "Synced"
	SyncStatusOutOfSync SyncStatusCode = "OutOfSync"
)

type HealthStatusCode string

const (
	HealthStatusProgressing HealthStatusCode = "Progressing"
	HealthStatusHealthy     HealthStatusCode = "Healthy"
	HealthStatusDegraded    HealthStatusCode = "Degraded"
)

// SyncResult records the outcome of one reconciliation attempt. Results are
// append-only per application; only the latest one is authoritative for
// health display.
type SyncResult struct {
	ID         string            `json:"id"`
	Revision   string            `json:"revision,omitempty"`
	Phase      SyncPhase         `json:"phase"`
	StartedAt  metav1.Time       `json:"startedAt"`
	FinishedAt metav1.Time       `json:"finishedAt,omitempty"`
	Operations []OperationResult `json:"operations,omitempty"`
	Message    string            `json:"message,omitempty"`
}

type SyncPhase string

const (
	SyncPhaseSucceeded SyncPhase = "Succeeded"
	// SyncPhaseError means the plan failed before any operation mutated
	// the cluster.
	SyncPhaseError SyncPhase = "Error"
	// SyncPhasePartial means some operations applied before an unrecoverable
	// error aborted the rest of the plan. Completed operations are kept; the
	// remainder is recomputed and retried next cycle.
	SyncPhasePartial SyncPhase = "PartialFailure"
)

type OperationResult struct {
	Identity  ResourceIdentity `json:"identity"`
	Operation string           `json:"operation"`
	Status    OperationStatus  `json:"status"`
	Message   string           `json:"message,omitempty"`
}

type OperationStatus string

const (
	OperationCreated    OperationStatus = "created"
	OperationConfigured OperationStatus = "configured"
	OperationPruned     OperationStatus = "pruned"
	OperationUnchanged  OperationStatus = "unchanged"
	OperationFailed     OperationStatus = "failed"
)

// ResourceIdentity is the matching key for desired and live objects.
type ResourceIdentity struct {
	Group     string `json:"group,omitempty"`
	Kind      string `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

func (r ResourceIdentity) String() string {
	group := r.Group
	if group == "" {
		group = "core"
	}
	return group + "/" + r.Kind + "/" + r.Namespace + "/" + r.Name
}
