// Package diff computes a structured plan of operations that moves live
// cluster state toward a desired manifest set. Matching is by object
// identity (group/kind/namespace/name); field comparison is asymmetric:
// only fields the desired object specifies are considered, so
// cluster-assigned fields (allocated ports, generated IDs, status) are
// never fought over.
package diff

import (
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/gitopsd/gitopsd/common"
	"github.com/gitopsd/gitopsd/pkg/apis/application/v1alpha1"
)

type OperationType string

const (
	OpCreate OperationType = "Create"
	OpUpdate OperationType = "Update"
	OpPrune  OperationType = "Prune"
	OpNoOp   OperationType = "NoOp"
)

type Operation struct {
	Identity v1alpha1.ResourceIdentity
	Type     OperationType

	// Desired is set for Create and Update, Live for Update and Prune.
	Desired *unstructured.Unstructured
	Live    *unstructured.Unstructured

	// Patch is the minimal merge patch for Update operations: exactly the
	// desired fields whose values drifted, nothing else.
	Patch map[string]interface{}
}

type Plan struct {
	Operations []Operation
}

// Changes returns the mutating subset of the plan.
func (p *Plan) Changes() []Operation {
	var out []Operation
	for _, op := range p.Operations {
		if op.Type != OpNoOp {
			out = append(out, op)
		}
	}
	return out
}

func (p *Plan) HasChanges() bool {
	return len(p.Changes()) > 0
}

type Options struct {
	// AppName scopes prune decisions to objects carrying this application's
	// tracking identity.
	AppName string
	// Prune enables removal of tracked live objects absent from desired.
	Prune bool
}

// Calculate matches desired against live and returns the ordered plan:
// creates and updates in dependency order, unchanged objects recorded as
// NoOp, prunes last in reverse dependency order. Live objects not tracked
// to the application are ignored entirely.
func Calculate(desired, live []*unstructured.Unstructured, opts Options) *Plan {
	liveByIdentity := make(map[v1alpha1.ResourceIdentity]*unstructured.Unstructured, len(live))
	for _, obj := range live {
		liveByIdentity[Identity(obj)] = obj
	}

	ordered := make([]*unstructured.Unstructured, len(desired))
	copy(ordered, desired)
	SortByDependency(ordered)

	var creates, updates, noops []Operation
	for _, d := range ordered {
		id := Identity(d)
		l, ok := liveByIdentity[id]
		if !ok {
			creates = append(creates, Operation{Identity: id, Type: OpCreate, Desired: d})
			continue
		}
		delete(liveByIdentity, id)

		patch := minimalPatch(managedFields(d), l.Object)
		if len(patch) == 0 {
			noops = append(noops, Operation{Identity: id, Type: OpNoOp, Desired: d, Live: l})
			continue
		}
		log.WithField("resource", id.String()).Debugf("Detected drift in managed fields")
		updates = append(updates, Operation{Identity: id, Type: OpUpdate, Desired: d, Live: l, Patch: patch})
	}

	// Whatever is left in live has no desired counterpart. Only objects
	// tracked to this application are candidates for pruning; everything
	// else belongs to someone else and is not part of the plan.
	var orphans []*unstructured.Unstructured
	for _, l := range liveByIdentity {
		if common.IsTracked(l, opts.AppName) {
			orphans = append(orphans, l)
		}
	}
	SortByDependency(orphans)

	var prunes []Operation
	for i := len(orphans) - 1; i >= 0; i-- {
		l := orphans[i]
		if opts.Prune {
			prunes = append(prunes, Operation{Identity: Identity(l), Type: OpPrune, Live: l})
		} else {
			noops = append(noops, Operation{Identity: Identity(l), Type: OpNoOp, Live: l})
		}
	}

	plan := &Plan{}
	plan.Operations = append(plan.Operations, creates...)
	plan.Operations = append(plan.Operations, updates...)
	plan.Operations = append(plan.Operations, noops...)
	plan.Operations = append(plan.Operations, prunes...)

	return plan
}

// Identity derives the matching key for an object.
func Identity(obj *unstructured.Unstructured) v1alpha1.ResourceIdentity {
	gvk := obj.GroupVersionKind()
	return v1alpha1.ResourceIdentity{
		Group:     gvk.Group,
		Kind:      gvk.Kind,
		Namespace: obj.GetNamespace(),
		Name:      obj.GetName(),
	}
}

// managedFields strips the subtrees an application never owns from the
// desired object before comparison: status belongs to controllers, and the
// identity/bookkeeping metadata fields are compared via the identity key.
func managedFields(obj *unstructured.Unstructured) map[string]interface{} {
	fields := make(map[string]interface{}, len(obj.Object))
	for k, v := range obj.Object {
		if k == "status" || k == "apiVersion" || k == "kind" {
			continue
		}
		fields[k] = v
	}
	return fields
}

// minimalPatch returns the subset of desired whose values drifted from
// live. Fields present only in live are preserved by omission: a merge
// patch built from this map never deletes anything, which keeps
// cluster-assigned additive fields intact. Field-level pruning is opt-in
// by declaring the field with an explicit null in the manifest.
func minimalPatch(desired, live map[string]interface{}) map[string]interface{} {
	patch := map[string]interface{}{}
	for k, dv := range desired {
		lv, ok := live[k]
		if !ok {
			patch[k] = dv
			continue
		}
		dm, dIsMap := dv.(map[string]interface{})
		lm, lIsMap := lv.(map[string]interface{})
		if dIsMap && lIsMap {
			if sub := minimalPatch(dm, lm); len(sub) > 0 {
				patch[k] = sub
			}
			continue
		}
		if !equality.Semantic.DeepEqual(dv, lv) {
			patch[k] = dv
		}
	}
	return patch
}
