// Package syncer executes a diff plan against the destination cluster.
// Operations run in plan order (the diff engine already ordered them by
// dependency, prunes last); the first unrecoverable error aborts the
// remainder while keeping completed operations recorded, so the next cycle
// recomputes a fresh plan instead of replaying this one blindly.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"

	"github.com/gitopsd/gitopsd/common"
	"github.com/gitopsd/gitopsd/pkg/apis/application/v1alpha1"
	"github.com/gitopsd/gitopsd/pkg/apperr"
	"github.com/gitopsd/gitopsd/pkg/diff"
	"github.com/gitopsd/gitopsd/pkg/metrics"
)

type Executor interface {
	Apply(ctx context.Context, app *v1alpha1.Application, plan *diff.Plan) (*v1alpha1.SyncResult, error)
}

type executor struct {
	dynClientSet dynamic.Interface
	mapper       meta.RESTMapper

	// opTimeout bounds every mutation call. A timeout is an error, never a
	// successful sync.
	opTimeout time.Duration
}

func NewExecutor(dynClientSet dynamic.Interface, mapper meta.RESTMapper, opTimeout time.Duration) Executor {
	return &executor{
		dynClientSet: dynClientSet,
		mapper:       mapper,
		opTimeout:    opTimeout,
	}
}

func (e *executor) Apply(ctx context.Context, app *v1alpha1.Application, plan *diff.Plan) (*v1alpha1.SyncResult, error) {
	result := &v1alpha1.SyncResult{
		ID:        uuid.NewString(),
		StartedAt: metav1.Now(),
	}

	var applyErr error
	mutated := 0

	for i, op := range plan.Operations {
		opResult := v1alpha1.OperationResult{
			Identity:  op.Identity,
			Operation: string(op.Type),
		}

		status, err := e.execute(ctx, app, op)
		opResult.Status = status
		if err != nil {
			opResult.Message = err.Error()
		}
		result.Operations = append(result.Operations, opResult)
		metrics.SyncOperationsTotal.WithLabelValues(app.Name, string(op.Type), string(status)).Inc()

		if err != nil {
			// Completed operations stay recorded; the remainder is
			// retried next cycle from a recomputed plan.
			skipped := len(plan.Operations) - i - 1
			applyErr = apperr.Wrap(apperr.PartialApplyFailure,
				fmt.Errorf("applying %s failed (%d operations skipped): %w", op.Identity, skipped, err))
			break
		}
		if status == v1alpha1.OperationCreated || status == v1alpha1.OperationConfigured || status == v1alpha1.OperationPruned {
			mutated++
		}
	}

	result.FinishedAt = metav1.Now()
	switch {
	case applyErr == nil:
		result.Phase = v1alpha1.SyncPhaseSucceeded
	case mutated > 0:
		result.Phase = v1alpha1.SyncPhasePartial
		result.Message = applyErr.Error()
	default:
		result.Phase = v1alpha1.SyncPhaseError
		result.Message = applyErr.Error()
	}

	return result, applyErr
}

func (e *executor) execute(ctx context.Context, app *v1alpha1.Application, op diff.Operation) (v1alpha1.OperationStatus, error) {
	if op.Type == diff.OpNoOp {
		return v1alpha1.OperationUnchanged, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	var err error
	var status v1alpha1.OperationStatus
	switch op.Type {
	case diff.OpCreate:
		status, err = e.create(ctx, app, op.Desired)
	case diff.OpUpdate:
		status, err = e.update(ctx, app, op)
	case diff.OpPrune:
		status, err = e.prune(ctx, app, op.Live)
	default:
		return v1alpha1.OperationFailed, fmt.Errorf("unknown operation type %q", op.Type)
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || apierrors.IsTimeout(err) {
			err = apperr.Wrap(apperr.Timeout, err)
		} else if apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err) {
			err = apperr.Wrap(apperr.PermissionDenied, err)
		}
		return v1alpha1.OperationFailed, err
	}

	return status, nil
}

func (e *executor) create(ctx context.Context, app *v1alpha1.Application, obj *unstructured.Unstructured) (v1alpha1.OperationStatus, error) {
	common.SetTrackingLabel(obj, app.Name)

	iface, err := e.resourceInterface(obj, app.Spec.Destination.Namespace)
	if err != nil {
		return v1alpha1.OperationFailed, err
	}

	_, err = iface.Create(ctx, obj, metav1.CreateOptions{})
	if err != nil {
		// An object with this identity already exists but carries no
		// tracking label, or the label-scoped live read would have seen
		// it. Returning unchanged here would report Synced forever while
		// the object drifts, so adopt it instead: patch it to the
		// desired state, tracking label included.
		if apierrors.IsAlreadyExists(err) {
			return e.adopt(ctx, app, obj, iface)
		}
		return v1alpha1.OperationFailed, err
	}

	log.WithField("application", app.Name).Debugf("Created %s", diff.Identity(obj))
	return v1alpha1.OperationCreated, nil
}

func (e *executor) adopt(ctx context.Context, app *v1alpha1.Application, obj *unstructured.Unstructured, iface dynamic.ResourceInterface) (v1alpha1.OperationStatus, error) {
	patch, err := json.Marshal(obj.Object)
	if err != nil {
		return v1alpha1.OperationFailed, fmt.Errorf("failed to encode patch for %s: %w", diff.Identity(obj), err)
	}

	_, err = iface.Patch(ctx, obj.GetName(), types.MergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return v1alpha1.OperationFailed, err
	}

	log.WithField("application", app.Name).Infof("Adopted existing %s", diff.Identity(obj))
	return v1alpha1.OperationConfigured, nil
}

func (e *executor) update(ctx context.Context, app *v1alpha1.Application, op diff.Operation) (v1alpha1.OperationStatus, error) {
	patch, err := json.Marshal(op.Patch)
	if err != nil {
		return v1alpha1.OperationFailed, fmt.Errorf("failed to encode patch for %s: %w", op.Identity, err)
	}

	iface, err := e.resourceInterface(op.Live, app.Spec.Destination.Namespace)
	if err != nil {
		return v1alpha1.OperationFailed, err
	}

	_, err = iface.Patch(ctx, op.Live.GetName(), types.MergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return v1alpha1.OperationFailed, err
	}

	log.WithField("application", app.Name).Debugf("Configured %s", op.Identity)
	return v1alpha1.OperationConfigured, nil
}

func (e *executor) prune(ctx context.Context, app *v1alpha1.Application, obj *unstructured.Unstructured) (v1alpha1.OperationStatus, error) {
	// Ownership safety: never delete an object that does not carry this
	// application's tracking identity, whatever the plan says.
	if !common.IsTracked(obj, app.Name) {
		return v1alpha1.OperationFailed, fmt.Errorf("refusing to prune untracked object %s", diff.Identity(obj))
	}

	iface, err := e.resourceInterface(obj, app.Spec.Destination.Namespace)
	if err != nil {
		return v1alpha1.OperationFailed, err
	}

	propagation := metav1.DeletePropagationForeground
	err = iface.Delete(ctx, obj.GetName(), metav1.DeleteOptions{PropagationPolicy: &propagation})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return v1alpha1.OperationPruned, nil
		}
		return v1alpha1.OperationFailed, err
	}

	log.WithField("application", app.Name).Debugf("Pruned %s", diff.Identity(obj))
	return v1alpha1.OperationPruned, nil
}

// resourceInterface maps an object's group/kind to a dynamic client handle,
// scoped to the object's namespace or the destination default.
func (e *executor) resourceInterface(obj *unstructured.Unstructured, defaultNamespace string) (dynamic.ResourceInterface, error) {
	gvk := obj.GroupVersionKind()
	mapping, err := e.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return nil, fmt.Errorf("no resource mapping for %s: %w", gvk, err)
	}

	if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		namespace := obj.GetNamespace()
		if namespace == "" {
			namespace = defaultNamespace
		}
		return e.dynClientSet.Resource(mapping.Resource).Namespace(namespace), nil
	}

	return e.dynClientSet.Resource(mapping.Resource), nil
}
