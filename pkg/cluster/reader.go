// Package cluster reads live object state for an application's destination.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"

	"github.com/gitopsd/gitopsd/pkg/apis/application/v1alpha1"
	"github.com/gitopsd/gitopsd/pkg/apperr"
)

// LiveObjectSet holds everything readable that matched the tracking
// selector, plus the kinds that could not be read. Partial read failures
// are per-kind so the caller can still reconcile the kinds it got.
type LiveObjectSet struct {
	Objects []*unstructured.Unstructured
	Failed  map[schema.GroupKind]error
}

func (s *LiveObjectSet) Partial() bool {
	return len(s.Failed) > 0
}

type Reader interface {
	List(ctx context.Context, dest v1alpha1.ApplicationDestination, label map[string]string) (*LiveObjectSet, error)
}

type reader struct {
	discoveryClient discovery.DiscoveryInterface
	dynClientSet    dynamic.Interface
}

func NewReader(discoveryClient discovery.DiscoveryInterface, dynClientSet dynamic.Interface) Reader {
	return &reader{
		discoveryClient: discoveryClient,
		dynClientSet:    dynClientSet,
	}
}

func (r *reader) List(ctx context.Context, dest v1alpha1.ApplicationDestination, label map[string]string) (*LiveObjectSet, error) {
	if len(label) == 0 {
		return nil, fmt.Errorf("tracking selector is empty")
	}
	listOption := metav1.ListOptions{
		LabelSelector: labels.Set(label).String(),
	}

	set := &LiveObjectSet{Failed: map[schema.GroupKind]error{}}

	// Discovery may partially fail when an aggregated API group is down;
	// the reachable groups are still worth listing. A Failed entry with an
	// empty Kind marks a whole group as unreadable.
	serverResources, err := r.discoveryClient.ServerPreferredResources()
	if err != nil {
		var groupErr *discovery.ErrGroupDiscoveryFailed
		if !errors.As(err, &groupErr) {
			return nil, classify(err)
		}
		for gv, gvErr := range groupErr.Groups {
			log.Warningf("Error discovering group %s: %s", gv, gvErr)
			set.Failed[schema.GroupKind{Group: gv.Group}] = gvErr
		}
	}
	var wg sync.WaitGroup
	var lock sync.Mutex

	wg.Add(len(serverResources))
	for _, group := range serverResources {
		go func(group *metav1.APIResourceList) {
			defer wg.Done()

			gv, err := schema.ParseGroupVersion(group.GroupVersion)
			if err != nil {
				log.Warningf("Skipping unparsable group version %q: %s", group.GroupVersion, err)
				return
			}

			for _, resource := range group.APIResources {
				// Skip subresources like pod/log, pod/status
				if strings.Contains(resource.Name, "/") {
					continue
				}
				if !listable(resource) {
					continue
				}

				gvr := gv.WithResource(resource.Name)
				objs, err := r.listAll(ctx, gvr, resource.Namespaced, dest.Namespace, listOption)

				lock.Lock()
				if err != nil {
					log.Warningf("Error listing resource %s: %s", gvr.String(), err)
					set.Failed[schema.GroupKind{Group: gv.Group, Kind: resource.Kind}] = err
				} else {
					set.Objects = append(set.Objects, objs...)
				}
				lock.Unlock()
			}
		}(group)
	}
	wg.Wait()

	return set, nil
}

// listAll pages through every object of one resource matching the selector.
func (r *reader) listAll(ctx context.Context, gvr schema.GroupVersionResource, namespaced bool, namespace string, opts metav1.ListOptions) ([]*unstructured.Unstructured, error) {
	var out []*unstructured.Unstructured

	var iface dynamic.ResourceInterface = r.dynClientSet.Resource(gvr)
	if namespaced && namespace != "" {
		iface = r.dynClientSet.Resource(gvr).Namespace(namespace)
	}

	for {
		list, err := iface.List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for i := range list.Items {
			out = append(out, &list.Items[i])
		}
		if list.GetContinue() == "" {
			return out, nil
		}
		opts.Continue = list.GetContinue()
	}
}

func listable(resource metav1.APIResource) bool {
	for _, verb := range resource.Verbs {
		if verb == "list" {
			return true
		}
	}
	return false
}

func classify(err error) error {
	if apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err) {
		return apperr.Wrap(apperr.PermissionDenied, err)
	}
	return apperr.Wrap(apperr.ClusterUnreachable, err)
}
