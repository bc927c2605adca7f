package diff

import (
	"sort"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// kindWeights drives apply ordering: namespaces and CRDs before anything
// that may live inside them, RBAC and config before workloads, ancillary
// objects last. Unknown kinds sort after everything known.
var kindWeights = map[string]int{
	"Namespace":                      -30,
	"CustomResourceDefinition":       -25,
	"ResourceQuota":                  -20,
	"LimitRange":                     -20,
	"ServiceAccount":                 -15,
	"ClusterRole":                    -12,
	"ClusterRoleBinding":             -11,
	"Role":                           -12,
	"RoleBinding":                    -11,
	"Secret":                         -10,
	"ConfigMap":                      -10,
	"StorageClass":                   -9,
	"PersistentVolume":               -8,
	"PersistentVolumeClaim":          -7,
	"Service":                        -5,
	"DaemonSet":                      0,
	"Pod":                            0,
	"ReplicaSet":                     0,
	"Deployment":                     0,
	"StatefulSet":                    0,
	"Job":                            5,
	"CronJob":                        5,
	"HorizontalPodAutoscaler":        10,
	"PodDisruptionBudget":            10,
	"Ingress":                        15,
	"APIService":                     20,
	"MutatingWebhookConfiguration":   20,
	"ValidatingWebhookConfiguration": 20,
}

func kindWeight(kind string) int {
	if w, ok := kindWeights[kind]; ok {
		return w
	}
	return 25
}

// SortByDependency orders objects so that anything an object may depend on
// comes first. The sort is total (weight, then group/kind/namespace/name)
// so repeated resolutions of the same set are deterministic.
func SortByDependency(objs []*unstructured.Unstructured) {
	sort.SliceStable(objs, func(i, j int) bool {
		wi, wj := kindWeight(objs[i].GetKind()), kindWeight(objs[j].GetKind())
		if wi != wj {
			return wi < wj
		}
		gi, gj := objs[i].GroupVersionKind(), objs[j].GroupVersionKind()
		if gi.Group != gj.Group {
			return gi.Group < gj.Group
		}
		if gi.Kind != gj.Kind {
			return gi.Kind < gj.Kind
		}
		if objs[i].GetNamespace() != objs[j].GetNamespace() {
			return objs[i].GetNamespace() < objs[j].GetNamespace()
		}
		return objs[i].GetName() < objs[j].GetName()
	})
}
