package common

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// SetTrackingLabel marks obj as managed by the named application. Existing
// labels are merged, not replaced, so manifest-declared labels survive.
func SetTrackingLabel(obj *unstructured.Unstructured, appName string) {
	labels := obj.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	labels[LabelKeyAppInstance] = appName
	obj.SetLabels(labels)
}

// IsTracked reports whether obj carries the named application's tracking
// identity. Prune decisions go through this lookup only.
func IsTracked(obj *unstructured.Unstructured, appName string) bool {
	return obj.GetLabels()[LabelKeyAppInstance] == appName
}
