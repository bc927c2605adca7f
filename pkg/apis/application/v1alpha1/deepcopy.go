package v1alpha1

// DeepCopy is handwritten: these types are file-declared, not served by an
// API server, so there is no deepcopy-gen pipeline around them.
func (in *Application) DeepCopy() *Application {
	if in == nil {
		return nil
	}
	out := &Application{
		TypeMeta:   in.TypeMeta,
		ObjectMeta: *in.ObjectMeta.DeepCopy(),
		Spec:       in.Spec,
		Status:     in.Status,
	}
	if in.Spec.SyncPolicy.Automated != nil {
		automated := *in.Spec.SyncPolicy.Automated
		out.Spec.SyncPolicy.Automated = &automated
	}
	return out
}

func (in *SyncResult) DeepCopy() *SyncResult {
	if in == nil {
		return nil
	}
	out := *in
	out.Operations = make([]OperationResult, len(in.Operations))
	copy(out.Operations, in.Operations)
	return &out
}
