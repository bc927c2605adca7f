package common

const (
	MetadataPrefix = "gitopsd.io"
	ControllerName = "gitopsd"
)

var (
	// LabelKeyAppInstance is the tracking label stamped on every object
	// managed by an Application. Ownership is always resolved through this
	// label, never inferred from object shape.
	LabelKeyAppInstance = MetadataPrefix + "/app-instance"
)

const (
	// SuccessSynced is the 'reason' field logged when an Application is synced
	SuccessSynced = "Synced"

	// MessageResourceSynced is the message logged when an Application
	// is synced successfully
	MessageResourceSynced = "Application synced successfully"
)
