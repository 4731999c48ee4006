package constants

// Reasons recorded on sync records when they change state.
const (
	// ReasonConverged indicates desired and observed state matched after apply.
	ReasonConverged = "Converged"
	// ReasonAlreadyInSync indicates the cluster matched before any write was needed.
	ReasonAlreadyInSync = "AlreadyInSync"
	// ReasonReadbackMismatch indicates the post-apply readback still differed
	// from the desired state, usually because an external actor fights the
	// deployment.
	ReasonReadbackMismatch = "ReadbackMismatch"

	// ReasonRenderFailed indicates manifest rendering failed.
	ReasonRenderFailed = "RenderFailed"
	// ReasonBuildFailed indicates the build collaborator did not produce an image.
	ReasonBuildFailed = "BuildFailed"
	// ReasonVerificationFailed indicates the image signature check failed.
	ReasonVerificationFailed = "VerificationFailed"
	// ReasonPermissionDenied indicates the cluster rejected access after
	// credential refresh.
	ReasonPermissionDenied = "PermissionDenied"
	// ReasonApplyRejected indicates the cluster permanently rejected an apply.
	ReasonApplyRejected = "ApplyRejected"
	// ReasonClusterUnreachable indicates transient cluster errors persisted
	// through the whole retry budget.
	ReasonClusterUnreachable = "ClusterUnreachable"
	// ReasonRetriesExhausted indicates the transient retry budget ran out.
	ReasonRetriesExhausted = "RetriesExhausted"
	// ReasonDegradedRetriesExhausted indicates repeated degraded passes used
	// up the degraded retry budget.
	ReasonDegradedRetriesExhausted = "DegradedRetriesExhausted"

	// ReasonNewerRevision indicates a later deployment request for the same
	// environment superseded this record.
	ReasonNewerRevision = "NewerRevision"
	// ReasonDriftDetected indicates a scheduled resync found the cluster
	// drifted from the recorded desired state.
	ReasonDriftDetected = "DriftDetected"
	// ReasonShutdown indicates the controller stopped before the record settled.
	ReasonShutdown = "Shutdown"
)
