package constants

// Environment variable keys shared between the controller and the
// trigger/status commands.
const (
	// EnvWaitForSync makes the trigger command block until the sync
	// settles, as if --wait had been passed.
	EnvWaitForSync = "WAIT_FOR_SYNC"

	// EnvAPIAddr points the trigger/status commands at a running
	// controller.
	EnvAPIAddr = "DEPLOYSYNC_API_ADDR"

	// EnvConfig overrides the default controller configuration path.
	EnvConfig = "DEPLOYSYNC_CONFIG"
)

// Environment variables exported to the build collaborator process, in
// addition to the revision argument.
const (
	EnvBuildEnvironment = "DEPLOYSYNC_ENVIRONMENT"
	EnvBuildRevision    = "DEPLOYSYNC_REVISION"
	EnvBuildSourceDir   = "DEPLOYSYNC_SOURCE_DIR"
)
