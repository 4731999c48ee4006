package constants

// HTTP API paths served by the controller and consumed by the
// trigger/status commands.
const (
	APIPathDeployments  = "/api/v1/deployments"
	APIPathEnvironments = "/api/v1/environments"
	APIPathHooksPush    = "/api/v1/hooks/push"
)

// Listen addresses, overridable by flags on the controller subcommand.
const (
	DefaultAPIBindAddress         = ":8090"
	DefaultMetricsBindAddress     = ":8080"
	DefaultHealthProbeBindAddress = ":8081"
)

// DefaultAPIURL is where the trigger and status commands look for the
// controller when neither the flag nor DEPLOYSYNC_API_ADDR is set.
const DefaultAPIURL = "http://127.0.0.1:8090"
