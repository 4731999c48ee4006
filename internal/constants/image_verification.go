package constants

// Image verification failure policies.
const (
	ImageVerificationFailurePolicyWarn  = "Warn"
	ImageVerificationFailurePolicyBlock = "Block"
)
