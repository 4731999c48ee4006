package constants

import "time"

// Reconciliation timing defaults. Each can be overridden in the reconcile
// block of the controller configuration.
const (
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffCap  = 2 * time.Minute
	DefaultMaxAttempts = 5

	DefaultDegradedCadence = 30 * time.Second
	DefaultDegradedBudget  = 5

	// DefaultPollInterval paces the status wait loop and the post-apply
	// confirmation read.
	DefaultPollInterval = 2 * time.Second

	// MinPollInterval is the floor under any configured poll interval.
	// Waiters sleep at least this long between checks, never busy-spin.
	MinPollInterval = 500 * time.Millisecond

	DefaultWaitTimeout = 10 * time.Minute
)

// Server timing.
const (
	ShutdownGracePeriod = 15 * time.Second
	ReadHeaderTimeout   = 5 * time.Second
)
