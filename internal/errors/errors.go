package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Transient errors indicate temporary conditions that should be retried.
// The reconciler absorbs them with exponential backoff up to a bounded
// attempt count; they never surface to callers on their own.

// ErrClusterUnreachable indicates that the target cluster could not be
// reached or answered with a transient API error. This includes timeouts,
// connection refused, DNS resolution failures, rate limiting, temporary
// server errors, and expired short-lived credentials (expiry triggers
// re-authentication, not fatal failure).
var ErrClusterUnreachable = errors.New("cluster unreachable")

// ErrApplyConflict indicates the API server reported a write conflict.
// Server-side apply with forced ownership makes these rare, but they can
// still occur mid-rollout and resolve on retry.
var ErrApplyConflict = errors.New("apply conflict")

// Permanent errors indicate configuration or cluster-state issues that
// require operator intervention. They are never retried; the active
// SyncRecord transitions to Failed immediately.

// ErrRender indicates that manifest rendering failed: unparseable base or
// overlay configuration, conflicting value types at the same key, or a
// template referencing values that do not exist.
var ErrRender = errors.New("render error")

// ErrPermissionDenied indicates the cluster rejected a request for
// authorization reasons after credential refresh was attempted.
var ErrPermissionDenied = errors.New("permission denied")

// ErrApplyRejected indicates the cluster rejected an apply for a
// non-transient reason, typically admission or schema validation.
var ErrApplyRejected = errors.New("apply rejected")

// ErrBuild indicates the external build collaborator failed to produce an
// image reference for the requested revision.
var ErrBuild = errors.New("build error")

// ErrImageVerification indicates the image signature could not be verified
// against the configured public key.
var ErrImageVerification = errors.New("image verification failed")

// Caller-facing errors. These never touch a SyncRecord's own state machine.

// ErrWaitTimeout indicates a wait for a terminal sync state exceeded its
// bound before the record settled.
var ErrWaitTimeout = errors.New("timed out waiting for sync")

// ErrUnknownEnvironment indicates a request referenced an environment that
// is not declared in the controller configuration.
var ErrUnknownEnvironment = errors.New("unknown environment")

// ErrNoSyncRecord indicates the environment exists but has no sync history
// matching the query. Distinct from ErrUnknownEnvironment so callers can
// tell "never deployed" from "no such environment".
var ErrNoSyncRecord = errors.New("no sync record")

// ErrShuttingDown indicates the controller is stopping and no longer
// accepts deployment requests.
var ErrShuttingDown = errors.New("controller is shutting down")

// IsClusterUnreachable checks if an error is a transient cluster error.
// This includes network timeouts, connection refused, DNS failures, and
// transient API-server conditions such as rate limiting.
func IsClusterUnreachable(err error) bool {
	if err == nil {
		return false
	}

	// Check for our sentinel error
	if errors.Is(err, ErrClusterUnreachable) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	// Check for common transient error patterns
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"context deadline exceeded",
		"timeout",
		"i/o timeout",
		"no such host",
		"network is unreachable",
		"temporary failure",
		"dial tcp",
		"connection closed",
		"broken pipe",
		"rate limit",
		"too many requests",
		"service unavailable",
		"internal server error",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	// Check for net.Error types that indicate transient issues
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		if netErr.Temporary() {
			return true
		}
	}

	// Check for DNS errors
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// WrapClusterUnreachable wraps an error as a transient cluster error.
// If the error is already classified as one, it is returned as-is.
func WrapClusterUnreachable(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrClusterUnreachable) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrClusterUnreachable, err)
}

// WrapApplyConflict wraps an error as a retryable write conflict.
func WrapApplyConflict(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrApplyConflict, err)
}

// WrapRender wraps an error as a render error.
func WrapRender(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrRender, err)
}

// WrapPermissionDenied wraps an error as a permission error.
func WrapPermissionDenied(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
}

// WrapApplyRejected wraps an error as a rejected apply.
func WrapApplyRejected(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrApplyRejected, err)
}

// WrapBuild wraps an error as a build collaborator failure.
func WrapBuild(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrBuild, err)
}

// WrapImageVerification wraps an error as an image verification failure.
func WrapImageVerification(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrImageVerification, err)
}

// IsTransient checks if an error should be retried with backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Permanent classifications win when both match; a permission error
	// whose message mentions a timeout must still not be retried.
	if IsPermanent(err) {
		return false
	}

	return IsClusterUnreachable(err) || errors.Is(err, ErrApplyConflict)
}

// IsPermanent checks if an error requires operator intervention.
// Permanent errors transition the active SyncRecord to Failed without
// consuming retry budget.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrRender) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrApplyRejected) ||
		errors.Is(err, ErrBuild) ||
		errors.Is(err, ErrImageVerification)
}
