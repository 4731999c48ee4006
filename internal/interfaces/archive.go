// Package interfaces defines the collaborator seams the reconciler
// depends on. Implementations live in internal/build, internal/security,
// and internal/history; reconcile workers only see these interfaces,
// which keeps them testable without external tooling or cloud access.
package interfaces

import (
	"context"

	"github.com/dc-tec/deploysync/internal/store"
)

// Archive is an append-only store of terminal sync records.
// Implementations must be safe for concurrent use.
type Archive interface {
	// Append archives one terminal record.
	Append(ctx context.Context, rec store.SyncRecord) error

	// List returns archived records for an environment, newest first.
	// A limit of zero or below returns everything.
	List(ctx context.Context, environment string, limit int) ([]store.SyncRecord, error)

	// Close releases backend resources.
	Close() error
}
