package interfaces

import "context"

// Builder produces a deployable image reference for a source revision.
type Builder interface {
	// Build runs the build collaborator against a revision checkout and
	// returns the image reference it produced.
	Build(ctx context.Context, environment, revision, dir string) (string, error)
}
