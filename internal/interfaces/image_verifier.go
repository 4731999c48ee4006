package interfaces

import "context"

// ImageVerifier checks container image signatures before a revision is
// allowed to reach a cluster. Implementations should cache verdicts per
// resolved digest.
type ImageVerifier interface {
	// Verify checks the signature of the given image reference and
	// returns its resolved digest form on success.
	Verify(ctx context.Context, image string) (string, error)
}
