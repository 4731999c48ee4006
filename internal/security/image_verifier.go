// Package security verifies cosign signatures on the images the build
// collaborator produces, before the reconciler admits them into desired
// state.
package security

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	ggcrremote "github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/sigstore/cosign/v3/pkg/cosign"
	ociremote "github.com/sigstore/cosign/v3/pkg/oci/remote"
	"github.com/sigstore/cosign/v3/pkg/signature"

	"github.com/dc-tec/deploysync/internal/config"
	syncerrors "github.com/dc-tec/deploysync/internal/errors"
	"github.com/dc-tec/deploysync/internal/interfaces"
)

// Verifier checks image signatures against a fixed public key and pins
// verified references to their digest. One Verifier serves one environment;
// its key and transparency-log policy never change after construction.
type Verifier struct {
	environment string
	publicKey   []byte
	keyID       string
	ignoreTlog  bool
	log         logr.Logger
	cache       *verificationCache
}

var _ interfaces.ImageVerifier = (*Verifier)(nil)

// NewVerifier reads the environment's verification key from disk. A missing
// or malformed key fails construction, so the controller refuses to start
// with a gate it cannot enforce.
func NewVerifier(environment string, cfg *config.VerifyImage, log logr.Logger) (*Verifier, error) {
	pem, err := os.ReadFile(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading public key %s: %w", cfg.PublicKeyPath, err)
	}
	if _, err := signature.LoadPublicKeyRaw(pem, crypto.SHA256); err != nil {
		return nil, fmt.Errorf("loading public key %s: %w", cfg.PublicKeyPath, err)
	}

	return &Verifier{
		environment: environment,
		publicKey:   pem,
		keyID:       keyFingerprint(pem),
		ignoreTlog:  cfg.IgnoreTlog,
		log:         log.WithName("verify").WithValues("environment", environment),
		cache:       newVerificationCache(),
	}, nil
}

// Verify checks the signature on image and returns the digest-pinned form of
// the reference. Tags are resolved to a digest before the cache lookup, so a
// republished tag is verified again while an already-verified digest is not.
func (v *Verifier) Verify(ctx context.Context, image string) (string, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return "", syncerrors.WrapImageVerification(fmt.Errorf("parsing image reference %q: %w", image, err))
	}

	digestRef, err := v.resolveDigest(ctx, ref)
	if err != nil {
		return "", syncerrors.WrapImageVerification(fmt.Errorf("resolving digest for %q: %w", image, err))
	}
	digest := digestRef.String()

	if v.cache.isVerified(digest, v.keyID) {
		v.log.V(1).Info("verification cache hit", "digest", digest)
		return digest, nil
	}

	v.log.Info("verifying image signature", "image", image, "ignoreTlog", v.ignoreTlog)

	verifier, err := signature.LoadPublicKeyRaw(v.publicKey, crypto.SHA256)
	if err != nil {
		return "", syncerrors.WrapImageVerification(fmt.Errorf("loading public key: %w", err))
	}

	co := &cosign.CheckOpts{
		SigVerifier: verifier,
		IgnoreTlog:  v.ignoreTlog,
		RegistryClientOpts: []ociremote.Option{
			ociremote.WithRemoteOptions(remoteOptions(ctx)...),
		},
	}

	// Verify the digest form rather than the tag, so the check covers
	// exactly the reference the rendered manifests will pin.
	sigs, bundleVerified, err := cosign.VerifyImageSignatures(ctx, digestRef, co)
	if err != nil {
		return "", syncerrors.WrapImageVerification(fmt.Errorf("verifying %s: %w", digest, err))
	}
	if len(sigs) == 0 {
		return "", fmt.Errorf("%w: no signatures found for %s", syncerrors.ErrImageVerification, digest)
	}

	v.cache.markVerified(digest, v.keyID)
	v.log.Info("image signature verified",
		"image", image,
		"digest", digest,
		"signatures", len(sigs),
		"bundleVerified", bundleVerified,
		"rekorVerified", !v.ignoreTlog)

	return digest, nil
}

// resolveDigest pins ref to the digest it points at right now. References
// that already carry a digest skip the registry round trip.
func (v *Verifier) resolveDigest(ctx context.Context, ref name.Reference) (name.Digest, error) {
	if d, ok := ref.(name.Digest); ok {
		return d, nil
	}

	desc, err := ggcrremote.Head(ref, remoteOptions(ctx)...)
	if err != nil {
		return name.Digest{}, err
	}

	return name.NewDigest(fmt.Sprintf("%s@%s", ref.Context().Name(), desc.Digest.String()))
}

// remoteOptions authenticates registry calls from the ambient docker config,
// the same credentials the build collaborator pushed with.
func remoteOptions(ctx context.Context) []ggcrremote.Option {
	return []ggcrremote.Option{
		ggcrremote.WithContext(ctx),
		ggcrremote.WithAuthFromKeychain(authn.DefaultKeychain),
	}
}

// verificationCache remembers digests that already passed verification, so a
// scheduled resync does not re-fetch signatures for an unchanged image.
type verificationCache struct {
	mu    sync.RWMutex
	cache map[string]bool
}

func newVerificationCache() *verificationCache {
	return &verificationCache{cache: make(map[string]bool)}
}

func (c *verificationCache) isVerified(digest, keyID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache[cacheKey(digest, keyID)]
}

func (c *verificationCache) markVerified(digest, keyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[cacheKey(digest, keyID)] = true
}

// cacheKey pairs a digest with the key fingerprint, so rotating the
// verification key invalidates earlier verdicts.
func cacheKey(digest, keyID string) string {
	return digest + "@key:" + keyID
}

// keyFingerprint identifies key material in cache keys without holding the
// key itself.
func keyFingerprint(pem []byte) string {
	sum := sha256.Sum256(pem)
	return hex.EncodeToString(sum[:8])
}
