package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/dc-tec/deploysync/internal/config"
	"github.com/dc-tec/deploysync/internal/constants"
	syncerrors "github.com/dc-tec/deploysync/internal/errors"
	"github.com/dc-tec/deploysync/internal/store"
)

func TestTransientReadErrorsExhaustRetryBudget(t *testing.T) {
	c := &readErrorClient{err: apierrors.NewServiceUnavailable("apiserver shutting down")}
	f := newFixture(t, testConfig(t), testEnvironment("staging"), c, nil, nil)
	writeRevision(t, f.cfg.SourceRoot, "abc123", appConfigTemplate)

	rec, err := f.manager.Submit("staging", "abc123", store.CausePush)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	final := f.waitTerminal(t, rec.ID)
	if final.State != store.StateFailed || final.Reason != constants.ReasonClusterUnreachable {
		t.Fatalf("final = %s/%s, want Failed/ClusterUnreachable", final.State, final.Reason)
	}
	if final.Attempts != f.cfg.Reconcile.MaxAttempts {
		t.Errorf("attempts = %d, want %d", final.Attempts, f.cfg.Reconcile.MaxAttempts)
	}
	if !strings.Contains(final.Message, "attempts exhausted") {
		t.Errorf("message = %q", final.Message)
	}
	if got := c.getCount(); got != f.cfg.Reconcile.MaxAttempts {
		t.Errorf("cluster reads = %d, want %d", got, f.cfg.Reconcile.MaxAttempts)
	}
}

func TestPermanentReadErrorFailsWithoutRetry(t *testing.T) {
	gr := schema.GroupResource{Resource: "configmaps"}
	c := &readErrorClient{err: apierrors.NewForbidden(gr, "app-config", errors.New("access denied"))}
	f := newFixture(t, testConfig(t), testEnvironment("staging"), c, nil, nil)
	writeRevision(t, f.cfg.SourceRoot, "abc123", appConfigTemplate)

	rec, err := f.manager.Submit("staging", "abc123", store.CausePush)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	final := f.waitTerminal(t, rec.ID)
	if final.State != store.StateFailed || final.Reason != constants.ReasonPermissionDenied {
		t.Fatalf("final = %s/%s, want Failed/PermissionDenied", final.State, final.Reason)
	}
	if final.Attempts != 1 {
		t.Errorf("attempts = %d, want 1; permanent errors must not retry", final.Attempts)
	}
}

func TestRejectedApplyFailsWithoutRetry(t *testing.T) {
	c := newClusterFake()
	c.patchErr = apierrors.NewBadRequest("data values must be strings")
	f := newFixture(t, testConfig(t), testEnvironment("staging"), c, nil, nil)
	writeRevision(t, f.cfg.SourceRoot, "abc123", appConfigTemplate)

	rec, err := f.manager.Submit("staging", "abc123", store.CausePush)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	final := f.waitTerminal(t, rec.ID)
	if final.State != store.StateFailed || final.Reason != constants.ReasonApplyRejected {
		t.Fatalf("final = %s/%s, want Failed/ApplyRejected", final.State, final.Reason)
	}
	if final.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", final.Attempts)
	}
}

func TestMissingRevisionCheckoutFailsRender(t *testing.T) {
	f := newFixture(t, testConfig(t), testEnvironment("staging"), newClusterFake(), nil, nil)

	rec, err := f.manager.Submit("staging", "0ddba11", store.CausePush)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	final := f.waitTerminal(t, rec.ID)
	if final.State != store.StateFailed || final.Reason != constants.ReasonRenderFailed {
		t.Fatalf("final = %s/%s, want Failed/RenderFailed", final.State, final.Reason)
	}
	if final.Attempts != 0 {
		t.Errorf("attempts = %d, want 0; the pass failed before reaching the cluster", final.Attempts)
	}
}

func TestReadbackMismatchExhaustsDegradedBudget(t *testing.T) {
	c := newClusterFake()
	c.dropWrites = true
	f := newFixture(t, testConfig(t), testEnvironment("staging"), c, nil, nil)
	writeRevision(t, f.cfg.SourceRoot, "abc123", appConfigTemplate)

	rec, err := f.manager.Submit("staging", "abc123", store.CausePush)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	final := f.waitTerminal(t, rec.ID)
	if final.State != store.StateFailed || final.Reason != constants.ReasonDegradedRetriesExhausted {
		t.Fatalf("final = %s/%s, want Failed/DegradedRetriesExhausted", final.State, final.Reason)
	}
	budget := f.cfg.Reconcile.DegradedBudget
	if final.DegradedRetries != budget {
		t.Errorf("degraded retries = %d, want %d", final.DegradedRetries, budget)
	}
	if !strings.Contains(final.Message, "still degraded") {
		t.Errorf("message = %q", final.Message)
	}
	// Initial pass plus one apply per budgeted re-entry.
	if got := c.applyCount(); got != budget+1 {
		t.Errorf("cluster writes = %d, want %d", got, budget+1)
	}
}

func TestStopFailsDegradedSync(t *testing.T) {
	cfg := testConfig(t)
	cfg.Reconcile.DegradedCadence = time.Hour

	c := newClusterFake()
	c.dropWrites = true
	f := newFixture(t, cfg, testEnvironment("staging"), c, nil, nil)
	writeRevision(t, f.cfg.SourceRoot, "abc123", appConfigTemplate)

	rec, err := f.manager.Submit("staging", "abc123", store.CausePush)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// With an hour-long cadence the record rests in Degraded after the
	// first mismatched pass.
	settled := f.waitSettled(t, rec.ID)
	if settled.State != store.StateDegraded || settled.Reason != constants.ReasonReadbackMismatch {
		t.Fatalf("settled = %s/%s, want Degraded/ReadbackMismatch", settled.State, settled.Reason)
	}
	if settled.DegradedRetries != 0 {
		t.Errorf("degraded retries = %d, want 0", settled.DegradedRetries)
	}

	f.manager.Stop()

	final, err := f.records.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if final.State != store.StateFailed || final.Reason != constants.ReasonShutdown {
		t.Fatalf("final = %s/%s, want Failed/Shutdown", final.State, final.Reason)
	}
	if !strings.Contains(final.Message, "degraded") {
		t.Errorf("message = %q", final.Message)
	}
}

func TestBuildFailureFailsSync(t *testing.T) {
	c := newClusterFake()
	builder := &staticBuilder{err: syncerrors.WrapBuild(errors.New("vulnerability scan failed"))}
	f := newFixture(t, testConfig(t), testEnvironment("staging"), c, builder, nil)
	writeRevision(t, f.cfg.SourceRoot, "abc123", imageTemplate)

	rec, err := f.manager.Submit("staging", "abc123", store.CausePush)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	final := f.waitTerminal(t, rec.ID)
	if final.State != store.StateFailed || final.Reason != constants.ReasonBuildFailed {
		t.Fatalf("final = %s/%s, want Failed/BuildFailed", final.State, final.Reason)
	}
	if got := c.applyCount(); got != 0 {
		t.Errorf("cluster writes = %d, want 0", got)
	}
}

func TestBuiltImageRendersIntoManifests(t *testing.T) {
	c := newClusterFake()
	builder := &staticBuilder{image: "registry.example.com/guestbook:abc123"}
	f := newFixture(t, testConfig(t), testEnvironment("staging"), c, builder, nil)
	writeRevision(t, f.cfg.SourceRoot, "abc123", imageTemplate)

	rec, err := f.manager.Submit("staging", "abc123", store.CausePush)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	final := f.waitTerminal(t, rec.ID)
	if final.State != store.StateSynced {
		t.Fatalf("final = %s/%s, want Synced", final.State, final.Reason)
	}
	if final.Image != builder.image {
		t.Errorf("record image = %q, want %q", final.Image, builder.image)
	}
	cm := getConfigMap(t, c.Client, "guestbook-staging", "app-deploy")
	if cm.Data["image"] != builder.image {
		t.Errorf("rendered image = %q, want %q", cm.Data["image"], builder.image)
	}
}

func TestUnverifiedImageBlocksSync(t *testing.T) {
	c := newClusterFake()
	builder := &staticBuilder{image: "registry.example.com/guestbook:abc123"}
	verifier := &staticVerifier{err: syncerrors.WrapImageVerification(errors.New("no matching signatures"))}

	env := testEnvironment("staging")
	env.VerifyImage = &config.VerifyImage{
		PublicKeyPath: "/etc/deploysync/cosign.pub",
		FailurePolicy: constants.ImageVerificationFailurePolicyBlock,
	}
	f := newFixture(t, testConfig(t), env, c, builder, verifier)
	writeRevision(t, f.cfg.SourceRoot, "abc123", imageTemplate)

	rec, err := f.manager.Submit("staging", "abc123", store.CausePush)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	final := f.waitTerminal(t, rec.ID)
	if final.State != store.StateFailed || final.Reason != constants.ReasonVerificationFailed {
		t.Fatalf("final = %s/%s, want Failed/VerificationFailed", final.State, final.Reason)
	}
	if final.Image != "" {
		t.Errorf("record image = %q, want empty; blocked images are never attached", final.Image)
	}
	if got := c.applyCount(); got != 0 {
		t.Errorf("cluster writes = %d, want 0", got)
	}
}

func TestWarnPolicyDeploysUnverifiedImage(t *testing.T) {
	c := newClusterFake()
	builder := &staticBuilder{image: "registry.example.com/guestbook:abc123"}
	verifier := &staticVerifier{err: syncerrors.WrapImageVerification(errors.New("no matching signatures"))}

	env := testEnvironment("staging")
	env.VerifyImage = &config.VerifyImage{
		PublicKeyPath: "/etc/deploysync/cosign.pub",
		FailurePolicy: constants.ImageVerificationFailurePolicyWarn,
	}
	f := newFixture(t, testConfig(t), env, c, builder, verifier)
	writeRevision(t, f.cfg.SourceRoot, "abc123", imageTemplate)

	rec, err := f.manager.Submit("staging", "abc123", store.CausePush)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	final := f.waitTerminal(t, rec.ID)
	if final.State != store.StateSynced {
		t.Fatalf("final = %s/%s, want Synced", final.State, final.Reason)
	}
	// The unverified tag deploys as-is; there is no digest to pin to.
	if final.Image != builder.image {
		t.Errorf("record image = %q, want %q", final.Image, builder.image)
	}
}

func TestVerifiedImagePinnedToDigest(t *testing.T) {
	digest := "registry.example.com/guestbook@sha256:" + strings.Repeat("4e", 32)
	c := newClusterFake()
	builder := &staticBuilder{image: "registry.example.com/guestbook:abc123"}
	verifier := &staticVerifier{digest: digest}

	env := testEnvironment("staging")
	env.VerifyImage = &config.VerifyImage{
		PublicKeyPath: "/etc/deploysync/cosign.pub",
		FailurePolicy: constants.ImageVerificationFailurePolicyBlock,
	}
	f := newFixture(t, testConfig(t), env, c, builder, verifier)
	writeRevision(t, f.cfg.SourceRoot, "abc123", imageTemplate)

	rec, err := f.manager.Submit("staging", "abc123", store.CausePush)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	final := f.waitTerminal(t, rec.ID)
	if final.State != store.StateSynced {
		t.Fatalf("final = %s/%s, want Synced", final.State, final.Reason)
	}
	if final.Image != digest {
		t.Errorf("record image = %q, want the verified digest", final.Image)
	}
	cm := getConfigMap(t, c.Client, "guestbook-staging", "app-deploy")
	if cm.Data["image"] != digest {
		t.Errorf("rendered image = %q, want the verified digest", cm.Data["image"])
	}
}

func TestPruneDeletesDroppedResources(t *testing.T) {
	c := newClusterFake()
	env := testEnvironment("staging")
	env.Prune = true
	f := newFixture(t, testConfig(t), env, c, nil, nil)
	writeRevision(t, f.cfg.SourceRoot, "abc123", appWithRoutesTemplate)
	writeRevision(t, f.cfg.SourceRoot, "def456", appConfigTemplate)

	first, err := f.manager.Submit("staging", "abc123", store.CausePush)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	f.waitTerminal(t, first.ID)

	second, err := f.manager.Submit("staging", "def456", store.CausePush)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	final := f.waitTerminal(t, second.ID)
	if final.State != store.StateSynced {
		t.Fatalf("final = %s/%s, want Synced", final.State, final.Reason)
	}

	if got := c.deleteCount(); got != 1 {
		t.Errorf("deletes = %d, want 1", got)
	}
	err = c.Client.Get(context.Background(),
		client.ObjectKey{Namespace: "guestbook-staging", Name: "app-routes"}, &corev1.ConfigMap{})
	if !apierrors.IsNotFound(err) {
		t.Errorf("dropped resource still present, Get() error = %v", err)
	}
}

func TestDroppedResourcesKeptWithoutPrune(t *testing.T) {
	c := newClusterFake()
	f := newFixture(t, testConfig(t), testEnvironment("staging"), c, nil, nil)
	writeRevision(t, f.cfg.SourceRoot, "abc123", appWithRoutesTemplate)
	writeRevision(t, f.cfg.SourceRoot, "def456", appConfigTemplate)

	first, err := f.manager.Submit("staging", "abc123", store.CausePush)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	f.waitTerminal(t, first.ID)

	second, err := f.manager.Submit("staging", "def456", store.CausePush)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	f.waitTerminal(t, second.ID)

	if got := c.deleteCount(); got != 0 {
		t.Errorf("deletes = %d, want 0", got)
	}
	// Without prune the dropped resource keeps running.
	getConfigMap(t, c.Client, "guestbook-staging", "app-routes")
}
