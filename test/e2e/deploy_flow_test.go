//go:build e2e
// +build e2e

package e2e

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/dc-tec/deploysync/cmd/trigger"
	"github.com/dc-tec/deploysync/internal/apiclient"
	"github.com/dc-tec/deploysync/internal/cluster"
	"github.com/dc-tec/deploysync/internal/config"
	"github.com/dc-tec/deploysync/internal/constants"
	"github.com/dc-tec/deploysync/internal/reconcile"
	"github.com/dc-tec/deploysync/internal/server"
	"github.com/dc-tec/deploysync/internal/status"
	"github.com/dc-tec/deploysync/internal/store"
)

const appManifest = `apiVersion: v1
kind: ConfigMap
metadata:
  name: app-config
data:
  environment: {{ .Environment }}
  revision: {{ .Revision }}
`

func newScheme() *runtime.Scheme {
	s := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(s))
	return s
}

// fakeCluster stands in for a target cluster. The fake client has no
// server-side apply, so Patch is emulated with create-or-update. With
// dropWrites set it acknowledges applies without storing anything, which
// the controller observes as persistent post-apply drift.
type fakeCluster struct {
	client.Client

	mu         sync.Mutex
	dropWrites bool
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{Client: fake.NewClientBuilder().WithScheme(newScheme()).Build()}
}

func (c *fakeCluster) Patch(ctx context.Context, obj client.Object, _ client.Patch, _ ...client.PatchOption) error {
	c.mu.Lock()
	drop := c.dropWrites
	c.mu.Unlock()
	if drop {
		return nil
	}

	existing := obj.DeepCopyObject().(client.Object)
	err := c.Client.Get(ctx, client.ObjectKeyFromObject(obj), existing)
	if apierrors.IsNotFound(err) {
		return c.Client.Create(ctx, obj)
	}
	if err != nil {
		return err
	}
	obj.SetResourceVersion(existing.GetResourceVersion())
	return c.Client.Update(ctx, obj)
}

// gateClient holds every cluster read until released, pinning a sync in
// flight at a known point.
type gateClient struct {
	client.Client
	entered chan struct{}
	release chan struct{}
}

func newGateClient(inner client.Client) *gateClient {
	return &gateClient{
		Client:  inner,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (c *gateClient) Get(ctx context.Context, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
	select {
	case <-c.release:
		return c.Client.Get(ctx, key, obj, opts...)
	default:
	}

	select {
	case c.entered <- struct{}{}:
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.release:
		return c.Client.Get(ctx, key, obj, opts...)
	}
}

// stack is one controller instance: reconcile workers, HTTP API, and a
// client pointed at it.
type stack struct {
	cfg     *config.Config
	records *store.Records
	manager *reconcile.Manager
	ts      *httptest.Server
	api     *apiclient.Client
}

func newStack(c client.Client) *stack {
	cfg := &config.Config{
		SourceRoot: GinkgoT().TempDir(),
		Environments: []config.Environment{{
			Name:      "staging",
			Branch:    "develop",
			Namespace: "guestbook-staging",
			Source:    config.Source{Manifests: "manifests", Values: "values.yaml"},
		}},
		Reconcile: config.Reconcile{
			MaxAttempts:     3,
			BackoffBase:     2 * time.Millisecond,
			BackoffCap:      10 * time.Millisecond,
			DegradedCadence: 10 * time.Millisecond,
			DegradedBudget:  2,
			PollInterval:    time.Millisecond,
		},
	}

	s := &stack{
		cfg:     cfg,
		records: store.NewRecords(),
	}
	envs := []reconcile.Env{{
		Config:  cfg.Environments[0],
		Reader:  cluster.NewStateReader(c, log.Log),
		Applier: cluster.NewApplier(c, log.Log),
	}}
	s.manager = reconcile.NewManager(cfg, envs, s.records, store.NewDesired(), nil, nil, log.Log)
	s.manager.Start(context.Background())
	DeferCleanup(s.manager.Stop)

	srv := server.New(cfg, s.manager, status.NewPublisher(cfg, s.records), log.Log)
	s.ts = httptest.NewServer(srv.Handler())
	DeferCleanup(s.ts.Close)

	var err error
	s.api, err = apiclient.New(s.ts.URL)
	Expect(err).NotTo(HaveOccurred())
	return s
}

// writeRevision lays a revision checkout under the stack's source root.
func (s *stack) writeRevision(revision, manifest string) {
	dir := filepath.Join(s.cfg.SourceRoot, revision)
	manifestsDir := filepath.Join(dir, "manifests")
	Expect(os.MkdirAll(manifestsDir, 0o750)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "values.yaml"), []byte("replicas: 1\n"), 0o600)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(manifestsDir, "app.yaml"), []byte(manifest), 0o600)).To(Succeed())
}

func (s *stack) eventuallySettled(revision string) store.SyncRecord {
	var settled store.SyncRecord
	Eventually(func(g Gomega) {
		rec, err := s.api.Revision(context.Background(), "staging", revision)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(rec.State.Settled()).To(BeTrue(), "state %s", rec.State)
		settled = rec
	}, "5s", "20ms").Should(Succeed())
	return settled
}

var _ = Describe("Deployment flow", Ordered, func() {
	ctx := context.Background()

	var (
		target *fakeCluster
		s      *stack
	)

	BeforeAll(func() {
		target = newFakeCluster()
		s = newStack(target)
		s.writeRevision("abc123", appManifest)
		s.writeRevision("def456", appManifest)
	})

	It("converges a pushed revision", func() {
		By("delivering a push event for the tracked branch")
		rec, err := s.api.Push(ctx, "develop", "abc123")
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.State).To(Equal(store.StatePending))
		Expect(rec.Cause).To(Equal(store.CausePush))

		By("waiting for the record to settle")
		final := s.eventuallySettled("abc123")
		Expect(final.State).To(Equal(store.StateSynced))
		Expect(final.Reason).To(Equal(constants.ReasonConverged))

		By("checking the manifest landed on the cluster")
		cm := &corev1.ConfigMap{}
		Expect(target.Get(ctx, client.ObjectKey{Namespace: "guestbook-staging", Name: "app-config"}, cm)).To(Succeed())
		Expect(cm.Data["revision"]).To(Equal("abc123"))
	})

	It("serves the converged state over the status API", func() {
		latest, err := s.api.Status(ctx, "staging")
		Expect(err).NotTo(HaveOccurred())
		Expect(latest.State).To(Equal(store.StateSynced))
		Expect(latest.Revision).To(Equal("abc123"))

		envs, err := s.api.Environments(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(envs).To(HaveLen(1))
		Expect(envs[0].Name).To(Equal("staging"))
	})

	It("rejects a push for an untracked branch", func() {
		_, err := s.api.Push(ctx, "feature/nope", "abc999")
		Expect(err).To(MatchError(ContainSubstring("feature/nope")))
	})

	It("settles a manual deployment through the trigger command", func() {
		code := trigger.Run([]string{
			"--api", s.ts.URL,
			"--environment", "staging",
			"--revision", "def456",
			"--wait",
			"--timeout", "5s",
		})
		Expect(code).To(Equal(trigger.ExitSynced))

		final := s.eventuallySettled("def456")
		Expect(final.Cause).To(Equal(store.CauseManual))
	})
})

var _ = Describe("Revision races", Ordered, func() {
	ctx := context.Background()

	var (
		gate *gateClient
		s    *stack
	)

	BeforeAll(func() {
		gate = newGateClient(newFakeCluster())
		s = newStack(gate)
		s.writeRevision("old1111", appManifest)
		s.writeRevision("new2222", appManifest)
	})

	It("times out a wait while the sync is pinned in flight", func() {
		_, err := s.api.Push(ctx, "develop", "old1111")
		Expect(err).NotTo(HaveOccurred())
		Eventually(gate.entered, "5s").Should(Receive(), "sync never reached the cluster read")

		code := trigger.Run([]string{
			"--api", s.ts.URL,
			"--environment", "staging",
			"--revision", "old1111",
			"--wait",
			"--timeout", "200ms",
		})
		Expect(code).To(Equal(trigger.ExitTimeout))
	})

	It("supersedes the pinned revision when a newer one lands", func() {
		_, err := s.api.Push(ctx, "develop", "new2222")
		Expect(err).NotTo(HaveOccurred())
		close(gate.release)

		winner := s.eventuallySettled("new2222")
		Expect(winner.State).To(Equal(store.StateSynced))

		loser := s.eventuallySettled("old1111")
		Expect(loser.State).To(Equal(store.StateSuperseded))
		Expect(loser.Reason).To(Equal(constants.ReasonNewerRevision))

		// Wait resolves the newest record for the revision, so a waiter
		// that arrives after the race still sees the superseded verdict.
		waited, err := s.api.Wait(ctx, "staging", "old1111", 2*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(waited.State).To(Equal(store.StateSuperseded))
	})
})

var _ = Describe("Degraded escalation", Ordered, func() {
	ctx := context.Background()

	var (
		target *fakeCluster
		s      *stack
	)

	BeforeAll(func() {
		target = newFakeCluster()
		target.dropWrites = true
		s = newStack(target)
		s.writeRevision("bad0001", appManifest)
	})

	It("exhausts the degraded budget and reports it through the trigger", func() {
		_, err := s.api.Push(ctx, "develop", "bad0001")
		Expect(err).NotTo(HaveOccurred())

		// Applies are acknowledged but never stored, so every readback
		// sees drift. Degraded or the final escalation both map to the
		// degraded exit code.
		code := trigger.Run([]string{
			"--api", s.ts.URL,
			"--environment", "staging",
			"--revision", "bad0001",
			"--wait",
			"--timeout", "5s",
		})
		Expect(code).To(Equal(trigger.ExitDegraded))

		Eventually(func(g Gomega) {
			rec, err := s.api.Revision(ctx, "staging", "bad0001")
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(rec.State).To(Equal(store.StateFailed))
			g.Expect(rec.Reason).To(Equal(constants.ReasonDegradedRetriesExhausted))
		}, "5s", "20ms").Should(Succeed())
	})
})
