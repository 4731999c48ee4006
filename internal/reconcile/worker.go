package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/dc-tec/deploysync/internal/cluster"
	"github.com/dc-tec/deploysync/internal/config"
	"github.com/dc-tec/deploysync/internal/constants"
	"github.com/dc-tec/deploysync/internal/diff"
	syncerrors "github.com/dc-tec/deploysync/internal/errors"
	"github.com/dc-tec/deploysync/internal/interfaces"
	"github.com/dc-tec/deploysync/internal/render"
	"github.com/dc-tec/deploysync/internal/store"
)

// request is one deployment request handed to an environment worker.
type request struct {
	record store.SyncRecord
}

// worker serializes reconciliation for one environment. Only the latest
// queued request is kept: anything it replaces has already been superseded
// in the record arena by Submit.
type worker struct {
	parent   *Manager
	env      config.Environment
	reader   *cluster.StateReader
	applier  *cluster.Applier
	verifier interfaces.ImageVerifier
	metrics  *Metrics
	log      logr.Logger

	kick chan struct{}

	mu             sync.Mutex
	next           *request
	inFlightID     string
	inFlightCancel context.CancelFunc
}

func (w *worker) submit(req request) {
	w.mu.Lock()
	w.next = &req
	w.mu.Unlock()

	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *worker) take() (request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.next == nil {
		return request{}, false
	}
	req := *w.next
	w.next = nil
	return req, true
}

// interrupt cancels the in-flight pass for the given record, if that is
// what the worker is running. Later records are left alone.
func (w *worker) interrupt(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inFlightID == id && w.inFlightCancel != nil {
		w.inFlightCancel()
	}
}

func (w *worker) setInFlight(id string, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlightID = id
	w.inFlightCancel = cancel
}

func (w *worker) clearInFlight(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inFlightID == id {
		w.inFlightID = ""
		w.inFlightCancel = nil
	}
}

func (w *worker) loop(ctx context.Context) {
	defer w.parent.wg.Done()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case <-w.kick:
			if req, ok := w.take(); ok {
				w.run(ctx, req)
			}
		}
	}
}

// drain fails whatever was queued but never started, so no record is left
// Pending after shutdown.
func (w *worker) drain() {
	req, ok := w.take()
	if !ok {
		return
	}
	if rec, err := w.parent.records.Transition(req.record.ID, store.StateFailed,
		constants.ReasonShutdown, "controller stopped before the sync started"); err == nil {
		w.parent.settled(rec)
	}
}

// run executes one queued request. The in-flight cancel hook lets a
// superseding Submit cut the pass short.
func (w *worker) run(ctx context.Context, req request) {
	rec := req.record

	if cur, err := w.parent.records.Get(rec.ID); err != nil || cur.State.Terminal() {
		return // superseded while queued
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.setInFlight(rec.ID, cancel)
	defer func() {
		w.clearInFlight(rec.ID)
		cancel()
	}()

	w.metrics.SetActive(true)
	defer w.metrics.SetActive(false)

	w.log.Info("sync started", "record_id", rec.ID, "revision", rec.Revision, "cause", string(rec.Cause))
	w.sync(runCtx, rec)

	// A cancelled pass normally means a newer request superseded this
	// record, which already settled it. If it is still unsettled here, the
	// controller is shutting down.
	if cur, err := w.parent.records.Get(rec.ID); err == nil && !cur.State.Terminal() {
		msg := "controller stopped before the sync settled"
		if cur.State == store.StateDegraded {
			msg = "controller stopped before the degraded sync recovered"
		}
		if failed, terr := w.parent.records.Transition(rec.ID, store.StateFailed,
			constants.ReasonShutdown, msg); terr == nil {
			w.parent.settled(failed)
		}
	}
}

// sync drives one record from Pending to a settled state. When the pass is
// cancelled it returns without touching the record: a superseding request
// already settled it, and shutdown marking happens in run.
func (w *worker) sync(ctx context.Context, rec store.SyncRecord) {
	// The first transition doubles as the supersede check: a record that
	// lost the race while queued is terminal and refuses to enter Applying.
	if _, err := w.parent.records.Transition(rec.ID, store.StateApplying, "", ""); err != nil {
		return
	}

	dir, err := w.parent.cfg.RevisionDir(rec.Revision)
	if err != nil {
		w.fail(rec, syncerrors.WrapRender(err))
		return
	}

	image, err := w.resolveImage(ctx, rec, dir)
	if err != nil {
		if ctx.Err() == nil {
			w.fail(rec, err)
		}
		return
	}

	set, err := w.parent.renderer.Render(ctx, render.Input{
		Environment: w.env,
		Revision:    rec.Revision,
		Image:       image,
		SourceDir:   dir,
	})
	if err != nil {
		if ctx.Err() == nil {
			w.fail(rec, err)
		}
		return
	}
	prev := w.parent.desired.Put(set)

	rc := w.parent.cfg.Reconcile
	for {
		if !w.applyPhase(ctx, rec, set, prev) {
			return // cancelled
		}

		cur, err := w.parent.records.Get(rec.ID)
		if err != nil || cur.State != store.StateDegraded {
			return
		}

		// Degraded records re-enter Applying on a fixed cadence until the
		// budget of re-entries is spent.
		if cur.DegradedRetries >= rc.DegradedBudget {
			if failed, terr := w.parent.records.Transition(rec.ID, store.StateFailed,
				constants.ReasonDegradedRetriesExhausted,
				fmt.Sprintf("still degraded after %d retries", cur.DegradedRetries)); terr == nil {
				w.log.Info("degraded retries exhausted", "record_id", rec.ID, "retries", cur.DegradedRetries)
				w.parent.settled(failed)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(rc.DegradedCadence):
		}

		if _, err := w.parent.records.Transition(rec.ID, store.StateApplying, "", ""); err != nil {
			return // superseded during the degraded pause
		}
		w.log.Info("retrying degraded sync", "record_id", rec.ID)
	}
}

// resolveImage runs the optional build and verification steps and returns
// the image reference rendered into the manifests. Without a build
// collaborator the manifests render with an empty image value.
func (w *worker) resolveImage(ctx context.Context, rec store.SyncRecord, dir string) (string, error) {
	if w.parent.builder == nil {
		return "", nil
	}

	image, err := w.parent.builder.Build(ctx, w.env.Name, rec.Revision, dir)
	if err != nil {
		return "", err
	}

	if w.verifier != nil {
		digest, err := w.verifier.Verify(ctx, image)
		switch {
		case err == nil:
			// Pin the manifests to the digest the signature covers.
			image = digest
		case w.env.VerifyImage != nil && w.env.VerifyImage.FailurePolicy == constants.ImageVerificationFailurePolicyWarn:
			w.log.Info("image verification failed, continuing per Warn policy",
				"record_id", rec.ID, "image", image, "error", err.Error())
		default:
			return "", err
		}
	}

	_ = w.parent.records.AttachImage(rec.ID, image)
	return image, nil
}

// applyPhase drives one Applying episode to a settled state: Synced,
// Degraded on readback mismatch, or Failed when a permanent error strikes
// or the transient retry budget runs out. Returns false when the pass was
// cancelled before settling.
func (w *worker) applyPhase(ctx context.Context, rec store.SyncRecord, set, prev *render.ManifestSet) bool {
	rc := w.parent.cfg.Reconcile
	backoff := wait.Backoff{
		Duration: rc.BackoffBase,
		Factor:   2,
		Jitter:   0.1,
		Steps:    rc.MaxAttempts,
		Cap:      rc.BackoffCap,
	}

	var lastErr error
	for attempt := 1; attempt <= rc.MaxAttempts; attempt++ {
		_ = w.parent.records.IncrementAttempts(rec.ID)

		result, changes, err := w.applyOnce(ctx, rec, set, prev)
		if err == nil {
			w.settle(rec, result, changes)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if !syncerrors.IsTransient(err) {
			w.fail(rec, err)
			return true
		}

		lastErr = err
		if attempt == rc.MaxAttempts {
			break
		}

		delay := backoff.Step()
		w.log.Info("transient error, backing off",
			"record_id", rec.ID, "attempt", attempt, "delay", delay.String(), "error", err.Error())
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}

	w.fail(rec, fmt.Errorf("%d attempts exhausted: %w", rc.MaxAttempts, lastErr))
	return true
}

type passResult int

const (
	passAlreadyInSync passResult = iota
	passConverged
	passMismatch
)

// applyOnce runs one read, diff, apply, confirm pass against the stored
// desired set.
func (w *worker) applyOnce(ctx context.Context, rec store.SyncRecord, set, prev *render.ManifestSet) (passResult, int, error) {
	observed, err := w.reader.Read(ctx, w.env.Name, cluster.SelectorsFromSet(set))
	if err != nil {
		return 0, 0, err
	}

	plan, err := diff.Compute(set, observed, diff.Options{Prune: w.env.Prune, Previous: prev})
	if err != nil {
		return 0, 0, err
	}

	changes := plan.Changes()
	_ = w.parent.records.RecordPlan(rec.ID, changes, diffSummaries(plan))

	if plan.InSync() {
		return passAlreadyInSync, 0, nil
	}

	byKey := make(map[string]render.Manifest, len(set.Manifests))
	for _, m := range set.Manifests {
		byKey[m.Key()] = m
	}

	for _, d := range plan.Diffs {
		switch d.Action {
		case diff.ActionCreate, diff.ActionUpdate:
			m, ok := byKey[d.Selector.Key()]
			if !ok {
				return 0, changes, fmt.Errorf("plan names %s but the manifest set does not hold it", d.Selector.Key())
			}
			if err := w.applier.Apply(ctx, m); err != nil {
				return 0, changes, err
			}
			w.metrics.RecordApply(string(d.Action))
		case diff.ActionDelete:
			if err := w.applier.Delete(ctx, d.Selector); err != nil {
				return 0, changes, err
			}
			w.metrics.RecordApply(string(d.Action))
		}
	}

	inSync, err := w.confirm(ctx, set)
	if err != nil {
		return 0, changes, err
	}
	if !inSync {
		return passMismatch, changes, nil
	}
	return passConverged, changes, nil
}

// diffSummaries projects the plan into record form, keeping only the
// resources the plan would touch.
func diffSummaries(plan *diff.Plan) []store.DiffSummary {
	out := make([]store.DiffSummary, 0, len(plan.Diffs))
	for _, d := range plan.Diffs {
		if d.Action == diff.ActionNone {
			continue
		}
		out = append(out, store.DiffSummary{
			Resource: d.Selector.Key(),
			Action:   string(d.Action),
			Summary:  d.Summary,
		})
	}
	return out
}

// confirm waits one poll interval for the applies to land, then re-reads
// the cluster and reports whether it matches the desired set.
func (w *worker) confirm(ctx context.Context, set *render.ManifestSet) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(w.parent.cfg.Reconcile.PollInterval):
	}

	observed, err := w.reader.Read(ctx, w.env.Name, cluster.SelectorsFromSet(set))
	if err != nil {
		return false, err
	}
	plan, err := diff.Compute(set, observed, diff.Options{})
	if err != nil {
		return false, err
	}
	return plan.InSync(), nil
}

// settle transitions the record for a completed pass.
func (w *worker) settle(rec store.SyncRecord, result passResult, changes int) {
	var (
		state   store.SyncState
		reason  string
		message string
	)

	switch result {
	case passAlreadyInSync:
		state = store.StateSynced
		reason = constants.ReasonAlreadyInSync
		message = "cluster already matched the desired state"
	case passConverged:
		state = store.StateSynced
		reason = constants.ReasonConverged
		message = fmt.Sprintf("applied %d changes", changes)
		if rec.Cause == store.CauseResync {
			reason = constants.ReasonDriftDetected
			message = fmt.Sprintf("corrected %d drifted resources", changes)
			w.metrics.RecordDrift()
		}
	case passMismatch:
		state = store.StateDegraded
		reason = constants.ReasonReadbackMismatch
		message = "cluster still differs from the desired state after apply"
	}

	settled, err := w.parent.records.Transition(rec.ID, state, reason, message)
	if err != nil {
		return // superseded mid-settle
	}
	w.log.Info("sync settled", "record_id", rec.ID, "revision", rec.Revision,
		"state", string(settled.State), "reason", settled.Reason, "changes", changes)
	w.parent.settled(settled)
}

// fail settles the record as Failed with a reason derived from the error.
func (w *worker) fail(rec store.SyncRecord, err error) {
	failed, terr := w.parent.records.Transition(rec.ID, store.StateFailed, reasonFor(err), err.Error())
	if terr != nil {
		return // superseded mid-flight
	}
	w.log.Error(err, "sync failed", "record_id", rec.ID, "revision", rec.Revision, "reason", failed.Reason)
	w.parent.settled(failed)
}

// reasonFor maps a pipeline error to the reason recorded on a failed
// record.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, syncerrors.ErrRender):
		return constants.ReasonRenderFailed
	case errors.Is(err, syncerrors.ErrBuild):
		return constants.ReasonBuildFailed
	case errors.Is(err, syncerrors.ErrImageVerification):
		return constants.ReasonVerificationFailed
	case errors.Is(err, syncerrors.ErrPermissionDenied):
		return constants.ReasonPermissionDenied
	case errors.Is(err, syncerrors.ErrApplyRejected):
		return constants.ReasonApplyRejected
	case errors.Is(err, syncerrors.ErrApplyConflict):
		return constants.ReasonRetriesExhausted
	case syncerrors.IsClusterUnreachable(err):
		return constants.ReasonClusterUnreachable
	default:
		return "Error"
	}
}
