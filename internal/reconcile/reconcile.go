// Package reconcile drives deployment requests to a settled state. A
// Manager owns one worker goroutine per environment; a new request
// supersedes the environment's in-flight sync, renders the revision's
// desired state, and converges the cluster onto it with bounded retries.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"

	"github.com/dc-tec/deploysync/internal/cluster"
	"github.com/dc-tec/deploysync/internal/config"
	syncerrors "github.com/dc-tec/deploysync/internal/errors"
	"github.com/dc-tec/deploysync/internal/interfaces"
	"github.com/dc-tec/deploysync/internal/logging"
	"github.com/dc-tec/deploysync/internal/render"
	"github.com/dc-tec/deploysync/internal/store"
)

// Env bundles one environment's cluster handles and optional verification
// gate. The caller builds the connections, so tests can substitute fake
// clients without dialing anything.
type Env struct {
	Config  config.Environment
	Reader  *cluster.StateReader
	Applier *cluster.Applier

	// Verifier is nil when the environment has no verify_image block.
	Verifier interfaces.ImageVerifier
}

// Manager routes deployment requests to per-environment workers and runs
// the optional drift-resync schedules. All methods are safe for concurrent
// use.
type Manager struct {
	cfg      *config.Config
	records  *store.Records
	desired  *store.Desired
	renderer *render.Renderer

	// builder and archive are nil when the corresponding config blocks are
	// absent. A nil builder skips the image step entirely; a nil archive
	// keeps history in memory only.
	builder interfaces.Builder
	archive interfaces.Archive

	log     logr.Logger
	workers map[string]*worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool

	wg sync.WaitGroup
}

// NewManager wires a Manager for the configured environments.
func NewManager(
	cfg *config.Config,
	envs []Env,
	records *store.Records,
	desired *store.Desired,
	builder interfaces.Builder,
	archive interfaces.Archive,
	log logr.Logger,
) *Manager {
	m := &Manager{
		cfg:      cfg,
		records:  records,
		desired:  desired,
		renderer: render.NewRenderer(),
		builder:  builder,
		archive:  archive,
		log:      log.WithName("reconcile"),
		workers:  make(map[string]*worker, len(envs)),
	}

	for _, env := range envs {
		m.workers[env.Config.Name] = &worker{
			parent:   m,
			env:      env.Config,
			reader:   env.Reader,
			applier:  env.Applier,
			verifier: env.Verifier,
			metrics:  NewMetrics(env.Config.Name),
			kick:     make(chan struct{}, 1),
			log:      m.log.WithValues("environment", env.Config.Name),
		}
	}
	return m
}

// Start launches the environment workers and resync schedules. It returns
// immediately; Stop shuts the loops down and waits for them.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil || m.stopped {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, w := range m.workers {
		m.wg.Add(1)
		go w.loop(runCtx)
	}

	for _, w := range m.workers {
		if w.env.ResyncSchedule == "" {
			continue
		}
		schedule, err := config.ParseResyncSchedule(w.env.ResyncSchedule)
		if err != nil {
			// Validation rejects bad schedules at load time.
			m.log.Error(err, "skipping resync schedule", "environment", w.env.Name)
			continue
		}
		m.wg.Add(1)
		go m.resyncLoop(runCtx, w.env.Name, schedule)
	}
}

// Stop cancels all workers and waits for in-flight work, including archive
// writes, to finish. In-flight records are failed with a shutdown reason by
// their workers on the way out.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()
}

// Submit registers a deployment request and hands it to the environment's
// worker. Any non-terminal record for the environment is superseded first;
// if its sync is in flight, the pass is cancelled cooperatively. The
// returned record is the caller's handle for status queries and waits.
func (m *Manager) Submit(environment, revision string, cause store.Cause) (store.SyncRecord, error) {
	w, ok := m.workers[environment]
	if !ok {
		return store.SyncRecord{}, fmt.Errorf("%w: %s", syncerrors.ErrUnknownEnvironment, environment)
	}
	if !config.ValidRevision(revision) {
		return store.SyncRecord{}, fmt.Errorf("invalid revision %q", revision)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return store.SyncRecord{}, syncerrors.ErrShuttingDown
	}
	m.mu.Unlock()

	rec, superseded := m.records.Begin(environment, revision, "", cause)
	if superseded != nil {
		logging.LogAuditEvent(m.log, logging.EventDeploymentSuperseded, map[string]string{
			"environment":   environment,
			"record_id":     superseded.ID,
			"revision":      superseded.Revision,
			"superseded_by": rec.ID,
		})
		w.interrupt(superseded.ID)
		m.settled(*superseded)
	}

	logging.LogAuditEvent(m.log, logging.EventDeploymentRequested, map[string]string{
		"environment": environment,
		"record_id":   rec.ID,
		"revision":    revision,
		"cause":       string(cause),
	})

	w.submit(request{record: rec})
	return rec, nil
}

// resyncLoop re-submits the environment's current revision on the cron
// cadence to correct drift.
func (m *Manager) resyncLoop(ctx context.Context, environment string, schedule cron.Schedule) {
	defer m.wg.Done()

	for {
		timer := time.NewTimer(time.Until(schedule.Next(time.Now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		m.resync(environment)
	}
}

// resync submits a drift-correction pass for the environment's current
// desired revision. Environments that never deployed, or that have a sync
// in flight, are left alone.
func (m *Manager) resync(environment string) {
	set, ok := m.desired.Current(environment)
	if !ok {
		m.log.V(1).Info("resync skipped, no desired state yet", "environment", environment)
		return
	}
	if _, active := m.records.Active(environment); active {
		m.log.V(1).Info("resync skipped, sync in flight", "environment", environment)
		return
	}

	if _, err := m.Submit(environment, set.Revision, store.CauseResync); err != nil {
		m.log.Error(err, "resync submit failed", "environment", environment)
	}
}

// settled records the outcome of a settled sync: audit, metrics, and the
// history archive for terminal records. Archive writes run in the
// background; a failed write is logged and never affects the record.
func (m *Manager) settled(rec store.SyncRecord) {
	if w, ok := m.workers[rec.Environment]; ok {
		w.metrics.RecordOutcome(rec)
	}

	if !rec.State.Terminal() {
		return
	}

	logging.LogAuditEvent(m.log, logging.EventSyncSettled, map[string]string{
		"environment": rec.Environment,
		"record_id":   rec.ID,
		"revision":    rec.Revision,
		"state":       string(rec.State),
		"reason":      rec.Reason,
	})

	if m.archive == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.archive.Append(context.Background(), rec); err != nil {
			m.log.Error(err, "archiving sync record failed",
				"environment", rec.Environment, "record_id", rec.ID)
		}
	}()
}
