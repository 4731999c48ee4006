// Package status answers sync-state queries against the record store.
//
// The HTTP API and the trigger CLI never read the store directly; they
// go through the Publisher, which also implements blocking waits. Waits
// wake on record transitions rather than polling, so a settled record
// is observed immediately and an in-flight one costs nothing to watch.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/dc-tec/deploysync/internal/config"
	"github.com/dc-tec/deploysync/internal/constants"
	syncerrors "github.com/dc-tec/deploysync/internal/errors"
	"github.com/dc-tec/deploysync/internal/store"
)

// Publisher exposes point-in-time record snapshots and blocking waits.
type Publisher struct {
	cfg     *config.Config
	records *store.Records
}

// NewPublisher returns a Publisher reading from the given record store.
func NewPublisher(cfg *config.Config, records *store.Records) *Publisher {
	return &Publisher{cfg: cfg, records: records}
}

// EnvironmentStatus is the list-view summary of one environment.
type EnvironmentStatus struct {
	Name      string            `json:"name"`
	Branch    string            `json:"branch"`
	Namespace string            `json:"namespace"`
	InFlight  bool              `json:"inFlight"`
	Latest    *store.SyncRecord `json:"latest,omitempty"`
}

// Environments summarizes every configured environment with its latest
// record, if any.
func (p *Publisher) Environments() []EnvironmentStatus {
	out := make([]EnvironmentStatus, 0, len(p.cfg.Environments))
	for _, env := range p.cfg.Environments {
		st := EnvironmentStatus{
			Name:      env.Name,
			Branch:    env.Branch,
			Namespace: env.Namespace,
		}
		if rec, err := p.records.Latest(env.Name); err == nil {
			latest := rec
			st.Latest = &latest
			st.InFlight = !rec.State.Settled()
		}
		out = append(out, st)
	}
	return out
}

// Latest returns the most recent record for an environment.
func (p *Publisher) Latest(environment string) (store.SyncRecord, error) {
	if err := p.checkEnvironment(environment); err != nil {
		return store.SyncRecord{}, err
	}
	return p.records.Latest(environment)
}

// Get returns a record by ID.
func (p *Publisher) Get(id string) (store.SyncRecord, error) {
	return p.records.Get(id)
}

// History returns records for an environment, newest first. A limit of
// zero or below returns everything retained.
func (p *Publisher) History(environment string, limit int) ([]store.SyncRecord, error) {
	if err := p.checkEnvironment(environment); err != nil {
		return nil, err
	}
	return p.records.History(environment, limit), nil
}

// Revision returns the newest record for a specific revision of an
// environment.
func (p *Publisher) Revision(environment, revision string) (store.SyncRecord, error) {
	if err := p.checkEnvironment(environment); err != nil {
		return store.SyncRecord{}, err
	}
	return p.records.FindByRevision(environment, revision)
}

// Wait blocks until the chosen record settles. An empty revision waits
// on the environment's latest record at call time; otherwise the record
// for the given revision is watched. Superseding a watched record
// settles it, so a wait never outlives its deployment.
//
// A timeout of zero or below falls back to the default. On timeout or
// cancellation the last observed snapshot is returned alongside the
// error so callers can report what the record was still doing.
func (p *Publisher) Wait(ctx context.Context, environment, revision string, timeout time.Duration) (store.SyncRecord, error) {
	if err := p.checkEnvironment(environment); err != nil {
		return store.SyncRecord{}, err
	}
	rec, err := p.resolve(environment, revision)
	if err != nil {
		return store.SyncRecord{}, err
	}
	return p.WaitForRecord(ctx, rec.ID, timeout)
}

// WaitForRecord blocks until the record with the given ID settles.
func (p *Publisher) WaitForRecord(ctx context.Context, id string, timeout time.Duration) (store.SyncRecord, error) {
	if timeout <= 0 {
		timeout = constants.DefaultWaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		// Watch before Get: a transition after the Get closes the
		// channel obtained here, and one before it is visible in the
		// snapshot. Either way no wakeup is lost.
		signal, err := p.records.Watch(id)
		if err != nil {
			return store.SyncRecord{}, err
		}
		rec, err := p.records.Get(id)
		if err != nil {
			return store.SyncRecord{}, err
		}
		if rec.State.Settled() {
			return rec, nil
		}

		select {
		case <-signal:
		case <-timer.C:
			return rec, fmt.Errorf("%w: %s/%s still %s after %s",
				syncerrors.ErrWaitTimeout, rec.Environment, rec.Revision, rec.State, timeout)
		case <-ctx.Done():
			return rec, fmt.Errorf("wait interrupted: %w", ctx.Err())
		}
	}
}

func (p *Publisher) resolve(environment, revision string) (store.SyncRecord, error) {
	if revision == "" {
		return p.records.Latest(environment)
	}
	return p.records.FindByRevision(environment, revision)
}

func (p *Publisher) checkEnvironment(environment string) error {
	if _, ok := p.cfg.Environment(environment); !ok {
		return fmt.Errorf("%w: %s", syncerrors.ErrUnknownEnvironment, environment)
	}
	return nil
}
