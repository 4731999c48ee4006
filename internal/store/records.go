// Package store holds the controller's in-memory arenas: the rendered
// desired state per environment and the sync records tracking every
// deployment request. Both are owned by the controller process; callers get
// copies (records) or immutable sets (desired state), never shared mutable
// structure.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dc-tec/deploysync/internal/constants"
	syncerrors "github.com/dc-tec/deploysync/internal/errors"
)

// SyncState is the lifecycle state of one sync record.
type SyncState string

const (
	StatePending    SyncState = "Pending"
	StateApplying   SyncState = "Applying"
	StateSynced     SyncState = "Synced"
	StateDegraded   SyncState = "Degraded"
	StateFailed     SyncState = "Failed"
	StateSuperseded SyncState = "Superseded"
)

// Settled reports whether waiters observing this state should return.
// Degraded is settled but not terminal: the controller keeps retrying it on
// the degraded cadence while callers already see the outcome.
func (s SyncState) Settled() bool {
	switch s {
	case StateSynced, StateDegraded, StateFailed, StateSuperseded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the record can never change state again.
func (s SyncState) Terminal() bool {
	switch s {
	case StateSynced, StateFailed, StateSuperseded:
		return true
	default:
		return false
	}
}

// Cause records what triggered a deployment request.
type Cause string

const (
	CausePush   Cause = "push"
	CauseResync Cause = "resync"
	CauseManual Cause = "manual"
)

// StateChange is one entry in a record's transition log.
type StateChange struct {
	From   SyncState `json:"from"`
	To     SyncState `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// DiffSummary is the recorded outcome for one resource in a computed plan.
type DiffSummary struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Summary  string `json:"summary,omitempty"`
}

// SyncRecord tracks one deployment request from trigger to settlement.
// Records cross the HTTP API and land in the history store as JSON, so
// the field names below are wire format.
type SyncRecord struct {
	ID          string `json:"id"`
	Environment string `json:"environment"`
	Revision    string `json:"revision"`
	Image       string `json:"image,omitempty"`
	Cause       Cause  `json:"cause"`

	State   SyncState `json:"state"`
	Reason  string    `json:"reason,omitempty"`
	Message string    `json:"message,omitempty"`

	// Attempts counts apply passes including transient-backoff retries.
	Attempts int `json:"attempts"`

	// DegradedRetries counts re-entries into Applying from Degraded.
	DegradedRetries int `json:"degradedRetries"`

	// Changes is the number of cluster writes the last computed plan held.
	Changes int `json:"changes"`

	// Transitions logs every state change in order with its timestamp.
	// Entries are only ever appended, so a copy handed out earlier keeps
	// its shorter prefix.
	Transitions []StateChange `json:"transitions"`

	// Diffs holds the per-resource summaries of the last computed plan.
	Diffs []DiffSummary `json:"diffs,omitempty"`

	CreatedAt  time.Time `json:"createdAt"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// validTransitions is the forward-only state machine. Degraded back to
// Applying is the one re-entry edge, bounded by the degraded retry budget.
var validTransitions = map[SyncState][]SyncState{
	StatePending:  {StateApplying, StateFailed, StateSuperseded},
	StateApplying: {StateSynced, StateDegraded, StateFailed, StateSuperseded},
	StateDegraded: {StateApplying, StateFailed, StateSuperseded},
}

func transitionAllowed(from, to SyncState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type record struct {
	data SyncRecord

	// signal is closed on every state change and replaced, except after a
	// terminal transition where it stays closed. Waiters wake, re-check, and
	// re-subscribe while the record is unsettled.
	signal chan struct{}
}

// Records is the sync record arena. All methods are safe for concurrent use.
type Records struct {
	mu     sync.RWMutex
	byID   map[string]*record
	byEnv  map[string][]*record
	active map[string]*record
}

// NewRecords creates an empty record arena.
func NewRecords() *Records {
	return &Records{
		byID:   make(map[string]*record),
		byEnv:  make(map[string][]*record),
		active: make(map[string]*record),
	}
}

// Begin creates a Pending record for a deployment request. If the
// environment already has a record that has not reached a terminal state,
// that record is superseded first; the returned copy lets the caller cancel
// the worker driving it. The arena lock serializes concurrent requests, so
// the later call wins.
func (r *Records) Begin(environment, revision, image string, cause Cause) (SyncRecord, *SyncRecord) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var superseded *SyncRecord
	if prev := r.active[environment]; prev != nil {
		// Every non-terminal state permits Superseded, so this cannot fail.
		_ = r.transitionLocked(prev, StateSuperseded, constants.ReasonNewerRevision,
			fmt.Sprintf("superseded by revision %s", revision), now)
		data := prev.data
		superseded = &data
	}

	rec := &record{
		data: SyncRecord{
			ID:          uuid.New().String(),
			Environment: environment,
			Revision:    revision,
			Image:       image,
			Cause:       cause,
			State:       StatePending,
			CreatedAt:   now,
		},
		signal: make(chan struct{}),
	}
	r.byID[rec.data.ID] = rec
	r.byEnv[environment] = append(r.byEnv[environment], rec)
	r.active[environment] = rec

	return rec.data, superseded
}

// Transition moves a record to a new state, enforcing the state machine.
func (r *Records) Transition(id string, to SyncState, reason, message string) (SyncRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return SyncRecord{}, fmt.Errorf("%w: id %s", syncerrors.ErrNoSyncRecord, id)
	}
	if err := r.transitionLocked(rec, to, reason, message, time.Now()); err != nil {
		return SyncRecord{}, err
	}
	return rec.data, nil
}

func (r *Records) transitionLocked(rec *record, to SyncState, reason, message string, now time.Time) error {
	from := rec.data.State
	if !transitionAllowed(from, to) {
		return fmt.Errorf("invalid sync state transition %s -> %s for record %s", from, to, rec.data.ID)
	}

	rec.data.State = to
	rec.data.Reason = reason
	rec.data.Message = message
	rec.data.Transitions = append(rec.data.Transitions, StateChange{
		From:   from,
		To:     to,
		Reason: reason,
		At:     now,
	})

	if to == StateApplying {
		if from == StatePending {
			rec.data.StartedAt = now
		}
		if from == StateDegraded {
			rec.data.DegradedRetries++
		}
	}
	if to.Terminal() {
		rec.data.FinishedAt = now
		if r.active[rec.data.Environment] == rec {
			delete(r.active, rec.data.Environment)
		}
	}

	close(rec.signal)
	if !to.Terminal() {
		rec.signal = make(chan struct{})
	}
	return nil
}

// Watch returns a channel closed on the record's next state change. After a
// terminal transition the channel stays closed, so late watchers wake
// immediately and re-check.
func (r *Records) Watch(id string) (<-chan struct{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %s", syncerrors.ErrNoSyncRecord, id)
	}
	return rec.signal, nil
}

// Get returns a copy of the record.
func (r *Records) Get(id string) (SyncRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byID[id]
	if !ok {
		return SyncRecord{}, fmt.Errorf("%w: id %s", syncerrors.ErrNoSyncRecord, id)
	}
	return rec.data, nil
}

// Latest returns the newest record for an environment regardless of state.
func (r *Records) Latest(environment string) (SyncRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := r.byEnv[environment]
	if len(records) == 0 {
		return SyncRecord{}, fmt.Errorf("%w: environment %s", syncerrors.ErrNoSyncRecord, environment)
	}
	return records[len(records)-1].data, nil
}

// FindByRevision returns the newest record for the environment at the given
// revision.
func (r *Records) FindByRevision(environment, revision string) (SyncRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := r.byEnv[environment]
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].data.Revision == revision {
			return records[i].data, nil
		}
	}
	return SyncRecord{}, fmt.Errorf("%w: environment %s revision %s", syncerrors.ErrNoSyncRecord, environment, revision)
}

// Active returns the environment's current non-terminal record, if any.
func (r *Records) Active(environment string) (SyncRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec := r.active[environment]
	if rec == nil {
		return SyncRecord{}, false
	}
	return rec.data, true
}

// History returns up to limit records for the environment, newest first.
// A non-positive limit returns everything.
func (r *Records) History(environment string, limit int) []SyncRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := r.byEnv[environment]
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}

	out := make([]SyncRecord, 0, limit)
	for i := len(records) - 1; i >= len(records)-limit; i-- {
		out = append(out, records[i].data)
	}
	return out
}

// AttachImage records the image reference the build collaborator produced.
func (r *Records) AttachImage(id, image string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: id %s", syncerrors.ErrNoSyncRecord, id)
	}
	rec.data.Image = image
	return nil
}

// RecordPlan notes the computed plan on the record: the number of cluster
// writes it holds and the per-resource summaries. Each apply pass replaces
// the previous plan's values.
func (r *Records) RecordPlan(id string, changes int, diffs []DiffSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: id %s", syncerrors.ErrNoSyncRecord, id)
	}
	rec.data.Changes = changes
	rec.data.Diffs = diffs
	return nil
}

// IncrementAttempts counts one apply pass against the record.
func (r *Records) IncrementAttempts(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: id %s", syncerrors.ErrNoSyncRecord, id)
	}
	rec.data.Attempts++
	return nil
}
