package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dc-tec/deploysync/internal/config"
	"github.com/dc-tec/deploysync/internal/constants"
	syncerrors "github.com/dc-tec/deploysync/internal/errors"
	"github.com/dc-tec/deploysync/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Environments: []config.Environment{
			{Name: "staging", Branch: "develop", Namespace: "guestbook-staging"},
			{Name: "production", Branch: "main", Namespace: "guestbook"},
		},
	}
}

func settle(t *testing.T, r *store.Records, id string, states ...store.SyncState) {
	t.Helper()
	for _, s := range states {
		reason := ""
		if s == store.StateSynced {
			reason = constants.ReasonConverged
		}
		if _, err := r.Transition(id, s, reason, ""); err != nil {
			t.Fatalf("Transition(%s) error = %v", s, err)
		}
	}
}

func TestLatestRejectsUnknownEnvironment(t *testing.T) {
	p := NewPublisher(testConfig(), store.NewRecords())

	if _, err := p.Latest("review"); !errors.Is(err, syncerrors.ErrUnknownEnvironment) {
		t.Errorf("Latest(review) = %v, want ErrUnknownEnvironment", err)
	}
	if _, err := p.History("review", 10); !errors.Is(err, syncerrors.ErrUnknownEnvironment) {
		t.Errorf("History(review) = %v, want ErrUnknownEnvironment", err)
	}
	if _, err := p.Wait(context.Background(), "review", "", time.Second); !errors.Is(err, syncerrors.ErrUnknownEnvironment) {
		t.Errorf("Wait(review) = %v, want ErrUnknownEnvironment", err)
	}
}

func TestLatestDistinguishesEmptyHistory(t *testing.T) {
	p := NewPublisher(testConfig(), store.NewRecords())

	// The environment is configured but nothing was ever deployed.
	if _, err := p.Latest("staging"); !errors.Is(err, syncerrors.ErrNoSyncRecord) {
		t.Errorf("Latest(staging) = %v, want ErrNoSyncRecord", err)
	}
}

func TestWaitReturnsSettledRecordImmediately(t *testing.T) {
	records := store.NewRecords()
	rec, _ := records.Begin("staging", "abc123", "", store.CausePush)
	settle(t, records, rec.ID, store.StateApplying, store.StateSynced)

	p := NewPublisher(testConfig(), records)

	got, err := p.Wait(context.Background(), "staging", "abc123", time.Second)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got.State != store.StateSynced {
		t.Errorf("state = %s, want Synced", got.State)
	}
}

func TestWaitWakesOnSettlement(t *testing.T) {
	records := store.NewRecords()
	rec, _ := records.Begin("staging", "abc123", "", store.CausePush)
	p := NewPublisher(testConfig(), records)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		if _, err := records.Transition(rec.ID, store.StateApplying, "", ""); err != nil {
			t.Error(err)
			return
		}
		time.Sleep(20 * time.Millisecond)
		if _, err := records.Transition(rec.ID, store.StateSynced, constants.ReasonConverged, ""); err != nil {
			t.Error(err)
		}
	}()

	got, err := p.Wait(context.Background(), "staging", "", 5*time.Second)
	wg.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got.ID != rec.ID || got.State != store.StateSynced {
		t.Errorf("Wait() = %+v, want %s Synced", got, rec.ID)
	}
}

func TestWaitReturnsDegradedWithoutWaitingForTerminal(t *testing.T) {
	records := store.NewRecords()
	rec, _ := records.Begin("staging", "abc123", "", store.CausePush)
	settle(t, records, rec.ID, store.StateApplying, store.StateDegraded)

	p := NewPublisher(testConfig(), records)

	// Degraded is settled but not terminal; a waiter must not block
	// through the degraded retry cadence.
	got, err := p.Wait(context.Background(), "staging", "", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got.State != store.StateDegraded {
		t.Errorf("state = %s, want Degraded", got.State)
	}
}

func TestWaitTimesOut(t *testing.T) {
	records := store.NewRecords()
	records.Begin("staging", "abc123", "", store.CausePush)
	p := NewPublisher(testConfig(), records)

	start := time.Now()
	got, err := p.Wait(context.Background(), "staging", "", 50*time.Millisecond)
	if !errors.Is(err, syncerrors.ErrWaitTimeout) {
		t.Fatalf("Wait() error = %v, want ErrWaitTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Wait() took %v, timeout not honored", elapsed)
	}
	if got.State != store.StatePending {
		t.Errorf("timeout snapshot state = %s, want Pending", got.State)
	}
}

func TestWaitObservesSupersede(t *testing.T) {
	records := store.NewRecords()
	first, _ := records.Begin("staging", "abc123", "", store.CausePush)
	settle(t, records, first.ID, store.StateApplying)

	p := NewPublisher(testConfig(), records)

	go func() {
		time.Sleep(20 * time.Millisecond)
		records.Begin("staging", "def456", "", store.CausePush)
	}()

	got, err := p.Wait(context.Background(), "staging", "abc123", 5*time.Second)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got.State != store.StateSuperseded {
		t.Errorf("state = %s, want Superseded", got.State)
	}
	if got.Reason != constants.ReasonNewerRevision {
		t.Errorf("reason = %s, want %s", got.Reason, constants.ReasonNewerRevision)
	}
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	records := store.NewRecords()
	records.Begin("staging", "abc123", "", store.CausePush)
	p := NewPublisher(testConfig(), records)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.Wait(ctx, "staging", "", time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestWaitUnknownRevision(t *testing.T) {
	records := store.NewRecords()
	records.Begin("staging", "abc123", "", store.CausePush)
	p := NewPublisher(testConfig(), records)

	if _, err := p.Wait(context.Background(), "staging", "ffffff", time.Second); !errors.Is(err, syncerrors.ErrNoSyncRecord) {
		t.Errorf("Wait(unknown revision) = %v, want ErrNoSyncRecord", err)
	}
}

func TestEnvironmentsSummarizesLatest(t *testing.T) {
	records := store.NewRecords()
	rec, _ := records.Begin("staging", "abc123", "", store.CausePush)
	settle(t, records, rec.ID, store.StateApplying)

	p := NewPublisher(testConfig(), records)

	envs := p.Environments()
	if len(envs) != 2 {
		t.Fatalf("Environments() returned %d entries, want 2", len(envs))
	}

	byName := map[string]EnvironmentStatus{}
	for _, e := range envs {
		byName[e.Name] = e
	}

	staging := byName["staging"]
	if staging.Latest == nil || staging.Latest.Revision != "abc123" {
		t.Fatalf("staging latest = %+v", staging.Latest)
	}
	if !staging.InFlight {
		t.Error("staging should be in flight while Applying")
	}

	production := byName["production"]
	if production.Latest != nil || production.InFlight {
		t.Errorf("production = %+v, want empty", production)
	}
}
