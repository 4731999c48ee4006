/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package status

import (
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"

	"github.com/dc-tec/deploysync/internal/config"
	"github.com/dc-tec/deploysync/internal/server"
	internalstatus "github.com/dc-tec/deploysync/internal/status"
	"github.com/dc-tec/deploysync/internal/store"
)

type recordingTrigger struct {
	records *store.Records
}

func (r *recordingTrigger) Submit(environment, revision string, cause store.Cause) (store.SyncRecord, error) {
	rec, _ := r.records.Begin(environment, revision, "", cause)
	return rec, nil
}

func newTestAPI(t *testing.T) (*httptest.Server, *store.Records) {
	t.Helper()
	cfg := &config.Config{
		Environments: []config.Environment{
			{Name: "staging", Branch: "develop", Namespace: "guestbook-staging"},
		},
	}
	records := store.NewRecords()
	srv := server.New(cfg, &recordingTrigger{records: records},
		internalstatus.NewPublisher(cfg, records), logr.Discard())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, records
}

func TestRunListsEnvironments(t *testing.T) {
	ts, _ := newTestAPI(t)

	if code := Run([]string{"-api", ts.URL}); code != 0 {
		t.Errorf("exit = %d, want 0", code)
	}
}

func TestRunPrintsViews(t *testing.T) {
	ts, records := newTestAPI(t)
	records.Begin("staging", "abc123", "", store.CausePush)

	if code := Run([]string{"-api", ts.URL, "-environment", "staging"}); code != 0 {
		t.Errorf("latest exit = %d, want 0", code)
	}
	if code := Run([]string{"-api", ts.URL, "-environment", "staging", "-revision", "abc123"}); code != 0 {
		t.Errorf("revision exit = %d, want 0", code)
	}
	if code := Run([]string{"-api", ts.URL, "-environment", "staging", "-history", "5"}); code != 0 {
		t.Errorf("history exit = %d, want 0", code)
	}
}

func TestRunRejectsBadQueries(t *testing.T) {
	ts, _ := newTestAPI(t)

	if code := Run([]string{"-api", ts.URL, "-revision", "abc123"}); code != 1 {
		t.Errorf("revision without environment exit = %d, want 1", code)
	}
	if code := Run([]string{"-api", ts.URL, "-environment", "production"}); code != 1 {
		t.Errorf("unknown environment exit = %d, want 1", code)
	}
}
