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

// Package trigger implements the deploysync trigger subcommand. It
// submits a deployment request to a running controller and, with --wait,
// blocks until the sync settles.
package trigger

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/dc-tec/deploysync/internal/apiclient"
	"github.com/dc-tec/deploysync/internal/constants"
	syncerrors "github.com/dc-tec/deploysync/internal/errors"
	"github.com/dc-tec/deploysync/internal/store"
)

// Exit codes form the command's contract with CI pipelines. Without
// --wait an accepted submission exits ExitSynced; the other codes only
// arise once a settled record has been observed.
const (
	ExitSynced     = 0
	ExitUsage      = 1
	ExitDegraded   = 2
	ExitFailed     = 3
	ExitTimeout    = 4
	ExitSuperseded = 5
)

// Run parses the trigger flags, submits the deployment, and returns the
// process exit code.
func Run(args []string) int {
	fs := flag.NewFlagSet("trigger", flag.ExitOnError)
	apiAddr := fs.String("api", defaultAPIAddr(),
		"Controller API base URL. Also read from "+constants.EnvAPIAddr+".")
	environment := fs.String("environment", "", "Target environment.")
	branch := fs.String("branch", "",
		"Source branch, resolved to its environment by the controller.")
	revision := fs.String("revision", "", "Revision to deploy. Required.")
	wait := fs.Bool("wait", defaultWait(),
		"Block until the sync settles. Defaults from "+constants.EnvWaitForSync+".")
	timeout := fs.Duration("timeout", constants.DefaultWaitTimeout, "Upper bound on --wait.")
	if err := fs.Parse(args); err != nil {
		return ExitUsage
	}

	if *revision == "" {
		_, _ = fmt.Fprintln(os.Stderr, "trigger error: --revision is required")
		return ExitUsage
	}
	if (*environment == "") == (*branch == "") {
		_, _ = fmt.Fprintln(os.Stderr, "trigger error: exactly one of --environment or --branch is required")
		return ExitUsage
	}

	client, err := apiclient.New(*apiAddr)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "trigger error: %v\n", err)
		return ExitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rec store.SyncRecord
	if *branch != "" {
		rec, err = client.Push(ctx, *branch, *revision)
	} else {
		rec, err = client.Deploy(ctx, *environment, *revision)
	}
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "trigger error: %v\n", err)
		return ExitUsage
	}
	_, _ = fmt.Fprintf(os.Stdout, "Deployment accepted: id=%s environment=%s revision=%s\n",
		rec.ID, rec.Environment, rec.Revision)

	if !*wait {
		return ExitSynced
	}

	settled, err := client.Wait(ctx, rec.Environment, rec.Revision, *timeout)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "trigger error: %v\n", err)
		if errors.Is(err, syncerrors.ErrWaitTimeout) {
			return ExitTimeout
		}
		return ExitUsage
	}
	_, _ = fmt.Fprintf(os.Stdout, "Sync settled: state=%s reason=%s attempts=%d message=%q\n",
		settled.State, settled.Reason, settled.Attempts, settled.Message)
	return exitFor(settled)
}

// exitFor maps a settled record onto the exit contract. A Failed record
// whose degraded retry budget ran out keeps the degraded code, since the
// deployment did reach the cluster.
func exitFor(rec store.SyncRecord) int {
	switch rec.State {
	case store.StateSynced:
		return ExitSynced
	case store.StateDegraded:
		return ExitDegraded
	case store.StateSuperseded:
		return ExitSuperseded
	case store.StateFailed:
		if rec.Reason == constants.ReasonDegradedRetriesExhausted {
			return ExitDegraded
		}
		return ExitFailed
	default:
		return ExitFailed
	}
}

func defaultAPIAddr() string {
	if addr := strings.TrimSpace(os.Getenv(constants.EnvAPIAddr)); addr != "" {
		return addr
	}
	return constants.DefaultAPIURL
}

func defaultWait() bool {
	raw := strings.TrimSpace(os.Getenv(constants.EnvWaitForSync))
	if raw == "" {
		return false
	}
	wait, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return wait
}
