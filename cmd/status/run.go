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

// Package status implements the deploysync status subcommand. It prints
// sync records from a running controller as indented JSON.
package status

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dc-tec/deploysync/internal/apiclient"
	"github.com/dc-tec/deploysync/internal/constants"
)

// Run parses the status flags and prints the requested view. It returns
// 0 on success and 1 on any error.
func Run(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	apiAddr := fs.String("api", defaultAPIAddr(),
		"Controller API base URL. Also read from "+constants.EnvAPIAddr+".")
	environment := fs.String("environment", "", "Environment to query. Empty lists every environment.")
	revision := fs.String("revision", "", "Print the record for this revision instead of the latest.")
	history := fs.Int("history", 0, "Print the newest N records instead of only the latest.")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *environment == "" && (*revision != "" || *history > 0) {
		_, _ = fmt.Fprintln(os.Stderr, "status error: --revision and --history require --environment")
		return 1
	}

	client, err := apiclient.New(*apiAddr)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "status error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var view any
	switch {
	case *environment == "":
		view, err = client.Environments(ctx)
	case *revision != "":
		view, err = client.Revision(ctx, *environment, *revision)
	case *history > 0:
		view, err = client.History(ctx, *environment, *history)
	default:
		view, err = client.Status(ctx, *environment)
	}
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "status error: %v\n", err)
		return 1
	}

	out, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "status error: encoding output: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(os.Stdout, string(out))
	return 0
}

func defaultAPIAddr() string {
	if addr := strings.TrimSpace(os.Getenv(constants.EnvAPIAddr)); addr != "" {
		return addr
	}
	return constants.DefaultAPIURL
}
