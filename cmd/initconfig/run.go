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

// Package initconfig implements the deploysync init subcommand. It writes
// a starter configuration file that parses and validates as-is.
package initconfig

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/dc-tec/deploysync/internal/config"
)

// Run writes the starter configuration. It returns 0 on success and 1 on
// any error, including an existing file without --force.
func Run(args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("config", "deploysync.hcl", "Path to write the starter configuration to.")
	force := fs.Bool("force", false, "Overwrite an existing file.")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if !*force {
		if _, err := os.Stat(*path); err == nil {
			_, _ = fmt.Fprintf(os.Stderr, "init error: %s already exists (use --force to overwrite)\n", *path)
			return 1
		} else if !errors.Is(err, os.ErrNotExist) {
			_, _ = fmt.Fprintf(os.Stderr, "init error: %v\n", err)
			return 1
		}
	}

	if err := os.WriteFile(*path, config.Scaffold(), 0o600); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "init error: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(os.Stdout, "Wrote starter configuration to %s\n", *path)
	return 0
}
