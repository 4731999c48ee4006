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

package main

import (
	"fmt"
	"os"

	"github.com/dc-tec/deploysync/cmd/controller"
	"github.com/dc-tec/deploysync/cmd/initconfig"
	"github.com/dc-tec/deploysync/cmd/status"
	"github.com/dc-tec/deploysync/cmd/trigger"
)

func main() {
	if len(os.Args) < 2 {
		_, _ = fmt.Fprintln(os.Stderr, "missing command (valid commands: controller, trigger, status, init)")
		os.Exit(1)
	}

	// Shift args so flag parsing works inside the subcommands.
	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "controller":
		os.Exit(controller.Run(args))
	case "trigger":
		os.Exit(trigger.Run(args))
	case "status":
		os.Exit(status.Run(args))
	case "init":
		os.Exit(initconfig.Run(args))
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command %q (valid commands: controller, trigger, status, init)\n", command)
		os.Exit(1)
	}
}
