// Package build invokes the external build-and-scan collaborator.
//
// The collaborator is any executable that takes a source revision and
// produces a container image, printing the image reference as the last
// line of its stdout. Build tooling, registries, and scanning policy
// stay on the operator's side of that contract.
package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/name"

	"github.com/dc-tec/deploysync/internal/config"
	"github.com/dc-tec/deploysync/internal/constants"
	syncerrors "github.com/dc-tec/deploysync/internal/errors"
	"github.com/dc-tec/deploysync/internal/interfaces"
)

// outputTailLimit caps how much collaborator output lands in an error
// message.
const outputTailLimit = 1024

// CommandBuilder shells out to the configured build command. The
// revision is appended as the final argument and also exported in the
// process environment together with the environment name and checkout
// directory.
type CommandBuilder struct {
	command []string
	timeout time.Duration
	log     logr.Logger
}

var _ interfaces.Builder = (*CommandBuilder)(nil)

// NewCommandBuilder returns a builder for the configured command.
func NewCommandBuilder(cfg *config.Build, log logr.Logger) *CommandBuilder {
	return &CommandBuilder{
		command: cfg.Command,
		timeout: cfg.Timeout,
		log:     log.WithName("build"),
	}
}

// Build runs the collaborator for one revision checkout and returns the
// normalized image reference it printed. All failures carry the build
// error class; a failed build never retries within a sync pass.
func (b *CommandBuilder) Build(ctx context.Context, environment, revision, dir string) (string, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	args := make([]string, 0, len(b.command))
	args = append(args, b.command[1:]...)
	args = append(args, revision)

	cmd := exec.CommandContext(ctx, b.command[0], args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		constants.EnvBuildEnvironment+"="+environment,
		constants.EnvBuildRevision+"="+revision,
		constants.EnvBuildSourceDir+"="+dir,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	b.log.Info("running build command",
		"environment", environment, "revision", revision, "command", b.command[0])
	start := time.Now()

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", syncerrors.WrapBuild(fmt.Errorf("build command timed out after %s: %s",
				b.timeout, tail(&stderr)))
		}
		return "", syncerrors.WrapBuild(fmt.Errorf("build command failed: %w: %s", err, tail(&stderr)))
	}

	printed := lastLine(stdout.String())
	if printed == "" {
		return "", syncerrors.WrapBuild(fmt.Errorf("build command printed no image reference"))
	}

	ref, err := name.ParseReference(printed)
	if err != nil {
		return "", syncerrors.WrapBuild(fmt.Errorf("build command printed %q, which is not an image reference: %w", printed, err))
	}

	image := ref.Name()
	b.log.Info("build finished",
		"environment", environment, "revision", revision, "image", image,
		"duration", time.Since(start).Round(time.Millisecond))
	return image, nil
}

// lastLine returns the last non-blank line of the command output.
func lastLine(out string) string {
	lines := strings.Split(out, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// tail returns the trailing portion of captured output for error text.
func tail(buf *bytes.Buffer) string {
	s := strings.TrimSpace(buf.String())
	if len(s) > outputTailLimit {
		s = "..." + s[len(s)-outputTailLimit:]
	}
	if s == "" {
		return "(no output)"
	}
	return s
}
