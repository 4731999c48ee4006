package build

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/dc-tec/deploysync/internal/config"
	syncerrors "github.com/dc-tec/deploysync/internal/errors"
)

func shBuilder(t *testing.T, script string, timeout time.Duration) *CommandBuilder {
	t.Helper()
	// The trailing "sh" becomes $0, so the appended revision lands in $1
	// exactly as it would for a real build script.
	return NewCommandBuilder(&config.Build{
		Command: []string{"sh", "-c", script, "sh"},
		Timeout: timeout,
	}, logr.Discard())
}

func TestBuildParsesImageReference(t *testing.T) {
	// The revision arrives as the first positional argument after the
	// configured command.
	b := shBuilder(t, `echo "step 1: compiling" >&2; echo "ghcr.io/acme/guestbook:$1"`, time.Minute)

	image, err := b.Build(context.Background(), "staging", "abc123", t.TempDir())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if image != "ghcr.io/acme/guestbook:abc123" {
		t.Errorf("image = %q, want ghcr.io/acme/guestbook:abc123", image)
	}
}

func TestBuildUsesLastOutputLine(t *testing.T) {
	b := shBuilder(t, `echo "pushing layers"; echo "done"; echo "registry.local/app@sha256:6ae46a56a4e1e44cb35ee16f322b2d10d3d688583fa9d245faf0d7b38f0a3b4f"`, time.Minute)

	image, err := b.Build(context.Background(), "staging", "abc123", t.TempDir())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !strings.HasSuffix(image, "@sha256:6ae46a56a4e1e44cb35ee16f322b2d10d3d688583fa9d245faf0d7b38f0a3b4f") {
		t.Errorf("image = %q, want the digest reference", image)
	}
}

func TestBuildFailureCarriesStderr(t *testing.T) {
	b := shBuilder(t, `echo "scan found critical CVE-2026-1234" >&2; exit 3`, time.Minute)

	_, err := b.Build(context.Background(), "staging", "abc123", t.TempDir())
	if !errors.Is(err, syncerrors.ErrBuild) {
		t.Fatalf("Build() error = %v, want ErrBuild", err)
	}
	if !strings.Contains(err.Error(), "CVE-2026-1234") {
		t.Errorf("error %q should carry the collaborator's stderr", err)
	}
	if syncerrors.IsTransient(err) {
		t.Error("build failures must not be retried as transient")
	}
}

func TestBuildRejectsNonImageOutput(t *testing.T) {
	b := shBuilder(t, `echo "this is not an image reference"`, time.Minute)

	_, err := b.Build(context.Background(), "staging", "abc123", t.TempDir())
	if !errors.Is(err, syncerrors.ErrBuild) {
		t.Fatalf("Build() error = %v, want ErrBuild", err)
	}
	if !strings.Contains(err.Error(), "not an image reference") {
		t.Errorf("error = %q", err)
	}
}

func TestBuildRejectsEmptyOutput(t *testing.T) {
	b := shBuilder(t, `true`, time.Minute)

	_, err := b.Build(context.Background(), "staging", "abc123", t.TempDir())
	if !errors.Is(err, syncerrors.ErrBuild) {
		t.Fatalf("Build() error = %v, want ErrBuild", err)
	}
	if !strings.Contains(err.Error(), "no image reference") {
		t.Errorf("error = %q", err)
	}
}

func TestBuildTimeout(t *testing.T) {
	b := shBuilder(t, `sleep 10`, 50*time.Millisecond)

	start := time.Now()
	_, err := b.Build(context.Background(), "staging", "abc123", t.TempDir())
	if !errors.Is(err, syncerrors.ErrBuild) {
		t.Fatalf("Build() error = %v, want ErrBuild", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %q, want timeout mention", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Build() took %v, timeout not enforced", elapsed)
	}
}

func TestBuildExportsContext(t *testing.T) {
	script := `
if [ "$DEPLOYSYNC_ENVIRONMENT" != "staging" ]; then exit 9; fi
if [ "$DEPLOYSYNC_REVISION" != "abc123" ]; then exit 9; fi
if [ "$DEPLOYSYNC_SOURCE_DIR" != "$PWD" ]; then exit 9; fi
echo "registry.local/app:ok"
`
	b := shBuilder(t, script, time.Minute)

	image, err := b.Build(context.Background(), "staging", "abc123", t.TempDir())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if image != "registry.local/app:ok" {
		t.Errorf("image = %q", image)
	}
}
