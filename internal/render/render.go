// Package render produces the desired manifest set for one environment at
// one revision. Rendering merges base values with the environment overlay,
// executes the manifest templates, and normalizes every resulting object
// into a hashable form. Output is deterministic for identical input: the
// reconciler depends on that for idempotent diffing.
package render

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	yamlutil "k8s.io/apimachinery/pkg/util/yaml"
	"sigs.k8s.io/yaml"

	"github.com/dc-tec/deploysync/internal/config"
	"github.com/dc-tec/deploysync/internal/constants"
	syncerrors "github.com/dc-tec/deploysync/internal/errors"
)

// Input identifies one render: an environment's configuration, the source
// revision, and the image reference the build collaborator produced.
// SourceDir is the revision's checkout directory.
type Input struct {
	Environment config.Environment
	Revision    string
	Image       string
	SourceDir   string
}

// Manifest is one normalized resource manifest.
type Manifest struct {
	APIVersion string
	Kind       string
	Namespace  string
	Name       string

	// Hash is the content hash of the normalized object.
	Hash string

	// Object is the normalized object, ready for server-side apply.
	Object *unstructured.Unstructured

	// Source names the template file the manifest came from.
	Source string
}

// Key returns the manifest's resource identity, unique within a set.
func (m Manifest) Key() string {
	return m.APIVersion + "/" + m.Kind + "/" + m.Namespace + "/" + m.Name
}

// ManifestSet is the ordered desired state for one environment at one
// revision. Sets are never mutated; a later revision produces a new one.
type ManifestSet struct {
	Environment string
	Revision    string
	Image       string
	Manifests   []Manifest
}

// Digest hashes the ordered manifest hashes, giving a single value that
// identifies the rendered content.
func (s *ManifestSet) Digest() string {
	var b strings.Builder
	for _, m := range s.Manifests {
		b.WriteString(m.Key())
		b.WriteString("=")
		b.WriteString(m.Hash)
		b.WriteString("\n")
	}
	digest, err := HashObject(map[string]any{"manifests": b.String()})
	if err != nil {
		// Marshalling a map of one string cannot fail.
		return ""
	}
	return digest
}

// Renderer renders manifest sets. Stateless and safe for concurrent use
// across environments.
type Renderer struct{}

// NewRenderer returns a Renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render produces the ManifestSet for the input. All failure modes are
// render errors: they are never retried, the active pass fails
// immediately.
func (r *Renderer) Render(ctx context.Context, in Input) (*ManifestSet, error) {
	overlayPath := ""
	if in.Environment.Source.Overlay != "" {
		overlayPath = filepath.Join(in.SourceDir, in.Environment.Source.Overlay)
	}
	values, err := LoadValues(filepath.Join(in.SourceDir, in.Environment.Source.Values), overlayPath)
	if err != nil {
		return nil, err
	}

	manifestsDir := filepath.Join(in.SourceDir, in.Environment.Source.Manifests)
	files, err := manifestFiles(manifestsDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, syncerrors.WrapRender(fmt.Errorf("no manifest templates under %s", manifestsDir))
	}

	data := map[string]any{
		"Values":      values,
		"Environment": in.Environment.Name,
		"Namespace":   in.Environment.Namespace,
		"Revision":    in.Revision,
		"Image":       in.Image,
	}

	set := &ManifestSet{
		Environment: in.Environment.Name,
		Revision:    in.Revision,
		Image:       in.Image,
	}
	seen := make(map[string]string)

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rendered, err := executeTemplate(filepath.Join(manifestsDir, file), file, data)
		if err != nil {
			return nil, err
		}

		manifests, err := parseDocuments(rendered, file, in.Environment.Namespace)
		if err != nil {
			return nil, err
		}

		for _, m := range manifests {
			if prev, dup := seen[m.Key()]; dup {
				return nil, syncerrors.WrapRender(fmt.Errorf("duplicate resource %s in %s (already defined in %s)", m.Key(), file, prev))
			}
			seen[m.Key()] = file
			set.Manifests = append(set.Manifests, m)
		}
	}

	return set, nil
}

// manifestFiles lists the template files under dir, relative to it, in
// sorted order. Sorting fixes the apply order and keeps output
// deterministic.
func manifestFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(d.Name()) {
		case ".yaml", ".yml":
		default:
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, syncerrors.WrapRender(fmt.Errorf("failed to list manifest templates: %w", err))
	}
	sort.Strings(files)
	return files, nil
}

func executeTemplate(path, name string, data map[string]any) ([]byte, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- path is under the configured source root
	if err != nil {
		return nil, syncerrors.WrapRender(fmt.Errorf("failed to read template %s: %w", name, err))
	}

	tmpl, err := template.New(name).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, syncerrors.WrapRender(fmt.Errorf("failed to parse template %s: %w", name, err))
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, syncerrors.WrapRender(fmt.Errorf("failed to execute template %s: %w", name, err))
	}
	return buf.Bytes(), nil
}

// parseDocuments splits rendered output into YAML documents and
// normalizes each into a Manifest. Empty documents are skipped.
func parseDocuments(rendered []byte, source, defaultNamespace string) ([]Manifest, error) {
	reader := yamlutil.NewYAMLReader(bufio.NewReader(bytes.NewReader(rendered)))

	var manifests []Manifest
	for {
		doc, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, syncerrors.WrapRender(fmt.Errorf("failed to split documents in %s: %w", source, err))
		}
		if len(bytes.TrimSpace(doc)) == 0 {
			continue
		}

		var obj map[string]any
		if err := yaml.Unmarshal(doc, &obj); err != nil {
			return nil, syncerrors.WrapRender(fmt.Errorf("failed to parse manifest in %s: %w", source, err))
		}
		if len(obj) == 0 {
			continue
		}

		u := &unstructured.Unstructured{Object: obj}
		if u.GetAPIVersion() == "" || u.GetKind() == "" {
			return nil, syncerrors.WrapRender(fmt.Errorf("manifest in %s is missing apiVersion or kind", source))
		}
		if u.GetName() == "" {
			return nil, syncerrors.WrapRender(fmt.Errorf("%s manifest in %s is missing metadata.name", u.GetKind(), source))
		}

		// The ownership label is part of the desired state, so it is stamped
		// before hashing and carried through to the cluster by apply.
		labels := u.GetLabels()
		if labels == nil {
			labels = make(map[string]string, 1)
		}
		labels[constants.LabelManagedBy] = constants.LabelManagedByValue
		u.SetLabels(labels)

		normalized, hash, err := NormalizeAndHash(u, defaultNamespace)
		if err != nil {
			return nil, syncerrors.WrapRender(fmt.Errorf("failed to hash %s in %s: %w", u.GetKind(), source, err))
		}

		manifests = append(manifests, Manifest{
			APIVersion: normalized.GetAPIVersion(),
			Kind:       normalized.GetKind(),
			Namespace:  normalized.GetNamespace(),
			Name:       normalized.GetName(),
			Hash:       hash,
			Object:     normalized,
			Source:     source,
		})
	}
	return manifests, nil
}
