package render

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	syncerrors "github.com/dc-tec/deploysync/internal/errors"
)

// LoadValues reads the base values file and merges the environment overlay
// over it. Overlay keys take precedence. A missing overlay file is not an
// error; a missing base file is, since the configuration names it
// explicitly.
func LoadValues(basePath, overlayPath string) (map[string]any, error) {
	base, err := readValuesFile(basePath)
	if err != nil {
		return nil, err
	}
	if base == nil {
		base = map[string]any{}
	}

	overlay, err := readOptionalValuesFile(overlayPath)
	if err != nil {
		return nil, err
	}
	if overlay == nil {
		return base, nil
	}

	if err := mergeInto(base, overlay, ""); err != nil {
		return nil, syncerrors.WrapRender(err)
	}
	return base, nil
}

func readValuesFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator configuration
	if err != nil {
		return nil, syncerrors.WrapRender(fmt.Errorf("failed to read values file %s: %w", path, err))
	}
	return parseValues(data, path)
}

func readOptionalValuesFile(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator configuration
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, syncerrors.WrapRender(fmt.Errorf("failed to read overlay file %s: %w", path, err))
	}
	return parseValues(data, path)
}

func parseValues(data []byte, path string) (map[string]any, error) {
	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, syncerrors.WrapRender(fmt.Errorf("failed to parse values file %s: %w", path, err))
	}
	return parsed, nil
}

// mergeInto merges src over dest recursively. Maps merge key-wise; any
// other value replaces. A map on one side and a non-map on the other at
// the same key is a structural conflict and fails the render rather than
// silently clobbering.
func mergeInto(dest, src map[string]any, path string) error {
	for key, srcVal := range src {
		keyPath := key
		if path != "" {
			keyPath = path + "." + key
		}

		destVal, exists := dest[key]
		if !exists {
			dest[key] = srcVal
			continue
		}

		srcMap, srcIsMap := srcVal.(map[string]any)
		destMap, destIsMap := destVal.(map[string]any)

		switch {
		case srcIsMap && destIsMap:
			if err := mergeInto(destMap, srcMap, keyPath); err != nil {
				return err
			}
		case srcIsMap != destIsMap:
			return fmt.Errorf("conflicting value kinds at key %q: base is %T, overlay is %T", keyPath, destVal, srcVal)
		default:
			dest[key] = srcVal
		}
	}
	return nil
}
