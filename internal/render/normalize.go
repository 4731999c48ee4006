package render

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

const hashLength = 16

// Metadata fields the API server populates. They carry no configuration
// intent, so normalization drops them before hashing.
var serverMetadataFields = []string{
	"creationTimestamp",
	"resourceVersion",
	"uid",
	"generation",
	"managedFields",
	"selfLink",
}

// Annotations injected by tooling or controllers rather than authored
// configuration.
var serverAnnotations = []string{
	"kubectl.kubernetes.io/last-applied-configuration",
	"deployment.kubernetes.io/revision",
}

// clusterScopedKinds lists the kinds that never receive a default
// namespace. Everything else is assumed namespaced.
var clusterScopedKinds = map[string]struct{}{
	"Namespace":                      {},
	"Node":                           {},
	"ClusterRole":                    {},
	"ClusterRoleBinding":             {},
	"CustomResourceDefinition":       {},
	"StorageClass":                   {},
	"PersistentVolume":               {},
	"PriorityClass":                  {},
	"IngressClass":                   {},
	"ValidatingWebhookConfiguration": {},
	"MutatingWebhookConfiguration":   {},
	"APIService":                     {},
}

// ClusterScoped reports whether a kind is treated as cluster-scoped for
// namespace defaulting.
func ClusterScoped(kind string) bool {
	_, ok := clusterScopedKinds[kind]
	return ok
}

// Normalize returns a copy of the object reduced to its configuration
// intent: server-populated metadata and status stripped, the default
// namespace injected for namespaced kinds that omit one. The input is not
// modified.
func Normalize(obj *unstructured.Unstructured, defaultNamespace string) *unstructured.Unstructured {
	out := obj.DeepCopy()

	if out.GetNamespace() == "" && defaultNamespace != "" && !ClusterScoped(out.GetKind()) {
		out.SetNamespace(defaultNamespace)
	}

	unstructured.RemoveNestedField(out.Object, "status")

	if metadata, ok := out.Object["metadata"].(map[string]any); ok {
		for _, field := range serverMetadataFields {
			delete(metadata, field)
		}
		if annotations, ok := metadata["annotations"].(map[string]any); ok {
			for _, key := range serverAnnotations {
				delete(annotations, key)
			}
			if len(annotations) == 0 {
				delete(metadata, "annotations")
			}
		}
		if labels, ok := metadata["labels"].(map[string]any); ok && len(labels) == 0 {
			delete(metadata, "labels")
		}
	}

	stripCreationTimestamps(out.Object)

	return out
}

// stripCreationTimestamps removes the creationTimestamp keys that appear
// at every metadata level of server-returned objects, including pod
// template metadata.
func stripCreationTimestamps(value any) {
	switch v := value.(type) {
	case map[string]any:
		if _, ok := v["creationTimestamp"]; ok {
			delete(v, "creationTimestamp")
		}
		for _, nested := range v {
			stripCreationTimestamps(nested)
		}
	case []any:
		for _, item := range v {
			stripCreationTimestamps(item)
		}
	}
}

// Project reduces an observed object to the fields present in the desired
// object, so server-injected defaults do not register as drift. Maps
// project key-wise; a map on both sides recurses; list elements project
// pairwise when both are maps. Anything present in desired but shaped
// differently in observed passes through unchanged and will therefore
// hash as a difference.
func Project(observed, desired map[string]any) map[string]any {
	out := make(map[string]any, len(desired))
	for key, desiredVal := range desired {
		observedVal, ok := observed[key]
		if !ok {
			continue
		}

		switch dv := desiredVal.(type) {
		case map[string]any:
			if ov, ok := observedVal.(map[string]any); ok {
				out[key] = Project(ov, dv)
				continue
			}
			out[key] = observedVal
		case []any:
			if ov, ok := observedVal.([]any); ok {
				out[key] = projectList(ov, dv)
				continue
			}
			out[key] = observedVal
		default:
			out[key] = observedVal
		}
	}
	return out
}

func projectList(observed, desired []any) []any {
	out := make([]any, 0, len(observed))
	for i, observedItem := range observed {
		if i < len(desired) {
			desiredMap, dOK := desired[i].(map[string]any)
			observedMap, oOK := observedItem.(map[string]any)
			if dOK && oOK {
				out = append(out, Project(observedMap, desiredMap))
				continue
			}
		}
		out = append(out, observedItem)
	}
	return out
}

// HashObject returns a deterministic content hash of the object. JSON
// marshalling sorts map keys, which makes the digest independent of field
// ordering in the source manifests.
func HashObject(obj map[string]any) (string, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("failed to marshal object for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:hashLength], nil
}

// NormalizeAndHash normalizes the object and hashes the result.
func NormalizeAndHash(obj *unstructured.Unstructured, defaultNamespace string) (*unstructured.Unstructured, string, error) {
	normalized := Normalize(obj, defaultNamespace)
	hash, err := HashObject(normalized.Object)
	if err != nil {
		return nil, "", err
	}
	return normalized, hash, nil
}
