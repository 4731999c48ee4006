package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/controller-runtime/pkg/client"

	syncerrors "github.com/dc-tec/deploysync/internal/errors"
	"github.com/dc-tec/deploysync/internal/render"
)

// ResourceSelector identifies one cluster object by apiVersion, kind,
// namespace, and name.
type ResourceSelector struct {
	APIVersion string
	Kind       string
	Namespace  string
	Name       string
}

// Key returns the selector identity in the same form render.Manifest.Key
// uses, so desired and observed entries match directly.
func (s ResourceSelector) Key() string {
	return s.APIVersion + "/" + s.Kind + "/" + s.Namespace + "/" + s.Name
}

// SelectorFor derives the selector addressing a rendered manifest.
func SelectorFor(m render.Manifest) ResourceSelector {
	return ResourceSelector{
		APIVersion: m.APIVersion,
		Kind:       m.Kind,
		Namespace:  m.Namespace,
		Name:       m.Name,
	}
}

// SelectorsFromSet lists selectors for every manifest in the set, in render
// order.
func SelectorsFromSet(set *render.ManifestSet) []ResourceSelector {
	selectors := make([]ResourceSelector, 0, len(set.Manifests))
	for _, m := range set.Manifests {
		selectors = append(selectors, SelectorFor(m))
	}
	return selectors
}

// ObservedResource is the cluster's answer for one selector. Absent entries
// mean the object does not exist, which is a normal pre-deployment state
// rather than an error.
type ObservedResource struct {
	Selector ResourceSelector

	Absent bool

	// Object is the normalized live object. Nil when absent.
	Object *unstructured.Unstructured

	// Hash is the content hash of the normalized live object. Empty when
	// absent.
	Hash string
}

// ObservedState is a selector-scoped snapshot of one environment's cluster.
// Snapshots are complete or not returned at all; a failed read never yields
// partial results.
type ObservedState struct {
	Environment string
	ReadAt      time.Time
	Resources   []ObservedResource
}

// Lookup returns the observed entry matching the selector key.
func (s *ObservedState) Lookup(key string) (ObservedResource, bool) {
	for _, r := range s.Resources {
		if r.Selector.Key() == key {
			return r, true
		}
	}
	return ObservedResource{}, false
}

// StateReader reads the live state of managed objects from one cluster.
type StateReader struct {
	client client.Client
	log    logr.Logger
}

// NewStateReader creates a StateReader on top of an environment's client.
func NewStateReader(c client.Client, log logr.Logger) *StateReader {
	return &StateReader{client: c, log: log}
}

// Read fetches every selected object and returns a snapshot. Missing objects
// become absent entries; any other failure abandons the snapshot.
func (r *StateReader) Read(ctx context.Context, environment string, selectors []ResourceSelector) (*ObservedState, error) {
	state := &ObservedState{
		Environment: environment,
		ReadAt:      time.Now(),
		Resources:   make([]ObservedResource, 0, len(selectors)),
	}

	for _, sel := range selectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		observed, err := r.readOne(ctx, sel)
		if err != nil {
			return nil, err
		}
		state.Resources = append(state.Resources, observed)
	}

	return state, nil
}

func (r *StateReader) readOne(ctx context.Context, sel ResourceSelector) (ObservedResource, error) {
	obj := &unstructured.Unstructured{}
	obj.SetAPIVersion(sel.APIVersion)
	obj.SetKind(sel.Kind)

	err := r.client.Get(ctx, client.ObjectKey{Namespace: sel.Namespace, Name: sel.Name}, obj)
	if err != nil {
		if apierrors.IsNotFound(err) || meta.IsNoMatchError(err) {
			// A kind the cluster does not serve yet is also absent; its CRD
			// may be part of the very deployment being reconciled.
			r.log.V(1).Info("observed resource absent", "resource", sel.Key())
			return ObservedResource{Selector: sel, Absent: true}, nil
		}
		return ObservedResource{}, classifyReadError(sel, err)
	}

	normalized := render.Normalize(obj, sel.Namespace)
	hash, err := render.HashObject(normalized.Object)
	if err != nil {
		return ObservedResource{}, fmt.Errorf("hashing observed state of %s: %w", sel.Key(), err)
	}

	return ObservedResource{Selector: sel, Object: normalized, Hash: hash}, nil
}

// classifyReadError maps a failed read onto the error taxonomy. Authorization
// failures surviving the transport's credential retry are permanent;
// everything else is a transient cluster condition.
func classifyReadError(sel ResourceSelector, err error) error {
	wrapped := fmt.Errorf("reading %s: %w", sel.Key(), err)
	if apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err) {
		return syncerrors.WrapPermissionDenied(wrapped)
	}
	return syncerrors.WrapClusterUnreachable(wrapped)
}
