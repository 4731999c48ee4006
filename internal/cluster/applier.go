package cluster

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/dc-tec/deploysync/internal/constants"
	syncerrors "github.com/dc-tec/deploysync/internal/errors"
	"github.com/dc-tec/deploysync/internal/render"
)

// Applier writes desired objects to a cluster with server-side apply.
type Applier struct {
	client     client.Client
	fieldOwner string
	log        logr.Logger
}

// NewApplier creates an Applier on top of an environment's client.
func NewApplier(c client.Client, log logr.Logger) *Applier {
	return &Applier{client: c, fieldOwner: constants.FieldOwner, log: log}
}

// Apply submits one manifest with server-side apply, forcing ownership of the
// managed fields so repeated deployments converge regardless of previous
// writers.
func (a *Applier) Apply(ctx context.Context, m render.Manifest) error {
	obj := m.Object.DeepCopy()
	if err := a.client.Patch(ctx, obj, client.Apply, client.FieldOwner(a.fieldOwner), client.ForceOwnership); err != nil {
		return classifyWriteError("applying", m.Key(), err)
	}
	a.log.V(1).Info("applied resource", "resource", m.Key(), "hash", m.Hash)
	return nil
}

// Delete removes a previously managed object. Objects that are already gone,
// or whose kind the cluster no longer serves, are not an error.
func (a *Applier) Delete(ctx context.Context, sel ResourceSelector) error {
	obj := &unstructured.Unstructured{}
	obj.SetAPIVersion(sel.APIVersion)
	obj.SetKind(sel.Kind)
	obj.SetNamespace(sel.Namespace)
	obj.SetName(sel.Name)

	if err := a.client.Delete(ctx, obj); err != nil {
		if apierrors.IsNotFound(err) || meta.IsNoMatchError(err) {
			return nil
		}
		return classifyWriteError("deleting", sel.Key(), err)
	}
	a.log.Info("pruned resource", "resource", sel.Key())
	return nil
}

// classifyWriteError maps a failed write onto the error taxonomy. Schema and
// admission rejections are permanent, write conflicts retry, authorization
// failures surviving the transport's credential retry are permanent, and the
// rest is a transient cluster condition.
func classifyWriteError(verb, key string, err error) error {
	wrapped := fmt.Errorf("%s %s: %w", verb, key, err)
	switch {
	case apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err):
		return syncerrors.WrapPermissionDenied(wrapped)
	case apierrors.IsInvalid(err) || apierrors.IsBadRequest(err) ||
		apierrors.IsMethodNotSupported(err) || apierrors.IsRequestEntityTooLargeError(err) ||
		meta.IsNoMatchError(err):
		return syncerrors.WrapApplyRejected(wrapped)
	case apierrors.IsConflict(err):
		return syncerrors.WrapApplyConflict(wrapped)
	default:
		return syncerrors.WrapClusterUnreachable(wrapped)
	}
}
