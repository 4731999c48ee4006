// Package diff compares a rendered manifest set against an observed cluster
// snapshot and produces the action plan for one reconcile pass. Comparison
// runs on normalized content hashes, with the observed object first projected
// onto the desired field shape so server-injected defaults never register as
// drift.
package diff

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"sigs.k8s.io/yaml"

	"github.com/dc-tec/deploysync/internal/cluster"
	"github.com/dc-tec/deploysync/internal/render"
)

// Action describes what reconciliation must do for one resource.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionNone   Action = "none"
	ActionDelete Action = "delete"
)

// ResourceDiff is the comparison result for one resource.
type ResourceDiff struct {
	Selector cluster.ResourceSelector
	Action   Action

	// DesiredHash is the manifest's normalized content hash. Empty for
	// deletes, which have no desired form.
	DesiredHash string

	// ObservedHash is the hash of the observed object projected onto the
	// desired field shape. Empty when the object is absent.
	ObservedHash string

	// Summary is a unified diff of the drifting fields. Populated for
	// updates only.
	Summary string
}

// Plan is the ordered action list for one environment at one revision.
// Creates and updates follow manifest-set order; deletes, when pruning is
// enabled, are appended in the order the previous set declared them.
type Plan struct {
	Environment string
	Revision    string
	Diffs       []ResourceDiff
}

// Changes counts the actions that will touch the cluster.
func (p *Plan) Changes() int {
	n := 0
	for _, d := range p.Diffs {
		if d.Action != ActionNone {
			n++
		}
	}
	return n
}

// InSync reports whether the cluster already matches the desired state.
func (p *Plan) InSync() bool {
	return p.Changes() == 0
}

// Options tunes plan computation.
type Options struct {
	// Prune enables delete actions for resources the previous manifest set
	// managed that the desired set no longer names. Off by default; objects
	// that disappear from the source are left running unless the
	// environment opts in.
	Prune bool

	// Previous is the superseded manifest set deletes are computed against.
	// Ignored unless Prune is set.
	Previous *render.ManifestSet
}

// Compute builds the plan for one desired set against one observed snapshot.
// The snapshot must cover every manifest in the set; a missing entry is a
// caller bug, not cluster state, and fails the computation.
func Compute(desired *render.ManifestSet, observed *cluster.ObservedState, opts Options) (*Plan, error) {
	plan := &Plan{
		Environment: desired.Environment,
		Revision:    desired.Revision,
		Diffs:       make([]ResourceDiff, 0, len(desired.Manifests)),
	}

	for i := range desired.Manifests {
		m := &desired.Manifests[i]
		entry, err := compare(m, observed)
		if err != nil {
			return nil, err
		}
		plan.Diffs = append(plan.Diffs, entry)
	}

	if opts.Prune && opts.Previous != nil {
		plan.Diffs = append(plan.Diffs, deletions(desired, opts.Previous)...)
	}

	return plan, nil
}

func compare(m *render.Manifest, observed *cluster.ObservedState) (ResourceDiff, error) {
	sel := cluster.SelectorFor(*m)
	entry := ResourceDiff{Selector: sel, DesiredHash: m.Hash}

	obs, ok := observed.Lookup(m.Key())
	if !ok {
		return ResourceDiff{}, fmt.Errorf("observed snapshot has no entry for %s", m.Key())
	}

	if obs.Absent {
		entry.Action = ActionCreate
		return entry, nil
	}

	projected := render.Project(obs.Object.Object, m.Object.Object)
	observedHash, err := render.HashObject(projected)
	if err != nil {
		return ResourceDiff{}, fmt.Errorf("hashing projected state of %s: %w", m.Key(), err)
	}
	entry.ObservedHash = observedHash

	if observedHash == m.Hash {
		entry.Action = ActionNone
		return entry, nil
	}

	entry.Action = ActionUpdate
	summary, err := summarize(m.Key(), projected, m.Object.Object)
	if err != nil {
		return ResourceDiff{}, err
	}
	entry.Summary = summary
	return entry, nil
}

// deletions lists resources the previous set managed that the desired set
// dropped. Deletes are issued blindly; the applier tolerates objects that
// are already gone.
func deletions(desired, previous *render.ManifestSet) []ResourceDiff {
	keep := make(map[string]struct{}, len(desired.Manifests))
	for _, m := range desired.Manifests {
		keep[m.Key()] = struct{}{}
	}

	var stale []ResourceDiff
	for _, m := range previous.Manifests {
		if _, ok := keep[m.Key()]; ok {
			continue
		}
		stale = append(stale, ResourceDiff{
			Selector: cluster.SelectorFor(m),
			Action:   ActionDelete,
		})
	}
	return stale
}

// summarize renders a unified diff of observed versus desired YAML.
func summarize(key string, observed, desired map[string]any) (string, error) {
	observedYAML, err := yaml.Marshal(observed)
	if err != nil {
		return "", fmt.Errorf("marshalling observed %s: %w", key, err)
	}
	desiredYAML, err := yaml.Marshal(desired)
	if err != nil {
		return "", fmt.Errorf("marshalling desired %s: %w", key, err)
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(observedYAML)),
		B:        difflib.SplitLines(string(desiredYAML)),
		FromFile: "observed/" + key,
		ToFile:   "desired/" + key,
		Context:  3,
	})
	if err != nil {
		return "", fmt.Errorf("diffing %s: %w", key, err)
	}
	return strings.TrimSpace(text), nil
}
