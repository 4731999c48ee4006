package store

import (
	"sync"

	"github.com/dc-tec/deploysync/internal/render"
)

// Desired holds the rendered desired state per environment. A stored set is
// immutable; deploying a new revision stores a new set, and the one it
// replaces is retained so prune can compute what stopped being managed.
type Desired struct {
	mu       sync.RWMutex
	current  map[string]*render.ManifestSet
	previous map[string]*render.ManifestSet
}

// NewDesired creates an empty desired-state arena.
func NewDesired() *Desired {
	return &Desired{
		current:  make(map[string]*render.ManifestSet),
		previous: make(map[string]*render.ManifestSet),
	}
}

// Put installs the environment's new desired set and returns the set it
// replaced, nil on first deployment.
func (d *Desired) Put(set *render.ManifestSet) *render.ManifestSet {
	d.mu.Lock()
	defer d.mu.Unlock()

	replaced := d.current[set.Environment]
	if replaced != nil {
		d.previous[set.Environment] = replaced
	}
	d.current[set.Environment] = set
	return replaced
}

// Current returns the environment's active desired set.
func (d *Desired) Current(environment string) (*render.ManifestSet, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	set, ok := d.current[environment]
	return set, ok
}

// Previous returns the superseded desired set retained for prune
// computation.
func (d *Desired) Previous(environment string) (*render.ManifestSet, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	set, ok := d.previous[environment]
	return set, ok
}
