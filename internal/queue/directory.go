package queue

import (
	"context"
	"fmt"
	"sync"
)

// StaticDirectory is an OwnerDirectory over a fixed roster, for
// deployments that list their recipients in configuration rather than
// wiring a CRM.
type StaticDirectory struct {
	mu     sync.RWMutex
	owners map[string]Owner
}

// NewStaticDirectory builds a directory from a roster
func NewStaticDirectory(owners []Owner) *StaticDirectory {
	d := &StaticDirectory{owners: make(map[string]Owner, len(owners))}
	for _, o := range owners {
		d.owners[o.ID] = o
	}
	return d
}

// Owner resolves one roster entry
func (d *StaticDirectory) Owner(_ context.Context, id string) (Owner, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	owner, ok := d.owners[id]
	if !ok {
		return Owner{}, fmt.Errorf("owner %s not in roster", id)
	}
	return owner, nil
}

// Add inserts or replaces a roster entry
func (d *StaticDirectory) Add(owner Owner) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.owners[owner.ID] = owner
}
