package domain

import (
	"context"
	"strings"
	"sync"
)

// TenantDirectory maps a sender identifier (calling AE title) to the tenant
// facility it belongs to. The directory is maintained administratively and is
// strictly read-only to the core: the association layer performs lookups and
// never mutates it.
type TenantDirectory interface {
	// Resolve returns the active facility registered for the identifier.
	// An unknown or inactive identifier yields ErrNotFound.
	Resolve(ctx context.Context, aeTitle string) (Facility, error)
}

// StaticDirectory is an in-memory TenantDirectory seeded up front. AE title
// matching is case-insensitive, mirroring how senders are registered.
type StaticDirectory struct {
	mu         sync.RWMutex
	facilities map[string]Facility // keyed by upper-cased AE title
}

// NewStaticDirectory builds a directory from the given facilities.
func NewStaticDirectory(facilities ...Facility) *StaticDirectory {
	d := &StaticDirectory{facilities: make(map[string]Facility, len(facilities))}
	for _, f := range facilities {
		d.facilities[strings.ToUpper(strings.TrimSpace(f.AETitle))] = f
	}
	return d
}

// Resolve implements TenantDirectory.
func (d *StaticDirectory) Resolve(_ context.Context, aeTitle string) (Facility, error) {
	key := strings.ToUpper(strings.TrimSpace(aeTitle))
	d.mu.RLock()
	f, ok := d.facilities[key]
	d.mu.RUnlock()
	if !ok || !f.IsActive {
		return Facility{}, ErrNotFound{Entity: EntityFacility, ID: aeTitle}
	}
	return f, nil
}
