package store

import (
	"context"

	"pacscore/pkg/domain"
)

// Directory adapts a metadata store to the tenant directory lookup
// contract the association listener consumes.
type Directory struct {
	store domain.MetadataStore
}

// NewDirectory wraps the store as a read-only tenant directory.
func NewDirectory(s domain.MetadataStore) *Directory {
	return &Directory{store: s}
}

// Resolve implements domain.TenantDirectory.
func (d *Directory) Resolve(ctx context.Context, aeTitle string) (domain.Facility, error) {
	return d.store.FacilityByAETitle(ctx, aeTitle)
}
