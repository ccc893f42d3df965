package domain

import "context"

// MetadataStore is the UID-keyed persistence contract for the imaging
// hierarchy. Implementations must make Ensure* operations idempotent:
// a concurrent or repeated call for the same natural key returns the
// already-persisted row rather than creating a second one. Coordination
// beyond single-key atomicity (per-UID serialization of parent creation,
// facility ownership checks) is the caller's responsibility.
type MetadataStore interface {
	// Facility retrieves a facility by id.
	Facility(ctx context.Context, id string) (Facility, error)
	// FacilityByAETitle retrieves an active facility by its sender
	// identifier. Inactive facilities are treated as absent.
	FacilityByAETitle(ctx context.Context, aeTitle string) (Facility, error)
	// PutFacility inserts or updates a facility row. Used by
	// administrative seeding and tests; the receive path never calls it.
	PutFacility(ctx context.Context, f Facility) (Facility, error)

	// EnsurePatient inserts the patient if no row exists for its
	// (facility, patient id) pair and returns the persisted row.
	EnsurePatient(ctx context.Context, p Patient) (Patient, bool, error)
	// EnsureStudy inserts the study if its study UID is new and returns
	// the persisted row. The returned study may belong to a different
	// facility than requested; callers must verify ownership.
	EnsureStudy(ctx context.Context, s Study) (Study, bool, error)
	// EnsureSeries inserts the series if its series UID is new under the
	// study and returns the persisted row.
	EnsureSeries(ctx context.Context, s Series) (Series, bool, error)

	// InsertInstance persists a new instance row. A row with the same
	// SOP instance UID yields ErrDuplicateObject.
	InsertInstance(ctx context.Context, inst Instance) (Instance, error)
	// Instance retrieves an instance by id.
	Instance(ctx context.Context, id string) (Instance, error)
	// InstanceBySOPUID retrieves an instance by its SOP instance UID.
	InstanceBySOPUID(ctx context.Context, uid string) (Instance, error)

	// Series retrieves a series by id.
	Series(ctx context.Context, id string) (Series, error)
	// SeriesByUID retrieves a series by its series UID.
	SeriesByUID(ctx context.Context, uid string) (Series, error)
	// ListSeriesInstances returns all committed instances of a series.
	// Order is unspecified; spatial ordering is the volume assembler's job.
	ListSeriesInstances(ctx context.Context, seriesID string) ([]Instance, error)

	// InsertMeasurement persists a new immutable measurement record.
	InsertMeasurement(ctx context.Context, m Measurement) (Measurement, error)
	// ListInstanceMeasurements returns measurements recorded against an
	// instance, newest first.
	ListInstanceMeasurements(ctx context.Context, instanceID string) ([]Measurement, error)

	// Close releases underlying resources.
	Close() error
}
