package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pacscore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.MetadataStore = (*Memory)(nil)

// Memory is a map-backed metadata store used by tests and single-process
// experiments. It mirrors the SQL stores' idempotency semantics.
type Memory struct {
	mu           sync.Mutex
	nowFn        func() time.Time
	facilities   map[string]domain.Facility // by id
	patients     map[string]domain.Patient  // by facility_id + "\x00" + patient_id
	studies      map[string]domain.Study    // by study uid
	series       map[string]domain.Series   // by series uid
	instances    map[string]domain.Instance // by sop uid
	measurements map[string]domain.Measurement
}

// NewMemory returns an empty in-memory metadata store.
func NewMemory() *Memory {
	return &Memory{
		nowFn:        func() time.Time { return time.Now().UTC() },
		facilities:   make(map[string]domain.Facility),
		patients:     make(map[string]domain.Patient),
		studies:      make(map[string]domain.Study),
		series:       make(map[string]domain.Series),
		instances:    make(map[string]domain.Instance),
		measurements: make(map[string]domain.Measurement),
	}
}

func (m *Memory) stamp(b *domain.Base) {
	now := m.nowFn()
	if b.ID == "" {
		b.ID = newID()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
}

// Facility implements domain.MetadataStore.
func (m *Memory) Facility(ctx context.Context, id string) (domain.Facility, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.facilities[id]
	if !ok {
		return domain.Facility{}, domain.ErrNotFound{Entity: domain.EntityFacility, ID: id}
	}
	return f, nil
}

// FacilityByAETitle implements domain.MetadataStore.
func (m *Memory) FacilityByAETitle(ctx context.Context, aeTitle string) (domain.Facility, error) {
	key := strings.ToUpper(strings.TrimSpace(aeTitle))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.facilities {
		if f.AETitle == key && f.IsActive {
			return f, nil
		}
	}
	return domain.Facility{}, domain.ErrNotFound{Entity: domain.EntityFacility, ID: key}
}

// PutFacility implements domain.MetadataStore.
func (m *Memory) PutFacility(ctx context.Context, f domain.Facility) (domain.Facility, error) {
	f.AETitle = strings.ToUpper(strings.TrimSpace(f.AETitle))
	if f.AETitle == "" {
		return domain.Facility{}, domain.ValidationError{Field: "ae_title", Reason: "must not be empty"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp(&f.Base)
	m.facilities[f.ID] = f
	return f, nil
}

// EnsurePatient implements domain.MetadataStore.
func (m *Memory) EnsurePatient(ctx context.Context, p domain.Patient) (domain.Patient, bool, error) {
	key := p.FacilityID + "\x00" + p.PatientID
	m.mu.Lock()
	defer m.mu.Unlock()
	if got, ok := m.patients[key]; ok {
		return got, false, nil
	}
	m.stamp(&p.Base)
	m.patients[key] = p
	return p, true, nil
}

// EnsureStudy implements domain.MetadataStore.
func (m *Memory) EnsureStudy(ctx context.Context, s domain.Study) (domain.Study, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if got, ok := m.studies[s.StudyUID]; ok {
		return got, false, nil
	}
	m.stamp(&s.Base)
	m.studies[s.StudyUID] = s
	return s, true, nil
}

// EnsureSeries implements domain.MetadataStore.
func (m *Memory) EnsureSeries(ctx context.Context, s domain.Series) (domain.Series, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if got, ok := m.series[s.SeriesUID]; ok {
		return got, false, nil
	}
	m.stamp(&s.Base)
	m.series[s.SeriesUID] = s
	return s, true, nil
}

// InsertInstance implements domain.MetadataStore.
func (m *Memory) InsertInstance(ctx context.Context, inst domain.Instance) (domain.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[inst.SOPInstanceUID]; ok {
		return domain.Instance{}, fmt.Errorf("instance %s: %w", inst.SOPInstanceUID, domain.ErrDuplicateObject)
	}
	m.stamp(&inst.Base)
	m.instances[inst.SOPInstanceUID] = inst
	return inst, nil
}

// Instance implements domain.MetadataStore.
func (m *Memory) Instance(ctx context.Context, id string) (domain.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.ID == id {
			return inst, nil
		}
	}
	return domain.Instance{}, domain.ErrNotFound{Entity: domain.EntityInstance, ID: id}
}

// InstanceBySOPUID implements domain.MetadataStore.
func (m *Memory) InstanceBySOPUID(ctx context.Context, uid string) (domain.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[uid]
	if !ok {
		return domain.Instance{}, domain.ErrNotFound{Entity: domain.EntityInstance, ID: uid}
	}
	return inst, nil
}

// Series implements domain.MetadataStore.
func (m *Memory) Series(ctx context.Context, id string) (domain.Series, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.series {
		if s.ID == id {
			return s, nil
		}
	}
	return domain.Series{}, domain.ErrNotFound{Entity: domain.EntitySeries, ID: id}
}

// SeriesByUID implements domain.MetadataStore.
func (m *Memory) SeriesByUID(ctx context.Context, uid string) (domain.Series, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[uid]
	if !ok {
		return domain.Series{}, domain.ErrNotFound{Entity: domain.EntitySeries, ID: uid}
	}
	return s, nil
}

// ListSeriesInstances implements domain.MetadataStore.
func (m *Memory) ListSeriesInstances(ctx context.Context, seriesID string) ([]domain.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Instance
	for _, inst := range m.instances {
		if inst.SeriesRef == seriesID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SOPInstanceUID < out[j].SOPInstanceUID })
	return out, nil
}

// InsertMeasurement implements domain.MetadataStore.
func (m *Memory) InsertMeasurement(ctx context.Context, meas domain.Measurement) (domain.Measurement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp(&meas.Base)
	m.measurements[meas.ID] = meas
	return meas, nil
}

// ListInstanceMeasurements implements domain.MetadataStore.
func (m *Memory) ListInstanceMeasurements(ctx context.Context, instanceID string) ([]domain.Measurement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Measurement
	for _, meas := range m.measurements {
		if meas.InstanceRef == instanceID {
			out = append(out, meas)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Close implements domain.MetadataStore.
func (m *Memory) Close() error { return nil }
