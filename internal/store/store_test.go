package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"pacscore/pkg/domain"
)

func openStores(t *testing.T) map[string]domain.MetadataStore {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]domain.MetadataStore{
		"sqlite": sqlite,
		"memory": NewMemory(),
	}
}

func seedFacility(t *testing.T, s domain.MetadataStore) domain.Facility {
	t.Helper()
	f, err := s.PutFacility(context.Background(), domain.Facility{
		Name: "Central Imaging", AETitle: "central_pacs", IsActive: true,
	})
	if err != nil {
		t.Fatalf("put facility: %v", err)
	}
	return f
}

func TestFacilityLookupByAETitle(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := seedFacility(t, s)
			if f.AETitle != "CENTRAL_PACS" {
				t.Fatalf("ae title not normalized: %q", f.AETitle)
			}
			got, err := s.FacilityByAETitle(ctx, "  central_pacs ")
			if err != nil {
				t.Fatalf("lookup: %v", err)
			}
			if got.ID != f.ID {
				t.Fatalf("lookup id = %s, want %s", got.ID, f.ID)
			}

			f.IsActive = false
			if _, err := s.PutFacility(ctx, f); err != nil {
				t.Fatalf("deactivate: %v", err)
			}
			_, err = s.FacilityByAETitle(ctx, "CENTRAL_PACS")
			if !domain.IsNotFound(err) {
				t.Fatalf("inactive lookup err = %v, want not found", err)
			}
		})
	}
}

func TestEnsureHierarchyIsIdempotent(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := seedFacility(t, s)

			p1, created, err := s.EnsurePatient(ctx, domain.Patient{FacilityID: f.ID, PatientID: "PAT-1", LastName: "Doe"})
			if err != nil || !created {
				t.Fatalf("first ensure patient: created=%v err=%v", created, err)
			}
			p2, created, err := s.EnsurePatient(ctx, domain.Patient{FacilityID: f.ID, PatientID: "PAT-1", LastName: "Other"})
			if err != nil || created {
				t.Fatalf("second ensure patient: created=%v err=%v", created, err)
			}
			if p2.ID != p1.ID || p2.LastName != "Doe" {
				t.Fatalf("second ensure returned %+v, want first row", p2)
			}

			st1, created, err := s.EnsureStudy(ctx, domain.Study{StudyUID: "1.2.3", PatientRef: p1.ID, FacilityID: f.ID})
			if err != nil || !created {
				t.Fatalf("first ensure study: created=%v err=%v", created, err)
			}
			st2, created, err := s.EnsureStudy(ctx, domain.Study{StudyUID: "1.2.3", PatientRef: "ignored", FacilityID: "other"})
			if err != nil || created {
				t.Fatalf("second ensure study: created=%v err=%v", created, err)
			}
			if st2.ID != st1.ID || st2.FacilityID != f.ID {
				t.Fatalf("study row mutated on repeat ensure: %+v", st2)
			}

			se1, created, err := s.EnsureSeries(ctx, domain.Series{SeriesUID: "1.2.3.4", StudyRef: st1.ID, Modality: "CT"})
			if err != nil || !created {
				t.Fatalf("first ensure series: created=%v err=%v", created, err)
			}
			se2, _, err := s.EnsureSeries(ctx, domain.Series{SeriesUID: "1.2.3.4", StudyRef: st1.ID})
			if err != nil || se2.ID != se1.ID {
				t.Fatalf("repeat ensure series: %+v err=%v", se2, err)
			}
		})
	}
}

func TestInsertInstanceRejectsDuplicateSOPUID(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			inst := domain.Instance{
				SOPInstanceUID: "1.2.3.4.5",
				SeriesRef:      "series-1",
				StorageKey:     "FAC/1.2.3/1.2.3.4/1.2.3.4.5",
				Rows:           512, Columns: 512,
			}
			first, err := s.InsertInstance(ctx, inst)
			if err != nil {
				t.Fatalf("first insert: %v", err)
			}
			_, err = s.InsertInstance(ctx, inst)
			if !errors.Is(err, domain.ErrDuplicateObject) {
				t.Fatalf("duplicate insert err = %v, want ErrDuplicateObject", err)
			}
			got, err := s.InstanceBySOPUID(ctx, "1.2.3.4.5")
			if err != nil {
				t.Fatalf("lookup: %v", err)
			}
			if got.ID != first.ID || got.Rows != 512 {
				t.Fatalf("lookup returned %+v", got)
			}
			list, err := s.ListSeriesInstances(ctx, "series-1")
			if err != nil || len(list) != 1 {
				t.Fatalf("list = %v err=%v", list, err)
			}
		})
	}
}

func TestMeasurementsNewestFirst(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, val := range []float64{10, 20, 30} {
				_, err := s.InsertMeasurement(ctx, domain.Measurement{
					InstanceRef: "inst-1",
					Author:      "dr.a",
					Kind:        domain.MeasureLength,
					Points:      []domain.Point2{{X: 0, Y: 0}, {X: float64(i), Y: 0}},
					Value:       val,
					Unit:        "mm",
					Calibrated:  true,
					Spacing:     &domain.Spacing{Row: 0.5, Column: 0.5},
				})
				if err != nil {
					t.Fatalf("insert %d: %v", i, err)
				}
			}
			list, err := s.ListInstanceMeasurements(ctx, "inst-1")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != 3 {
				t.Fatalf("len = %d, want 3", len(list))
			}
			for i := 1; i < len(list); i++ {
				if list[i].CreatedAt.After(list[i-1].CreatedAt) {
					t.Fatalf("not newest first: %v", list)
				}
			}
		})
	}
}

func TestNotFoundErrors(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.Instance(ctx, "nope"); !domain.IsNotFound(err) {
				t.Fatalf("instance err = %v", err)
			}
			if _, err := s.SeriesByUID(ctx, "nope"); !domain.IsNotFound(err) {
				t.Fatalf("series err = %v", err)
			}
			if _, err := s.Facility(ctx, "nope"); !domain.IsNotFound(err) {
				t.Fatalf("facility err = %v", err)
			}
		})
	}
}
