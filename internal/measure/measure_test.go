package measure

import (
	"context"
	"errors"
	"math"
	"testing"

	"pacscore/internal/store"
	"pacscore/pkg/domain"
)

func insertInstance(t *testing.T, meta domain.MetadataStore, spacing *domain.Spacing) domain.Instance {
	t.Helper()
	inst, err := meta.InsertInstance(context.Background(), domain.Instance{
		SOPInstanceUID: "1.2.3.4",
		SeriesRef:      "series-1",
		StorageKey:     "FAC/1/1.1/1.2.3.4",
		Rows:           128, Columns: 128,
		PixelSpacing: spacing,
	})
	if err != nil {
		t.Fatalf("insert instance: %v", err)
	}
	return inst
}

func TestCalibratedDistanceUsesSpacing(t *testing.T) {
	meta := store.NewMemory()
	engine := NewEngine(meta, nil)
	spacing := &domain.Spacing{Row: 0.7, Column: 0.5}
	inst := insertInstance(t, meta, spacing)

	p1 := domain.Point2{X: 10, Y: 20}
	p2 := domain.Point2{X: 22, Y: 29}
	rec, err := engine.Measure(context.Background(), Request{
		InstanceID: inst.ID, Author: "dr.a",
		Kind: domain.MeasureLength, Points: []domain.Point2{p1, p2},
	})
	if err != nil {
		t.Fatalf("measure: %v", err)
	}
	want := math.Sqrt(math.Pow((p1.X-p2.X)*0.5, 2) + math.Pow((p1.Y-p2.Y)*0.7, 2))
	if math.Abs(rec.Value-want) > 1e-9 {
		t.Fatalf("value = %v, want %v", rec.Value, want)
	}
	if !rec.Calibrated || rec.Unit != "mm" {
		t.Fatalf("calibrated=%v unit=%q", rec.Calibrated, rec.Unit)
	}
	if rec.Spacing == nil || rec.Spacing.Row != 0.7 {
		t.Fatalf("spacing not retained: %+v", rec.Spacing)
	}
}

func TestUncalibratedDistanceUsesPixelUnits(t *testing.T) {
	meta := store.NewMemory()
	engine := NewEngine(meta, nil)
	inst := insertInstance(t, meta, nil)

	rec, err := engine.Measure(context.Background(), Request{
		InstanceID: inst.ID, Author: "dr.a",
		Kind:   domain.MeasureLength,
		Points: []domain.Point2{{X: 0, Y: 0}, {X: 3, Y: 4}},
	})
	if err != nil {
		t.Fatalf("measure: %v", err)
	}
	if rec.Value != 5 {
		t.Fatalf("value = %v, want 5", rec.Value)
	}
	if rec.Calibrated || rec.Unit != "px" {
		t.Fatalf("uncalibrated record claims calibration: calibrated=%v unit=%q", rec.Calibrated, rec.Unit)
	}
}

func TestPolylineSumsSegments(t *testing.T) {
	v, unit := Compute(domain.MeasurePolyline,
		[]domain.Point2{{X: 0, Y: 0}, {X: 3, Y: 4}, {X: 3, Y: 10}},
		&domain.Spacing{Row: 1, Column: 1})
	if math.Abs(v-11) > 1e-9 || unit != "mm" {
		t.Fatalf("polyline = %v %s, want 11 mm", v, unit)
	}
}

func TestAreaShoelace(t *testing.T) {
	// 10x5 pixel rectangle with 0.5mm columns and 2mm rows: 5mm x 10mm
	v, unit := Compute(domain.MeasureArea,
		[]domain.Point2{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 5}, {X: 0, Y: 5}},
		&domain.Spacing{Row: 2, Column: 0.5})
	if math.Abs(v-50) > 1e-9 || unit != "mm2" {
		t.Fatalf("area = %v %s, want 50 mm2", v, unit)
	}
}

func TestAngleAtVertex(t *testing.T) {
	v, unit := Compute(domain.MeasureAngle,
		[]domain.Point2{{X: 1, Y: 0}, {X: 0, Y: 0}, {X: 0, Y: 1}}, nil)
	if math.Abs(v-90) > 1e-9 || unit != "deg" {
		t.Fatalf("angle = %v %s, want 90 deg", v, unit)
	}
}

func TestMeasureValidation(t *testing.T) {
	meta := store.NewMemory()
	engine := NewEngine(meta, nil)
	inst := insertInstance(t, meta, nil)
	ctx := context.Background()

	cases := []Request{
		{InstanceID: inst.ID, Kind: domain.MeasureLength, Points: []domain.Point2{{X: 0, Y: 0}}},
		{InstanceID: inst.ID, Kind: domain.MeasureArea, Points: []domain.Point2{{X: 0, Y: 0}, {X: 1, Y: 1}}},
		{InstanceID: inst.ID, Kind: domain.MeasureAngle, Points: []domain.Point2{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}}},
		{InstanceID: inst.ID, Kind: "volume", Points: []domain.Point2{{X: 0, Y: 0}, {X: 1, Y: 1}}},
	}
	for i, req := range cases {
		var verr domain.ValidationError
		if _, err := engine.Measure(ctx, req); !errors.As(err, &verr) {
			t.Fatalf("case %d: err = %v, want ValidationError", i, err)
		}
	}

	if _, err := engine.Measure(ctx, Request{
		InstanceID: "missing", Kind: domain.MeasureLength,
		Points: []domain.Point2{{X: 0, Y: 0}, {X: 1, Y: 1}},
	}); !domain.IsNotFound(err) {
		t.Fatalf("missing instance err = %v", err)
	}
}

func TestMeasurementsAreRecorded(t *testing.T) {
	meta := store.NewMemory()
	engine := NewEngine(meta, nil)
	inst := insertInstance(t, meta, &domain.Spacing{Row: 1, Column: 1})
	ctx := context.Background()

	if _, err := engine.Measure(ctx, Request{
		InstanceID: inst.ID, Author: "dr.b",
		Kind: domain.MeasureLength, Points: []domain.Point2{{X: 0, Y: 0}, {X: 6, Y: 8}},
	}); err != nil {
		t.Fatalf("measure: %v", err)
	}
	list, err := engine.List(ctx, inst.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Author != "dr.b" || list[0].Value != 10 {
		t.Fatalf("recorded = %+v", list)
	}
}
