// Package measure converts pixel-space coordinates into calibrated
// physical measurements using per-instance spacing metadata, and persists
// each result as an immutable record.
package measure

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"pacscore/pkg/domain"
)

// Request describes one measurement to compute and record.
type Request struct {
	InstanceID string
	Author     string
	Kind       domain.MeasurementKind
	Points     []domain.Point2
}

// Engine computes and records measurements.
type Engine struct {
	meta domain.MetadataStore
	log  *slog.Logger
}

// NewEngine wires the engine.
func NewEngine(meta domain.MetadataStore, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{meta: meta, log: log}
}

// Measure computes the requested value against the instance's spacing and
// persists the record. Without spacing metadata the value is computed in
// raw pixel units and the record is explicitly marked uncalibrated; a
// pixel count is never presented as millimeters.
func (e *Engine) Measure(ctx context.Context, req Request) (domain.Measurement, error) {
	if err := validateRequest(req); err != nil {
		return domain.Measurement{}, err
	}
	inst, err := e.meta.Instance(ctx, req.InstanceID)
	if err != nil {
		return domain.Measurement{}, err
	}
	spacing := inst.PixelSpacing
	value, unit := Compute(req.Kind, req.Points, spacing)

	m := domain.Measurement{
		InstanceRef: inst.ID,
		Author:      req.Author,
		Kind:        req.Kind,
		Points:      append([]domain.Point2(nil), req.Points...),
		Value:       value,
		Unit:        unit,
		Calibrated:  spacing != nil,
		Spacing:     spacing,
	}
	rec, err := e.meta.InsertMeasurement(ctx, m)
	if err != nil {
		return domain.Measurement{}, domain.StorageError{Op: "insert measurement", Err: err}
	}
	e.log.Info("measurement recorded",
		"instance", inst.ID, "kind", rec.Kind, "value", rec.Value,
		"unit", rec.Unit, "calibrated", rec.Calibrated, "author", rec.Author)
	return rec, nil
}

// List returns an instance's measurements, newest first.
func (e *Engine) List(ctx context.Context, instanceID string) ([]domain.Measurement, error) {
	if _, err := e.meta.Instance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.meta.ListInstanceMeasurements(ctx, instanceID)
}

func validateRequest(req Request) error {
	min := 0
	switch req.Kind {
	case domain.MeasureLength:
		min = 2
	case domain.MeasurePolyline:
		min = 2
	case domain.MeasureArea:
		min = 3
	case domain.MeasureAngle:
		min = 3
	default:
		return domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown measurement kind %q", req.Kind)}
	}
	if req.Kind == domain.MeasureAngle && len(req.Points) != 3 {
		return domain.ValidationError{Field: "points", Reason: "angle requires exactly 3 points"}
	}
	if len(req.Points) < min {
		return domain.ValidationError{Field: "points", Reason: fmt.Sprintf("%s requires at least %d points", req.Kind, min)}
	}
	return nil
}

// Compute evaluates a measurement over pixel coordinates. With spacing the
// coordinates are scaled into millimeters first; without, raw pixel deltas
// are used and the unit reflects that.
func Compute(kind domain.MeasurementKind, points []domain.Point2, spacing *domain.Spacing) (float64, string) {
	cs, rs := 1.0, 1.0
	linear, square := "px", "px2"
	if spacing != nil {
		cs, rs = spacing.Column, spacing.Row
		linear, square = "mm", "mm2"
	}
	scaled := make([]domain.Point2, len(points))
	for i, p := range points {
		scaled[i] = domain.Point2{X: p.X * cs, Y: p.Y * rs}
	}
	switch kind {
	case domain.MeasureLength:
		return dist(scaled[0], scaled[1]), linear
	case domain.MeasurePolyline:
		total := 0.0
		for i := 1; i < len(scaled); i++ {
			total += dist(scaled[i-1], scaled[i])
		}
		return total, linear
	case domain.MeasureArea:
		return shoelace(scaled), square
	case domain.MeasureAngle:
		return angle(scaled[0], scaled[1], scaled[2]), "deg"
	}
	return 0, linear
}

func dist(a, b domain.Point2) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// shoelace returns the absolute polygon area of the closed point list.
func shoelace(pts []domain.Point2) float64 {
	sum := 0.0
	n := len(pts)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += pts[i].X*pts[j].Y - pts[j].X*pts[i].Y
	}
	return math.Abs(sum) / 2
}

// angle returns the angle at vertex b in degrees.
func angle(a, b, c domain.Point2) float64 {
	v1x, v1y := a.X-b.X, a.Y-b.Y
	v2x, v2y := c.X-b.X, c.Y-b.Y
	n1 := math.Hypot(v1x, v1y)
	n2 := math.Hypot(v2x, v2y)
	if n1 == 0 || n2 == 0 {
		return 0
	}
	cos := (v1x*v2x + v1y*v2y) / (n1 * n2)
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	return math.Acos(cos) * 180 / math.Pi
}
