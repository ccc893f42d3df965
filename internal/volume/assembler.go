// Package volume reconstructs an ordered, evenly spaced slice stack from a
// series and serves reformatted orthogonal planes by linear interpolation.
package volume

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"pacscore/internal/metrics"
	"pacscore/internal/render"
	"pacscore/pkg/domain"
)

// Plane names an orthogonal reformation plane.
type Plane string

// Supported reformation planes.
const (
	PlaneAxial    Plane = "axial"
	PlaneCoronal  Plane = "coronal"
	PlaneSagittal Plane = "sagittal"
)

// orientation consistency tolerance on direction cosines
const orientTolerance = 1e-3

// spacing uniformity tolerance, relative
const spacingTolerance = 0.01

// Config tunes the assembler cache.
type Config struct {
	CacheBudgetBytes int64
	AssembleTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.CacheBudgetBytes <= 0 {
		c.CacheBudgetBytes = 64 << 20
	}
	if c.AssembleTimeout <= 0 {
		c.AssembleTimeout = time.Minute
	}
}

// Assembler builds slice stacks and serves reformatted planes. Decoded
// frames come from the renderer's shared frame cache; reformatted rasters
// have their own byte-budget LRU.
type Assembler struct {
	meta     domain.MetadataStore
	renderer *render.Renderer
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics

	rasters *render.ByteCache[*image.Gray]
	group   singleflight.Group
}

// NewAssembler wires the assembler. The metrics handle may be nil.
func NewAssembler(meta domain.MetadataStore, renderer *render.Renderer, cfg Config, m *metrics.Metrics, log *slog.Logger) *Assembler {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Assembler{
		meta:     meta,
		renderer: renderer,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		rasters:  render.NewByteCache[*image.Gray](cfg.CacheBudgetBytes, func(g *image.Gray) int64 { return int64(len(g.Pix)) }),
	}
}

// stack is an assembled series: slices ordered by projected position along
// the orientation normal, with uniform inter-slice spacing.
type stack struct {
	instances []domain.Instance // position order
	frames    []*render.Frame
	positions []float64 // projection along the normal, ascending
	rows      int
	cols      int
	sliceGap  float64 // distance between consecutive slices
	inPlane   domain.Spacing
	window    [2]float64 // center, width from the first instance, if stored
}

// depth returns the physical extent of the stack along the normal.
func (s *stack) depth() float64 {
	return s.positions[len(s.positions)-1] - s.positions[0]
}

// SliceOrder returns a series' instances ordered by their projected
// position along the orientation normal. This is the canonical listing
// order; declared instance numbers are not a reliable signal.
func (a *Assembler) SliceOrder(ctx context.Context, seriesID string) ([]domain.Instance, error) {
	instances, err := a.sortedInstances(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	return instances, nil
}

// Reformat produces the reformatted raster for (series, plane, index).
// Indexes outside the assembled volume fail with a bounds error; no
// extrapolation is attempted.
func (a *Assembler) Reformat(ctx context.Context, seriesID string, plane Plane, index int) (*image.Gray, error) {
	switch plane {
	case PlaneAxial, PlaneCoronal, PlaneSagittal:
	default:
		return nil, domain.ValidationError{Field: "plane", Reason: fmt.Sprintf("unknown plane %q", plane)}
	}
	if index < 0 {
		return nil, fmt.Errorf("plane index %d: %w", index, domain.ErrOutOfBounds)
	}
	key := fmt.Sprintf("%s|%s|%d", seriesID, plane, index)
	if img, ok := a.rasters.Get(key); ok {
		if a.metrics != nil {
			a.metrics.ReformatServed.Inc()
		}
		return img, nil
	}
	ch := a.group.DoChan(key, func() (any, error) {
		workCtx, cancel := context.WithTimeout(context.Background(), a.cfg.AssembleTimeout)
		defer cancel()
		st, err := a.assemble(workCtx, seriesID)
		if err != nil {
			return nil, err
		}
		img, err := reformat(st, plane, index)
		if err != nil {
			return nil, err
		}
		a.rasters.Add(key, img)
		return img, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if a.metrics != nil {
			a.metrics.ReformatServed.Inc()
		}
		return res.Val.(*image.Gray), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Assembler) sortedInstances(ctx context.Context, seriesID string) ([]domain.Instance, error) {
	series, err := a.meta.Series(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	instances, err := a.meta.ListSeriesInstances(ctx, series.ID)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, domain.ReconstructionError{SeriesID: seriesID, Reason: "series has no committed instances"}
	}
	ref := instances[0]
	if ref.Orientation == nil {
		return nil, domain.ReconstructionError{SeriesID: seriesID, Reason: "instances carry no orientation"}
	}
	normal := ref.Orientation.Normal()
	for _, inst := range instances {
		if inst.Rows != ref.Rows || inst.Columns != ref.Columns {
			return nil, domain.ReconstructionError{
				SeriesID: seriesID,
				Reason: fmt.Sprintf("instance %s is %dx%d, series is %dx%d",
					inst.SOPInstanceUID, inst.Rows, inst.Columns, ref.Rows, ref.Columns),
			}
		}
		if inst.Position == nil || inst.Orientation == nil {
			return nil, domain.ReconstructionError{
				SeriesID: seriesID,
				Reason:   fmt.Sprintf("instance %s lacks spatial metadata", inst.SOPInstanceUID),
			}
		}
		if !orientConsistent(*ref.Orientation, *inst.Orientation) {
			return nil, domain.ReconstructionError{
				SeriesID: seriesID,
				Reason:   fmt.Sprintf("instance %s orientation deviates from the series", inst.SOPInstanceUID),
			}
		}
	}
	sort.SliceStable(instances, func(i, j int) bool {
		return instances[i].Position.Dot(normal) < instances[j].Position.Dot(normal)
	})
	return instances, nil
}

// assemble validates geometric consistency, orders the slices along the
// normal, derives inter-slice spacing, and decodes every frame.
func (a *Assembler) assemble(ctx context.Context, seriesID string) (*stack, error) {
	instances, err := a.sortedInstances(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	if len(instances) < 2 {
		return nil, domain.ReconstructionError{SeriesID: seriesID, Reason: "at least two slices required"}
	}
	ref := instances[0]
	normal := ref.Orientation.Normal()
	positions := make([]float64, len(instances))
	for i, inst := range instances {
		positions[i] = inst.Position.Dot(normal)
	}
	gap, err := sliceGap(ctx, a.meta, seriesID, positions)
	if err != nil {
		return nil, err
	}

	frames := make([]*render.Frame, len(instances))
	for i, inst := range instances {
		frame, err := a.renderer.Frame(ctx, inst)
		if err != nil {
			return nil, err
		}
		frames[i] = frame
	}

	inPlane := domain.Spacing{Row: 1, Column: 1}
	if ref.PixelSpacing != nil {
		inPlane = *ref.PixelSpacing
	}
	return &stack{
		instances: instances,
		frames:    frames,
		positions: positions,
		rows:      ref.Rows,
		cols:      ref.Columns,
		sliceGap:  gap,
		inPlane:   inPlane,
		window:    [2]float64{ref.WindowCenter, ref.WindowWidth},
	}, nil
}

func orientConsistent(a, b domain.Orient) bool {
	return vecClose(a.Row, b.Row) && vecClose(a.Column, b.Column)
}

func vecClose(a, b domain.Vector3) bool {
	return math.Abs(a.X-b.X) < orientTolerance &&
		math.Abs(a.Y-b.Y) < orientTolerance &&
		math.Abs(a.Z-b.Z) < orientTolerance
}

// sliceGap derives the inter-slice distance from positional deltas,
// verifying uniformity, and falls back to the declared nominal thickness
// only when the deltas are degenerate.
func sliceGap(ctx context.Context, meta domain.MetadataStore, seriesID string, positions []float64) (float64, error) {
	deltas := make([]float64, 0, len(positions)-1)
	degenerate := 0
	for i := 1; i < len(positions); i++ {
		d := positions[i] - positions[i-1]
		if d <= orientTolerance {
			degenerate++
		}
		deltas = append(deltas, d)
	}
	if degenerate == 0 {
		first := deltas[0]
		for i, d := range deltas {
			if math.Abs(d-first) > spacingTolerance*first {
				return 0, domain.ReconstructionError{
					SeriesID: seriesID,
					Reason: fmt.Sprintf("uneven slice spacing: gap %d is %.3f, expected %.3f",
						i, d, first),
				}
			}
		}
		return first, nil
	}
	if degenerate < len(deltas) {
		return 0, domain.ReconstructionError{
			SeriesID: seriesID,
			Reason:   "slices at duplicated positions among spaced slices",
		}
	}
	// every position coincides: nominal declared spacing is the only signal
	series, err := meta.Series(ctx, seriesID)
	if err != nil {
		return 0, err
	}
	if series.SliceThickness > 0 {
		return series.SliceThickness, nil
	}
	return 0, domain.ReconstructionError{SeriesID: seriesID, Reason: "slice positions coincide and no nominal spacing is declared"}
}
