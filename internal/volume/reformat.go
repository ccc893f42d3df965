package volume

import (
	"fmt"
	"image"
	"math"

	"pacscore/pkg/domain"
)

// depthStep is the resampling interval along the slice normal. Reformatted
// planes sample the volume at the in-plane row spacing so output pixels
// stay near-isotropic regardless of the acquisition's slice separation.
func (s *stack) depthStep() float64 {
	if s.inPlane.Row > 0 {
		return s.inPlane.Row
	}
	return 1
}

// axialCount is the number of resampled axial positions the volume covers.
func (s *stack) axialCount() int {
	return int(math.Floor(s.depth()/s.depthStep())) + 1
}

// valueAt samples the volume at a physical depth along the normal by
// linear interpolation between the two bracketing acquired slices.
func (s *stack) valueAt(depth float64, row, col int) float64 {
	t := depth / s.sliceGap
	k := int(math.Floor(t))
	if k < 0 {
		k = 0
	}
	if k >= len(s.frames)-1 {
		return s.frames[len(s.frames)-1].At(row, col)
	}
	frac := t - float64(k)
	a := s.frames[k].At(row, col)
	b := s.frames[k+1].At(row, col)
	return a + (b-a)*frac
}

func reformat(s *stack, plane Plane, index int) (*image.Gray, error) {
	var w, h int
	var sample func(x, y int) float64
	switch plane {
	case PlaneAxial:
		if index >= s.axialCount() {
			return nil, fmt.Errorf("axial index %d of %d: %w", index, s.axialCount(), domain.ErrOutOfBounds)
		}
		depth := float64(index) * s.depthStep()
		w, h = s.cols, s.rows
		sample = func(x, y int) float64 { return s.valueAt(depth, y, x) }
	case PlaneCoronal:
		// fixed source row; horizontal axis is columns, vertical is depth
		if index >= s.rows {
			return nil, fmt.Errorf("coronal index %d of %d: %w", index, s.rows, domain.ErrOutOfBounds)
		}
		w, h = s.cols, s.axialCount()
		sample = func(x, y int) float64 { return s.valueAt(float64(y)*s.depthStep(), index, x) }
	case PlaneSagittal:
		// fixed source column; horizontal axis is rows, vertical is depth
		if index >= s.cols {
			return nil, fmt.Errorf("sagittal index %d of %d: %w", index, s.cols, domain.ErrOutOfBounds)
		}
		w, h = s.rows, s.axialCount()
		sample = func(x, y int) float64 { return s.valueAt(float64(y)*s.depthStep(), x, index) }
	default:
		return nil, domain.ValidationError{Field: "plane", Reason: fmt.Sprintf("unknown plane %q", plane)}
	}

	values := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			values[y*w+x] = sample(x, y)
		}
	}
	center, width := s.window[0], s.window[1]
	if width <= 0 {
		center, width = windowFromRange(values)
	}
	return grayFromValues(values, w, h, center, width), nil
}

// windowFromRange derives a full-range window from the sampled values.
func windowFromRange(values []float64) (center, width float64) {
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	width = hi - lo
	if width <= 0 {
		width = 1
	}
	return lo + width/2, width
}

// grayFromValues maps modality values into 8-bit gray with a linear
// window, clamping outside the window range.
func grayFromValues(values []float64, w, h int, center, width float64) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i, v := range values {
		t := (v - center + width/2) / width
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
		img.Pix[i] = uint8(t*255 + 0.5)
	}
	return img
}
