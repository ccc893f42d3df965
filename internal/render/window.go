package render

import (
	"fmt"
	"image"

	"pacscore/pkg/domain"
)

// Params selects the transfer function and output geometry of one render.
// A zero Width means "use the instance's stored window, or the full value
// range when none is stored". A zero Size keeps the native resolution.
type Params struct {
	Center float64
	Width  float64
	Invert bool
	Size   int // longest output edge in pixels
}

// Key returns the cache key fragment for these parameters.
func (p Params) Key() string {
	return fmt.Sprintf("c=%g|w=%g|i=%t|s=%d", p.Center, p.Width, p.Invert, p.Size)
}

// Validate rejects parameter combinations that can never render.
func (p Params) Validate() error {
	if p.Width < 0 {
		return domain.ValidationError{Field: "window_width", Reason: "must not be negative"}
	}
	if p.Size < 0 || p.Size > 8192 {
		return domain.ValidationError{Field: "size", Reason: "must be between 0 and 8192"}
	}
	return nil
}

// resolveWindow fills in defaults: explicit params win, then the stored
// window, then the frame's full value range.
func resolveWindow(p Params, inst domain.Instance, frame *Frame) (center, width float64) {
	if p.Width > 0 {
		return p.Center, p.Width
	}
	if inst.WindowWidth > 0 {
		return inst.WindowCenter, inst.WindowWidth
	}
	min, max := frame.MinMax()
	width = max - min
	if width == 0 {
		width = 1
	}
	return min + width/2, width
}

// applyWindow maps modality values through the window/level transfer
// function into an 8-bit grayscale raster:
// out = clamp((v - center + width/2) / width, 0, 1) scaled to 255.
func applyWindow(frame *Frame, center, width float64, invert bool) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, frame.Columns, frame.Rows))
	low := center - width/2
	for i, v := range frame.Values {
		t := (v - low) / width
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
		if invert {
			t = 1 - t
		}
		img.Pix[i] = uint8(t*255 + 0.5)
	}
	return img
}

// resizeGray scales the raster so its longest edge equals size, using
// nearest-neighbor sampling. Aspect ratio is preserved.
func resizeGray(src *image.Gray, size int) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if size <= 0 || (w <= size && h <= size && (w == size || h == size)) {
		return src
	}
	var outW, outH int
	if w >= h {
		outW = size
		outH = h * size / w
	} else {
		outH = size
		outW = w * size / h
	}
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}
	dst := image.NewGray(image.Rect(0, 0, outW, outH))
	for y := 0; y < outH; y++ {
		sy := y * h / outH
		for x := 0; x < outW; x++ {
			sx := x * w / outW
			dst.Pix[y*dst.Stride+x] = src.Pix[sy*src.Stride+sx]
		}
	}
	return dst
}
