// Package render produces display-ready rasters from stored instances:
// decode once, window/level, resize, cache. Decoded frames and rendered
// rasters sit in byte-budget LRU caches; instances are immutable so no
// invalidation path exists.
package render

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"pacscore/internal/dicom"
	"pacscore/pkg/domain"
)

// Frame holds one decoded slice in modality units (rescale slope and
// intercept already applied).
type Frame struct {
	Rows, Columns int
	Values        []float64
}

// SizeBytes reports the memory footprint used for cache accounting.
func (f *Frame) SizeBytes() int64 {
	return int64(len(f.Values)) * 8
}

// At returns the value at (row, col) without bounds checking.
func (f *Frame) At(row, col int) float64 {
	return f.Values[row*f.Columns+col]
}

// MinMax returns the value range, used when no window is stored or given.
func (f *Frame) MinMax() (min, max float64) {
	if len(f.Values) == 0 {
		return 0, 0
	}
	min, max = f.Values[0], f.Values[0]
	for _, v := range f.Values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

// DecodeFrame parses a stored dataset stream and decodes its pixel data
// into modality values. Grayscale 8 and 16 bit, signed and unsigned, are
// supported; anything else is a storage error since the bytes were
// accepted but cannot be rendered.
func DecodeFrame(inst domain.Instance, r io.Reader) (*Frame, error) {
	syntax, err := dicom.LookupSyntax(inst.TransferSyntax)
	if err != nil {
		return nil, domain.StorageError{Op: "decode", Err: err}
	}
	dr := dicom.NewReader(r, syntax)
	pixels := &bytes.Buffer{}
	dr.SetBulkSink(pixels)
	for {
		_, err := dr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, domain.StorageError{Op: "decode", Err: fmt.Errorf("stored dataset unreadable: %w", err)}
		}
	}
	return frameFromPixels(inst, pixels.Bytes())
}

func frameFromPixels(inst domain.Instance, raw []byte) (*Frame, error) {
	rows, cols := inst.Rows, inst.Columns
	if rows <= 0 || cols <= 0 {
		return nil, domain.StorageError{Op: "decode", Err: fmt.Errorf("instance has no raster dimensions")}
	}
	n := rows * cols
	slope := inst.RescaleSlope
	if slope == 0 {
		slope = 1
	}
	intercept := inst.RescaleIntercept
	values := make([]float64, n)

	switch inst.BitsAllocated {
	case 0, 8:
		if len(raw) < n {
			return nil, domain.StorageError{Op: "decode", Err: fmt.Errorf("pixel data %d bytes, need %d", len(raw), n)}
		}
		if inst.PixelRepresentation == 1 {
			for i := 0; i < n; i++ {
				values[i] = float64(int8(raw[i]))*slope + intercept
			}
		} else {
			for i := 0; i < n; i++ {
				values[i] = float64(raw[i])*slope + intercept
			}
		}
	case 16:
		if len(raw) < 2*n {
			return nil, domain.StorageError{Op: "decode", Err: fmt.Errorf("pixel data %d bytes, need %d", len(raw), 2*n)}
		}
		if inst.PixelRepresentation == 1 {
			for i := 0; i < n; i++ {
				v := int16(binary.LittleEndian.Uint16(raw[2*i:]))
				values[i] = float64(v)*slope + intercept
			}
		} else {
			for i := 0; i < n; i++ {
				v := binary.LittleEndian.Uint16(raw[2*i:])
				values[i] = float64(v)*slope + intercept
			}
		}
	default:
		return nil, domain.StorageError{Op: "decode", Err: fmt.Errorf("unsupported bits allocated %d", inst.BitsAllocated)}
	}
	return &Frame{Rows: rows, Columns: cols, Values: values}, nil
}
