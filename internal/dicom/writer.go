package dicom

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
)

// Writer encodes data elements to a stream. Callers are responsible for
// emitting elements in ascending tag order; the symmetric Reader rejects
// out-of-order streams.
type Writer struct {
	w      io.Writer
	syntax Syntax
}

// NewWriter wraps w with an element encoder for the given syntax.
func NewWriter(w io.Writer, syntax Syntax) *Writer {
	return &Writer{w: w, syntax: syntax}
}

// Element writes one complete element. The value is padded to even length
// with the VR's pad byte when necessary.
func (w *Writer) Element(tag Tag, vr VR, value []byte) error {
	if len(value)%2 != 0 {
		pad := byte(' ')
		if vr == VRUI || vr.binary() {
			pad = 0x00
		}
		value = append(append([]byte(nil), value...), pad)
	}
	if err := binary.Write(w.w, binary.LittleEndian, tag.Group()); err != nil {
		return fmt.Errorf("writing tag group: %w", err)
	}
	if err := binary.Write(w.w, binary.LittleEndian, tag.Element()); err != nil {
		return fmt.Errorf("writing tag element: %w", err)
	}
	if err := w.header(vr, uint32(len(value))); err != nil {
		return fmt.Errorf("writing header of %v: %w", tag, err)
	}
	if _, err := w.w.Write(value); err != nil {
		return fmt.Errorf("writing value of %v: %w", tag, err)
	}
	return nil
}

func (w *Writer) header(vr VR, length uint32) error {
	if !w.syntax.explicit {
		return binary.Write(w.w, binary.LittleEndian, length)
	}
	if _, err := io.WriteString(w.w, string(vr)); err != nil {
		return err
	}
	if vr.longHeader() {
		if err := binary.Write(w.w, binary.LittleEndian, uint16(0)); err != nil {
			return err
		}
		return binary.Write(w.w, binary.LittleEndian, length)
	}
	if length > 0xFFFF {
		return fmt.Errorf("value length %d overflows short header", length)
	}
	return binary.Write(w.w, binary.LittleEndian, uint16(length))
}

// String writes a text element using the tag's dictionary VR.
func (w *Writer) String(tag Tag, value string) error {
	return w.Element(tag, tag.DictionaryVR(), []byte(value))
}

// Uint16 writes a US element.
func (w *Writer) Uint16(tag Tag, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return w.Element(tag, VRUS, buf[:])
}

// Uint32 writes a UL element.
func (w *Writer) Uint32(tag Tag, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return w.Element(tag, VRUL, buf[:])
}

// Float writes a single-valued DS element.
func (w *Writer) Float(tag Tag, value float64) error {
	return w.Element(tag, VRDS, []byte(strconv.FormatFloat(value, 'g', -1, 64)))
}

// Floats writes a multi-valued DS element, values joined by backslash.
func (w *Writer) Floats(tag Tag, values ...float64) error {
	var b []byte
	for i, v := range values {
		if i > 0 {
			b = append(b, '\\')
		}
		b = append(b, []byte(strconv.FormatFloat(v, 'g', -1, 64))...)
	}
	return w.Element(tag, VRDS, b)
}

// Int writes an IS element.
func (w *Writer) Int(tag Tag, value int) error {
	return w.Element(tag, VRIS, []byte(strconv.Itoa(value)))
}

// PixelData writes the bulk pixel element from a reader of known length.
func (w *Writer) PixelData(r io.Reader, length uint32) error {
	if length%2 != 0 {
		return fmt.Errorf("pixel data length %d must be even", length)
	}
	if err := binary.Write(w.w, binary.LittleEndian, TagPixelData.Group()); err != nil {
		return err
	}
	if err := binary.Write(w.w, binary.LittleEndian, TagPixelData.Element()); err != nil {
		return err
	}
	if err := w.header(VROW, length); err != nil {
		return err
	}
	n, err := io.CopyN(w.w, r, int64(length))
	if err != nil {
		return fmt.Errorf("copying pixel data after %d bytes: %w", n, err)
	}
	return nil
}
