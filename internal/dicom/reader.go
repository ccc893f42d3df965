package dicom

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// maxBufferedValue caps the size of any element value held in memory.
// Bulk pixel data bypasses the cap by streaming to the bulk sink; a
// non-bulk element past the cap indicates a malformed stream.
const maxBufferedValue = 1 << 20

// undefinedLength marks sequence or pixel data of undefined length, which
// only appears under encapsulated syntaxes this module does not negotiate.
const undefinedLength = 0xFFFFFFFF

// Element is one decoded tag-length-value item. Value is nil when the
// payload was streamed to the reader's bulk sink instead of buffered.
type Element struct {
	Tag    Tag
	VR     VR
	Length uint32
	Value  []byte
}

// Reader decodes sequential data elements from a stream. Metadata elements
// are buffered; the pixel data element is copied to the bulk sink as it
// arrives so peak memory stays independent of object size.
type Reader struct {
	r         io.Reader
	syntax    Syntax
	bulkSink  io.Writer
	bulkBytes int64
	lastTag   Tag
	started   bool
}

// NewReader wraps r with an element decoder for the given syntax.
func NewReader(r io.Reader, syntax Syntax) *Reader {
	return &Reader{r: r, syntax: syntax}
}

// SetBulkSink registers the writer that receives the pixel data payload.
// Without a sink the pixel data element is buffered like any other, subject
// to the in-memory cap.
func (r *Reader) SetBulkSink(w io.Writer) { r.bulkSink = w }

// BulkBytes reports how many pixel data bytes were streamed to the sink.
func (r *Reader) BulkBytes() int64 { return r.bulkBytes }

// Next returns the next element, or io.EOF at a clean end of stream.
// Any other error means the stream is malformed and unusable.
func (r *Reader) Next() (Element, error) {
	var group, element uint16
	if err := binary.Read(r.r, binary.LittleEndian, &group); err != nil {
		if errors.Is(err, io.EOF) {
			return Element{}, io.EOF
		}
		return Element{}, fmt.Errorf("reading tag group: %w", err)
	}
	if err := binary.Read(r.r, binary.LittleEndian, &element); err != nil {
		return Element{}, fmt.Errorf("reading tag element: %w", err)
	}
	tag := NewTag(group, element)
	if r.started && tag <= r.lastTag {
		return Element{}, fmt.Errorf("element %v out of order after %v", tag, r.lastTag)
	}
	r.started = true
	r.lastTag = tag

	vr, length, err := r.header(tag)
	if err != nil {
		return Element{}, err
	}
	if vr == VRSQ {
		return Element{}, fmt.Errorf("element %v: sequences are not supported", tag)
	}
	if length == undefinedLength {
		return Element{}, fmt.Errorf("element %v: undefined length is not supported", tag)
	}
	if length%2 != 0 {
		return Element{}, fmt.Errorf("element %v: odd value length %d", tag, length)
	}

	if tag == TagPixelData && r.bulkSink != nil {
		n, err := io.CopyN(r.bulkSink, r.r, int64(length))
		r.bulkBytes += n
		if err != nil {
			return Element{}, fmt.Errorf("streaming pixel data: %w", err)
		}
		return Element{Tag: tag, VR: vr, Length: length}, nil
	}

	if length > maxBufferedValue {
		return Element{}, fmt.Errorf("element %v: value length %d exceeds buffer cap", tag, length)
	}
	value := make([]byte, length)
	if _, err := io.ReadFull(r.r, value); err != nil {
		return Element{}, fmt.Errorf("reading value of %v: %w", tag, err)
	}
	return Element{Tag: tag, VR: vr, Length: length, Value: value}, nil
}

// header decodes the VR (explicit syntax only) and value length following
// a tag.
func (r *Reader) header(tag Tag) (VR, uint32, error) {
	if !r.syntax.explicit {
		var length uint32
		if err := binary.Read(r.r, binary.LittleEndian, &length); err != nil {
			return "", 0, fmt.Errorf("reading length of %v: %w", tag, err)
		}
		return tag.DictionaryVR(), length, nil
	}

	var raw [2]byte
	if _, err := io.ReadFull(r.r, raw[:]); err != nil {
		return "", 0, fmt.Errorf("reading vr of %v: %w", tag, err)
	}
	vr := VR(raw[:])
	if !vrValid(vr) {
		return "", 0, fmt.Errorf("element %v: invalid vr %q", tag, raw)
	}
	if vr.longHeader() {
		var reserved uint16
		if err := binary.Read(r.r, binary.LittleEndian, &reserved); err != nil {
			return "", 0, fmt.Errorf("reading reserved bytes of %v: %w", tag, err)
		}
		var length uint32
		if err := binary.Read(r.r, binary.LittleEndian, &length); err != nil {
			return "", 0, fmt.Errorf("reading length of %v: %w", tag, err)
		}
		return vr, length, nil
	}
	var length uint16
	if err := binary.Read(r.r, binary.LittleEndian, &length); err != nil {
		return "", 0, fmt.Errorf("reading length of %v: %w", tag, err)
	}
	return vr, uint32(length), nil
}

func vrValid(vr VR) bool {
	if len(vr) != 2 {
		return false
	}
	for _, c := range vr {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

// String returns the value as trimmed text. UI values are NUL padded, all
// other text VRs space padded.
func (e Element) String() string {
	s := string(e.Value)
	if e.VR == VRUI {
		return strings.TrimRight(s, "\x00")
	}
	return strings.TrimSpace(s)
}

// Strings splits a multi-valued text element on the backslash delimiter.
func (e Element) Strings() []string {
	raw := e.String()
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, `\`)
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// Uint16 decodes a US value.
func (e Element) Uint16() (uint16, error) {
	if len(e.Value) < 2 {
		return 0, fmt.Errorf("element %v: want 2 bytes for US, have %d", e.Tag, len(e.Value))
	}
	return binary.LittleEndian.Uint16(e.Value), nil
}

// Int decodes an IS (integer string) value, taking the first value of a
// multi-valued element.
func (e Element) Int() (int, error) {
	parts := e.Strings()
	if len(parts) == 0 {
		return 0, fmt.Errorf("element %v: empty integer string", e.Tag)
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("element %v: %w", e.Tag, err)
	}
	return n, nil
}

// Float decodes a DS (decimal string) value, taking the first value.
func (e Element) Float() (float64, error) {
	fs, err := e.Floats()
	if err != nil {
		return 0, err
	}
	if len(fs) == 0 {
		return 0, fmt.Errorf("element %v: empty decimal string", e.Tag)
	}
	return fs[0], nil
}

// Floats decodes all values of a multi-valued DS element.
func (e Element) Floats() ([]float64, error) {
	parts := e.Strings()
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("element %v: %w", e.Tag, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("element %v: non-finite decimal value", e.Tag)
		}
		out = append(out, f)
	}
	return out, nil
}
