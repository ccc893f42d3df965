package dimse

import (
	"bytes"
	"fmt"
	"io"

	"pacscore/internal/dicom"
)

// Command field values.
const (
	CStoreRQ  uint16 = 0x0001
	CStoreRSP uint16 = 0x8001
	CEchoRQ   uint16 = 0x0030
	CEchoRSP  uint16 = 0x8030
)

// DataSetType values. Any value other than NoDataSet announces a data set;
// DataSetPresent is the conventional choice when one follows.
const (
	NoDataSet      uint16 = 0x0101
	DataSetPresent uint16 = 0x0001
)

// Per-object status codes returned in C-STORE responses. The original
// service distinguishes success, resource exhaustion, and streams the
// receiver cannot understand; validation failures map to the dataset
// mismatch code.
const (
	StatusSuccess          uint16 = 0x0000
	StatusOutOfResources   uint16 = 0xA700
	StatusDatasetMismatch  uint16 = 0xA900
	StatusCannotUnderstand uint16 = 0xC000
)

// Command is a decoded DIMSE command set. Command sets are always encoded
// with the implicit VR little endian syntax regardless of the negotiated
// data set syntax.
type Command struct {
	Field                  uint16
	MessageID              uint16
	RespondedTo            uint16
	AffectedSOPClassUID    string
	AffectedSOPInstanceUID string
	DataSetType            uint16
	Status                 uint16
}

// HasDataSet reports whether a data set follows this command message.
func (c Command) HasDataSet() bool { return c.DataSetType != NoDataSet }

// implicitSyntax is fixed for command sets.
func implicitSyntax() dicom.Syntax {
	s, err := dicom.LookupSyntax(dicom.ImplicitVRLittleEndian)
	if err != nil {
		panic(err) // static UID, cannot fail
	}
	return s
}

// DecodeCommand parses a command set from its raw bytes.
func DecodeCommand(raw []byte) (Command, error) {
	r := dicom.NewReader(bytes.NewReader(raw), implicitSyntax())
	var cmd Command
	for {
		el, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Command{}, fmt.Errorf("decoding command set: %w", err)
		}
		switch el.Tag {
		case dicom.TagCommandGroupLength:
			// length is informational; framing already bounds the read
		case dicom.TagCommandField:
			cmd.Field, err = el.Uint16()
		case dicom.TagMessageID:
			cmd.MessageID, err = el.Uint16()
		case dicom.TagMessageIDRespondedTo:
			cmd.RespondedTo, err = el.Uint16()
		case dicom.TagAffectedSOPClassUID:
			cmd.AffectedSOPClassUID = el.String()
		case dicom.TagAffectedSOPInstanceUID:
			cmd.AffectedSOPInstanceUID = el.String()
		case dicom.TagCommandDataSetType:
			cmd.DataSetType, err = el.Uint16()
		case dicom.TagStatus:
			cmd.Status, err = el.Uint16()
		}
		if err != nil {
			return Command{}, fmt.Errorf("decoding command element %v: %w", el.Tag, err)
		}
	}
	if cmd.Field == 0 {
		return Command{}, fmt.Errorf("command set has no command field")
	}
	return cmd, nil
}

// Encode serializes the command set, prefixed by its group length element.
func (c Command) Encode() ([]byte, error) {
	body := &bytes.Buffer{}
	w := dicom.NewWriter(body, implicitSyntax())
	if c.AffectedSOPClassUID != "" {
		if err := w.String(dicom.TagAffectedSOPClassUID, c.AffectedSOPClassUID); err != nil {
			return nil, err
		}
	}
	if err := w.Uint16(dicom.TagCommandField, c.Field); err != nil {
		return nil, err
	}
	if c.MessageID != 0 {
		if err := w.Uint16(dicom.TagMessageID, c.MessageID); err != nil {
			return nil, err
		}
	}
	if c.RespondedTo != 0 {
		if err := w.Uint16(dicom.TagMessageIDRespondedTo, c.RespondedTo); err != nil {
			return nil, err
		}
	}
	dsType := c.DataSetType
	if dsType == 0 {
		dsType = NoDataSet
	}
	if err := w.Uint16(dicom.TagCommandDataSetType, dsType); err != nil {
		return nil, err
	}
	if c.Field == CStoreRSP || c.Field == CEchoRSP {
		if err := w.Uint16(dicom.TagStatus, c.Status); err != nil {
			return nil, err
		}
	}
	if c.AffectedSOPInstanceUID != "" {
		if err := w.String(dicom.TagAffectedSOPInstanceUID, c.AffectedSOPInstanceUID); err != nil {
			return nil, err
		}
	}

	out := &bytes.Buffer{}
	gw := dicom.NewWriter(out, implicitSyntax())
	if err := gw.Uint32(dicom.TagCommandGroupLength, uint32(body.Len())); err != nil {
		return nil, err
	}
	if _, err := body.WriteTo(out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
