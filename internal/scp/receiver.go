package scp

import (
	"io"
	"strings"
	"time"

	"pacscore/internal/dicom"
	"pacscore/internal/ingest"
	"pacscore/pkg/domain"
)

// parseDataset decodes the identifying and spatial attributes of one
// dataset stream. Pixel data is discarded here; the caller tees the raw
// bytes to the spool file, which is what gets archived.
func parseDataset(r io.Reader, syntax dicom.Syntax) (ingest.Metadata, error) {
	meta := ingest.Metadata{
		TransferSyntax: syntax.UID(),
		RescaleSlope:   1,
	}
	dr := dicom.NewReader(r, syntax)
	dr.SetBulkSink(io.Discard)
	for {
		el, err := dr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ingest.Metadata{}, domain.ProtocolError{Reason: "malformed data set", Err: err}
		}
		if err := applyElement(&meta, el); err != nil {
			return ingest.Metadata{}, err
		}
	}
	return meta, nil
}

func applyElement(meta *ingest.Metadata, el dicom.Element) error {
	var err error
	switch el.Tag {
	case dicom.TagSOPInstanceUID:
		meta.SOPInstanceUID = el.String()
	case dicom.TagStudyInstanceUID:
		meta.StudyUID = el.String()
	case dicom.TagSeriesInstanceUID:
		meta.SeriesUID = el.String()

	case dicom.TagPatientID:
		meta.PatientID = el.String()
	case dicom.TagPatientName:
		meta.PatientLastName, meta.PatientFirstName = splitPersonName(el.String())
	case dicom.TagPatientBirthDate:
		meta.PatientBirthDate = el.String()
	case dicom.TagPatientSex:
		meta.PatientSex = el.String()

	case dicom.TagAccessionNumber:
		meta.AccessionNumber = el.String()
	case dicom.TagStudyDescription:
		meta.StudyDescription = el.String()
	case dicom.TagReferringPhysician:
		meta.ReferringPhysician = el.String()
	case dicom.TagStudyDate:
		if t, perr := time.Parse("20060102", el.String()); perr == nil {
			meta.StudyDate = t
		}

	case dicom.TagSeriesNumber:
		meta.SeriesNumber, err = el.Int()
	case dicom.TagModality:
		meta.Modality = el.String()
	case dicom.TagSeriesDescription:
		meta.SeriesDescription = el.String()
	case dicom.TagSliceThickness:
		meta.SliceThickness, err = el.Float()

	case dicom.TagInstanceNumber:
		meta.InstanceNumber, err = el.Int()
	case dicom.TagRows:
		var v uint16
		if v, err = el.Uint16(); err == nil {
			meta.Rows = int(v)
		}
	case dicom.TagColumns:
		var v uint16
		if v, err = el.Uint16(); err == nil {
			meta.Columns = int(v)
		}
	case dicom.TagBitsAllocated:
		var v uint16
		if v, err = el.Uint16(); err == nil {
			meta.BitsAllocated = int(v)
		}
	case dicom.TagBitsStored:
		var v uint16
		if v, err = el.Uint16(); err == nil {
			meta.BitsStored = int(v)
		}
	case dicom.TagPixelRepresentation:
		var v uint16
		if v, err = el.Uint16(); err == nil {
			meta.PixelRepresentation = int(v)
		}
	case dicom.TagRescaleSlope:
		meta.RescaleSlope, err = el.Float()
	case dicom.TagRescaleIntercept:
		meta.RescaleIntercept, err = el.Float()
	case dicom.TagPixelSpacing:
		var v []float64
		if v, err = el.Floats(); err == nil && len(v) == 2 {
			meta.PixelSpacing = &domain.Spacing{Row: v[0], Column: v[1]}
		}
	case dicom.TagImagePositionPatient:
		var v []float64
		if v, err = el.Floats(); err == nil && len(v) == 3 {
			meta.Position = &domain.Vector3{X: v[0], Y: v[1], Z: v[2]}
		}
	case dicom.TagImageOrientationPatient:
		var v []float64
		if v, err = el.Floats(); err == nil && len(v) == 6 {
			meta.Orientation = &domain.Orient{
				Row:    domain.Vector3{X: v[0], Y: v[1], Z: v[2]},
				Column: domain.Vector3{X: v[3], Y: v[4], Z: v[5]},
			}
		}
	case dicom.TagWindowCenter:
		var v []float64
		if v, err = el.Floats(); err == nil && len(v) > 0 {
			meta.WindowCenter = v[0]
		}
	case dicom.TagWindowWidth:
		var v []float64
		if v, err = el.Floats(); err == nil && len(v) > 0 {
			meta.WindowWidth = v[0]
		}
	}
	if err != nil {
		return domain.ProtocolError{Reason: "malformed attribute " + el.Tag.String(), Err: err}
	}
	return nil
}

// splitPersonName breaks the wire form Last^First into its components.
func splitPersonName(pn string) (last, first string) {
	parts := strings.SplitN(pn, "^", 3)
	last = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		first = strings.TrimSpace(parts[1])
	}
	return last, first
}
