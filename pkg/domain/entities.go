// Package domain defines the core persistent entities, value types, and
// error taxonomy used by pacscore.
package domain

import (
	"time"
)

// EntityType identifies the type of record stored in the core hierarchy.
type EntityType string

// Supported entity type identifiers used in persistence buckets and errors.
const (
	// EntityFacility identifies a registered tenant facility.
	EntityFacility EntityType = "facility"
	// EntityPatient identifies a patient record.
	EntityPatient EntityType = "patient"
	// EntityStudy identifies an imaging study.
	EntityStudy EntityType = "study"
	// EntitySeries identifies an acquisition series within a study.
	EntitySeries EntityType = "series"
	// EntityInstance identifies a single stored image object.
	EntityInstance EntityType = "instance"
	// EntityMeasurement identifies a calibrated measurement record.
	EntityMeasurement EntityType = "measurement"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Facility is a registered tenant. Facilities are created administratively
// and are read-only to the core; the sender identifier (AE title) presented
// during association negotiation maps to exactly one facility.
type Facility struct {
	Base
	Name     string `json:"name"`
	AETitle  string `json:"ae_title"`
	IsActive bool   `json:"is_active"`
}

// Patient is created on first reception referencing it. Identity is scoped
// to the owning facility; the core never deletes patients.
type Patient struct {
	Base
	FacilityID string `json:"facility_id"`
	PatientID  string `json:"patient_id"` // identifier issued by the sender
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	BirthDate  string `json:"birth_date,omitempty"` // DICOM DA form YYYYMMDD
	Sex        string `json:"sex,omitempty"`        // M, F or O
}

// Study groups a patient's imaging encounter. The owning facility is fixed
// at first reception; a study UID never transfers between facilities.
type Study struct {
	Base
	StudyUID           string    `json:"study_uid"`
	PatientRef         string    `json:"patient_ref"` // Patient.ID
	FacilityID         string    `json:"facility_id"`
	AccessionNumber    string    `json:"accession_number,omitempty"`
	Description        string    `json:"description,omitempty"`
	ReferringPhysician string    `json:"referring_physician,omitempty"`
	StudyDate          time.Time `json:"study_date"`
}

// Series is an acquisition run within a study. Series UIDs are unique
// within their study.
type Series struct {
	Base
	SeriesUID      string  `json:"series_uid"`
	StudyRef       string  `json:"study_ref"` // Study.ID
	Number         int     `json:"number"`
	Modality       string  `json:"modality"`
	Description    string  `json:"description,omitempty"`
	SliceThickness float64 `json:"slice_thickness,omitempty"`
}

// Instance is one stored image object. Once committed its stored bytes and
// identifying metadata never change.
type Instance struct {
	Base
	SOPInstanceUID string `json:"sop_instance_uid"`
	SeriesRef      string `json:"series_ref"` // Series.ID
	Number         int    `json:"number"`
	StorageKey     string `json:"storage_key"` // archive key {facility}/{study}/{series}/{sop}
	SizeBytes      int64  `json:"size_bytes"`
	TransferSyntax string `json:"transfer_syntax"`

	// Spatial and acquisition metadata used by rendering, measurement and
	// volume assembly. Zero values mean the attribute was absent.
	Rows                int      `json:"rows"`
	Columns             int      `json:"columns"`
	BitsAllocated       int      `json:"bits_allocated"`
	BitsStored          int      `json:"bits_stored"`
	PixelRepresentation int      `json:"pixel_representation"` // 0 unsigned, 1 two's complement
	RescaleSlope        float64  `json:"rescale_slope"`
	RescaleIntercept    float64  `json:"rescale_intercept"`
	PixelSpacing        *Spacing `json:"pixel_spacing,omitempty"`
	Position            *Vector3 `json:"position,omitempty"`
	Orientation         *Orient  `json:"orientation,omitempty"`
	WindowCenter        float64  `json:"window_center,omitempty"`
	WindowWidth         float64  `json:"window_width,omitempty"`
}

// Spacing holds physical pixel spacing in millimeters.
type Spacing struct {
	Row    float64 `json:"row"`    // mm between row centers (vertical)
	Column float64 `json:"column"` // mm between column centers (horizontal)
}

// Vector3 is a point or direction in the patient coordinate system (mm).
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Dot returns the scalar product of the two vectors.
func (v Vector3) Dot(o Vector3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

// Cross returns the vector product of the two vectors.
func (v Vector3) Cross(o Vector3) Vector3 {
	return Vector3{
		X: v.Y*o.Z - v.Z*o.Y,
		Y: v.Z*o.X - v.X*o.Z,
		Z: v.X*o.Y - v.Y*o.X,
	}
}

// Orient holds the direction cosines of the first row and first column of
// the image with respect to the patient (DICOM ImageOrientationPatient).
type Orient struct {
	Row    Vector3 `json:"row"`
	Column Vector3 `json:"column"`
}

// Normal returns the slice normal (row x column).
func (o Orient) Normal() Vector3 {
	return o.Row.Cross(o.Column)
}

// MeasurementKind enumerates supported geometric measurement types.
type MeasurementKind string

// Measurement kinds computable from an ordered 2D point list.
const (
	MeasureLength   MeasurementKind = "length"
	MeasurePolyline MeasurementKind = "polyline"
	MeasureArea     MeasurementKind = "area"
	MeasureAngle    MeasurementKind = "angle"
)

// Point2 is a pixel-space coordinate; X is the column axis, Y the row axis.
type Point2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Measurement is an immutable record of a calibrated (or explicitly
// uncalibrated) geometric measurement against one instance. The exact
// coordinate list and the spacing in effect at creation time are retained
// for reproducibility.
type Measurement struct {
	Base
	InstanceRef string          `json:"instance_ref"` // Instance.ID
	Author      string          `json:"author"`
	Kind        MeasurementKind `json:"kind"`
	Points      []Point2        `json:"points"`
	Value       float64         `json:"value"`
	Unit        string          `json:"unit"` // mm, mm2, deg or px, px2
	Calibrated  bool            `json:"calibrated"`
	Spacing     *Spacing        `json:"spacing,omitempty"` // spacing used, if calibrated
}
