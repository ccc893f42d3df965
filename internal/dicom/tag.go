// Package dicom implements the tag-length-value element layer shared by the
// wire protocol, the stored object format, and the pixel decoder. It covers
// the implicit and explicit VR little endian transfer syntaxes, which are
// the encodings the association layer negotiates.
package dicom

import "fmt"

// Tag packs a DICOM (group, element) pair into one comparable value, group
// in the high 16 bits.
type Tag uint32

// NewTag builds a Tag from its group and element numbers.
func NewTag(group, element uint16) Tag {
	return Tag(uint32(group)<<16 | uint32(element))
}

// Group returns the group number of the tag.
func (t Tag) Group() uint16 { return uint16(t >> 16) }

// Element returns the element number of the tag.
func (t Tag) Element() uint16 { return uint16(t & 0xFFFF) }

// String renders the tag in the conventional (GGGG,EEEE) form.
func (t Tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", t.Group(), t.Element())
}

// Command set tags (group 0000, always implicit VR little endian).
const (
	TagCommandGroupLength     Tag = 0x0000_0000
	TagAffectedSOPClassUID    Tag = 0x0000_0002
	TagCommandField           Tag = 0x0000_0100
	TagMessageID              Tag = 0x0000_0110
	TagMessageIDRespondedTo   Tag = 0x0000_0120
	TagCommandDataSetType     Tag = 0x0000_0800
	TagStatus                 Tag = 0x0000_0900
	TagAffectedSOPInstanceUID Tag = 0x0000_1000
)

// Data set tags consumed by the receiver and the query pipeline.
const (
	TagSpecificCharacterSet    Tag = 0x0008_0005
	TagSOPClassUID             Tag = 0x0008_0016
	TagSOPInstanceUID          Tag = 0x0008_0018
	TagStudyDate               Tag = 0x0008_0020
	TagStudyTime               Tag = 0x0008_0030
	TagAccessionNumber         Tag = 0x0008_0050
	TagModality                Tag = 0x0008_0060
	TagReferringPhysician      Tag = 0x0008_0090
	TagStudyDescription        Tag = 0x0008_1030
	TagSeriesDescription       Tag = 0x0008_103E
	TagPatientName             Tag = 0x0010_0010
	TagPatientID               Tag = 0x0010_0020
	TagPatientBirthDate        Tag = 0x0010_0030
	TagPatientSex              Tag = 0x0010_0040
	TagSliceThickness          Tag = 0x0018_0050
	TagSpacingBetweenSlices    Tag = 0x0018_0088
	TagStudyInstanceUID        Tag = 0x0020_000D
	TagSeriesInstanceUID       Tag = 0x0020_000E
	TagSeriesNumber            Tag = 0x0020_0011
	TagInstanceNumber          Tag = 0x0020_0013
	TagImagePositionPatient    Tag = 0x0020_0032
	TagImageOrientationPatient Tag = 0x0020_0037
	TagSamplesPerPixel         Tag = 0x0028_0002
	TagRows                    Tag = 0x0028_0010
	TagColumns                 Tag = 0x0028_0011
	TagPixelSpacing            Tag = 0x0028_0030
	TagBitsAllocated           Tag = 0x0028_0100
	TagBitsStored              Tag = 0x0028_0101
	TagPixelRepresentation     Tag = 0x0028_0103
	TagWindowCenter            Tag = 0x0028_1050
	TagWindowWidth             Tag = 0x0028_1051
	TagRescaleIntercept        Tag = 0x0028_1052
	TagRescaleSlope            Tag = 0x0028_1053
	TagPixelData               Tag = 0x7FE0_0010
)

// dictionary maps the tags this module reads or writes to their VR under
// the implicit syntax. Unknown tags default to UN.
var dictionary = map[Tag]VR{
	TagCommandGroupLength:     VRUL,
	TagAffectedSOPClassUID:    VRUI,
	TagCommandField:           VRUS,
	TagMessageID:              VRUS,
	TagMessageIDRespondedTo:   VRUS,
	TagCommandDataSetType:     VRUS,
	TagStatus:                 VRUS,
	TagAffectedSOPInstanceUID: VRUI,

	TagSpecificCharacterSet:    VRCS,
	TagSOPClassUID:             VRUI,
	TagSOPInstanceUID:          VRUI,
	TagStudyDate:               VRDA,
	TagStudyTime:               VRTM,
	TagAccessionNumber:         VRSH,
	TagModality:                VRCS,
	TagReferringPhysician:      VRPN,
	TagStudyDescription:        VRLO,
	TagSeriesDescription:       VRLO,
	TagPatientName:             VRPN,
	TagPatientID:               VRLO,
	TagPatientBirthDate:        VRDA,
	TagPatientSex:              VRCS,
	TagSliceThickness:          VRDS,
	TagSpacingBetweenSlices:    VRDS,
	TagStudyInstanceUID:        VRUI,
	TagSeriesInstanceUID:       VRUI,
	TagSeriesNumber:            VRIS,
	TagInstanceNumber:          VRIS,
	TagImagePositionPatient:    VRDS,
	TagImageOrientationPatient: VRDS,
	TagSamplesPerPixel:         VRUS,
	TagRows:                    VRUS,
	TagColumns:                 VRUS,
	TagPixelSpacing:            VRDS,
	TagBitsAllocated:           VRUS,
	TagBitsStored:              VRUS,
	TagPixelRepresentation:     VRUS,
	TagWindowCenter:            VRDS,
	TagWindowWidth:             VRDS,
	TagRescaleIntercept:        VRDS,
	TagRescaleSlope:            VRDS,
	TagPixelData:               VROW,
}

// DictionaryVR returns the VR registered for the tag, defaulting to UN for
// tags outside the module's dictionary.
func (t Tag) DictionaryVR() VR {
	if vr, ok := dictionary[t]; ok {
		return vr
	}
	return VRUN
}
