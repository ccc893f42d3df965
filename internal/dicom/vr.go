package dicom

// VR is a two-letter DICOM value representation code.
type VR string

// Value representations used by this module.
const (
	VRAE VR = "AE"
	VRCS VR = "CS"
	VRDA VR = "DA"
	VRDS VR = "DS"
	VRIS VR = "IS"
	VRLO VR = "LO"
	VROB VR = "OB"
	VROW VR = "OW"
	VRPN VR = "PN"
	VRSH VR = "SH"
	VRSQ VR = "SQ"
	VRTM VR = "TM"
	VRUI VR = "UI"
	VRUL VR = "UL"
	VRUN VR = "UN"
	VRUS VR = "US"
	VRUT VR = "UT"
)

// longHeader reports whether the VR uses the 12-byte explicit header form
// (2-byte VR, 2 reserved bytes, 4-byte length) instead of the short 8-byte
// form with a 2-byte length.
func (v VR) longHeader() bool {
	switch v {
	case VROB, VROW, VRSQ, VRUN, VRUT:
		return true
	}
	return false
}

// binary reports whether values of this VR carry fixed-width binary numbers
// rather than padded text.
func (v VR) binary() bool {
	switch v {
	case VRUS, VRUL, VROB, VROW:
		return true
	}
	return false
}
