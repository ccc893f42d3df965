package dicom

import "fmt"

// Transfer syntax UIDs the association layer offers and accepts.
const (
	// ImplicitVRLittleEndian is the default DICOM transfer syntax.
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	// ExplicitVRLittleEndian is the preferred negotiated syntax.
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

// Syntax selects how element headers are encoded on the stream. Both
// supported syntaxes are little endian; they differ only in whether the VR
// is present in the element header.
type Syntax struct {
	uid      string
	explicit bool
}

// LookupSyntax resolves a transfer syntax UID to its codec. Unsupported
// syntaxes are reported to the caller so negotiation can refuse them.
func LookupSyntax(uid string) (Syntax, error) {
	switch uid {
	case ImplicitVRLittleEndian:
		return Syntax{uid: uid, explicit: false}, nil
	case ExplicitVRLittleEndian:
		return Syntax{uid: uid, explicit: true}, nil
	}
	return Syntax{}, fmt.Errorf("unsupported transfer syntax %q", uid)
}

// Supported reports whether the UID names a transfer syntax this module
// can parse.
func Supported(uid string) bool {
	_, err := LookupSyntax(uid)
	return err == nil
}

// UID returns the transfer syntax UID.
func (s Syntax) UID() string { return s.uid }

// Explicit reports whether element headers carry an explicit VR.
func (s Syntax) Explicit() bool { return s.explicit }
