// Package dimse implements the upper-layer protocol the association
// listener speaks: PDU framing, association negotiation structures, and the
// C-STORE / C-ECHO command sets carried over P-DATA-TF.
package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PDU type codes.
const (
	PDUAssociateRQ byte = 0x01
	PDUAssociateAC byte = 0x02
	PDUAssociateRJ byte = 0x03
	PDUDataTF      byte = 0x04
	PDUReleaseRQ   byte = 0x05
	PDUReleaseRP   byte = 0x06
	PDUAbort       byte = 0x07
)

// Item type codes inside associate PDUs.
const (
	itemApplicationContext   byte = 0x10
	itemPresentationCtxRQ    byte = 0x20
	itemPresentationCtxAC    byte = 0x21
	itemAbstractSyntax       byte = 0x30
	itemTransferSyntax       byte = 0x40
	itemUserInformation      byte = 0x50
	subItemMaximumPDULength  byte = 0x51
)

// Association reject reasons (service-user source).
const (
	RejectResultPermanent byte = 1
	RejectResultTransient byte = 2

	RejectSourceServiceUser byte = 1

	RejectReasonNoReasonGiven          byte = 1
	RejectReasonApplicationContext     byte = 2
	RejectReasonCallingAENotRecognized byte = 3
	RejectReasonCalledAENotRecognized  byte = 7
)

// Presentation context negotiation results.
const (
	PresentationAccepted              byte = 0
	PresentationRejectedTransferStack byte = 4
)

// Abort sources.
const (
	AbortSourceServiceUser     byte = 0
	AbortSourceServiceProvider byte = 2
)

// DefaultApplicationContext is the DICOM application context name.
const DefaultApplicationContext = "1.2.840.10008.3.1.1.1"

// DefaultMaxPDULength bounds the payload of a single PDU in either
// direction when the peer does not declare its own maximum.
const DefaultMaxPDULength = 64 * 1024

// maxAcceptedPDU caps what we are willing to buffer for one inbound PDU.
const maxAcceptedPDU = 1 << 20

// ReadPDU reads one framed PDU and returns its type and payload.
func ReadPDU(r io.Reader) (byte, []byte, error) {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[2:])
	if length > maxAcceptedPDU {
		return 0, nil, fmt.Errorf("pdu length %d exceeds limit", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("reading pdu payload: %w", err)
	}
	return header[0], payload, nil
}

// WritePDU frames and writes one PDU.
func WritePDU(w io.Writer, pduType byte, payload []byte) error {
	var header [6]byte
	header[0] = pduType
	binary.BigEndian.PutUint32(header[2:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

// PresentationContextRQ is one proposed presentation context.
type PresentationContextRQ struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// AssociateRQ is the decoded A-ASSOCIATE-RQ payload.
type AssociateRQ struct {
	CalledAETitle        string
	CallingAETitle       string
	ApplicationContext   string
	PresentationContexts []PresentationContextRQ
	MaxPDULength         uint32
}

// PresentationContextAC is the negotiation outcome for one context.
type PresentationContextAC struct {
	ID             byte
	Result         byte
	TransferSyntax string
}

// AssociateAC is the A-ASSOCIATE-AC payload.
type AssociateAC struct {
	CalledAETitle      string
	CallingAETitle     string
	ApplicationContext string
	Results            []PresentationContextAC
	MaxPDULength       uint32
}

// AssociateRJ is the A-ASSOCIATE-RJ payload.
type AssociateRJ struct {
	Result byte
	Source byte
	Reason byte
}

// Abort is the A-ABORT payload.
type Abort struct {
	Source byte
	Reason byte
}

func padAETitle(t string) [16]byte {
	var out [16]byte
	copy(out[:], t)
	for i := len(t); i < 16; i++ {
		out[i] = ' '
	}
	return out
}

func trimAETitle(b []byte) string {
	return strings.TrimSpace(string(b))
}

// DecodeAssociateRQ parses an A-ASSOCIATE-RQ payload.
func DecodeAssociateRQ(payload []byte) (AssociateRQ, error) {
	// protocol version(2) + reserved(2) + called(16) + calling(16) + reserved(32)
	const fixed = 2 + 2 + 16 + 16 + 32
	if len(payload) < fixed {
		return AssociateRQ{}, fmt.Errorf("associate-rq payload too short: %d bytes", len(payload))
	}
	version := binary.BigEndian.Uint16(payload[0:2])
	if version&0x0001 == 0 {
		return AssociateRQ{}, fmt.Errorf("unsupported protocol version %#x", version)
	}
	rq := AssociateRQ{
		CalledAETitle:  trimAETitle(payload[4:20]),
		CallingAETitle: trimAETitle(payload[20:36]),
		MaxPDULength:   DefaultMaxPDULength,
	}
	items := payload[fixed:]
	for len(items) > 0 {
		itemType, body, rest, err := readItem(items)
		if err != nil {
			return AssociateRQ{}, err
		}
		items = rest
		switch itemType {
		case itemApplicationContext:
			rq.ApplicationContext = string(body)
		case itemPresentationCtxRQ:
			pc, err := decodePresentationCtxRQ(body)
			if err != nil {
				return AssociateRQ{}, err
			}
			rq.PresentationContexts = append(rq.PresentationContexts, pc)
		case itemUserInformation:
			if max, ok := decodeMaxPDULength(body); ok {
				rq.MaxPDULength = max
			}
		default:
			// unknown items are skipped, not fatal
		}
	}
	if len(rq.PresentationContexts) == 0 {
		return AssociateRQ{}, fmt.Errorf("associate-rq offers no presentation contexts")
	}
	return rq, nil
}

func readItem(b []byte) (itemType byte, body, rest []byte, err error) {
	if len(b) < 4 {
		return 0, nil, nil, fmt.Errorf("truncated item header")
	}
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if len(b) < 4+length {
		return 0, nil, nil, fmt.Errorf("item length %d exceeds remaining %d bytes", length, len(b)-4)
	}
	return b[0], b[4 : 4+length], b[4+length:], nil
}

func decodePresentationCtxRQ(body []byte) (PresentationContextRQ, error) {
	if len(body) < 4 {
		return PresentationContextRQ{}, fmt.Errorf("truncated presentation context")
	}
	pc := PresentationContextRQ{ID: body[0]}
	if pc.ID%2 == 0 {
		return PresentationContextRQ{}, fmt.Errorf("presentation context id %d must be odd", pc.ID)
	}
	items := body[4:]
	for len(items) > 0 {
		itemType, sub, rest, err := readItem(items)
		if err != nil {
			return PresentationContextRQ{}, err
		}
		items = rest
		switch itemType {
		case itemAbstractSyntax:
			pc.AbstractSyntax = string(sub)
		case itemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, string(sub))
		}
	}
	if pc.AbstractSyntax == "" || len(pc.TransferSyntaxes) == 0 {
		return PresentationContextRQ{}, fmt.Errorf("presentation context %d missing syntaxes", pc.ID)
	}
	return pc, nil
}

func decodeMaxPDULength(body []byte) (uint32, bool) {
	for len(body) > 0 {
		itemType, sub, rest, err := readItem(body)
		if err != nil {
			return 0, false
		}
		body = rest
		if itemType == subItemMaximumPDULength && len(sub) == 4 {
			return binary.BigEndian.Uint32(sub), true
		}
	}
	return 0, false
}

func appendItem(dst []byte, itemType byte, body []byte) []byte {
	dst = append(dst, itemType, 0)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(body)))
	return append(dst, body...)
}

// Encode serializes the request for transmission (used by test clients and
// store senders).
func (rq AssociateRQ) Encode() []byte {
	out := make([]byte, 0, 256)
	out = binary.BigEndian.AppendUint16(out, 0x0001) // protocol version
	out = append(out, 0, 0)
	called := padAETitle(rq.CalledAETitle)
	calling := padAETitle(rq.CallingAETitle)
	out = append(out, called[:]...)
	out = append(out, calling[:]...)
	out = append(out, make([]byte, 32)...)

	appCtx := rq.ApplicationContext
	if appCtx == "" {
		appCtx = DefaultApplicationContext
	}
	out = appendItem(out, itemApplicationContext, []byte(appCtx))
	for _, pc := range rq.PresentationContexts {
		body := []byte{pc.ID, 0, 0, 0}
		body = appendItem(body, itemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			body = appendItem(body, itemTransferSyntax, []byte(ts))
		}
		out = appendItem(out, itemPresentationCtxRQ, body)
	}
	max := rq.MaxPDULength
	if max == 0 {
		max = DefaultMaxPDULength
	}
	user := appendItem(nil, subItemMaximumPDULength, binary.BigEndian.AppendUint32(nil, max))
	out = appendItem(out, itemUserInformation, user)
	return out
}

// Encode serializes the accept payload.
func (ac AssociateAC) Encode() []byte {
	out := make([]byte, 0, 256)
	out = binary.BigEndian.AppendUint16(out, 0x0001)
	out = append(out, 0, 0)
	called := padAETitle(ac.CalledAETitle)
	calling := padAETitle(ac.CallingAETitle)
	out = append(out, called[:]...)
	out = append(out, calling[:]...)
	out = append(out, make([]byte, 32)...)

	appCtx := ac.ApplicationContext
	if appCtx == "" {
		appCtx = DefaultApplicationContext
	}
	out = appendItem(out, itemApplicationContext, []byte(appCtx))
	for _, res := range ac.Results {
		body := []byte{res.ID, 0, res.Result, 0}
		body = appendItem(body, itemTransferSyntax, []byte(res.TransferSyntax))
		out = appendItem(out, itemPresentationCtxAC, body)
	}
	max := ac.MaxPDULength
	if max == 0 {
		max = DefaultMaxPDULength
	}
	user := appendItem(nil, subItemMaximumPDULength, binary.BigEndian.AppendUint32(nil, max))
	out = appendItem(out, itemUserInformation, user)
	return out
}

// DecodeAssociateAC parses an A-ASSOCIATE-AC payload.
func DecodeAssociateAC(payload []byte) (AssociateAC, error) {
	const fixed = 2 + 2 + 16 + 16 + 32
	if len(payload) < fixed {
		return AssociateAC{}, fmt.Errorf("associate-ac payload too short: %d bytes", len(payload))
	}
	ac := AssociateAC{
		CalledAETitle:  trimAETitle(payload[4:20]),
		CallingAETitle: trimAETitle(payload[20:36]),
		MaxPDULength:   DefaultMaxPDULength,
	}
	items := payload[fixed:]
	for len(items) > 0 {
		itemType, body, rest, err := readItem(items)
		if err != nil {
			return AssociateAC{}, err
		}
		items = rest
		switch itemType {
		case itemApplicationContext:
			ac.ApplicationContext = string(body)
		case itemPresentationCtxAC:
			if len(body) < 4 {
				return AssociateAC{}, fmt.Errorf("truncated presentation context result")
			}
			res := PresentationContextAC{ID: body[0], Result: body[2]}
			sub := body[4:]
			for len(sub) > 0 {
				subType, subBody, subRest, err := readItem(sub)
				if err != nil {
					return AssociateAC{}, err
				}
				sub = subRest
				if subType == itemTransferSyntax {
					res.TransferSyntax = string(subBody)
				}
			}
			ac.Results = append(ac.Results, res)
		case itemUserInformation:
			if max, ok := decodeMaxPDULength(body); ok {
				ac.MaxPDULength = max
			}
		}
	}
	return ac, nil
}

// Encode serializes the reject payload.
func (rj AssociateRJ) Encode() []byte {
	return []byte{0, rj.Result, rj.Source, rj.Reason}
}

// DecodeAssociateRJ parses an A-ASSOCIATE-RJ payload.
func DecodeAssociateRJ(payload []byte) (AssociateRJ, error) {
	if len(payload) < 4 {
		return AssociateRJ{}, fmt.Errorf("associate-rj payload too short")
	}
	return AssociateRJ{Result: payload[1], Source: payload[2], Reason: payload[3]}, nil
}

// Encode serializes the abort payload.
func (a Abort) Encode() []byte {
	return []byte{0, 0, a.Source, a.Reason}
}

// DecodeAbort parses an A-ABORT payload.
func DecodeAbort(payload []byte) (Abort, error) {
	if len(payload) < 4 {
		return Abort{}, fmt.Errorf("abort payload too short")
	}
	return Abort{Source: payload[2], Reason: payload[3]}, nil
}

// ReleasePayload is the fixed body of A-RELEASE-RQ and A-RELEASE-RP.
func ReleasePayload() []byte { return make([]byte, 4) }
