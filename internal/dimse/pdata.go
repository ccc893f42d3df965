package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PDV message control header bits.
const (
	pdvCommand      byte = 0x01
	pdvLastFragment byte = 0x02
)

// MessageReader streams one DIMSE message (a command set or a data set)
// that may span multiple P-DATA-TF PDUs and PDV fragments. It implements
// io.Reader so large data sets are never materialized; the dataset receiver
// reads elements straight off it.
type MessageReader struct {
	conn      io.Reader
	contextID byte
	command   bool
	buf       []byte
	pending   []byte // unread remainder of the current P-DATA payload
	done      bool
	started   bool
}

// NewMessageReader begins reading the next DIMSE message from conn. The
// first PDV determines the presentation context and whether the message is
// a command; subsequent fragments must match.
func NewMessageReader(conn io.Reader) *MessageReader {
	return &MessageReader{conn: conn}
}

// NewMessageReaderWithResidual begins reading a message whose leading
// fragments already arrived inside the PDU that completed the previous
// message. The residual comes from that reader's Residual.
func NewMessageReaderWithResidual(conn io.Reader, residual []byte) *MessageReader {
	return &MessageReader{conn: conn, pending: residual}
}

// ContextID returns the presentation context the message arrived on. Valid
// after the first Read.
func (m *MessageReader) ContextID() byte { return m.contextID }

// IsCommand reports whether the message is a command set. Valid after the
// first Read.
func (m *MessageReader) IsCommand() bool { return m.command }

func (m *MessageReader) Read(p []byte) (int, error) {
	for len(m.buf) == 0 {
		if m.done {
			return 0, io.EOF
		}
		if err := m.nextFragment(); err != nil {
			return 0, err
		}
	}
	n := copy(p, m.buf)
	m.buf = m.buf[n:]
	return n, nil
}

func (m *MessageReader) nextFragment() error {
	if len(m.pending) == 0 {
		pduType, payload, err := ReadPDU(m.conn)
		if err != nil {
			return fmt.Errorf("reading p-data pdu: %w", err)
		}
		if pduType == PDUAbort {
			return fmt.Errorf("peer aborted mid-message")
		}
		if pduType != PDUDataTF {
			return fmt.Errorf("unexpected pdu type %#x inside message", pduType)
		}
		m.pending = payload
	}
	if len(m.pending) < 6 {
		return fmt.Errorf("truncated pdv header")
	}
	length := binary.BigEndian.Uint32(m.pending[0:4])
	if length < 2 || int(length) > len(m.pending)-4 {
		return fmt.Errorf("pdv length %d inconsistent with pdu payload", length)
	}
	contextID := m.pending[4]
	mch := m.pending[5]
	data := m.pending[6 : 4+length]
	m.pending = m.pending[4+length:]

	isCommand := mch&pdvCommand != 0
	if !m.started {
		m.started = true
		m.contextID = contextID
		m.command = isCommand
	} else if contextID != m.contextID || isCommand != m.command {
		return fmt.Errorf("pdv stream switched context mid-message")
	}
	if mch&pdvLastFragment != 0 {
		m.done = true
	}
	m.buf = data
	return nil
}

// ReadAll drains the message into memory. Used for command sets, which are
// small by construction.
func (m *MessageReader) ReadAll() ([]byte, error) {
	return io.ReadAll(m)
}

// Residual returns the unread remainder of the last P-DATA payload after
// the message completed. A peer may pack the next message's fragments into
// the PDU that carried this message's final PDV; the next reader must be
// seeded with these bytes or they are lost.
func (m *MessageReader) Residual() []byte { return m.pending }

// MessageWriter fragments one outbound DIMSE message into P-DATA-TF PDUs
// respecting the peer's maximum PDU length.
type MessageWriter struct {
	conn      io.Writer
	contextID byte
	command   bool
	maxPDU    uint32
}

// NewMessageWriter prepares a writer for one message on the given
// presentation context.
func NewMessageWriter(conn io.Writer, contextID byte, command bool, maxPDU uint32) *MessageWriter {
	if maxPDU == 0 {
		maxPDU = DefaultMaxPDULength
	}
	return &MessageWriter{conn: conn, contextID: contextID, command: command, maxPDU: maxPDU}
}

// WriteMessage sends the whole message, splitting into fragments as needed
// and flagging the final fragment.
func (w *MessageWriter) WriteMessage(data []byte) error {
	// room for one PDV header inside the PDU budget
	chunk := int(w.maxPDU) - 6
	if chunk < 1 {
		return fmt.Errorf("peer max pdu length %d too small", w.maxPDU)
	}
	for first := true; first || len(data) > 0; first = false {
		n := len(data)
		if n > chunk {
			n = chunk
		}
		frag := data[:n]
		data = data[n:]

		mch := byte(0)
		if w.command {
			mch |= pdvCommand
		}
		if len(data) == 0 {
			mch |= pdvLastFragment
		}
		payload := make([]byte, 0, 6+len(frag))
		payload = binary.BigEndian.AppendUint32(payload, uint32(2+len(frag)))
		payload = append(payload, w.contextID, mch)
		payload = append(payload, frag...)
		if err := WritePDU(w.conn, PDUDataTF, payload); err != nil {
			return fmt.Errorf("writing p-data pdu: %w", err)
		}
	}
	return nil
}
