package scp

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"pacscore/internal/blob"
	"pacscore/internal/dicom"
	"pacscore/internal/dimse"
	"pacscore/internal/ingest"
	"pacscore/internal/store"
	"pacscore/pkg/domain"
)

const ctSOPClass = "1.2.840.10008.5.1.4.1.1.2"

type testEnv struct {
	listener *Listener
	meta     *store.Memory
	archive  *blob.Memory
	addr     string
}

func startListener(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	meta := store.NewMemory()
	archive := blob.NewMemory()
	if _, err := meta.PutFacility(context.Background(), domain.Facility{
		Name: "City General", AETitle: "CITY_GENERAL", IsActive: true,
	}); err != nil {
		t.Fatalf("seed facility: %v", err)
	}
	spool, err := ingest.NewSpool(t.TempDir())
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	pool := ingest.NewPool(ingest.NewRouter(meta, archive, nil), 2, 8, nil)
	pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})

	cfg.Addr = "127.0.0.1:0"
	l := NewListener(cfg, store.NewDirectory(meta), pool, spool, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = l.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for l.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatalf("listener did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return &testEnv{listener: l, meta: meta, archive: archive, addr: l.Addr().String()}
}

type sender struct {
	t      *testing.T
	conn   net.Conn
	ctxID  byte
	maxPDU uint32
	msgID  uint16
}

// associate dials and negotiates; it returns the reply PDU type and, on
// acceptance, a usable sender.
func associate(t *testing.T, addr, callingAE string) (byte, *sender) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	rq := dimse.AssociateRQ{
		CalledAETitle:  "PACSCORE",
		CallingAETitle: callingAE,
		PresentationContexts: []dimse.PresentationContextRQ{{
			ID:               1,
			AbstractSyntax:   ctSOPClass,
			TransferSyntaxes: []string{dicom.ExplicitVRLittleEndian},
		}},
	}
	if err := dimse.WritePDU(conn, dimse.PDUAssociateRQ, rq.Encode()); err != nil {
		t.Fatalf("write associate-rq: %v", err)
	}
	pduType, payload, err := dimse.ReadPDU(conn)
	if err != nil {
		t.Fatalf("read associate reply: %v", err)
	}
	if pduType != dimse.PDUAssociateAC {
		_ = conn.Close()
		return pduType, nil
	}
	ac, err := dimse.DecodeAssociateAC(payload)
	if err != nil {
		t.Fatalf("decode associate-ac: %v", err)
	}
	if len(ac.Results) != 1 || ac.Results[0].Result != dimse.PresentationAccepted {
		t.Fatalf("presentation context not accepted: %+v", ac.Results)
	}
	return pduType, &sender{t: t, conn: conn, ctxID: 1, maxPDU: ac.MaxPDULength}
}

func (s *sender) store(sopUID string, dataset []byte) uint16 {
	s.t.Helper()
	s.msgID++
	cmd := dimse.Command{
		Field:                  dimse.CStoreRQ,
		MessageID:              s.msgID,
		AffectedSOPClassUID:    ctSOPClass,
		AffectedSOPInstanceUID: sopUID,
		DataSetType:            dimse.DataSetPresent,
	}
	raw, err := cmd.Encode()
	if err != nil {
		s.t.Fatalf("encode command: %v", err)
	}
	if err := dimse.NewMessageWriter(s.conn, s.ctxID, true, s.maxPDU).WriteMessage(raw); err != nil {
		s.t.Fatalf("write command: %v", err)
	}
	if err := dimse.NewMessageWriter(s.conn, s.ctxID, false, s.maxPDU).WriteMessage(dataset); err != nil {
		s.t.Fatalf("write dataset: %v", err)
	}
	return s.readStatus()
}

func (s *sender) echo() uint16 {
	s.t.Helper()
	s.msgID++
	cmd := dimse.Command{
		Field:               dimse.CEchoRQ,
		MessageID:           s.msgID,
		AffectedSOPClassUID: "1.2.840.10008.1.1",
		DataSetType:         dimse.NoDataSet,
	}
	raw, err := cmd.Encode()
	if err != nil {
		s.t.Fatalf("encode echo: %v", err)
	}
	if err := dimse.NewMessageWriter(s.conn, s.ctxID, true, s.maxPDU).WriteMessage(raw); err != nil {
		s.t.Fatalf("write echo: %v", err)
	}
	return s.readStatus()
}

func (s *sender) readStatus() uint16 {
	s.t.Helper()
	mr := dimse.NewMessageReader(s.conn)
	raw, err := mr.ReadAll()
	if err != nil {
		s.t.Fatalf("read response: %v", err)
	}
	rsp, err := dimse.DecodeCommand(raw)
	if err != nil {
		s.t.Fatalf("decode response: %v", err)
	}
	return rsp.Status
}

func (s *sender) release() {
	s.t.Helper()
	if err := dimse.WritePDU(s.conn, dimse.PDUReleaseRQ, dimse.ReleasePayload()); err != nil {
		s.t.Fatalf("write release: %v", err)
	}
	pduType, _, err := dimse.ReadPDU(s.conn)
	if err != nil || pduType != dimse.PDUReleaseRP {
		s.t.Fatalf("release reply type %#x err %v", pduType, err)
	}
	_ = s.conn.Close()
}

// buildDataset produces a small explicit VR little endian CT slice.
func buildDataset(t *testing.T, sopUID string, pos [3]float64) []byte {
	t.Helper()
	syntax, err := dicom.LookupSyntax(dicom.ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("syntax: %v", err)
	}
	buf := &bytes.Buffer{}
	w := dicom.NewWriter(buf, syntax)
	pixels := make([]byte, 16*16)
	steps := []error{
		w.String(dicom.TagSOPClassUID, ctSOPClass),
		w.String(dicom.TagSOPInstanceUID, sopUID),
		w.String(dicom.TagModality, "CT"),
		w.String(dicom.TagPatientName, "Doe^Jane"),
		w.String(dicom.TagPatientID, "PAT-42"),
		w.String(dicom.TagStudyInstanceUID, "1.2.840.900.1"),
		w.String(dicom.TagSeriesInstanceUID, "1.2.840.900.1.1"),
		w.Floats(dicom.TagImagePositionPatient, pos[0], pos[1], pos[2]),
		w.Floats(dicom.TagImageOrientationPatient, 1, 0, 0, 0, 1, 0),
		w.Uint16(dicom.TagRows, 16),
		w.Uint16(dicom.TagColumns, 16),
		w.Floats(dicom.TagPixelSpacing, 1, 1),
		w.Uint16(dicom.TagBitsAllocated, 8),
		w.Uint16(dicom.TagBitsStored, 8),
		w.Uint16(dicom.TagPixelRepresentation, 0),
		w.PixelData(bytes.NewReader(pixels), uint32(len(pixels))),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("write element %d: %v", i, err)
		}
	}
	return buf.Bytes()
}

func TestStoreCommitsInstanceAndDuplicateIsSuccess(t *testing.T) {
	env := startListener(t, Config{})
	pduType, s := associate(t, env.addr, "CITY_GENERAL")
	if pduType != dimse.PDUAssociateAC {
		t.Fatalf("associate reply %#x", pduType)
	}
	dataset := buildDataset(t, "1.2.840.900.1.1.1", [3]float64{0, 0, 0})
	if status := s.store("1.2.840.900.1.1.1", dataset); status != dimse.StatusSuccess {
		t.Fatalf("first store status %#x", status)
	}
	if status := s.store("1.2.840.900.1.1.1", dataset); status != dimse.StatusSuccess {
		t.Fatalf("duplicate store status %#x", status)
	}
	s.release()

	ctx := context.Background()
	inst, err := env.meta.InstanceBySOPUID(ctx, "1.2.840.900.1.1.1")
	if err != nil {
		t.Fatalf("instance: %v", err)
	}
	if inst.Rows != 16 || inst.Columns != 16 || inst.PixelSpacing == nil {
		t.Fatalf("instance metadata incomplete: %+v", inst)
	}
	infos, err := env.archive.List(ctx, "")
	if err != nil || len(infos) != 1 {
		t.Fatalf("archive objects = %d err=%v", len(infos), err)
	}
	if infos[0].Size != int64(len(dataset)) {
		t.Fatalf("archived %d bytes, sent %d", infos[0].Size, len(dataset))
	}
}

func TestUnknownCallingAERejectedBeforeAnyObject(t *testing.T) {
	env := startListener(t, Config{})
	pduType, s := associate(t, env.addr, "INTRUDER")
	if pduType != dimse.PDUAssociateRJ {
		t.Fatalf("associate reply %#x, want reject", pduType)
	}
	if s != nil {
		t.Fatalf("sender returned for rejected association")
	}
	if infos, _ := env.archive.List(context.Background(), ""); len(infos) != 0 {
		t.Fatalf("records created for rejected sender")
	}
}

func TestEchoResponds(t *testing.T) {
	env := startListener(t, Config{})
	_, s := associate(t, env.addr, "CITY_GENERAL")
	if s == nil {
		t.Fatalf("associate failed")
	}
	if status := s.echo(); status != dimse.StatusSuccess {
		t.Fatalf("echo status %#x", status)
	}
	s.release()
}

func TestMalformedObjectDoesNotPoisonAssociation(t *testing.T) {
	env := startListener(t, Config{})
	_, s := associate(t, env.addr, "CITY_GENERAL")
	if s == nil {
		t.Fatalf("associate failed")
	}
	garbage := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03, 0x04}
	if status := s.store("1.2.3.4", garbage); status == dimse.StatusSuccess {
		t.Fatalf("garbage dataset accepted")
	}
	if _, err := env.meta.InstanceBySOPUID(context.Background(), "1.2.3.4"); !domain.IsNotFound(err) {
		t.Fatalf("malformed object became visible: %v", err)
	}
	good := buildDataset(t, "1.2.840.900.1.1.2", [3]float64{0, 0, 2})
	if status := s.store("1.2.840.900.1.1.2", good); status != dimse.StatusSuccess {
		t.Fatalf("valid object after failure: status %#x", status)
	}
	s.release()
}

func TestPerTenantAdmissionControl(t *testing.T) {
	env := startListener(t, Config{MaxAssocsPerTenant: 1})
	_, first := associate(t, env.addr, "CITY_GENERAL")
	if first == nil {
		t.Fatalf("first associate failed")
	}
	pduType, second := associate(t, env.addr, "CITY_GENERAL")
	if pduType != dimse.PDUAssociateRJ || second != nil {
		t.Fatalf("second associate reply %#x, want reject", pduType)
	}
	first.release()

	// slot freed, a new association is admitted
	deadline := time.Now().Add(2 * time.Second)
	for {
		pduType, s := associate(t, env.addr, "CITY_GENERAL")
		if pduType == dimse.PDUAssociateAC {
			s.release()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot never released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// pdv frames one presentation data value; control bit 0x01 marks a command
// fragment, 0x02 the final fragment of its message.
func pdv(ctxID, mch byte, data []byte) []byte {
	p := binary.BigEndian.AppendUint32(nil, uint32(2+len(data)))
	p = append(p, ctxID, mch)
	return append(p, data...)
}

func TestCommandAndDatasetPackedInOnePDU(t *testing.T) {
	env := startListener(t, Config{})
	_, s := associate(t, env.addr, "CITY_GENERAL")
	if s == nil {
		t.Fatalf("associate failed")
	}
	const sopUID = "1.2.840.900.1.1.7"
	dataset := buildDataset(t, sopUID, [3]float64{0, 0, 0})
	cmd := dimse.Command{
		Field:                  dimse.CStoreRQ,
		MessageID:              1,
		AffectedSOPClassUID:    ctSOPClass,
		AffectedSOPInstanceUID: sopUID,
		DataSetType:            dimse.DataSetPresent,
	}
	raw, err := cmd.Encode()
	if err != nil {
		t.Fatalf("encode command: %v", err)
	}

	// one P-DATA-TF carrying the whole command and the whole dataset
	payload := append(pdv(s.ctxID, 0x03, raw), pdv(s.ctxID, 0x02, dataset)...)
	if err := dimse.WritePDU(s.conn, dimse.PDUDataTF, payload); err != nil {
		t.Fatalf("write packed pdu: %v", err)
	}
	if status := s.readStatus(); status != dimse.StatusSuccess {
		t.Fatalf("packed store status %#x", status)
	}
	s.release()

	if _, err := env.meta.InstanceBySOPUID(context.Background(), sopUID); err != nil {
		t.Fatalf("packed object not committed: %v", err)
	}
}

func TestFailureBudgetExhaustionAbortsAssociation(t *testing.T) {
	env := startListener(t, Config{MaxObjectFailures: 1})
	_, s := associate(t, env.addr, "CITY_GENERAL")
	if s == nil {
		t.Fatalf("associate failed")
	}
	garbage := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03, 0x04}
	if status := s.store("1.2.3.4", garbage); status == dimse.StatusSuccess {
		t.Fatalf("garbage dataset accepted")
	}
	if status := s.store("1.2.3.5", garbage); status == dimse.StatusSuccess {
		t.Fatalf("garbage dataset accepted")
	}

	// second failure exceeds the budget of one; the reply is followed by
	// the provider's abort
	_ = s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pduType, _, err := dimse.ReadPDU(s.conn)
	if err != nil || pduType != dimse.PDUAbort {
		t.Fatalf("after budget exhaustion got pdu %#x err %v, want abort", pduType, err)
	}
	_ = s.conn.Close()
}

func TestIdleAssociationAborted(t *testing.T) {
	env := startListener(t, Config{IdleTimeout: 50 * time.Millisecond})
	_, s := associate(t, env.addr, "CITY_GENERAL")
	if s == nil {
		t.Fatalf("associate failed")
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pduType, _, err := dimse.ReadPDU(s.conn)
	if err != nil || pduType != dimse.PDUAbort {
		t.Fatalf("idle association got pdu %#x err %v, want abort", pduType, err)
	}
	_ = s.conn.Close()
}
