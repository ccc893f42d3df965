package scp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"pacscore/internal/dicom"
	"pacscore/internal/dimse"
	"pacscore/internal/ingest"
	"pacscore/pkg/domain"
)

// association drives one connection from negotiation through release.
type association struct {
	l    *Listener
	conn net.Conn
	log  *slog.Logger

	facility domain.Facility
	contexts map[byte]dicom.Syntax // accepted presentation contexts
	maxPDU   uint32                // peer's declared maximum
	failures int
}

func newAssociation(l *Listener, conn net.Conn) *association {
	return &association{
		l:        l,
		conn:     conn,
		log:      l.log.With("remote", conn.RemoteAddr().String()),
		contexts: make(map[byte]dicom.Syntax),
		maxPDU:   dimse.DefaultMaxPDULength,
	}
}

func (a *association) run(ctx context.Context) {
	defer func() { _ = a.conn.Close() }()

	admitted, err := a.negotiate(ctx)
	if err != nil {
		a.log.Info("association not established", "error", err)
		return
	}
	if a.l.metrics != nil {
		a.l.metrics.AssociationsAccepted.Inc()
		a.l.metrics.AssociationsActive.Inc()
		defer a.l.metrics.AssociationsActive.Dec()
	}
	if admitted {
		defer a.l.release(a.facility.ID)
	}
	a.log.Info("association established",
		"calling_ae", a.facility.AETitle, "facility", a.facility.ID, "contexts", len(a.contexts))

	if err := a.messageLoop(ctx); err != nil {
		a.log.Info("association ended", "error", err)
		return
	}
	a.log.Info("association released", "calling_ae", a.facility.AETitle)
}

// negotiate performs the associate handshake. The calling AE title is
// authenticated before anything else; an unknown or inactive sender is
// rejected without reading a single object. The bool reports whether an
// admission slot was taken.
func (a *association) negotiate(ctx context.Context) (bool, error) {
	_ = a.conn.SetReadDeadline(time.Now().Add(a.l.cfg.NegotiationTimeout))
	pduType, payload, err := dimse.ReadPDU(a.conn)
	if err != nil {
		return false, fmt.Errorf("reading associate request: %w", err)
	}
	if pduType != dimse.PDUAssociateRQ {
		a.abort(dimse.AbortSourceServiceProvider)
		return false, domain.ProtocolError{Reason: fmt.Sprintf("expected associate-rq, got pdu %#x", pduType)}
	}
	rq, err := dimse.DecodeAssociateRQ(payload)
	if err != nil {
		a.abort(dimse.AbortSourceServiceProvider)
		return false, domain.ProtocolError{Reason: "malformed associate-rq", Err: err}
	}
	if rq.ApplicationContext != dimse.DefaultApplicationContext {
		a.reject(dimse.RejectResultPermanent, dimse.RejectReasonApplicationContext)
		a.l.countRejected("application_context")
		return false, fmt.Errorf("unsupported application context %q", rq.ApplicationContext)
	}

	facility, err := a.l.directory.Resolve(ctx, rq.CallingAETitle)
	if err != nil {
		a.reject(dimse.RejectResultPermanent, dimse.RejectReasonCallingAENotRecognized)
		a.l.countRejected("calling_ae")
		return false, domain.AuthorizationError{AETitle: rq.CallingAETitle}
	}
	a.facility = facility

	if !a.l.admit(facility.ID) {
		a.reject(dimse.RejectResultTransient, dimse.RejectReasonNoReasonGiven)
		a.l.countRejected("admission")
		return false, fmt.Errorf("facility %s at association limit", facility.ID)
	}

	ac := dimse.AssociateAC{
		CalledAETitle:  rq.CalledAETitle,
		CallingAETitle: rq.CallingAETitle,
		MaxPDULength:   dimse.DefaultMaxPDULength,
	}
	for _, pc := range rq.PresentationContexts {
		result := dimse.PresentationContextAC{ID: pc.ID, Result: dimse.PresentationRejectedTransferStack}
		if ts, ok := pickTransferSyntax(pc.TransferSyntaxes); ok {
			syntax, err := dicom.LookupSyntax(ts)
			if err == nil {
				result.Result = dimse.PresentationAccepted
				result.TransferSyntax = ts
				a.contexts[pc.ID] = syntax
			}
		}
		ac.Results = append(ac.Results, result)
	}
	if len(a.contexts) == 0 {
		a.l.release(facility.ID)
		a.reject(dimse.RejectResultPermanent, dimse.RejectReasonNoReasonGiven)
		a.l.countRejected("transfer_syntax")
		return false, fmt.Errorf("no presentation context with a supported transfer syntax")
	}
	if rq.MaxPDULength > 0 {
		a.maxPDU = rq.MaxPDULength
	}
	if err := dimse.WritePDU(a.conn, dimse.PDUAssociateAC, ac.Encode()); err != nil {
		a.l.release(facility.ID)
		return false, fmt.Errorf("writing associate-ac: %w", err)
	}
	return true, nil
}

// pickTransferSyntax prefers explicit VR little endian when offered.
func pickTransferSyntax(offered []string) (string, bool) {
	for _, ts := range offered {
		if ts == dicom.ExplicitVRLittleEndian {
			return ts, true
		}
	}
	for _, ts := range offered {
		if dicom.Supported(ts) {
			return ts, true
		}
	}
	return "", false
}

// messageLoop services the established association until release, abort,
// or an error that makes the stream unusable.
func (a *association) messageLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			a.abort(dimse.AbortSourceServiceProvider)
			return err
		}
		_ = a.conn.SetReadDeadline(time.Now().Add(a.l.cfg.IdleTimeout))
		pduType, payload, err := dimse.ReadPDU(a.conn)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				a.abort(dimse.AbortSourceServiceProvider)
				return fmt.Errorf("idle timeout")
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("peer closed without release")
			}
			return fmt.Errorf("reading pdu: %w", err)
		}
		switch pduType {
		case dimse.PDUReleaseRQ:
			return dimse.WritePDU(a.conn, dimse.PDUReleaseRP, dimse.ReleasePayload())
		case dimse.PDUAbort:
			return fmt.Errorf("peer aborted")
		case dimse.PDUDataTF:
			if err := a.handleMessage(ctx, pduType, payload); err != nil {
				a.abort(dimse.AbortSourceServiceProvider)
				return err
			}
		default:
			a.abort(dimse.AbortSourceServiceProvider)
			return domain.ProtocolError{Reason: fmt.Sprintf("unexpected pdu %#x while established", pduType)}
		}
	}
}

// handleMessage consumes one command message (the first PDU of which has
// already been read) and, for C-STORE, its dataset message.
func (a *association) handleMessage(ctx context.Context, pduType byte, payload []byte) error {
	mr := dimse.NewMessageReader(io.MultiReader(replayPDU(pduType, payload), a.conn))
	raw, err := mr.ReadAll()
	if err != nil {
		return domain.ProtocolError{Reason: "reading command message", Err: err}
	}
	if !mr.IsCommand() {
		return domain.ProtocolError{Reason: "data set arrived without a preceding command"}
	}
	cmd, err := dimse.DecodeCommand(raw)
	if err != nil {
		return domain.ProtocolError{Reason: "malformed command set", Err: err}
	}
	ctxID := mr.ContextID()
	if _, ok := a.contexts[ctxID]; !ok {
		return domain.ProtocolError{Reason: fmt.Sprintf("command on unaccepted presentation context %d", ctxID)}
	}

	switch cmd.Field {
	case dimse.CEchoRQ:
		return a.respond(ctxID, dimse.Command{
			Field:               dimse.CEchoRSP,
			RespondedTo:         cmd.MessageID,
			AffectedSOPClassUID: cmd.AffectedSOPClassUID,
			DataSetType:         dimse.NoDataSet,
			Status:              dimse.StatusSuccess,
		})
	case dimse.CStoreRQ:
		if !cmd.HasDataSet() {
			return domain.ProtocolError{Reason: "c-store-rq without data set"}
		}
		status := a.receiveObject(ctx, cmd, ctxID, mr.Residual())
		return a.respond(ctxID, dimse.Command{
			Field:                  dimse.CStoreRSP,
			RespondedTo:            cmd.MessageID,
			AffectedSOPClassUID:    cmd.AffectedSOPClassUID,
			AffectedSOPInstanceUID: cmd.AffectedSOPInstanceUID,
			DataSetType:            dimse.NoDataSet,
			Status:                 status,
		})
	default:
		return domain.ProtocolError{Reason: fmt.Sprintf("unsupported command field %#x", cmd.Field)}
	}
}

// receiveObject streams one dataset message, commits it, and maps the
// outcome to the per-object status code. Per-object failures leave the
// association usable until the failure budget is exhausted.
func (a *association) receiveObject(ctx context.Context, cmd dimse.Command, ctxID byte, residual []byte) uint16 {
	_ = a.conn.SetReadDeadline(time.Now().Add(a.l.cfg.ReceiveTimeout))
	// the command PDU may already carry the first dataset fragments
	mr := dimse.NewMessageReaderWithResidual(a.conn, residual)
	obj, parseErr := a.receiveDataset(mr, ctxID, cmd)
	if parseErr != nil {
		// drain remaining fragments so the next message starts clean
		_, _ = io.Copy(io.Discard, mr)
	}
	status := dimse.StatusSuccess
	switch {
	case parseErr != nil:
		a.log.Warn("object rejected", "error", parseErr, "sop_uid", cmd.AffectedSOPInstanceUID)
		status = statusForError(parseErr)
	default:
		result, err := a.l.pool.Submit(ctx, obj)
		switch {
		case err != nil:
			a.log.Warn("object commit failed", "error", err, "sop_uid", obj.Meta.SOPInstanceUID)
			status = statusForError(err)
		case result.Duplicate:
			if a.l.metrics != nil {
				a.l.metrics.ObjectsDuplicate.Inc()
			}
		default:
			if a.l.metrics != nil {
				a.l.metrics.ObjectsCommitted.Inc()
			}
		}
	}
	if status != dimse.StatusSuccess {
		if a.l.metrics != nil {
			a.l.metrics.ObjectsRejected.WithLabelValues(statusClass(status)).Inc()
		}
		a.failures++
	}
	return status
}

// receiveDataset tees the dataset byte stream into a spool file while
// parsing metadata, so peak memory stays bounded regardless of object
// size. The spool file is handed to the router inside the returned object;
// on error it is removed here.
func (a *association) receiveDataset(mr *dimse.MessageReader, wantCtx byte, cmd dimse.Command) (ingest.Object, error) {
	spoolFile, err := a.l.spool.Create()
	if err != nil {
		return ingest.Object{}, domain.StorageError{Op: "create spool", Err: err}
	}
	spoolPath := spoolFile.Name()
	cleanup := func() {
		_ = spoolFile.Close()
		_ = os.Remove(spoolPath)
	}

	counter := &countingWriter{w: spoolFile}
	tee := io.TeeReader(mr, counter)

	// the first fragment fixes the context; verify it matches the command
	var peek [1]byte
	n, err := tee.Read(peek[:])
	if err != nil && err != io.EOF {
		cleanup()
		return ingest.Object{}, domain.ProtocolError{Reason: "reading data set", Err: err}
	}
	if mr.IsCommand() || mr.ContextID() != wantCtx {
		cleanup()
		return ingest.Object{}, domain.ProtocolError{Reason: "data set arrived on a different presentation context"}
	}
	syntax := a.contexts[wantCtx]
	meta, err := parseDataset(io.MultiReader(bytes.NewReader(peek[:n]), tee), syntax)
	if err != nil {
		cleanup()
		return ingest.Object{}, err
	}
	if cmd.AffectedSOPInstanceUID != "" && meta.SOPInstanceUID != cmd.AffectedSOPInstanceUID {
		cleanup()
		return ingest.Object{}, domain.ValidationError{
			Field:  "sop_instance_uid",
			Reason: "data set identifier differs from the command's affected SOP instance",
		}
	}
	if err := spoolFile.Close(); err != nil {
		_ = os.Remove(spoolPath)
		return ingest.Object{}, domain.StorageError{Op: "close spool", Err: err}
	}
	return ingest.Object{
		Facility:  a.facility,
		Meta:      meta,
		SpoolPath: spoolPath,
		SizeBytes: counter.n,
	}, nil
}

func (a *association) respond(ctxID byte, cmd dimse.Command) error {
	raw, err := cmd.Encode()
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	w := dimse.NewMessageWriter(a.conn, ctxID, true, a.maxPDU)
	if err := w.WriteMessage(raw); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	if a.failures > a.l.cfg.MaxObjectFailures {
		a.abort(dimse.AbortSourceServiceProvider)
		return fmt.Errorf("object failure budget exhausted")
	}
	return nil
}

func (a *association) reject(result, reason byte) {
	rj := dimse.AssociateRJ{Result: result, Source: dimse.RejectSourceServiceUser, Reason: reason}
	_ = dimse.WritePDU(a.conn, dimse.PDUAssociateRJ, rj.Encode())
}

func (a *association) abort(source byte) {
	ab := dimse.Abort{Source: source}
	_ = dimse.WritePDU(a.conn, dimse.PDUAbort, ab.Encode())
}

// replayPDU reconstructs an already-consumed PDU frame so a message reader
// can start from it.
func replayPDU(pduType byte, payload []byte) io.Reader {
	buf := make([]byte, 0, 6+len(payload))
	buf = append(buf, pduType, 0)
	buf = append(buf, byte(len(payload)>>24), byte(len(payload)>>16), byte(len(payload)>>8), byte(len(payload)))
	buf = append(buf, payload...)
	return bytes.NewReader(buf)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// statusForError maps the error taxonomy onto per-object status codes.
func statusForError(err error) uint16 {
	var verr domain.ValidationError
	var perr domain.ProtocolError
	switch {
	case errors.As(err, &verr):
		return dimse.StatusDatasetMismatch
	case errors.As(err, &perr):
		return dimse.StatusCannotUnderstand
	default:
		return dimse.StatusOutOfResources
	}
}

func statusClass(status uint16) string {
	switch status {
	case dimse.StatusDatasetMismatch:
		return "validation"
	case dimse.StatusCannotUnderstand:
		return "protocol"
	default:
		return "storage"
	}
}
