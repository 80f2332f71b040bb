// Package store implements the C-STORE operator: for one instance
// against an established association, it builds the DIMSE command
// set, streams the dataset bytes verbatim, and classifies the
// response status.
package store

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/flatmapit/dicomsend/internal/assoc"
	"github.com/flatmapit/dicomsend/internal/dimse"
	"github.com/flatmapit/dicomsend/internal/model"
	"github.com/flatmapit/dicomsend/internal/pdu"
)

// defaultReadBlockSize bounds how much of the dataset is read from
// disk at a time, per §5 Suspension points.
const defaultReadBlockSize = 64 * 1024

// pduOverheadPerPDV is the byte cost of one PDU header (6) plus one
// PDV's own length-prefix and control-header fields (6), which must
// be subtracted from max_pdu_length to size a single-PDV PDU.
const pduOverheadPerPDV = 12

// Send transmits one instance over an ESTABLISHED association. The
// returned bool is true when the failure is fatal to the association
// (protocol violation, socket error, or abort) and false when the
// association remains usable for the next instance.
func Send(session *assoc.Session, rec model.InstanceRecord) (model.TransferOutcome, bool) {
	start := time.Now()
	outcome := model.TransferOutcome{Record: rec}

	ctx, ok := session.FindContext(rec.SOPClassUID)
	if !ok {
		outcome.Status = model.StatusLocalError
		outcome.LocalErr = model.LocalErrorNoAcceptedContext
		outcome.ElapsedMs = time.Since(start).Milliseconds()
		return outcome, false
	}
	if ctx.TransferSyntaxUID != rec.TransferSyntaxUID {
		outcome.Status = model.StatusLocalError
		outcome.LocalErr = model.LocalErrorTransferSyntaxMismatch
		outcome.ElapsedMs = time.Since(start).Milliseconds()
		return outcome, false
	}

	messageID := session.NextMessageID()
	command := dimse.EncodeCStoreRQ(dimse.CStoreRQ{
		AffectedSOPClassUID:    rec.SOPClassUID,
		MessageID:              messageID,
		AffectedSOPInstanceUID: rec.SOPInstanceUID,
	})

	maxPDU := int(session.MaxPDULength())
	chunkSize := maxPDU - pduOverheadPerPDV
	if chunkSize > defaultReadBlockSize {
		chunkSize = defaultReadBlockSize
	}
	if chunkSize <= 0 {
		outcome.Status = model.StatusLocalError
		outcome.LocalErr = model.LocalErrorAssociationFailed
		outcome.Err = fmt.Errorf("store: negotiated max PDU length %d too small to frame a PDV", maxPDU)
		outcome.ElapsedMs = time.Since(start).Milliseconds()
		return outcome, true
	}

	if err := sendInChunks(session, ctx.ID, true, command, chunkSize); err != nil {
		outcome.Status = model.StatusLocalError
		outcome.LocalErr = model.LocalErrorAssociationFailed
		outcome.Err = err
		outcome.ElapsedMs = time.Since(start).Milliseconds()
		return outcome, true
	}

	bytesSent, err := streamDataset(session, ctx.ID, rec, chunkSize)
	outcome.BytesSent = bytesSent
	if err != nil {
		outcome.Status = model.StatusLocalError
		outcome.LocalErr = model.LocalErrorAssociationFailed
		outcome.Err = err
		outcome.ElapsedMs = time.Since(start).Milliseconds()
		return outcome, true
	}

	rsp, err := awaitResponse(session)
	if err != nil {
		outcome.Status = model.StatusLocalError
		outcome.LocalErr = model.LocalErrorAssociationFailed
		outcome.Err = err
		outcome.ElapsedMs = time.Since(start).Milliseconds()
		return outcome, true
	}

	outcome.StatusHex = rsp.Status
	switch dimse.ClassifyStatus(rsp.Status) {
	case dimse.ClassSuccess:
		outcome.Status = model.StatusSuccess
	case dimse.ClassWarning:
		outcome.Status = model.StatusWarning
	default:
		outcome.Status = model.StatusRefused
	}
	outcome.ElapsedMs = time.Since(start).Milliseconds()
	session.MarkEstablished()
	return outcome, false
}

// sendInChunks frames data into one or more PDVs of command=isCommand,
// each at most chunkSize bytes, with the last-fragment bit set on the
// final PDV, and writes each as its own P-DATA-TF PDU.
func sendInChunks(session *assoc.Session, contextID uint8, isCommand bool, data []byte, chunkSize int) error {
	if len(data) == 0 {
		return session.WritePDataTF(&pdu.PDataTF{PDVs: []pdu.PDV{
			{ContextID: contextID, Command: isCommand, Last: true, Data: nil},
		}})
	}
	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		last := end == len(data)
		if err := session.WritePDataTF(&pdu.PDataTF{PDVs: []pdu.PDV{
			{ContextID: contextID, Command: isCommand, Last: last, Data: data[offset:end]},
		}}); err != nil {
			return err
		}
	}
	return nil
}

// streamDataset relays the dataset bytes of rec (everything after the
// file-meta group) to the peer as a pure byte copy: no re-encoding, no
// VR awareness, preserving the on-disk transfer syntax exactly.
func streamDataset(session *assoc.Session, contextID uint8, rec model.InstanceRecord, chunkSize int) (int64, error) {
	f, err := os.Open(rec.Path)
	if err != nil {
		return 0, fmt.Errorf("store: open %s: %w", rec.Path, err)
	}
	defer f.Close()

	if _, err := f.Seek(rec.MetaSize, io.SeekStart); err != nil {
		return 0, fmt.Errorf("store: seek past meta in %s: %w", rec.Path, err)
	}

	remaining := rec.FileSize - rec.MetaSize
	if remaining <= 0 {
		if err := sendInChunks(session, contextID, false, nil, chunkSize); err != nil {
			return 0, err
		}
		return 0, nil
	}

	var sent int64
	buf := make([]byte, chunkSize)
	for remaining > 0 {
		n := int64(chunkSize)
		if n > remaining {
			n = remaining
		}
		if _, err := io.ReadFull(f, buf[:n]); err != nil {
			return sent, fmt.Errorf("store: read dataset bytes from %s: %w", rec.Path, err)
		}
		last := remaining-n == 0
		if err := session.WritePDataTF(&pdu.PDataTF{PDVs: []pdu.PDV{
			{ContextID: contextID, Command: false, Last: last, Data: append([]byte(nil), buf[:n]...)},
		}}); err != nil {
			return sent, err
		}
		sent += n
		remaining -= n
	}
	return sent, nil
}

// awaitResponse reads P-DATA-TF PDUs until a command-set PDV with the
// last-fragment bit arrives, then decodes it as a C-STORE-RSP.
func awaitResponse(session *assoc.Session) (dimse.CStoreRSP, error) {
	var commandBytes []byte
	for {
		p, err := session.ReadPDataTF()
		if err != nil {
			return dimse.CStoreRSP{}, err
		}
		for _, pdv := range p.PDVs {
			if !pdv.Command {
				continue
			}
			commandBytes = append(commandBytes, pdv.Data...)
			if pdv.Last {
				return dimse.DecodeCStoreRSP(commandBytes)
			}
		}
	}
}
