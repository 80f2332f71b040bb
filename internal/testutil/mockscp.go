// Package testutil provides an in-memory Storage Service Class
// Provider for exercising the association state machine and the
// C-STORE operator without opening a real socket, per the transport
// abstraction this client is built on (a mock SCP is as valid a
// Transport as a TCP connection).
package testutil

import (
	"net"

	"github.com/flatmapit/dicomsend/internal/dimse"
	"github.com/flatmapit/dicomsend/internal/pdu"
)

// MockSCP is a scriptable peer: it accepts or rejects associations and
// presentation contexts as configured, and answers C-STORE requests
// with a fixed status, optionally aborting after the command PDV.
type MockSCP struct {
	conn net.Conn

	RejectAssociation bool
	RejectReason      byte

	// RejectContextReason, if set, accepts the association but
	// rejects every proposed presentation context with this reason.
	RejectContextReason byte

	// Status is returned in every C-STORE-RSP.
	Status uint16

	// AbortAfterCommand, if true, sends A-ABORT right after the final
	// command PDV instead of responding.
	AbortAfterCommand bool

	MaxPDULength uint32

	pendingCommand  []byte
	commandComplete bool
}

// NewPair creates a net.Pipe and starts scp's conversation loop on the
// server side, returning the client side as the Transport a Session
// dials into.
func NewPair(scp *MockSCP) net.Conn {
	client, server := net.Pipe()
	scp.conn = server
	if scp.MaxPDULength == 0 {
		scp.MaxPDULength = 16384
	}
	go scp.run()
	return client
}

func (m *MockSCP) run() {
	defer m.conn.Close()

	req, err := pdu.ReadPDU(m.conn)
	if err != nil {
		return
	}
	rq, ok := req.(*pdu.AssociateRQ)
	if !ok {
		return
	}

	if m.RejectAssociation {
		encoded, _ := pdu.Encode(&pdu.AssociateRJ{Result: 1, Source: 1, Reason: m.RejectReason})
		m.conn.Write(encoded)
		return
	}

	ac := &pdu.AssociateAC{
		CalledAETitle:  rq.CalledAETitle,
		CallingAETitle: rq.CallingAETitle,
		MaxPDULength:   m.MaxPDULength,
	}
	for _, pc := range rq.PresentationContexts {
		result := pdu.ResultAccepted
		ts := ""
		if m.RejectContextReason != 0 {
			result = m.RejectContextReason
		} else if len(pc.TransferSyntaxUIDs) > 0 {
			ts = pc.TransferSyntaxUIDs[0]
		}
		ac.PresentationContexts = append(ac.PresentationContexts, pdu.PresentationContextResult{
			ID: pc.ID, Result: result, TransferSyntaxUID: ts,
		})
	}
	encoded, _ := pdu.Encode(ac)
	if _, err := m.conn.Write(encoded); err != nil {
		return
	}

	for {
		next, err := pdu.ReadPDU(m.conn)
		if err != nil {
			return
		}
		switch v := next.(type) {
		case *pdu.PDataTF:
			if !m.handlePDataTF(v) {
				return
			}
		case *pdu.ReleaseRQ:
			encoded, _ := pdu.Encode(&pdu.ReleaseRP{})
			m.conn.Write(encoded)
			return
		case *pdu.Abort:
			return
		default:
			return
		}
	}
}

// handlePDataTF consumes one P-DATA-TF PDU belonging to a C-STORE
// exchange and, once the dataset's final PDV has arrived, writes a
// C-STORE-RSP. Returns false if the connection should close (abort).
func (m *MockSCP) handlePDataTF(p *pdu.PDataTF) bool {
	datasetDone := false

	for _, pdv := range p.PDVs {
		if pdv.Command {
			m.pendingCommand = append(m.pendingCommand, pdv.Data...)
			if pdv.Last {
				m.commandComplete = true
				if m.AbortAfterCommand {
					encoded, _ := pdu.Encode(&pdu.Abort{Source: 2, Reason: 0})
					m.conn.Write(encoded)
					return false
				}
			}
		} else if pdv.Last {
			datasetDone = true
		}
	}

	if !datasetDone || !m.commandComplete {
		return true
	}

	rq, err := dimse.DecodeCStoreRQ(m.pendingCommand)
	m.pendingCommand = nil
	m.commandComplete = false
	if err != nil {
		return false
	}
	respBytes := dimse.EncodeCStoreRSP(dimse.CStoreRSP{
		AffectedSOPClassUID:       rq.AffectedSOPClassUID,
		MessageIDBeingRespondedTo: rq.MessageID,
		Status:                    m.Status,
		AffectedSOPInstanceUID:    rq.AffectedSOPInstanceUID,
	})

	var contextID byte
	if len(p.PDVs) > 0 {
		contextID = p.PDVs[0].ContextID
	}
	out := &pdu.PDataTF{PDVs: []pdu.PDV{{ContextID: contextID, Command: true, Last: true, Data: respBytes}}}
	encoded, _ := pdu.Encode(out)
	m.conn.Write(encoded)
	return true
}
