// Package assoc drives one DICOM Upper Layer association per logical
// connection: one goroutine, one Transport, one explicit state field
// moving through the transitions of an association requestor. This
// client never acts as a service provider, so the full two-sided P3.8
// state table collapses to the subset a requestor can ever observe.
package assoc

import (
	"fmt"
	"sync"
	"time"

	"github.com/flatmapit/dicomsend/internal/pdu"
	"github.com/flatmapit/dicomsend/internal/planner"
)

// State is a node in the association state machine.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingAC
	StateEstablished
	StateSending
	StateAwaitingRSP
	StateReleasing
	StateClosed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateAwaitingAC:
		return "AWAITING_AC"
	case StateEstablished:
		return "ESTABLISHED"
	case StateSending:
		return "SENDING"
	case StateAwaitingRSP:
		return "AWAITING_RSP"
	case StateReleasing:
		return "RELEASING"
	case StateClosed:
		return "CLOSED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Timeouts configures the three clocks the state machine enforces.
type Timeouts struct {
	Connect       time.Duration
	Association   time.Duration // ARTIM: association-setup and release round trips
	DIMSEResponse time.Duration
}

// DefaultTimeouts returns the defaults named in §4.F.
func DefaultTimeouts() Timeouts {
	return Timeouts{Connect: 10 * time.Second, Association: 30 * time.Second, DIMSEResponse: 30 * time.Second}
}

// minAcceptedMaxPDULength is the floor below which a peer's proposed
// max PDU length is rejected outright (invariant 3).
const minAcceptedMaxPDULength = 4096

// defaultProposedMaxPDULength is what Open proposes when the caller
// passes 0, matching config.DefaultConfig's ProposedPDULength.
const defaultProposedMaxPDULength = 16384

// AcceptedContext records one negotiated presentation context: the
// abstract syntax this client proposed under that ID, and the transfer
// syntax the peer accepted.
type AcceptedContext struct {
	ID                uint8
	AbstractSyntaxUID string
	TransferSyntaxUID string
}

// Session owns one association's transport, state, and negotiated
// parameters for its entire lifetime.
type Session struct {
	mu sync.Mutex

	transport Transport
	timeouts  Timeouts
	state     State

	callingAE string
	calledAE  string

	maxPDULength uint32
	messageID    uint16

	// proposedAbstractSyntax maps a context ID to the abstract syntax
	// this client proposed for it, so an AC's bare context-id+result
	// can be correlated back to a SOP class.
	proposedAbstractSyntax map[byte]string
	accepted               map[byte]AcceptedContext
}

// Open drives IDLE→CONNECTING→AWAITING_AC→ESTABLISHED over transport,
// proposing the given presentation contexts and proposedMaxPDULength
// (0 falls back to defaultProposedMaxPDULength). On rejection or abort
// it returns an *Error and leaves the session in CLOSED or ABORTED.
func Open(transport Transport, callingAE, calledAE string, proposals []planner.Proposal, timeouts Timeouts, proposedMaxPDULength uint32) (*Session, error) {
	if proposedMaxPDULength == 0 {
		proposedMaxPDULength = defaultProposedMaxPDULength
	}
	s := &Session{
		transport:              transport,
		timeouts:               timeouts,
		state:                  StateConnecting,
		callingAE:              callingAE,
		calledAE:               calledAE,
		messageID:              1,
		proposedAbstractSyntax: make(map[byte]string),
		accepted:               make(map[byte]AcceptedContext),
	}

	s.state = StateAwaitingAC

	rq := &pdu.AssociateRQ{
		CalledAETitle:  calledAE,
		CallingAETitle: callingAE,
		MaxPDULength:   proposedMaxPDULength,
	}
	for _, p := range proposals {
		s.proposedAbstractSyntax[byte(p.ID)] = p.AbstractSyntaxUID
		rq.PresentationContexts = append(rq.PresentationContexts, pdu.PresentationContextRQ{
			ID:                 byte(p.ID),
			AbstractSyntaxUID:  p.AbstractSyntaxUID,
			TransferSyntaxUIDs: p.ProposedTransferSyntaxes,
		})
	}

	if err := s.writePDU(rq, timeouts.Association); err != nil {
		s.state = StateClosed
		return nil, &Error{Kind: KindConnect, Err: err}
	}

	resp, err := s.readPDU(timeouts.Association)
	if err != nil {
		s.state = StateClosed
		return nil, &Error{Kind: KindTimeout, Err: err}
	}

	switch v := resp.(type) {
	case *pdu.AssociateAC:
		if v.MaxPDULength < minAcceptedMaxPDULength {
			s.abortLocked(0, 6) // invalid-PDU-parameter
			return nil, &Error{Kind: KindProtocolViolation, Detail: fmt.Sprintf("peer max PDU length %d below floor %d", v.MaxPDULength, minAcceptedMaxPDULength)}
		}
		s.maxPDULength = v.MaxPDULength
		for _, pc := range v.PresentationContexts {
			if pc.Result != pdu.ResultAccepted {
				continue
			}
			s.accepted[pc.ID] = AcceptedContext{
				ID:                pc.ID,
				AbstractSyntaxUID: s.proposedAbstractSyntax[pc.ID],
				TransferSyntaxUID: pc.TransferSyntaxUID,
			}
		}
		s.state = StateEstablished
		return s, nil

	case *pdu.AssociateRJ:
		s.state = StateClosed
		_ = s.transport.Close()
		return nil, &Error{Kind: KindAssociationRejected, Detail: fmt.Sprintf("result=%d source=%d reason=%d", v.Result, v.Source, v.Reason)}

	case *pdu.Abort:
		s.state = StateAborted
		_ = s.transport.Close()
		return nil, &Error{Kind: KindAborted, Source: v.Source, Reason: v.Reason}

	default:
		s.abortLocked(1, 2) // unexpected PDU
		return nil, &Error{Kind: KindProtocolViolation, Detail: fmt.Sprintf("unexpected PDU %T during association setup", v)}
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// MaxPDULength returns the negotiated maximum PDU length.
func (s *Session) MaxPDULength() uint32 {
	return s.maxPDULength
}

// NextMessageID returns the next monotonic, 16-bit-wrapping message ID,
// starting from 1.
func (s *Session) NextMessageID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.messageID
	s.messageID++
	if s.messageID == 0 {
		s.messageID = 1
	}
	return id
}

// FindContext returns the accepted context whose abstract syntax
// matches sopClassUID, if any.
func (s *Session) FindContext(sopClassUID string) (AcceptedContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ctx := range s.accepted {
		if ctx.AbstractSyntaxUID == sopClassUID {
			return ctx, true
		}
	}
	return AcceptedContext{}, false
}

// WritePDataTF sends a P-DATA-TF PDU, transitioning SENDING while in
// flight.
func (s *Session) WritePDataTF(p *pdu.PDataTF) error {
	s.setState(StateSending)
	if err := s.writePDU(p, s.timeouts.DIMSEResponse); err != nil {
		s.abort(1, 0)
		return &Error{Kind: KindSocketIO, Err: err}
	}
	s.setState(StateAwaitingRSP)
	return nil
}

// ReadPDataTF reads one P-DATA-TF PDU, expected while AWAITING_RSP.
// Any other PDU (abort, unexpected type) is a protocol error.
func (s *Session) ReadPDataTF() (*pdu.PDataTF, error) {
	resp, err := s.readPDU(s.timeouts.DIMSEResponse)
	if err != nil {
		s.abort(1, 0)
		return nil, &Error{Kind: KindTimeout, Err: err}
	}
	switch v := resp.(type) {
	case *pdu.PDataTF:
		return v, nil
	case *pdu.Abort:
		s.setState(StateAborted)
		_ = s.transport.Close()
		return nil, &Error{Kind: KindAborted, Source: v.Source, Reason: v.Reason}
	default:
		s.abort(1, 2)
		return nil, &Error{Kind: KindProtocolViolation, Detail: fmt.Sprintf("unexpected PDU %T awaiting response", v)}
	}
}

// MarkEstablished returns the session to ESTABLISHED after a response
// has been fully consumed, ready for the next instance.
func (s *Session) MarkEstablished() {
	s.setState(StateEstablished)
}

// Release drives ESTABLISHED→RELEASING→CLOSED: sends A-RELEASE-RQ and
// awaits A-RELEASE-RP within the association timeout.
func (s *Session) Release() error {
	s.setState(StateReleasing)
	if err := s.writePDU(&pdu.ReleaseRQ{}, s.timeouts.Association); err != nil {
		s.abort(1, 0)
		return &Error{Kind: KindSocketIO, Err: err}
	}
	resp, err := s.readPDU(s.timeouts.Association)
	if err != nil {
		s.abort(1, 0)
		return &Error{Kind: KindTimeout, Err: err}
	}
	if _, ok := resp.(*pdu.ReleaseRP); !ok {
		s.abort(1, 2)
		return &Error{Kind: KindProtocolViolation, Detail: fmt.Sprintf("expected A-RELEASE-RP, got %T", resp)}
	}
	s.setState(StateClosed)
	return s.transport.Close()
}

// Abort sends a best-effort A-ABORT and closes the transport.
func (s *Session) Abort(source, reason byte) {
	s.abort(source, reason)
}

func (s *Session) abort(source, reason byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortLocked(source, reason)
}

func (s *Session) abortLocked(source, reason byte) {
	if s.state == StateAborted || s.state == StateClosed {
		return
	}
	encoded, err := pdu.Encode(&pdu.Abort{Source: source, Reason: reason})
	if err == nil {
		_ = s.transport.SetDeadline(time.Now().Add(2 * time.Second))
		_, _ = s.transport.Write(encoded)
	}
	s.state = StateAborted
	_ = s.transport.Close()
}

func (s *Session) writePDU(p interface{}, timeout time.Duration) error {
	encoded, err := pdu.Encode(p)
	if err != nil {
		return err
	}
	if err := s.transport.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err = s.transport.Write(encoded)
	return err
}

func (s *Session) readPDU(timeout time.Duration) (interface{}, error) {
	if err := s.transport.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	return pdu.ReadPDU(&deadlineReader{s.transport})
}

// deadlineReader adapts Transport to io.Reader for pdu.ReadPDU without
// exposing SetDeadline to the decoder.
type deadlineReader struct {
	t Transport
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	return d.t.Read(p)
}
