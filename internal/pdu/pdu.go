// Package pdu encodes and decodes DICOM Upper Layer Protocol data
// units. All multi-byte header and item fields are big-endian; dataset
// bytes carried inside PDVs are opaque and passed through unchanged.
package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Type identifies a PDU kind by its one-byte wire tag.
type Type byte

const (
	TypeAssociateRQ Type = 0x01
	TypeAssociateAC Type = 0x02
	TypeAssociateRJ Type = 0x03
	TypePDataTF     Type = 0x04
	TypeReleaseRQ   Type = 0x05
	TypeReleaseRP   Type = 0x06
	TypeAbort       Type = 0x07
)

// Item tags used inside A-ASSOCIATE-RQ/AC payloads.
const (
	itemApplicationContext     byte = 0x10
	itemPresentationContextRQ  byte = 0x20
	itemPresentationContextAC  byte = 0x21
	itemAbstractSyntax         byte = 0x30
	itemTransferSyntax         byte = 0x40
	itemUserInformation        byte = 0x50
	itemMaximumLength          byte = 0x51
	itemImplementationClassUID byte = 0x52
	itemImplementationVersion  byte = 0x55
)

const applicationContextName = "1.2.840.10008.3.1.1.1"

// DefaultImplementationClassUID and DefaultImplementationVersionName
// are advertised in the User Information item of outgoing
// A-ASSOCIATE-RQ PDUs.
const (
	DefaultImplementationClassUID   = "1.2.826.0.1.3680043.9.8001.1"
	DefaultImplementationVersionName = "DICOMSEND_1_0"
)

// Error kinds that are fatal to the owning association.
var (
	ErrShortBuffer    = fmt.Errorf("pdu: short buffer")
	ErrBadItemType    = fmt.Errorf("pdu: unexpected item type")
	ErrLengthMismatch = fmt.Errorf("pdu: declared length does not match payload")
)

// PresentationContextRQ is one proposed context in an A-ASSOCIATE-RQ.
type PresentationContextRQ struct {
	ID                byte
	AbstractSyntaxUID string
	TransferSyntaxUIDs []string
}

// PresentationContextResult is one negotiated context result in an
// A-ASSOCIATE-AC, per §4.E result-reason codes.
type PresentationContextResult struct {
	ID               byte
	Result           byte
	TransferSyntaxUID string
}

const (
	ResultAccepted                   byte = 0
	ResultUserRejection              byte = 1
	ResultNoReason                   byte = 2
	ResultAbstractSyntaxNotSupported byte = 3
	ResultTransferSyntaxNotSupported byte = 4
)

// AssociateRQ is the A-ASSOCIATE-RQ PDU.
type AssociateRQ struct {
	CalledAETitle             string
	CallingAETitle            string
	PresentationContexts      []PresentationContextRQ
	MaxPDULength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string
}

// AssociateAC is the A-ASSOCIATE-AC PDU.
type AssociateAC struct {
	CalledAETitle             string
	CallingAETitle            string
	PresentationContexts      []PresentationContextResult
	MaxPDULength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string
}

// AssociateRJ is the A-ASSOCIATE-RJ PDU.
type AssociateRJ struct {
	Result byte // 1 permanent, 2 transient
	Source byte
	Reason byte
}

// PDV is one Presentation Data Value fragment inside a P-DATA-TF PDU.
type PDV struct {
	ContextID byte
	Command   bool // true: command set fragment; false: dataset fragment
	Last      bool // true: final fragment of its kind (command or dataset)
	Data      []byte
}

// PDataTF is the P-DATA-TF PDU: one or more PDVs.
type PDataTF struct {
	PDVs []PDV
}

// ReleaseRQ and ReleaseRP carry no payload.
type ReleaseRQ struct{}
type ReleaseRP struct{}

// Abort is the A-ABORT PDU.
type Abort struct {
	Source byte // 0 service-user, 2 service-provider
	Reason byte
}

func fillAETitle(title string) [16]byte {
	var out [16]byte
	for i := range out {
		out[i] = ' '
	}
	copy(out[:], title)
	return out
}

func trimAETitle(b []byte) string {
	return string(bytes.TrimRight(b, " \x00"))
}

// --- Encoding ---------------------------------------------------------

// Encode serializes pdu (one of the types in this package) into a
// complete PDU including its 6-byte header.
func Encode(p interface{}) ([]byte, error) {
	var pduType Type
	var payload bytes.Buffer

	switch v := p.(type) {
	case *AssociateRQ:
		pduType = TypeAssociateRQ
		if err := encodeAssociateRQPayload(&payload, v); err != nil {
			return nil, err
		}
	case *AssociateAC:
		pduType = TypeAssociateAC
		if err := encodeAssociateACPayload(&payload, v); err != nil {
			return nil, err
		}
	case *AssociateRJ:
		pduType = TypeAssociateRJ
		payload.Write([]byte{0x00, v.Result, v.Source, v.Reason})
	case *PDataTF:
		pduType = TypePDataTF
		encodePDataTFPayload(&payload, v)
	case *ReleaseRQ:
		pduType = TypeReleaseRQ
		payload.Write(make([]byte, 4))
	case *ReleaseRP:
		pduType = TypeReleaseRP
		payload.Write(make([]byte, 4))
	case *Abort:
		pduType = TypeAbort
		payload.Write([]byte{0x00, 0x00, v.Source, v.Reason})
	default:
		return nil, fmt.Errorf("pdu: unsupported type %T", p)
	}

	out := make([]byte, 6+payload.Len())
	out[0] = byte(pduType)
	out[1] = 0x00
	binary.BigEndian.PutUint32(out[2:6], uint32(payload.Len()))
	copy(out[6:], payload.Bytes())
	return out, nil
}

func writeItemHeader(buf *bytes.Buffer, itemType byte, length int) {
	buf.WriteByte(itemType)
	buf.WriteByte(0x00)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(length))
	buf.Write(lenBuf[:])
}

func encodeAssociateRQPayload(buf *bytes.Buffer, rq *AssociateRQ) error {
	buf.Write([]byte{0x00, 0x01, 0x00, 0x00})
	called := fillAETitle(rq.CalledAETitle)
	calling := fillAETitle(rq.CallingAETitle)
	buf.Write(called[:])
	buf.Write(calling[:])
	buf.Write(make([]byte, 32))

	writeItemHeader(buf, itemApplicationContext, len(applicationContextName))
	buf.WriteString(applicationContextName)

	for _, pc := range rq.PresentationContexts {
		var inner bytes.Buffer
		inner.WriteByte(pc.ID)
		inner.Write([]byte{0x00, 0x00, 0x00})
		writeItemHeader(&inner, itemAbstractSyntax, len(pc.AbstractSyntaxUID))
		inner.WriteString(pc.AbstractSyntaxUID)
		for _, ts := range pc.TransferSyntaxUIDs {
			writeItemHeader(&inner, itemTransferSyntax, len(ts))
			inner.WriteString(ts)
		}
		writeItemHeader(buf, itemPresentationContextRQ, inner.Len())
		buf.Write(inner.Bytes())
	}

	var userInfo bytes.Buffer
	writeItemHeader(&userInfo, itemMaximumLength, 4)
	var maxLenBuf [4]byte
	binary.BigEndian.PutUint32(maxLenBuf[:], rq.MaxPDULength)
	userInfo.Write(maxLenBuf[:])

	implClass := rq.ImplementationClassUID
	if implClass == "" {
		implClass = DefaultImplementationClassUID
	}
	writeItemHeader(&userInfo, itemImplementationClassUID, len(implClass))
	userInfo.WriteString(implClass)

	implVersion := rq.ImplementationVersionName
	if implVersion == "" {
		implVersion = DefaultImplementationVersionName
	}
	writeItemHeader(&userInfo, itemImplementationVersion, len(implVersion))
	userInfo.WriteString(implVersion)

	writeItemHeader(buf, itemUserInformation, userInfo.Len())
	buf.Write(userInfo.Bytes())
	return nil
}

func encodeAssociateACPayload(buf *bytes.Buffer, ac *AssociateAC) error {
	buf.Write([]byte{0x00, 0x01, 0x00, 0x00})
	called := fillAETitle(ac.CalledAETitle)
	calling := fillAETitle(ac.CallingAETitle)
	buf.Write(called[:])
	buf.Write(calling[:])
	buf.Write(make([]byte, 32))

	writeItemHeader(buf, itemApplicationContext, len(applicationContextName))
	buf.WriteString(applicationContextName)

	for _, pc := range ac.PresentationContexts {
		var inner bytes.Buffer
		inner.WriteByte(pc.ID)
		inner.Write([]byte{0x00, pc.Result, 0x00})
		writeItemHeader(&inner, itemTransferSyntax, len(pc.TransferSyntaxUID))
		inner.WriteString(pc.TransferSyntaxUID)
		writeItemHeader(buf, itemPresentationContextAC, inner.Len())
		buf.Write(inner.Bytes())
	}

	var userInfo bytes.Buffer
	writeItemHeader(&userInfo, itemMaximumLength, 4)
	var maxLenBuf [4]byte
	binary.BigEndian.PutUint32(maxLenBuf[:], ac.MaxPDULength)
	userInfo.Write(maxLenBuf[:])

	implClass := ac.ImplementationClassUID
	if implClass == "" {
		implClass = DefaultImplementationClassUID
	}
	writeItemHeader(&userInfo, itemImplementationClassUID, len(implClass))
	userInfo.WriteString(implClass)

	implVersion := ac.ImplementationVersionName
	if implVersion == "" {
		implVersion = DefaultImplementationVersionName
	}
	writeItemHeader(&userInfo, itemImplementationVersion, len(implVersion))
	userInfo.WriteString(implVersion)

	writeItemHeader(buf, itemUserInformation, userInfo.Len())
	buf.Write(userInfo.Bytes())
	return nil
}

func encodePDataTFPayload(buf *bytes.Buffer, p *PDataTF) {
	for _, pdv := range p.PDVs {
		var header byte
		if pdv.Command {
			header |= 0x01
		}
		if pdv.Last {
			header |= 0x02
		}
		length := 2 + len(pdv.Data) // context-id + control-header + data
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(length))
		buf.Write(lenBuf[:])
		buf.WriteByte(pdv.ContextID)
		buf.WriteByte(header)
		buf.Write(pdv.Data)
	}
}

// PDVByteLength returns the wire length of one PDV including its
// 4-byte length prefix, used by callers sizing PDVs against
// max_pdu_length.
func PDVByteLength(dataLen int) int {
	return 4 + 2 + dataLen
}

// --- Decoding ---------------------------------------------------------

// Header is the common 6-byte PDU header.
type Header struct {
	Type   Type
	Length uint32
}

// ReadHeader reads one PDU header from r.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, 6)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, err
	}
	return Header{Type: Type(buf[0]), Length: binary.BigEndian.Uint32(buf[2:6])}, nil
}

// ReadPDU reads one complete PDU from r and decodes it into the
// matching concrete type.
func ReadPDU(r io.Reader) (interface{}, error) {
	hdr, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, hdr.Length)
	if hdr.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("pdu: read payload: %w", err)
		}
	}

	switch hdr.Type {
	case TypeAssociateRQ:
		return decodeAssociateRQ(payload)
	case TypeAssociateAC:
		return decodeAssociateAC(payload)
	case TypeAssociateRJ:
		if len(payload) < 4 {
			return nil, ErrShortBuffer
		}
		return &AssociateRJ{Result: payload[1], Source: payload[2], Reason: payload[3]}, nil
	case TypePDataTF:
		return decodePDataTF(payload)
	case TypeReleaseRQ:
		return &ReleaseRQ{}, nil
	case TypeReleaseRP:
		return &ReleaseRP{}, nil
	case TypeAbort:
		if len(payload) < 4 {
			return nil, ErrShortBuffer
		}
		return &Abort{Source: payload[2], Reason: payload[3]}, nil
	default:
		return nil, fmt.Errorf("pdu: unknown PDU type 0x%02x", byte(hdr.Type))
	}
}

type itemReader struct {
	data []byte
	pos  int
}

func (r *itemReader) remaining() int { return len(r.data) - r.pos }

func (r *itemReader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, ErrShortBuffer
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *itemReader) readN(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, ErrShortBuffer
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *itemReader) readUint16() (uint16, error) {
	b, err := r.readN(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// itemHeader reads a 4-byte item header (type, reserved, length).
func (r *itemReader) itemHeader() (byte, int, error) {
	itemType, err := r.readByte()
	if err != nil {
		return 0, 0, err
	}
	if _, err := r.readByte(); err != nil { // reserved
		return 0, 0, err
	}
	length, err := r.readUint16()
	if err != nil {
		return 0, 0, err
	}
	return itemType, int(length), nil
}

func decodeAssociateRQ(payload []byte) (*AssociateRQ, error) {
	if len(payload) < 68 {
		return nil, ErrShortBuffer
	}
	r := &itemReader{data: payload}
	if _, err := r.readN(4); err != nil { // version + reserved
		return nil, err
	}
	calledBuf, err := r.readN(16)
	if err != nil {
		return nil, err
	}
	callingBuf, err := r.readN(16)
	if err != nil {
		return nil, err
	}
	if _, err := r.readN(32); err != nil { // reserved
		return nil, err
	}

	rq := &AssociateRQ{
		CalledAETitle:  trimAETitle(calledBuf),
		CallingAETitle: trimAETitle(callingBuf),
	}

	for r.remaining() > 0 {
		itemType, length, err := r.itemHeader()
		if err != nil {
			return nil, err
		}
		body, err := r.readN(length)
		if err != nil {
			return nil, err
		}
		switch itemType {
		case itemApplicationContext:
			// value unused beyond validation
		case itemPresentationContextRQ:
			pc, err := decodePresentationContextRQ(body)
			if err != nil {
				return nil, err
			}
			rq.PresentationContexts = append(rq.PresentationContexts, pc)
		case itemUserInformation:
			maxLen, implClass, implVersion, err := decodeUserInformation(body)
			if err != nil {
				return nil, err
			}
			rq.MaxPDULength = maxLen
			rq.ImplementationClassUID = implClass
			rq.ImplementationVersionName = implVersion
		default:
			return nil, fmt.Errorf("%w: 0x%02x in A-ASSOCIATE-RQ", ErrBadItemType, itemType)
		}
	}
	return rq, nil
}

func decodePresentationContextRQ(body []byte) (PresentationContextRQ, error) {
	r := &itemReader{data: body}
	id, err := r.readByte()
	if err != nil {
		return PresentationContextRQ{}, err
	}
	if _, err := r.readN(3); err != nil { // reserved
		return PresentationContextRQ{}, err
	}
	pc := PresentationContextRQ{ID: id}
	for r.remaining() > 0 {
		itemType, length, err := r.itemHeader()
		if err != nil {
			return PresentationContextRQ{}, err
		}
		value, err := r.readN(length)
		if err != nil {
			return PresentationContextRQ{}, err
		}
		switch itemType {
		case itemAbstractSyntax:
			pc.AbstractSyntaxUID = string(bytes.TrimRight(value, "\x00"))
		case itemTransferSyntax:
			pc.TransferSyntaxUIDs = append(pc.TransferSyntaxUIDs, string(bytes.TrimRight(value, "\x00")))
		default:
			return PresentationContextRQ{}, fmt.Errorf("%w: 0x%02x in presentation context", ErrBadItemType, itemType)
		}
	}
	return pc, nil
}

func decodeUserInformation(body []byte) (maxLen uint32, implClass, implVersion string, err error) {
	r := &itemReader{data: body}
	for r.remaining() > 0 {
		itemType, length, ierr := r.itemHeader()
		if ierr != nil {
			return 0, "", "", ierr
		}
		value, ierr := r.readN(length)
		if ierr != nil {
			return 0, "", "", ierr
		}
		switch itemType {
		case itemMaximumLength:
			if len(value) != 4 {
				return 0, "", "", ErrLengthMismatch
			}
			maxLen = binary.BigEndian.Uint32(value)
		case itemImplementationClassUID:
			implClass = string(bytes.TrimRight(value, "\x00"))
		case itemImplementationVersion:
			implVersion = string(bytes.TrimRight(value, "\x00"))
		default:
			// Unrecognized sub-items (e.g. SCP/SCU role selection,
			// extended negotiation) are skipped: they carry no
			// information this client acts on.
		}
	}
	return maxLen, implClass, implVersion, nil
}

func decodeAssociateAC(payload []byte) (*AssociateAC, error) {
	if len(payload) < 68 {
		return nil, ErrShortBuffer
	}
	r := &itemReader{data: payload}
	if _, err := r.readN(4); err != nil {
		return nil, err
	}
	calledBuf, err := r.readN(16)
	if err != nil {
		return nil, err
	}
	callingBuf, err := r.readN(16)
	if err != nil {
		return nil, err
	}
	if _, err := r.readN(32); err != nil {
		return nil, err
	}

	ac := &AssociateAC{
		CalledAETitle:  trimAETitle(calledBuf),
		CallingAETitle: trimAETitle(callingBuf),
	}

	for r.remaining() > 0 {
		itemType, length, err := r.itemHeader()
		if err != nil {
			return nil, err
		}
		body, err := r.readN(length)
		if err != nil {
			return nil, err
		}
		switch itemType {
		case itemApplicationContext:
		case itemPresentationContextAC:
			pc, err := decodePresentationContextAC(body)
			if err != nil {
				return nil, err
			}
			ac.PresentationContexts = append(ac.PresentationContexts, pc)
		case itemUserInformation:
			maxLen, implClass, implVersion, err := decodeUserInformation(body)
			if err != nil {
				return nil, err
			}
			ac.MaxPDULength = maxLen
			ac.ImplementationClassUID = implClass
			ac.ImplementationVersionName = implVersion
		default:
			return nil, fmt.Errorf("%w: 0x%02x in A-ASSOCIATE-AC", ErrBadItemType, itemType)
		}
	}
	return ac, nil
}

func decodePresentationContextAC(body []byte) (PresentationContextResult, error) {
	r := &itemReader{data: body}
	id, err := r.readByte()
	if err != nil {
		return PresentationContextResult{}, err
	}
	if _, err := r.readByte(); err != nil { // reserved
		return PresentationContextResult{}, err
	}
	result, err := r.readByte()
	if err != nil {
		return PresentationContextResult{}, err
	}
	if _, err := r.readByte(); err != nil { // reserved
		return PresentationContextResult{}, err
	}
	pc := PresentationContextResult{ID: id, Result: result}
	for r.remaining() > 0 {
		itemType, length, err := r.itemHeader()
		if err != nil {
			return PresentationContextResult{}, err
		}
		value, err := r.readN(length)
		if err != nil {
			return PresentationContextResult{}, err
		}
		if itemType != itemTransferSyntax {
			return PresentationContextResult{}, fmt.Errorf("%w: 0x%02x in presentation context result", ErrBadItemType, itemType)
		}
		pc.TransferSyntaxUID = string(bytes.TrimRight(value, "\x00"))
	}
	return pc, nil
}

func decodePDataTF(payload []byte) (*PDataTF, error) {
	r := &itemReader{data: payload}
	var pdvs []PDV
	for r.remaining() > 0 {
		lenBuf, err := r.readN(4)
		if err != nil {
			return nil, err
		}
		length := int(binary.BigEndian.Uint32(lenBuf))
		if length < 2 {
			return nil, ErrLengthMismatch
		}
		contextID, err := r.readByte()
		if err != nil {
			return nil, err
		}
		control, err := r.readByte()
		if err != nil {
			return nil, err
		}
		data, err := r.readN(length - 2)
		if err != nil {
			return nil, err
		}
		pdvs = append(pdvs, PDV{
			ContextID: contextID,
			Command:   control&0x01 != 0,
			Last:      control&0x02 != 0,
			Data:      append([]byte(nil), data...),
		})
	}
	return &PDataTF{PDVs: pdvs}, nil
}
