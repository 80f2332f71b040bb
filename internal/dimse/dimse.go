// Package dimse builds and parses DIMSE command sets for the C-STORE
// service. Command sets are always encoded Implicit VR Little Endian,
// regardless of the transfer syntax negotiated for the dataset.
package dimse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Command field values relevant to C-STORE.
const (
	CommandFieldCStoreRQ  uint16 = 0x0001
	CommandFieldCStoreRSP uint16 = 0x8001
)

const (
	PriorityMedium uint16 = 0x0000

	// CommandDataSetTypeDataset indicates a dataset follows the
	// command; 0x0101 indicates none does.
	CommandDataSetTypeDataset uint16 = 0x0000
	CommandDataSetTypeNone    uint16 = 0x0101
)

// Status codes classified per §4.G.
const (
	StatusSuccess uint16 = 0x0000

	StatusWarnCoercion          uint16 = 0xB000
	StatusWarnElementCoercion   uint16 = 0xB007
	StatusWarnElementDiscarded  uint16 = 0xB006

	StatusRefusedOutOfResources    uint16 = 0xA700
	StatusRefusedDataSetDoesNotMatch uint16 = 0xA900
)

// StatusClass describes the outcome category of a C-STORE status code.
type StatusClass int

const (
	ClassSuccess StatusClass = iota
	ClassWarning
	ClassRefused
)

// ClassifyStatus maps a C-STORE response status code to its class per
// §4.G: 0x0000 success; the B000/B007/B006 family warning (still
// counted as a successful transfer); A700/A900/C000-CFFF and any other
// non-zero value refused.
func ClassifyStatus(status uint16) StatusClass {
	switch status {
	case StatusSuccess:
		return ClassSuccess
	case StatusWarnCoercion, StatusWarnElementCoercion, StatusWarnElementDiscarded:
		return ClassWarning
	default:
		return ClassRefused
	}
}

// CStoreRQ is the command set for a C-STORE request.
type CStoreRQ struct {
	AffectedSOPClassUID    string
	MessageID              uint16
	AffectedSOPInstanceUID string
}

// CStoreRSP is the parsed command set of a C-STORE response.
type CStoreRSP struct {
	AffectedSOPClassUID          string
	MessageIDBeingRespondedTo    uint16
	Status                       uint16
	AffectedSOPInstanceUID       string
}

// Implicit VR LE element tags used in the command set.
type elementTag struct{ group, element uint16 }

var (
	tagCommandGroupLength   = elementTag{0x0000, 0x0000}
	tagAffectedSOPClassUID  = elementTag{0x0000, 0x0002}
	tagCommandField         = elementTag{0x0000, 0x0100}
	tagMessageID            = elementTag{0x0000, 0x0110}
	tagMessageIDRespondedTo = elementTag{0x0000, 0x0120}
	tagPriority             = elementTag{0x0000, 0x0700}
	tagCommandDataSetType   = elementTag{0x0000, 0x0800}
	tagStatus               = elementTag{0x0000, 0x0900}
	tagAffectedSOPInstance  = elementTag{0x0000, 0x1000}
)

func writeUIElement(buf *bytes.Buffer, tag elementTag, value string) {
	if len(value)%2 != 0 {
		value += "\x00"
	}
	writeElementHeader(buf, tag, uint32(len(value)))
	buf.WriteString(value)
}

func writeUSElement(buf *bytes.Buffer, tag elementTag, value uint16) {
	writeElementHeader(buf, tag, 2)
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], value)
	buf.Write(b[:])
}

func writeElementHeader(buf *bytes.Buffer, tag elementTag, length uint32) {
	var header [8]byte
	binary.LittleEndian.PutUint16(header[0:2], tag.group)
	binary.LittleEndian.PutUint16(header[2:4], tag.element)
	binary.LittleEndian.PutUint32(header[4:8], length)
	buf.Write(header[:])
}

// EncodeCStoreRQ builds the Implicit VR LE command set bytes for a
// C-STORE request, with Command Group Length computed over the
// elements that follow it.
func EncodeCStoreRQ(rq CStoreRQ) []byte {
	var body bytes.Buffer
	writeUIElement(&body, tagAffectedSOPClassUID, rq.AffectedSOPClassUID)
	writeUSElement(&body, tagCommandField, CommandFieldCStoreRQ)
	writeUSElement(&body, tagMessageID, rq.MessageID)
	writeUSElement(&body, tagPriority, PriorityMedium)
	writeUSElement(&body, tagCommandDataSetType, CommandDataSetTypeDataset)
	writeUIElement(&body, tagAffectedSOPInstance, rq.AffectedSOPInstanceUID)

	var out bytes.Buffer
	writeElementHeader(&out, tagCommandGroupLength, 4)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(body.Len()))
	out.Write(lenBuf[:])
	out.Write(body.Bytes())
	return out.Bytes()
}

// EncodeCStoreRSP builds the Implicit VR LE command set bytes for a
// C-STORE response.
func EncodeCStoreRSP(rsp CStoreRSP) []byte {
	var body bytes.Buffer
	writeUIElement(&body, tagAffectedSOPClassUID, rsp.AffectedSOPClassUID)
	writeUSElement(&body, tagCommandField, CommandFieldCStoreRSP)
	writeUSElement(&body, tagMessageIDRespondedTo, rsp.MessageIDBeingRespondedTo)
	writeUSElement(&body, tagCommandDataSetType, CommandDataSetTypeNone)
	writeUSElement(&body, tagStatus, rsp.Status)
	if rsp.AffectedSOPInstanceUID != "" {
		writeUIElement(&body, tagAffectedSOPInstance, rsp.AffectedSOPInstanceUID)
	}

	var out bytes.Buffer
	writeElementHeader(&out, tagCommandGroupLength, 4)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(body.Len()))
	out.Write(lenBuf[:])
	out.Write(body.Bytes())
	return out.Bytes()
}

// DecodeCStoreRQ parses a C-STORE request command set, as received by
// a peer acting as an SCP (used by the in-memory mock SCP in tests).
func DecodeCStoreRQ(data []byte) (CStoreRQ, error) {
	r := bytes.NewReader(data)
	var rq CStoreRQ
	for r.Len() > 0 {
		var header [8]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return rq, fmt.Errorf("dimse: read element header: %w", err)
		}
		group := binary.LittleEndian.Uint16(header[0:2])
		element := binary.LittleEndian.Uint16(header[2:4])
		length := binary.LittleEndian.Uint32(header[4:8])

		value := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r, value); err != nil {
				return rq, fmt.Errorf("dimse: read element value: %w", err)
			}
		}

		switch (elementTag{group, element}) {
		case tagAffectedSOPClassUID:
			rq.AffectedSOPClassUID = trimUI(value)
		case tagMessageID:
			rq.MessageID = binary.LittleEndian.Uint16(value)
		case tagAffectedSOPInstance:
			rq.AffectedSOPInstanceUID = trimUI(value)
		}
	}
	return rq, nil
}

// DecodeCStoreRSP parses a C-STORE response command set.
func DecodeCStoreRSP(data []byte) (CStoreRSP, error) {
	r := bytes.NewReader(data)
	var rsp CStoreRSP

	for r.Len() > 0 {
		var header [8]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return rsp, fmt.Errorf("dimse: read element header: %w", err)
		}
		group := binary.LittleEndian.Uint16(header[0:2])
		element := binary.LittleEndian.Uint16(header[2:4])
		length := binary.LittleEndian.Uint32(header[4:8])

		value := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r, value); err != nil {
				return rsp, fmt.Errorf("dimse: read element value: %w", err)
			}
		}

		tag := elementTag{group, element}
		switch tag {
		case tagAffectedSOPClassUID:
			rsp.AffectedSOPClassUID = trimUI(value)
		case tagMessageIDRespondedTo:
			rsp.MessageIDBeingRespondedTo = binary.LittleEndian.Uint16(value)
		case tagStatus:
			rsp.Status = binary.LittleEndian.Uint16(value)
		case tagAffectedSOPInstance:
			rsp.AffectedSOPInstanceUID = trimUI(value)
		case tagCommandGroupLength, tagCommandField, tagPriority, tagCommandDataSetType:
			// not needed by the caller
		}
	}
	return rsp, nil
}

func trimUI(b []byte) string {
	return string(bytes.TrimRight(b, "\x00 "))
}
