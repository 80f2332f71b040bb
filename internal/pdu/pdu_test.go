package pdu

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, p interface{}) interface{} {
	t.Helper()
	encoded, err := Encode(p)
	require.NoError(t, err)

	hdr, err := ReadHeader(bytes.NewReader(encoded[:6]))
	require.NoError(t, err)
	assert.Equal(t, uint32(len(encoded)-6), hdr.Length)

	decoded, err := ReadPDU(bytes.NewReader(encoded))
	require.NoError(t, err)
	return decoded
}

func TestAssociateRQRoundTrip(t *testing.T) {
	rq := &AssociateRQ{
		CalledAETitle:  "STORE_SCP",
		CallingAETitle: "RUST_SCU",
		PresentationContexts: []PresentationContextRQ{
			{ID: 1, AbstractSyntaxUID: "1.2.840.10008.5.1.4.1.1.2", TransferSyntaxUIDs: []string{"1.2.840.10008.1.2.1", "1.2.840.10008.1.2"}},
			{ID: 3, AbstractSyntaxUID: "1.2.840.10008.5.1.4.1.1.4", TransferSyntaxUIDs: []string{"1.2.840.10008.1.2.1"}},
		},
		MaxPDULength: 16384,
	}
	decoded := roundTrip(t, rq)
	got, ok := decoded.(*AssociateRQ)
	require.True(t, ok)
	assert.Equal(t, "STORE_SCP", got.CalledAETitle)
	assert.Equal(t, "RUST_SCU", got.CallingAETitle)
	assert.Equal(t, uint32(16384), got.MaxPDULength)
	require.Len(t, got.PresentationContexts, 2)
	assert.Equal(t, byte(1), got.PresentationContexts[0].ID)
	assert.Equal(t, "1.2.840.10008.5.1.4.1.1.2", got.PresentationContexts[0].AbstractSyntaxUID)
	assert.Equal(t, []string{"1.2.840.10008.1.2.1", "1.2.840.10008.1.2"}, got.PresentationContexts[0].TransferSyntaxUIDs)
	assert.Equal(t, DefaultImplementationClassUID, got.ImplementationClassUID)
}

func TestAssociateACRoundTrip(t *testing.T) {
	ac := &AssociateAC{
		CalledAETitle:  "STORE_SCP",
		CallingAETitle: "RUST_SCU",
		PresentationContexts: []PresentationContextResult{
			{ID: 1, Result: ResultAccepted, TransferSyntaxUID: "1.2.840.10008.1.2.1"},
		},
		MaxPDULength: 16384,
	}
	decoded := roundTrip(t, ac)
	got, ok := decoded.(*AssociateAC)
	require.True(t, ok)
	require.Len(t, got.PresentationContexts, 1)
	assert.Equal(t, ResultAccepted, got.PresentationContexts[0].Result)
	assert.Equal(t, "1.2.840.10008.1.2.1", got.PresentationContexts[0].TransferSyntaxUID)
}

func TestAssociateRJRoundTrip(t *testing.T) {
	rj := &AssociateRJ{Result: 1, Source: 1, Reason: 3}
	decoded := roundTrip(t, rj)
	got, ok := decoded.(*AssociateRJ)
	require.True(t, ok)
	assert.Equal(t, byte(1), got.Result)
	assert.Equal(t, byte(3), got.Reason)
}

func TestPDataTFRoundTrip(t *testing.T) {
	p := &PDataTF{PDVs: []PDV{
		{ContextID: 1, Command: true, Last: true, Data: []byte{0x01, 0x02, 0x03}},
		{ContextID: 1, Command: false, Last: false, Data: bytes.Repeat([]byte{0xAB}, 100)},
		{ContextID: 1, Command: false, Last: true, Data: bytes.Repeat([]byte{0xCD}, 50)},
	}}
	decoded := roundTrip(t, p)
	got, ok := decoded.(*PDataTF)
	require.True(t, ok)
	require.Len(t, got.PDVs, 3)
	assert.True(t, got.PDVs[0].Command)
	assert.True(t, got.PDVs[0].Last)
	assert.False(t, got.PDVs[1].Command)
	assert.False(t, got.PDVs[1].Last)
	assert.True(t, got.PDVs[2].Last)
	assert.Equal(t, 100, len(got.PDVs[1].Data))
}

func TestReleaseAndAbortRoundTrip(t *testing.T) {
	decoded := roundTrip(t, &ReleaseRQ{})
	_, ok := decoded.(*ReleaseRQ)
	assert.True(t, ok)

	decoded = roundTrip(t, &ReleaseRP{})
	_, ok = decoded.(*ReleaseRP)
	assert.True(t, ok)

	decoded = roundTrip(t, &Abort{Source: 0, Reason: 2})
	abort, ok := decoded.(*Abort)
	require.True(t, ok)
	assert.Equal(t, byte(2), abort.Reason)
}

func TestPDULengthFieldMatchesPayload(t *testing.T) {
	rq := &AssociateRQ{CalledAETitle: "A", CallingAETitle: "B", MaxPDULength: 16384}
	encoded, err := Encode(rq)
	require.NoError(t, err)
	hdr, err := ReadHeader(bytes.NewReader(encoded[:6]))
	require.NoError(t, err)
	assert.Equal(t, int(hdr.Length), len(encoded)-6)
}
