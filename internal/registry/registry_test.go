package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupSOPClassKnown(t *testing.T) {
	row := LookupSOPClass("1.2.840.10008.5.1.4.1.1.2")
	assert.Equal(t, CategoryCT, row.Category)
	assert.Equal(t, "CT Image Storage", row.DisplayName)
}

func TestLookupSOPClassUnknownPassesThrough(t *testing.T) {
	const uid = "1.2.3.4.5.6.7.8.9"
	row := LookupSOPClass(uid)
	assert.Equal(t, CategoryUnknown, row.Category)
	assert.Equal(t, uid, row.UID)
}

func TestRegisterSOPClassExtendsTable(t *testing.T) {
	const uid = "1.9.9.9.9.1"
	RegisterSOPClass(uid, "Site Local Object Storage", CategorySecondaryCapture)
	row := LookupSOPClass(uid)
	assert.Equal(t, CategorySecondaryCapture, row.Category)
	assert.Equal(t, "Site Local Object Storage", row.DisplayName)
}

func TestLookupTransferSyntaxKnown(t *testing.T) {
	row, ok := LookupTransferSyntax(ExplicitVRLittleEndianUID)
	require.True(t, ok)
	assert.Equal(t, ExplicitVR, row.VR)
	assert.False(t, row.Encapsulated)
}

func TestLookupTransferSyntaxUnknown(t *testing.T) {
	_, ok := LookupTransferSyntax("1.9.9.9.9.2")
	assert.False(t, ok)
}

func TestRegisterTransferSyntaxExtendsTable(t *testing.T) {
	ts := TransferSyntax{
		UID: "1.9.9.9.9.3", DisplayName: "Site Local Syntax",
		Endian: LittleEndian, VR: ExplicitVR, Encapsulated: true,
		EncodingFamily: FamilyJPEG2000, Lossless: true,
	}
	RegisterTransferSyntax(ts)
	row, ok := LookupTransferSyntax("1.9.9.9.9.3")
	require.True(t, ok)
	assert.Equal(t, "Site Local Syntax", row.DisplayName)
	assert.True(t, row.Lossless)
}

func TestAllSOPClassesAndTransferSyntaxesNonEmpty(t *testing.T) {
	assert.Greater(t, len(AllSOPClasses()), 50)
	assert.Greater(t, len(AllTransferSyntaxes()), 10)
}
