package planner

import (
	"testing"

	"github.com/flatmapit/dicomsend/internal/model"
	"github.com/flatmapit/dicomsend/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanSingleSOPClassOrdering(t *testing.T) {
	batch := model.StudyBatch{
		StudyUID: "1.1",
		Instances: []model.InstanceRecord{
			{SOPClassUID: "1.2.840.10008.5.1.4.1.1.2", TransferSyntaxUID: "1.2.840.10008.1.2.1"},
		},
	}
	groups := Plan(batch)
	require.Len(t, groups, 1)
	require.Len(t, groups[0], 1)

	p := groups[0][0]
	assert.Equal(t, 1, p.ID)
	assert.Equal(t, "1.2.840.10008.5.1.4.1.1.2", p.AbstractSyntaxUID)
	assert.Equal(t, "1.2.840.10008.1.2.1", p.ProposedTransferSyntaxes[0])
	last := p.ProposedTransferSyntaxes[len(p.ProposedTransferSyntaxes)-1]
	secondLast := p.ProposedTransferSyntaxes[len(p.ProposedTransferSyntaxes)-2]
	assert.Equal(t, registry.ImplicitVRLittleEndianUID, last)
	assert.Equal(t, registry.ExplicitVRLittleEndianUID, secondLast)
}

func TestPlanAssignsOddContextIDs(t *testing.T) {
	batch := model.StudyBatch{
		Instances: []model.InstanceRecord{
			{SOPClassUID: "A", TransferSyntaxUID: "1.2.840.10008.1.2.1"},
			{SOPClassUID: "B", TransferSyntaxUID: "1.2.840.10008.1.2.1"},
			{SOPClassUID: "C", TransferSyntaxUID: "1.2.840.10008.1.2.1"},
		},
	}
	groups := Plan(batch)
	require.Len(t, groups, 1)
	ids := []int{groups[0][0].ID, groups[0][1].ID, groups[0][2].ID}
	assert.Equal(t, []int{1, 3, 5}, ids)
}

func TestPlanSplitsOver128Contexts(t *testing.T) {
	var instances []model.InstanceRecord
	for i := 0; i < 140; i++ {
		instances = append(instances, model.InstanceRecord{
			SOPClassUID:       string(rune('A' + (i % 26))) + string(rune(i)),
			TransferSyntaxUID: "1.2.840.10008.1.2.1",
		})
	}
	batch := model.StudyBatch{Instances: instances}
	groups := Plan(batch)
	require.Len(t, groups, 2)
	assert.LessOrEqual(t, len(groups[0]), 128)
	assert.LessOrEqual(t, len(groups[1]), 128)
	assert.Equal(t, 140, len(groups[0])+len(groups[1]))
}

func TestPlanWaveformAffinityIsLosslessOnly(t *testing.T) {
	registry.RegisterSOPClass("1.9.8.7", "Test Waveform Storage", registry.CategoryWaveform)
	batch := model.StudyBatch{
		Instances: []model.InstanceRecord{
			{SOPClassUID: "1.9.8.7", TransferSyntaxUID: "1.2.840.10008.1.2.1"},
		},
	}
	groups := Plan(batch)
	syntaxes := groups[0][0].ProposedTransferSyntaxes
	assert.Contains(t, syntaxes, "1.2.840.10008.1.2.5")
	for _, uid := range syntaxes {
		ts, ok := registry.LookupTransferSyntax(uid)
		require.True(t, ok, uid)
		assert.True(t, ts.Lossless, uid)
	}
}
