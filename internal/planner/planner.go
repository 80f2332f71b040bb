// Package planner selects the presentation contexts to propose for a
// study batch, given the SOP classes it contains.
package planner

import (
	"github.com/flatmapit/dicomsend/internal/model"
	"github.com/flatmapit/dicomsend/internal/registry"
)

// maxContextsPerAssociation is the Upper Layer Protocol's hard cap:
// context IDs are a single odd byte in 1..255.
const maxContextsPerAssociation = 128

// Proposal is one presentation context to offer in an A-ASSOCIATE-RQ.
type Proposal struct {
	ID                      int
	AbstractSyntaxUID       string
	ProposedTransferSyntaxes []string
}

// AssociationPlan pairs the presentation contexts to propose for one
// sub-association with the instances that must be sent over it.
type AssociationPlan struct {
	Proposals []Proposal
	Instances []model.InstanceRecord
}

// PlanStudy splits batch into one or more AssociationPlans, one per
// sub-association, honoring the 128-context cap and preserving
// intra-study instance ordering within and across the resulting plans.
func PlanStudy(batch model.StudyBatch) []AssociationPlan {
	groups := Plan(batch)

	classToGroup := make(map[string]int)
	for gi, group := range groups {
		for _, p := range group {
			classToGroup[p.AbstractSyntaxUID] = gi
		}
	}

	plans := make([]AssociationPlan, len(groups))
	for gi, group := range groups {
		plans[gi].Proposals = group
	}
	for _, rec := range batch.Instances {
		gi := classToGroup[rec.SOPClassUID]
		plans[gi].Instances = append(plans[gi].Instances, rec)
	}
	return plans
}

// Plan produces the ordered proposals for a batch, splitting it into
// one or more sub-batches if the number of distinct SOP classes
// exceeds the per-association context cap. Sub-batch instance order
// within the original batch is preserved.
func Plan(batch model.StudyBatch) [][]Proposal {
	classOrder, classSyntaxes := collectSOPClasses(batch)

	var groups [][]string
	for len(classOrder) > 0 {
		n := len(classOrder)
		if n > maxContextsPerAssociation {
			n = maxContextsPerAssociation
		}
		groups = append(groups, classOrder[:n])
		classOrder = classOrder[n:]
	}

	out := make([][]Proposal, 0, len(groups))
	for _, group := range groups {
		proposals := make([]Proposal, 0, len(group))
		id := 1
		for _, uid := range group {
			proposals = append(proposals, Proposal{
				ID:                       id,
				AbstractSyntaxUID:        uid,
				ProposedTransferSyntaxes: transferSyntaxesFor(uid, classSyntaxes[uid]),
			})
			id += 2
		}
		out = append(out, proposals)
	}
	return out
}

// collectSOPClasses returns the unique SOP class UIDs appearing in the
// batch in first-seen order, plus for each the set of on-disk transfer
// syntax UIDs observed (first-seen order, de-duplicated).
func collectSOPClasses(batch model.StudyBatch) ([]string, map[string][]string) {
	var order []string
	seen := make(map[string]bool)
	syntaxSeen := make(map[string]map[string]bool)
	syntaxes := make(map[string][]string)

	for _, rec := range batch.Instances {
		if !seen[rec.SOPClassUID] {
			seen[rec.SOPClassUID] = true
			order = append(order, rec.SOPClassUID)
			syntaxSeen[rec.SOPClassUID] = make(map[string]bool)
		}
		if !syntaxSeen[rec.SOPClassUID][rec.TransferSyntaxUID] {
			syntaxSeen[rec.SOPClassUID][rec.TransferSyntaxUID] = true
			syntaxes[rec.SOPClassUID] = append(syntaxes[rec.SOPClassUID], rec.TransferSyntaxUID)
		}
	}
	return order, syntaxes
}

// transferSyntaxesFor builds the proposed-syntax list for one SOP
// class: on-disk syntaxes first, then category-aligned affinity
// candidates, then the two universal fallbacks last, all de-duplicated
// in first-seen order.
func transferSyntaxesFor(sopClassUID string, onDisk []string) []string {
	category := registry.LookupSOPClass(sopClassUID).Category

	var ordered []string
	seen := make(map[string]bool)
	add := func(uid string) {
		if uid == "" || seen[uid] {
			return
		}
		seen[uid] = true
		ordered = append(ordered, uid)
	}

	for _, uid := range onDisk {
		add(uid)
	}
	for _, uid := range affinityCandidates(category) {
		add(uid)
	}
	add(registry.ExplicitVRLittleEndianUID)
	add(registry.ImplicitVRLittleEndianUID)

	return ordered
}
