// Package study partitions indexed instances into study-keyed batches.
package study

import "github.com/flatmapit/dicomsend/internal/model"

// Group partitions records by StudyUID in first-seen order, both for
// the studies themselves and for the instances within each study.
// Records with an empty or UNKNOWN study UID are routed to the
// synthetic model.NoStudyGroup batch, which the dispatcher must send
// as one association per instance.
func Group(records []model.InstanceRecord) []model.StudyBatch {
	order := make([]string, 0)
	index := make(map[string]int)
	var batches []model.StudyBatch

	for _, rec := range records {
		key := rec.StudyUID
		if key == "" || key == model.UnknownStudyUID {
			key = model.NoStudyGroup
		}
		idx, ok := index[key]
		if !ok {
			idx = len(batches)
			index[key] = idx
			order = append(order, key)
			batches = append(batches, model.StudyBatch{StudyUID: key})
		}
		batches[idx].Instances = append(batches[idx].Instances, rec)
	}
	return batches
}
