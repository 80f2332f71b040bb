// Package dispatch owns the worker pool that turns study batches into
// associations: it assigns studies to workers, opens one association
// per study (splitting into sequential sub-associations when a study
// needs more than 128 contexts), drives the C-STORE operator for each
// instance, and aggregates outcomes.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flatmapit/dicomsend/internal/assoc"
	"github.com/flatmapit/dicomsend/internal/model"
	"github.com/flatmapit/dicomsend/internal/planner"
	"github.com/flatmapit/dicomsend/internal/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Options configures one dispatch run.
type Options struct {
	Threads           int
	CalledAE          string
	CallingAE         string
	Host              string
	Port              int
	Timeouts          assoc.Timeouts
	ProposedPDULength uint32
	QueueMultiplier   int
	SessionID         string // if empty, Run generates a fresh UUIDv4
	Log               *logrus.Logger
}

// Dial is injectable so tests can substitute an in-memory transport;
// production code leaves it nil and gets assoc.DialTCP.
type Dial func(host string, port int, timeout time.Duration) (assoc.Transport, error)

// aggregator collects outcomes under a mutex, the only mutable shared
// state besides the read-only registries.
type aggregator struct {
	mu               sync.Mutex
	outcomes         []model.TransferOutcome
	studiesProcessed map[string]bool
	studyOrder       []string
}

func newAggregator() *aggregator {
	return &aggregator{studiesProcessed: make(map[string]bool)}
}

func (a *aggregator) record(studyUID string, outcomes ...model.TransferOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes = append(a.outcomes, outcomes...)
	if !a.studiesProcessed[studyUID] {
		a.studiesProcessed[studyUID] = true
		a.studyOrder = append(a.studyOrder, studyUID)
	}
}

// Run dispatches batches across a bounded worker pool and returns the
// completed session report. dial defaults to a real TCP dialer when
// nil.
func Run(ctx context.Context, batches []model.StudyBatch, opts Options, dial Dial) *model.SessionReport {
	if dial == nil {
		dial = assoc.DialTCP
	}
	if opts.Log == nil {
		opts.Log = logrus.New()
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	start := time.Now()
	agg := newAggregator()

	work := expandStudies(batches)
	queueMultiplier := opts.QueueMultiplier
	if queueMultiplier < 1 {
		queueMultiplier = 4
	}
	queueCapacity := queueMultiplier * opts.Threads
	if queueCapacity < 1 {
		queueCapacity = queueMultiplier
	}
	queue := make(chan model.StudyBatch, queueCapacity)

	go func() {
		defer close(queue)
		for _, b := range work {
			select {
			case <-ctx.Done():
				return
			case queue <- b:
			}
		}
	}()

	sem := semaphore.NewWeighted(int64(maxInt(opts.Threads, 1)))
	var wg sync.WaitGroup

	for batch := range queue {
		if ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(b model.StudyBatch) {
			defer wg.Done()
			defer sem.Release(1)
			processStudy(ctx, b, opts, dial, agg, sessionID)
		}(batch)
	}
	wg.Wait()

	end := time.Now()
	return buildReport(sessionID, start, end, opts, agg)
}

// expandStudies routes the synthetic no-study-UID group to one
// per-instance pseudo-batch each (one association per such record),
// per §4.C, while leaving real studies intact.
func expandStudies(batches []model.StudyBatch) []model.StudyBatch {
	var out []model.StudyBatch
	for _, b := range batches {
		if b.StudyUID != model.NoStudyGroup {
			out = append(out, b)
			continue
		}
		for _, rec := range b.Instances {
			out = append(out, model.StudyBatch{StudyUID: model.NoStudyGroup, Instances: []model.InstanceRecord{rec}})
		}
	}
	return out
}

func processStudy(ctx context.Context, batch model.StudyBatch, opts Options, dial Dial, agg *aggregator, sessionID string) {
	plans := planner.PlanStudy(batch)
	logger := opts.Log.WithFields(logrus.Fields{"session": sessionID, "study_uid": batch.StudyUID})

	for _, plan := range plans {
		if ctx.Err() != nil {
			failAll(agg, batch.StudyUID, plan.Instances, model.LocalErrorAssociationFailed, ctx.Err())
			continue
		}
		processAssociationPlan(ctx, plan, opts, dial, agg, batch.StudyUID, logger)
	}
}

func processAssociationPlan(ctx context.Context, plan planner.AssociationPlan, opts Options, dial Dial, agg *aggregator, studyUID string, logger *logrus.Entry) {
	transport, err := dial(opts.Host, opts.Port, opts.Timeouts.Connect)
	if err != nil {
		logger.WithError(err).Warn("connect failed")
		failAll(agg, studyUID, plan.Instances, model.LocalErrorAssociationFailed, err)
		return
	}

	sess, err := assoc.Open(transport, opts.CallingAE, opts.CalledAE, plan.Proposals, opts.Timeouts, opts.ProposedPDULength)
	if err != nil {
		logger.WithError(err).Warn("association setup failed")
		failAll(agg, studyUID, plan.Instances, model.LocalErrorAssociationFailed, err)
		return
	}

	var outcomes []model.TransferOutcome
	aborted := false
	cancelled := false
	for _, rec := range plan.Instances {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		outcome, fatal := store.Send(sess, rec)
		outcomes = append(outcomes, outcome)
		logger.WithFields(logrus.Fields{
			"sop_instance_uid": rec.SOPInstanceUID,
			"status_hex":       fmt.Sprintf("%04X", outcome.StatusHex),
		}).Debug("instance transfer complete")
		if fatal {
			aborted = true
			break
		}
	}

	// Remaining un-attempted instances in this plan, whether because of
	// a fatal protocol error or a cancellation signal, count as failures.
	attempted := len(outcomes)
	for _, rec := range plan.Instances[attempted:] {
		outcomes = append(outcomes, model.TransferOutcome{
			Record: rec, Status: model.StatusLocalError, LocalErr: model.LocalErrorAssociationFailed, Err: ctx.Err(),
		})
	}

	switch {
	case aborted:
		sess.Abort(0, 0)
	case cancelled:
		releaseWithGrace(sess, logger)
	default:
		if err := sess.Release(); err != nil {
			logger.WithError(err).Warn("release failed")
		}
	}

	agg.record(studyUID, outcomes...)
}

// releaseGracePeriod bounds how long a cancelled run waits for a clean
// A-RELEASE-RQ/RP exchange before giving up and aborting instead.
const releaseGracePeriod = 5 * time.Second

// releaseWithGrace attempts a clean release, falling back to an abort
// if it does not complete within releaseGracePeriod, per the
// cancellation shutdown behavior.
func releaseWithGrace(sess *assoc.Session, logger *logrus.Entry) {
	done := make(chan error, 1)
	go func() { done <- sess.Release() }()
	select {
	case err := <-done:
		if err != nil {
			logger.WithError(err).Warn("release failed during cancellation")
		}
	case <-time.After(releaseGracePeriod):
		logger.Warn("release did not complete within grace period, aborting")
		sess.Abort(0, 0)
	}
}

func failAll(agg *aggregator, studyUID string, instances []model.InstanceRecord, kind model.LocalErrorKind, err error) {
	var outcomes []model.TransferOutcome
	for _, rec := range instances {
		outcomes = append(outcomes, model.TransferOutcome{Record: rec, Status: model.StatusLocalError, LocalErr: kind, Err: err})
	}
	agg.record(studyUID, outcomes...)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func buildReport(sessionID string, start, end time.Time, opts Options, agg *aggregator) *model.SessionReport {
	agg.mu.Lock()
	defer agg.mu.Unlock()

	report := &model.SessionReport{
		SessionID:        sessionID,
		StartTime:        start,
		EndTime:          end,
		ThreadsUsed:      opts.Threads,
		Destination:      fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		CallingAE:        opts.CallingAE,
		CalledAE:         opts.CalledAE,
		StudiesProcessed: append([]string(nil), agg.studyOrder...),
	}

	var totalElapsed int64
	for _, o := range agg.outcomes {
		report.TotalFiles++
		report.TotalBytes += o.BytesSent
		totalElapsed += o.ElapsedMs
		switch o.Status {
		case model.StatusSuccess, model.StatusWarning:
			report.SuccessfulTransfers++
		default:
			report.FailedTransfers++
		}
	}
	if report.TotalFiles > 0 {
		report.AverageTransferTimeMs = float64(totalElapsed) / float64(report.TotalFiles)
	}
	report.TotalTimeMs = end.Sub(start).Milliseconds()
	if report.TotalTimeMs > 0 {
		report.ThroughputMbps = (float64(report.TotalBytes) * 8 / 1_000_000) / (float64(report.TotalTimeMs) / 1000)
	}
	return report
}
