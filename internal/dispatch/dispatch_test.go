package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flatmapit/dicomsend/internal/assoc"
	"github.com/flatmapit/dicomsend/internal/dimse"
	"github.com/flatmapit/dicomsend/internal/model"
	"github.com/flatmapit/dicomsend/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestInstance(t *testing.T, studyUID, sopInstanceUID string) model.InstanceRecord {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, sopInstanceUID+".dcm")
	content := make([]byte, 300+1024)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return model.InstanceRecord{
		Path:              path,
		SOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
		SOPInstanceUID:    sopInstanceUID,
		StudyUID:          studyUID,
		TransferSyntaxUID: "1.2.840.10008.1.2.1",
		FileSize:          300 + 1024,
		MetaSize:          300,
	}
}

func testOptions(threads int) Options {
	return Options{
		Threads:   threads,
		CalledAE:  "STORE_SCP",
		CallingAE: "RUST_SCU",
		Host:      "mock",
		Port:      104,
		Timeouts:  assoc.Timeouts{Connect: 2 * time.Second, Association: 2 * time.Second, DIMSEResponse: 2 * time.Second},
	}
}

func mockDialAccepting(status uint16) Dial {
	return func(host string, port int, timeout time.Duration) (assoc.Transport, error) {
		conn := testutil.NewPair(&testutil.MockSCP{Status: status})
		return conn, nil
	}
}

func TestRunSingleStudyHappyPath(t *testing.T) {
	batch := model.StudyBatch{
		StudyUID: "1.1",
		Instances: []model.InstanceRecord{
			writeTestInstance(t, "1.1", "1.1.1"),
			writeTestInstance(t, "1.1", "1.1.2"),
		},
	}
	report := Run(context.Background(), []model.StudyBatch{batch}, testOptions(1), mockDialAccepting(dimse.StatusSuccess))
	assert.Equal(t, 2, report.TotalFiles)
	assert.Equal(t, 2, report.SuccessfulTransfers)
	assert.Equal(t, 0, report.FailedTransfers)
	assert.Equal(t, []string{"1.1"}, report.StudiesProcessed)
}

// S4: two studies, two threads — both should run concurrently.
func TestRunTwoStudiesTwoThreadsConcurrency(t *testing.T) {
	var studyA, studyB []model.InstanceRecord
	for i := 0; i < 30; i++ {
		studyA = append(studyA, writeTestInstance(t, "study.a", "a"+string(rune('0'+i%10))+string(rune('A'+i/10))))
		studyB = append(studyB, writeTestInstance(t, "study.b", "b"+string(rune('0'+i%10))+string(rune('A'+i/10))))
	}
	batches := []model.StudyBatch{
		{StudyUID: "study.a", Instances: studyA},
		{StudyUID: "study.b", Instances: studyB},
	}

	var concurrent int32
	var peak int32
	dial := func(host string, port int, timeout time.Duration) (assoc.Transport, error) {
		n := atomic.AddInt32(&concurrent, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		conn := testutil.NewPair(&testutil.MockSCP{Status: dimse.StatusSuccess})
		return wrapCountingClose(conn, &concurrent), nil
	}

	report := Run(context.Background(), batches, testOptions(2), dial)
	assert.Equal(t, 60, report.TotalFiles)
	assert.Equal(t, 60, report.SuccessfulTransfers)
	assert.LessOrEqual(t, int(peak), 2)
	assert.ElementsMatch(t, []string{"study.a", "study.b"}, report.StudiesProcessed)
}

// wrapCountingClose decrements the concurrency counter when the
// connection closes (association released), so peak concurrency
// measures genuinely-overlapping associations.
type countingConn struct {
	assoc.Transport
	counter *int32
	closed  int32
}

func (c *countingConn) Close() error {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		atomic.AddInt32(c.counter, -1)
	}
	return c.Transport.Close()
}

func wrapCountingClose(t assoc.Transport, counter *int32) assoc.Transport {
	return &countingConn{Transport: t, counter: counter}
}

func TestRunContextRejectedPerInstanceLocalError(t *testing.T) {
	batch := model.StudyBatch{
		StudyUID:  "1.2",
		Instances: []model.InstanceRecord{writeTestInstance(t, "1.2", "1.2.1")},
	}
	dial := func(host string, port int, timeout time.Duration) (assoc.Transport, error) {
		conn := testutil.NewPair(&testutil.MockSCP{RejectContextReason: 3})
		return conn, nil
	}
	report := Run(context.Background(), []model.StudyBatch{batch}, testOptions(1), dial)
	assert.Equal(t, 1, report.TotalFiles)
	assert.Equal(t, 1, report.FailedTransfers)
}

func TestRunAssociationRejectedFailsWholeStudy(t *testing.T) {
	batch := model.StudyBatch{
		StudyUID: "1.3",
		Instances: []model.InstanceRecord{
			writeTestInstance(t, "1.3", "1.3.1"),
			writeTestInstance(t, "1.3", "1.3.2"),
		},
	}
	dial := func(host string, port int, timeout time.Duration) (assoc.Transport, error) {
		conn := testutil.NewPair(&testutil.MockSCP{RejectAssociation: true, RejectReason: 1})
		return conn, nil
	}
	report := Run(context.Background(), []model.StudyBatch{batch}, testOptions(1), dial)
	assert.Equal(t, 2, report.TotalFiles)
	assert.Equal(t, 2, report.FailedTransfers)
}

func TestRunPreCancelledContextStopsPoppingStudies(t *testing.T) {
	batch := model.StudyBatch{
		StudyUID:  "1.4",
		Instances: []model.InstanceRecord{writeTestInstance(t, "1.4", "1.4.1")},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var dialed int32
	dial := func(host string, port int, timeout time.Duration) (assoc.Transport, error) {
		atomic.AddInt32(&dialed, 1)
		return testutil.NewPair(&testutil.MockSCP{Status: dimse.StatusSuccess}), nil
	}
	report := Run(ctx, []model.StudyBatch{batch}, testOptions(1), dial)
	assert.Equal(t, int32(0), atomic.LoadInt32(&dialed))
	assert.Equal(t, 0, report.TotalFiles)
}

func TestNoStudyGroupGetsOneAssociationPerInstance(t *testing.T) {
	batch := model.StudyBatch{
		StudyUID: model.NoStudyGroup,
		Instances: []model.InstanceRecord{
			writeTestInstance(t, model.NoStudyGroup, "n.1"),
			writeTestInstance(t, model.NoStudyGroup, "n.2"),
		},
	}
	var associationsOpened int32
	dial := func(host string, port int, timeout time.Duration) (assoc.Transport, error) {
		atomic.AddInt32(&associationsOpened, 1)
		conn := testutil.NewPair(&testutil.MockSCP{Status: dimse.StatusSuccess})
		return conn, nil
	}
	report := Run(context.Background(), []model.StudyBatch{batch}, testOptions(1), dial)
	assert.Equal(t, 2, report.TotalFiles)
	assert.Equal(t, int32(2), associationsOpened)
}
