package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/recvault/backend/internal/models"
)

func TestIncIngest_NormalizesLabels(t *testing.T) {
	before := testutil.ToFloat64(ingestEventsTotal.WithLabelValues("unknown", "unknown"))
	IncIngest("carrier-pigeon", "maybe")
	assert.Equal(t, before+1, testutil.ToFloat64(ingestEventsTotal.WithLabelValues("unknown", "unknown")))

	before = testutil.ToFloat64(ingestEventsTotal.WithLabelValues(models.SourceWebhook, ResultNew))
	IncIngest(models.SourceWebhook, ResultNew)
	assert.Equal(t, before+1, testutil.ToFloat64(ingestEventsTotal.WithLabelValues(models.SourceWebhook, ResultNew)))
}

func TestObserveUpload(t *testing.T) {
	before := testutil.ToFloat64(uploadAttemptsTotal.WithLabelValues(UploadTransient))
	ObserveUpload(UploadTransient, 2*time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(uploadAttemptsTotal.WithLabelValues(UploadTransient)))
}

func TestSetQueueStats(t *testing.T) {
	SetQueueStats(models.QueueStats{models.UploadStatusPending: 3})
	assert.Equal(t, 3.0, testutil.ToFloat64(queueItems.WithLabelValues("pending")))
	assert.Equal(t, 0.0, testutil.ToFloat64(queueItems.WithLabelValues("failed")))
}

func TestAddReclaimed(t *testing.T) {
	before := testutil.ToFloat64(queueReclaimedTotal)
	AddReclaimed(0)
	AddReclaimed(2)
	assert.Equal(t, before+2, testutil.ToFloat64(queueReclaimedTotal))
}

func TestAddReconciled(t *testing.T) {
	before := testutil.ToFloat64(recordingsReconciledTotal)
	AddReconciled(-1)
	AddReconciled(1)
	assert.Equal(t, before+1, testutil.ToFloat64(recordingsReconciledTotal))
}
