// Package metrics holds the Prometheus collectors for ingestion and uploads.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/recvault/backend/internal/models"
)

// Ingest results.
const (
	ResultNew       = "new"
	ResultDuplicate = "duplicate"
	ResultMalformed = "malformed"
	ResultInvalid   = "invalid_path"
	ResultError     = "error"
)

// Upload results.
const (
	UploadSuccess   = "success"
	UploadTransient = "transient"
	UploadPermanent = "permanent"
	UploadAbandoned = "abandoned"
)

var (
	ingestEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recvault_ingest_events_total",
		Help: "Recording-finished events by source and outcome",
	}, []string{"source", "result"})

	uploadAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recvault_upload_attempts_total",
		Help: "Upload attempts by outcome",
	}, []string{"result"})

	uploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recvault_upload_duration_seconds",
		Help:    "Duration of upload attempts in seconds",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
	})

	queueReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recvault_queue_reclaimed_total",
		Help: "Queue items reclaimed from a stuck processing state",
	})

	recordingsReconciledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recvault_recordings_reconciled_total",
		Help: "Recordings repaired after being left without an active queue item",
	})

	queueItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "recvault_queue_items",
		Help: "Queue items by status at the last audit",
	}, []string{"status"})
)

var queueStatuses = []models.UploadStatus{
	models.UploadStatusPending,
	models.UploadStatusProcessing,
	models.UploadStatusRetrying,
	models.UploadStatusCompleted,
	models.UploadStatusFailed,
}

// IncIngest records one ingested event. Unknown labels collapse to "unknown".
func IncIngest(source, result string) {
	ingestEventsTotal.WithLabelValues(sourceLabel(source), resultLabel(result)).Inc()
}

// ObserveUpload records one upload attempt.
func ObserveUpload(result string, d time.Duration) {
	uploadAttemptsTotal.WithLabelValues(uploadLabel(result)).Inc()
	uploadDuration.Observe(d.Seconds())
}

// AddReclaimed counts reclaimed items.
func AddReclaimed(n int) {
	if n > 0 {
		queueReclaimedTotal.Add(float64(n))
	}
}

// AddReconciled counts repaired recordings.
func AddReconciled(n int) {
	if n > 0 {
		recordingsReconciledTotal.Add(float64(n))
	}
}

// SetQueueStats publishes per-status counts; statuses absent from stats are set to zero.
func SetQueueStats(stats models.QueueStats) {
	for _, s := range queueStatuses {
		queueItems.WithLabelValues(string(s)).Set(float64(stats[s]))
	}
}

func sourceLabel(s string) string {
	switch s {
	case models.SourceWebhook, models.SourceFilesystemWatch:
		return s
	}
	return "unknown"
}

func resultLabel(r string) string {
	switch r {
	case ResultNew, ResultDuplicate, ResultMalformed, ResultInvalid, ResultError:
		return r
	}
	return "unknown"
}

func uploadLabel(r string) string {
	switch r {
	case UploadSuccess, UploadTransient, UploadPermanent, UploadAbandoned:
		return r
	}
	return "unknown"
}
